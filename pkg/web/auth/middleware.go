package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
)

const (
	tokenHeader = "Authorization"
	tokenScheme = "Bearer "
)

type (
	middleware struct {
		adminHash    string
		providerHash string
		authProvider []AuthenticationProvider
		l            *log.Logger
	}
	Option func(*middleware)

	AuthenticationProvider interface {
		Authenticate(ctx context.Context, h http.Header) (Authentication, error)
	}
)

// NewMiddleware builds the http middleware resolving the caller identity.
// Configured tokens are kept as sha256 hashes, incoming tokens are hashed
// before comparison.
func NewMiddleware(opts ...Option) func(http.Handler) http.Handler {
	ret := &middleware{
		l: log.Default().Named("web.auth"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.authProvider = []AuthenticationProvider{
		&apiKeyAuthenticator{
			adminHash:    ret.adminHash,
			providerHash: ret.providerHash,
		},
		&anonymousAuthenticator{},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ret.handleAuth(r.Context(), r.Header)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithAdminToken(token string) Option {
	return func(m *middleware) {
		if token != "" {
			m.adminHash = utils.HashAPIKey(token)
		}
	}
}

func WithProviderToken(token string) Option {
	return func(m *middleware) {
		if token != "" {
			m.providerHash = utils.HashAPIKey(token)
		}
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(m *middleware) {
		m.l = arg
	}
}

type AuthHolder struct {
	auth Authentication
}

type SimpleAuth struct {
	Authentication
	principal Principal
	roles     []Role
}
type SimplePrincipal struct {
	Principal
	name string
}

func (s *SimplePrincipal) Name() string {
	return s.name
}

func (s *SimpleAuth) Principal() Principal {
	return s.principal
}

func (s *SimpleAuth) Roles() []Role {
	return s.roles
}

var anon = &SimpleAuth{principal: &SimplePrincipal{name: "anon"}, roles: []Role{}}

type myCtxTypeKey int

func FromContext(ctx *context.Context) Authentication {
	if ctx == nil {
		return nil
	}
	if val, ok := (*ctx).Value(myCtxTypeKey(0)).(*AuthHolder); ok {
		return val.auth
	}
	return nil
}

func (m *middleware) handleAuth(ctx context.Context, h http.Header) context.Context {
	for _, p := range m.authProvider {
		a, err := p.Authenticate(ctx, h)
		if a != nil {
			return context.WithValue(ctx, myCtxTypeKey(0), &AuthHolder{auth: a})
		}
		if err != nil {
			m.l.Error("error authenticating", log.ErrorField(err))
		}
	}
	// if no auth found, continue with current context
	return ctx
}

type (
	anonymousAuthenticator struct{}
	apiKeyAuthenticator    struct {
		adminHash    string
		providerHash string
	}
)

//nolint:whitespace // editor/linter issue
func (a *anonymousAuthenticator) Authenticate(
	ctx context.Context,
	h http.Header,
) (Authentication, error) {
	return anon, nil
}

// An unknown token does not produce an error. The caller continues as
// anonymous and fails the role check of the protected routes.
//
//nolint:whitespace // editor/linter issue
func (a *apiKeyAuthenticator) Authenticate(
	ctx context.Context,
	h http.Header,
) (Authentication, error) {
	token := bearerToken(h)
	if token == "" {
		return nil, nil
	}
	hashed := utils.HashAPIKey(token)
	if a.adminHash != "" && hashed == a.adminHash {
		return &SimpleAuth{
			principal: &SimplePrincipal{name: "admin"},
			roles:     []Role{RoleAdmin},
		}, nil
	}
	if a.providerHash != "" && hashed == a.providerHash {
		return &SimpleAuth{
			principal: &SimplePrincipal{name: "provider-" + hashed[:8]},
			roles:     []Role{RoleProvider},
		}, nil
	}
	return nil, nil
}

func bearerToken(h http.Header) string {
	val := h.Get(tokenHeader)
	if !strings.HasPrefix(val, tokenScheme) {
		return ""
	}
	return strings.TrimSpace(val[len(tokenScheme):])
}

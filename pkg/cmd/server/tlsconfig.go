package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/config"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils/certs/traefik"
)

type certs struct {
	ctx       context.Context
	tlsconfig *tls.Config
	log       *log.Logger
	cert      *tls.Certificate
	mu        sync.RWMutex
}

// newTLSConfigProvider assembles the server TLS config from either a
// traefik acme file or a PEM cert/key pair. The certificate is watched
// and reloaded on change, so renewals don't need a restart. Returns nil
// when no certificate source is configured or the initial load fails.
func newTLSConfigProvider(ctx context.Context) *tls.Config {
	c := &certs{
		ctx: ctx,
		log: log.GetFromContext(ctx).Named("certs"),
	}
	c.loadCert()
	//nolint:nestif //false positive
	if c.cert != nil {
		c.tlsconfig = &tls.Config{
			GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
				c.mu.RLock()
				defer c.mu.RUnlock()
				return c.cert, nil
			},
			MinVersion: tls.VersionTLS13,
		}
		if config.TLSCAFile != "" {
			c.log.Info("Loading ca cert",
				log.String("file", config.TLSCAFile))

			caCert, err := os.ReadFile(config.TLSCAFile)
			if err != nil {
				c.log.Error("could not read TLS root CA", log.ErrorField(err))
			}
			caCertPool := x509.NewCertPool()
			if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
				c.log.Error("could not append cert to pool")
			}
			c.tlsconfig.ClientCAs = caCertPool
			c.tlsconfig.ClientAuth = tls.VerifyClientCertIfGiven
		}
		go c.watchAndReloadCerts()
	}
	return c.tlsconfig
}

func (c *certs) watchAndReloadCerts() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.log.Error("could not create fsnotify watcher", log.ErrorField(err))
		return
	}
	defer watcher.Close()
	for _, file := range []string{
		config.TLSAcmeFile, config.TLSCertFile, config.TLSKeyFile,
	} {
		if file == "" {
			continue
		}
		if err := watcher.Add(file); err != nil {
			c.log.Error("could not watch cert file",
				log.String("file", file), log.ErrorField(err))
		}
	}
	for {
		select {
		case <-c.ctx.Done():
			c.log.Info("context done, stopping cert reload")
			return
		case event, ok := <-watcher.Events:
			if !ok {
				c.log.Info("watcher events channel closed, stopping cert reload")
				return
			}
			c.log.Debug("change detected",
				log.String("file", event.Name), log.Any("event", event))
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Chmod == fsnotify.Chmod {

				c.log.Info("cert file changed, reloading cert",
					log.String("file", event.Name))
				c.loadCert()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				c.log.Info("watcher errors channel closed, stopping cert reload")
				return
			}
			c.log.Error("watcher error", log.ErrorField(err))
		}
	}
}

func (c *certs) loadCert() {
	if config.TLSAcmeFile != "" && config.TLSDomain != "" {
		c.log.Info("Looking up acme certs",
			log.String("file", config.TLSAcmeFile),
			log.String("domain", config.TLSDomain))
		cert, err := traefik.LoadCertificate(config.TLSAcmeFile, config.TLSDomain)
		if err != nil {
			c.log.Error("could not load acme certs", log.ErrorField(err))
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cert = &cert
		return
	}
	if config.TLSCertFile != "" && config.TLSKeyFile != "" {
		c.log.Info("Loading cert",
			log.String("key", config.TLSKeyFile),
			log.String("cert", config.TLSCertFile))
		cert, err := tls.LoadX509KeyPair(config.TLSCertFile, config.TLSKeyFile)
		if err != nil {
			c.log.Error("could not load TLS key pair", log.ErrorField(err))
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.cert = &cert
		return
	}
}

package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/duel"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy"
	duelrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/duel"
	runrepos "github.com/midnightgrind/tougelog-service-manager-go/pkg/repository/run"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/service"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils/cache"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/web/auth"
	"github.com/midnightgrind/tougelog-service-manager-go/version"
)

type routerHandlers struct {
	manager   *service.Manager
	dataProxy proxy.DataProxy
	lookup    *utils.SessionLookup
	pool      *pgxpool.Pool
	// archived results, loaded from the database on demand
	resultCache cache.Cache[string, model.DuelResult]

	wsLimiter  *WebSocketRateLimiter
	wsActive   atomic.Int32
	maxWSTotal int

	printFrames bool
	l           *log.Logger
}

// liveResult returns the result of a locally processed duel, nil while
// the duel is still undecided.
func (h *routerHandlers) liveResult(duelKey string) *model.DuelResult {
	sd, err := h.lookup.GetSession(duelKey)
	if err != nil {
		return nil
	}
	sd.Mutex.Lock()
	defer sd.Mutex.Unlock()
	return sd.Processor.Result()
}

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "up"})
}

type versionCheckResponse struct {
	ProvidedClientVersion  string `json:"providedClientVersion"`
	SupportedClientVersion string `json:"supportedClientVersion"`
	ServerVersion          string `json:"serverVersion"`
	ClientCompatible       bool   `json:"clientCompatible"`
}

// handleVersionCheck lets game builds verify they are still accepted
// before registering a duel.
func (h *routerHandlers) handleVersionCheck(w http.ResponseWriter, r *http.Request) {
	provided := r.Header.Get("X-Client-Version")
	writeJSON(w, versionCheckResponse{
		ProvidedClientVersion:  provided,
		SupportedClientVersion: utils.RequiredClientVersion,
		ServerVersion:          version.Version,
		ClientCompatible:       utils.CheckClientVersion(provided),
	})
}

func (h *routerHandlers) handleListDuels(w http.ResponseWriter, r *http.Request) {
	duels := h.dataProxy.LiveDuels()
	if duels == nil {
		duels = []*model.SessionInfo{}
	}
	UpdateLiveDuels(len(duels))
	writeJSON(w, duels)
}

func (h *routerHandlers) handleGetDuel(w http.ResponseWriter, r *http.Request) {
	si, err := h.dataProxy.GetDuel(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, si)
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	duelKey := chi.URLParam(r, "key")
	if sd, err := h.lookup.GetSession(duelKey); err == nil {
		sd.Mutex.Lock()
		last := sd.LastState
		sd.Mutex.Unlock()
		if last == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, last)
		return
	}
	if _, err := h.dataProxy.GetDuel(duelKey); err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	// processed by another instance, no snapshot kept here
	w.WriteHeader(http.StatusNoContent)
}

func (h *routerHandlers) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	duelKey := chi.URLParam(r, "key")
	if _, err := h.dataProxy.GetDuel(duelKey); err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	events := h.dataProxy.HistoryDuelEvents(duelKey)
	if events == nil {
		events = []*model.DuelEvent{}
	}
	writeJSON(w, events)
}

// handleGetResults serves the live result when the duel is decided and
// still registered, the persisted one otherwise.
func (h *routerHandlers) handleGetResults(w http.ResponseWriter, r *http.Request) {
	duelKey := chi.URLParam(r, "key")
	if res := h.liveResult(duelKey); res != nil {
		writeJSON(w, res)
		return
	}
	if h.resultCache == nil {
		writeError(w, "no result available", http.StatusNotFound)
		return
	}
	res, err := h.resultCache.Get(r.Context(), duelKey)
	if err != nil {
		writeError(w, "no result available", http.StatusNotFound)
		return
	}
	writeJSON(w, res)
}

func (h *routerHandlers) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	duelKey := chi.URLParam(r, "key")
	if sd, err := h.lookup.GetSession(duelKey); err == nil {
		sd.Mutex.Lock()
		completed := sd.Processor.CompletedRuns()
		sd.Mutex.Unlock()
		runs := make([]*model.DbDuelRun, 0, len(completed))
		for i := range completed {
			cr := &completed[i]
			runs = append(runs, &model.DbDuelRun{
				RunNo:     cr.Run.RunNumber,
				LeaderIdx: cr.Run.LeaderIndex,
				WinnerIdx: cr.Run.RunWinnerIndex,
				Result:    cr.Run.Result.String(),
				RunTime:   cr.Run.RunTime,
				Data:      cr.Details,
			})
		}
		writeJSON(w, runs)
		return
	}
	if h.pool == nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	duelEntry, err := duelrepos.LoadByKey(r.Context(), h.pool, duelKey)
	if err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	runs, err := runrepos.LoadByDuelId(r.Context(), h.pool, duelEntry.ID)
	if err != nil {
		h.l.Error("error loading runs", log.ErrorField(err))
		writeError(w, "error loading runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (h *routerHandlers) handleRegisterDuel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := auth.FromContext(&ctx)
	if !auth.HasRole(a, auth.RoleProvider) {
		writeError(w, "permission denied", http.StatusForbidden)
		return
	}
	var cfg model.DuelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	si, err := h.manager.RegisterDuel(r.Context(), &cfg, a.Principal().Name())
	if err != nil {
		var cfgErr *duel.ConfigurationError
		switch {
		case errors.Is(err, service.ErrDuplicateSession):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.As(err, &cfgErr):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			h.l.Error("error registering duel", log.ErrorField(err))
			writeError(w, "error registering duel", http.StatusInternalServerError)
		}
		return
	}
	UpdateLiveDuels(len(h.dataProxy.LiveDuels()))
	writeJSONStatus(w, http.StatusCreated, si)
}

func (h *routerHandlers) handleUnregisterDuel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := auth.FromContext(&ctx)
	if !auth.HasRole(a, auth.RoleProvider) {
		writeError(w, "permission denied", http.StatusForbidden)
		return
	}
	duelKey := chi.URLParam(r, "key")
	if err := h.manager.UnregisterDuel(r.Context(), duelKey); err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	if h.resultCache != nil {
		h.resultCache.Invalidate(r.Context(), duelKey)
	}
	UpdateLiveDuels(len(h.dataProxy.LiveDuels()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *routerHandlers) handleUnregisterAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := auth.FromContext(&ctx)
	if !auth.HasRole(a, auth.RoleAdmin) {
		writeError(w, "permission denied", http.StatusForbidden)
		return
	}
	dropped := h.manager.UnregisterAll(r.Context())
	UpdateLiveDuels(len(h.dataProxy.LiveDuels()))
	writeJSON(w, dropped)
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

//nolint:errcheck // the response is committed, nothing left to do
func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

//nolint:errcheck // the response is committed, nothing left to do
func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/midnightgrind/tougelog-service-manager-go/log"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/web/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024

	DefaultMaxWSConnectionsTotal = 500
	DefaultMaxWSConnectionsPerIP = 10
)

// Origins are not checked. The CORS setup is permissive on purpose, the
// same applies here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// drainUntilClosed consumes leftover messages so the proxy side can
// finish pending sends after the subscription was canceled.
func drainUntilClosed[T any](ch <-chan T) {
	go func() {
		//nolint:revive // discard on purpose
		for range ch {
		}
	}()
}

func sendEnvelope(conn *websocket.Conn, mt model.MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := model.WsMessage{
		Type:      mt,
		Payload:   data,
		Timestamp: float64(time.Now().UnixMilli()) / 1000.0,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(&msg)
}

// acceptWS enforces the connection caps before upgrading.
//
//nolint:whitespace // can't make both editor and linter happy
func (h *routerHandlers) acceptWS(
	w http.ResponseWriter,
	r *http.Request,
) (*websocket.Conn, string, bool) {
	ip := GetClientIP(r)
	if int(h.wsActive.Load()) >= h.maxWSTotal {
		RecordConnectionRejected("ws_total_limit")
		writeError(w, "too many connections", http.StatusServiceUnavailable)
		return nil, "", false
	}
	if !h.wsLimiter.Allow(ip) {
		RecordConnectionRejected("ws_ip_limit")
		writeError(w, "too many connections from this address",
			http.StatusTooManyRequests)
		return nil, "", false
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wsLimiter.Release(ip)
		h.l.Debug("websocket upgrade failed", log.ErrorField(err))
		return nil, "", false
	}
	UpdateWSConnections(int(h.wsActive.Add(1)))
	return conn, ip, true
}

func (h *routerHandlers) releaseWS(conn *websocket.Conn, ip string) {
	_ = conn.Close()
	h.wsLimiter.Release(ip)
	UpdateWSConnections(int(h.wsActive.Add(-1)))
}

func (h *routerHandlers) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleProviderWS ingests the telemetry stream for a duel processed by
// this instance. The provider sends MTFrame envelopes, the server answers
// with a single MTResult envelope once the duel is decided.
func (h *routerHandlers) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := auth.FromContext(&ctx)
	if !auth.HasRole(a, auth.RoleProvider) {
		writeError(w, "permission denied", http.StatusForbidden)
		return
	}
	duelKey := chi.URLParam(r, "key")
	// frames are ingested by the instance holding the session
	if _, err := h.lookup.GetSession(duelKey); err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	conn, ip, ok := h.acceptWS(w, r)
	if !ok {
		return
	}
	h.manager.MarkConnected(duelKey, true)
	h.l.Info("provider connected",
		log.String("duelKey", duelKey),
		log.String("ip", ip))
	defer func() {
		h.manager.MarkConnected(duelKey, false)
		h.releaseWS(conn, ip)
		h.l.Info("provider disconnected", log.String("duelKey", duelKey))
	}()

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	resultSent := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.l.Debug("provider read error", log.ErrorField(err))
			}
			return
		}
		var msg model.WsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.l.Debug("invalid message", log.ErrorField(err))
			continue
		}
		if msg.Type != model.MTFrame {
			continue
		}
		var frame model.TelemetryFrame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			h.l.Debug("invalid frame payload", log.ErrorField(err))
			continue
		}
		if h.printFrames {
			h.l.Debug("frame", log.String("payload", string(msg.Payload)))
		}
		RecordFrameReceived()
		if err := h.manager.ProcessFrame(r.Context(), duelKey, &frame); err != nil {
			// session is gone (unregistered or removed as stale)
			h.l.Debug("frame rejected",
				log.String("duelKey", duelKey),
				log.ErrorField(err))
			return
		}
		if !resultSent {
			if res := h.liveResult(duelKey); res != nil {
				resultSent = true
				if err := sendEnvelope(conn, model.MTResult, res); err != nil {
					return
				}
			}
		}
	}
}

// handleSpectatorWS streams events and state snapshots for a duel. Works
// for duels processed by other instances as well since the subscription
// goes through the data proxy.
func (h *routerHandlers) handleSpectatorWS(w http.ResponseWriter, r *http.Request) {
	duelKey := chi.URLParam(r, "key")
	if _, err := h.dataProxy.GetDuel(duelKey); err != nil {
		writeError(w, "duel not found", http.StatusNotFound)
		return
	}
	conn, ip, ok := h.acceptWS(w, r)
	if !ok {
		return
	}
	defer h.releaseWS(conn, ip)

	eventChan, eventQuit, err := h.dataProxy.SubscribeDuelEvents(duelKey)
	if err != nil {
		h.l.Error("error subscribing duel events", log.ErrorField(err))
		return
	}
	snapChan, snapQuit, err := h.dataProxy.SubscribeStateSnapshots(duelKey)
	if err != nil {
		h.l.Error("error subscribing state snapshots", log.ErrorField(err))
		close(eventQuit)
		drainUntilClosed(eventChan)
		return
	}
	defer func() {
		close(eventQuit)
		close(snapQuit)
		drainUntilClosed(eventChan)
		drainUntilClosed(snapChan)
	}()

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.l.Debug("spectator connected",
		log.String("duelKey", duelKey),
		log.String("ip", ip))
	if si, err := h.dataProxy.GetDuel(duelKey); err == nil {
		if err := sendEnvelope(conn, model.MTSessionInfo, si); err != nil {
			return
		}
	}
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()
	for {
		select {
		case ev, chanOk := <-eventChan:
			if !chanOk {
				return
			}
			if err := sendEnvelope(conn, model.MTEvent, ev); err != nil {
				return
			}
			IncrementWSMessages()
			if ev.Kind == model.EventDuelDecided {
				if res := h.liveResult(duelKey); res != nil {
					if err := sendEnvelope(conn, model.MTResult, res); err != nil {
						return
					}
					IncrementWSMessages()
				}
			}
		case snap, chanOk := <-snapChan:
			if !chanOk {
				return
			}
			if err := sendEnvelope(conn, model.MTSnapshot, snap); err != nil {
				return
			}
			IncrementWSMessages()
		case <-pingTicker.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

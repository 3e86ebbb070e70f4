//nolint:funlen,errcheck,noctx // ok for tests
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/proxy/local"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/service"
	"github.com/midnightgrind/tougelog-service-manager-go/pkg/utils"
	base "github.com/midnightgrind/tougelog-service-manager-go/testsupport/basedata"
)

const (
	adminTestToken    = "admin-test-token"
	providerTestToken = "provider-test-token"
)

type testSetup struct {
	lookup  *utils.SessionLookup
	manager *service.Manager
	server  *httptest.Server
}

// newTestSetup wires a router without a database. The archive endpoints
// answer 404 in this configuration.
func newTestSetup(t *testing.T, mods ...func(*RouterConfig)) *testSetup {
	t.Helper()
	lookup := utils.NewSessionLookup()
	dataProxy := local.NewLocalProxy(lookup)
	manager := service.NewManager(
		service.WithSessionLookup(lookup),
		service.WithDataProxy(dataProxy),
	)
	cfg := RouterConfig{
		Manager:               manager,
		DataProxy:             dataProxy,
		Lookup:                lookup,
		AdminToken:            adminTestToken,
		ProviderToken:         providerTestToken,
		DisableRequestLogging: true,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	server := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(server.Close)
	return &testSetup{lookup: lookup, manager: manager, server: server}
}

func doRequest(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func singleRunConfig() *model.DuelConfig {
	cfg := base.SampleConfig()
	cfg.Mode = model.ModeSingleRun
	return cfg
}

func registerDuel(t *testing.T, ts *testSetup, cfg *model.DuelConfig) *model.SessionInfo {
	t.Helper()
	body, err := json.Marshal(cfg)
	require.NoError(t, err)
	resp := doRequest(t, http.MethodPost,
		ts.server.URL+"/api/v1/duels", providerTestToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	si := decodeBody[model.SessionInfo](t, resp)
	return &si
}

func wsURL(ts *testSetup, path string) string {
	return "ws" + strings.TrimPrefix(ts.server.URL, "http") + path
}

func frameEnvelope(t *testing.T, frame *model.TelemetryFrame) *model.WsMessage {
	t.Helper()
	payload, err := json.Marshal(frame)
	require.NoError(t, err)
	return &model.WsMessage{Type: model.MTFrame, Payload: payload}
}

// ends a single run duel on the spot (chaser crash, leader wins)
func crashFrame(sessionTime float64) *model.TelemetryFrame {
	frame := base.SampleFrame(sessionTime, 10)
	frame.Markers = []model.DriverMarker{
		{Kind: model.MarkerCrash, ParticipantIndex: 1},
	}
	return frame
}

func TestRouter_Health(t *testing.T) {
	ts := newTestSetup(t)

	resp := doRequest(t, http.MethodGet, ts.server.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "up", body["status"])

	resp = doRequest(t, http.MethodGet, ts.server.URL+"/metrics", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_VersionCheck(t *testing.T) {
	ts := newTestSetup(t)

	check := func(clientVersion string) versionCheckResponse {
		req, err := http.NewRequest(
			http.MethodGet, ts.server.URL+"/api/v1/version", nil)
		require.NoError(t, err)
		req.Header.Set("X-Client-Version", clientVersion)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return decodeBody[versionCheckResponse](t, resp)
	}

	old := check("0.2.0")
	assert.False(t, old.ClientCompatible)
	assert.Equal(t, utils.RequiredClientVersion, old.SupportedClientVersion)
	assert.Equal(t, "0.2.0", old.ProvidedClientVersion)

	assert.True(t, check("0.4.2").ClientCompatible)
}

func TestRouter_RegisterDuel_Auth(t *testing.T) {
	ts := newTestSetup(t)
	body, err := json.Marshal(base.SampleConfig())
	require.NoError(t, err)

	// anonymous and unknown tokens fail the role check
	resp := doRequest(t, http.MethodPost, ts.server.URL+"/api/v1/duels", "", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, http.MethodPost,
		ts.server.URL+"/api/v1/duels", "not-a-valid-token", body)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, http.MethodPost,
		ts.server.URL+"/api/v1/duels", providerTestToken, body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	si := decodeBody[model.SessionInfo](t, resp)
	assert.NotEmpty(t, si.Key)
	assert.Equal(t, "testduel", si.Config.Name)
}

func TestRouter_RegisterDuel_Validation(t *testing.T) {
	ts := newTestSetup(t)
	registerDuel(t, ts, base.SampleConfig())

	// same name while the duel is still live
	body, err := json.Marshal(base.SampleConfig())
	require.NoError(t, err)
	resp := doRequest(t, http.MethodPost,
		ts.server.URL+"/api/v1/duels", providerTestToken, body)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	broken := base.SampleConfig()
	broken.Name = "other"
	broken.Participants = broken.Participants[:1]
	body, err = json.Marshal(broken)
	require.NoError(t, err)
	resp = doRequest(t, http.MethodPost,
		ts.server.URL+"/api/v1/duels", providerTestToken, body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doRequest(t, http.MethodPost,
		ts.server.URL+"/api/v1/duels", providerTestToken, []byte("{broken"))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_DuelQueries(t *testing.T) {
	ts := newTestSetup(t)
	si := registerDuel(t, ts, base.SampleConfig())

	resp := doRequest(t, http.MethodGet, ts.server.URL+"/api/v1/duels", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	duels := decodeBody[[]model.SessionInfo](t, resp)
	require.Len(t, duels, 1)
	assert.Equal(t, si.Key, duels[0].Key)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[model.SessionInfo](t, resp)
	assert.Equal(t, "testduel", got.Config.Name)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/unknown", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// no telemetry yet, so no snapshot
	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/state", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]model.DuelEvent](t, resp)
	assert.Empty(t, events)

	// undecided and no database configured
	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/results", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/runs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decodeBody[[]model.DbDuelRun](t, resp)
	assert.Empty(t, runs)
}

func TestRouter_CompletedDuel(t *testing.T) {
	ts := newTestSetup(t)
	si := registerDuel(t, ts, singleRunConfig())
	ctx := context.Background()

	require.NoError(t, ts.manager.ProcessFrame(
		ctx, si.Key, base.SampleFrame(0.1, 10)))
	require.NoError(t, ts.manager.ProcessFrame(ctx, si.Key, crashFrame(0.2)))

	resp := doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/state", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[model.StateSnapshot](t, resp)
	assert.Equal(t, "complete", snap.Phase)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/results", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[model.DuelResult](t, resp)
	assert.Equal(t, si.Key, res.DuelKey)
	assert.Equal(t, 0, res.WinnerIndex)
	require.Len(t, res.Standings, 2)
	assert.Equal(t, 5000, res.Standings[0].Reward.Cash)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/runs", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decodeBody[[]model.DbDuelRun](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].RunNo)
	assert.Equal(t, 0, runs[0].LeaderIdx)
	assert.Equal(t, 0, runs[0].WinnerIdx)
	assert.Equal(t, "chaserCrashed", runs[0].Result)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]model.DuelEvent](t, resp)
	assert.GreaterOrEqual(t, len(events), 4)
}

func TestRouter_Unregister(t *testing.T) {
	ts := newTestSetup(t)
	si := registerDuel(t, ts, base.SampleConfig())

	resp := doRequest(t, http.MethodDelete,
		ts.server.URL+"/api/v1/duels/"+si.Key, "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete,
		ts.server.URL+"/api/v1/duels/"+si.Key, providerTestToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodGet,
		ts.server.URL+"/api/v1/duels/"+si.Key, "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete,
		ts.server.URL+"/api/v1/duels/"+si.Key, providerTestToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_UnregisterAll(t *testing.T) {
	ts := newTestSetup(t)
	registerDuel(t, ts, base.SampleConfig())
	second := singleRunConfig()
	second.Name = "otherduel"
	registerDuel(t, ts, second)

	// dropping the whole collection needs the admin role
	resp := doRequest(t, http.MethodDelete,
		ts.server.URL+"/api/v1/duels", providerTestToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete,
		ts.server.URL+"/api/v1/duels", adminTestToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dropped := decodeBody[[]model.SessionInfo](t, resp)
	assert.Len(t, dropped, 2)

	resp = doRequest(t, http.MethodGet, ts.server.URL+"/api/v1/duels", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	duels := decodeBody[[]model.SessionInfo](t, resp)
	assert.Empty(t, duels)
}

func TestRouter_ProviderWS(t *testing.T) {
	ts := newTestSetup(t)
	si := registerDuel(t, ts, singleRunConfig())

	// the ingest endpoint is for providers only
	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/ws/v1/provider/"+si.Key), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+providerTestToken)

	_, resp, err = websocket.DefaultDialer.Dial(
		wsURL(ts, "/ws/v1/provider/unknown"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/ws/v1/provider/"+si.Key), header)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	// the connected flag follows the ingest connection
	assert.Eventually(t, func() bool {
		sd, err := ts.lookup.GetSession(si.Key)
		if err != nil {
			return false
		}
		sd.Mutex.Lock()
		defer sd.Mutex.Unlock()
		return sd.Connected
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(
		frameEnvelope(t, base.SampleFrame(0.1, 10))))
	require.NoError(t, conn.WriteJSON(frameEnvelope(t, crashFrame(0.2))))

	// the deciding frame is answered with the final result
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg model.WsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, model.MTResult, msg.Type)
	var res model.DuelResult
	require.NoError(t, json.Unmarshal(msg.Payload, &res))
	assert.Equal(t, si.Key, res.DuelKey)
	assert.Equal(t, 0, res.WinnerIndex)
}

func TestRouter_SpectatorWS(t *testing.T) {
	ts := newTestSetup(t)
	si := registerDuel(t, ts, singleRunConfig())
	ctx := context.Background()

	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/ws/v1/duels/unknown/live"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/ws/v1/duels/"+si.Key+"/live"), nil)
	require.NoError(t, err)
	defer conn.Close()
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var first model.WsMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, model.MTSessionInfo, first.Type)

	require.NoError(t, ts.manager.ProcessFrame(
		ctx, si.Key, base.SampleFrame(0.1, 10)))
	require.NoError(t, ts.manager.ProcessFrame(ctx, si.Key, crashFrame(0.2)))

	// collect the live stream until the final result shows up
	kinds := map[model.DuelEventKind]bool{}
	sawSnapshot := false
	var res *model.DuelResult
	for res == nil {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg model.WsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case model.MTEvent:
			var ev model.DuelEvent
			require.NoError(t, json.Unmarshal(msg.Payload, &ev))
			kinds[ev.Kind] = true
		case model.MTSnapshot:
			sawSnapshot = true
		case model.MTResult:
			res = &model.DuelResult{}
			require.NoError(t, json.Unmarshal(msg.Payload, res))
		default:
		}
	}
	// snapshots travel on their own channel and may trail the result
	for !sawSnapshot {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg model.WsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		sawSnapshot = msg.Type == model.MTSnapshot
	}
	assert.True(t, kinds[model.EventCrash])
	assert.True(t, kinds[model.EventRunCompleted])
	assert.True(t, kinds[model.EventDuelDecided])
	assert.Equal(t, 0, res.WinnerIndex)
	assert.Equal(t, 1, res.RunCount)
}

func TestRouter_RateLimit(t *testing.T) {
	ts := newTestSetup(t, func(cfg *RouterConfig) {
		cfg.RateLimitConfig = &RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             2,
			CleanupInterval:   time.Hour,
		}
	})

	statuses := make([]int, 0, 3)
	for range 3 {
		resp := doRequest(t, http.MethodGet, ts.server.URL+"/health", "", nil)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, statuses[0])
	assert.Equal(t, http.StatusOK, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

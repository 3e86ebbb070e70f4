package utils

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFromDBURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "with port",
			url:  "postgresql://user:pw@db.example.com:5433/tougelog",
			want: "db.example.com:5433",
		},
		{
			name: "default port",
			url:  "postgresql://user:pw@db.example.com/tougelog",
			want: "db.example.com:5432",
		},
		{
			name: "no credentials",
			url:  "postgresql://db.example.com:5432/tougelog",
			want: "",
		},
		{
			name: "not a db url",
			url:  "mysql://user:pw@db.example.com/tougelog",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFromDBURL(tt.url))
		})
	}
}

func TestExtractFromNatsURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "with port", url: "nats://nats.example.com:4333", want: "nats.example.com:4333"},
		{name: "default port", url: "nats://nats.example.com", want: "nats.example.com:4222"},
		{name: "with credentials", url: "nats://user:pw@nats.example.com:4222", want: "nats.example.com:4222"},
		{name: "not a nats url", url: "tcp://nats.example.com", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFromNatsURL(tt.url))
		})
	}
}

func TestExtractFromWebsocketURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantAddr  string
		wantProto string
	}{
		{name: "ws with port", url: "ws://game.example.com:8080/ws/v1", wantAddr: "game.example.com:8080", wantProto: "ws"},
		{name: "ws default port", url: "ws://game.example.com/ws/v1", wantAddr: "game.example.com:80", wantProto: "ws"},
		{name: "wss default port", url: "wss://game.example.com/ws/v1", wantAddr: "game.example.com:443", wantProto: "wss"},
		{name: "no path", url: "ws://game.example.com:8080", wantAddr: "", wantProto: ""},
		{name: "not a ws url", url: "http://game.example.com/ws/v1", wantAddr: "", wantProto: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, proto := ExtractFromWebsocketURL(tt.url)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantProto, proto)
		})
	}
}

func TestWaitForTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	assert.NoError(t, WaitForTCP(ln.Addr().String(), time.Second))

	gone, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := gone.Addr().String()
	require.NoError(t, gone.Close())

	assert.Error(t, WaitForTCP(addr, 300*time.Millisecond))
}

func TestWaitForHTTPResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	defer ts.Close()

	assert.NoError(t, WaitForHTTPResponse(ts.URL, time.Second))

	down := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {}))
	url := down.URL
	down.Close()

	assert.Error(t, WaitForHTTPResponse(url, 300*time.Millisecond))
}

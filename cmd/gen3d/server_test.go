package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/digigami/api"
	"github.com/BaSui01/digigami/api/handlers"
	"github.com/BaSui01/digigami/config"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.APIKeys = []string{testAPIKey}
	cfg.Server.RateLimitRPS = 0
	cfg.Storage.OutputDir = t.TempDir()
	cfg.History.Database.Name = filepath.Join(t.TempDir(), "history.db")
	cfg.History.Database.Pool.HealthCheckInterval = 0
	cfg.Backends.Meshy.APIKey = "msy-test"
	cfg.Poses.Root = t.TempDir()
	require.NoError(t, cfg.Validate())

	s := NewServer(cfg, nil, zap.NewNop(), zap.NewAtomicLevel(), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Shutdown)
	return s, "http://" + s.httpManager.Addr()
}

func get(t *testing.T, url string, key string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestServer_Routes(t *testing.T) {
	_, base := newTestServer(t)

	resp, _ := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body := get(t, base+"/ready", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ready handlers.HealthStatus
	require.NoError(t, json.Unmarshal(body, &ready))
	assert.Contains(t, ready.Checks, "backends")
	assert.Contains(t, ready.Checks, "storage")
	assert.Contains(t, ready.Checks, "database")

	resp, _ = get(t, base+"/api/3d/backends", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = get(t, base+"/api/3d/backends", testAPIKey)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"meshy"`)

	resp, _ = get(t, base+"/api/3d/history", testAPIKey)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = get(t, base+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gen3d_http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_ShutdownClosesWebSockets(t *testing.T) {
	s, base := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+base[len("http"):]+"/ws/3d", &websocket.DialOptions{
		HTTPHeader: http.Header{"X-API-Key": {testAPIKey}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var ack api.WSResponse
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	assert.Equal(t, api.WSHandshakeAck, ack.Type)

	s.Shutdown()

	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	defer readCancel()
	for {
		var msg api.WSResponse
		if err := wsjson.Read(readCtx, conn, &msg); err != nil {
			assert.NoError(t, readCtx.Err(), "connection should close before the read deadline")
			return
		}
	}
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	s.Shutdown()
	s.Shutdown()
}

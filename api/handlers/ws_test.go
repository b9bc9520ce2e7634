package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/digigami/api"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 WebSocket 测试辅助
// =============================================================================

func dialWS(t *testing.T, env *testEnv) (*websocket.Conn, context.Context) {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws/3d", NewWSHandler(env.handler, nil, zap.NewNop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/3d"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

// readUntil 读取消息直到出现 want 类型，返回该消息与之前跳过的消息
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want api.WSMessageType) (api.WSResponse, []api.WSResponse) {
	t.Helper()
	var skipped []api.WSResponse
	for {
		var msg api.WSResponse
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type == want {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
}

func pngDataURL(t *testing.T) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
}

// =============================================================================
// 🧪 协议
// =============================================================================

func TestWSHandler_HandshakeAndPing(t *testing.T) {
	env := newTestEnv(t, newStub(threed.BackendMeshy, threed.StatusCompleted))
	conn, ctx := dialWS(t, env)

	ack, _ := readUntil(t, ctx, conn, api.WSHandshakeAck)
	assert.NotEmpty(t, ack.SessionID)
	assert.Equal(t, []threed.Backend{threed.BackendMeshy}, ack.Backends)

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSHandshake}))
	again, _ := readUntil(t, ctx, conn, api.WSHandshakeAck)
	assert.Equal(t, ack.SessionID, again.SessionID)

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSPing}))
	pong, _ := readUntil(t, ctx, conn, api.WSPong)
	assert.False(t, pong.Timestamp.IsZero())
}

func TestWSHandler_Generate(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusCompleted)
	env := newTestEnv(t, client)
	conn, ctx := dialWS(t, env)
	readUntil(t, ctx, conn, api.WSHandshakeAck)

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{
		Type:    api.WSGenerate,
		Image:   pngDataURL(t),
		Backend: "meshy",
	}))

	result, before := readUntil(t, ctx, conn, api.WSResult)
	require.NotNil(t, result.Task)
	assert.Equal(t, string(threed.StatusCompleted), result.Status)
	assert.NotEmpty(t, result.Task.LocalPath)

	var last float64 = -1
	progressSeen := 0
	for _, m := range before {
		if m.Type != api.WSProgress {
			continue
		}
		require.NotNil(t, m.Percent)
		assert.GreaterOrEqual(t, *m.Percent, last, "progress never goes backwards")
		last = *m.Percent
		progressSeen++
	}
	assert.Positive(t, progressSeen)

	// 槽位已释放，可立即发起下一次
	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: pngDataURL(t)}))
	second, _ := readUntil(t, ctx, conn, api.WSResult)
	assert.Equal(t, string(threed.StatusCompleted), second.Status)
}

func TestWSHandler_CancelAndBusy(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusProcessing)
	env := newTestEnv(t, client)
	conn, ctx := dialWS(t, env)
	readUntil(t, ctx, conn, api.WSHandshakeAck)

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: pngDataURL(t)}))
	require.Eventually(t, func() bool { return len(env.svc.ListActiveTasks()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: pngDataURL(t)}))
	busy, _ := readUntil(t, ctx, conn, api.WSError)
	assert.Equal(t, string(types.ErrValidation), busy.Code)
	assert.Contains(t, busy.Message, "already running")

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSCancel}))
	status, _ := readUntil(t, ctx, conn, api.WSStatus)
	assert.Equal(t, "cancelled", status.Status)

	require.Eventually(t, func() bool { return len(env.svc.ListActiveTasks()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, client.downloads.Load())

	// 连接仍然可用
	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSCancel}))
	idle, _ := readUntil(t, ctx, conn, api.WSStatus)
	assert.Equal(t, "idle", idle.Status)
}

func TestWSHandler_DisconnectCancels(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusProcessing)
	env := newTestEnv(t, client)
	conn, ctx := dialWS(t, env)
	readUntil(t, ctx, conn, api.WSHandshakeAck)

	require.NoError(t, wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: pngDataURL(t)}))
	require.Eventually(t, func() bool { return len(env.svc.ListActiveTasks()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return len(env.svc.ListActiveTasks()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSHandler_BadMessages(t *testing.T) {
	env := newTestEnv(t, newStub(threed.BackendMeshy, threed.StatusCompleted))
	conn, ctx := dialWS(t, env)
	readUntil(t, ctx, conn, api.WSHandshakeAck)

	tests := []struct {
		name     string
		send     func() error
		wantCode types.ErrorCode
	}{
		{
			name:     "not json",
			send:     func() error { return conn.Write(ctx, websocket.MessageText, []byte("hello")) },
			wantCode: types.ErrValidation,
		},
		{
			name:     "binary frame",
			send:     func() error { return conn.Write(ctx, websocket.MessageBinary, []byte(`{"type":"ping"}`)) },
			wantCode: types.ErrValidation,
		},
		{
			name:     "unknown type",
			send:     func() error { return wsjson.Write(ctx, conn, api.WSRequest{Type: "explode"}) },
			wantCode: types.ErrValidation,
		},
		{
			name:     "bad base64",
			send:     func() error { return wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: "%%%"}) },
			wantCode: types.ErrValidation,
		},
		{
			name: "unknown backend",
			send: func() error {
				return wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: pngDataURL(t), Backend: "blender"})
			},
			wantCode: types.ErrValidation,
		},
		{
			name: "character escaping poses root",
			send: func() error {
				return wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerateCharacter, PosesDir: "../x", CharacterName: "kyur"})
			},
			wantCode: types.ErrValidation,
		},
		{
			name: "unconfigured backend",
			send: func() error {
				return wsjson.Write(ctx, conn, api.WSRequest{Type: api.WSGenerate, Image: pngDataURL(t), Backend: "tripo3d"})
			},
			wantCode: types.ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.send())
			msg, _ := readUntil(t, ctx, conn, api.WSError)
			assert.Equal(t, string(tt.wantCode), msg.Code)
			assert.NotEmpty(t, msg.Message)
		})
	}
}

func TestDecodeDataURL(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	enc := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{name: "bare", in: enc, want: raw},
		{name: "data url", in: "data:image/png;base64," + enc, want: raw},
		{name: "padded whitespace", in: "  " + enc + "\n", want: raw},
		{name: "empty", in: "", wantErr: true},
		{name: "not base64 data url", in: "data:image/png," + enc, wantErr: true},
		{name: "no comma", in: "data:image/png;base64", wantErr: true},
		{name: "garbage", in: "@@@", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeDataURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsCode(err, types.ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/digigami/api"
	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/database"
	"github.com/BaSui01/digigami/internal/events"
	"github.com/BaSui01/digigami/internal/history"
	"github.com/BaSui01/digigami/internal/storage"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 测试辅助类型
// =============================================================================

// stubClient 是一个脚本化的 vendor 后端
type stubClient struct {
	backend   threed.Backend
	multiview bool
	final     threed.Status // 第一次轮询即返回的状态；processing 表示一直运行
	errText   string
	modelData []byte

	ids       atomic.Int32
	downloads atomic.Int32
}

func newStub(b threed.Backend, final threed.Status) *stubClient {
	return &stubClient{
		backend:   b,
		multiview: b == threed.BackendTripo3D,
		final:     final,
		modelData: []byte("glTF-binary"),
	}
}

func (c *stubClient) Backend() threed.Backend { return c.backend }
func (c *stubClient) SupportsMultiview() bool { return c.multiview }

func (c *stubClient) SubmitImage(ctx context.Context, _ image.Image, _ threed.SubmitOptions) (string, error) {
	return fmt.Sprintf("%s-%d", c.backend, c.ids.Add(1)), nil
}

func (c *stubClient) SubmitMultiview(ctx context.Context, views *threed.MultiViewInput, _ threed.SubmitOptions) (string, error) {
	if !c.multiview {
		return "", types.NewError(types.ErrUnsupported, "no multi-view")
	}
	return fmt.Sprintf("%s-mv-%d", c.backend, c.ids.Add(1)), nil
}

func (c *stubClient) Poll(ctx context.Context, taskID string) (*threed.Task, error) {
	t := &threed.Task{TaskID: taskID, Backend: c.backend, Status: c.final}
	switch c.final {
	case threed.StatusCompleted:
		t.Progress = 100
		t.ModelURL = "https://cdn.example/" + taskID + ".glb"
	case threed.StatusFailed:
		t.Error = c.errText
	default:
		t.Progress = 40
	}
	return t, nil
}

func (c *stubClient) Download(ctx context.Context, modelURL string) ([]byte, error) {
	c.downloads.Add(1)
	return c.modelData, nil
}

func (c *stubClient) Close() error { return nil }

// fakeCluster 模拟 Redis 活动镜像
type fakeCluster struct {
	active map[string]events.ActiveTask
	err    error
}

func (f *fakeCluster) Active(context.Context) (map[string]events.ActiveTask, error) {
	return f.active, f.err
}

type testEnv struct {
	svc      *generation.Service
	handler  *Gen3DHandler
	mux      *http.ServeMux
	outDir   string
	posesDir string
	repo     *history.Repository
}

func newTestEnv(t *testing.T, clients ...*stubClient) *testEnv {
	t.Helper()
	cfg := generation.DefaultConfig()
	cfg.PollInterval = 2 * time.Millisecond
	cfg.PollRetryDelay = time.Millisecond
	cfg.PollRateLimit = 0
	cfg.Timeout = 5 * time.Second

	m := make(map[threed.Backend]threed.Client, len(clients))
	for _, c := range clients {
		m[c.backend] = c
	}

	env := &testEnv{outDir: t.TempDir(), posesDir: t.TempDir()}

	dbCfg := database.DefaultConfig()
	dbCfg.Name = filepath.Join(t.TempDir(), "history.db")
	dbCfg.Pool.HealthCheckInterval = 0
	repo, pool, err := history.Open(context.Background(), dbCfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	env.repo = repo

	env.svc = generation.NewService(cfg, m, storage.NewLocalStore(env.outDir, nil), zap.NewNop(),
		generation.WithObservers(history.NewRecorder(repo, zap.NewNop())))
	t.Cleanup(func() { _ = env.svc.Close() })

	env.handler = NewGen3DHandler(env.svc, zap.NewNop(),
		WithHistory(repo),
		WithPosesRoot(env.posesDir),
	)
	env.mux = http.NewServeMux()
	env.handler.Register(env.mux)
	return env
}

func (e *testEnv) do(r *http.Request) (*httptest.ResponseRecorder, Response) {
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, fields map[string]string, upload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if upload != nil {
		fw, err := mw.CreateFormFile("image", "input.png")
		require.NoError(t, err)
		_, err = fw.Write(upload)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/3d/generate", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

// decodeTask 从 Data 中取出 GenerateResult.Task
func decodeTask(t *testing.T, resp Response) *threed.Task {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result api.GenerateResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.NotNil(t, result.Task)
	return result.Task
}

func writePose(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), pngBytes(t), 0o644))
}

// =============================================================================
// 🧪 POST /api/3d/generate
// =============================================================================

func TestGen3DHandler_Generate_Completes(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusCompleted)
	env := newTestEnv(t, client)

	w, resp := env.do(multipartRequest(t, map[string]string{"backend": "meshy", "art_style": "realistic"}, pngBytes(t)))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, resp.Success)
	task := decodeTask(t, resp)
	assert.Equal(t, threed.StatusCompleted, task.Status)
	assert.Equal(t, float64(100), task.Progress)
	assert.Equal(t, filepath.Join(env.outDir, task.TaskID+".glb"), task.LocalPath)

	data, err := os.ReadFile(task.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, client.modelData, data)

	// 任务结束即离开活动集合
	assert.Empty(t, env.svc.ListActiveTasks())
}

func TestGen3DHandler_Generate_VendorFailure(t *testing.T) {
	client := newStub(threed.BackendTripo3D, threed.StatusFailed)
	client.errText = "banned content"
	env := newTestEnv(t, client)

	w, resp := env.do(multipartRequest(t, nil, pngBytes(t)))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrBackend), resp.Error.Code)
	assert.Equal(t, "banned content", resp.Error.Message)
	assert.Equal(t, "tripo3d", resp.Error.Backend)

	task := decodeTask(t, resp)
	assert.Equal(t, threed.StatusFailed, task.Status)
	assert.Equal(t, "banned content", task.Error)
}

func TestGen3DHandler_Generate_RequestErrors(t *testing.T) {
	env := newTestEnv(t, newStub(threed.BackendMeshy, threed.StatusCompleted))

	tests := []struct {
		name       string
		req        func() *http.Request
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{
			name:       "missing image",
			req:        func() *http.Request { return multipartRequest(t, map[string]string{"backend": "meshy"}, nil) },
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "not an image",
			req:        func() *http.Request { return multipartRequest(t, nil, []byte("hello")) },
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name: "unknown backend",
			req: func() *http.Request {
				return multipartRequest(t, map[string]string{"backend": "blender"}, pngBytes(t))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name: "bad polycount",
			req: func() *http.Request {
				return multipartRequest(t, map[string]string{"target_polycount": "many"}, pngBytes(t))
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name: "unconfigured backend",
			req: func() *http.Request {
				return multipartRequest(t, map[string]string{"backend": "makergrid"}, pngBytes(t))
			},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.ErrConfiguration,
		},
		{
			name: "not multipart",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/api/3d/generate", strings.NewReader("{}"))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(tt.req())
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestGen3DHandler_Generate_UploadTooLarge(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusCompleted)
	env := newTestEnv(t, client)
	env.handler.maxUpload = 64

	w, resp := env.do(multipartRequest(t, nil, pngBytes(t)))

	assert.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
	assert.Zero(t, client.ids.Load(), "nothing submitted")
}

func TestGen3DHandler_Generate_ClientGoneCancels(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusProcessing)
	env := newTestEnv(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	req := multipartRequest(t, nil, pngBytes(t)).WithContext(ctx)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		env.mux.ServeHTTP(w, req)
		done <- w
	}()

	require.Eventually(t, func() bool { return len(env.svc.ListActiveTasks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case w := <-done:
		assert.Equal(t, 499, w.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not return after cancel")
	}
	assert.Empty(t, env.svc.ListActiveTasks())
	assert.Zero(t, client.downloads.Load())
}

// =============================================================================
// 🧪 POST /api/3d/generate-character
// =============================================================================

func characterJSON(t *testing.T, body map[string]any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/3d/generate-character", bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestGen3DHandler_GenerateCharacter(t *testing.T) {
	client := newStub(threed.BackendTripo3D, threed.StatusCompleted)
	env := newTestEnv(t, client)

	charDir := filepath.Join(env.posesDir, "kyur")
	require.NoError(t, os.MkdirAll(charDir, 0o755))
	writePose(t, charDir, "kyur-front.png")
	writePose(t, charDir, "kyur-back.png")

	w, resp := env.do(characterJSON(t, map[string]any{"poses_dir": "kyur", "character_name": "kyur"}))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	task := decodeTask(t, resp)
	assert.Equal(t, threed.StatusCompleted, task.Status)
	assert.Equal(t, float64(2), task.Metadata[generation.MetaViewCount])
	assert.Equal(t, "kyur", task.Metadata[generation.MetaCharacter])
	assert.True(t, strings.HasSuffix(task.LocalPath, "_multiview.glb"))
}

func TestGen3DHandler_GenerateCharacter_Form(t *testing.T) {
	client := newStub(threed.BackendTripo3D, threed.StatusCompleted)
	env := newTestEnv(t, client)
	writePose(t, env.posesDir, "kyur-front.png")
	writePose(t, env.posesDir, "kyur-side.png")

	form := "poses_dir=&character_name=kyur&backend=tripo3d"
	r := httptest.NewRequest(http.MethodPost, "/api/3d/generate-character", strings.NewReader(form))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w, _ := env.do(r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestGen3DHandler_GenerateCharacter_Errors(t *testing.T) {
	client := newStub(threed.BackendTripo3D, threed.StatusCompleted)
	env := newTestEnv(t, client)
	writePose(t, env.posesDir, "solo-front.png")

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{
			name:       "escapes root",
			body:       map[string]any{"poses_dir": "../etc", "character_name": "kyur"},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "absolute path",
			body:       map[string]any{"poses_dir": "/etc", "character_name": "kyur"},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "too few views",
			body:       map[string]any{"poses_dir": "", "character_name": "solo"},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "missing name",
			body:       map[string]any{"poses_dir": ""},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "unknown field",
			body:       map[string]any{"poses_dir": "", "character_name": "solo", "style": "x"},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := env.do(characterJSON(t, tt.body))
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
	assert.Zero(t, client.ids.Load(), "no vendor call for rejected requests")
}

func TestGen3DHandler_GenerateCharacter_Disabled(t *testing.T) {
	svc := generation.NewService(generation.DefaultConfig(), nil, nil, nil)
	h := NewGen3DHandler(svc, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, characterJSON(t, map[string]any{"poses_dir": "x", "character_name": "kyur"}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestResolvePosesDir(t *testing.T) {
	root := t.TempDir()
	h := NewGen3DHandler(nil, nil, WithPosesRoot(root))

	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "", want: root},
		{rel: "kyur", want: filepath.Join(root, "kyur")},
		{rel: "a/../b", want: filepath.Join(root, "b")},
		{rel: "..", wantErr: true},
		{rel: "a/../../x", wantErr: true},
		{rel: "/abs", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := h.resolvePosesDir(tt.rel)
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

// =============================================================================
// 🧪 GET /api/3d/tasks, /api/3d/backends
// =============================================================================

func TestGen3DHandler_Tasks(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusProcessing)
	env := newTestEnv(t, client)
	started := time.Now().Add(-time.Minute)
	env.handler.cluster = &fakeCluster{active: map[string]events.ActiveTask{
		"remote-1": {TaskID: "remote-1", Backend: threed.BackendTripo3D, StartedAt: started},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = env.svc.GenerateFromImage(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	}()
	require.Eventually(t, func() bool { return len(env.svc.ListActiveTasks()) == 1 }, 2*time.Second, 5*time.Millisecond)

	w, resp := env.do(httptest.NewRequest(http.MethodGet, "/api/3d/tasks", nil))
	require.Equal(t, http.StatusOK, w.Code)

	raw, _ := json.Marshal(resp.Data)
	var list api.TaskList
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, threed.BackendMeshy, list.Tasks[0].Backend)
	assert.False(t, list.Tasks[0].Multiview)
	require.Len(t, list.Cluster, 1)
	assert.Equal(t, "remote-1", list.Cluster[0].TaskID)
	assert.InDelta(t, 60, list.Cluster[0].ElapsedSeconds, 5)
}

func TestGen3DHandler_Tasks_ClusterErrorIgnored(t *testing.T) {
	env := newTestEnv(t, newStub(threed.BackendMeshy, threed.StatusCompleted))
	env.handler.cluster = &fakeCluster{err: assert.AnError}

	w, resp := env.do(httptest.NewRequest(http.MethodGet, "/api/3d/tasks", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
}

func TestGen3DHandler_Backends(t *testing.T) {
	env := newTestEnv(t,
		newStub(threed.BackendMeshy, threed.StatusCompleted),
		newStub(threed.BackendTripo3D, threed.StatusCompleted),
	)

	w, resp := env.do(httptest.NewRequest(http.MethodGet, "/api/3d/backends", nil))
	require.Equal(t, http.StatusOK, w.Code)

	raw, _ := json.Marshal(resp.Data)
	var got []api.BackendInfo
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, []api.BackendInfo{
		{Name: threed.BackendTripo3D, Multiview: true, Default: true},
		{Name: threed.BackendMeshy, Multiview: false, Default: false},
	}, got)
}

// =============================================================================
// 🧪 历史记录
// =============================================================================

func TestGen3DHandler_History(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusCompleted)
	env := newTestEnv(t, client)

	for i := 0; i < 2; i++ {
		w, _ := env.do(multipartRequest(t, nil, pngBytes(t)))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, resp := env.do(httptest.NewRequest(http.MethodGet, "/api/3d/history?backend=meshy&limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	raw, _ := json.Marshal(resp.Data)
	var page api.HistoryPage
	require.NoError(t, json.Unmarshal(raw, &page))
	require.Len(t, page.Records, 2)
	assert.Equal(t, history.OutcomeCompleted, page.Records[0].Outcome)
	assert.Equal(t, int64(2), page.Totals[history.OutcomeCompleted])
	assert.Equal(t, 10, page.Limit)

	w, resp = env.do(httptest.NewRequest(http.MethodGet, "/api/3d/history/"+page.Records[0].ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	w, resp = env.do(httptest.NewRequest(http.MethodGet, "/api/3d/history/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
}

func TestGen3DHandler_History_BadQuery(t *testing.T) {
	env := newTestEnv(t, newStub(threed.BackendMeshy, threed.StatusCompleted))

	for _, q := range []string{"outcome=exploded", "backend=blender", "limit=-1", "offset=x"} {
		t.Run(q, func(t *testing.T) {
			w, _ := env.do(httptest.NewRequest(http.MethodGet, "/api/3d/history?"+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGen3DHandler_History_Disabled(t *testing.T) {
	svc := generation.NewService(generation.DefaultConfig(), nil, nil, nil)
	mux := http.NewServeMux()
	NewGen3DHandler(svc, nil).Register(mux)

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/3d/history", nil),
		httptest.NewRequest(http.MethodGet, "/api/3d/history/abc", nil),
		httptest.NewRequest(http.MethodPost, "/api/3d/history/abc/retry", nil),
	} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		assert.Equal(t, http.StatusNotFound, w.Code, r.URL.Path)
	}
}

func TestGen3DHandler_Retry(t *testing.T) {
	client := newStub(threed.BackendMeshy, threed.StatusCompleted)
	env := newTestEnv(t, client)

	rec := &history.Record{
		TaskID:       "meshy-77",
		Backend:      threed.BackendMeshy,
		Outcome:      history.OutcomeFailed,
		ModelURL:     "https://cdn.example/meshy-77.glb",
		Error:        "connection reset",
		FailureStage: generation.StageDownload,
		Metadata:     `{"failure_stage":"download","storage_key":"meshy-77"}`,
	}
	require.NoError(t, env.repo.Save(context.Background(), rec))

	w, resp := env.do(httptest.NewRequest(http.MethodPost, "/api/3d/history/"+rec.ID+"/retry", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	task := decodeTask(t, resp)
	assert.Equal(t, threed.StatusCompleted, task.Status)
	assert.Equal(t, filepath.Join(env.outDir, "meshy-77.glb"), task.LocalPath)
	assert.Equal(t, int32(1), client.downloads.Load())
}

func TestGen3DHandler_Retry_NotRetryable(t *testing.T) {
	env := newTestEnv(t, newStub(threed.BackendMeshy, threed.StatusCompleted))

	rec := &history.Record{TaskID: "meshy-1", Backend: threed.BackendMeshy, Outcome: history.OutcomeFailed,
		Error: "banned", FailureStage: generation.StagePoll}
	require.NoError(t, env.repo.Save(context.Background(), rec))

	w, resp := env.do(httptest.NewRequest(http.MethodPost, "/api/3d/history/"+rec.ID+"/retry", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrValidation), resp.Error.Code)
}

func TestTaskFromRecord(t *testing.T) {
	rec := &history.Record{
		TaskID:       "t1",
		Backend:      threed.BackendTripo3D,
		Outcome:      history.OutcomeFailed,
		ModelURL:     "https://m",
		FailureStage: generation.StagePersist,
	}
	task := TaskFromRecord(rec)
	assert.Equal(t, threed.StatusFailed, task.Status)
	assert.Equal(t, generation.StagePersist, task.Metadata[generation.MetaFailureStage])

	rec.Outcome = history.OutcomeCompleted
	rec.FailureStage = ""
	assert.Equal(t, threed.StatusCompleted, TaskFromRecord(rec).Status)
}

func TestFailureCode(t *testing.T) {
	tests := []struct {
		stage      string
		wantCode   types.ErrorCode
		wantStatus int
	}{
		{generation.StageTimeout, types.ErrTimeout, http.StatusGatewayTimeout},
		{generation.StageDownload, types.ErrTransport, http.StatusBadGateway},
		{generation.StagePersist, types.ErrPersistence, http.StatusInternalServerError},
		{generation.StagePoll, types.ErrBackend, http.StatusBadGateway},
		{"", types.ErrBackend, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			task := &threed.Task{Status: threed.StatusFailed}
			if tt.stage != "" {
				task.SetMeta(generation.MetaFailureStage, tt.stage)
			}
			code, status := failureCode(task)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

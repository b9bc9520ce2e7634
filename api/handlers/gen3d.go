package handlers

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg" // 注册 JPEG 解码
	_ "image/png"  // 注册 PNG 解码
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/digigami/api"
	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/events"
	"github.com/BaSui01/digigami/internal/history"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧊 3D 生成 Handler
// =============================================================================

// Generator 是 handler 需要的编排器能力，由 *generation.Service 实现
type Generator interface {
	GenerateFromImage(ctx context.Context, img image.Image, opts ...generation.Option) (*threed.Task, error)
	GenerateCharacterFromPoses(ctx context.Context, dir, name string, opts ...generation.Option) (*threed.Task, error)
	RetryDownload(ctx context.Context, task *threed.Task) (*threed.Task, error)
	ListActiveTasks() map[string]generation.Entry
	Backends() []threed.Backend
	DefaultBackend() (threed.Backend, error)
	SupportsMultiview(b threed.Backend) bool
}

// HistoryReader 读取已结束任务，由 *history.Repository 实现
type HistoryReader interface {
	List(ctx context.Context, f history.Filter) ([]history.Record, error)
	Get(ctx context.Context, id string) (*history.Record, error)
	Count(ctx context.Context) (map[string]int64, error)
}

// ClusterSource 返回跨进程的活动任务，由 *events.Publisher 实现
type ClusterSource interface {
	Active(ctx context.Context) (map[string]events.ActiveTask, error)
}

// DefaultMaxUploadBytes 单次上传图片的上限
const DefaultMaxUploadBytes int64 = 20 << 20

// Gen3DOption 配置 Gen3DHandler
type Gen3DOption func(*Gen3DHandler)

// WithHistory 启用历史记录接口
func WithHistory(h HistoryReader) Gen3DOption {
	return func(g *Gen3DHandler) { g.history = h }
}

// WithCluster 在任务列表中附带集群范围的活动任务
func WithCluster(c ClusterSource) Gen3DOption {
	return func(g *Gen3DHandler) { g.cluster = c }
}

// WithPosesRoot 设置角色姿态目录的根；未设置时禁用角色生成
func WithPosesRoot(root string) Gen3DOption {
	return func(g *Gen3DHandler) { g.posesRoot = root }
}

// WithMaxUploadBytes 设置上传上限
func WithMaxUploadBytes(n int64) Gen3DOption {
	return func(g *Gen3DHandler) {
		if n > 0 {
			g.maxUpload = n
		}
	}
}

// Gen3DHandler 3D 生成 API 处理器
type Gen3DHandler struct {
	gen       Generator
	history   HistoryReader
	cluster   ClusterSource
	posesRoot string
	maxUpload int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewGen3DHandler 创建 3D 生成处理器
func NewGen3DHandler(gen Generator, logger *zap.Logger, opts ...Gen3DOption) *Gen3DHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Gen3DHandler{
		gen:       gen,
		maxUpload: DefaultMaxUploadBytes,
		logger:    logger.With(zap.String("component", "gen3d_handler")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.posesRoot != "" {
		if abs, err := filepath.Abs(h.posesRoot); err == nil {
			h.posesRoot = abs
		}
	}
	return h
}

// Register 在 mux 上注册全部 3D 路由
func (h *Gen3DHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/3d/generate", h.HandleGenerate)
	mux.HandleFunc("POST /api/3d/generate-character", h.HandleGenerateCharacter)
	mux.HandleFunc("GET /api/3d/tasks", h.HandleTasks)
	mux.HandleFunc("GET /api/3d/backends", h.HandleBackends)
	mux.HandleFunc("GET /api/3d/history", h.HandleHistory)
	mux.HandleFunc("GET /api/3d/history/{id}", h.HandleHistoryRecord)
	mux.HandleFunc("POST /api/3d/history/{id}/retry", h.HandleRetry)
}

// =============================================================================
// 🎯 生成
// =============================================================================

// HandleGenerate 处理 POST /api/3d/generate
// multipart 字段：image（必填）、backend、prompt、model_version、texture_quality、
// art_style、topology、target_polycount。请求持续到任务结束。
// @Summary 单图生成 3D 模型
// @Tags 3D
// @Accept multipart/form-data
// @Produce json
// @Router /api/3d/generate [post]
func (h *Gen3DHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		WriteError(w, r, uploadError(err), h.logger)
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrValidation, "multipart field \"image\" is required"), h.logger)
		return
	}
	defer file.Close()

	img, err := DecodeImage(file)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	opts, err := formOptions(r.FormValue)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	start := h.now()
	task, err := h.gen.GenerateFromImage(r.Context(), img, opts...)
	h.writeResult(w, r, task, err, h.now().Sub(start))
}

// characterRequest 是 generate-character 的 JSON 请求体
type characterRequest struct {
	PosesDir      string               `json:"poses_dir"`
	CharacterName string               `json:"character_name"`
	Backend       string               `json:"backend,omitempty"`
	Options       threed.SubmitOptions `json:"options,omitempty"`
}

// HandleGenerateCharacter 处理 POST /api/3d/generate-character
// 接受 JSON 或表单：poses_dir（相对 poses.root）、character_name、backend。
// @Summary 从角色姿态生成 3D 模型
// @Tags 3D
// @Accept json
// @Produce json
// @Router /api/3d/generate-character [post]
func (h *Gen3DHandler) HandleGenerateCharacter(w http.ResponseWriter, r *http.Request) {
	var (
		req  characterRequest
		opts []generation.Option
		err  error
	)
	if isJSON(r) {
		if DecodeJSONBody(w, r, &req, h.logger) != nil {
			return
		}
		opts, err = backendOption(req.Backend)
		if err == nil {
			opts = append(opts, generation.WithSubmitOptions(req.Options))
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if perr := r.ParseForm(); perr != nil {
			WriteError(w, r, uploadError(perr), h.logger)
			return
		}
		req.PosesDir = r.FormValue("poses_dir")
		req.CharacterName = r.FormValue("character_name")
		opts, err = formOptions(r.FormValue)
	}
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	dir, err := h.resolvePosesDir(req.PosesDir)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	start := h.now()
	task, err := h.gen.GenerateCharacterFromPoses(r.Context(), dir, strings.TrimSpace(req.CharacterName), opts...)
	h.writeResult(w, r, task, err, h.now().Sub(start))
}

// resolvePosesDir 把相对路径限定在 poses 根目录之内
func (h *Gen3DHandler) resolvePosesDir(rel string) (string, error) {
	if h.posesRoot == "" {
		return "", types.NewError(types.ErrConfiguration, "character generation requires poses.root to be configured")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", types.Errorf(types.ErrValidation, "poses_dir %q must be relative to the poses root", rel)
	}
	dir := filepath.Join(h.posesRoot, rel)
	inside, err := filepath.Rel(h.posesRoot, dir)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", types.Errorf(types.ErrValidation, "poses_dir %q escapes the poses root", rel)
	}
	return dir, nil
}

// writeResult 把生成结果写为响应。Failed 任务不是错误，但以非 2xx 返回，
// 响应体仍带完整任务。
func (h *Gen3DHandler) writeResult(w http.ResponseWriter, r *http.Request, task *threed.Task, err error, elapsed time.Duration) {
	if err != nil {
		if types.IsCode(err, types.ErrCanceled) {
			h.logger.Info("generation canceled by client",
				zap.String("request_id", requestID(r)),
				zap.Duration("elapsed", elapsed),
			)
		}
		WriteError(w, r, err, h.logger)
		return
	}

	result := api.GenerateResult{Task: task, DurationMS: elapsed.Milliseconds()}
	if task.Status == threed.StatusCompleted {
		WriteSuccess(w, r, result)
		return
	}

	code, status := failureCode(task)
	h.logger.Warn("generation failed",
		zap.String("task_id", task.TaskID),
		zap.String("backend", string(task.Backend)),
		zap.String("error", task.Error),
		zap.String("request_id", requestID(r)),
	)
	WriteJSON(w, status, Response{
		Success: false,
		Data:    result,
		Error: &ErrorInfo{
			Code:       string(code),
			Message:    task.Error,
			Backend:    string(task.Backend),
			HTTPStatus: status,
		},
		Timestamp: h.now(),
		RequestID: requestID(r),
	})
}

// failureCode 按失败阶段给出错误码与状态码
func failureCode(task *threed.Task) (types.ErrorCode, int) {
	stage, _ := task.Metadata[generation.MetaFailureStage].(string)
	switch stage {
	case generation.StageTimeout:
		return types.ErrTimeout, http.StatusGatewayTimeout
	case generation.StageDownload:
		return types.ErrTransport, http.StatusBadGateway
	case generation.StagePersist:
		return types.ErrPersistence, http.StatusInternalServerError
	default:
		return types.ErrBackend, http.StatusBadGateway
	}
}

// =============================================================================
// 📋 任务与后端
// =============================================================================

// HandleTasks 处理 GET /api/3d/tasks
// @Summary 活动任务
// @Tags 3D
// @Produce json
// @Router /api/3d/tasks [get]
func (h *Gen3DHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	snapshot := h.gen.ListActiveTasks()

	list := api.TaskList{Tasks: make([]api.ActiveTask, 0, len(snapshot))}
	for _, e := range snapshot {
		list.Tasks = append(list.Tasks, activeTask(e.TaskID, e.Backend, e.Multiview, e.StartedAt, now))
	}
	sortActive(list.Tasks)
	list.Count = len(list.Tasks)

	if h.cluster != nil {
		active, err := h.cluster.Active(r.Context())
		if err != nil {
			h.logger.Warn("cluster task mirror unavailable", zap.Error(err))
		} else {
			list.Cluster = make([]api.ActiveTask, 0, len(active))
			for _, a := range active {
				list.Cluster = append(list.Cluster, activeTask(a.TaskID, a.Backend, a.Multiview, a.StartedAt, now))
			}
			sortActive(list.Cluster)
		}
	}

	WriteSuccess(w, r, list)
}

func activeTask(id string, b threed.Backend, multiview bool, started, now time.Time) api.ActiveTask {
	return api.ActiveTask{
		TaskID:         id,
		Backend:        b,
		Multiview:      multiview,
		StartedAt:      started,
		ElapsedSeconds: now.Sub(started).Seconds(),
	}
}

func sortActive(tasks []api.ActiveTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
}

// HandleBackends 处理 GET /api/3d/backends
func (h *Gen3DHandler) HandleBackends(w http.ResponseWriter, r *http.Request) {
	def, _ := h.gen.DefaultBackend()
	backends := h.gen.Backends()
	out := make([]api.BackendInfo, 0, len(backends))
	for _, b := range backends {
		out = append(out, api.BackendInfo{
			Name:      b,
			Multiview: h.gen.SupportsMultiview(b),
			Default:   b == def,
		})
	}
	WriteSuccess(w, r, out)
}

// =============================================================================
// 📜 历史记录
// =============================================================================

var errHistoryDisabled = types.NewError(types.ErrConfiguration, "generation history is disabled").
	WithHTTPStatus(http.StatusNotFound)

// HandleHistory 处理 GET /api/3d/history?backend=&outcome=&limit=&offset=
// @Summary 生成历史
// @Tags 3D
// @Produce json
// @Router /api/3d/history [get]
func (h *Gen3DHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteError(w, r, errHistoryDisabled, h.logger)
		return
	}
	filter, err := historyFilter(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	records, err := h.history.List(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	totals, err := h.history.Count(r.Context())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	page := api.HistoryPage{
		Records: make([]api.HistoryEntry, 0, len(records)),
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		Totals:  totals,
	}
	for i := range records {
		page.Records = append(page.Records, historyEntry(&records[i]))
	}
	WriteSuccess(w, r, page)
}

// HandleHistoryRecord 处理 GET /api/3d/history/{id}
func (h *Gen3DHandler) HandleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteError(w, r, errHistoryDisabled, h.logger)
		return
	}
	rec, err := h.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, historyEntry(rec))
}

// HandleRetry 处理 POST /api/3d/history/{id}/retry：对下载或存储阶段失败的任务
// 重新下载并保存
// @Summary 重试下载
// @Tags 3D
// @Produce json
// @Router /api/3d/history/{id}/retry [post]
func (h *Gen3DHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteError(w, r, errHistoryDisabled, h.logger)
		return
	}
	rec, err := h.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	start := h.now()
	task, err := h.gen.RetryDownload(r.Context(), TaskFromRecord(rec))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.GenerateResult{Task: task, DurationMS: h.now().Sub(start).Milliseconds()})
}

// TaskFromRecord 把历史记录还原为任务快照
func TaskFromRecord(rec *history.Record) *threed.Task {
	task := &threed.Task{
		TaskID:       rec.TaskID,
		Backend:      rec.Backend,
		Status:       threed.StatusFailed,
		Progress:     rec.Progress,
		ModelURL:     rec.ModelURL,
		ThumbnailURL: rec.ThumbnailURL,
		LocalPath:    rec.LocalPath,
		Error:        rec.Error,
		Metadata:     rec.Meta(),
	}
	if rec.Outcome == history.OutcomeCompleted {
		task.Status = threed.StatusCompleted
	}
	if rec.FailureStage != "" {
		task.SetMeta(generation.MetaFailureStage, rec.FailureStage)
	}
	return task
}

func historyEntry(rec *history.Record) api.HistoryEntry {
	return api.HistoryEntry{
		ID:           rec.ID,
		TaskID:       rec.TaskID,
		Backend:      rec.Backend,
		Outcome:      rec.Outcome,
		Multiview:    rec.Multiview,
		Progress:     rec.Progress,
		ModelURL:     rec.ModelURL,
		ThumbnailURL: rec.ThumbnailURL,
		LocalPath:    rec.LocalPath,
		Error:        rec.Error,
		FailureStage: rec.FailureStage,
		Metadata:     rec.Meta(),
		DurationMS:   rec.DurationMS,
		FinishedAt:   rec.FinishedAt,
	}
}

func historyFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	var f history.Filter

	if b := q.Get("backend"); b != "" {
		backend, ok := threed.ParseBackend(b)
		if !ok {
			return f, types.Errorf(types.ErrValidation, "unknown backend %q", b)
		}
		f.Backend = backend
	}
	switch o := q.Get("outcome"); o {
	case "", history.OutcomeCompleted, history.OutcomeFailed, history.OutcomeCanceled:
		f.Outcome = o
	default:
		return f, types.Errorf(types.ErrValidation, "unknown outcome %q", o)
	}

	var err error
	if f.Limit, err = nonNegative(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = nonNegative(q.Get("offset"), "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// DecodeImage 解码上传的 PNG/JPEG 图片
func DecodeImage(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "image must be a PNG or JPEG file").WithCause(err)
	}
	if format != "png" {
		return threed.ToRGBA(img), nil
	}
	return img, nil
}

// formOptions 从表单字段读取后端与提交参数
func formOptions(get func(string) string) ([]generation.Option, error) {
	opts, err := backendOption(get("backend"))
	if err != nil {
		return nil, err
	}

	submit := threed.SubmitOptions{
		Prompt:         get("prompt"),
		ModelVersion:   get("model_version"),
		TextureQuality: get("texture_quality"),
		ArtStyle:       get("art_style"),
		Topology:       get("topology"),
	}
	if v := get("target_polycount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, types.Errorf(types.ErrValidation, "target_polycount must be a non-negative integer, got %q", v)
		}
		submit.TargetPolycount = n
	}
	return append(opts, generation.WithSubmitOptions(submit)), nil
}

func backendOption(name string) ([]generation.Option, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, nil
	}
	b, ok := threed.ParseBackend(name)
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown backend %q", name)
	}
	return []generation.Option{generation.WithBackend(b)}, nil
}

func nonNegative(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, types.Errorf(types.ErrValidation, "%s must be a non-negative integer, got %q", field, v)
	}
	return n, nil
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return types.Errorf(types.ErrValidation, "upload exceeds %d bytes", tooLarge.Limit).
			WithHTTPStatus(http.StatusRequestEntityTooLarge)
	}
	return types.NewError(types.ErrValidation, "invalid form body").WithCause(err)
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

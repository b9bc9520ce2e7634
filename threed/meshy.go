package threed

import (
	"context"
	"image"
	"net/http"

	"github.com/BaSui01/digigami/internal/httpclient"
	"go.uber.org/zap"
)

// MeshyClient使用Meshy API执行图像转3D.
type MeshyClient struct {
	cfg MeshyConfig
	api *endpoint
}

// NewMeshyClient 创建新的 Meshy 客户端.
func NewMeshyClient(cfg MeshyConfig, logger *zap.Logger) *MeshyClient {
	def := DefaultMeshyConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ArtStyle == "" {
		cfg.ArtStyle = def.ArtStyle
	}
	if cfg.Topology == "" {
		cfg.Topology = def.Topology
	}
	if cfg.TargetPolycount == 0 {
		cfg.TargetPolycount = def.TargetPolycount
	}

	api := newEndpoint(BackendMeshy, cfg.BaseURL, httpclient.NewSession(cfg.Timeout), cfg.MaxModelBytes, logger)
	api.authorize = func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &MeshyClient{cfg: cfg, api: api}
}

func (c *MeshyClient) Backend() Backend        { return BackendMeshy }
func (c *MeshyClient) SupportsMultiview() bool { return false }

type meshyImageTo3DRequest struct {
	ImageURL        string `json:"image_url"`
	ArtStyle        string `json:"art_style,omitempty"`
	Topology        string `json:"topology,omitempty"`
	TargetPolycount int    `json:"target_polycount,omitempty"`
}

type meshyTaskResponse struct {
	Result    string  `json:"result"`
	ID        string  `json:"id,omitempty"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	ModelURLs struct {
		GLB  string `json:"glb"`
		FBX  string `json:"fbx"`
		OBJ  string `json:"obj"`
		USDZ string `json:"usdz"`
	} `json:"model_urls"`
	ThumbnailURL string `json:"thumbnail_url"`
	TaskError    struct {
		Message string `json:"message"`
	} `json:"task_error"`
	ErrorMessage string `json:"error_message"`
}

// SubmitImage 提交图像转3D任务，图像以 data URL 形式内联.
func (c *MeshyClient) SubmitImage(ctx context.Context, img image.Image, opts SubmitOptions) (string, error) {
	data, err := encodePNGBase64(img)
	if err != nil {
		return "", err
	}

	polycount := opts.TargetPolycount
	if polycount == 0 {
		polycount = c.cfg.TargetPolycount
	}
	body := meshyImageTo3DRequest{
		ImageURL:        "data:image/png;base64," + data,
		ArtStyle:        pick(opts.ArtStyle, c.cfg.ArtStyle),
		Topology:        pick(opts.Topology, c.cfg.Topology),
		TargetPolycount: polycount,
	}

	req, err := c.api.newJSONRequest(ctx, http.MethodPost, "/image-to-3d", body)
	if err != nil {
		return "", err
	}

	var resp meshyTaskResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return "", err
	}

	taskID := pick(resp.Result, resp.ID)
	if taskID == "" {
		return "", errMissingTaskID(BackendMeshy, resp)
	}
	return taskID, nil
}

// SubmitMultiview Meshy 不支持多视角.
func (c *MeshyClient) SubmitMultiview(context.Context, *MultiViewInput, SubmitOptions) (string, error) {
	return "", unsupported(BackendMeshy, "multi-view generation")
}

// Poll 查询任务状态.
func (c *MeshyClient) Poll(ctx context.Context, taskID string) (*Task, error) {
	req, err := c.api.newJSONRequest(ctx, http.MethodGet, "/image-to-3d/"+pathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}

	var resp meshyTaskResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return nil, err
	}

	task := &Task{
		TaskID:       taskID,
		Backend:      BackendMeshy,
		Status:       meshyStatuses.Canonical(resp.Status),
		Progress:     ClampProgress(resp.Progress),
		ModelURL:     c.api.absolute(resp.ModelURLs.GLB),
		ThumbnailURL: c.api.absolute(resp.ThumbnailURL),
		Error:        pick(resp.TaskError.Message, resp.ErrorMessage),
	}
	task.SetMeta("vendor_status", resp.Status)
	return task, nil
}

// Download 下载 GLB 模型.
func (c *MeshyClient) Download(ctx context.Context, modelURL string) ([]byte, error) {
	return c.api.download(ctx, modelURL)
}

// Close 释放会话.
func (c *MeshyClient) Close() error { return c.api.close() }

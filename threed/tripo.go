package threed

import (
	"context"
	"image"
	"net/http"

	"github.com/BaSui01/digigami/internal/httpclient"
	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// TripoClient implements Client against the Tripo3D open API. It is the only
// binding with native multi-view support.
type TripoClient struct {
	cfg TripoConfig
	api *endpoint
}

// NewTripoClient creates a new Tripo3D client.
func NewTripoClient(cfg TripoConfig, logger *zap.Logger) *TripoClient {
	def := DefaultTripoConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = def.ModelVersion
	}
	if cfg.TextureQuality == "" {
		cfg.TextureQuality = def.TextureQuality
	}

	api := newEndpoint(BackendTripo3D, cfg.BaseURL, httpclient.NewSession(cfg.Timeout), cfg.MaxModelBytes, logger)
	api.authorize = func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &TripoClient{cfg: cfg, api: api}
}

func (c *TripoClient) Backend() Backend        { return BackendTripo3D }
func (c *TripoClient) SupportsMultiview() bool { return true }

type tripoFile struct {
	Type string `json:"type"`
	Data string `json:"data"`
	View string `json:"view,omitempty"`
}

type tripoTaskRequest struct {
	Type           string      `json:"type"`
	File           *tripoFile  `json:"file,omitempty"`
	Files          []tripoFile `json:"files,omitempty"`
	ModelVersion   string      `json:"model_version,omitempty"`
	TextureQuality string      `json:"texture_quality,omitempty"`
}

type tripoSubmitResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

type tripoStatusResponse struct {
	Code int `json:"code"`
	Data struct {
		TaskID   string  `json:"task_id"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
		Output   struct {
			Model         string `json:"model"`
			PbrModel      string `json:"pbr_model"`
			RenderedImage string `json:"rendered_image"`
		} `json:"output"`
		ErrorMessage string `json:"error_message"`
	} `json:"data"`
}

// SubmitImage starts an image_to_model task.
func (c *TripoClient) SubmitImage(ctx context.Context, img image.Image, opts SubmitOptions) (string, error) {
	data, err := encodePNGBase64(img)
	if err != nil {
		return "", err
	}

	body := tripoTaskRequest{
		Type:           "image_to_model",
		File:           &tripoFile{Type: "png", Data: data},
		ModelVersion:   pick(opts.ModelVersion, c.cfg.ModelVersion),
		TextureQuality: pick(opts.TextureQuality, c.cfg.TextureQuality),
	}
	return c.submit(ctx, body)
}

// SubmitMultiview starts a multiview_to_model task. Tripo3D labels the side view
// "left"; three-quarter views are not part of its protocol.
func (c *TripoClient) SubmitMultiview(ctx context.Context, views *MultiViewInput, opts SubmitOptions) (string, error) {
	if views.PrimaryCount() < MinMultiviewViews {
		return "", types.Errorf(types.ErrValidation,
			"multi-view generation requires at least %d views, got %d", MinMultiviewViews, views.PrimaryCount())
	}

	slots := []struct {
		view string
		img  image.Image
	}{
		{"front", views.Front},
		{"left", views.Side},
		{"back", views.Back},
	}

	files := make([]tripoFile, 0, len(slots))
	for _, s := range slots {
		if s.img == nil {
			continue
		}
		data, err := encodePNGBase64(s.img)
		if err != nil {
			return "", err
		}
		files = append(files, tripoFile{Type: "png", Data: data, View: s.view})
	}

	body := tripoTaskRequest{
		Type:         "multiview_to_model",
		Files:        files,
		ModelVersion: pick(opts.ModelVersion, c.cfg.ModelVersion),
	}
	return c.submit(ctx, body)
}

func (c *TripoClient) submit(ctx context.Context, body tripoTaskRequest) (string, error) {
	req, err := c.api.newJSONRequest(ctx, http.MethodPost, "/task", body)
	if err != nil {
		return "", err
	}

	var resp tripoSubmitResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", types.Errorf(types.ErrBackend, "tripo3d error code: %d %s", resp.Code, resp.Message).
			WithProvider(string(BackendTripo3D))
	}
	if resp.Data.TaskID == "" {
		return "", errMissingTaskID(BackendTripo3D, resp)
	}
	return resp.Data.TaskID, nil
}

// Poll fetches the task and maps it to the canonical model.
func (c *TripoClient) Poll(ctx context.Context, taskID string) (*Task, error) {
	req, err := c.api.newJSONRequest(ctx, http.MethodGet, "/task/"+pathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}

	var resp tripoStatusResponse
	if err := c.api.doJSON(req, &resp); err != nil {
		return nil, err
	}

	d := resp.Data
	task := &Task{
		TaskID:       taskID,
		Backend:      BackendTripo3D,
		Status:       tripoStatuses.Canonical(d.Status),
		Progress:     FractionToPercent(d.Progress),
		ModelURL:     c.api.absolute(pick(d.Output.Model, d.Output.PbrModel)),
		ThumbnailURL: c.api.absolute(d.Output.RenderedImage),
		Error:        d.ErrorMessage,
	}
	task.SetMeta("vendor_status", d.Status)
	return task, nil
}

// Download fetches the GLB file.
func (c *TripoClient) Download(ctx context.Context, modelURL string) ([]byte, error) {
	return c.api.download(ctx, modelURL)
}

// Close releases the session.
func (c *TripoClient) Close() error { return c.api.close() }

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

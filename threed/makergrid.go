package threed

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/digigami/internal/httpclient"
	"github.com/BaSui01/digigami/types"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// MakerGridClient implements Client against makergrid.ai. Auth is a bearer access
// token plus a refresh token carried as the refresh_token cookie. When only
// username/password are configured the client logs in lazily, and again whenever
// the access token has expired or is rejected with 401.
type MakerGridClient struct {
	cfg    MakerGridConfig
	api    *endpoint
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
}

// MakerGridTokens is the result of a credential exchange.
type MakerGridTokens struct {
	Access  string         `json:"access"`
	Refresh string         `json:"refresh"`
	User    map[string]any `json:"user,omitempty"`
}

// Username returns the user name reported by the login endpoint, if any.
func (t *MakerGridTokens) Username() string {
	if t == nil || t.User == nil {
		return ""
	}
	name, _ := t.User["username"].(string)
	return name
}

// NewMakerGridClient creates a new MakerGrid client.
func NewMakerGridClient(cfg MakerGridConfig, logger *zap.Logger) *MakerGridClient {
	def := DefaultMakerGridConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MakerGridClient{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "makergrid_auth")),
		now:     time.Now,
		access:  cfg.AccessToken,
		refresh: cfg.RefreshToken,
	}
	session := httpclient.NewSession(cfg.Timeout, httpclient.WithCookieJar())
	c.api = newEndpoint(BackendMakerGrid, cfg.BaseURL, session, cfg.MaxModelBytes, logger)
	c.api.authorize = c.authorize
	return c
}

func (c *MakerGridClient) Backend() Backend        { return BackendMakerGrid }
func (c *MakerGridClient) SupportsMultiview() bool { return false }

func (c *MakerGridClient) authorize(r *http.Request) {
	c.mu.Lock()
	access, refresh := c.access, c.refresh
	c.mu.Unlock()

	if access != "" {
		r.Header.Set("Authorization", "Bearer "+access)
	}
	if refresh != "" {
		r.AddCookie(&http.Cookie{Name: "refresh_token", Value: refresh})
	}
}

// MakerGridLogin exchanges username/password for access and refresh tokens.
func MakerGridLogin(ctx context.Context, cfg MakerGridConfig, logger *zap.Logger) (*MakerGridTokens, error) {
	c := NewMakerGridClient(cfg, logger)
	defer c.Close()
	return c.login(ctx)
}

func (c *MakerGridClient) login(ctx context.Context) (*MakerGridTokens, error) {
	if !c.cfg.HasLogin() {
		return nil, types.NewError(types.ErrConfiguration, "makergrid username/password not configured").
			WithProvider(string(BackendMakerGrid))
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.api.url("/api/accounts/blender/login/"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.api.send(req, maxJSONBody)
	if err != nil {
		if e, ok := types.AsError(err); ok && e.Code == types.ErrBackend {
			e.Message = "makergrid login failed: " + e.Message
		}
		return nil, err
	}

	var tokens MakerGridTokens
	if err := c.api.decode(body, &tokens); err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, types.NewError(types.ErrBackend, "makergrid login returned no access token").
			WithProvider(string(BackendMakerGrid))
	}
	return &tokens, nil
}

// ensureAuth makes sure a usable access token is present, logging in if needed.
func (c *MakerGridClient) ensureAuth(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.access != "" && !tokenExpired(c.access, c.now()) {
		return nil
	}
	if !c.cfg.HasLogin() {
		if c.access != "" {
			// Expired but nothing to renew with; let the vendor decide.
			return nil
		}
		return types.NewError(types.ErrConfiguration, "makergrid access token not configured").
			WithProvider(string(BackendMakerGrid))
	}

	tokens, err := c.login(ctx)
	if err != nil {
		return err
	}
	c.access = tokens.Access
	if tokens.Refresh != "" {
		c.refresh = tokens.Refresh
	}
	c.logger.Info("makergrid login succeeded", zap.String("user", tokens.Username()))
	return nil
}

func (c *MakerGridClient) invalidate() {
	c.mu.Lock()
	c.access = ""
	c.mu.Unlock()
}

// call runs an authenticated request. build is invoked again for the single
// retry after a 401, because request bodies cannot be replayed.
func (c *MakerGridClient) call(ctx context.Context, build func() (*http.Request, error), out any) error {
	if err := c.ensureAuth(ctx); err != nil {
		return err
	}
	req, err := build()
	if err != nil {
		return err
	}
	err = c.api.doJSON(req, out)

	if e, ok := types.AsError(err); ok && e.HTTPStatus == http.StatusUnauthorized && c.cfg.HasLogin() {
		c.logger.Info("makergrid rejected access token, logging in again")
		c.invalidate()
		if err := c.ensureAuth(ctx); err != nil {
			return err
		}
		req, err := build()
		if err != nil {
			return err
		}
		return c.api.doJSON(req, out)
	}
	return err
}

// tokenExpired treats tokens that are not JWTs, or carry no exp, as valid.
func tokenExpired(token string, now time.Time) bool {
	exp, ok := TokenExpiry(token)
	return ok && !exp.After(now)
}

// flexID accepts task ids encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type makerGridSubmitResponse struct {
	TaskID flexID `json:"task_id"`
	ID     flexID `json:"id"`
}

type makerGridStatusRequest struct {
	TaskID           string `json:"task_id"`
	Prompt           string `json:"prompt,omitempty"`
	Style            string `json:"style,omitempty"`
	Complexity       string `json:"complexity,omitempty"`
	OptimizePrinting bool   `json:"optimize_printing,omitempty"`
}

type makerGridStatusResponse struct {
	Status          string  `json:"status"`
	State           string  `json:"state"`
	Progress        float64 `json:"progress"`
	StoredPath      string  `json:"stored_path"`
	ModelURL        string  `json:"model_url"`
	OutputURL       string  `json:"output_url"`
	PreviewImageURL string  `json:"preview_image_url"`
	Error           string  `json:"error"`
	ErrorMessage    string  `json:"error_message"`
	ColorVideo      *string `json:"color_video"`
	Gaussian        *string `json:"gaussian"`
}

// SubmitImage uploads the image as multipart form data.
func (c *MakerGridClient) SubmitImage(ctx context.Context, img image.Image, opts SubmitOptions) (string, error) {
	raw, err := encodePNG(img)
	if err != nil {
		return "", err
	}
	prompt := pick(opts.Prompt, c.cfg.Prompt)

	build := func() (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="input.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "failed to build multipart body").WithCause(err)
		}
		if _, err := part.Write(raw); err != nil {
			return nil, types.NewError(types.ErrInternal, "failed to build multipart body").WithCause(err)
		}
		if prompt != "" {
			if err := mw.WriteField("prompt", prompt); err != nil {
				return nil, types.NewError(types.ErrInternal, "failed to build multipart body").WithCause(err)
			}
		}
		if err := mw.Close(); err != nil {
			return nil, types.NewError(types.ErrInternal, "failed to build multipart body").WithCause(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api.url("/api/makers/image-to-model/"), &buf)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	var resp makerGridSubmitResponse
	if err := c.call(ctx, build, &resp); err != nil {
		return "", err
	}
	taskID := pick(string(resp.TaskID), string(resp.ID))
	if taskID == "" {
		return "", errMissingTaskID(BackendMakerGrid, resp)
	}
	return taskID, nil
}

// SubmitMultiview MakerGrid has no multi-view endpoint.
func (c *MakerGridClient) SubmitMultiview(context.Context, *MultiViewInput, SubmitOptions) (string, error) {
	return "", unsupported(BackendMakerGrid, "multi-view generation")
}

// Poll checks the task. MakerGrid uses POST for status checks.
func (c *MakerGridClient) Poll(ctx context.Context, taskID string) (*Task, error) {
	payload := makerGridStatusRequest{
		TaskID:           taskID,
		Prompt:           c.cfg.Prompt,
		Style:            c.cfg.Style,
		Complexity:       c.cfg.Complexity,
		OptimizePrinting: c.cfg.OptimizePrinting,
	}
	build := func() (*http.Request, error) {
		return c.api.newJSONRequest(ctx, http.MethodPost,
			"/api/makers/check-task-status/"+pathEscape(taskID)+"/", payload)
	}

	var resp makerGridStatusResponse
	if err := c.call(ctx, build, &resp); err != nil {
		return nil, err
	}

	vendorStatus := pick(resp.Status, resp.State)
	status := makerGridStatuses.Canonical(vendorStatus)

	var progress float64
	switch status {
	case StatusProcessing:
		progress = ClampProgress(resp.Progress)
	case StatusCompleted:
		progress = 100
	}

	modelURL := pick(resp.ModelURL, resp.OutputURL)
	if resp.StoredPath != "" {
		modelURL = c.api.url("/media/" + strings.TrimLeft(resp.StoredPath, "/"))
	}

	task := &Task{
		TaskID:       taskID,
		Backend:      BackendMakerGrid,
		Status:       status,
		Progress:     progress,
		ModelURL:     c.api.absolute(modelURL),
		ThumbnailURL: c.api.absolute(resp.PreviewImageURL),
		Error:        pick(resp.Error, resp.ErrorMessage),
	}
	task.SetMeta("vendor_status", vendorStatus)
	task.SetMeta("stored_path", resp.StoredPath)
	if resp.ColorVideo != nil {
		task.SetMeta("color_video", *resp.ColorVideo)
	}
	if resp.Gaussian != nil {
		task.SetMeta("gaussian", *resp.Gaussian)
	}
	return task, nil
}

// Download fetches the model from /media.
func (c *MakerGridClient) Download(ctx context.Context, modelURL string) ([]byte, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}
	return c.api.download(ctx, modelURL)
}

// Close releases the session.
func (c *MakerGridClient) Close() error { return c.api.close() }

// TokenExpiry reads the exp claim of a MakerGrid access token without verifying
// it. ok is false when the token is not a JWT or has no expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

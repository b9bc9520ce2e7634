package threed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/BaSui01/digigami/internal/httpclient"
	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a vendor error body is kept in error text.
const maxErrorBody = 4 << 10

// maxJSONBody bounds status and submit responses.
const maxJSONBody = 1 << 20

// endpoint is the HTTP plumbing shared by every vendor binding: one lazily
// created session, a base URL and uniform error translation.
type endpoint struct {
	backend   Backend
	baseURL   string
	session   *httpclient.Session
	maxBytes  int64
	authorize func(*http.Request)
	logger    *zap.Logger
}

func newEndpoint(backend Backend, baseURL string, session *httpclient.Session, maxBytes int64, logger *zap.Logger) *endpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultModelLimit
	}
	return &endpoint{
		backend:  backend,
		baseURL:  strings.TrimRight(baseURL, "/"),
		session:  session,
		maxBytes: maxBytes,
		logger:   logger.With(zap.String("component", "threed"), zap.String("backend", string(backend))),
	}
}

func (e *endpoint) url(path string) string {
	return e.baseURL + path
}

// absolute prefixes vendor-relative paths with the base URL.
func (e *endpoint) absolute(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return e.baseURL + raw
}

func (e *endpoint) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewError(types.ErrInternal, "failed to encode request").WithCause(err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.url(path), rd)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req and returns the body of a 2xx response. Non-2xx responses
// become BACKEND errors carrying the vendor's body; connection failures become
// retryable TRANSPORT errors; context cancellation becomes CANCELED.
func (e *endpoint) do(req *http.Request, limit int64) ([]byte, error) {
	if e.authorize != nil && e.sameOrigin(req.URL) {
		e.authorize(req)
	}
	return e.send(req, limit)
}

// sameOrigin reports whether u points at the vendor API host. Credentials are
// only attached there; model URLs on CDN or presigned storage hosts go out bare.
func (e *endpoint) sameOrigin(u *url.URL) bool {
	base, err := url.Parse(e.baseURL)
	if err != nil || u == nil {
		return false
	}
	return strings.EqualFold(base.Scheme, u.Scheme) && strings.EqualFold(base.Host, u.Host)
}

// send is do without credentials, used for credential exchange itself.
func (e *endpoint) send(req *http.Request, limit int64) ([]byte, error) {
	resp, err := e.session.Client().Do(req)
	if err != nil {
		return nil, e.transportError(req.Context(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		e.logger.Debug("vendor returned error status",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, types.Errorf(types.ErrBackend, "%s error: status=%d body=%s",
			e.backend, resp.StatusCode, strings.TrimSpace(string(errBody))).
			WithHTTPStatus(resp.StatusCode).
			WithProvider(string(e.backend))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, e.transportError(req.Context(), err)
	}
	if int64(len(body)) > limit {
		return nil, types.Errorf(types.ErrBackend, "%s response exceeds %d bytes", e.backend, limit).
			WithProvider(string(e.backend))
	}
	return body, nil
}

func (e *endpoint) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCanceled, "request canceled").
			WithCause(err).
			WithProvider(string(e.backend))
	}
	return types.Errorf(types.ErrTransport, "%s request failed", e.backend).
		WithCause(err).
		WithRetryable(true).
		WithProvider(string(e.backend))
}

// doJSON executes req and decodes the response into out.
func (e *endpoint) doJSON(req *http.Request, out any) error {
	body, err := e.do(req, maxJSONBody)
	if err != nil {
		return err
	}
	return e.decode(body, out)
}

func (e *endpoint) decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return types.Errorf(types.ErrBackend, "failed to decode %s response: %s", e.backend, truncate(body)).
			WithCause(err).
			WithProvider(string(e.backend))
	}
	return nil
}

// download performs a plain GET of a model URL through the backend session.
func (e *endpoint) download(ctx context.Context, modelURL string) ([]byte, error) {
	if modelURL == "" {
		return nil, types.NewError(types.ErrValidation, "model url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.absolute(modelURL), nil)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid model url").WithCause(err)
	}
	data, err := e.do(req, e.maxBytes)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("model downloaded", zap.Int("bytes", len(data)))
	return data, nil
}

func (e *endpoint) close() error {
	return e.session.Close()
}

func truncate(b []byte) string {
	const n = 256
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// encodePNG serialises an image as PNG, keeping the alpha channel.
func encodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, types.NewError(types.ErrValidation, "image is required")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, types.NewError(types.ErrValidation, "failed to encode image as png").WithCause(err)
	}
	return buf.Bytes(), nil
}

func encodePNGBase64(img image.Image) (string, error) {
	raw, err := encodePNG(img)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func unsupported(b Backend, op string) error {
	return types.Errorf(types.ErrUnsupported, "%s does not support %s", b, op).WithProvider(string(b))
}

func errMissingTaskID(b Backend, body any) error {
	return types.Errorf(types.ErrBackend, "no task id in %s response: %v", b, body).WithProvider(string(b))
}

func pathEscape(id string) string {
	return url.PathEscape(id)
}

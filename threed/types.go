package threed

import (
	"context"
	"image"
	"time"
)

// Backend names one external 3D generation service.
type Backend string

const (
	BackendTripo3D   Backend = "tripo3d"
	BackendMeshy     Backend = "meshy"
	BackendMakerGrid Backend = "makergrid"
)

// Precedence is the order in which configured backends are picked as the default
// when no explicit default is set.
var Precedence = []Backend{BackendMakerGrid, BackendTripo3D, BackendMeshy}

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, bool) {
	b := Backend(s)
	for _, known := range Precedence {
		if b == known {
			return b, true
		}
	}
	return "", false
}

func (b Backend) String() string { return string(b) }

// Status is the canonical four-state task status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

// Advance returns the status after observing next while in prev. Terminal states
// are sticky and a non-terminal state never moves backwards, so the resulting
// sequence is always a prefix of [pending, processing*, completed|failed].
func Advance(prev, next Status) Status {
	if prev == "" {
		prev = StatusPending
	}
	if next == "" {
		next = StatusPending
	}
	if prev.IsTerminal() || next.rank() < prev.rank() {
		return prev
	}
	return next
}

// Task is one generation job at a backend.
type Task struct {
	TaskID       string         `json:"task_id"`
	Backend      Backend        `json:"backend"`
	Status       Status         `json:"status"`
	Progress     float64        `json:"progress"`
	ModelURL     string         `json:"model_url,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	LocalPath    string         `json:"local_path,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy whose metadata map is independent of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SetMeta sets a metadata key, allocating the map on first use.
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// MultiViewInput holds the canonical character views. Nil slots are absent.
type MultiViewInput struct {
	Front             image.Image
	Side              image.Image
	Back              image.Image
	FrontThreeQuarter image.Image
	BackThreeQuarter  image.Image
}

// PrimaryCount counts the resolved front/side/back views. The three-quarter views
// never count toward the multi-view minimum.
func (v *MultiViewInput) PrimaryCount() int {
	if v == nil {
		return 0
	}
	n := 0
	for _, img := range []image.Image{v.Front, v.Side, v.Back} {
		if img != nil {
			n++
		}
	}
	return n
}

// MinMultiviewViews is the minimum number of primary views a multi-view job needs.
const MinMultiviewViews = 2

// SubmitOptions carries vendor hints. Empty fields fall back to the backend config.
type SubmitOptions struct {
	ModelVersion    string `json:"model_version,omitempty"`
	TextureQuality  string `json:"texture_quality,omitempty"`
	ArtStyle        string `json:"art_style,omitempty"`
	Topology        string `json:"topology,omitempty"`
	TargetPolycount int    `json:"target_polycount,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
}

// Client is the capability set every vendor binding implements.
type Client interface {
	Backend() Backend
	SupportsMultiview() bool

	// SubmitImage starts a single-image job and returns the vendor task id.
	SubmitImage(ctx context.Context, img image.Image, opts SubmitOptions) (string, error)

	// SubmitMultiview starts a multi-view job. Vendors without multi-view support
	// return an UNSUPPORTED_OPERATION error.
	SubmitMultiview(ctx context.Context, views *MultiViewInput, opts SubmitOptions) (string, error)

	// Poll returns a canonical snapshot of the vendor task.
	Poll(ctx context.Context, taskID string) (*Task, error)

	// Download fetches the raw model bytes.
	Download(ctx context.Context, modelURL string) ([]byte, error)

	// Close releases the client's network session.
	Close() error
}

// DefaultModelLimit caps downloaded model size when a config leaves it unset.
const DefaultModelLimit int64 = 256 << 20

// defaultTimeout is the per-request timeout of a backend session.
const defaultTimeout = 120 * time.Second

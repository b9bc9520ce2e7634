package generation

import (
	"github.com/BaSui01/digigami/threed"
)

// Option customises one generate call.
type Option func(*request)

type request struct {
	backend  threed.Backend
	progress ProgressFunc
	submit   threed.SubmitOptions
	meta     map[string]any
}

func newRequest(opts []Option) *request {
	r := &request{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithBackend selects a backend explicitly instead of the default.
func WithBackend(b threed.Backend) Option {
	return func(r *request) { r.backend = b }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(r *request) { r.progress = fn }
}

// WithSubmitOptions passes vendor hints through to the backend.
func WithSubmitOptions(opts threed.SubmitOptions) Option {
	return func(r *request) { r.submit = opts }
}

// withMetadata seeds the task metadata before submission.
func withMetadata(kv map[string]any) Option {
	return func(r *request) {
		if r.meta == nil {
			r.meta = make(map[string]any, len(kv))
		}
		for k, v := range kv {
			r.meta[k] = v
		}
	}
}

package generation

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/BaSui01/digigami/internal/retry"
	"github.com/BaSui01/digigami/internal/storage"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/BaSui01/digigami/generation"

// Metadata keys written by the orchestrator.
const (
	MetaLocalPath    = "local_path"
	MetaFailureStage = "failure_stage"
	MetaStorageKey   = "storage_key"
	MetaViewCount    = "view_count"
	MetaCharacter    = "character"
	MetaViews        = "views"
)

// Failure stages recorded under MetaFailureStage.
const (
	StageSubmit   = "submit"
	StagePoll     = "poll"
	StageTimeout  = "timeout"
	StageDownload = "download"
	StagePersist  = "persist"
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithObservers adds lifecycle observers.
func WithObservers(obs ...Observer) ServiceOption {
	return func(s *Service) {
		for _, o := range obs {
			if o != nil {
				s.observers.list = append(s.observers.list, o)
			}
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = t }
}

// WithDefaultBackend sets the explicitly configured default backend name.
func WithDefaultBackend(name string) ServiceOption {
	return func(s *Service) { s.defaultName = name }
}

// WithAssembler replaces the pose assembler.
func WithAssembler(a *threed.Assembler) ServiceOption {
	return func(s *Service) { s.assembler = a }
}

// Service is the generation orchestrator. It is safe for concurrent use; each
// generate call runs its polling loop on the caller's goroutine.
type Service struct {
	cfg         Config
	clients     map[threed.Backend]threed.Client
	configured  []threed.Backend
	defaultName string
	store       storage.ResultStore
	registry    *Registry
	sem         *semaphore.Weighted
	limiters    map[threed.Backend]*rate.Limiter
	retryer     *retry.Retryer
	assembler   *threed.Assembler
	observers   observers
	tracer      trace.Tracer
	logger      *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewService wires an orchestrator over the given backend clients and store.
// The service owns the clients and closes them in Close.
func NewService(cfg Config, clients map[threed.Backend]threed.Client, store storage.ResultStore, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "generation"))
	cfg = cfg.normalized()

	s := &Service{
		cfg:       cfg,
		clients:   make(map[threed.Backend]threed.Client, len(clients)),
		store:     store,
		registry:  NewRegistry(),
		limiters:  make(map[threed.Backend]*rate.Limiter),
		assembler: threed.NewAssembler(),
		observers: observers{logger: logger},
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger,
	}
	for b, c := range clients {
		if c != nil {
			s.clients[b] = c
		}
	}
	for _, b := range threed.Precedence {
		if _, ok := s.clients[b]; !ok {
			continue
		}
		s.configured = append(s.configured, b)
		if cfg.PollRateLimit > 0 {
			s.limiters[b] = rate.NewLimiter(rate.Limit(cfg.PollRateLimit), cfg.PollRateBurst)
		}
	}
	if cfg.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if s.store == nil {
		s.store = storage.NewLocalStore("", logger)
	}

	s.retryer = retry.NewRetryer(&retry.Policy{
		MaxRetries:   cfg.PollRetries,
		InitialDelay: cfg.PollRetryDelay,
		MaxDelay:     cfg.PollInterval,
		Multiplier:   2.0,
		Jitter:       true,
		ShouldRetry:  types.IsRetryable,
	}, logger)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backends lists the configured backends in default-precedence order.
func (s *Service) Backends() []threed.Backend {
	return append([]threed.Backend(nil), s.configured...)
}

// SupportsMultiview reports whether backend b is configured and accepts
// multi-view jobs.
func (s *Service) SupportsMultiview(b threed.Backend) bool {
	c, ok := s.clients[b]
	return ok && c.SupportsMultiview()
}

// DefaultBackend resolves the backend used when a call names none.
func (s *Service) DefaultBackend() (threed.Backend, error) {
	return threed.ResolveDefault(s.defaultName, s.configured)
}

// ListActiveTasks returns a snapshot of in-flight tasks.
func (s *Service) ListActiveTasks() map[string]Entry {
	return s.registry.Snapshot()
}

// Store returns the result store.
func (s *Service) Store() storage.ResultStore { return s.store }

// Close releases every backend session. Safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, b := range s.configured {
			if err := s.clients[b].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Debug("generation service closed")
	})
	return s.closeErr
}

// =============================================================================
// 🎯 Generate entry points
// =============================================================================

// GenerateFromImage runs a single-image generation to completion.
//
// Only CONFIGURATION, VALIDATION, UNSUPPORTED_OPERATION and CANCELED errors are
// returned as errors. Every other failure comes back as a Failed task.
func (s *Service) GenerateFromImage(ctx context.Context, img image.Image, opts ...Option) (*threed.Task, error) {
	req := newRequest(opts)
	if img == nil {
		return nil, types.NewError(types.ErrValidation, "image is required")
	}
	client, err := s.singleClient(req.backend)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, req, job{
		client:   client,
		key:      func(id string) string { return id },
		starting: msgStarting,
		submit: func(ctx context.Context) (string, error) {
			return client.SubmitImage(ctx, img, req.submit)
		},
	})
}

// GenerateFromMultiview runs a multi-view generation. An explicitly requested
// backend without multi-view support is rejected with UNSUPPORTED_OPERATION
// unless AllowMultiviewFallback is set.
func (s *Service) GenerateFromMultiview(ctx context.Context, views *threed.MultiViewInput, opts ...Option) (*threed.Task, error) {
	req := newRequest(opts)
	if n := views.PrimaryCount(); n < threed.MinMultiviewViews {
		return nil, types.Errorf(types.ErrValidation,
			"multi-view generation requires at least %d of front/side/back, got %d", threed.MinMultiviewViews, n)
	}
	client, err := s.multiviewClient(req.backend)
	if err != nil {
		return nil, err
	}

	return s.run(ctx, req, job{
		client:    client,
		multiview: true,
		key:       func(id string) string { return id + "_multiview" },
		starting:  msgStartingMultiview,
		submit: func(ctx context.Context) (string, error) {
			return client.SubmitMultiview(ctx, views, req.submit)
		},
	})
}

// GenerateCharacterFromPoses assembles the character's pose files from dir and
// runs a multi-view generation. The sub-pipeline's progress is rescaled into
// [10,100].
func (s *Service) GenerateCharacterFromPoses(ctx context.Context, dir, name string, opts ...Option) (*threed.Task, error) {
	req := newRequest(opts)
	report := func(p float64, msg string) {
		if req.progress != nil {
			req.progress(threed.ClampProgress(p), msg)
		}
	}

	report(0, msgLoadingPoses)
	views, set, err := s.assembler.Assemble(dir, name)
	if err != nil {
		return nil, err
	}
	s.logger.Info("character poses loaded",
		zap.String("character", name),
		zap.Strings("views", set.Views()),
	)
	report(poseLoadShare, foundViewsMessage(set.ViewCount()))

	child := append([]Option{}, opts...)
	child = append(child,
		WithProgress(Rescale(poseLoadShare, poseChildShare, req.progress)),
		withMetadata(map[string]any{
			MetaViewCount: set.ViewCount(),
			MetaCharacter: name,
			MetaViews:     set.Views(),
		}),
	)
	return s.GenerateFromMultiview(ctx, views, child...)
}

// RetryDownload re-runs download and persistence for a task that failed in
// one of those stages. It returns a Completed copy; the input is not modified.
func (s *Service) RetryDownload(ctx context.Context, task *threed.Task) (*threed.Task, error) {
	if task == nil {
		return nil, types.NewError(types.ErrValidation, "task is required")
	}
	stage, _ := task.Metadata[MetaFailureStage].(string)
	if task.Status != threed.StatusFailed || (stage != StageDownload && stage != StagePersist) {
		return nil, types.Errorf(types.ErrValidation, "task %s did not fail in download or persist", task.TaskID)
	}
	if task.ModelURL == "" {
		return nil, types.Errorf(types.ErrValidation, "task %s has no model url", task.TaskID)
	}
	client, ok := s.clients[task.Backend]
	if !ok {
		return nil, types.Errorf(types.ErrConfiguration, "backend %s is not configured", task.Backend)
	}

	key, _ := task.Metadata[MetaStorageKey].(string)
	if key == "" {
		key = task.TaskID
	}

	out := task.Clone()
	out.Status = threed.StatusProcessing
	out.Error = ""
	delete(out.Metadata, MetaFailureStage)

	start := time.Now()
	if stage, err := s.fetchAndStore(ctx, client, out, key); err != nil {
		if types.IsCode(err, types.ErrCanceled) {
			return nil, err
		}
		return nil, types.Errorf(types.ErrPersistence, "retry %s failed: %s", stage, types.Message(err)).
			WithCause(err)
	}
	out.Status = threed.StatusCompleted
	out.Progress = 100
	s.observers.finished(out, time.Since(start), nil)
	return out, nil
}

// =============================================================================
// 🔧 Backend selection
// =============================================================================

func (s *Service) singleClient(explicit threed.Backend) (threed.Client, error) {
	if explicit != "" {
		c, ok := s.clients[explicit]
		if !ok {
			return nil, types.Errorf(types.ErrConfiguration, "backend %s is not configured", explicit)
		}
		return c, nil
	}
	b, err := s.DefaultBackend()
	if err != nil {
		return nil, err
	}
	return s.clients[b], nil
}

func (s *Service) multiviewClient(explicit threed.Backend) (threed.Client, error) {
	firstCapable := func() threed.Client {
		for _, b := range s.configured {
			if c := s.clients[b]; c.SupportsMultiview() {
				return c
			}
		}
		return nil
	}

	if explicit != "" {
		c, ok := s.clients[explicit]
		if !ok {
			return nil, types.Errorf(types.ErrConfiguration, "backend %s is not configured", explicit)
		}
		if c.SupportsMultiview() {
			return c, nil
		}
		if !s.cfg.AllowMultiviewFallback {
			return nil, types.Errorf(types.ErrUnsupported, "backend %s does not support multi-view generation", explicit).
				WithProvider(string(explicit))
		}
		if fb := firstCapable(); fb != nil {
			s.logger.Warn("multi-view not supported by requested backend, falling back",
				zap.String("requested", string(explicit)),
				zap.String("backend", string(fb.Backend())),
			)
			return fb, nil
		}
		return nil, types.NewError(types.ErrUnsupported, "no configured backend supports multi-view generation")
	}

	b, err := s.DefaultBackend()
	if err != nil {
		return nil, err
	}
	if c := s.clients[b]; c.SupportsMultiview() {
		return c, nil
	}
	if fb := firstCapable(); fb != nil {
		return fb, nil
	}
	return nil, types.NewError(types.ErrUnsupported, "no configured backend supports multi-view generation")
}

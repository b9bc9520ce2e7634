package generation

import (
	"context"
	"math"
	"time"

	"github.com/BaSui01/digigami/internal/retry"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// job is one generate invocation bound to a backend.
type job struct {
	client    threed.Client
	multiview bool
	key       func(taskID string) string
	starting  string
	submit    func(ctx context.Context) (string, error)
}

// crossesBoundary reports whether err is returned to the caller instead of
// being folded into a Failed task.
func crossesBoundary(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrConfiguration, types.ErrValidation, types.ErrUnsupported, types.ErrCanceled:
		return true
	}
	return false
}

func canceledError(ctx context.Context, taskID string) error {
	return types.Errorf(types.ErrCanceled, "generation %s canceled", taskID).WithCause(ctx.Err())
}

func fail(task *threed.Task, stage, reason string) {
	task.Status = threed.StatusFailed
	task.Error = reason
	task.SetMeta(MetaFailureStage, stage)
}

func (s *Service) run(ctx context.Context, req *request, j job) (*threed.Task, error) {
	backend := j.client.Backend()
	log := s.logger.With(zap.String("backend", string(backend)), zap.Bool("multiview", j.multiview))

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, types.NewError(types.ErrCanceled, "canceled while waiting for a generation slot").WithCause(err)
		}
		defer s.sem.Release(1)
	}

	ctx, span := s.tracer.Start(ctx, "gen3d.generate", trace.WithAttributes(
		attribute.String("gen3d.backend", string(backend)),
		attribute.Bool("gen3d.multiview", j.multiview),
	))
	defer span.End()

	var task *threed.Task
	// 进度只增不减，即使厂商回报的值回落
	last := 0.0
	report := func(p float64, msg string) {
		p = math.Max(last, threed.ClampProgress(p))
		last = p
		if req.progress != nil {
			req.progress(p, msg)
		}
		if task != nil {
			s.observers.progress(task, p, msg)
		}
	}

	report(0, j.starting)

	taskID, err := j.submit(ctx)
	if err != nil {
		if crossesBoundary(err) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		failed := &threed.Task{Backend: backend, Status: threed.StatusFailed, Metadata: cloneMeta(req.meta)}
		fail(failed, StageSubmit, types.Message(err))
		log.Warn("submit failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		s.observers.finished(failed, 0, nil)
		return failed, nil
	}

	task = &threed.Task{
		TaskID:   taskID,
		Backend:  backend,
		Status:   threed.StatusPending,
		Metadata: cloneMeta(req.meta),
	}
	key := j.key(taskID)
	task.SetMeta(MetaStorageKey, key)
	span.SetAttributes(attribute.String("gen3d.task_id", taskID))

	start := time.Now()
	s.registry.Add(Entry{TaskID: taskID, Backend: backend, StartedAt: start, Multiview: j.multiview})
	defer s.registry.Remove(taskID)

	log = log.With(zap.String("task_id", taskID))
	log.Info("generation started")
	s.observers.started(task, j.multiview)

	err = s.await(ctx, j.client, task, start, report)
	if err == nil && task.Status != threed.StatusFailed {
		report(95, msgDownloading)
		if stage, ferr := s.fetchAndStore(ctx, j.client, task, key); ferr != nil {
			if types.IsCode(ferr, types.ErrCanceled) {
				err = ferr
			} else {
				fail(task, stage, types.Message(ferr))
			}
		} else {
			task.Status = threed.StatusCompleted
			task.Progress = 100
			report(100, msgComplete)
		}
	}

	elapsed := time.Since(start)
	switch {
	case err != nil:
		log.Info("generation canceled", zap.Duration("elapsed", elapsed))
		span.SetStatus(codes.Error, "canceled")
	case task.Status == threed.StatusFailed:
		log.Warn("generation failed",
			zap.String("error", task.Error),
			zap.Any("stage", task.Metadata[MetaFailureStage]),
			zap.Duration("elapsed", elapsed),
		)
		span.SetStatus(codes.Error, task.Error)
	default:
		log.Info("generation completed", zap.String("local_path", task.LocalPath), zap.Duration("elapsed", elapsed))
		span.SetStatus(codes.Ok, "")
	}
	s.observers.finished(task, elapsed, err)

	return task.Clone(), err
}

// await polls until the vendor reports a terminal status or the timeout passes.
// On return task.Status is Failed, or still non-terminal with the vendor having
// reported completion. The Completed commit is left to the caller so that it
// happens only after the model is stored. A non-nil error means ctx was canceled.
func (s *Service) await(ctx context.Context, client threed.Client, task *threed.Task, start time.Time, report ProgressFunc) error {
	limiter := s.limiters[client.Backend()]
	observed := task.Status

	for {
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return canceledError(ctx, task.TaskID)
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return canceledError(ctx, task.TaskID)
			}
		}

		snap, err := retry.Do(ctx, s.retryer, func() (*threed.Task, error) {
			snap, err := client.Poll(ctx, task.TaskID)
			if err == nil && snap == nil {
				return nil, types.Errorf(types.ErrBackend, "%s returned an empty status response", client.Backend()).
					WithProvider(string(client.Backend()))
			}
			return snap, err
		})
		if err != nil {
			if ctx.Err() != nil || types.IsCode(err, types.ErrCanceled) {
				return canceledError(ctx, task.TaskID)
			}
			fail(task, StagePoll, types.Message(err))
			return nil
		}

		prev := observed
		observed = threed.Advance(observed, snap.Status)
		merge(task, snap)
		if observed != threed.StatusCompleted {
			task.Status = observed
		}
		if observed != prev {
			trace.SpanFromContext(ctx).AddEvent("status", trace.WithAttributes(
				attribute.String("gen3d.status", string(observed)),
			))
		}

		report(math.Min(s.cfg.ProgressCap, task.Progress), generatingMessage(observed))

		switch observed {
		case threed.StatusFailed:
			if task.Error == "" {
				task.Error = "generation failed"
			}
			task.SetMeta(MetaFailureStage, StagePoll)
			return nil
		case threed.StatusCompleted:
			if task.ModelURL == "" {
				fail(task, StagePoll, "completed without model url")
			}
			return nil
		}

		if time.Since(start) > s.cfg.Timeout {
			fail(task, StageTimeout, "timeout")
			return nil
		}
	}
}

// fetchAndStore downloads the model and persists it. On failure it returns the
// stage that failed.
func (s *Service) fetchAndStore(ctx context.Context, client threed.Client, task *threed.Task, key string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "gen3d.download")
	defer span.End()

	data, err := client.Download(ctx, task.ModelURL)
	if err != nil {
		span.RecordError(err)
		return StageDownload, err
	}
	span.SetAttributes(attribute.Int("gen3d.model_bytes", len(data)))

	loc, err := s.store.Save(ctx, key, data)
	if err != nil {
		span.RecordError(err)
		return StagePersist, err
	}
	task.LocalPath = loc
	task.SetMeta(MetaLocalPath, loc)
	return "", nil
}

// merge copies a poll snapshot into the owned task. Progress never decreases;
// status is handled by the caller.
func merge(task, snap *threed.Task) {
	if snap == nil {
		return
	}
	task.Progress = math.Max(task.Progress, threed.ClampProgress(snap.Progress))
	if snap.ModelURL != "" {
		task.ModelURL = snap.ModelURL
	}
	if snap.ThumbnailURL != "" {
		task.ThumbnailURL = snap.ThumbnailURL
	}
	if snap.Error != "" {
		task.Error = snap.Error
	}
	for k, v := range snap.Metadata {
		task.SetMeta(k, v)
	}
}

func cloneMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

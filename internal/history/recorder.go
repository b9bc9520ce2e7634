package history

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// Recorder writes a Record for every finished task.
type Recorder struct {
	repo    *Repository
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	multiview map[string]bool
}

var _ generation.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder. Writes get their own timeout so that a
// canceled request still leaves a trace.
func NewRecorder(repo *Repository, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		repo:      repo,
		timeout:   5 * time.Second,
		logger:    logger.With(zap.String("component", "history_recorder")),
		multiview: make(map[string]bool),
	}
}

func (r *Recorder) TaskStarted(task *threed.Task, multiview bool) {
	if !multiview {
		return
	}
	r.mu.Lock()
	r.multiview[task.TaskID] = true
	r.mu.Unlock()
}

func (r *Recorder) TaskProgress(*threed.Task, float64, string) {}

func (r *Recorder) TaskFinished(task *threed.Task, elapsed time.Duration, err error) {
	r.mu.Lock()
	mv := r.multiview[task.TaskID]
	delete(r.multiview, task.TaskID)
	r.mu.Unlock()

	rec := FromTask(task, elapsed, err)
	rec.Multiview = mv

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if serr := r.repo.Save(ctx, rec); serr != nil {
		r.logger.Warn("failed to record generation",
			zap.String("task_id", task.TaskID),
			zap.Error(serr),
		)
	}
}

// FromTask converts a finished task into a Record.
func FromTask(task *threed.Task, elapsed time.Duration, err error) *Record {
	rec := &Record{
		TaskID:       task.TaskID,
		Backend:      task.Backend,
		Progress:     task.Progress,
		ModelURL:     task.ModelURL,
		ThumbnailURL: task.ThumbnailURL,
		LocalPath:    task.LocalPath,
		Error:        task.Error,
		DurationMS:   elapsed.Milliseconds(),
		FinishedAt:   time.Now().UTC(),
	}
	switch {
	case err != nil:
		rec.Outcome = OutcomeCanceled
		if rec.Error == "" {
			rec.Error = types.Message(err)
		}
	case task.Status == threed.StatusCompleted:
		rec.Outcome = OutcomeCompleted
	default:
		rec.Outcome = OutcomeFailed
	}
	if stage, ok := task.Metadata[generation.MetaFailureStage].(string); ok {
		rec.FailureStage = stage
	}
	if len(task.Metadata) > 0 {
		if b, jerr := json.Marshal(task.Metadata); jerr == nil {
			rec.Metadata = string(b)
		}
	}
	return rec
}

package generation

import (
	"time"

	"github.com/BaSui01/digigami/threed"
	"go.uber.org/zap"
)

// Observer receives task lifecycle events. Tasks passed in are copies that the
// observer may keep. Calls happen on the task's own goroutine and should not
// block for long.
type Observer interface {
	// TaskStarted fires once the vendor has accepted the job.
	TaskStarted(task *threed.Task, multiview bool)
	// TaskProgress mirrors every progress callback after submission.
	TaskProgress(task *threed.Task, percent float64, message string)
	// TaskFinished fires on every exit path. err is non-nil only for a
	// cancelled generation; Failed tasks carry their reason in task.Error.
	TaskFinished(task *threed.Task, elapsed time.Duration, err error)
}

type observers struct {
	list   []Observer
	logger *zap.Logger
}

func (o observers) started(task *threed.Task, multiview bool) {
	for _, ob := range o.list {
		o.safe("started", func() { ob.TaskStarted(task.Clone(), multiview) })
	}
}

func (o observers) progress(task *threed.Task, percent float64, message string) {
	for _, ob := range o.list {
		o.safe("progress", func() { ob.TaskProgress(task.Clone(), percent, message) })
	}
}

func (o observers) finished(task *threed.Task, elapsed time.Duration, err error) {
	for _, ob := range o.list {
		o.safe("finished", func() { ob.TaskFinished(task.Clone(), elapsed, err) })
	}
}

// safe keeps a panicking observer from taking the polling loop down with it.
func (o observers) safe(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

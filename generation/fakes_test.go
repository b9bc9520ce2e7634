package generation

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
)

// pollScript answers the n-th poll (1-based) of a task.
type pollScript func(taskID string, n int) (*threed.Task, error)

type fakeClient struct {
	backend   threed.Backend
	multiview bool

	submitErr   error
	script      pollScript
	downloadErr atomic.Value // errBox
	data        []byte

	submits atomic.Int32
	closed  atomic.Int32

	mu    sync.Mutex
	polls map[string]int
}

type errBox struct{ err error }

func newFakeClient(b threed.Backend, script pollScript) *fakeClient {
	return &fakeClient{
		backend:   b,
		multiview: b == threed.BackendTripo3D,
		script:    script,
		data:      []byte("glTF-model"),
		polls:     make(map[string]int),
	}
}

func (f *fakeClient) Backend() threed.Backend { return f.backend }
func (f *fakeClient) SupportsMultiview() bool { return f.multiview }

func (f *fakeClient) SubmitImage(ctx context.Context, img image.Image, _ threed.SubmitOptions) (string, error) {
	if img == nil {
		return "", types.NewError(types.ErrValidation, "image is required")
	}
	return f.submit(ctx)
}

func (f *fakeClient) SubmitMultiview(ctx context.Context, views *threed.MultiViewInput, _ threed.SubmitOptions) (string, error) {
	if !f.multiview {
		return "", types.NewError(types.ErrUnsupported, "no multi-view")
	}
	return f.submit(ctx)
}

func (f *fakeClient) submit(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewError(types.ErrCanceled, "canceled").WithCause(err)
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}
	n := f.submits.Add(1)
	return fmt.Sprintf("%s-%d", f.backend, n), nil
}

func (f *fakeClient) Poll(ctx context.Context, taskID string) (*threed.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCanceled, "canceled").WithCause(err)
	}
	f.mu.Lock()
	f.polls[taskID]++
	n := f.polls[taskID]
	f.mu.Unlock()

	snap, err := f.script(taskID, n)
	if snap != nil {
		snap.TaskID = taskID
		snap.Backend = f.backend
	}
	return snap, err
}

func (f *fakeClient) pollCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[taskID]
}

func (f *fakeClient) setDownloadErr(err error) { f.downloadErr.Store(errBox{err}) }

func (f *fakeClient) Download(ctx context.Context, modelURL string) ([]byte, error) {
	if b, ok := f.downloadErr.Load().(errBox); ok && b.err != nil {
		return nil, b.err
	}
	if modelURL == "" {
		return nil, types.NewError(types.ErrValidation, "model url is empty")
	}
	return f.data, nil
}

func (f *fakeClient) Close() error {
	f.closed.Add(1)
	return nil
}

// scripted returns the given snapshots in order, repeating the last one.
func scripted(snaps ...threed.Task) pollScript {
	return func(_ string, n int) (*threed.Task, error) {
		i := n - 1
		if i >= len(snaps) {
			i = len(snaps) - 1
		}
		s := snaps[i]
		return &s, nil
	}
}

func completed(url string) threed.Task {
	return threed.Task{Status: threed.StatusCompleted, Progress: 100, ModelURL: url}
}

func processing(p float64) threed.Task {
	return threed.Task{Status: threed.StatusProcessing, Progress: p}
}

type progressEvent struct {
	Percent float64
	Message string
}

// progressRecorder collects progress callbacks for one call.
type progressRecorder struct {
	mu     sync.Mutex
	events []progressEvent
}

func (r *progressRecorder) fn(p float64, msg string) {
	r.mu.Lock()
	r.events = append(r.events, progressEvent{p, msg})
	r.mu.Unlock()
}

func (r *progressRecorder) all() []progressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progressEvent(nil), r.events...)
}

type finishedEvent struct {
	task    *threed.Task
	elapsed time.Duration
	err     error
}

// recordingObserver implements Observer.
type recordingObserver struct {
	mu       sync.Mutex
	started  []*threed.Task
	statuses map[string][]threed.Status
	finished []finishedEvent
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{statuses: make(map[string][]threed.Status)}
}

func (o *recordingObserver) TaskStarted(task *threed.Task, _ bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, task)
}

func (o *recordingObserver) TaskProgress(task *threed.Task, _ float64, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[task.TaskID] = append(o.statuses[task.TaskID], task.Status)
}

func (o *recordingObserver) TaskFinished(task *threed.Task, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, finishedEvent{task, elapsed, err})
}

func (o *recordingObserver) finishedEvents() []finishedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]finishedEvent(nil), o.finished...)
}

// failingStore fails every Save.
type failingStore struct{}

func (failingStore) Save(context.Context, string, []byte) (string, error) {
	return "", types.NewError(types.ErrPersistence, "disk full")
}
func (failingStore) Ping(context.Context) error { return nil }
func (failingStore) Type() string               { return "failing" }

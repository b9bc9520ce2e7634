package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/database"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Name = filepath.Join(t.TempDir(), "history.db")
	cfg.Pool.HealthCheckInterval = 0

	repo, pool, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return repo
}

func TestRepository_SaveGetList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	records := []*Record{
		{TaskID: "t1", Backend: threed.BackendTripo3D, Outcome: OutcomeCompleted, FinishedAt: base},
		{TaskID: "m1", Backend: threed.BackendMeshy, Outcome: OutcomeFailed, Error: "timeout", FinishedAt: base.Add(time.Minute)},
		{TaskID: "t2", Backend: threed.BackendTripo3D, Outcome: OutcomeCanceled, FinishedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range records {
		require.NoError(t, repo.Save(ctx, r))
		assert.Len(t, r.ID, 36)
	}

	got, err := repo.Get(ctx, records[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.TaskID)
	assert.Equal(t, "timeout", got.Error)

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"t2", "m1", "t1"}, []string{all[0].TaskID, all[1].TaskID, all[2].TaskID})

	tripo, err := repo.List(ctx, Filter{Backend: threed.BackendTripo3D})
	require.NoError(t, err)
	assert.Len(t, tripo, 2)

	failed, err := repo.List(ctx, Filter{Outcome: OutcomeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].TaskID)

	page, err := repo.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "m1", page[0].TaskID)

	counts, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{OutcomeCompleted: 1, OutcomeFailed: 1, OutcomeCanceled: 1}, counts)
}

func TestRepository_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, 404, e.HTTPStatus)

	_, err = repo.LatestByTask(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRepository_LatestByTask(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Save(ctx, &Record{TaskID: "t1", Outcome: OutcomeFailed, FailureStage: "download", FinishedAt: now}))
	require.NoError(t, repo.Save(ctx, &Record{TaskID: "t1", Outcome: OutcomeCompleted, FinishedAt: now.Add(time.Second)}))

	rec, err := repo.LatestByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, rec.Outcome)
}

func TestNewRepository_NilDB(t *testing.T) {
	_, err := NewRepository(context.Background(), nil, nil)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestFromTask(t *testing.T) {
	tests := []struct {
		name        string
		task        *threed.Task
		err         error
		wantOutcome string
		wantStage   string
		wantError   string
	}{
		{
			name:        "completed",
			task:        &threed.Task{TaskID: "a", Status: threed.StatusCompleted, Progress: 100, LocalPath: "/out/a.glb"},
			wantOutcome: OutcomeCompleted,
		},
		{
			name: "failed in download",
			task: &threed.Task{TaskID: "b", Status: threed.StatusFailed, Error: "reset",
				Metadata: map[string]any{generation.MetaFailureStage: generation.StageDownload}},
			wantOutcome: OutcomeFailed,
			wantStage:   "download",
			wantError:   "reset",
		},
		{
			name:        "canceled",
			task:        &threed.Task{TaskID: "c", Status: threed.StatusProcessing},
			err:         types.NewError(types.ErrCanceled, "generation c canceled"),
			wantOutcome: OutcomeCanceled,
			wantError:   "generation c canceled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := FromTask(tt.task, 1500*time.Millisecond, tt.err)
			assert.Equal(t, tt.wantOutcome, rec.Outcome)
			assert.Equal(t, tt.wantStage, rec.FailureStage)
			assert.Equal(t, tt.wantError, rec.Error)
			assert.Equal(t, int64(1500), rec.DurationMS)
		})
	}
}

func TestRecorder_TaskFinished(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo, nil)

	task := &threed.Task{
		TaskID:   "tripo3d-1",
		Backend:  threed.BackendTripo3D,
		Status:   threed.StatusCompleted,
		Progress: 100,
		Metadata: map[string]any{generation.MetaCharacter: "kyur", generation.MetaViewCount: 2},
	}
	rec.TaskStarted(task, true)
	rec.TaskProgress(task, 50, "Generating 3D model (processing)...")
	rec.TaskFinished(task, time.Second, nil)

	saved, err := repo.LatestByTask(context.Background(), "tripo3d-1")
	require.NoError(t, err)
	assert.True(t, saved.Multiview)
	assert.Equal(t, OutcomeCompleted, saved.Outcome)
	assert.Equal(t, "kyur", saved.Meta()[generation.MetaCharacter])
	assert.Equal(t, 2.0, saved.Meta()[generation.MetaViewCount])

	// a second run of the same id without TaskStarted is not multiview
	rec.TaskFinished(&threed.Task{TaskID: "tripo3d-1", Status: threed.StatusFailed}, 0, errors.New("x"))
	list, err := repo.List(context.Background(), Filter{Outcome: OutcomeCanceled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Multiview)
}

package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/digigami/internal/database"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome of a finished task. Canceled is kept apart from failed because a
// canceled task never reached a terminal vendor status.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// Record is one finished generation.
type Record struct {
	ID           string         `gorm:"primaryKey;size:36" json:"id"`
	TaskID       string         `gorm:"size:128;index" json:"task_id"`
	Backend      threed.Backend `gorm:"size:32;index" json:"backend"`
	Outcome      string         `gorm:"size:16;index" json:"outcome"`
	Multiview    bool           `json:"multiview"`
	Progress     float64        `json:"progress"`
	ModelURL     string         `gorm:"size:2048" json:"model_url,omitempty"`
	ThumbnailURL string         `gorm:"size:2048" json:"thumbnail_url,omitempty"`
	LocalPath    string         `gorm:"size:1024" json:"local_path,omitempty"`
	Error        string         `gorm:"type:text" json:"error,omitempty"`
	FailureStage string         `gorm:"size:16" json:"failure_stage,omitempty"`
	Metadata     string         `gorm:"type:text" json:"-"`
	DurationMS   int64          `json:"duration_ms"`
	FinishedAt   time.Time      `gorm:"index" json:"finished_at"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName pins the table name independent of GORM's pluralizer.
func (Record) TableName() string { return "generation_history" }

// Meta decodes the stored metadata blob.
func (r *Record) Meta() map[string]any {
	if r.Metadata == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Metadata), &m); err != nil {
		return nil
	}
	return m
}

// Filter narrows List.
type Filter struct {
	Backend threed.Backend
	Outcome string
	Limit   int
	Offset  int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Repository reads and writes Records.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository wraps db and migrates the schema.
func NewRepository(ctx context.Context, db *gorm.DB, logger *zap.Logger) (*Repository, error) {
	if db == nil {
		return nil, types.NewError(types.ErrConfiguration, "history database is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return nil, types.Errorf(types.ErrPersistence, "history migration failed: %v", err).WithCause(err)
	}
	return &Repository{db: db, logger: logger.With(zap.String("component", "history"))}, nil
}

// Open connects with cfg and returns a migrated repository together with its
// pool, which the caller closes.
func Open(ctx context.Context, cfg database.Config, logger *zap.Logger) (*Repository, *database.PoolManager, error) {
	pool, err := database.Open(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	repo, err := NewRepository(ctx, pool.DB(), logger)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return repo, pool, nil
}

// Save inserts r, assigning an ID when empty.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return types.Errorf(types.ErrPersistence, "save history record: %v", err).WithCause(err)
	}
	return nil
}

// Get returns the record with id.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrValidation, "history record %s not found", id).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrPersistence, "load history record: %v", err).WithCause(err)
	}
	return &rec, nil
}

// LatestByTask returns the most recent record for a vendor task id.
func (r *Repository) LatestByTask(ctx context.Context, taskID string) (*Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("finished_at DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrValidation, "no history for task %s", taskID).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrPersistence, "load history record: %v", err).WithCause(err)
	}
	return &rec, nil
}

// List returns records newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	q := r.db.WithContext(ctx).Model(&Record{})
	if f.Backend != "" {
		q = q.Where("backend = ?", f.Backend)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}

	var out []Record
	if err := q.Order("finished_at DESC").Order("id").Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, types.Errorf(types.ErrPersistence, "list history: %v", err).WithCause(err)
	}
	return out, nil
}

// Count returns the number of records per outcome.
func (r *Repository) Count(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		N       int64
	}
	err := r.db.WithContext(ctx).Model(&Record{}).
		Select("outcome, count(*) as n").Group("outcome").Scan(&rows).Error
	if err != nil {
		return nil, types.Errorf(types.ErrPersistence, "count history: %v", err).WithCause(err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Outcome] = row.N
	}
	return out, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tnqbao/gau-workflow-monitor/entity"
)

// JobFilter narrows a listing. Zero values mean "no constraint".
type JobFilter struct {
	Owner    string
	Since    *time.Time
	Statuses []entity.JobStatus
	// Unnotified keeps only rows whose notification flag does not cover their current status.
	Unnotified bool
	Limit      int
}

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// upsertColumns are overwritten on conflict. The notification columns are absent so that
// an upsert can never clear a recorded notification.
var upsertColumns = []string{"name", "status", "start", "end", "owner", "labels", "updated_at"}

// terminalGuard skips the conflict update when it would move a terminal row back into a
// run state. Only a restart, which creates a new id, brings a job back to life.
func terminalGuard() clause.Where {
	running := make([]string, 0, len(entity.DefaultRunStates))
	for _, s := range entity.DefaultRunStates {
		running = append(running, string(s))
	}
	return clause.Where{Exprs: []clause.Expression{clause.Expr{
		SQL:  "workflow.status IN ? OR excluded.status NOT IN ?",
		Vars: []interface{}{running, running},
	}}}
}

// Upsert inserts the job or updates the stored row. A stored terminal status is never
// replaced by a running one.
func (r *JobRepository) Upsert(ctx context.Context, job *entity.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
		Where:     terminalGuard(),
	}).Create(job).Error
	if err != nil {
		return fmt.Errorf("failed to upsert workflow %s: %w", job.ID, err)
	}
	return nil
}

// Get returns nil, nil when the job is unknown.
func (r *JobRepository) Get(ctx context.Context, id string) (*entity.Job, error) {
	var job entity.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}
	return &job, nil
}

// ListSince returns jobs started at or after since, plus jobs with no start time yet.
// An empty owner or "*" lists every owner.
func (r *JobRepository) ListSince(ctx context.Context, since time.Time, owner string) ([]entity.Job, error) {
	return r.Find(ctx, JobFilter{Owner: owner, Since: &since})
}

func (r *JobRepository) Find(ctx context.Context, filter JobFilter) ([]entity.Job, error) {
	query := r.db.WithContext(ctx).Model(&entity.Job{})

	if filter.Owner != "" && filter.Owner != "*" {
		query = query.Where("owner = ?", filter.Owner)
	}
	if filter.Since != nil {
		start := clause.Column{Name: "start"}
		query = query.Where(clause.Or(
			clause.Gte{Column: start, Value: *filter.Since},
			clause.Eq{Column: start, Value: nil},
		))
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Unnotified {
		query = query.Where("NOT (notified = ? AND COALESCE(notified_status, '') = status)", true)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []entity.Job
	if err := query.Order(clause.OrderByColumn{Column: clause.Column{Name: "start"}, Desc: true}).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return jobs, nil
}

// MarkNotified records that a notification for status went out. It changes nothing and
// returns false when the stored status is no longer status or the flag is already set.
func (r *JobRepository) MarkNotified(ctx context.Context, id string, status entity.JobStatus) (bool, error) {
	result := r.db.WithContext(ctx).Model(&entity.Job{}).
		Where("id = ? AND status = ?", id, status).
		Where("NOT (notified = ? AND COALESCE(notified_status, '') = ?)", true, status).
		Updates(map[string]interface{}{
			"notified":          true,
			"notified_status":   status,
			"notify_claimed_at": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark workflow %s notified: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ClaimNotification reserves the dispatch of status for id. Exactly one caller wins; the
// claim lasts until MarkNotified or until it is older than ttl, after which a later pass
// may take it over.
func (r *JobRepository) ClaimNotification(ctx context.Context, id string, status entity.JobStatus, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&entity.Job{}).
		Where("id = ? AND status = ?", id, status).
		Where("NOT (notified = ? AND COALESCE(notified_status, '') = ?)", true, status).
		Where("(notify_claimed_at IS NULL OR notify_claimed_at < ?)", now.Add(-ttl)).
		Update("notify_claimed_at", now)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim notification of workflow %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CommitBatch upserts every job in one transaction. Either all rows are written or none.
func (r *JobRepository) CommitBatch(ctx context.Context, jobs []*entity.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := NewJobRepository(tx)
		for _, job := range jobs {
			if err := txRepo.Upsert(ctx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/quailyquaily/taskbridge/db/models"
	"gorm.io/gorm"
)

// JobStore is the append-only dispatch log. Rows transition
// pending -> processing -> completed|failed and are kept for audit.
type JobStore struct {
	gdb *gorm.DB
}

func NewJobStore(gdb *gorm.DB) *JobStore {
	return &JobStore{gdb: gdb}
}

func (s *JobStore) Append(ctx context.Context, job models.Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return fmt.Errorf("job id is required")
	}
	if strings.TrimSpace(job.Identity) == "" {
		return fmt.Errorf("job identity is required")
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	if err := s.gdb.WithContext(ctx).Create(&job).Error; err != nil {
		return fmt.Errorf("append job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) MarkProcessing(ctx context.Context, jobID string, attempt int) error {
	return s.update(ctx, jobID, map[string]any{
		"status":   models.JobProcessing,
		"attempts": attempt,
	})
}

func (s *JobStore) MarkCompleted(ctx context.Context, jobID string) error {
	return s.update(ctx, jobID, map[string]any{
		"status":     models.JobCompleted,
		"last_error": "",
	})
}

func (s *JobStore) MarkFailed(ctx context.Context, jobID string, lastErr error) error {
	fields := map[string]any{"status": models.JobFailed}
	if lastErr != nil {
		fields["last_error"] = lastErr.Error()
	}
	return s.update(ctx, jobID, fields)
}

func (s *JobStore) Get(ctx context.Context, jobID string) (models.Job, error) {
	var job models.Job
	if err := s.gdb.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *JobStore) update(ctx context.Context, jobID string, fields map[string]any) error {
	res := s.gdb.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", jobID).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update job: %s not found", jobID)
	}
	return nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quailyquaily/taskbridge/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionStore persists one Session row per identity. Sessions are created
// lazily on first contact and nulled out between tasks, never deleted.
type SessionStore struct {
	gdb *gorm.DB
}

func NewSessionStore(gdb *gorm.DB) *SessionStore {
	return &SessionStore{gdb: gdb}
}

func (s *SessionStore) Ensure(ctx context.Context, identity string) (models.Session, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return models.Session{}, fmt.Errorf("identity is required")
	}
	sess := models.Session{Identity: identity}
	err := s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&sess).Error
	if err != nil {
		return models.Session{}, fmt.Errorf("ensure session %s: %w", identity, err)
	}
	return s.Get(ctx, identity)
}

func (s *SessionStore) Get(ctx context.Context, identity string) (models.Session, error) {
	var sess models.Session
	err := s.gdb.WithContext(ctx).First(&sess, "identity = ?", identity).Error
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", identity, err)
	}
	return sess, nil
}

func (s *SessionStore) ListIdentities(ctx context.Context) ([]string, error) {
	var identities []string
	err := s.gdb.WithContext(ctx).
		Model(&models.Session{}).
		Order("identity").
		Pluck("identity", &identities).Error
	if err != nil {
		return nil, fmt.Errorf("list session identities: %w", err)
	}
	return identities, nil
}

// AssignTask marks taskID active for the identity and moves the context window
// floor to startedAt.
func (s *SessionStore) AssignTask(ctx context.Context, identity, taskID string, startedAt time.Time) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task id is required")
	}
	res := s.gdb.WithContext(ctx).
		Model(&models.Session{}).
		Where("identity = ?", identity).
		Updates(map[string]any{
			"active_task_id":  taskID,
			"task_started_at": startedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("assign task %s to %s: %w", taskID, identity, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("assign task: session %s not found", identity)
	}
	return nil
}

// ClearTaskIf clears the active task only while it still equals taskID. The
// guarded update is what keeps a late grace sweep from clobbering a task that
// was assigned after the sweep was scheduled.
func (s *SessionStore) ClearTaskIf(ctx context.Context, identity, taskID string) (bool, error) {
	res := s.gdb.WithContext(ctx).
		Model(&models.Session{}).
		Where("identity = ? AND active_task_id = ?", identity, taskID).
		Updates(map[string]any{
			"active_task_id":  "",
			"task_started_at": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("clear task %s for %s: %w", taskID, identity, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FindByActiveTask is the fallback route lookup for task events whose route
// row already expired.
func (s *SessionStore) FindByActiveTask(ctx context.Context, taskID string) (models.Session, bool, error) {
	var sess models.Session
	err := s.gdb.WithContext(ctx).First(&sess, "active_task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("find session by task %s: %w", taskID, err)
	}
	return sess, true, nil
}

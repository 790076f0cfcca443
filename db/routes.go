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

// DefaultRouteTTL bounds how long a task-to-identity route survives without an
// explicit delete on completion.
const DefaultRouteTTL = 24 * time.Hour

// RouteStore maps backend task ids to the owning identity so asynchronous task
// events can be routed back to a conversation.
type RouteStore struct {
	gdb *gorm.DB
	ttl time.Duration
}

func NewRouteStore(gdb *gorm.DB, ttl time.Duration) *RouteStore {
	if ttl <= 0 {
		ttl = DefaultRouteTTL
	}
	return &RouteStore{gdb: gdb, ttl: ttl}
}

func (s *RouteStore) Put(ctx context.Context, taskID, identity string, now time.Time) error {
	taskID = strings.TrimSpace(taskID)
	identity = strings.TrimSpace(identity)
	if taskID == "" || identity == "" {
		return fmt.Errorf("task id and identity are required")
	}
	route := models.TaskRoute{
		TaskID:    taskID,
		Identity:  identity,
		ExpiresAt: now.Add(s.ttl),
	}
	err := s.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"identity", "expires_at"}),
		}).
		Create(&route).Error
	if err != nil {
		return fmt.Errorf("put route %s: %w", taskID, err)
	}
	return nil
}

func (s *RouteStore) Resolve(ctx context.Context, taskID string, now time.Time) (string, bool, error) {
	var route models.TaskRoute
	err := s.gdb.WithContext(ctx).
		First(&route, "task_id = ? AND expires_at > ?", taskID, now).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve route %s: %w", taskID, err)
	}
	return route.Identity, true, nil
}

func (s *RouteStore) Delete(ctx context.Context, taskID string) error {
	err := s.gdb.WithContext(ctx).
		Delete(&models.TaskRoute{}, "task_id = ?", taskID).Error
	if err != nil {
		return fmt.Errorf("delete route %s: %w", taskID, err)
	}
	return nil
}

func (s *RouteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.gdb.WithContext(ctx).
		Delete(&models.TaskRoute{}, "expires_at <= ?", now)
	if res.Error != nil {
		return 0, fmt.Errorf("purge expired routes: %w", res.Error)
	}
	return res.RowsAffected, nil
}

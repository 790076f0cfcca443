package models

import "time"

// Session is the per-identity conversation record. ActiveTaskID is owned by the
// continuity layer: set on task creation, cleared on an explicit new task or by
// the post-completion grace sweep.
type Session struct {
	Identity      string `gorm:"primaryKey"`
	ActiveTaskID  string
	TaskStartedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one flushed turn in the append-only dispatch log. Terminal rows are
// retained for audit, never reused.
type Job struct {
	ID          string `gorm:"primaryKey"`
	Identity    string `gorm:"index"`
	Text        string
	Attachments []string `gorm:"serializer:json"`
	Status      string   `gorm:"index"`
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskRoute maps a backend task id back to the owning identity so asynchronous
// task events can be delivered. Rows expire after a retention window as a
// safety net against leaks.
type TaskRoute struct {
	TaskID    string `gorm:"primaryKey"`
	Identity  string
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/quailyquaily/taskbridge/internal/classify"
	"github.com/quailyquaily/taskbridge/internal/continuity"
	"github.com/quailyquaily/taskbridge/internal/dispatch"
	"github.com/quailyquaily/taskbridge/internal/transport"
)

// Messenger is the outbound messaging surface the bridge drives. Satisfied by
// transport.Client.
type Messenger interface {
	SendText(ctx context.Context, handle, text string) (string, error)
	SendAttachment(ctx context.Context, handle, name, url string) error
	StartTyping(ctx context.Context, handle string) error
	StopTyping(ctx context.Context, handle string) error
}

// TaskBackend is the async task surface. Satisfied by taskapi.Client.
type TaskBackend interface {
	CreateTask(ctx context.Context, prompt string, attachmentIDs []string) (string, error)
	ContinueTask(ctx context.Context, taskID, prompt string, attachmentIDs []string) (string, error)
	UploadFile(ctx context.Context, path string) (string, error)
}

// EventSource feeds inbound messages. Satisfied by transport.Stream.
type EventSource interface {
	Run(ctx context.Context, handle func(transport.Event)) error
}

// TaskLookup resolves a task id to its bound identity when the route table
// has no live row.
type TaskLookup interface {
	IdentityForActiveTask(ctx context.Context, taskID string) (string, bool, error)
}

// Routes is the durable task-to-identity routing table. Satisfied by
// db.RouteStore.
type Routes interface {
	Put(ctx context.Context, taskID, identity string, now time.Time) error
	Resolve(ctx context.Context, taskID string, now time.Time) (string, bool, error)
	Delete(ctx context.Context, taskID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type Options struct {
	Logger *slog.Logger

	Stream     EventSource
	Messenger  Messenger
	Tasks      TaskBackend
	Classifier classify.Classifier

	State          continuity.Store
	TaskLookup     TaskLookup
	Routes         Routes
	JobLog         dispatch.JobLog
	ListIdentities func(ctx context.Context) ([]string, error)

	WebhookAddr  string
	WebhookToken string

	CoalesceWindow        time.Duration
	GracePeriod           time.Duration
	TypingRefreshInterval time.Duration
	ReconcileInterval     time.Duration
	RoutePurgeInterval    time.Duration
	ThrottleInterval      time.Duration
	PaceDelay             time.Duration
	BackoffBase           time.Duration

	HistoryCap     int
	ContextMax     int
	ChunkRunes     int
	QueueCap       int
	MaxConcurrency int
	MaxAttempts    int
}

const (
	DefaultContextMax         = 20
	DefaultRoutePurgeInterval = time.Hour
)

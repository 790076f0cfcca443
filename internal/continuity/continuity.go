package continuity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultGracePeriod = 10 * time.Minute

// TaskState is the continuity view of a session: the open task id and the
// context window floor. Zero values mean IDLE.
type TaskState struct {
	ActiveTaskID  string
	TaskStartedAt time.Time
}

func (s TaskState) Active() bool { return s.ActiveTaskID != "" }

// Store is the durable session state this manager drives. ClearTaskIf must be
// a conditional write (clear only while the task id still matches) so a stale
// grace sweep cannot clobber a newer task.
type Store interface {
	TaskState(ctx context.Context, identity string) (TaskState, error)
	AssignTask(ctx context.Context, identity, taskID string, startedAt time.Time) error
	ClearTaskIf(ctx context.Context, identity, taskID string) (bool, error)
}

// Manager owns the IDLE -> ACTIVE -> GRACE -> IDLE lifecycle of a session's
// active task. A completion does not clear the task immediately; it arms a
// grace timer so an immediate follow-up still classifies against the finished
// task.
type Manager struct {
	store  Store
	logger *slog.Logger
	grace  time.Duration
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type Options struct {
	Store       Store
	Logger      *slog.Logger
	GracePeriod time.Duration
	Now         func() time.Time
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:  opts.Store,
		logger: logger,
		grace:  grace,
		now:    now,
		timers: make(map[string]*time.Timer),
	}
}

func (m *Manager) State(ctx context.Context, identity string) (TaskState, error) {
	return m.store.TaskState(ctx, identity)
}

// Activate binds a freshly created task to the identity and moves the context
// window floor to now. Any pending grace sweep is canceled; its conditional
// clear would be a no-op anyway, but there is no reason to keep it around.
func (m *Manager) Activate(ctx context.Context, identity, taskID string) error {
	m.cancelTimer(identity)
	if err := m.store.AssignTask(ctx, identity, taskID, m.now().UTC()); err != nil {
		return err
	}
	m.logger.Info("task_activated", "identity", identity, "task_id", taskID)
	return nil
}

// Clear drops the active task ahead of creating its replacement. The old id
// must be gone before the new task is created so the new task's classification
// context starts empty.
func (m *Manager) Clear(ctx context.Context, identity, taskID string) error {
	m.cancelTimer(identity)
	cleared, err := m.store.ClearTaskIf(ctx, identity, taskID)
	if err != nil {
		return err
	}
	if cleared {
		m.logger.Info("task_cleared", "identity", identity, "task_id", taskID)
	}
	return nil
}

// Resume returns a session from GRACE to ACTIVE when a follow-up continues
// the task. The context window floor is preserved; only the grace sweep is
// disarmed. When the backend rotated the task id on continuation, the session
// is re-bound to the new id.
func (m *Manager) Resume(ctx context.Context, identity, taskID string) error {
	m.cancelTimer(identity)
	state, err := m.store.TaskState(ctx, identity)
	if err != nil {
		return err
	}
	if state.ActiveTaskID == taskID {
		return nil
	}
	// Keep the original floor: classification context must span the whole
	// task, not just the slice since the rotation.
	startedAt := state.TaskStartedAt
	if startedAt.IsZero() {
		startedAt = m.now().UTC()
	}
	return m.store.AssignTask(ctx, identity, taskID, startedAt)
}

// BeginGrace transitions ACTIVE -> GRACE: the task id survives for the grace
// period, then is cleared only if no newer task replaced it in the interim.
func (m *Manager) BeginGrace(identity, taskID string) {
	m.mu.Lock()
	if old, ok := m.timers[identity]; ok {
		old.Stop()
	}
	m.timers[identity] = time.AfterFunc(m.grace, func() {
		m.sweep(identity, taskID)
	})
	m.mu.Unlock()
	m.logger.Info("grace_started", "identity", identity, "task_id", taskID, "grace_period", m.grace.String())
}

// Close disarms every pending grace sweep.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for identity, timer := range m.timers {
		timer.Stop()
		delete(m.timers, identity)
	}
}

func (m *Manager) sweep(identity, taskID string) {
	m.mu.Lock()
	delete(m.timers, identity)
	m.mu.Unlock()

	cleared, err := m.store.ClearTaskIf(context.Background(), identity, taskID)
	if err != nil {
		m.logger.Warn("grace_sweep_error", "identity", identity, "task_id", taskID, "error", err.Error())
		return
	}
	if cleared {
		m.logger.Info("grace_expired", "identity", identity, "task_id", taskID)
	} else {
		// A newer task took over while the sweep was pending.
		m.logger.Debug("grace_sweep_skipped", "identity", identity, "task_id", taskID)
	}
}

func (m *Manager) cancelTimer(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[identity]; ok {
		timer.Stop()
		delete(m.timers, identity)
	}
}

package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRefreshInterval sits safely below the transport's own indicator
	// timeout.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultRestartDelay separates the stop/start pair of a refresh so the
	// transport does not coalesce them into a no-op.
	DefaultRestartDelay = 500 * time.Millisecond
)

// Transport is the start/stop indicator surface of the messaging channel.
type Transport interface {
	StartTyping(ctx context.Context, identity string) error
	StopTyping(ctx context.Context, identity string) error
}

// Manager keeps a continuous "agent is working" indicator alive per identity
// for the lifetime of a task. It is a best-effort UX affordance: every
// transport failure here is logged and swallowed, never propagated.
type Manager struct {
	transport    Transport
	logger       *slog.Logger
	interval     time.Duration
	restartDelay time.Duration

	mu     sync.Mutex
	active map[string]*signal
}

type signal struct {
	taskID string
	cancel context.CancelFunc
}

type Options struct {
	Transport       Transport
	Logger          *slog.Logger
	RefreshInterval time.Duration
	RestartDelay    time.Duration
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	restartDelay := opts.RestartDelay
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	return &Manager{
		transport:    opts.Transport,
		logger:       logger,
		interval:     interval,
		restartDelay: restartDelay,
		active:       make(map[string]*signal),
	}
}

// Start begins (or re-asserts) the indicator for an identity. When a signal is
// already active only the remembered task id is updated; no duplicate
// transport call is issued. The refresh loop runs on a manager-owned context:
// callers often hand in request-scoped contexts, and those must not kill the
// indicator mid-task. Only Stop and StopAll tear it down.
func (m *Manager) Start(_ context.Context, identity, taskID string) {
	m.mu.Lock()
	if sig, ok := m.active[identity]; ok {
		sig.taskID = taskID
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.active[identity] = &signal{taskID: taskID, cancel: cancel}
	m.mu.Unlock()

	go m.run(runCtx, identity)
	m.logger.Debug("typing_started", "identity", identity, "task_id", taskID)
}

// Stop cancels the refresh loop and issues one final stop. Local state is
// always dropped, even when the transport call errors, so timers cannot leak.
// Calling Stop for an inactive identity is a no-op.
func (m *Manager) Stop(identity string) {
	m.mu.Lock()
	sig, ok := m.active[identity]
	if ok {
		sig.cancel()
		delete(m.active, identity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.transport.StopTyping(context.Background(), identity); err != nil {
		m.logger.Warn("typing_stop_error", "identity", identity, "error", err.Error())
	}
	m.logger.Debug("typing_stopped", "identity", identity)
}

// StopAll cancels every refresh loop and best-effort stops every indicator,
// concurrently with a single join. Used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	identities := make([]string, 0, len(m.active))
	for identity, sig := range m.active {
		sig.cancel()
		identities = append(identities, identity)
		delete(m.active, identity)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, identity := range identities {
		g.Go(func() error {
			if err := m.transport.StopTyping(context.Background(), identity); err != nil {
				m.logger.Warn("typing_stop_error", "identity", identity, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()
}

// TaskID reports the task currently bound to an identity's indicator.
func (m *Manager) TaskID(identity string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.active[identity]
	if !ok {
		return "", false
	}
	return sig.taskID, true
}

func (m *Manager) run(ctx context.Context, identity string) {
	if err := m.transport.StartTyping(ctx, identity); err != nil {
		// Keep the loop alive: a transient error must not strand the user
		// without future refreshes.
		m.logger.Warn("typing_start_error", "identity", identity, "error", err.Error())
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx, identity)
		}
	}
}

// refresh bounces the indicator: stop, a short pause, start again.
func (m *Manager) refresh(ctx context.Context, identity string) {
	if err := m.transport.StopTyping(ctx, identity); err != nil {
		m.logger.Warn("typing_refresh_stop_error", "identity", identity, "error", err.Error())
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(m.restartDelay):
	}
	if err := m.transport.StartTyping(ctx, identity); err != nil {
		m.logger.Warn("typing_refresh_start_error", "identity", identity, "error", err.Error())
	}
}

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultThrottleInterval = 10 * time.Second
	DefaultPaceDelay        = 800 * time.Millisecond

	// StopReasonFinish and StopReasonAsk are the backend's well-known stop
	// reasons; anything else produces a generic stopped notice.
	StopReasonFinish = "finish"
	StopReasonAsk    = "ask"

	fallbackResultText = "Done. Let me know if you need anything else."
)

// Attachment is a file reference carried by a completion event.
type Attachment struct {
	Name string
	URL  string
}

// Messenger is the outbound surface of the messaging transport.
type Messenger interface {
	SendText(ctx context.Context, identity, text string) (string, error)
	SendAttachment(ctx context.Context, identity, name, url string) error
}

// Routes resolves task ids back to identities and retires routes after
// completion.
type Routes interface {
	Resolve(ctx context.Context, taskID string, now time.Time) (string, bool, error)
	Delete(ctx context.Context, taskID string) error
}

// Sessions is the fallback resolver for events whose route row already
// expired: scan for the session currently bound to the task.
type Sessions interface {
	IdentityForActiveTask(ctx context.Context, taskID string) (string, bool, error)
}

// Continuity receives the completion-side lifecycle transition.
type Continuity interface {
	BeginGrace(identity, taskID string)
}

// Typing is driven two ways: re-asserted on delivered progress (covers a
// refresh that failed silently) and stopped after a completion is delivered.
type Typing interface {
	Start(ctx context.Context, identity, taskID string)
	Stop(identity string)
}

// Notifier translates asynchronous task backend events into outbound messages
// with throttling and lifecycle side effects.
type Notifier struct {
	messenger  Messenger
	routes     Routes
	sessions   Sessions
	continuity Continuity
	typing     Typing
	logger     *slog.Logger

	throttle   time.Duration
	paceDelay  time.Duration
	chunkRunes int
	now        func() time.Time

	// onTaskEvent records delivered backend messages into classification
	// context.
	onTaskEvent func(identity, text string)

	mu       sync.Mutex
	lastSent map[string]time.Time
}

type Options struct {
	Messenger        Messenger
	Routes           Routes
	Sessions         Sessions
	Continuity       Continuity
	Typing           Typing
	Logger           *slog.Logger
	ThrottleInterval time.Duration
	PaceDelay        time.Duration
	ChunkRunes       int
	Now              func() time.Time
	OnTaskEvent      func(identity, text string)
}

func NewNotifier(opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	throttle := opts.ThrottleInterval
	if throttle <= 0 {
		throttle = DefaultThrottleInterval
	}
	paceDelay := opts.PaceDelay
	if paceDelay <= 0 {
		paceDelay = DefaultPaceDelay
	}
	chunkRunes := opts.ChunkRunes
	if chunkRunes <= 0 {
		chunkRunes = DefaultChunkRunes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		messenger:   opts.Messenger,
		routes:      opts.Routes,
		sessions:    opts.Sessions,
		continuity:  opts.Continuity,
		typing:      opts.Typing,
		logger:      logger,
		throttle:    throttle,
		paceDelay:   paceDelay,
		chunkRunes:  chunkRunes,
		now:         now,
		onTaskEvent: opts.OnTaskEvent,
		lastSent:    make(map[string]time.Time),
	}
}

// HandleProgress delivers a progress update, at most one per throttle window
// per (identity, task). In-window events are dropped, not queued: only the
// latest state matters, not history.
func (n *Notifier) HandleProgress(ctx context.Context, taskID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	identity, ok := n.resolve(ctx, taskID)
	if !ok {
		n.logger.Warn("task_event_unroutable", "task_id", taskID, "event", "progress")
		return
	}

	if !n.allowSend(identity, taskID) {
		n.logger.Debug("progress_throttled", "identity", identity, "task_id", taskID)
		return
	}
	if _, err := n.messenger.SendText(ctx, identity, text); err != nil {
		n.logger.Warn("progress_send_error", "identity", identity, "task_id", taskID, "error", err.Error())
		n.clearSent(identity, taskID)
		return
	}
	n.recordTaskEvent(identity, text)
	// Re-assert the indicator in case a refresh failed silently.
	n.typing.Start(ctx, identity, taskID)
	n.logger.Info("progress_delivered", "identity", identity, "task_id", taskID, "text_len", len(text))
}

// HandleStopped delivers a completion. Completions are never throttled and
// their text portion is always sent, whatever happens to attachments.
// Afterwards the session enters the grace period and the indicator stops.
func (n *Notifier) HandleStopped(ctx context.Context, taskID, reason, result string, attachments []Attachment) {
	identity, ok := n.resolve(ctx, taskID)
	if !ok {
		n.logger.Warn("task_event_unroutable", "task_id", taskID, "event", "stopped", "reason", reason)
		return
	}

	result = strings.TrimSpace(result)
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case StopReasonAsk:
		question := result
		if question == "" {
			question = "I need a bit more information to continue. What would you like me to do?"
		}
		n.send(ctx, identity, question)
	case StopReasonFinish, "":
		text := result
		if text == "" {
			text = fallbackResultText
		}
		chunks := splitChunks(text, n.chunkRunes)
		for i, chunk := range chunks {
			if i > 0 {
				// Keep the indicator alive between consecutive chunks and
				// pace them so the channel reads naturally.
				n.typing.Start(ctx, identity, taskID)
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.paceDelay):
				}
			}
			n.send(ctx, identity, chunk)
		}
	default:
		n.send(ctx, identity, fmt.Sprintf("The task stopped (%s).", reason))
	}
	if result != "" {
		n.recordTaskEvent(identity, result)
	}

	n.deliverAttachments(ctx, identity, taskID, attachments)

	n.continuity.BeginGrace(identity, taskID)
	n.typing.Stop(identity)
	if err := n.routes.Delete(ctx, taskID); err != nil {
		n.logger.Warn("route_delete_error", "task_id", taskID, "error", err.Error())
	}
	n.logger.Info("task_stopped_delivered", "identity", identity, "task_id", taskID, "reason", reason, "attachments", len(attachments))
}

// deliverAttachments tries native delivery first and falls back to download
// links. Failures here never suppress the already-sent text portion.
func (n *Notifier) deliverAttachments(ctx context.Context, identity, taskID string, attachments []Attachment) {
	var fallback []string
	for _, att := range attachments {
		if err := n.messenger.SendAttachment(ctx, identity, att.Name, att.URL); err != nil {
			n.logger.Warn("attachment_send_error", "identity", identity, "task_id", taskID, "name", att.Name, "error", err.Error())
			fallback = append(fallback, fmt.Sprintf("%s: %s", att.Name, att.URL))
		}
	}
	if len(fallback) > 0 {
		n.send(ctx, identity, "Attachments:\n"+strings.Join(fallback, "\n"))
	}
}

func (n *Notifier) send(ctx context.Context, identity, text string) {
	if _, err := n.messenger.SendText(ctx, identity, text); err != nil {
		n.logger.Warn("notify_send_error", "identity", identity, "error", err.Error())
	}
}

func (n *Notifier) resolve(ctx context.Context, taskID string) (string, bool) {
	identity, ok, err := n.routes.Resolve(ctx, taskID, n.now().UTC())
	if err != nil {
		n.logger.Warn("route_resolve_error", "task_id", taskID, "error", err.Error())
	}
	if ok {
		return identity, true
	}
	identity, ok, err = n.sessions.IdentityForActiveTask(ctx, taskID)
	if err != nil {
		n.logger.Warn("session_resolve_error", "task_id", taskID, "error", err.Error())
		return "", false
	}
	return identity, ok
}

func (n *Notifier) allowSend(identity, taskID string) bool {
	key := identity + "\x00" + taskID
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.throttle {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *Notifier) clearSent(identity, taskID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.lastSent, identity+"\x00"+taskID)
}

func (n *Notifier) recordTaskEvent(identity, text string) {
	if n.onTaskEvent != nil {
		n.onTaskEvent(identity, text)
	}
}

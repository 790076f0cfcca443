package coalesce

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultQuietWindow = 3 * time.Second

// Turn is one coalesced unit of user input handed to dispatch.
type Turn struct {
	Identity    string
	Text        string
	Attachments []string
	CreatedAt   time.Time
}

// Buffer merges rapid successive messages from the same identity into one
// pending turn so the bridge does not act on a half-typed thought. Text-only
// messages append and re-arm a quiet-window timer; a message carrying
// attachments flushes whatever is pending and then flushes itself immediately,
// so attachment turns are never merged with adjacent text.
type Buffer struct {
	window time.Duration
	sink   func(Turn)
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingTurn
	closed  bool
}

type pendingTurn struct {
	lines     []string
	createdAt time.Time
	timer     *time.Timer
}

type Options struct {
	Window time.Duration
	Sink   func(Turn)
	Logger *slog.Logger
	Now    func() time.Time
}

func NewBuffer(opts Options) *Buffer {
	window := opts.Window
	if window <= 0 {
		window = DefaultQuietWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		window:  window,
		sink:    opts.Sink,
		logger:  logger,
		now:     now,
		pending: make(map[string]*pendingTurn),
	}
}

// Add records one inbound message. It may synchronously emit up to two turns
// (the flushed pending text turn, then the attachment turn).
func (b *Buffer) Add(identity, text string, attachments []string) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return
	}

	var out []Turn
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(attachments) > 0 {
		if turn, ok := b.takeLocked(identity); ok {
			out = append(out, turn)
		}
		out = append(out, Turn{
			Identity:    identity,
			Text:        text,
			Attachments: append([]string(nil), attachments...),
			CreatedAt:   b.now().UTC(),
		})
		b.mu.Unlock()
		b.emit(out)
		return
	}

	p, ok := b.pending[identity]
	if !ok {
		p = &pendingTurn{createdAt: b.now().UTC()}
		b.pending[identity] = p
	}
	p.lines = append(p.lines, text)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(b.window, func() { b.flush(identity) })
	b.mu.Unlock()
}

// Flush force-emits the pending turn for an identity, if any.
func (b *Buffer) Flush(identity string) {
	b.flush(identity)
}

// Close cancels every outstanding timer. Pending turns are dropped, not
// flushed; a restart re-reads nothing because pending turns are transient.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for identity, p := range b.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(b.pending, identity)
	}
}

func (b *Buffer) flush(identity string) {
	b.mu.Lock()
	turn, ok := b.takeLocked(identity)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.emit([]Turn{turn})
}

// takeLocked removes and returns the pending turn. Caller holds b.mu.
func (b *Buffer) takeLocked(identity string) (Turn, bool) {
	p, ok := b.pending[identity]
	if !ok {
		return Turn{}, false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(b.pending, identity)
	return Turn{
		Identity:  identity,
		Text:      strings.Join(p.lines, "\n"),
		CreatedAt: p.createdAt,
	}, true
}

func (b *Buffer) emit(turns []Turn) {
	if b.sink == nil {
		return
	}
	for _, turn := range turns {
		b.logger.Debug("turn_flushed",
			"identity", turn.Identity,
			"text_len", len(turn.Text),
			"attachments", len(turn.Attachments),
		)
		b.sink(turn)
	}
}

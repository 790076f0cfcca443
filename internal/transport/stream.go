package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// EventAttachment is a file carried by an inbound message.
type EventAttachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// Event is one inbound message from the transport stream. Self-sent messages
// are surfaced with IsFromMe set so consumers can skip them.
type Event struct {
	Handle      string            `json:"handle"`
	Text        string            `json:"text,omitempty"`
	Attachments []EventAttachment `json:"attachments,omitempty"`
	IsFromMe    bool              `json:"is_from_me,omitempty"`
	SentAt      time.Time         `json:"sent_at,omitempty"`
}

type streamEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event,omitempty"`
}

// Stream consumes the transport's websocket feed and reconnects with backoff
// when the connection drops.
type Stream struct {
	url     string
	token   string
	logger  *slog.Logger
	backoff time.Duration
	dial    func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)
}

type StreamOptions struct {
	URL     string
	Token   string
	Logger  *slog.Logger
	Backoff time.Duration
}

func NewStream(opts StreamOptions) *Stream {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Stream{
		url:     strings.TrimSpace(opts.URL),
		token:   strings.TrimSpace(opts.Token),
		logger:  logger,
		backoff: backoff,
		dial: func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			dialer := *websocket.DefaultDialer
			conn, _, err := dialer.DialContext(ctx, url, header)
			return conn, err
		},
	}
}

// Run consumes events until ctx is canceled, calling handle for each message
// event. Connection drops log and reconnect; handle errors log and continue.
func (s *Stream) Run(ctx context.Context, handle func(Event)) error {
	if s.url == "" {
		return errors.New("stream url is required")
	}
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	for {
		if ctx.Err() != nil {
			s.logger.Info("stream_stop", "reason", "context_canceled")
			return nil
		}
		conn, err := s.dial(ctx, s.url, header)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("stream_stop", "reason", "context_canceled")
				return nil
			}
			s.logger.Warn("stream_connect_error", "error", err.Error())
			if err := sleepWithContext(ctx, s.backoff); err != nil {
				return nil
			}
			continue
		}
		s.logger.Info("stream_connected", "url", s.url)
		readErr := s.consume(ctx, conn, handle)
		_ = conn.Close()
		if readErr != nil && !errors.Is(readErr, context.Canceled) {
			s.logger.Warn("stream_read_error", "error", readErr.Error())
		}
	}
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn, handle func(Event)) error {
	// Unblock ReadMessage when the context is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var envelope streamEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			s.logger.Warn("stream_decode_error", "error", err.Error())
			continue
		}
		if envelope.Type != "message" {
			continue
		}
		var event Event
		if err := json.Unmarshal(envelope.Event, &event); err != nil {
			s.logger.Warn("stream_decode_error", "error", err.Error())
			continue
		}
		if strings.TrimSpace(event.Handle) == "" {
			continue
		}
		handle(event)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

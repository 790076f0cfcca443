package chathistory

import (
	"sync"
	"time"
)

const DefaultCap = 50

type Role string

const (
	// RoleUser is an inbound message from the identity.
	RoleUser Role = "user"
	// RoleAgent is a message the bridge itself sent as a direct reply. These
	// are excluded from classification context.
	RoleAgent Role = "agent"
	// RoleTaskEvent is a progress/result message from the task backend. These
	// carry conversation-relevant context and are included.
	RoleTaskEvent Role = "task_event"
)

type Item struct {
	Role   Role
	Text   string
	SentAt time.Time
}

// Store keeps a capped per-identity ring of recent messages for building
// classification context. It is in-memory only; losing it on restart costs one
// classification's worth of context, nothing durable.
type Store struct {
	mu    sync.Mutex
	cap   int
	items map[string][]Item
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Store{
		cap:   capacity,
		items: make(map[string][]Item),
	}
}

func (s *Store) Append(identity string, role Role, text string, sentAt time.Time) {
	if identity == "" || text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := append(s.items[identity], Item{Role: role, Text: text, SentAt: sentAt})
	if len(cur) > s.cap {
		cur = cur[len(cur)-s.cap:]
	}
	s.items[identity] = cur
}

// Since returns up to max items at or after floor, oldest first, excluding
// RoleAgent items.
func (s *Store) Since(identity string, floor time.Time, max int) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, item := range s.items[identity] {
		if item.Role == RoleAgent {
			continue
		}
		if !floor.IsZero() && item.SentAt.Before(floor) {
			continue
		}
		out = append(out, item)
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

package chathistory

import (
	"fmt"
	"testing"
	"time"
)

func TestSinceExcludesAgentReplies(t *testing.T) {
	store := NewStore(10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store.Append("u1", RoleUser, "book a flight", base)
	store.Append("u1", RoleAgent, "on it", base.Add(time.Second))
	store.Append("u1", RoleTaskEvent, "searching flights", base.Add(2*time.Second))
	store.Append("u1", RoleUser, "make it business class", base.Add(3*time.Second))

	items := store.Since("u1", time.Time{}, 20)
	if len(items) != 3 {
		t.Fatalf("Since() returned %d items, want 3", len(items))
	}
	for _, item := range items {
		if item.Role == RoleAgent {
			t.Fatalf("agent reply leaked into context: %+v", item)
		}
	}
}

func TestSinceHonorsFloorAndMax(t *testing.T) {
	store := NewStore(10)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		store.Append("u2", RoleUser, fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	items := store.Since("u2", base.Add(2*time.Minute), 20)
	if len(items) != 4 {
		t.Fatalf("Since(floor) returned %d items, want 4", len(items))
	}
	if items[0].Text != "msg-2" {
		t.Fatalf("oldest item = %q, want msg-2", items[0].Text)
	}

	items = store.Since("u2", time.Time{}, 2)
	if len(items) != 2 || items[1].Text != "msg-5" {
		t.Fatalf("Since(max=2) = %v", items)
	}
}

func TestCapTrimsOldest(t *testing.T) {
	store := NewStore(3)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		store.Append("u3", RoleUser, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
	}
	items := store.Since("u3", time.Time{}, 0)
	if len(items) != 3 || items[0].Text != "m2" {
		t.Fatalf("capped items = %v", items)
	}
}

func TestUnknownIdentityIsEmpty(t *testing.T) {
	store := NewStore(3)
	if items := store.Since("nobody", time.Time{}, 5); len(items) != 0 {
		t.Fatalf("Since() for unknown identity = %v", items)
	}
}

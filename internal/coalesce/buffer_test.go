package coalesce

import (
	"testing"
	"time"
)

func collectTurns(buf chan Turn) func(Turn) {
	return func(t Turn) { buf <- t }
}

func waitTurn(t *testing.T, ch chan Turn, timeout time.Duration) Turn {
	t.Helper()
	select {
	case turn := <-ch:
		return turn
	case <-time.After(timeout):
		t.Fatalf("no turn flushed within %v", timeout)
		return Turn{}
	}
}

func assertNoTurn(t *testing.T, ch chan Turn, wait time.Duration) {
	t.Helper()
	select {
	case turn := <-ch:
		t.Fatalf("unexpected turn flushed: %+v", turn)
	case <-time.After(wait):
	}
}

func TestTextBurstCoalescesIntoOneTurn(t *testing.T) {
	ch := make(chan Turn, 4)
	buf := NewBuffer(Options{Window: 40 * time.Millisecond, Sink: collectTurns(ch)})
	defer buf.Close()

	buf.Add("+15551234567", "book a flight to Tokyo", nil)
	time.Sleep(10 * time.Millisecond)
	buf.Add("+15551234567", "for next Friday", nil)

	turn := waitTurn(t, ch, time.Second)
	if turn.Text != "book a flight to Tokyo\nfor next Friday" {
		t.Fatalf("coalesced text = %q", turn.Text)
	}
	assertNoTurn(t, ch, 100*time.Millisecond)
}

func TestQuietWindowRestartsOnEachMessage(t *testing.T) {
	ch := make(chan Turn, 4)
	buf := NewBuffer(Options{Window: 60 * time.Millisecond, Sink: collectTurns(ch)})
	defer buf.Close()

	buf.Add("u1", "one", nil)
	time.Sleep(40 * time.Millisecond)
	buf.Add("u1", "two", nil)
	time.Sleep(40 * time.Millisecond)
	buf.Add("u1", "three", nil)

	// 80ms in, nothing flushed yet because every message re-armed the timer.
	turn := waitTurn(t, ch, time.Second)
	if turn.Text != "one\ntwo\nthree" {
		t.Fatalf("coalesced text = %q", turn.Text)
	}
}

func TestAttachmentsNeverMergeWithText(t *testing.T) {
	ch := make(chan Turn, 4)
	buf := NewBuffer(Options{Window: 50 * time.Millisecond, Sink: collectTurns(ch)})
	defer buf.Close()

	buf.Add("u2", "look at this", nil)
	buf.Add("u2", "", []string{"/tmp/photo.jpg"})

	first := waitTurn(t, ch, time.Second)
	if first.Text != "look at this" || len(first.Attachments) != 0 {
		t.Fatalf("pending text turn = %+v", first)
	}
	second := waitTurn(t, ch, time.Second)
	if len(second.Attachments) != 1 || second.Attachments[0] != "/tmp/photo.jpg" {
		t.Fatalf("attachment turn = %+v", second)
	}

	// Text arriving after an attachment turn starts a fresh pending turn.
	buf.Add("u2", "thanks", nil)
	third := waitTurn(t, ch, time.Second)
	if third.Text != "thanks" {
		t.Fatalf("followup turn = %+v", third)
	}
}

func TestIdentitiesBufferIndependently(t *testing.T) {
	ch := make(chan Turn, 4)
	buf := NewBuffer(Options{Window: 40 * time.Millisecond, Sink: collectTurns(ch)})
	defer buf.Close()

	buf.Add("a", "from a", nil)
	buf.Add("b", "from b", nil)

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		turn := waitTurn(t, ch, time.Second)
		got[turn.Identity] = turn.Text
	}
	if got["a"] != "from a" || got["b"] != "from b" {
		t.Fatalf("turns = %v", got)
	}
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	ch := make(chan Turn, 4)
	buf := NewBuffer(Options{Window: 30 * time.Millisecond, Sink: collectTurns(ch)})

	buf.Add("u3", "never flushed", nil)
	buf.Close()
	assertNoTurn(t, ch, 80*time.Millisecond)

	// Add after close is a no-op.
	buf.Add("u3", "late", nil)
	assertNoTurn(t, ch, 80*time.Millisecond)
}

func TestEmptyMessageIsIgnored(t *testing.T) {
	ch := make(chan Turn, 1)
	buf := NewBuffer(Options{Window: 20 * time.Millisecond, Sink: collectTurns(ch)})
	defer buf.Close()

	buf.Add("u4", "   ", nil)
	assertNoTurn(t, ch, 60*time.Millisecond)
}

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSendTextReturnsMessageID(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "m-42"})
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), srv.URL, "secret-token")
	id, err := client.SendText(context.Background(), "user@example.com", "hello")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if id != "m-42" {
		t.Fatalf("message id = %q, want m-42", id)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody["handle"] != "user@example.com" || gotBody["text"] != "hello" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestSendTextSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "token_revoked"})
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), srv.URL, "secret-token")
	if _, err := client.SendText(context.Background(), "u1", "hello"); err == nil || !strings.Contains(err.Error(), "token_revoked") {
		t.Fatalf("SendText() error = %v, want token_revoked", err)
	}
}

func TestSendTextValidatesInput(t *testing.T) {
	client := NewClient(nil, "http://localhost:0", "tok")
	if _, err := client.SendText(context.Background(), "", "hello"); err == nil {
		t.Fatal("expected error for empty handle")
	}
	if _, err := client.SendText(context.Background(), "u1", "   "); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestTypingActions(t *testing.T) {
	var mu sync.Mutex
	var actions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		actions = append(actions, body["action"])
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), srv.URL, "tok")
	if err := client.StartTyping(context.Background(), "u1"); err != nil {
		t.Fatalf("StartTyping() error = %v", err)
	}
	if err := client.StopTyping(context.Background(), "u1"); err != nil {
		t.Fatalf("StopTyping() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(actions) != 2 || actions[0] != "start" || actions[1] != "stop" {
		t.Fatalf("actions = %v", actions)
	}
}

func TestSendAttachmentNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported media", http.StatusUnsupportedMediaType)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), srv.URL, "tok")
	err := client.SendAttachment(context.Background(), "u1", "a.pdf", "https://files/a.pdf")
	if err == nil || !strings.Contains(err.Error(), "415") {
		t.Fatalf("SendAttachment() error = %v, want http 415", err)
	}
}

func TestStreamDeliversMessageEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		frames := []string{
			`{"type":"hello"}`,
			`{"type":"message","event":{"handle":"u1","text":"hi there"}}`,
			`{"type":"message","event":{"handle":"u1","is_from_me":true,"text":"echo"}}`,
			`{"type":"message","event":{"handle":"","text":"dropped"}}`,
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewStream(StreamOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []Event
	go func() {
		_ = stream.Run(ctx, func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			if len(events) == 2 {
				cancel()
			}
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d events, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if events[0].Handle != "u1" || events[0].Text != "hi there" || events[0].IsFromMe {
		t.Fatalf("first event = %+v", events[0])
	}
	if !events[1].IsFromMe {
		t.Fatalf("second event should carry is_from_me: %+v", events[1])
	}
}

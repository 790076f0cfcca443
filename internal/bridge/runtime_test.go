package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/taskbridge/internal/chathistory"
	"github.com/quailyquaily/taskbridge/internal/classify"
	"github.com/quailyquaily/taskbridge/internal/continuity"
	"github.com/quailyquaily/taskbridge/internal/dispatch"
	"github.com/quailyquaily/taskbridge/internal/transport"
)

type fakeState struct {
	mu    sync.Mutex
	tasks map[string]continuity.TaskState
}

func newFakeState() *fakeState {
	return &fakeState{tasks: make(map[string]continuity.TaskState)}
}

func (s *fakeState) TaskState(_ context.Context, identity string) (continuity.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[identity], nil
}

func (s *fakeState) AssignTask(_ context.Context, identity, taskID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[identity] = continuity.TaskState{ActiveTaskID: taskID, TaskStartedAt: startedAt}
	return nil
}

func (s *fakeState) ClearTaskIf(_ context.Context, identity, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[identity].ActiveTaskID != taskID {
		return false, nil
	}
	delete(s.tasks, identity)
	return true, nil
}

type fakeTasks struct {
	mu        sync.Mutex
	created   []string
	continued []string
	uploads   []string
	nextID    string
	rotateTo  string
}

func (f *fakeTasks) CreateTask(_ context.Context, prompt string, attachmentIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, prompt+"|"+strings.Join(attachmentIDs, ","))
	return f.nextID, nil
}

func (f *fakeTasks) ContinueTask(_ context.Context, taskID, prompt string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued = append(f.continued, taskID+"|"+prompt)
	if f.rotateTo != "" {
		return f.rotateTo, nil
	}
	return taskID, nil
}

func (f *fakeTasks) UploadFile(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, path)
	return "file-" + filepath.Base(path), nil
}

type fakeBridgeMessenger struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeBridgeMessenger) SendText(_ context.Context, identity, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, identity+"|"+text)
	return "m1", nil
}

func (f *fakeBridgeMessenger) SendAttachment(context.Context, string, string, string) error {
	return nil
}

func (f *fakeBridgeMessenger) StartTyping(context.Context, string) error { return nil }
func (f *fakeBridgeMessenger) StopTyping(context.Context, string) error  { return nil }

type fakeBridgeRoutes struct {
	mu     sync.Mutex
	byTask map[string]string
}

func newFakeBridgeRoutes() *fakeBridgeRoutes {
	return &fakeBridgeRoutes{byTask: make(map[string]string)}
}

func (f *fakeBridgeRoutes) Put(_ context.Context, taskID, identity string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byTask[taskID] = identity
	return nil
}

func (f *fakeBridgeRoutes) Resolve(_ context.Context, taskID string, _ time.Time) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.byTask[taskID]
	return identity, ok, nil
}

func (f *fakeBridgeRoutes) Delete(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byTask, taskID)
	return nil
}

func (f *fakeBridgeRoutes) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type recordingClassifier struct {
	mu       sync.Mutex
	label    classify.Label
	contexts [][]classify.Message
}

func (c *recordingClassifier) Classify(_ context.Context, _ string, history []classify.Message) (classify.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts = append(c.contexts, append([]classify.Message(nil), history...))
	return classify.Decision{Label: c.label, Confidence: 0.9}, nil
}

type idleStream struct{}

func (idleStream) Run(ctx context.Context, _ func(transport.Event)) error {
	<-ctx.Done()
	return nil
}

func newTestRuntime(t *testing.T, tasks *fakeTasks, classifier classify.Classifier) (*Runtime, *fakeState, *fakeBridgeRoutes) {
	t.Helper()
	state := newFakeState()
	routes := newFakeBridgeRoutes()
	rt, err := New(Options{
		Stream:     idleStream{},
		Messenger:  &fakeBridgeMessenger{},
		Tasks:      tasks,
		Classifier: classifier,
		State:      state,
		Routes:     routes,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		rt.registry.Shutdown()
		rt.typing.StopAll()
		rt.continuity.Close()
	})
	return rt, state, routes
}

func TestHandleJobCreatesTaskWhenIdle(t *testing.T) {
	tasks := &fakeTasks{nextID: "task-1"}
	classifier := &recordingClassifier{label: classify.LabelFollowUp}
	rt, state, routes := newTestRuntime(t, tasks, classifier)

	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j1", Identity: "u1", Text: "book a flight"})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	// No active task means no context, which forces a new task even though
	// the classifier leans follow-up.
	if len(tasks.created) != 1 || len(tasks.continued) != 0 {
		t.Fatalf("created=%v continued=%v", tasks.created, tasks.continued)
	}
	got, _ := state.TaskState(context.Background(), "u1")
	if got.ActiveTaskID != "task-1" {
		t.Fatalf("active task = %q", got.ActiveTaskID)
	}
	if identity, ok, _ := routes.Resolve(context.Background(), "task-1", time.Now()); !ok || identity != "u1" {
		t.Fatalf("route for task-1 = %q ok=%v", identity, ok)
	}
	if taskID, ok := rt.typing.TaskID("u1"); !ok || taskID != "task-1" {
		t.Fatalf("typing task = %q ok=%v", taskID, ok)
	}
}

func TestHandleJobContinuesActiveTask(t *testing.T) {
	tasks := &fakeTasks{nextID: "task-1"}
	classifier := &recordingClassifier{label: classify.LabelFollowUp}
	rt, state, _ := newTestRuntime(t, tasks, classifier)

	started := time.Now().UTC().Add(-time.Minute)
	if err := state.AssignTask(context.Background(), "u1", "task-1", started); err != nil {
		t.Fatal(err)
	}
	rt.history.Append("u1", chathistory.RoleUser, "book a flight", started.Add(time.Second))

	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j2", Identity: "u1", Text: "make it business class"})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	if len(tasks.continued) != 1 || tasks.continued[0] != "task-1|make it business class" {
		t.Fatalf("continued = %v", tasks.continued)
	}
	if len(tasks.created) != 0 {
		t.Fatalf("created = %v, want none", tasks.created)
	}
	// The context floor stays put on resume so later follow-ups still see
	// the whole task's history.
	got, _ := state.TaskState(context.Background(), "u1")
	if !got.TaskStartedAt.Equal(started) {
		t.Fatalf("task started at = %v, want %v", got.TaskStartedAt, started)
	}
}

func TestHandleJobAdoptsRotatedTaskID(t *testing.T) {
	tasks := &fakeTasks{rotateTo: "task-2"}
	classifier := &recordingClassifier{label: classify.LabelFollowUp}
	rt, state, routes := newTestRuntime(t, tasks, classifier)

	if err := state.AssignTask(context.Background(), "u1", "task-1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	rt.history.Append("u1", chathistory.RoleUser, "start", time.Now().UTC())

	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j3", Identity: "u1", Text: "go on"})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	got, _ := state.TaskState(context.Background(), "u1")
	if got.ActiveTaskID != "task-2" {
		t.Fatalf("active task = %q, want rotated task-2", got.ActiveTaskID)
	}
	if identity, ok, _ := routes.Resolve(context.Background(), "task-2", time.Now()); !ok || identity != "u1" {
		t.Fatalf("route for rotated id = %q ok=%v", identity, ok)
	}
}

func TestHandleJobClearsBeforeNewTask(t *testing.T) {
	tasks := &fakeTasks{nextID: "task-2"}
	classifier := &recordingClassifier{label: classify.LabelNewTask}
	rt, state, _ := newTestRuntime(t, tasks, classifier)

	if err := state.AssignTask(context.Background(), "u1", "task-1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	rt.history.Append("u1", chathistory.RoleUser, "old topic", time.Now().UTC())

	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j4", Identity: "u1", Text: "different thing entirely"})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	got, _ := state.TaskState(context.Background(), "u1")
	if got.ActiveTaskID != "task-2" {
		t.Fatalf("active task = %q, want task-2", got.ActiveTaskID)
	}
	if len(tasks.created) != 1 {
		t.Fatalf("created = %v", tasks.created)
	}
}

func TestHandleJobPassesTaskContextToClassifier(t *testing.T) {
	tasks := &fakeTasks{nextID: "task-1"}
	classifier := &recordingClassifier{label: classify.LabelFollowUp}
	rt, state, _ := newTestRuntime(t, tasks, classifier)

	started := time.Now().UTC().Add(-time.Minute)
	if err := state.AssignTask(context.Background(), "u1", "task-1", started); err != nil {
		t.Fatal(err)
	}
	rt.history.Append("u1", chathistory.RoleUser, "before the task", started.Add(-time.Hour))
	rt.history.Append("u1", chathistory.RoleUser, "inside the task", started.Add(time.Second))

	if err := rt.handleJob(context.Background(), dispatch.Job{ID: "j5", Identity: "u1", Text: "follow up"}); err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	classifier.mu.Lock()
	defer classifier.mu.Unlock()
	if len(classifier.contexts) != 1 {
		t.Fatalf("classifier calls = %d", len(classifier.contexts))
	}
	ctx := classifier.contexts[0]
	if len(ctx) != 1 || ctx[0].Text != "inside the task" {
		t.Fatalf("classifier context = %v, want only in-task history", ctx)
	}
}

func TestHandleJobUploadsAttachments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "itinerary.pdf")
	if err := os.WriteFile(path, []byte("pdf"), 0o600); err != nil {
		t.Fatal(err)
	}

	tasks := &fakeTasks{nextID: "task-1"}
	rt, _, _ := newTestRuntime(t, tasks, &recordingClassifier{label: classify.LabelNewTask})

	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j6", Identity: "u1", Text: "look at this", Attachments: []string{path}})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	if len(tasks.uploads) != 1 || tasks.uploads[0] != path {
		t.Fatalf("uploads = %v", tasks.uploads)
	}
	if len(tasks.created) != 1 || !strings.Contains(tasks.created[0], "file-itinerary.pdf") {
		t.Fatalf("created = %v, want attachment id threaded through", tasks.created)
	}
}

func TestAttachmentOnlyTurnSkipsClassifier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	if err := os.WriteFile(path, []byte("jpg"), 0o600); err != nil {
		t.Fatal(err)
	}

	tasks := &fakeTasks{nextID: "task-1"}
	classifier := &recordingClassifier{label: classify.LabelNewTask}
	rt, state, _ := newTestRuntime(t, tasks, classifier)

	// Idle: attachments alone seed a new task.
	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j7", Identity: "u1", Attachments: []string{path}})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}
	if len(tasks.created) != 1 {
		t.Fatalf("created = %v", tasks.created)
	}

	// Active: attachments append to the running task.
	if err := state.AssignTask(context.Background(), "u1", "task-1", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	err = rt.handleJob(context.Background(), dispatch.Job{ID: "j8", Identity: "u1", Attachments: []string{path}})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}
	if len(tasks.continued) != 1 {
		t.Fatalf("continued = %v", tasks.continued)
	}

	classifier.mu.Lock()
	defer classifier.mu.Unlock()
	if len(classifier.contexts) != 0 {
		t.Fatalf("classifier was called %d times for attachment-only turns", len(classifier.contexts))
	}
}

func TestHandleEventRoutesHistoryAndTurns(t *testing.T) {
	tasks := &fakeTasks{nextID: "task-1"}
	rt, _, _ := newTestRuntime(t, tasks, &recordingClassifier{label: classify.LabelNewTask})

	rt.handleEvent(transport.Event{Handle: "u1", Text: "hello", IsFromMe: true})
	rt.handleEvent(transport.Event{Handle: "u1", Text: "real message"})
	rt.handleEvent(transport.Event{Handle: "u1"})

	// Flush the coalescer instead of waiting out the quiet window.
	rt.coalescer.Flush("u1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		tasks.mu.Lock()
		n := len(tasks.created)
		tasks.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("created tasks = %d, want 1", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The flushed turn is in history for later classifications; the self-sent
	// and empty events are not.
	items := rt.history.Since("u1", time.Time{}, 10)
	if len(items) != 1 || items[0].Text != "real message" {
		t.Fatalf("history = %v, want only the user message", items)
	}
}

func TestTurnTextExcludedFromOwnContext(t *testing.T) {
	tasks := &fakeTasks{nextID: "task-1"}
	classifier := &recordingClassifier{label: classify.LabelFollowUp}
	rt, state, _ := newTestRuntime(t, tasks, classifier)

	started := time.Now().UTC().Add(-time.Minute)
	if err := state.AssignTask(context.Background(), "u1", "task-1", started); err != nil {
		t.Fatal(err)
	}
	rt.history.Append("u1", chathistory.RoleUser, "inside the task", started.Add(time.Second))

	// Mirror dispatchTurn: the turn lands in history at the flush instant the
	// job is stamped with.
	flushedAt := time.Now().UTC()
	rt.history.Append("u1", chathistory.RoleUser, "follow up", flushedAt)

	err := rt.handleJob(context.Background(), dispatch.Job{ID: "j9", Identity: "u1", Text: "follow up", EnqueuedAt: flushedAt})
	if err != nil {
		t.Fatalf("handleJob() error = %v", err)
	}

	classifier.mu.Lock()
	defer classifier.mu.Unlock()
	if len(classifier.contexts) != 1 {
		t.Fatalf("classifier calls = %d", len(classifier.contexts))
	}
	ctx := classifier.contexts[0]
	if len(ctx) != 1 || ctx[0].Text != "inside the task" {
		t.Fatalf("classifier context = %v, want turn's own text excluded", ctx)
	}
}

// Package bridge wires the inbound message stream, the coalescing buffer, the
// per-identity dispatchers, the task classifier and the task backend into one
// runtime.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quailyquaily/taskbridge/internal/chathistory"
	"github.com/quailyquaily/taskbridge/internal/classify"
	"github.com/quailyquaily/taskbridge/internal/coalesce"
	"github.com/quailyquaily/taskbridge/internal/continuity"
	"github.com/quailyquaily/taskbridge/internal/dispatch"
	"github.com/quailyquaily/taskbridge/internal/notify"
	"github.com/quailyquaily/taskbridge/internal/transport"
	"github.com/quailyquaily/taskbridge/internal/typing"
	"github.com/quailyquaily/taskbridge/internal/webhook"
)

type Runtime struct {
	logger *slog.Logger

	stream    EventSource
	messenger Messenger
	tasks     TaskBackend
	routes    Routes

	history    *chathistory.Store
	coalescer  *coalesce.Buffer
	registry   *dispatch.Registry
	gateway    *classify.Gateway
	continuity *continuity.Manager
	typing     *typing.Manager
	notifier   *notify.Notifier
	webhook    *webhook.Server

	listIdentities func(ctx context.Context) ([]string, error)
	fetch          *http.Client

	contextMax         int
	reconcileInterval  time.Duration
	routePurgeInterval time.Duration
}

func New(opts Options) (*Runtime, error) {
	if opts.Stream == nil {
		return nil, errors.New("bridge: stream is required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("bridge: messenger is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("bridge: task backend is required")
	}
	if opts.State == nil || opts.Routes == nil {
		return nil, errors.New("bridge: state and routes are required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	contextMax := opts.ContextMax
	if contextMax <= 0 {
		contextMax = DefaultContextMax
	}
	reconcileInterval := opts.ReconcileInterval
	if reconcileInterval <= 0 {
		reconcileInterval = dispatch.DefaultReconcileInterval
	}
	routePurgeInterval := opts.RoutePurgeInterval
	if routePurgeInterval <= 0 {
		routePurgeInterval = DefaultRoutePurgeInterval
	}

	r := &Runtime{
		logger:             logger,
		stream:             opts.Stream,
		messenger:          opts.Messenger,
		tasks:              opts.Tasks,
		routes:             opts.Routes,
		listIdentities:     opts.ListIdentities,
		fetch:              &http.Client{Timeout: 60 * time.Second},
		contextMax:         contextMax,
		reconcileInterval:  reconcileInterval,
		routePurgeInterval: routePurgeInterval,
	}

	r.history = chathistory.NewStore(opts.HistoryCap)
	r.gateway = classify.NewGateway(opts.Classifier, logger)
	r.continuity = continuity.NewManager(continuity.Options{
		Store:       opts.State,
		Logger:      logger,
		GracePeriod: opts.GracePeriod,
	})
	r.typing = typing.NewManager(typing.Options{
		Transport:       opts.Messenger,
		Logger:          logger,
		RefreshInterval: opts.TypingRefreshInterval,
	})
	r.notifier = notify.NewNotifier(notify.Options{
		Messenger:        opts.Messenger,
		Routes:           opts.Routes,
		Sessions:         r.lookupOrNone(opts.TaskLookup),
		Continuity:       r.continuity,
		Typing:           r.typing,
		Logger:           logger,
		ThrottleInterval: opts.ThrottleInterval,
		PaceDelay:        opts.PaceDelay,
		ChunkRunes:       opts.ChunkRunes,
		OnTaskEvent: func(identity, text string) {
			r.history.Append(identity, chathistory.RoleTaskEvent, text, time.Now().UTC())
		},
	})
	r.registry = dispatch.NewRegistry(context.Background(), dispatch.RegistryOptions{
		Handler:        r.handleJob,
		Log:            opts.JobLog,
		Logger:         logger,
		QueueCap:       opts.QueueCap,
		MaxConcurrency: opts.MaxConcurrency,
		MaxAttempts:    opts.MaxAttempts,
		BackoffBase:    opts.BackoffBase,
	})
	r.coalescer = coalesce.NewBuffer(coalesce.Options{
		Window: opts.CoalesceWindow,
		Sink:   r.dispatchTurn,
		Logger: logger,
	})
	if strings.TrimSpace(opts.WebhookAddr) != "" {
		r.webhook = webhook.NewServer(webhook.Options{
			Addr:   opts.WebhookAddr,
			Token:  opts.WebhookToken,
			Sink:   eventSink{notifier: r.notifier},
			Logger: logger,
		})
	}
	return r, nil
}

// Notifier exposes the event sink for callers that intake task events through
// their own server instead of the built-in webhook listener.
func (r *Runtime) Notifier() *notify.Notifier {
	return r.notifier
}

// Run consumes the stream and serves webhooks until ctx is canceled, then
// tears the pipeline down in order.
func (r *Runtime) Run(ctx context.Context) error {
	if r.listIdentities != nil {
		r.registry.StartReconciler(r.reconcileInterval, r.listIdentities)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.stream.Run(gctx, r.handleEvent)
	})
	if r.webhook != nil {
		g.Go(func() error {
			err := r.webhook.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return r.webhook.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		r.purgeLoop(gctx)
		return nil
	})

	err := g.Wait()

	r.coalescer.Close()
	r.registry.Shutdown()
	r.typing.StopAll()
	r.continuity.Close()
	r.logger.Info("bridge_stopped")
	return err
}

// handleEvent records history for every message and feeds user turns into the
// coalescer. Self-sent messages only land in history so the classifier can
// see both sides of the conversation.
func (r *Runtime) handleEvent(ev transport.Event) {
	identity := strings.TrimSpace(ev.Handle)
	text := strings.TrimSpace(ev.Text)
	sentAt := ev.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	if ev.IsFromMe {
		if text != "" {
			r.history.Append(identity, chathistory.RoleAgent, text, sentAt)
		}
		return
	}

	attachments := make([]string, 0, len(ev.Attachments))
	for _, att := range ev.Attachments {
		if url := strings.TrimSpace(att.URL); url != "" {
			attachments = append(attachments, url)
		}
	}
	if text == "" && len(attachments) == 0 {
		return
	}
	r.coalescer.Add(identity, text, attachments)
}

// dispatchTurn lands the coalesced text in history and queues the job. The
// append happens here, at the flush instant, so the classifier context stays
// strictly older than the turn it classifies.
func (r *Runtime) dispatchTurn(turn coalesce.Turn) {
	flushedAt := time.Now().UTC()
	if turn.Text != "" {
		r.history.Append(turn.Identity, chathistory.RoleUser, turn.Text, flushedAt)
	}
	job := dispatch.Job{
		ID:          uuid.NewString(),
		Identity:    turn.Identity,
		Text:        turn.Text,
		Attachments: turn.Attachments,
		EnqueuedAt:  flushedAt,
	}
	if err := r.registry.Enqueue(context.Background(), job); err != nil {
		r.logger.Error("turn_enqueue_error", "identity", turn.Identity, "error", err.Error())
	}
}

// handleJob routes one coalesced turn: classify against the active task's
// context, then continue it or start a fresh one. Errors propagate into the
// dispatcher's retry policy.
func (r *Runtime) handleJob(ctx context.Context, job dispatch.Job) error {
	attachmentIDs, err := r.stageAttachments(ctx, job.Attachments)
	if err != nil {
		return fmt.Errorf("stage attachments: %w", err)
	}

	state, err := r.continuity.State(ctx, job.Identity)
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}

	// Attachment-only turns skip classification: files go to the active task
	// when there is one, otherwise they seed a new task on their own.
	if strings.TrimSpace(job.Text) == "" && len(attachmentIDs) > 0 {
		decision := classify.Decision{Label: classify.LabelNewTask, Confidence: 1}
		if state.Active() {
			decision.Label = classify.LabelFollowUp
		}
		return r.routeDecision(ctx, job, state, decision, attachmentIDs)
	}

	var history []classify.Message
	if state.Active() {
		for _, item := range r.history.Since(job.Identity, state.TaskStartedAt, r.contextMax) {
			// The turn itself landed in history at flush time; context is
			// everything strictly before it.
			if !job.EnqueuedAt.IsZero() && !item.SentAt.Before(job.EnqueuedAt) {
				continue
			}
			history = append(history, classify.Message{Role: string(item.Role), Text: item.Text})
		}
	}
	decision := r.gateway.Decide(ctx, job.Text, history)
	return r.routeDecision(ctx, job, state, decision, attachmentIDs)
}

// routeDecision executes the verdict: continue the active task or clear it
// and start a fresh one.
func (r *Runtime) routeDecision(ctx context.Context, job dispatch.Job, state continuity.TaskState, decision classify.Decision, attachmentIDs []string) error {
	if decision.Label == classify.LabelFollowUp && state.Active() {
		taskID, err := r.tasks.ContinueTask(ctx, state.ActiveTaskID, job.Text, attachmentIDs)
		if err != nil {
			return fmt.Errorf("continue task %s: %w", state.ActiveTaskID, err)
		}
		if err := r.continuity.Resume(ctx, job.Identity, taskID); err != nil {
			return fmt.Errorf("resume task: %w", err)
		}
		r.bindTask(ctx, job.Identity, taskID)
		r.logger.Info("task_continued",
			"identity", job.Identity,
			"task_id", taskID,
			"low_confidence", decision.LowConfidence,
		)
		return nil
	}

	// A fresh start. Any previous task is cleared first so its context does
	// not bleed into the new one.
	if state.Active() {
		if err := r.continuity.Clear(ctx, job.Identity, state.ActiveTaskID); err != nil {
			return fmt.Errorf("clear previous task: %w", err)
		}
	}
	taskID, err := r.tasks.CreateTask(ctx, job.Text, attachmentIDs)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := r.continuity.Activate(ctx, job.Identity, taskID); err != nil {
		return fmt.Errorf("activate task: %w", err)
	}
	r.bindTask(ctx, job.Identity, taskID)
	r.logger.Info("task_created",
		"identity", job.Identity,
		"task_id", taskID,
		"low_confidence", decision.LowConfidence,
	)
	return nil
}

// bindTask records the route for webhook delivery and lights the typing
// indicator. Both are best effort: the task is already running.
func (r *Runtime) bindTask(ctx context.Context, identity, taskID string) {
	if err := r.routes.Put(ctx, taskID, identity, time.Now().UTC()); err != nil {
		r.logger.Warn("route_put_error", "identity", identity, "task_id", taskID, "error", err.Error())
	}
	r.typing.Start(ctx, identity, taskID)
}

// stageAttachments makes inbound attachments available to the task backend:
// remote ones are fetched to a temp file first, local paths upload directly.
func (r *Runtime) stageAttachments(ctx context.Context, attachments []string) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(attachments))
	for _, att := range attachments {
		localPath := att
		if strings.HasPrefix(att, "http://") || strings.HasPrefix(att, "https://") {
			fetched, err := r.fetchToTemp(ctx, att)
			if err != nil {
				return nil, err
			}
			localPath = fetched
			defer os.Remove(fetched)
		}
		fileID, err := r.tasks.UploadFile(ctx, localPath)
		if err != nil {
			return nil, err
		}
		ids = append(ids, fileID)
	}
	return ids, nil
}

func (r *Runtime) fetchToTemp(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.fetch.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch attachment %s: http %d", url, resp.StatusCode)
	}

	name := path.Base(strings.SplitN(url, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		name = "attachment"
	}
	f, err := os.CreateTemp("", "taskbridge-*-"+name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (r *Runtime) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(r.routePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := r.routes.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				r.logger.Warn("route_purge_error", "error", err.Error())
				continue
			}
			if purged > 0 {
				r.logger.Info("routes_purged", "count", purged)
			}
		}
	}
}

func (r *Runtime) lookupOrNone(lookup TaskLookup) notify.Sessions {
	if lookup == nil {
		return noLookup{}
	}
	return lookup
}

type noLookup struct{}

func (noLookup) IdentityForActiveTask(context.Context, string) (string, bool, error) {
	return "", false, nil
}

// eventSink adapts the notifier to the webhook intake.
type eventSink struct {
	notifier *notify.Notifier
}

func (s eventSink) HandleProgress(ctx context.Context, taskID, text string) {
	s.notifier.HandleProgress(ctx, taskID, text)
}

func (s eventSink) HandleStopped(ctx context.Context, taskID, reason, result string, attachments []webhook.Attachment) {
	converted := make([]notify.Attachment, 0, len(attachments))
	for _, att := range attachments {
		converted = append(converted, notify.Attachment{Name: att.Name, URL: att.URL})
	}
	s.notifier.HandleStopped(ctx, taskID, reason, result, converted)
}

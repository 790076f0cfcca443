package bridge

import (
	"context"
	"time"

	"github.com/quailyquaily/taskbridge/db"
	"github.com/quailyquaily/taskbridge/db/models"
	"github.com/quailyquaily/taskbridge/internal/continuity"
	"github.com/quailyquaily/taskbridge/internal/dispatch"
)

// sessionState adapts the session table to the continuity state machine.
type sessionState struct {
	sessions *db.SessionStore
}

func NewSessionState(sessions *db.SessionStore) continuity.Store {
	return &sessionState{sessions: sessions}
}

func (a *sessionState) TaskState(ctx context.Context, identity string) (continuity.TaskState, error) {
	session, err := a.sessions.Ensure(ctx, identity)
	if err != nil {
		return continuity.TaskState{}, err
	}
	state := continuity.TaskState{ActiveTaskID: session.ActiveTaskID}
	if session.TaskStartedAt != nil {
		state.TaskStartedAt = *session.TaskStartedAt
	}
	return state, nil
}

func (a *sessionState) AssignTask(ctx context.Context, identity, taskID string, startedAt time.Time) error {
	return a.sessions.AssignTask(ctx, identity, taskID, startedAt)
}

func (a *sessionState) ClearTaskIf(ctx context.Context, identity, taskID string) (bool, error) {
	return a.sessions.ClearTaskIf(ctx, identity, taskID)
}

// taskLookup resolves completions whose route row already expired by scanning
// the session table instead.
type taskLookup struct {
	sessions *db.SessionStore
}

func NewTaskLookup(sessions *db.SessionStore) TaskLookup {
	return &taskLookup{sessions: sessions}
}

func (a *taskLookup) IdentityForActiveTask(ctx context.Context, taskID string) (string, bool, error) {
	session, ok, err := a.sessions.FindByActiveTask(ctx, taskID)
	if err != nil || !ok {
		return "", false, err
	}
	return session.Identity, true, nil
}

// jobLog adapts the jobs table to the dispatch audit trail.
type jobLog struct {
	jobs *db.JobStore
}

func NewJobLog(jobs *db.JobStore) dispatch.JobLog {
	return &jobLog{jobs: jobs}
}

func (a *jobLog) Record(ctx context.Context, job dispatch.Job) error {
	return a.jobs.Append(ctx, models.Job{
		ID:          job.ID,
		Identity:    job.Identity,
		Text:        job.Text,
		Attachments: job.Attachments,
		Status:      models.JobPending,
	})
}

func (a *jobLog) MarkProcessing(ctx context.Context, jobID string, attempt int) error {
	return a.jobs.MarkProcessing(ctx, jobID, attempt)
}

func (a *jobLog) MarkCompleted(ctx context.Context, jobID string) error {
	return a.jobs.MarkCompleted(ctx, jobID)
}

func (a *jobLog) MarkFailed(ctx context.Context, jobID string, cause error) error {
	return a.jobs.MarkFailed(ctx, jobID, cause)
}

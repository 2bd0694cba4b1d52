// Package journal implements the session journal: a durable,
// append-only, one-file-per-Session record of a task's iterations.
// Each Session is one JSON document on disk; the contract needs no
// query language, only durable append and full replay.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/hookbus"
	"github.com/autocode/driver/internal/observability"
)

// ListEntry is one row of SessionJournal.List().
type ListEntry struct {
	SessionID          string              `json:"sessionId"`
	StartedAt          time.Time           `json:"startedAt"`
	Status             domain.SessionStatus `json:"status"`
	FirstPromptExcerpt string              `json:"firstPromptExcerpt"`
}

// Journal is the SessionJournal implementation: one writer per
// Session (the locks map below); Load takes the same per-session
// lock, so reads of one Session are serialized with its writes.
type Journal struct {
	dir           string
	excerptChars  int
	bus           *hookbus.Bus
	logger        *observability.Logger
	metrics       *observability.Metrics

	mu     sync.Mutex // guards locks map only
	locks  map[string]*sync.Mutex
}

// New constructs a Journal rooted at dir, creating it if necessary.
func New(dir string, excerptChars int, bus *hookbus.Bus, logger *observability.Logger, metrics *observability.Metrics) (*Journal, error) {
	if excerptChars <= 0 {
		excerptChars = 200
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "create journal directory"}
	}
	return &Journal{
		dir:          dir,
		excerptChars: excerptChars,
		bus:          bus,
		logger:       logger,
		metrics:      metrics,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

func (j *Journal) lockFor(id string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[id]
	if !ok {
		l = &sync.Mutex{}
		j.locks[id] = l
	}
	return l
}

func (j *Journal) path(id string) string {
	return filepath.Join(j.dir, id+".json")
}

// Create establishes a new Session file and publishes session_created.
func (j *Journal) Create(ctx context.Context, task domain.Task) (domain.Session, error) {
	session := domain.Session{
		ID:               uuid.NewString(),
		StartedAt:        time.Now(),
		Status:           domain.SessionRunning,
		Mode:             task.Mode,
		WorkingDirectory: task.WorkingDirectory,
		InitialPrompt:    task.Prompt,
		Iterations:       []domain.Iteration{},
	}

	lock := j.lockFor(session.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := j.writeLocked(session); err != nil {
		return domain.Session{}, err
	}

	if j.bus != nil {
		j.bus.Publish(domain.HookEvent{
			Type:       domain.EventSessionCreated,
			SessionID:  session.ID,
			OccurredAt: time.Now(),
			Payload:    map[string]any{"mode": string(session.Mode)},
		})
	}
	if j.logger != nil {
		j.logger.Debug(ctx, "session created", "session_id", session.ID, "mode", session.Mode)
	}
	return session, nil
}

// Append adds the next Iteration to sessionID's journal. It fails with
// JournalClosed if the session is already terminal and JournalIO on
// disk error.
func (j *Journal) Append(ctx context.Context, sessionID string, iteration domain.Iteration) error {
	start := time.Now()
	lock := j.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := j.readLocked(sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return &errs.DriverError{Kind: errs.JournalClosed, Message: fmt.Sprintf("session %s is %s", sessionID, session.Status)}
	}

	expected := session.NextIterationNumber()
	if iteration.N != expected {
		return &errs.DriverError{Kind: errs.Validation, Message: fmt.Sprintf("iteration number %d, expected %d", iteration.N, expected)}
	}

	session.Iterations = append(session.Iterations, iteration)
	if err := j.writeLocked(session); err != nil {
		return err
	}

	if j.metrics != nil {
		j.metrics.RecordJournalWrite(time.Since(start).Seconds())
	}
	if j.bus != nil {
		j.bus.Publish(domain.HookEvent{
			Type:       domain.EventIterationComplete,
			SessionID:  sessionID,
			IterationN: &iteration.N,
			OccurredAt: time.Now(),
			Payload: map[string]any{
				"role":        string(iteration.Role),
				"exitStatus":  iteration.ExitStatus,
				"durationMs":  iteration.DurationMs,
			},
		})
	}
	return nil
}

// Close marks sessionID terminal with status, publishing
// session_completed.
func (j *Journal) Close(ctx context.Context, sessionID string, status domain.SessionStatus, outcome domain.Result) error {
	lock := j.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := j.readLocked(sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return &errs.DriverError{Kind: errs.JournalClosed, Message: fmt.Sprintf("session %s already closed", sessionID)}
	}

	now := time.Now()
	session.Status = status
	session.EndedAt = &now
	if status != domain.SessionCompleted {
		session.ErrorKind = outcome.ErrorKind
		session.ErrorMessage = outcome.Message
		session.RecoveryHints = outcome.RecoveryHints
	}
	if outcome.HandoffCount != nil {
		session.HandoffCount = *outcome.HandoffCount
	}
	session.QualityScore = outcome.QualityScore

	if err := j.writeLocked(session); err != nil {
		return err
	}

	if j.bus != nil {
		j.bus.Publish(domain.HookEvent{
			Type:       domain.EventSessionCompleted,
			SessionID:  sessionID,
			OccurredAt: now,
			Payload: map[string]any{
				"status":     string(status),
				"iterations": len(session.Iterations),
			},
		})
	}
	return nil
}

// Load replays the full persisted Session for sessionID.
func (j *Journal) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	// Load takes the per-session lock before readLocked (which takes
	// none itself) so a concurrent Append cannot be observed
	// half-written.
	_ = ctx
	lock := j.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return j.readLocked(sessionID)
}

// List returns a summary of every known Session, most recent first.
func (j *Journal) List(ctx context.Context) ([]ListEntry, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "list journal directory"}
	}

	out := make([]ListEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		session, err := j.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, ListEntry{
			SessionID:          session.ID,
			StartedAt:          session.StartedAt,
			Status:             session.Status,
			FirstPromptExcerpt: Excerpt(session.InitialPrompt, j.excerptChars),
		})
	}

	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out, nil
}

// Excerpt truncates s to at most n runes, appending an ellipsis when
// truncated.
func Excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func (j *Journal) writeLocked(session domain.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "marshal session"}
	}
	tmp := j.path(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "write session file"}
	}
	if err := os.Rename(tmp, j.path(session.ID)); err != nil {
		return &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "rename session file"}
	}
	return nil
}

func (j *Journal) readLocked(sessionID string) (domain.Session, error) {
	data, err := os.ReadFile(j.path(sessionID))
	if err != nil {
		return domain.Session{}, &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "read session file"}
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return domain.Session{}, &errs.DriverError{Kind: errs.JournalIO, Cause: err, Message: "unmarshal session"}
	}
	return session, nil
}

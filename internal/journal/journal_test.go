package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autocode/driver/internal/domain"
	"github.com/autocode/driver/internal/errs"
	"github.com/autocode/driver/internal/hookbus"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := New(t.TempDir(), 20, hookbus.New(nil, nil), nil, nil)
	require.NoError(t, err)
	return j
}

func TestCreateAppendLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	task := domain.Task{Prompt: "print the fifth prime", MaxIterations: 3, Mode: domain.ModeSingle}
	session, err := j.Create(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, session.Status)

	iter := domain.Iteration{N: 1, Prompt: "go", Response: domain.Response{Text: "11. TASK COMPLETED"}, StartedAt: time.Now(), Role: domain.RoleSingle}
	require.NoError(t, j.Append(ctx, session.ID, iter))

	loaded, err := j.Load(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Iterations, 1)
	assert.Equal(t, "11. TASK COMPLETED", loaded.Iterations[0].Response.Text)
	assert.Equal(t, 1, loaded.Iterations[0].N)
}

func TestAppendRejectsOutOfOrderIterationNumber(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	session, err := j.Create(ctx, domain.Task{Prompt: "x", MaxIterations: 1, Mode: domain.ModeSingle})
	require.NoError(t, err)

	err = j.Append(ctx, session.ID, domain.Iteration{N: 2, StartedAt: time.Now()})
	require.Error(t, err)
	de, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.Validation, de.Kind)
}

func TestAppendAfterCloseFailsJournalClosed(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	session, err := j.Create(ctx, domain.Task{Prompt: "x", MaxIterations: 1, Mode: domain.ModeSingle})
	require.NoError(t, err)

	require.NoError(t, j.Close(ctx, session.ID, domain.SessionCompleted, domain.Result{Success: true}))

	err = j.Append(ctx, session.ID, domain.Iteration{N: 1, StartedAt: time.Now()})
	require.Error(t, err)
	de, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.JournalClosed, de.Kind)
}

func TestCloseTwiceFails(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	session, err := j.Create(ctx, domain.Task{Prompt: "x", MaxIterations: 1, Mode: domain.ModeSingle})
	require.NoError(t, err)
	require.NoError(t, j.Close(ctx, session.ID, domain.SessionCompleted, domain.Result{Success: true}))
	require.Error(t, j.Close(ctx, session.ID, domain.SessionFailed, domain.Result{Success: false}))
}

func TestListReturnsFirstPromptExcerpt(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)
	_, err := j.Create(ctx, domain.Task{Prompt: "this prompt is definitely longer than twenty characters", MaxIterations: 1, Mode: domain.ModeSingle})
	require.NoError(t, err)

	entries, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.LessOrEqual(t, len([]rune(entries[0].FirstPromptExcerpt)), 21)
}

func TestExcerptTruncatesLongStrings(t *testing.T) {
	assert.Equal(t, "hello", Excerpt("hello", 10))
	assert.Equal(t, "hel…", Excerpt("hello", 3))
}

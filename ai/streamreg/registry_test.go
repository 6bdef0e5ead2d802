package streamreg

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	reg := New()
	run := reg.Create(context.Background(), "u1", "s1", "agent-x", "hello")

	assert.True(t, strings.HasPrefix(run.ID, "run_"))
	assert.Equal(t, StatusCreated, run.Status())
	assert.True(t, run.Running())

	got, ok := reg.Get(run.ID)
	require.True(t, ok)
	assert.Same(t, run, got)

	_, ok = reg.Get("run_missing")
	assert.False(t, ok)
}

func TestCancelIsIdempotent(t *testing.T) {
	reg := New()
	run := reg.Create(context.Background(), "u1", "s1", "agent-x", "hello")

	require.True(t, reg.Cancel(run.ID))
	assert.True(t, run.Cancelled())
	select {
	case <-run.Context().Done():
	default:
		t.Fatal("run context should be cancelled")
	}

	// Second cancel is a no-op, not an error.
	assert.True(t, reg.Cancel(run.ID))
	assert.False(t, reg.Cancel("run_missing"))
}

func TestTerminalStatusSticks(t *testing.T) {
	reg := New()
	run := reg.Create(context.Background(), "u1", "s1", "agent-x", "hi")

	run.SetStatus(StatusRunning)
	run.SetStatus(StatusAwaitingApproval)
	assert.Equal(t, StatusAwaitingApproval, run.Status())
	run.SetStatus(StatusRunning)
	run.SetStatus(StatusCancelled)
	assert.Equal(t, StatusCancelled, run.Status())

	// Terminal states do not transition further.
	run.SetStatus(StatusDone)
	assert.Equal(t, StatusCancelled, run.Status())
	assert.False(t, run.Running())
}

func TestListByUser(t *testing.T) {
	reg := New()
	a := reg.Create(context.Background(), "u1", "s1", "agent-x", "1")
	reg.Create(context.Background(), "u2", "s1", "agent-x", "2")
	b := reg.Create(context.Background(), "u1", "s2", "agent-y", "3")

	runs := reg.ListByUser("u1")
	assert.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, ids, []string{a.ID, b.ID})

	reg.Remove(a.ID)
	assert.Len(t, reg.ListByUser("u1"), 1)
}

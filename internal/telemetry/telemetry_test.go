package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(buf *bytes.Buffer) *LogSession {
	logger := slog.New(slog.NewTextHandler(buf, nil))
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewLogSession(logger, WithClock(func() time.Time {
		at = at.Add(time.Second)
		return at
	}))
}

func TestLogSession_BuffersUntilSubmit(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSession(&buf)
	ctx := context.Background()

	s.Start(ctx)
	attrs := map[string]string{"name": "milk"}
	s.Record("todo_created", attrs)
	attrs["name"] = "changed"
	s.Record("todos_listed", map[string]string{"count": "1", "source": "cache"})

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "milk", pending[0].Attributes["name"], "attributes are copied")
	assert.NotContains(t, buf.String(), "todo_created")

	require.NoError(t, s.SubmitEvents(ctx))
	out := buf.String()
	assert.Contains(t, out, "event=todo_created")
	assert.Contains(t, out, "count=1 source=cache")
	assert.Empty(t, s.Pending())
	assert.Equal(t, 2, s.Submitted())
}

func TestLogSession_StopDiscardsLaterEvents(t *testing.T) {
	var buf bytes.Buffer
	s := newTestSession(&buf)
	ctx := context.Background()

	s.Start(ctx)
	s.Record("before", nil)
	s.Stop(ctx)
	s.Stop(ctx)
	s.Record("after", nil)

	assert.Len(t, s.Pending(), 1)
	assert.Contains(t, buf.String(), "telemetry session stopped")
	assert.Contains(t, buf.String(), "pending=1")

	require.NoError(t, s.SubmitEvents(ctx))
	assert.Contains(t, buf.String(), "event=before")
	assert.NotContains(t, buf.String(), "event=after")
}

func TestNop(t *testing.T) {
	var s Session = Nop{}
	s.Start(context.Background())
	s.Record("x", nil)
	s.Stop(context.Background())
	assert.NoError(t, s.SubmitEvents(context.Background()))
}

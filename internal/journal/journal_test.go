package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/hl7gw/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func entry(id, endpoint, outcome string, respondedAt time.Time) Entry {
	return Entry{
		ID:          id,
		Endpoint:    endpoint,
		ControlID:   "CTRL-" + id,
		MessageType: "ADT^A01",
		Outcome:     outcome,
		Nack:        outcome != "ack",
		ReceivedAt:  respondedAt.Add(-120 * time.Millisecond),
		RespondedAt: respondedAt,
		Elapsed:     120 * time.Millisecond,
		Request:     "MSH|^~\\&|A\r",
		Response:    "MSH|^~\\&|B\rMSA|AA|CTRL-" + id + "\r",
	}
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	j := New(openTestDB(t))
	now := time.Now().UTC().Truncate(time.Millisecond)

	e := entry("ex-1", "adt-in", "timeout", now)
	e.Closed = true
	e.Reason = "timed out waiting for response"
	e.Error = "timed out waiting for response"
	require.NoError(t, j.Record(ctx, e))
	require.NoError(t, j.RecordDiscard(ctx, "ex-1", "adt-in", "pipeline"))

	got, err := j.Get(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, "adt-in", got.Endpoint)
	assert.Equal(t, "CTRL-ex-1", got.ControlID)
	assert.Equal(t, "timeout", got.Outcome)
	assert.True(t, got.Nack)
	assert.True(t, got.Closed)
	assert.Equal(t, e.Reason, got.Reason)
	assert.Equal(t, 120*time.Millisecond, got.Elapsed)
	assert.True(t, now.Equal(got.RespondedAt))
	assert.Equal(t, e.Request, got.Request)
	assert.Equal(t, 1, got.Discards)

	// Same exchange cannot be answered twice.
	assert.Error(t, j.Record(ctx, e))
}

func TestGetNotFound(t *testing.T) {
	j := New(openTestDB(t))
	_, err := j.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
}

func TestRecordValidates(t *testing.T) {
	j := New(openTestDB(t))
	ctx := context.Background()

	assert.Error(t, j.Record(ctx, Entry{Endpoint: "e", Outcome: "ack"}))
	assert.Error(t, j.Record(ctx, Entry{ID: "x", Outcome: "ack"}))
	assert.Error(t, j.Record(ctx, Entry{ID: "x", Endpoint: "e"}))
}

func TestListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	j := New(openTestDB(t))
	base := time.Now().UTC()

	require.NoError(t, j.Record(ctx, entry("a", "adt-in", "ack", base.Add(-3*time.Second))))
	require.NoError(t, j.Record(ctx, entry("b", "adt-in", "timeout", base.Add(-2*time.Second))))
	require.NoError(t, j.Record(ctx, entry("c", "lab-in", "ack", base.Add(-time.Second))))

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	adt, err := j.List(ctx, Filter{Endpoint: "adt-in"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(adt))

	acks, err := j.List(ctx, Filter{Outcome: "ack", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(acks))

	byControl, err := j.List(ctx, Filter{ControlID: "CTRL-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(byControl))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	j := New(openTestDB(t))
	now := time.Now().UTC()

	require.NoError(t, j.Record(ctx, entry("old", "adt-in", "ack", now.Add(-48*time.Hour))))
	require.NoError(t, j.Record(ctx, entry("new", "adt-in", "ack", now)))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = j.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrExchangeNotFound)
	_, err = j.Get(ctx, "new")
	assert.NoError(t, err)
}

func ids(entries []*Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

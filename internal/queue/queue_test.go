package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knirvcorp/syncbase/go/internal/kv"
	"github.com/knirvcorp/syncbase/go/internal/types"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	q, err := New(context.Background(), store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return q, store
}

func op(messageID string) types.Operation {
	return types.Operation{
		Kind:       types.OpSet,
		DocumentID: "doc-1",
		Field:      "title",
		Value:      []byte(`"hello"`),
		MessageID:  messageID,
	}
}

func TestEnqueueReplayRemovesOnSuccess(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, op("m1")); err != nil {
		t.Fatal(err)
	}

	var delivered []string
	err := q.Replay(ctx, func(_ context.Context, o types.Operation) error {
		delivered = append(delivered, o.MessageID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 1 || delivered[0] != "m1" {
		t.Fatalf("expected one delivery of m1, got %v", delivered)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Size != 0 {
		t.Fatalf("expected empty queue after successful replay, got size %d", stats.Size)
	}
}

func TestReplayPreservesEnqueueOrder(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := q.Enqueue(ctx, op(id)); err != nil {
			t.Fatal(err)
		}
	}

	var order []string
	q.Replay(ctx, func(_ context.Context, o types.Operation) error {
		order = append(order, o.MessageID)
		return nil
	})

	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestEnqueueFullReturnsErrQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	if err := q.Enqueue(ctx, op("m1")); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(ctx, op("m2"))
	if !errors.Is(err, types.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig())
	ctx := context.Background()

	if err := q.Enqueue(ctx, op("m1")); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, "m1"); err != nil {
		t.Fatalf("second ack of same id should be a no-op, got %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Size != 0 {
		t.Fatalf("expected queue empty after ack, got size %d", stats.Size)
	}
}

func TestAckUnknownIDIsNotAnError(t *testing.T) {
	q, _ := newTestQueue(t, DefaultConfig())
	if err := q.Ack(context.Background(), "nonexistent"); err != nil {
		t.Fatalf("acking unknown id should be a no-op, got %v", err)
	}
}

// Scenario E: ack-timeout-requeue. A failed send leaves the entry in the
// queue with attempts incremented and nextRetryAt pushed into the future,
// so an immediate second replay does not redeliver it.
func TestFailedSendIsRetriedNotLostAndBackedOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Minute
	cfg.RetryBackoff = 2.0
	cfg.MaxRetries = 5
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	fixedNow := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return fixedNow }

	if err := q.Enqueue(ctx, op("m1")); err != nil {
		t.Fatal(err)
	}

	attempts := 0
	failing := func(_ context.Context, _ types.Operation) error {
		attempts++
		return errors.New("transport unavailable")
	}

	if err := q.Replay(ctx, failing); err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Fatalf("expected one delivery attempt, got %d", attempts)
	}

	stats, _ := q.Stats(ctx)
	if stats.Size != 1 {
		t.Fatalf("expected failed entry to remain queued, got size %d", stats.Size)
	}

	// Replaying again immediately (clock unchanged) must not redeliver
	// before nextRetryAt elapses.
	if err := q.Replay(ctx, failing); err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Fatalf("expected no redelivery before backoff elapses, got %d attempts", attempts)
	}

	// Advance past the backoff window; the entry becomes eligible again.
	q.now = func() time.Time { return fixedNow.Add(2 * time.Minute) }
	if err := q.Replay(ctx, failing); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected redelivery after backoff elapsed, got %d attempts", attempts)
	}
}

func TestEntryMarkedFailedAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	cfg.RetryBackoff = 1.0
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	step := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return step }

	if err := q.Enqueue(ctx, op("m1")); err != nil {
		t.Fatal(err)
	}

	failing := func(_ context.Context, _ types.Operation) error {
		return errors.New("down")
	}

	for i := 0; i < 2; i++ {
		q.Replay(ctx, failing)
		step = step.Add(time.Hour)
		q.now = func() time.Time { return step }
	}

	stats, _ := q.Stats(ctx)
	if stats.FailedCount != 1 {
		t.Fatalf("expected entry to be marked failed after maxRetries, stats=%+v", stats)
	}

	// A failed entry is no longer delivered.
	delivered := 0
	q.Replay(ctx, func(_ context.Context, _ types.Operation) error {
		delivered++
		return nil
	})
	if delivered != 0 {
		t.Fatalf("expected failed entry to be skipped, got %d deliveries", delivered)
	}
}

func TestQueueSurvivesReload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	q1, err := New(ctx, store, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := q1.Enqueue(ctx, op("m1")); err != nil {
		t.Fatal(err)
	}
	if err := q1.Enqueue(ctx, op("m2")); err != nil {
		t.Fatal(err)
	}

	q2, err := New(ctx, store, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	stats, err := q2.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Size != 2 {
		t.Fatalf("expected reloaded queue to see both entries, got size %d", stats.Size)
	}

	// The sequence counter must also have survived, so a freshly
	// enqueued entry sorts after the existing ones rather than
	// colliding with seq 0.
	if err := q2.Enqueue(ctx, op("m3")); err != nil {
		t.Fatal(err)
	}
	var order []string
	q2.Replay(ctx, func(_ context.Context, o types.Operation) error {
		order = append(order, o.MessageID)
		return nil
	})
	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected order %v after reload, got %v", want, order)
		}
	}
}

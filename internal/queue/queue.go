// Package queue implements the Offline Operation Queue: a durable FIFO of
// locally-originated operations awaiting coordinator acknowledgment.
//
// The durability shape (append under a monotonic sequence key, drain in
// key order, ack removes by id) is grounded on the retrieved mizu sync
// reference's Log/Dedupe interfaces (Append/Since/Cursor, idempotent
// Mark) and on knirvbase's distributed_collection.go bounded
// operationLog, adapted from an in-memory slice to the KV-backed,
// crash-durable log the spec requires.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/knirvcorp/syncbase/go/internal/clock"
	"github.com/knirvcorp/syncbase/go/internal/kv"
	"github.com/knirvcorp/syncbase/go/internal/types"
)

// Config mirrors spec §6.3's network.queue.* options.
type Config struct {
	MaxSize      int
	MaxRetries   uint32
	RetryDelay   time.Duration
	RetryBackoff float64
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:      1000,
		MaxRetries:   5,
		RetryDelay:   time.Second,
		RetryBackoff: 2.0,
	}
}

// SendFunc delivers one operation to the transport. replay calls it for
// each queued entry in enqueue order.
type SendFunc func(ctx context.Context, op types.Operation) error

// Stats is the current observable state of the queue.
type Stats struct {
	Size             int
	FailedCount      int
	OldestEnqueuedAt int64
}

// Queue is a durable, KV-backed FIFO. Sequence numbers are strictly
// increasing per process and zero-padded so lexicographic key order is
// numeric order; since replay walks keys in that order, per-document
// enqueue order is preserved as a subsequence even though the log itself
// is not partitioned by document.
type Queue struct {
	mu    sync.Mutex
	store kv.Store
	cfg   Config
	next  uint64
	now   func() time.Time
}

const seqKey = "meta:queueSeq"

var mh codec.MsgpackHandle

// entryWire is the on-disk shape of an OfflineQueueEntry. Operation.Clock
// is a map and carries an msgpack:"-" tag, so it is carried across
// persistence as clock.Canonical's sorted entry slice, the same scheme
// document.go's persisted shape uses for a Document's vector clock, and
// restored with clock.FromCanonical on decode.
type entryWire struct {
	Op          opWire `msgpack:"op"`
	EnqueuedAt  int64  `msgpack:"enqueuedAt"`
	Attempts    uint32 `msgpack:"attempts"`
	NextRetryAt int64  `msgpack:"nextRetryAt"`
	Failed      bool   `msgpack:"failed"`
}

type opWire struct {
	Kind       types.OperationKind `msgpack:"kind"`
	DocumentID types.DocumentID    `msgpack:"documentId"`
	Field      types.FieldName     `msgpack:"field"`
	Value      types.Value         `msgpack:"value,omitempty"`
	Clock      []clock.Entry       `msgpack:"clock,omitempty"`
	Origin     clock.ClientID      `msgpack:"origin"`
	WallTime   int64               `msgpack:"wallTime"`
	MessageID  string              `msgpack:"messageId"`
}

func toWire(e types.OfflineQueueEntry) entryWire {
	return entryWire{
		Op: opWire{
			Kind:       e.Op.Kind,
			DocumentID: e.Op.DocumentID,
			Field:      e.Op.Field,
			Value:      e.Op.Value,
			Clock:      clock.Canonical(e.Op.Clock),
			Origin:     e.Op.Origin,
			WallTime:   e.Op.WallTime,
			MessageID:  e.Op.MessageID,
		},
		EnqueuedAt:  e.EnqueuedAt,
		Attempts:    e.Attempts,
		NextRetryAt: e.NextRetryAt,
		Failed:      e.Failed,
	}
}

func fromWire(w entryWire) types.OfflineQueueEntry {
	return types.OfflineQueueEntry{
		Op: types.Operation{
			Kind:       w.Op.Kind,
			DocumentID: w.Op.DocumentID,
			Field:      w.Op.Field,
			Value:      w.Op.Value,
			Clock:      clock.FromCanonical(w.Op.Clock),
			Origin:     w.Op.Origin,
			WallTime:   w.Op.WallTime,
			MessageID:  w.Op.MessageID,
		},
		EnqueuedAt:  w.EnqueuedAt,
		Attempts:    w.Attempts,
		NextRetryAt: w.NextRetryAt,
		Failed:      w.Failed,
	}
}

// New loads the queue's persisted sequence counter (if any) and returns a
// Queue ready to enqueue/replay against store.
func New(ctx context.Context, store kv.Store, cfg Config) (*Queue, error) {
	q := &Queue{store: store, cfg: cfg, now: time.Now}

	if raw, err := store.Get(ctx, seqKey); err == nil {
		var seq uint64
		if derr := codec.NewDecoder(bytes.NewReader(raw), &mh).Decode(&seq); derr == nil {
			q.next = seq
		}
	}
	return q, nil
}

func (q *Queue) key(seq uint64) string {
	return fmt.Sprintf("%s%020d", kv.PrefixQueue, seq)
}

// Enqueue durably appends op. Returns ErrQueueFull once the current size
// reaches cfg.MaxSize; existing entries continue to replay in that case.
func (q *Queue) Enqueue(ctx context.Context, op types.Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, err := q.statsLocked(ctx)
	if err != nil {
		return err
	}
	if q.cfg.MaxSize > 0 && stats.Size >= q.cfg.MaxSize {
		return types.ErrQueueFull
	}

	entry := types.OfflineQueueEntry{
		Op:         op,
		EnqueuedAt: q.now().UnixMilli(),
	}

	seq := q.next
	q.next++

	if err := q.persistEntry(ctx, seq, entry); err != nil {
		return err
	}
	return q.persistSeq(ctx)
}

func (q *Queue) persistEntry(ctx context.Context, seq uint64, entry types.OfflineQueueEntry) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(toWire(entry)); err != nil {
		return types.Wrap(types.KindStorage, err)
	}
	if err := q.store.Put(ctx, q.key(seq), buf.Bytes()); err != nil {
		return types.Wrap(types.KindStorage, err)
	}
	return nil
}

func (q *Queue) persistSeq(ctx context.Context) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(q.next); err != nil {
		return types.Wrap(types.KindStorage, err)
	}
	if err := q.store.Put(ctx, seqKey, buf.Bytes()); err != nil {
		return types.Wrap(types.KindStorage, err)
	}
	return nil
}

// Replay iterates entries head to tail, calling send for each one whose
// nextRetryAt has elapsed. On success the entry is removed; on failure
// its attempts counter increases and nextRetryAt is pushed out by
// retryDelay * retryBackoff^attempts (capped at a full day). Once attempts
// reaches maxRetries the entry is marked
// Failed and kept for observability but skipped by future replays.
func (q *Queue) Replay(ctx context.Context, send SendFunc) error {
	type keyed struct {
		key   string
		entry types.OfflineQueueEntry
	}

	var pending []keyed
	q.mu.Lock()
	err := q.store.ForEachPrefix(ctx, kv.PrefixQueue, func(key string, value []byte) bool {
		var w entryWire
		if derr := codec.NewDecoder(bytes.NewReader(value), &mh).Decode(&w); derr != nil {
			return true
		}
		pending = append(pending, keyed{key: key, entry: fromWire(w)})
		return true
	})
	q.mu.Unlock()
	if err != nil {
		return types.Wrap(types.KindStorage, err)
	}

	now := q.now().UnixMilli()
	for _, p := range pending {
		entry := p.entry
		if entry.Failed {
			continue
		}
		if entry.NextRetryAt > now {
			continue
		}

		if sendErr := send(ctx, entry.Op); sendErr != nil {
			entry.Attempts++
			if entry.Attempts >= q.cfg.MaxRetries {
				entry.Failed = true
			} else {
				entry.NextRetryAt = now + backoffMillis(q.cfg, entry.Attempts)
			}
			q.mu.Lock()
			q.overwrite(ctx, p.key, entry)
			q.mu.Unlock()
			continue
		}

		q.mu.Lock()
		q.store.Delete(ctx, p.key)
		q.mu.Unlock()
	}
	return nil
}

func backoffMillis(cfg Config, attempts uint32) int64 {
	delay := float64(cfg.RetryDelay.Milliseconds()) * math.Pow(cfg.RetryBackoff, float64(attempts))
	const maxDelay = float64(24 * time.Hour / time.Millisecond)
	if delay > maxDelay {
		delay = maxDelay
	}
	return int64(delay)
}

func (q *Queue) overwrite(ctx context.Context, key string, entry types.OfflineQueueEntry) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &mh).Encode(toWire(entry)); err != nil {
		return types.Wrap(types.KindStorage, err)
	}
	return q.store.Put(ctx, key, buf.Bytes())
}

// Ack removes the entry with the given messageId. Idempotent: acking an
// already-removed or unknown id is not an error.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var target string
	q.store.ForEachPrefix(ctx, kv.PrefixQueue, func(key string, value []byte) bool {
		var w entryWire
		if err := codec.NewDecoder(bytes.NewReader(value), &mh).Decode(&w); err != nil {
			return true
		}
		if w.Op.MessageID == messageID {
			target = key
			return false
		}
		return true
	})
	if target == "" {
		return nil
	}
	return q.store.Delete(ctx, target)
}

// FindPendingField returns the not-yet-acknowledged, not-yet-failed
// operation queued for (documentID, field), if any. Used by the Sync
// Manager's conflict detection (§4.5.1) to decide whether a concurrently
// received remote operation collides with a local write still awaiting
// acknowledgment.
func (q *Queue) FindPendingField(ctx context.Context, documentID types.DocumentID, field types.FieldName) (types.Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var found types.Operation
	var ok bool
	err := q.store.ForEachPrefix(ctx, kv.PrefixQueue, func(_ string, value []byte) bool {
		var w entryWire
		if derr := codec.NewDecoder(bytes.NewReader(value), &mh).Decode(&w); derr != nil {
			return true
		}
		entry := fromWire(w)
		if !entry.Failed && entry.Op.DocumentID == documentID && entry.Op.Field == field {
			found = entry.Op
			ok = true
			return false
		}
		return true
	})
	if err != nil {
		return types.Operation{}, false, types.Wrap(types.KindStorage, err)
	}
	return found, ok, nil
}

// CountForDocument reports the number of not-yet-failed entries queued
// for documentID, used to drive DocumentSyncState.pendingOperations.
func (q *Queue) CountForDocument(ctx context.Context, documentID types.DocumentID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	err := q.store.ForEachPrefix(ctx, kv.PrefixQueue, func(_ string, value []byte) bool {
		var w entryWire
		if derr := codec.NewDecoder(bytes.NewReader(value), &mh).Decode(&w); derr != nil {
			return true
		}
		if !w.Failed && w.Op.DocumentID == documentID {
			count++
		}
		return true
	})
	if err != nil {
		return 0, types.Wrap(types.KindStorage, err)
	}
	return count, nil
}

// Stats reports current size, failed-count, and the oldest entry's
// enqueuedAt.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked(ctx)
}

func (q *Queue) statsLocked(ctx context.Context) (Stats, error) {
	var stats Stats
	oldest := int64(math.MaxInt64)
	err := q.store.ForEachPrefix(ctx, kv.PrefixQueue, func(key string, value []byte) bool {
		var w entryWire
		if derr := codec.NewDecoder(bytes.NewReader(value), &mh).Decode(&w); derr != nil {
			return true
		}
		stats.Size++
		if w.Failed {
			stats.FailedCount++
		}
		if w.EnqueuedAt < oldest {
			oldest = w.EnqueuedAt
		}
		return true
	})
	if err != nil {
		return Stats{}, types.Wrap(types.KindStorage, err)
	}
	if stats.Size > 0 {
		stats.OldestEnqueuedAt = oldest
	}
	return stats, nil
}

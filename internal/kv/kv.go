// Package kv provides the narrow byte-keyed persistence interface the
// document store and the offline queue are built against, plus a
// concrete embedded implementation backed by bbolt.
//
// The KV backend itself is explicitly out of scope for this module (spec
// §1 treats it as an external collaborator); this package exists only so
// the core has something real to run against, grounded on
// cuemby-warren's pkg/storage/boltdb.go (bucket-per-concern, JSON-in-value
// BoltDB store).
package kv

import "context"

// Store is the opaque byte-keyed durable store the Document Store and the
// Offline Queue are built against. Keys are strings; values are opaque
// bytes, matching spec §6.2.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// ForEachPrefix iterates all keys sharing prefix in ascending byte
	// order, calling fn for each until it returns false or the keys are
	// exhausted.
	ForEachPrefix(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error

	Close() error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "kv: key not found" }

// Key prefixes from spec §6.2.
const (
	PrefixDocument = "doc:"
	PrefixQueue    = "queue:"
	KeyClientID    = "meta:clientId"
)

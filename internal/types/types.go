// Package types holds the data model shared by the document store, the
// sync manager, and the wire codec: documents, operations, queue entries,
// and sync-state reports.
package types

import (
	"encoding/json"

	"github.com/knirvcorp/syncbase/go/internal/clock"
)

// DocumentID is an application-assigned identifier for a document.
type DocumentID string

// FieldName is a field identifier within a document.
type FieldName string

// Value is an opaque JSON-like scalar or tree payload, carried as its
// exact serialized bytes so round-trips through the wire and through
// persistence preserve number/bool/null/string/array/object identity.
type Value = json.RawMessage

// FieldRegister is a single LWW register: a value (or a tombstone marking
// a deletion) paired with the timestamp that produced it.
type FieldRegister struct {
	Value     Value           `msgpack:"value,omitempty"`
	Tombstone bool            `msgpack:"tombstone,omitempty"`
	Timestamp clock.Timestamp `msgpack:"timestamp"`
}

// FieldSnapshot is one named field register as carried in a SyncResponse
// frame's state payload: a self-contained copy of FieldRegister with the
// field name attached, since the wire format has no surrounding map key.
type FieldSnapshot struct {
	Field     FieldName       `msgpack:"field"`
	Value     Value           `msgpack:"value,omitempty"`
	Tombstone bool            `msgpack:"tombstone,omitempty"`
	Timestamp clock.Timestamp `msgpack:"timestamp"`
}

// OperationKind enumerates the two mutations a Document field can
// undergo. Insert and update are both represented as Set: the LWW
// register doesn't distinguish "new field" from "overwritten field."
type OperationKind int

const (
	OpSet OperationKind = iota
	OpDelete
)

func (k OperationKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "set"
}

// Operation is a single field-level mutation, locally originated or
// received from a remote replica. Clock is a snapshot of the originating
// document's vector clock taken immediately after the local tick that
// produced this operation.
type Operation struct {
	Kind       OperationKind     `msgpack:"kind"`
	DocumentID DocumentID        `msgpack:"documentId"`
	Field      FieldName         `msgpack:"field"`
	Value      Value             `msgpack:"value,omitempty"`
	// Clock is a map and has no direct msgpack encoding; callers that
	// serialize an Operation (the wire envelope, the offline queue) carry
	// it as clock.Canonical's sorted entry slice instead and rebuild it
	// with clock.FromCanonical on the way back in.
	Clock  clock.VectorClock `msgpack:"-"`
	Origin clock.ClientID    `msgpack:"origin"`
	// WallTime is retained for observability only. Correctness decisions
	// MUST use Clock + Origin; this field must never be consulted to
	// break a tie.
	WallTime  int64  `msgpack:"wallTime"`
	MessageID string `msgpack:"messageId"`
}

// OfflineQueueEntry is one durably-persisted, locally-originated
// operation awaiting coordinator acknowledgment.
type OfflineQueueEntry struct {
	Op          Operation `msgpack:"op"`
	EnqueuedAt  int64     `msgpack:"enqueuedAt"`
	Attempts    uint32    `msgpack:"attempts"`
	NextRetryAt int64     `msgpack:"nextRetryAt"`
	// Failed is set once Attempts reaches the configured maxRetries; the
	// entry is retained for observability but no longer replayed.
	Failed bool `msgpack:"failed"`
}

// SyncStateKind is the lifecycle of a single document's synchronization.
type SyncStateKind int

const (
	StateIdle SyncStateKind = iota
	StateSyncing
	StateSynced
	StateOffline
	StateError
)

func (s SyncStateKind) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateOffline:
		return "offline"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// DocumentSyncState reports the current synchronization status of one
// document, as observed by registered listeners.
type DocumentSyncState struct {
	Document          DocumentID
	State             SyncStateKind
	LastSyncedAt      *int64
	PendingOperations uint32
	Error             string
}

// Package document implements the Document Store: the replicated,
// field-level LWW register set that is the hard core of convergence.
//
// Generalizes the whole-document last-write-wins resolution in
// knirvbase's internal/resolver (timestamp/peer tie-break, vector-clock
// dominance check) down to per-field registers, as the specification's
// FieldRegister model requires.
package document

import (
	"bytes"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/knirvcorp/syncbase/go/internal/clock"
	"github.com/knirvcorp/syncbase/go/internal/types"
)

// Document is a single replicated document: a set of named LWW field
// registers plus the vector clock recording everything this replica has
// observed. Every method takes the document's own mutex, so access to one
// Document is serialized internally.
type Document struct {
	mu     sync.Mutex
	id     types.DocumentID
	self   clock.ClientID
	fields map[types.FieldName]types.FieldRegister
	vector clock.VectorClock
}

// New creates an empty document owned by self.
func New(id types.DocumentID, self clock.ClientID) *Document {
	return &Document{
		id:     id,
		self:   self,
		fields: make(map[types.FieldName]types.FieldRegister),
		vector: clock.New(),
	}
}

// ID returns the document's identifier.
func (d *Document) ID() types.DocumentID { return d.id }

// Clock returns a defensive copy of the document's current vector clock.
func (d *Document) Clock() clock.VectorClock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clock.Clone(d.vector)
}

// Get returns the field's value iff its register exists and is not a
// tombstone.
func (d *Document) Get(field types.FieldName) (types.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.fields[field]
	if !ok || reg.Tombstone {
		return nil, false
	}
	return reg.Value, true
}

// Fields returns the set of currently observable (non-tombstoned) field
// names and values.
func (d *Document) Fields() map[types.FieldName]types.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[types.FieldName]types.Value, len(d.fields))
	for name, reg := range d.fields {
		if !reg.Tombstone {
			out[name] = reg.Value
		}
	}
	return out
}

// FieldSnapshots returns every register, tombstones included, in the wire
// shape used by a SyncResponse frame's state payload.
func (d *Document) FieldSnapshots() []types.FieldSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.FieldSnapshot, 0, len(d.fields))
	for name, reg := range d.fields {
		out = append(out, types.FieldSnapshot{
			Field:     name,
			Value:     reg.Value,
			Tombstone: reg.Tombstone,
			Timestamp: reg.Timestamp,
		})
	}
	return out
}

// ApplyFieldSnapshots folds a SyncResponse's state payload into d using
// the same per-field LWW rule as ApplyRemote, then merges clock into the
// document's vector clock.
func (d *Document) ApplyFieldSnapshots(snapshots []types.FieldSnapshot, remoteClock clock.VectorClock) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, s := range snapshots {
		incoming := types.FieldRegister{Value: s.Value, Tombstone: s.Tombstone, Timestamp: s.Timestamp}
		if err := mergeRegister(d.fields, s.Field, incoming); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.vector = clock.Merge(d.vector, remoteClock)
	return firstErr
}

// Set ticks the document's own clock entry and writes a new register for
// field, returning the Operation to hand to the sync manager. Infallible
// on a valid in-memory document.
func (d *Document) Set(field types.FieldName, value types.Value) types.Operation {
	return d.write(field, value, false)
}

// Delete writes a tombstone for field. Identical to Set but the register
// carries no value and Tombstone is true.
func (d *Document) Delete(field types.FieldName) types.Operation {
	return d.write(field, nil, true)
}

func (d *Document) write(field types.FieldName, value types.Value, tombstone bool) types.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.vector = clock.Tick(d.vector, d.self)
	ts := clock.Timestamp{Logical: d.vector[d.self], Client: d.self}
	d.fields[field] = types.FieldRegister{Value: value, Tombstone: tombstone, Timestamp: ts}

	kind := types.OpSet
	if tombstone {
		kind = types.OpDelete
	}
	return types.Operation{
		Kind:       kind,
		DocumentID: d.id,
		Field:      field,
		Value:      value,
		Clock:      clock.Clone(d.vector),
		Origin:     d.self,
	}
}

// ApplyRemote integrates a remote operation using the LWW merge algorithm
// from §4.2. Always total for a structurally valid operation; it never
// fails except with ErrProtocolViolation, which is diagnostic rather than
// a reason to reject the operation - the existing local register is kept
// unchanged and the document remains usable either way.
func (d *Document) ApplyRemote(op types.Operation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	incoming := types.FieldRegister{
		Value:     op.Value,
		Tombstone: op.Kind == types.OpDelete,
		Timestamp: clock.Timestamp{Logical: op.Clock[op.Origin], Client: op.Origin},
	}

	err := mergeRegister(d.fields, op.Field, incoming)
	d.vector = clock.Merge(d.vector, op.Clock)
	return err
}

// mergeRegister applies the central LWW rule for a single incoming
// register against whatever is currently stored for field, mutating
// fields in place.
func mergeRegister(fields map[types.FieldName]types.FieldRegister, field types.FieldName, incoming types.FieldRegister) error {
	local, ok := fields[field]
	if !ok {
		fields[field] = incoming
		return nil
	}

	switch local.Timestamp.Compare(incoming.Timestamp) {
	case 0: // same (logical, client): must carry equal value
		if local.Tombstone != incoming.Tombstone || !bytes.Equal(local.Value, incoming.Value) {
			return types.ErrProtocolViolation
		}
		return nil
	}

	if incoming.Timestamp.Less(local.Timestamp) {
		return nil // local is newer, keep it
	}
	fields[field] = incoming // incoming is newer, replace
	return nil
}

// Merge folds every register of other into d using the same LWW rule
// applied field by field, then merges the clocks. Commutative,
// associative, and idempotent independent of call order, because each
// field is resolved solely by the (logical, client) total order.
func (d *Document) Merge(other *Document) error {
	other.mu.Lock()
	otherFields := make(map[types.FieldName]types.FieldRegister, len(other.fields))
	for k, v := range other.fields {
		otherFields[k] = v
	}
	otherClock := clock.Clone(other.vector)
	other.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for field, reg := range otherFields {
		if err := mergeRegister(d.fields, field, reg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.vector = clock.Merge(d.vector, otherClock)
	return firstErr
}

// persisted is the on-disk/on-wire shape of a Document, matching the KV
// layout's `doc:<documentId>` value: { fields, clock, clientId }.
type persisted struct {
	ID     types.DocumentID                          `msgpack:"id"`
	Self   clock.ClientID                             `msgpack:"clientId"`
	Fields map[types.FieldName]types.FieldRegister     `msgpack:"fields"`
	Clock  []clock.Entry                               `msgpack:"clock"`
}

var mh codec.MsgpackHandle

// Snapshot produces a canonical serialization suitable for persistence
// under the doc: key prefix.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	p := persisted{
		ID:     d.id,
		Self:   d.self,
		Fields: d.fields,
		Clock:  clock.Canonical(d.vector),
	}
	d.mu.Unlock()

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(p); err != nil {
		return nil, types.Wrap(types.KindStorage, err)
	}
	return buf.Bytes(), nil
}

// Restore is the inverse of Snapshot.
func Restore(data []byte) (*Document, error) {
	var p persisted
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	if err := dec.Decode(&p); err != nil {
		return nil, types.Wrap(types.KindStorage, err)
	}
	fields := p.Fields
	if fields == nil {
		fields = make(map[types.FieldName]types.FieldRegister)
	}
	return &Document{
		id:     p.ID,
		self:   p.Self,
		fields: fields,
		vector: clock.FromCanonical(p.Clock),
	}, nil
}

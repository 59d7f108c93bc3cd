// Package syncmanager implements the Sync Manager: the orchestrator that
// binds a set of Documents to a Transport Session through the Offline
// Queue, performs conflict detection/resolution on inbound operations,
// and reports per-document sync-state transitions to listeners.
//
// Generalizes knirvbase's internal/collection/distributed_collection.go
// (DistributedCollection's operationLog, syncStates map,
// broadcastOperation/handleRemoteOperation, requestSync/
// handleSyncRequest/handleSyncResponse) from its pub/sub-over-custom-P2P
// model to this spec's client/coordinator model: Subscribe/Unsubscribe/
// SyncRequest/SyncResponse frames with a messageId correlation table
// instead of fire-and-forget broadcasts to every peer, plus a bounded
// per-document inbound buffer the teacher has no equivalent for.
package syncmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knirvcorp/syncbase/go/internal/clock"
	"github.com/knirvcorp/syncbase/go/internal/document"
	"github.com/knirvcorp/syncbase/go/internal/kv"
	"github.com/knirvcorp/syncbase/go/internal/monitoring"
	"github.com/knirvcorp/syncbase/go/internal/queue"
	"github.com/knirvcorp/syncbase/go/internal/transport"
	"github.com/knirvcorp/syncbase/go/internal/types"
	"github.com/knirvcorp/syncbase/go/internal/wire"
)

// Config bundles the timeouts and resource limits the Sync Manager needs
// beyond what the Queue and Transport packages already own.
type Config struct {
	AckTimeout          time.Duration
	SyncResponseTimeout time.Duration
	InboundBufferSize   int // per-document cap on buffered out-of-order deltas
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:          5 * time.Second,
		SyncResponseTimeout: 10 * time.Second,
		InboundBufferSize:   64,
	}
}

// StateListener is invoked on every DocumentSyncState transition, in
// causal order with the action that produced it.
type StateListener func(id types.DocumentID, state types.DocumentSyncState)

// Manager is the Sync Manager.
type Manager struct {
	cfg     Config
	selfID  clock.ClientID
	store   kv.Store
	queue   *queue.Queue
	sess    *transport.Session
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	docs       map[types.DocumentID]*document.Document
	states     map[types.DocumentID]types.DocumentSyncState
	subscribed map[types.DocumentID]bool
	buffered   map[types.DocumentID][]types.Operation
	listeners  []StateListener
}

// New wires a Manager against an already-constructed Queue and Transport
// Session. Callers typically build the Queue and Session first (so they
// can be shared with other diagnostics) and pass them in.
func New(cfg Config, selfID clock.ClientID, store kv.Store, q *queue.Queue, sess *transport.Session, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:        cfg,
		selfID:     selfID,
		store:      store,
		queue:      q,
		sess:       sess,
		log:        log,
		docs:       make(map[types.DocumentID]*document.Document),
		states:     make(map[types.DocumentID]types.DocumentSyncState),
		subscribed: make(map[types.DocumentID]bool),
		buffered:   make(map[types.DocumentID][]types.Operation),
	}
	sess.OnStateChange(m.onTransportStateChange)
	return m
}

// SetMetrics attaches the collectors this Manager reports against; nil
// disables reporting. Separate from New so a caller that doesn't care
// about metrics (most tests) never has to thread one through.
func (m *Manager) SetMetrics(metrics *monitoring.Metrics) {
	m.metrics = metrics
}

// Start begins the underlying transport session's connect loop.
func (m *Manager) Start(ctx context.Context) {
	m.sess.Start(ctx)
}

// Close tears down the transport session.
func (m *Manager) Close() {
	m.sess.Close()
}

// OnSyncStateChange registers a listener for document sync-state events.
func (m *Manager) OnSyncStateChange(fn StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// HandleFrame is the Transport Session's FrameHandler: every inbound
// frame not claimed by the correlation table (i.e. server-originated
// Delta, and any Error/Subscribe/SyncRequest the coordinator sends us)
// arrives here.
func (m *Manager) HandleFrame(msg wire.ControlMessage) {
	switch msg.Type {
	case wire.FrameDelta:
		m.handleRemoteOperation(msg.Operation())
	case wire.FrameError:
		m.log.Warn("coordinator reported error", zap.String("code", msg.Code), zap.String("message", msg.Message))
		if msg.DocumentID != "" {
			m.setState(msg.DocumentID, types.StateError, msg.Message)
		}
	default:
		m.log.Debug("dropping unexpected frame", zap.String("type", msg.Type.String()))
	}
}

// RegisterDocument materializes id (restoring from the KV backend if
// present, otherwise creating it empty), drains any operations that
// arrived before registration, and kicks off subscription.
func (m *Manager) RegisterDocument(ctx context.Context, id types.DocumentID) (*document.Document, error) {
	doc, err := m.loadOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.docs[id] = doc
	if _, ok := m.states[id]; !ok {
		m.states[id] = types.DocumentSyncState{Document: id, State: types.StateIdle}
	}
	pending := m.buffered[id]
	delete(m.buffered, id)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DocumentsRegistered.Inc()
	}

	for _, op := range pending {
		m.applyRemoteToRegistered(ctx, doc, op)
	}

	go func() {
		if err := m.subscribeDocument(ctx, id); err != nil {
			m.log.Debug("subscribe deferred", zap.String("document", string(id)), zap.Error(err))
		}
	}()

	return doc, nil
}

// UnregisterDocument is the dual of RegisterDocument: local data is
// retained in the KV backend, but the in-memory handle and subscription
// are dropped.
func (m *Manager) UnregisterDocument(ctx context.Context, id types.DocumentID) {
	m.mu.Lock()
	_, wasRegistered := m.docs[id]
	delete(m.docs, id)
	wasSubscribed := m.subscribed[id]
	delete(m.subscribed, id)
	m.mu.Unlock()

	if wasRegistered && m.metrics != nil {
		m.metrics.DocumentsRegistered.Dec()
	}

	if wasSubscribed && m.sess.State() == transport.Connected {
		m.sess.Send(wire.ControlMessage{Type: wire.FrameUnsubscribe, DocumentID: id, MessageID: uuid.NewString()})
	}
}

func (m *Manager) loadOrCreate(ctx context.Context, id types.DocumentID) (*document.Document, error) {
	raw, err := m.store.Get(ctx, kv.PrefixDocument+string(id))
	if err == nil {
		return document.Restore(raw)
	}
	if err != kv.ErrNotFound {
		return nil, types.Wrap(types.KindStorage, err)
	}
	return document.New(id, m.selfID), nil
}

func (m *Manager) persist(ctx context.Context, doc *document.Document) error {
	data, err := doc.Snapshot()
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, kv.PrefixDocument+string(doc.ID()), data); err != nil {
		return types.Wrap(types.KindStorage, err)
	}
	return nil
}

func (m *Manager) document(id types.DocumentID) (*document.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

// Set performs the local mutation path for field on id: persist, then
// either send-and-await-ack (if connected) or enqueue for later replay.
func (m *Manager) Set(ctx context.Context, id types.DocumentID, field types.FieldName, value types.Value) error {
	doc, ok := m.document(id)
	if !ok {
		return types.ErrUnknownDocument
	}
	op := doc.Set(field, value)
	return m.commitLocalOperation(ctx, doc, op)
}

// Delete performs the local mutation path for a field tombstone.
func (m *Manager) Delete(ctx context.Context, id types.DocumentID, field types.FieldName) error {
	doc, ok := m.document(id)
	if !ok {
		return types.ErrUnknownDocument
	}
	op := doc.Delete(field)
	return m.commitLocalOperation(ctx, doc, op)
}

// Get reads a field's current value from a registered document.
func (m *Manager) Get(id types.DocumentID, field types.FieldName) (types.Value, bool) {
	doc, ok := m.document(id)
	if !ok {
		return nil, false
	}
	return doc.Get(field)
}

func (m *Manager) commitLocalOperation(ctx context.Context, doc *document.Document, op types.Operation) error {
	op.MessageID = uuid.NewString()
	op.WallTime = time.Now().UnixMilli()

	if err := m.persist(ctx, doc); err != nil {
		return err
	}

	ackFailed := false
	if m.sess.State() == transport.Connected {
		sentAt := time.Now()
		reply, err := m.sess.SendAwait(ctx, wire.DeltaFromOperation(op), m.cfg.AckTimeout)
		if err == nil && reply.Type == wire.FrameAck {
			if m.metrics != nil {
				m.metrics.AckLatency.Observe(time.Since(sentAt).Seconds())
				m.metrics.OperationsApplied.Inc()
			}
			m.markSynced(op.DocumentID)
			return nil
		}
		m.log.Debug("local delta not acked, falling back to queue", zap.Error(err))
		ackFailed = true
	}

	if err := m.queue.Enqueue(ctx, op); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.OperationsQueued.Inc()
	}
	// A send attempted against a Connected session that never acked
	// (timeout or transport error) reports Error, per the documented
	// timeout behavior; an op that was never attempted because the
	// session wasn't connected in the first place reports Offline.
	if ackFailed {
		m.setState(op.DocumentID, types.StateError, "ack timeout")
	} else {
		m.setState(op.DocumentID, types.StateOffline, "")
	}
	m.refreshPendingCount(ctx, op.DocumentID)
	return nil
}

// refreshPendingCount recomputes pendingOperations for id from the queue
// and emits a state update, per §4.5.5's requirement that every change in
// pendingOperations be published to listeners.
func (m *Manager) refreshPendingCount(ctx context.Context, id types.DocumentID) {
	count, err := m.queue.CountForDocument(ctx, id)
	if err != nil {
		m.log.Warn("failed to refresh pending operation count", zap.Error(err))
		return
	}

	if m.metrics != nil {
		if stats, err := m.queue.Stats(ctx); err == nil {
			m.metrics.QueueDepth.Set(float64(stats.Size))
			m.metrics.QueueFailedEntries.Set(float64(stats.FailedCount))
		}
	}

	m.mu.Lock()
	state := m.states[id]
	state.Document = id
	state.PendingOperations = uint32(count)
	m.states[id] = state
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(id, state)
	}
}

// handleRemoteOperation is the remote-operation path of §4.5.1: resolve
// the target document (buffering if unregistered), detect and resolve
// conflicts against the offline queue, then apply.
func (m *Manager) handleRemoteOperation(op types.Operation) {
	ctx := context.Background()
	doc, ok := m.document(op.DocumentID)
	if !ok {
		m.bufferOperation(op)
		return
	}
	m.applyRemoteToRegistered(ctx, doc, op)
}

func (m *Manager) applyRemoteToRegistered(ctx context.Context, doc *document.Document, op types.Operation) {
	pendingOp, hasPending, err := m.queue.FindPendingField(ctx, op.DocumentID, op.Field)
	if err != nil {
		m.log.Warn("queue lookup failed during conflict detection", zap.Error(err))
	}

	localClock := doc.Clock()
	cmp := clock.Compare(op.Clock, localClock)
	conflict := hasPending && cmp == clock.Concurrent

	if err := doc.ApplyRemote(op); err != nil {
		m.log.Warn("protocol violation applying remote operation",
			zap.String("document", string(op.DocumentID)), zap.String("field", string(op.Field)), zap.Error(err))
	}

	if conflict {
		m.resolveConflict(ctx, pendingOp, op)
	}

	if m.metrics != nil {
		m.metrics.OperationsApplied.Inc()
	}

	if err := m.persist(ctx, doc); err != nil {
		m.setState(op.DocumentID, types.StateError, err.Error())
		return
	}
	m.markSynced(op.DocumentID)
}

// resolveConflict applies the §4.2 total order between a locally queued,
// not-yet-acked operation and a concurrently-received remote operation on
// the same field: the winner's register has already been installed by
// ApplyRemote's LWW rule; this only decides the fate of the pending queue
// entry and whether to proactively resend it.
func (m *Manager) resolveConflict(ctx context.Context, pending types.Operation, remote types.Operation) {
	localTS := clock.Timestamp{Logical: pending.Clock[pending.Origin], Client: pending.Origin}
	remoteTS := clock.Timestamp{Logical: remote.Clock[remote.Origin], Client: remote.Origin}

	if m.metrics != nil {
		m.metrics.ConflictsResolved.Inc()
	}

	switch localTS.Compare(remoteTS) {
	case 1: // local wins: nudge the coordinator so it converges sooner
		if m.sess.State() == transport.Connected {
			m.sess.Send(wire.DeltaFromOperation(pending))
		}
	case -1: // remote wins: the queued write is stale, drop it
		if err := m.queue.Ack(ctx, pending.MessageID); err != nil {
			m.log.Warn("failed to supersede queued operation", zap.Error(err))
		}
		m.refreshPendingCount(ctx, remote.DocumentID)
	}
}

func (m *Manager) bufferOperation(op types.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := m.buffered[op.DocumentID]
	if m.cfg.InboundBufferSize > 0 && len(buf) >= m.cfg.InboundBufferSize {
		m.log.Warn("inbound buffer overflow, dropping oldest operation",
			zap.String("document", string(op.DocumentID)))
		buf = buf[1:]
	}
	m.buffered[op.DocumentID] = append(buf, op)
}

// subscribeDocument sends a Subscribe frame and awaits the coordinator's
// SyncResponse. If the session is not connected, the subscription is
// simply skipped here: it will be retried by onTransportStateChange the
// next time the session reaches Connected.
func (m *Manager) subscribeDocument(ctx context.Context, id types.DocumentID) error {
	if m.sess.State() != transport.Connected {
		return types.ErrNotConnected
	}

	doc, ok := m.document(id)
	if !ok {
		return types.ErrUnknownDocument
	}

	m.setState(id, types.StateSyncing, "")

	msg := wire.ControlMessage{Type: wire.FrameSubscribe, DocumentID: id, MessageID: uuid.NewString()}
	sentAt := time.Now()
	reply, err := m.sess.SendAwait(ctx, msg, m.cfg.SyncResponseTimeout)
	if err != nil {
		m.setState(id, types.StateError, err.Error())
		return err
	}
	if m.metrics != nil {
		m.metrics.SyncResponseLatency.Observe(time.Since(sentAt).Seconds())
	}

	if reply.Type == wire.FrameSyncResponse {
		if err := doc.ApplyFieldSnapshots(reply.State, clock.FromCanonical(reply.ClockEntry)); err != nil {
			m.log.Warn("protocol violation applying sync response", zap.Error(err))
		}
		if err := m.persist(ctx, doc); err != nil {
			m.setState(id, types.StateError, err.Error())
			return err
		}
	}

	m.mu.Lock()
	m.subscribed[id] = true
	m.mu.Unlock()
	m.setState(id, types.StateSynced, "")
	return nil
}

// onTransportStateChange implements §4.5.3's reconnection flow whenever
// the session transitions into Connected.
func (m *Manager) onTransportStateChange(from, to transport.State) {
	if to != transport.Connected {
		if to == transport.Reconnecting || to == transport.Disconnected {
			m.setAllOffline()
		}
		return
	}

	ctx := context.Background()
	go func() {
		m.mu.Lock()
		ids := make([]types.DocumentID, 0, len(m.docs))
		for id := range m.docs {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		for _, id := range ids {
			if err := m.subscribeDocument(ctx, id); err != nil {
				m.log.Debug("resubscribe failed", zap.String("document", string(id)), zap.Error(err))
			}
		}

		if err := m.queue.Replay(ctx, m.replaySend); err != nil {
			m.log.Warn("queue replay failed", zap.Error(err))
		}

		m.mu.Lock()
		drained := make(map[types.DocumentID][]types.Operation, len(m.buffered))
		for id, ops := range m.buffered {
			if _, ok := m.docs[id]; ok && len(ops) > 0 {
				drained[id] = ops
				delete(m.buffered, id)
			}
		}
		m.mu.Unlock()

		for id, ops := range drained {
			doc, ok := m.document(id)
			if !ok {
				continue
			}
			for _, op := range ops {
				m.applyRemoteToRegistered(ctx, doc, op)
			}
		}
	}()
}

func (m *Manager) replaySend(ctx context.Context, op types.Operation) error {
	reply, err := m.sess.SendAwait(ctx, wire.DeltaFromOperation(op), m.cfg.AckTimeout)
	if err != nil {
		return err
	}
	if reply.Type != wire.FrameAck {
		return fmt.Errorf("unexpected reply type %s to replayed delta", reply.Type)
	}
	m.markSynced(op.DocumentID)
	m.refreshPendingCount(ctx, op.DocumentID)
	return nil
}

func (m *Manager) markSynced(id types.DocumentID) {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	state := m.states[id]
	state.Document = id
	state.State = types.StateSynced
	state.LastSyncedAt = &now
	state.Error = ""
	m.states[id] = state
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(id, state)
	}
}

func (m *Manager) setAllOffline() {
	m.mu.Lock()
	ids := make([]types.DocumentID, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.setState(id, types.StateOffline, "")
	}
}

func (m *Manager) setState(id types.DocumentID, kind types.SyncStateKind, errMsg string) {
	m.mu.Lock()
	state := m.states[id]
	state.Document = id
	state.State = kind
	state.Error = errMsg
	m.states[id] = state
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(id, state)
	}
}

// SyncState returns the current reported state for id.
func (m *Manager) SyncState(id types.DocumentID) types.DocumentSyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

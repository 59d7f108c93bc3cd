// Package transport implements the Transport Session: a single long-lived,
// full-duplex, length-prefixed framed connection to the coordinator, with
// heartbeat, exponential-backoff reconnection, and messageId-keyed
// request/response correlation.
//
// The connection shape (one struct guarded by a mutex, a background
// goroutine per I/O concern, a handshake exchanged before the framed
// protocol begins) is grounded on knirvbase's
// internal/network/network_manager.go (NetworkManager's connections map,
// per-peer reader goroutine, "KNIRV:<peerID>\n" handshake), generalized
// from broadcast P2P to a single client/coordinator connection and
// extended with the heartbeat and backoff reconnection the teacher has no
// equivalent for.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knirvcorp/syncbase/go/internal/clock"
	"github.com/knirvcorp/syncbase/go/internal/types"
	"github.com/knirvcorp/syncbase/go/internal/wire"
)

// State is the Transport Session's connection lifecycle, per spec §4.4.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	default:
		return "Disconnected"
	}
}

// Conn is the minimal connection surface the session drives; satisfied by
// *net.TCPConn and by net.Pipe() ends in tests.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Dialer opens a new connection to the coordinator.
type Dialer func(ctx context.Context) (Conn, error)

// Config mirrors spec §6.3's network.reconnect/heartbeat options.
type Config struct {
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxAttempts  int // 0 means unlimited

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	AckTimeout          time.Duration
	SyncResponseTimeout time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMultiplier:   1.5,
		ReconnectMaxAttempts:  0,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      5 * time.Second,
		AckTimeout:            5 * time.Second,
		SyncResponseTimeout:   10 * time.Second,
	}
}

// StateListener is notified of every state transition, in order.
type StateListener func(from, to State)

// FrameHandler receives every inbound frame that is not consumed by the
// correlation table (i.e. every frame without a pending awaiter, plus
// Delta/Subscribe/SyncRequest frames which are never awaited by the
// sender).
type FrameHandler func(msg wire.ControlMessage)

// Session is the client side of the Transport Session state machine.
type Session struct {
	cfg      Config
	dial     Dialer
	clientID clock.ClientID
	log      *zap.Logger
	onFrame  FrameHandler

	mu        sync.Mutex
	state     State
	conn      Conn
	attempts  int
	listeners []StateListener
	pending   map[string]chan wire.ControlMessage
	connGen   uint64 // bumped every time a connection is (re)established; guards stale goroutines

	writeCh  chan wire.ControlMessage
	connLost chan uint64
	connect  chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Session that is not yet connected. Call Start to begin
// the connect/reconnect loop.
func New(cfg Config, dial Dialer, clientID clock.ClientID, onFrame FrameHandler, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:      cfg,
		dial:     dial,
		clientID: clientID,
		log:      log,
		onFrame:  onFrame,
		state:    Disconnected,
		pending:  make(map[string]chan wire.ControlMessage),
		writeCh:  make(chan wire.ControlMessage, 64),
		connLost: make(chan uint64, 1),
		connect:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers a listener invoked on every transition, in
// order, from the session's single control goroutine.
func (s *Session) OnStateChange(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start begins the connect loop in the background and requests an
// initial connection attempt (Disconnected + connect() -> Connecting).
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	select {
	case s.connect <- struct{}{}:
	default:
	}
}

// Close tears the session down: (* + close() -> Disconnected).
func (s *Session) Close() {
	if s.cancel == nil {
		return // never started: already Disconnected, no run loop to wait for
	}
	s.cancel()
	<-s.done
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if from == to {
		return
	}
	s.log.Info("transport state transition", zap.String("from", from.String()), zap.String("to", to.String()))
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Send delivers msg iff the session is Connected; otherwise returns
// ErrNotConnected, per spec §4.4. The caller is responsible for queuing
// (the Offline Queue / Sync Manager, never this package).
func (s *Session) Send(msg wire.ControlMessage) error {
	if s.State() != Connected {
		return types.ErrNotConnected
	}
	select {
	case s.writeCh <- msg:
		return nil
	default:
		return types.Wrap(types.KindTransport, fmt.Errorf("outbound queue full"))
	}
}

// SendAwait sends msg and waits for a reply correlated by msg.MessageID
// (an Ack or a SyncResponse), up to timeout.
func (s *Session) SendAwait(ctx context.Context, msg wire.ControlMessage, timeout time.Duration) (wire.ControlMessage, error) {
	if msg.MessageID == "" {
		return wire.ControlMessage{}, types.Wrap(types.KindProtocol, fmt.Errorf("cannot await a reply to a frame with no messageId"))
	}

	replyCh := make(chan wire.ControlMessage, 1)
	s.mu.Lock()
	s.pending[msg.MessageID] = replyCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.MessageID)
		s.mu.Unlock()
	}()

	if err := s.Send(msg); err != nil {
		return wire.ControlMessage{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		sentinel := types.ErrSyncResponseTimeout
		if msg.Type == wire.FrameDelta {
			sentinel = types.ErrAckTimeout
		}
		return wire.ControlMessage{}, types.Wrap(types.KindTimeout, fmt.Errorf("%w: no reply to messageId %s within %s", sentinel, msg.MessageID, timeout))
	case <-ctx.Done():
		return wire.ControlMessage{}, ctx.Err()
	}
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			s.setState(Disconnected)
			return
		default:
		}

		switch s.State() {
		case Disconnected:
			select {
			case <-s.ctx.Done():
				continue
			case <-s.connect:
				s.setState(Connecting)
			}
		case Connecting:
			s.attemptConnect()
		case Connected:
			s.waitForLoss()
		case Reconnecting:
			s.waitForBackoff()
		case Failed:
			return
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) attemptConnect() {
	conn, err := s.dial(s.ctx)
	if err != nil {
		s.onConnectFailure(err)
		return
	}
	reader, err := s.handshake(conn)
	if err != nil {
		conn.Close()
		s.onConnectFailure(err)
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.connGen++
	gen := s.connGen
	s.mu.Unlock()

	s.setState(Connected)
	go s.readLoop(reader, gen)
	go s.writeLoop(conn, gen)
	go s.heartbeatLoop(gen)
}

func (s *Session) onConnectFailure(err error) {
	s.log.Warn("transport connect failed", zap.Error(err))
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if s.cfg.ReconnectMaxAttempts > 0 && attempts >= s.cfg.ReconnectMaxAttempts {
		s.setState(Failed)
		return
	}
	s.setState(Reconnecting)
}

// handshake exchanges the "SYNCBASE:<clientId>\n" line with the peer and
// returns the buffered reader it used: bufio.Reader pulls from conn in
// chunks, so any bytes it read past the handshake's newline (the start of
// the coordinator's first framed message, if it pipelined one right
// after the handshake) are sitting in its buffer. readLoop must keep
// reading from this same reader rather than conn directly, or those
// bytes are silently dropped.
func (s *Session) handshake(conn Conn) (*bufio.Reader, error) {
	if _, err := fmt.Fprintf(conn, "SYNCBASE:%s\n", s.clientID); err != nil {
		return nil, types.Wrap(types.KindTransport, err)
	}
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, types.Wrap(types.KindTransport, err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "SYNCBASE:") {
		return nil, types.Wrap(types.KindTransport, fmt.Errorf("unexpected handshake response %q", line))
	}
	return reader, nil
}

func (s *Session) waitForLoss() {
	select {
	case <-s.ctx.Done():
		return
	case gen := <-s.connLost:
		s.mu.Lock()
		current := s.connGen
		s.mu.Unlock()
		if gen != current {
			return // stale signal from an already-replaced connection
		}
		s.teardown()
		s.setState(Reconnecting)
	}
}

func (s *Session) waitForBackoff() {
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()

	delay := backoff(s.cfg, attempts)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
		select {
		case s.connect <- struct{}{}:
		default:
		}
		s.setState(Connecting)
	}
}

func backoff(cfg Config, attempts int) time.Duration {
	multiplier := cfg.ReconnectMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.ReconnectInitialDelay) * math.Pow(multiplier, float64(attempts))
	if max := float64(cfg.ReconnectMaxDelay); cfg.ReconnectMaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func (s *Session) readLoop(r io.Reader, gen uint64) {
	for {
		msg, err := wire.ReadFrame(r)
		if err != nil {
			s.log.Debug("transport read failed", zap.Error(err))
			s.signalLoss(gen)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg wire.ControlMessage) {
	if msg.Type == wire.FramePing {
		s.Send(wire.ControlMessage{Type: wire.FramePong, Nonce: msg.Nonce, Timestamp: time.Now().UnixMilli()})
		return
	}
	if msg.Type == wire.FramePong {
		s.mu.Lock()
		ch, ok := s.pending["__heartbeat__"]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}

	if msg.MessageID != "" {
		s.mu.Lock()
		ch, ok := s.pending[msg.MessageID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
			return
		}
	}

	if s.onFrame != nil {
		s.onFrame(msg)
	}
}

func (s *Session) writeLoop(conn Conn, gen uint64) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.writeCh:
			if !ok {
				return
			}
			if err := wire.WriteFrame(conn, msg); err != nil {
				s.log.Debug("transport write failed", zap.Error(err))
				s.signalLoss(gen)
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(gen uint64) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.connGen
			s.mu.Unlock()
			if current != gen {
				return
			}
			if err := s.ping(gen); err != nil {
				s.signalLoss(gen)
				return
			}
		}
	}
}

func (s *Session) ping(gen uint64) error {
	nonce := fmt.Sprintf("hb-%d", time.Now().UnixNano())
	replyCh := make(chan wire.ControlMessage, 1)

	s.mu.Lock()
	s.pending["__heartbeat__"] = replyCh
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, "__heartbeat__")
		s.mu.Unlock()
	}()

	if err := s.Send(wire.ControlMessage{Type: wire.FramePing, Nonce: nonce}); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.HeartbeatTimeout)
	defer timer.Stop()
	select {
	case <-replyCh:
		return nil
	case <-timer.C:
		return types.Wrap(types.KindTimeout, fmt.Errorf("heartbeat pong not received within %s", s.cfg.HeartbeatTimeout))
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) signalLoss(gen uint64) {
	select {
	case s.connLost <- gen:
	default:
	}
}

// Package bridge implements the bridge connection service: the connection
// state machine, the main-loop pump that drains background work onto the
// host's single logical main thread, heartbeat and context-push pacing, the
// command dispatch gateway and the reload persistence hooks.
package bridge

import (
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/remote-control-bridge/host/internal/acceptor"
	"github.com/remote-control-bridge/host/internal/config"
	"github.com/remote-control-bridge/host/internal/model"
	"github.com/remote-control-bridge/host/internal/repository"
	"github.com/remote-control-bridge/host/internal/session"
)

const (
	// actionQueueSize bounds the main-thread action queue fed by the
	// accept and receive goroutines.
	actionQueueSize = 256

	// commandQueueSize bounds inbound commands awaiting dispatch.
	commandQueueSize = 256
)

// Executor runs one decoded command against host state. It is invoked only
// from the main-loop pump, never concurrently with itself.
type Executor interface {
	Execute(tool string, payload map[string]any) (map[string]any, error)
}

// ContextSource produces the host-observable snapshot carried by a context
// push. Called only from the main-loop pump.
type ContextSource func() map[string]any

// StateListener observes connection state transitions. Listeners run on the
// main-loop thread, during the tick that performs the transition.
type StateListener func(old, new model.ConnectionState)

// Status is a point-in-time snapshot safe to read from any goroutine.
type Status struct {
	State           string `json:"state"`
	SessionID       string `json:"sessionId,omitempty"`
	ClientAddr      string `json:"clientAddr,omitempty"`
	CommandsHandled uint64 `json:"commandsHandled"`
	HeartbeatsSent  uint64 `json:"heartbeatsSent"`
}

// Service is the single owned bridge instance. Connect, Disconnect, Tick and
// the reload hooks must all be called from the host main thread; background
// goroutines only ever enqueue onto the action and command queues.
type Service struct {
	settings config.Settings
	exec     Executor
	states   *repository.StateRepository
	contexts ContextSource

	acceptor *acceptor.Acceptor

	actions  chan func()
	commands chan model.Command

	// Everything below is owned by the main thread.
	state           model.ConnectionState
	sessionID       string
	sess            *session.Session
	lastHeartbeat   time.Time
	lastPush        time.Time
	contextDirty    bool
	pushImmediate   bool
	listeners       []StateListener
	commandsHandled uint64
	heartbeatsSent  uint64

	status atomic.Value // Status
}

// NewService wires a bridge service. exec and contexts may be nil, in which
// case commands fail cleanly and context pushes carry an empty payload.
func NewService(settings config.Settings, exec Executor, states *repository.StateRepository, contexts ContextSource) *Service {
	s := &Service{
		settings: settings,
		exec:     exec,
		states:   states,
		contexts: contexts,
		actions:  make(chan func(), actionQueueSize),
		commands: make(chan model.Command, commandQueueSize),
		state:    model.StateDisconnected,
	}

	s.acceptor = acceptor.New(
		acceptor.Config{Host: settings.Host, Port: settings.Port, Path: settings.Path},
		func(conn net.Conn) {
			s.enqueue(func() { s.registerSocket(conn) })
		},
		func(err error) {
			s.enqueue(func() { s.handleListenerFailure(err) })
		},
	)

	s.publishStatus()
	return s
}

// State returns the current connection state. Main thread only.
func (s *Service) State() model.ConnectionState {
	return s.state
}

// SessionID returns the current bridge session id, or "" when disconnected.
// Main thread only.
func (s *Service) SessionID() string {
	return s.sessionID
}

// Addr returns the bound listener address, or nil when no listener runs.
func (s *Service) Addr() net.Addr {
	return s.acceptor.Addr()
}

// OnStateChanged registers a state transition listener. Main thread only.
func (s *Service) OnStateChanged(fn StateListener) {
	s.listeners = append(s.listeners, fn)
}

// Status returns the latest published snapshot. Safe from any goroutine;
// the harness status endpoint reads it concurrently with the tick loop.
func (s *Service) Status() Status {
	return s.status.Load().(Status)
}

// Connect starts the listener and moves the bridge to Connecting. It is a
// no-op when a listener is already running. A bind failure is fatal to this
// attempt: it is logged, the state stays Disconnected, and no retry happens
// until the next explicit or triggered Connect.
func (s *Service) Connect() error {
	if s.state != model.StateDisconnected {
		return nil
	}

	// A new listener means a new bridge lifetime. The id is regenerated
	// here, not per client attach.
	s.sessionID = uuid.New().String()

	if err := s.acceptor.Start(); err != nil {
		log.Printf("bridge: connect failed: %v", err)
		s.sessionID = ""
		s.setState(model.StateDisconnected)
		return err
	}

	s.setState(model.StateConnecting)
	return nil
}

// Disconnect stops the listener, closes any active session and cancels all
// background loops.
func (s *Service) Disconnect() {
	if s.state == model.StateDisconnected {
		return
	}

	s.acceptor.Stop()
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
	s.sessionID = ""
	s.setState(model.StateDisconnected)
}

// registerSocket promotes a freshly handshaken socket to the active session.
// Runs on the main thread (via the action queue), so the hello send below
// already satisfies the "hello from the main-loop thread" rule. Any prior
// session is closed first; there is never more than one live session.
func (s *Service) registerSocket(conn net.Conn) {
	if s.state == model.StateDisconnected {
		// Disconnect raced the promotion; the listener is gone.
		conn.Close()
		return
	}

	if s.sess != nil {
		log.Printf("bridge: replacing session %s with %s", s.sess.RemoteAddr(), conn.RemoteAddr())
		s.sess.Close()
		s.sess = nil
	}

	var sess *session.Session
	sess = session.New(conn, session.Callbacks{
		OnCommand: s.enqueueCommand,
		OnClosed: func(err error) {
			s.enqueue(func() { s.handleSessionClosed(sess, err) })
		},
	})
	s.sess = sess
	sess.Start()

	s.setState(model.StateConnected)
	s.send(model.NewHello(s.sessionID, s.settings.Token))
	s.contextDirty = true
	s.lastHeartbeat = time.Time{}
	s.lastPush = time.Time{}
}

// handleSessionClosed reacts to a session teardown reported by its receive
// loop. The listener keeps running, so the bridge demotes to Connecting and
// will accept a new client without an explicit reconnect.
func (s *Service) handleSessionClosed(sess *session.Session, err error) {
	if s.sess != sess {
		// A newer session already replaced this one.
		return
	}
	if err != nil {
		log.Printf("bridge: session lost: %v", err)
	} else {
		log.Printf("bridge: client disconnected")
	}

	s.sess = nil
	if s.state == model.StateConnected {
		s.setState(model.StateConnecting)
	}
}

// handleListenerFailure reacts to an unrecoverable accept-loop failure.
func (s *Service) handleListenerFailure(err error) {
	if s.state == model.StateDisconnected {
		return
	}
	log.Printf("bridge: listener failed, disconnecting: %v", err)
	s.acceptor.Stop()
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
	s.sessionID = ""
	s.setState(model.StateDisconnected)
}

// MarkContextDirty notes that a context push is owed. Called by host change
// notifications (selection, hierarchy, project). Main thread only.
func (s *Service) MarkContextDirty() {
	s.contextDirty = true
}

// PushContextNow requests an immediate context push, bypassing the interval
// throttle exactly once. Main thread only.
func (s *Service) PushContextNow() {
	s.contextDirty = true
	s.pushImmediate = true
}

// enqueue hands an action to the main-loop pump. Never blocks; a full queue
// drops the action with a log line.
func (s *Service) enqueue(fn func()) {
	select {
	case s.actions <- fn:
	default:
		log.Printf("bridge: action queue full, dropping action")
	}
}

// enqueueCommand hands an inbound command to the main-loop pump.
func (s *Service) enqueueCommand(cmd model.Command) {
	select {
	case s.commands <- cmd:
	default:
		log.Printf("bridge: command queue full, dropping command %s", cmd.CommandID)
	}
}

// send delivers an envelope over the active session. Fire-and-forget from
// the tick's perspective: transport errors surface as a session-closed
// action on a later tick, and envelopes without a live session are dropped.
func (s *Service) send(env model.Envelope) {
	if s.sess == nil {
		return
	}
	s.sess.Send(env)
}

// setState records a transition and notifies listeners on the main thread.
func (s *Service) setState(st model.ConnectionState) {
	if st == s.state {
		s.publishStatus()
		return
	}
	old := s.state
	s.state = st
	log.Printf("bridge: state %s -> %s", old, st)
	s.publishStatus()
	for _, fn := range s.listeners {
		fn(old, st)
	}
}

// publishStatus refreshes the snapshot read by other goroutines.
func (s *Service) publishStatus() {
	status := Status{
		State:           s.state.String(),
		SessionID:       s.sessionID,
		CommandsHandled: s.commandsHandled,
		HeartbeatsSent:  s.heartbeatsSent,
	}
	if s.sess != nil {
		status.ClientAddr = s.sess.RemoteAddr()
	}
	s.status.Store(status)
}

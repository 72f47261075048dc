// Package session owns one live bridge socket: a background receive loop that
// decodes inbound frames, and a synchronized send path used by every outbound
// producer.
package session

import (
	"bufio"
	"encoding/json"
	"log"
	"net"
	"sync"
	"time"

	"github.com/remote-control-bridge/host/internal/model"
	"github.com/remote-control-bridge/host/internal/wire"
)

// writeWait bounds a single socket write so a stuck peer surfaces as a
// transport error instead of a wedged sender.
const writeWait = 10 * time.Second

// Callbacks are invoked from the session's receive goroutine. They must not
// touch host state directly; the bridge service enqueues onto its main queue.
type Callbacks struct {
	// OnCommand receives each well-formed inbound command. Malformed
	// payloads never reach it.
	OnCommand func(cmd model.Command)

	// OnClosed fires exactly once when the receive loop ends, whether the
	// peer closed, the transport failed, or Close was called. err is nil
	// for a clean peer close.
	OnClosed func(err error)
}

// Session is the exclusive owner of one accepted socket. At most one Session
// is live per bridge; registering a new one closes the previous.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	callbacks Callbacks

	// writeMu serializes all socket writes: hello on registration,
	// heartbeats and results from the tick, pongs from the receive loop.
	writeMu   sync.Mutex
	closeSent bool

	mu     sync.Mutex
	closed bool

	notifyOnce sync.Once
}

// New wraps an accepted socket. The receive loop does not run until Start.
func New(conn net.Conn, callbacks Callbacks) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		callbacks: callbacks,
	}
}

// Start launches the background receive loop.
func (s *Session) Start() {
	go s.readLoop()
}

// RemoteAddr returns the peer address for logging and status.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Send serializes the envelope and writes it as a single text frame. Any
// transport error tears the session down; callers treat sends as
// fire-and-forget and observe failures via OnClosed on a later tick.
func (s *Session) Send(env model.Envelope) error {
	if s.isClosed() {
		return model.ErrSessionClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		// Not a transport failure; the connection stays up.
		return err
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = wire.WriteText(s.conn, data)
	s.writeMu.Unlock()

	if err != nil {
		log.Printf("session: send to %s failed: %v", s.RemoteAddr(), err)
		s.teardown(err)
		return err
	}
	return nil
}

// Close tears the session down without waiting for the peer. Safe to call
// more than once and from any goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	if !s.closeSent {
		s.closeSent = true
		// Best-effort goodbye; a stuck peer must not stall teardown.
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		wire.WriteClose(s.conn, wire.CloseNormal, "")
	}
	s.writeMu.Unlock()

	s.conn.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// teardown closes the socket and reports the loop's end exactly once.
func (s *Session) teardown(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.conn.Close()
	s.notifyOnce.Do(func() {
		if s.callbacks.OnClosed != nil {
			s.callbacks.OnClosed(err)
		}
	})
}

// readLoop reads frames until a close frame, a protocol error or Close.
// Text messages are reassembled across continuation frames; pings are
// answered inline; malformed JSON payloads are dropped without killing the
// connection.
func (s *Session) readLoop() {
	var message []byte
	assembling := false

	for {
		frame, err := wire.ReadFrame(s.reader)
		if err != nil {
			if s.isClosed() {
				s.teardown(nil)
			} else {
				s.teardown(err)
			}
			return
		}

		switch frame.Opcode {
		case wire.OpClose:
			code, reason := wire.ParseClose(frame.Payload)
			log.Printf("session: peer %s closed (%d %q)", s.RemoteAddr(), code, reason)
			s.acknowledgeClose(code)
			s.teardown(nil)
			return

		case wire.OpPing:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wire.WritePong(s.conn, frame.Payload)
			s.writeMu.Unlock()

		case wire.OpPong:
			// Unsolicited pongs are permitted and ignored.

		case wire.OpText:
			if assembling {
				s.acknowledgeClose(wire.CloseProtocolError)
				s.teardown(wire.ErrInterleavedMessage)
				return
			}
			if frame.Fin {
				s.handleMessage(frame.Payload)
			} else {
				message = append(message[:0], frame.Payload...)
				assembling = true
			}

		case wire.OpContinuation:
			if !assembling {
				s.teardown(wire.ErrUnexpectedContinuation)
				return
			}
			message = append(message, frame.Payload...)
			if len(message) > wire.MaxPayloadBytes {
				s.acknowledgeClose(wire.CloseMessageTooLarge)
				s.teardown(wire.ErrFrameTooLarge)
				return
			}
			if frame.Fin {
				assembling = false
				s.handleMessage(message)
			}

		case wire.OpBinary:
			// The bridge protocol is JSON text only.
			log.Printf("session: dropping binary frame from %s", s.RemoteAddr())
		}
	}
}

// acknowledgeClose completes the close handshake before teardown.
func (s *Session) acknowledgeClose(code uint16) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closeSent {
		return
	}
	s.closeSent = true
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wire.WriteClose(s.conn, code, "")
}

// handleMessage decodes one complete text message. Only well-formed command
// envelopes are forwarded; everything else is silently dropped.
func (s *Session) handleMessage(data []byte) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("session: dropping malformed payload from %s: %v", s.RemoteAddr(), err)
		return
	}

	cmd, ok := env.AsCommand()
	if !ok {
		log.Printf("session: dropping non-command envelope %q from %s", env.Type, s.RemoteAddr())
		return
	}

	if s.callbacks.OnCommand != nil {
		s.callbacks.OnCommand(cmd)
	}
}

// Package acceptor owns the bridge listening socket. It runs the accept loop,
// drives each raw connection through the handshake codec and promotes
// successful upgrades to the registered callback.
package acceptor

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/remote-control-bridge/host/internal/handshake"
)

// handshakeTimeout bounds how long a raw connection may take to complete the
// upgrade exchange before it is dropped.
const handshakeTimeout = 10 * time.Second

// PromoteFunc receives ownership of a socket whose handshake succeeded. It is
// invoked from the per-connection goroutine and must not block; the bridge
// enqueues the registration onto its main queue.
type PromoteFunc func(conn net.Conn)

// Config holds the listener parameters.
type Config struct {
	// Host is the bind host: a literal IP, "*" or "+" for the any-address
	// wildcard, or a hostname resolved to its first IPv4 (then IPv6)
	// address. Resolution failures fall back to loopback.
	Host string

	// Port is the bind port. Port 0 binds an ephemeral port (tests).
	Port int

	// Path is the fixed bridge path; upgrade requests to any other path
	// are answered with 404.
	Path string
}

// Acceptor listens for bridge clients and promotes handshakes to sessions.
type Acceptor struct {
	cfg     Config
	promote PromoteFunc

	// onClosed is called once when the accept loop exits for any reason
	// other than Stop, e.g. an unrecoverable listener failure.
	onClosed func(err error)

	mu       sync.Mutex
	listener net.Listener
}

// New creates an Acceptor. promote must be non-nil; onClosed may be nil.
func New(cfg Config, promote PromoteFunc, onClosed func(err error)) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		promote:  promote,
		onClosed: onClosed,
	}
}

// Start binds the listener and launches the accept loop. It is idempotent:
// starting a running acceptor is a no-op. A bind failure is fatal to this
// attempt and is returned to the caller; there is no retry loop.
func (a *Acceptor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener != nil {
		return nil
	}

	bindHost := ResolveBindHost(a.cfg.Host)
	addr := net.JoinHostPort(bindHost, fmt.Sprintf("%d", a.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	a.listener = listener
	log.Printf("acceptor: listening on %s path %s", listener.Addr(), a.cfg.Path)

	go a.acceptLoop(listener)
	return nil
}

// Stop closes the listener, which unblocks the accept loop promptly. Safe to
// call when not listening.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	listener := a.listener
	a.listener = nil
	a.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
}

// Listening reports whether the acceptor currently holds a bound listener.
func (a *Acceptor) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener != nil
}

// Addr returns the bound address, or nil when not listening. Useful when
// binding port 0.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// acceptLoop accepts raw connections until the listener closes. Transient
// accept errors are logged and the loop continues; only Stop or an
// unrecoverable listener failure ends it.
func (a *Acceptor) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Stop detection is per listener generation: Stop nils the
			// field and a fresh Start installs a new listener, so a
			// retired loop must never report its own close as a failure.
			a.mu.Lock()
			retired := a.listener != listener
			a.mu.Unlock()

			if retired {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Printf("acceptor: transient accept error: %v", err)
				continue
			}

			log.Printf("acceptor: listener failed: %v", err)
			a.mu.Lock()
			if a.listener == listener {
				a.listener = nil
			}
			a.mu.Unlock()
			listener.Close()
			if a.onClosed != nil {
				a.onClosed(err)
			}
			return
		}
		go a.handleConn(conn)
	}
}

// handleConn runs one raw connection through the handshake under a deadline.
// On success the socket's ownership transfers to the promote callback; on
// failure an HTTP error is written and the socket closed.
func (a *Acceptor) handleConn(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))

	req, err := handshake.ParseRequest(conn)
	if err != nil {
		log.Printf("acceptor: rejected %s: %v", conn.RemoteAddr(), err)
		conn.Write(handshake.RenderHTTPError(400, "malformed request"))
		conn.Close()
		return
	}

	if req.Path != a.cfg.Path {
		log.Printf("acceptor: rejected %s: unexpected path %q", conn.RemoteAddr(), req.Path)
		conn.Write(handshake.RenderHTTPError(404, "not found"))
		conn.Close()
		return
	}

	if err := handshake.ValidateUpgrade(req); err != nil {
		log.Printf("acceptor: rejected %s: %v", conn.RemoteAddr(), err)
		conn.Write(handshake.RenderHTTPError(400, err.Error()))
		conn.Close()
		return
	}

	acceptKey := handshake.ComputeAcceptKey(req.Header("Sec-WebSocket-Key"))
	response := handshake.RenderHandshakeResponse(acceptKey, handshake.FirstSubprotocol(req))
	if _, err := conn.Write(response); err != nil {
		log.Printf("acceptor: failed to complete handshake with %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})
	log.Printf("acceptor: client %s connected", conn.RemoteAddr())
	a.promote(conn)
}

// ResolveBindHost maps the configured host string to a concrete bind address.
// "*" and "+" mean the any-address wildcard; a literal IP is used as-is; a
// hostname resolves to its first IPv4 address, then first IPv6. Any
// resolution failure falls back to loopback.
func ResolveBindHost(host string) string {
	host = strings.TrimSpace(host)
	switch host {
	case "*", "+":
		return "0.0.0.0"
	case "":
		return "127.0.0.1"
	}

	if ip := net.ParseIP(host); ip != nil {
		return host
	}

	addrs, err := net.LookupIP(host)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	for _, ip := range addrs {
		if ip.To4() != nil {
			return ip.String()
		}
	}
	return addrs[0].String()
}

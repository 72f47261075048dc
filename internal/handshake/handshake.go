// Package handshake implements the HTTP-upgrade side of the bridge transport:
// parsing a raw request off the wire, validating it as a WebSocket upgrade,
// computing the RFC 6455 accept key and rendering the switch/error responses.
//
// All functions are stateless; the acceptor owns the socket and its deadlines.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// websocketGUID is the fixed magic string appended to the client key
	// before hashing (RFC 6455 section 1.3).
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// maxHeaderBytes caps how much of a request we are willing to buffer
	// before the terminating blank line arrives.
	maxHeaderBytes = 16 * 1024
)

// Request is a parsed HTTP request line plus headers. Header names are
// lowercased; lookups go through Header.
type Request struct {
	Method  string
	Path    string
	Proto   string
	headers map[string]string
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) string {
	return r.headers[strings.ToLower(name)]
}

// HasHeader reports whether the named header was present at all.
func (r *Request) HasHeader(name string) bool {
	_, ok := r.headers[strings.ToLower(name)]
	return ok
}

// ParseRequest reads one HTTP request head from the stream, byte by byte,
// until the terminating CRLFCRLF. It fails closed once maxHeaderBytes have
// been consumed without seeing the terminator. Read deadlines are the
// caller's responsibility.
func ParseRequest(r io.Reader) (*Request, error) {
	raw := make([]byte, 0, 512)
	buf := make([]byte, 1)
	for {
		if len(raw) >= maxHeaderBytes {
			return nil, fmt.Errorf("request head exceeds %d bytes", maxHeaderBytes)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read request: %w", err)
		}
		raw = append(raw, buf[0])
		if len(raw) >= 4 && string(raw[len(raw)-4:]) == "\r\n\r\n" {
			break
		}
	}
	return parseHead(string(raw[:len(raw)-4]))
}

// parseHead parses the request line and header block (without the trailing
// blank line).
func parseHead(head string) (*Request, error) {
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty request")
	}

	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}

	req := &Request{
		Method:  parts[0],
		Path:    normalizePath(parts[1]),
		Proto:   parts[2],
		headers: make(map[string]string),
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		req.headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	return req, nil
}

// normalizePath strips the query string and any trailing slash, and maps the
// empty path to "/" so that path comparison is exact.
func normalizePath(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}
	target = strings.TrimSuffix(target, "/")
	if target == "" {
		target = "/"
	}
	return target
}

// ValidateUpgrade checks that the request is a well-formed WebSocket upgrade.
// It returns a specific rejection reason for logging and the 400 response; a
// nil error means the request may be promoted. Path matching is not part of
// the upgrade check (wrong paths get a 404 from the acceptor).
func ValidateUpgrade(req *Request) error {
	if req.Method != http.MethodGet {
		return fmt.Errorf("method %q is not GET", req.Method)
	}
	if !httpVersionAtLeast11(req.Proto) {
		return fmt.Errorf("HTTP version %q is below 1.1", req.Proto)
	}
	if !strings.EqualFold(req.Header("Upgrade"), "websocket") {
		return fmt.Errorf("missing or invalid Upgrade header %q", req.Header("Upgrade"))
	}
	if !connectionContainsUpgrade(req.Header("Connection")) {
		return fmt.Errorf("Connection header %q does not contain \"upgrade\"", req.Header("Connection"))
	}
	if req.Header("Sec-WebSocket-Key") == "" {
		return fmt.Errorf("missing Sec-WebSocket-Key header")
	}
	if req.Header("Sec-WebSocket-Version") == "" {
		return fmt.Errorf("missing Sec-WebSocket-Version header")
	}
	return nil
}

// httpVersionAtLeast11 reports whether the protocol string names HTTP 1.1 or
// later.
func httpVersionAtLeast11(proto string) bool {
	var major, minor int
	if _, err := fmt.Sscanf(proto, "HTTP/%d.%d", &major, &minor); err != nil {
		// HTTP/2 style single-digit versions.
		if _, err := fmt.Sscanf(proto, "HTTP/%d", &major); err != nil {
			return false
		}
		return major >= 2
	}
	return major > 1 || (major == 1 && minor >= 1)
}

// connectionContainsUpgrade reports whether any comma-separated token of the
// Connection header equals "upgrade", case-insensitively.
func connectionContainsUpgrade(value string) bool {
	for _, token := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// FirstSubprotocol returns the first protocol the client offered via
// Sec-WebSocket-Protocol, or "". The bridge accepts the first offer
// unconditionally.
func FirstSubprotocol(req *Request) string {
	offered := req.Header("Sec-WebSocket-Protocol")
	if offered == "" {
		return ""
	}
	first, _, _ := strings.Cut(offered, ",")
	return strings.TrimSpace(first)
}

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for a client key:
// SHA-1 over the key concatenated with the RFC 6455 GUID, base64-encoded.
func ComputeAcceptKey(secWebSocketKey string) string {
	sum := sha1.Sum([]byte(secWebSocketKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// RenderHandshakeResponse renders the 101 Switching Protocols response. If
// subprotocol is non-empty it is echoed back as the negotiated protocol.
func RenderHandshakeResponse(acceptKey, subprotocol string) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + acceptKey + "\r\n")
	if subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// RenderHTTPError renders a plain-text error response with a matching
// Content-Length, always closing the connection.
func RenderHTTPError(status int, message string) []byte {
	body := message + "\n"
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, http.StatusText(status), len(body))
	return []byte(head + body)
}

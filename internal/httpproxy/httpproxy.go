// Package httpproxy implements the HTTP/1.1 forward-proxy state machine
// (CONNECT tunnel + absolute-URI forwarding) over a bufconn.Conn, grounded
// on original_source/src/proxy/http.rs and, for the upstream-forwarding
// half, the teacher's internal/server/server.go (which does the same
// CONNECT/plain-HTTP split, just against an upstream proxy instead of the
// client's own requested target).
package httpproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/romeomihailus/dualproxy/internal/bufconn"
	"github.com/romeomihailus/dualproxy/internal/credentials"
	"github.com/romeomihailus/dualproxy/internal/dialer"
	"github.com/romeomihailus/dualproxy/internal/forwarder"
	"github.com/romeomihailus/dualproxy/internal/logging"
)

// Error kinds surfaced by the handler, per spec §7.
var (
	ErrInvalidRequest    = errors.New("httpproxy: invalid request line")
	ErrUnsupportedMethod = errors.New("httpproxy: unsupported method")
	ErrInvalidURL        = errors.New("httpproxy: invalid URL")
	ErrProxyAuthRequired = errors.New("httpproxy: proxy authentication required")
	ErrInvalidBase64     = errors.New("httpproxy: invalid base64 in Proxy-Authorization")
)

var forwardableMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "PATCH": true,
}

// header preserves a request header's original casing alongside a
// lowercase index key, so forwarding can both look headers up
// case-insensitively and replay them with their original casing — per
// spec §3's HttpRequest model and §8 P3 (header fidelity).
type header struct {
	name  string // original casing
	lower string
	value string
}

// request is the parsed representation of one HTTP/1.1 proxy request.
type request struct {
	method  string
	target  string
	version string
	headers []header
	body    []byte
}

func (r *request) get(lowerName string) (string, bool) {
	for _, h := range r.headers {
		if h.lower == lowerName {
			return h.value, true
		}
	}
	return "", false
}

// Handler runs the HTTP/1.1 proxy protocol over a single connection.
type Handler struct {
	Creds  *credentials.Store
	Dialer *dialer.Dialer
	Log    *logging.Logger
}

// New creates a Handler. log may be nil, in which case logging is a no-op.
func New(creds *credentials.Store, d *dialer.Dialer, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New("httpproxy", logging.LevelOff)
	}
	return &Handler{Creds: creds, Dialer: d, Log: log}
}

// Handle parses one request, authenticates if required, and either tunnels
// (CONNECT) or forwards (absolute-URI) it.
func (h *Handler) Handle(ctx context.Context, conn *bufconn.Conn) (forwarder.Result, error) {
	req, err := h.parseRequest(conn)
	if err != nil {
		return forwarder.Result{}, err
	}

	if h.Creds.HasUsers() {
		if err := h.authenticate(conn, req); err != nil {
			h.Log.Warn("auth failed: %v", err)
			return forwarder.Result{}, err
		}
		h.Log.Info("authenticated successfully")
	}

	if req.method == "CONNECT" {
		return h.handleConnect(ctx, conn, req)
	}
	if !forwardableMethods[req.method] {
		return forwarder.Result{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, req.method)
	}
	return h.handleForward(ctx, conn, req)
}

// parseRequest reads the request line, headers, and (if Content-Length is
// present) the body, per spec §4.6.
func (h *Handler) parseRequest(conn *bufconn.Conn) (*request, error) {
	line, err := conn.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRequest, line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !httpguts.ValidMethod(method) {
		return nil, fmt.Errorf("%w: invalid method token %q", ErrInvalidRequest, method)
	}

	var headers []header
	for {
		hl, err := conn.ReadLine()
		if err != nil {
			return nil, err
		}
		if hl == "" {
			break
		}
		colon := strings.IndexByte(hl, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(hl[:colon])
		value := strings.TrimSpace(hl[colon+1:])
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		headers = append(headers, header{name: name, lower: strings.ToLower(name), value: value})
	}

	req := &request{method: method, target: target, version: version, headers: headers}

	if cl, ok := req.get("content-length"); ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrInvalidRequest, cl)
		}
		if n > 0 {
			body, err := conn.ReadExact(n)
			if err != nil {
				return nil, err
			}
			req.body = body
		}
	}

	return req, nil
}

// authenticate enforces Proxy-Authorization: Basic, per spec §4.6.
func (h *Handler) authenticate(conn *bufconn.Conn, req *request) error {
	auth, ok := req.get("proxy-authorization")
	if ok {
		if user, pass, ok := decodeBasic(auth); ok && h.Creds.Authenticate(user, pass) {
			return nil
		}
	}
	_ = conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\n" +
		"Proxy-Authenticate: Basic realm=\"Proxy\"\r\n" +
		"Content-Length: 0\r\n\r\n"))
	return ErrProxyAuthRequired
}

func decodeBasic(auth string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, prefix))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// handleConnect dials req.target directly and, on success, acknowledges
// the tunnel and splices bidirectionally.
func (h *Handler) handleConnect(ctx context.Context, conn *bufconn.Conn, req *request) (forwarder.Result, error) {
	targetConn, err := h.Dialer.Connect(ctx, req.target, 0)
	if err != nil {
		h.Log.Error("dial %s failed: %v", req.target, err)
		return forwarder.Result{}, err
	}
	h.Log.Info("connected to %s", req.target)

	if err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		targetConn.Close()
		return forwarder.Result{}, err
	}

	targetBuf := bufconn.New(targetConn, conn.BufferSize())
	return forwarder.ForwardBidirectional(conn, targetBuf)
}

// handleForward dials the absolute-URI's authority, replays the request in
// origin-form (stripping hop-by-hop headers, forcing Connection: close),
// and copies the upstream response back unidirectionally: the full request
// has already been sent in one shot and Connection: close guarantees
// exactly one response, so there is nothing further to send client->
// upstream and a bidirectional splice would risk mis-framing any
// pipelined bytes the client sent after this request (see spec §9's open
// question — this adopts the one-shot-request variant).
func (h *Handler) handleForward(ctx context.Context, conn *bufconn.Conn, req *request) (forwarder.Result, error) {
	u, err := url.Parse(req.target)
	if err != nil || u.Host == "" {
		return forwarder.Result{}, fmt.Errorf("%w: %q", ErrInvalidURL, req.target)
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	authority := u.Hostname() + ":" + port

	targetConn, err := h.Dialer.Connect(ctx, authority, 0)
	if err != nil {
		h.Log.Error("dial %s failed: %v", authority, err)
		return forwarder.Result{}, err
	}
	h.Log.Info("connected to %s", authority)
	defer targetConn.Close()

	targetBuf := bufconn.New(targetConn, conn.BufferSize())

	origin := u.Path
	if origin == "" {
		origin = "/"
	}
	if u.RawQuery != "" {
		origin += "?" + u.RawQuery
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%s %s %s\r\n", req.method, origin, req.version)
	for _, hd := range req.headers {
		if strings.HasPrefix(hd.lower, "proxy-") || hd.lower == "connection" {
			continue
		}
		fmt.Fprintf(&out, "%s: %s\r\n", hd.name, hd.value)
	}
	out.WriteString("Connection: close\r\n\r\n")

	if err := targetBuf.Write([]byte(out.String())); err != nil {
		return forwarder.Result{}, err
	}
	if len(req.body) > 0 {
		if err := targetBuf.Write(req.body); err != nil {
			return forwarder.Result{}, err
		}
	}

	n, err := copyUpstreamToClient(conn, targetBuf)
	_ = conn.CloseWrite()
	return forwarder.Result{AToB: 0, BToA: n}, err
}

func copyUpstreamToClient(client, upstream *bufconn.Conn) (int64, error) {
	buf := make([]byte, upstream.BufferSize())
	var total int64
	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			if werr := client.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

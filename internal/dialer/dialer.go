// Package dialer resolves and connects to client-requested targets with a
// bounded timeout, surfacing structured error kinds so callers (the SOCKS5
// and HTTP handlers) can map failures onto protocol-specific reply codes,
// as required by spec §4.3/§4.5.
package dialer

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Kind classifies a dial failure.
type Kind int

const (
	// KindNone means no error occurred.
	KindNone Kind = iota
	// KindResolutionFailed means the DNS lookup itself errored.
	KindResolutionFailed
	// KindNotFound means the lookup succeeded but returned zero addresses.
	KindNotFound
	// KindTimeout means the connect timer expired before a connection was
	// established.
	KindTimeout
	// KindRefused means the peer actively refused or was unreachable.
	KindRefused
	// KindOther means the connect attempt failed for a reason that is
	// neither a timeout nor a refusal.
	KindOther
)

// Error wraps a dial failure with its Kind so callers can switch on it
// without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Dialer resolves and connects to "host:port" targets.
type Dialer struct {
	// Timeout bounds the whole resolve+connect operation when Connect is
	// called without an explicit per-call timeout.
	Timeout time.Duration
}

// New creates a Dialer with the given default connect timeout.
func New(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dialer{Timeout: timeout}
}

// Resolve looks up hostPort and returns the first resolved address.
func (d *Dialer) Resolve(ctx context.Context, hostPort string) (string, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", &Error{Kind: KindResolutionFailed, Err: err}
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", &Error{Kind: KindResolutionFailed, Err: err}
	}
	if len(ips) == 0 {
		return "", &Error{Kind: KindNotFound, Err: errors.New("no addresses found for " + host)}
	}
	return net.JoinHostPort(ips[0].IP.String(), port), nil
}

// Connect resolves hostPort and dials it with the given timeout, enabling
// TCP_NODELAY and keepalive on the outbound socket via the
// platform-specific socket-option hook (see sockopt_linux.go); if the hook
// fails to set an option, the dial fails.
func (d *Dialer) Connect(ctx context.Context, hostPort string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = d.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolved, err := d.Resolve(ctx, hostPort)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Control: setSocketOptions}
	conn, err := nd.DialContext(ctx, "tcp", resolved)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
		if isRefused(err) {
			return nil, &Error{Kind: KindRefused, Err: err}
		}
		return nil, &Error{Kind: KindOther, Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH)
}

// Package acceptor runs the bounded-concurrency accept loop that fronts
// both protocol handlers. It is grounded on the teacher's
// internal/server/server.go Start/Stop/handleConn shape (listen, log,
// accept-loop, per-connection goroutine, explicit Stop via listener
// close), generalized with a semaphore-bounded permit scheme and
// first-byte protocol dispatch adapted from original_source/src/net/conn.rs
// and src/main.rs.
package acceptor

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/romeomihailus/dualproxy/internal/bufconn"
	"github.com/romeomihailus/dualproxy/internal/credentials"
	"github.com/romeomihailus/dualproxy/internal/dialer"
	"github.com/romeomihailus/dualproxy/internal/forwarder"
	"github.com/romeomihailus/dualproxy/internal/httpproxy"
	"github.com/romeomihailus/dualproxy/internal/logging"
	"github.com/romeomihailus/dualproxy/internal/socks5"
)

// ErrNoDataReceived is returned when a client connects and disconnects
// without sending any bytes.
var ErrNoDataReceived = errors.New("acceptor: no data received")

// ErrUnsupportedProtocol is returned when the first byte is neither the
// SOCKS5 version byte nor an ASCII letter (the start of an HTTP method).
var ErrUnsupportedProtocol = errors.New("acceptor: unsupported protocol")

// Config bounds one Acceptor's behavior, per spec §5 and §6.
type Config struct {
	BufferSize     int
	MaxConnections int
	ConnectTimeout time.Duration
}

// Metrics is the subset of the metrics package an Acceptor reports
// through; kept as an interface so acceptor stays independent of the
// concrete metrics implementation.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	Dispatched(protocol string)
	Forwarded(aToB, bToA int64)
	AuthFailure()
}

// Acceptor owns the listener and dispatches each accepted connection to
// the SOCKS5 or HTTP handler, bounded by a semaphore of permits (no
// queueing — a connection that can't get a permit is dropped, per spec
// invariant P5).
type Acceptor struct {
	cfg     Config
	socks5  *socks5.Handler
	http    *httpproxy.Handler
	metrics Metrics
	log     *logging.Logger

	permits chan struct{}
	ln      net.Listener
}

// New builds an Acceptor wired to the given credential store and dialer.
// log may be nil, in which case logging (here and in the protocol
// handlers it constructs) is a no-op.
func New(cfg Config, creds *credentials.Store, d *dialer.Dialer, metrics Metrics, log *logging.Logger) *Acceptor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1024
	}
	if log == nil {
		log = logging.New("acceptor", logging.LevelOff)
	}
	return &Acceptor{
		cfg:     cfg,
		socks5:  socks5.New(creds, d, log.WithCategory("socks5")),
		http:    httpproxy.New(creds, d, log.WithCategory("httpproxy")),
		metrics: metrics,
		log:     log,
		permits: make(chan struct{}, cfg.MaxConnections),
	}
}

// Run listens on addr and serves until the listener is closed or ctx is
// canceled. It blocks until accepting stops.
func (a *Acceptor) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.log.Info("listening on %s", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			a.log.Warn("accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		select {
		case a.permits <- struct{}{}:
			go a.handle(ctx, conn)
		default:
			a.log.Warn("at capacity (%d), dropping connection from %s", a.cfg.MaxConnections, conn.RemoteAddr())
			conn.Close()
		}
	}
}

// Stop closes the listener, causing Run to return.
func (a *Acceptor) Stop() error {
	if a.ln != nil {
		return a.ln.Close()
	}
	return nil
}

func (a *Acceptor) handle(ctx context.Context, raw net.Conn) {
	defer func() {
		<-a.permits
		raw.Close()
		if a.metrics != nil {
			a.metrics.ConnectionClosed()
		}
	}()

	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	if a.metrics != nil {
		a.metrics.ConnectionOpened()
	}

	conn := bufconn.New(raw, a.cfg.BufferSize)
	proto, err := sniff(conn)
	if err != nil {
		a.log.Warn("%s: %v", raw.RemoteAddr(), err)
		return
	}

	var res forwarder.Result
	var herr error
	switch proto {
	case protocolSOCKS5:
		if a.metrics != nil {
			a.metrics.Dispatched("socks5")
		}
		res, herr = a.socks5.Handle(ctx, conn)
	case protocolHTTP:
		if a.metrics != nil {
			a.metrics.Dispatched("http")
		}
		res, herr = a.http.Handle(ctx, conn)
	}

	if a.metrics != nil {
		a.metrics.Forwarded(res.AToB, res.BToA)
	}
	if herr != nil {
		if errors.Is(herr, socks5.ErrAuthenticationFailed) || errors.Is(herr, httpproxy.ErrProxyAuthRequired) {
			if a.metrics != nil {
				a.metrics.AuthFailure()
			}
			a.log.Warn("%s: %v", raw.RemoteAddr(), herr)
		} else {
			a.log.Error("%s: %v", raw.RemoteAddr(), herr)
		}
	}
}

type protocol int

const (
	protocolSOCKS5 protocol = iota
	protocolHTTP
)

// sniff peeks at the first byte to decide which protocol handler owns the
// connection, then unreads it so the handler sees the full stream from
// the start, per spec §5 (first-byte dispatch).
func sniff(conn *bufconn.Conn) (protocol, error) {
	b, err := conn.ReadExact(1)
	if err != nil {
		if errors.Is(err, bufconn.ErrUnexpectedEOF) {
			return 0, ErrNoDataReceived
		}
		return 0, err
	}
	conn.Unread(b)

	switch {
	case b[0] == 0x05:
		return protocolSOCKS5, nil
	case isAlpha(b[0]):
		return protocolHTTP, nil
	default:
		return 0, ErrUnsupportedProtocol
	}
}

func isAlpha(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

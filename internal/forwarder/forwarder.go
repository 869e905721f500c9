// Package forwarder splices two byte streams bidirectionally, the way the
// teacher's server.tunnel and the original conn.rs forward_bidirectional
// (itself a thin wrapper over tokio::io::copy_bidirectional) do: two
// concurrent copies, each half-closing its destination on EOF so the
// opposite direction can keep draining.
package forwarder

import "io"

// halfCloser is implemented by connections that support shutting down the
// write side independently of the read side (bufconn.Conn and *net.TCPConn
// both do).
type halfCloser interface {
	CloseWrite() error
}

// Stream is the minimal interface the forwarder needs from each side.
type Stream interface {
	io.Reader
	io.Writer
}

// Result carries the byte counts for each direction, for the
// forwarded-bytes summary logging required by spec §6.
type Result struct {
	AToB int64
	BToA int64
}

type direction struct {
	bytes int64
	err   error
}

// ForwardBidirectional copies a->b and b->a concurrently until both
// directions have seen EOF, half-closing each destination as its source
// direction finishes. It returns byte counts for both directions and the
// first I/O error observed on either direction (the other direction is
// left to drain to completion independently; its error, if any, is
// discarded).
func ForwardBidirectional(a, b Stream) (Result, error) {
	aToB := make(chan direction, 1)
	bToA := make(chan direction, 1)

	go func() {
		n, err := io.Copy(b, a)
		if hc, ok := b.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		aToB <- direction{n, err}
	}()

	go func() {
		n, err := io.Copy(a, b)
		if hc, ok := a.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		bToA <- direction{n, err}
	}()

	var fwd, rev direction
	var firstErr error
	for i := 0; i < 2; i++ {
		var d direction
		select {
		case fwd = <-aToB:
			d = fwd
		case rev = <-bToA:
			d = rev
		}
		if firstErr == nil {
			firstErr = d.err
		}
	}

	res := Result{AToB: fwd.bytes, BToA: rev.bytes}
	return res, firstErr
}

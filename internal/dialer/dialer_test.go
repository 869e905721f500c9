package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestConnectSucceeds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	d := New(time.Second)
	conn, err := d.Connect(context.Background(), ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.Close()
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	d := New(time.Second)
	_, err = d.Connect(context.Background(), addr, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if derr.Kind != KindRefused {
		t.Fatalf("expected KindRefused, got %v", derr.Kind)
	}
}

func TestConnectTimeout(t *testing.T) {
	// 10.255.255.1 is a non-routable address commonly used to induce a
	// connect timeout without relying on external network state; if the
	// test sandbox has no route at all, dial will fail fast as refused
	// instead, which is also an acceptable structured error.
	d := New(50 * time.Millisecond)
	_, err := d.Connect(context.Background(), "10.255.255.1:81", 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected error")
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if derr.Kind != KindTimeout && derr.Kind != KindRefused {
		t.Fatalf("expected KindTimeout or KindRefused, got %v", derr.Kind)
	}
}

func TestResolveUnknownHost(t *testing.T) {
	d := New(time.Second)
	_, err := d.Resolve(context.Background(), "this-host-does-not-exist.invalid:80")
	if err == nil {
		t.Fatal("expected error")
	}
	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if derr.Kind != KindResolutionFailed {
		t.Fatalf("expected KindResolutionFailed, got %v", derr.Kind)
	}
}

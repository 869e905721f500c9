package httpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/romeomihailus/dualproxy/internal/bufconn"
	"github.com/romeomihailus/dualproxy/internal/credentials"
	"github.com/romeomihailus/dualproxy/internal/dialer"
)

// capturedRequest holds the request line and headers an originRecorder
// actually received, so tests can assert on what handleForward put on the
// wire rather than just the response it relayed back.
type capturedRequest struct {
	requestLine string
	headers     map[string]string
}

// startOriginRecorder is like startOrigin but records the request line and
// headers it received instead of discarding them, so callers can assert on
// exactly what was forwarded (header stripping, Connection: close, header
// fidelity).
func startOriginRecorder(t *testing.T, response string) (net.Listener, <-chan capturedRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	got := make(chan capturedRequest, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		reqLine, err := br.ReadString('\n')
		if err != nil {
			return
		}
		headers := map[string]string{}
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
			line = strings.TrimSuffix(line, "\r\n")
			colon := strings.IndexByte(line, ':')
			if colon < 0 {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(line[:colon]))
			headers[name] = strings.TrimSpace(line[colon+1:])
		}
		got <- capturedRequest{requestLine: strings.TrimSuffix(reqLine, "\r\n"), headers: headers}
		io.WriteString(c, response)
	}()
	return ln, got
}

func newTestHandler(t *testing.T, users map[string]string) *Handler {
	t.Helper()
	creds, err := credentials.New(users)
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}
	return New(creds, dialer.New(2*time.Second), nil)
}

// TestConnectTunnel matches spec §8 scenario 4: CONNECT establishes a
// tunnel and splices bidirectionally.
func TestConnectTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	h := newTestHandler(t, nil)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), bufconn.New(server, 4096))
		close(done)
	}()

	addr := ln.Addr().String()
	client.Write([]byte("CONNECT " + addr + " HTTP/1.1\r\nHost: " + addr + "\r\n\r\n"))

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", status)
	}
	blank, _ := br.ReadString('\n')
	if blank != "\r\n" {
		t.Fatalf("expected blank line, got %q", blank)
	}

	client.Write([]byte("ping"))
	echo := make([]byte, 4)
	if _, err := io.ReadFull(br, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo) != "ping" {
		t.Fatalf("got %q", echo)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

// TestAbsoluteURIForwarding matches spec §8 scenario 5 and invariant P3
// (hop-by-hop headers stripped, Connection: close forced, other headers
// preserved verbatim).
func TestAbsoluteURIForwarding(t *testing.T) {
	ln, got := startOriginRecorder(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	defer ln.Close()

	h := newTestHandler(t, nil)
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), bufconn.New(server, 4096))
		close(done)
	}()

	url := "http://" + ln.Addr().String() + "/widgets"
	req := "GET " + url + " HTTP/1.1\r\n" +
		"Host: example.invalid\r\n" +
		"X-Custom: kept\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Connection: keep-alive\r\n" +
		"\r\n"
	client.Write([]byte(req))

	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(resp) != "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" {
		t.Fatalf("unexpected response: %q", resp)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}

	var cr capturedRequest
	select {
	case cr = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("origin never received a request")
	}

	if cr.requestLine != "GET /widgets HTTP/1.1" {
		t.Fatalf("unexpected request line: %q", cr.requestLine)
	}
	if v := cr.headers["x-custom"]; v != "kept" {
		t.Fatalf("expected X-Custom header preserved verbatim, got %q", v)
	}
	if _, ok := cr.headers["proxy-connection"]; ok {
		t.Fatalf("expected Proxy-Connection to be stripped, but it was forwarded")
	}
	if v := cr.headers["connection"]; v != "close" {
		t.Fatalf("expected Connection: close to be forced, got %q", v)
	}
	if v := cr.headers["host"]; v != "example.invalid" {
		t.Fatalf("expected Host header preserved verbatim, got %q", v)
	}
}

// TestProxyAuthRequired verifies the 407 challenge path when credentials
// are configured but missing/invalid.
func TestProxyAuthRequired(t *testing.T) {
	h := newTestHandler(t, map[string]string{"u": "p"})
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		h.Handle(context.Background(), bufconn.New(server, 4096))
		close(done)
	}()

	client.Write([]byte("GET http://example.invalid/ HTTP/1.1\r\nHost: example.invalid\r\n\r\n"))

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "HTTP/1.1 407 Proxy Authentication Required\r\n" {
		t.Fatalf("unexpected status line: %q", status)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not finish")
	}
}

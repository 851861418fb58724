package packetmux

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	cfg.Metrics = m
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, m
}

// tcpPair returns a connected loopback TCP pair. server is the accepted side.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func submit(t *testing.T, a *Adapter, conn net.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Submit(ctx, conn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func writeFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	if err := framing.DefaultCodec.WriteFrame(w, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
}

func recvWithTimeout(t *testing.T, a *Adapter, buf []byte) (int, net.Addr) {
	t.Helper()
	if err := a.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, addr, err := a.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	return n, addr
}

// addrConn overrides the remote address of a connection so tests can
// register several streams under one peer address.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

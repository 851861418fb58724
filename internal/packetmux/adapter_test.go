package packetmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/framing"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
)

func TestAdapter_RecvFromReturnsPayloadAndPeerAddress(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	a, m := newTestAdapter(t, Config{})
	defer a.Close()

	client, server := tcpPair(t)
	submit(t, a, server)

	payload := []byte("0123456789")
	writeFrame(t, client, payload)

	buf := make([]byte, framing.MaxPayload)
	n, addr := recvWithTimeout(t, a, buf)
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("payload=%q, want %q", buf[:n], payload)
	}
	if addr.String() != client.LocalAddr().String() {
		t.Fatalf("addr=%s, want %s", addr, client.LocalAddr())
	}
	if got := m.Get(metrics.MuxFramesIn); got != 1 {
		t.Fatalf("frames in=%d, want 1", got)
	}
}

func TestAdapter_SendToWritesFrameToRegisteredPeer(t *testing.T) {
	a, m := newTestAdapter(t, Config{})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	n, err := a.SendTo([]byte("hello"), client.LocalAddr())
	if err != nil || n != 5 {
		t.Fatalf("SendTo=%d,%v, want 5,nil", n, err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := framing.Decode(client)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got=%q, want %q", got, "hello")
	}
	if m.Get(metrics.MuxFramesOut) != 1 {
		t.Fatalf("frames out=%d, want 1", m.Get(metrics.MuxFramesOut))
	}
}

func TestAdapter_SendToUnknownPeerSucceedsSilently(t *testing.T) {
	a, m := newTestAdapter(t, Config{})

	n, err := a.SendTo([]byte("lost"), &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 9})
	if err != nil || n != 4 {
		t.Fatalf("SendTo=%d,%v, want 4,nil", n, err)
	}
	if m.Get(metrics.MuxSendUnknownPeer) != 1 {
		t.Fatalf("unknown peer count=%d, want 1", m.Get(metrics.MuxSendUnknownPeer))
	}
}

func TestAdapter_SendToRejectsOversizedPayload(t *testing.T) {
	a, _ := newTestAdapter(t, Config{MaxFrameBytes: 8})
	_, err := a.SendTo(make([]byte, 9), Addr{Net: "tcp", Address: "x"})
	if !errors.Is(err, framing.ErrPayloadTooLarge) {
		t.Fatalf("err=%v, want %v", err, framing.ErrPayloadTooLarge)
	}
}

func TestAdapter_IdleStreamIsDeregistered(t *testing.T) {
	a, m := newTestAdapter(t, Config{ReadTimeout: 100 * time.Millisecond})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })
	waitFor(t, "idle deregistration", func() bool { return a.StreamCount() == 0 })

	if got := m.Get(metrics.MuxStreamClosedIdle); got != 1 {
		t.Fatalf("idle closes=%d, want 1", got)
	}

	n, err := a.SendTo([]byte("payload"), client.LocalAddr())
	if err != nil || n != len("payload") {
		t.Fatalf("SendTo=%d,%v, want %d,nil", n, err, len("payload"))
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b [1]byte
	if n, err := client.Read(b[:]); n != 0 || err != io.EOF {
		t.Fatalf("client Read=%d,%v, want 0,EOF", n, err)
	}
}

func TestAdapter_TricklingPayloadIsDropped(t *testing.T) {
	a, m := newTestAdapter(t, Config{ReadTimeout: 200 * time.Millisecond})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	if _, err := client.Write([]byte{0x00, 0x0a}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	// Each byte lands well inside the timeout, the whole payload does not.
	for i := 0; i < 10; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := client.Write([]byte{byte(i)}); err != nil {
			break
		}
	}

	waitFor(t, "deregistration", func() bool { return a.StreamCount() == 0 })
	if got := m.Get(metrics.MuxStreamClosedIdle); got != 1 {
		t.Fatalf("idle closes=%d, want 1", got)
	}
	if got := m.Get(metrics.MuxFramesIn); got != 0 {
		t.Fatalf("frames in=%d, want 0", got)
	}
}

func TestAdapter_HeaderAndPayloadTimedSeparately(t *testing.T) {
	a, m := newTestAdapter(t, Config{ReadTimeout: 400 * time.Millisecond})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	time.Sleep(250 * time.Millisecond)
	if _, err := client.Write([]byte{0x00, 0x02}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if _, err := client.Write([]byte("ok")); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, from, err := a.RecvFrom(buf)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if string(buf[:n]) != "ok" || from.String() != client.LocalAddr().String() {
		t.Fatalf("RecvFrom=%q from %v", buf[:n], from)
	}
	if got := m.Get(metrics.MuxStreamClosedIdle); got != 0 {
		t.Fatalf("idle closes=%d, want 0", got)
	}
}

func TestAdapter_OversizedLengthPrefixTearsDownStream(t *testing.T) {
	a, m := newTestAdapter(t, Config{MaxFrameBytes: 16})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	if _, err := client.Write([]byte{0x00, 0x20}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "teardown", func() bool { return a.StreamCount() == 0 })
	if got := m.Get(metrics.MuxFrameTooLarge); got != 1 {
		t.Fatalf("frame too large=%d, want 1", got)
	}
}

func TestAdapter_PeerCloseIsDeregistered(t *testing.T) {
	a, m := newTestAdapter(t, Config{})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	_ = client.Close()
	waitFor(t, "deregistration", func() bool { return a.StreamCount() == 0 })
	if got := m.Get(metrics.MuxStreamClosedEOF); got != 1 {
		t.Fatalf("eof closes=%d, want 1", got)
	}
}

func TestAdapter_ReplacementKeepsNewerStream(t *testing.T) {
	a, m := newTestAdapter(t, Config{})
	peer := Addr{Net: "tcp", Address: "198.51.100.7:40000"}

	oldClient, oldServer := net.Pipe()
	newClient, newServer := net.Pipe()
	t.Cleanup(func() {
		_ = oldClient.Close()
		_ = newClient.Close()
	})

	submit(t, a, addrConn{Conn: oldServer, remote: peer})
	waitFor(t, "first registration", func() bool { return m.Get(metrics.MuxStreamRegistered) == 1 })
	submit(t, a, addrConn{Conn: newServer, remote: peer})
	waitFor(t, "replacement", func() bool { return m.Get(metrics.MuxStreamReplaced) == 1 })

	// The superseded stream ends; its cleanup must leave the replacement alone.
	_ = oldClient.Close()
	waitFor(t, "old stream cleanup", func() bool { return m.Get(metrics.MuxStreamClosedEOF) == 1 })
	if a.StreamCount() != 1 {
		t.Fatalf("StreamCount=%d, want 1", a.StreamCount())
	}

	got := make(chan []byte, 1)
	go func() {
		_ = newClient.SetReadDeadline(time.Now().Add(5 * time.Second))
		p, _ := framing.Decode(newClient)
		got <- p
	}()
	if _, err := a.SendTo([]byte("to-new"), peer); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if p := <-got; string(p) != "to-new" {
		t.Fatalf("new stream got %q, want %q", p, "to-new")
	}
}

func TestAdapter_FullQueueBlocksInsteadOfDropping(t *testing.T) {
	a, _ := newTestAdapter(t, Config{InboundQueueSize: 1})
	client, server := tcpPair(t)
	submit(t, a, server)

	const frames = 20
	for i := 0; i < frames; i++ {
		writeFrame(t, client, []byte{byte(i)})
	}
	waitFor(t, "queue full", func() bool { return a.QueueLen() == 1 })

	buf := make([]byte, 16)
	for i := 0; i < frames; i++ {
		n, _ := recvWithTimeout(t, a, buf)
		if n != 1 || buf[0] != byte(i) {
			t.Fatalf("frame %d: got %v, want [%d]", i, buf[:n], i)
		}
	}
	if got := a.QueueLen(); got != 0 {
		t.Fatalf("QueueLen=%d after draining, want 0", got)
	}
}

func TestAdapter_ConcurrentSendsDoNotInterleave(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	const senders, perSender, size = 8, 25, 1024
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + s)}, size)
			for i := 0; i < perSender; i++ {
				if _, err := a.SendTo(payload, client.LocalAddr()); err != nil {
					t.Errorf("SendTo: %v", err)
					return
				}
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	_ = client.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, framing.MaxPayload)
	for i := 0; i < senders*perSender; i++ {
		p, err := framing.DefaultCodec.ReadFrame(client, buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if len(p) != size || !bytes.Equal(p, bytes.Repeat(p[:1], size)) {
			t.Fatalf("frame %d is interleaved", i)
		}
	}
	<-done
}

func TestAdapter_TruncatesLongPacket(t *testing.T) {
	a, m := newTestAdapter(t, Config{})
	client, server := tcpPair(t)
	submit(t, a, server)
	writeFrame(t, client, []byte("abcdef"))

	buf := make([]byte, 4)
	n, _ := recvWithTimeout(t, a, buf)
	if n != 4 || string(buf) != "abcd" {
		t.Fatalf("got %q (%d), want %q", buf[:n], n, "abcd")
	}
	if m.Get(metrics.MuxRecvTruncated) != 1 {
		t.Fatalf("truncated=%d, want 1", m.Get(metrics.MuxRecvTruncated))
	}
}

func TestAdapter_ReadDeadline(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	if err := a.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	_, _, err := a.RecvFrom(make([]byte, 16))
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("err=%v, want timeout", err)
	}
}

func TestAdapter_WriteDeadlineInPast(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	client, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	_ = a.SetWriteDeadline(time.Now().Add(-time.Second))
	_, err := a.SendTo([]byte("x"), client.LocalAddr())
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("err=%v, want timeout", err)
	}
}

func TestAdapter_ConnectionOrientedOpsAreNotSupported(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	var dc DatagramConn = a

	if err := dc.Connect(Addr{Net: "tcp", Address: "x"}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Connect err=%v, want %v", err, ErrNotSupported)
	}
	if _, err := dc.Recv(make([]byte, 1)); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Recv err=%v, want %v", err, ErrNotSupported)
	}
	if _, err := dc.Send([]byte("x")); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Send err=%v, want %v", err, ErrNotSupported)
	}
}

func TestAdapter_CloseUnblocksReadersAndRejectsSubmit(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	a, _ := newTestAdapter(t, Config{})
	_, server := tcpPair(t)
	submit(t, a, server)
	waitFor(t, "registration", func() bool { return a.StreamCount() == 1 })

	errCh := make(chan error, 1)
	go func() {
		_, _, err := a.RecvFrom(make([]byte, 16))
		errCh <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, net.ErrClosed) {
		t.Fatalf("RecvFrom err=%v, want %v", err, net.ErrClosed)
	}
	if a.StreamCount() != 0 {
		t.Fatalf("StreamCount=%d after Close, want 0", a.StreamCount())
	}

	_, extra := tcpPair(t)
	if err := a.Submit(context.Background(), extra); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Submit err=%v, want %v", err, net.ErrClosed)
	}
	if _, err := a.SendTo([]byte("x"), extra.RemoteAddr()); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("SendTo err=%v, want %v", err, net.ErrClosed)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAdapter_SubmitHonoursContext(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The accept loop may or may not pick the stream up first; either a
	// nil error or context.Canceled is acceptable, but never a hang.
	_, server := tcpPair(t)
	if err := a.Submit(ctx, server); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit err=%v", err)
	}
	if err := a.Submit(ctx, nil); err == nil {
		t.Fatalf("Submit(nil) succeeded")
	}
}

package packetmux

import (
	"errors"
	"net"
)

var (
	// ErrNotSupported is returned by the connection-oriented operations
	// (Connect, Recv, Send). The adapter only speaks addressed datagrams.
	ErrNotSupported = errors.New("packetmux: operation not supported on a datagram adapter")

	errNilConn = errors.New("packetmux: nil connection")
)

// DatagramConn is the transport capability consumed by a connectionless relay
// engine.
type DatagramConn interface {
	Connect(addr net.Addr) error
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	RecvFrom(p []byte) (int, net.Addr, error)
	SendTo(p []byte, addr net.Addr) (int, error)
}

// Addr is a net.Addr for adapters that are not bound to a listener.
type Addr struct {
	Net     string
	Address string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Address }

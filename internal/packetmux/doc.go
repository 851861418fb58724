// Package packetmux presents a pool of length-framed byte streams as a single
// connectionless packet socket.
//
// Each stream submitted to an Adapter is keyed by its remote address. Frames
// read from any stream are merged into one bounded inbound queue consumed via
// RecvFrom/ReadFrom, and SendTo/WriteTo writes a frame back onto the stream
// registered for the destination address. The Adapter satisfies net.PacketConn
// so a packet-oriented engine such as a TURN server can run over TCP streams
// unchanged.
package packetmux

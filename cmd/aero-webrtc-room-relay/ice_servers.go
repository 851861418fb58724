package main

import (
	"net"
	"strconv"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnserver"
)

// clientICEServers returns the list served by /webrtc/ice: the configured
// servers followed by the built-in TURN server's URLs. Built-in entries carry
// no credentials; /webrtc/ice mints them per request.
func clientICEServers(cfg config.Config, addrs turnserver.Addrs) []webrtc.ICEServer {
	out := append([]webrtc.ICEServer(nil), cfg.ICEServers...)
	if !cfg.TURN.Enabled {
		return out
	}

	host := cfg.TURN.PublicIP.String()
	var urls []string
	if port, ok := addrPort(addrs.UDP); ok {
		urls = append(urls, "turn:"+net.JoinHostPort(host, port)+"?transport=udp")
	}
	if port, ok := addrPort(addrs.TCP); ok {
		if cfg.TURN.TLSEnabled() {
			urls = append(urls, "turns:"+net.JoinHostPort(host, port)+"?transport=tcp")
		} else {
			urls = append(urls, "turn:"+net.JoinHostPort(host, port)+"?transport=tcp")
		}
	}
	if len(urls) > 0 {
		out = append(out, webrtc.ICEServer{URLs: urls})
	}
	return out
}

func addrPort(a net.Addr) (string, bool) {
	switch a := a.(type) {
	case *net.UDPAddr:
		return strconv.Itoa(a.Port), true
	case *net.TCPAddr:
		return strconv.Itoa(a.Port), true
	default:
		return "", false
	}
}

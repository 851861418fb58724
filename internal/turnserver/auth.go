package turnserver

import (
	"log/slog"
	"net"

	"github.com/pion/turn/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/policy"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

// restAuthHandler accepts usernames minted by turnrest.Generator for the
// shared secret and derives the long-term credential key for them.
func restAuthHandler(v *turnrest.Verifier, log *slog.Logger, m *metrics.Metrics) turn.AuthHandler {
	return func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
		password, err := v.Credential(username)
		if err != nil {
			m.Inc(metrics.TURNAuthRejected)
			log.Debug("turn_auth_rejected", "username", username, "src_addr", addrString(srcAddr), "err", err)
			return nil, false
		}
		m.Inc(metrics.TURNAuthOK)
		return turn.GenerateAuthKey(username, realm, password), true
	}
}

// peerPermissionHandler returns nil for a nil policy, which pion treats as
// admit-all.
func peerPermissionHandler(p *policy.PeerPolicy, log *slog.Logger, m *metrics.Metrics) turn.PermissionHandler {
	if p == nil {
		return nil
	}
	return func(clientAddr net.Addr, peerIP net.IP) bool {
		if err := p.AllowPeer(peerIP); err != nil {
			m.Inc(metrics.TURNPermissionDenied)
			log.Debug("turn_permission_denied", "client_addr", addrString(clientAddr), "peer_ip", peerIP.String(), "err", err)
			return false
		}
		return true
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

package httpserver

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

// withTURNRESTCredentials fills TURN entries that carry no credentials of
// their own. Entries configured with static credentials are left alone.
func withTURNRESTCredentials(servers []webrtc.ICEServer, creds turnrest.Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if needsMintedCredentials(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func anyNeedsMintedCredentials(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if needsMintedCredentials(server) {
			return true
		}
	}
	return false
}

func needsMintedCredentials(server webrtc.ICEServer) bool {
	if !config.IsTURNServer(server) {
		return false
	}
	cred, _ := server.Credential.(string)
	return server.Username == "" || cred == ""
}

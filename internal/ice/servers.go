package ice

import (
	"github.com/BioHazard786/Huddle/internal/config"
	"github.com/pion/webrtc/v4"
)

// restricted is swapped in tests.
var restricted = Restricted

// Configuration builds the peer connection configuration from the configured
// STUN and TURN servers. Relay-only transport is used when TURN is available
// and either requested or the network looks restricted.
func Configuration(cfg *config.Config) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}

	turn := cfg.GetTURNServers()
	if turn != nil {
		username, password := cfg.GetTURNCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if turn != nil && (cfg.ForceRelay || restricted()) {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: policy,
	}
}

// SettingEngine returns the transport knobs shared by every connection.
func SettingEngine(cfg *config.Config) webrtc.SettingEngine {
	var se webrtc.SettingEngine
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return se
}

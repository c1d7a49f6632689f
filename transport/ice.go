// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// ICEConfig holds ICE server configuration for WebRTC
// PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN and TURN) used during
	// candidate gathering. Order matters: pion tries them in
	// sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from configured server URLs
// ("stun:..." and "turn:..." entries) with optional TURN
// credentials. An empty list yields host candidates only, which is
// sufficient for same-machine and same-LAN operation.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{Servers: []webrtc.ICEServer{server}}
}

package api

import "testing"

func TestHubBroadcastWithoutClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	// Must not block with nobody connected.
	hub.BroadcastEvent("block_added", map[string]string{"cidr": "1.2.3.4/32"})
}

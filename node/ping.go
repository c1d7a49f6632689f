// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"

	"github.com/weft-foundation/weft/envelope"
)

// pingLoop pings every configured peer at the configured interval.
// Pings are liveness probes: unreachable peers are logged, never
// queued for durable retry.
func (n *Node) pingLoop(ctx context.Context) {
	ticker := n.clock.NewTicker(n.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, peer := range n.pingPeers {
			n.sendControl(ctx, peer, envelope.NewPing(n.self, peer, n.clock.Now()))
		}
	}
}

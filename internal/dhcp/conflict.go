package dhcp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	probing "github.com/go-ping/ping"
)

// icmpConflictTimeout bounds how long a single address-conflict probe may
// take; it must stay well under the DHCP client's own retransmission
// timeout so a DISCOVER never goes unanswered because of it.
const icmpConflictTimeout = 300 * time.Millisecond

// conflictChecker probes whether an address is already in use by some other
// host on the link before it is (re-)offered.
type conflictChecker struct {
	logger *slog.Logger
}

// free reports whether addr appears unused: no ICMP echo reply was received
// within icmpConflictTimeout.  A probe error (e.g. permission denied for raw
// ICMP sockets) is treated as "free" so conflict detection degrades
// gracefully rather than blocking all allocation.
func (c *conflictChecker) free(ctx context.Context, addr netip.Addr) bool {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		c.logger.DebugContext(ctx, "creating pinger", "addr", addr, "error", err)

		return true
	}

	pinger.Count = 1
	pinger.Timeout = icmpConflictTimeout
	pinger.SetPrivileged(true)

	err = pinger.RunWithContext(ctx)
	if err != nil {
		c.logger.DebugContext(ctx, "icmp probe failed", "addr", addr, "error", err)

		return true
	}

	stats := pinger.Statistics()

	return stats.PacketsRecv == 0
}

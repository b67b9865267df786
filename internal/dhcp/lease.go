package dhcp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/timeutil"
)

// LeaseState is the lifecycle state of a Lease.
type LeaseState uint8

// LeaseState values.
const (
	LeaseOffered LeaseState = iota
	LeaseBound
)

// Lease is a DHCP server's promise that an IP is reserved for a client, for
// a bounded time.  Keyed by hardware address; expired leases are
// reclaimable and bound leases take priority over offered ones in conflict
// resolution.
type Lease struct {
	IP       netip.Addr
	HWAddr   net.HardwareAddr
	Expiry   time.Time
	State    LeaseState
	Hostname string
}

func (l *Lease) expired(now time.Time) bool { return now.After(l.Expiry) }

// leaseTable owns the pool of offerable addresses and the set of active
// leases.  All methods are safe for concurrent use.
type leaseTable struct {
	mu sync.Mutex
	clock timeutil.Clock
	// leases is keyed by HWAddr.String().  A captive-portal pool is at most
	// a few hundred addresses, small enough that container.KeyValues'
	// linear scan costs nothing and keeps iteration in offer order, which a
	// hash map wouldn't.
	leases   container.KeyValues[string, *Lease]
	byIP     map[netip.Addr]*Lease
	pool     []netip.Addr // ascending, gateway excluded
	gateway  netip.Addr
	leaseTTL time.Duration
}

// leaseIndex returns the slice index of the entry keyed by key, or -1.
// Callers must hold mu.
func (t *leaseTable) leaseIndex(key string) int {
	for i, kv := range t.leases {
		if kv.Key == key {
			return i
		}
	}

	return -1
}

// deleteLeaseLocked removes the entry keyed by key, if any.  Callers must
// hold mu.
func (t *leaseTable) deleteLeaseLocked(key string) {
	i := t.leaseIndex(key)
	if i < 0 {
		return
	}

	t.leases = append(t.leases[:i], t.leases[i+1:]...)
}

// newLeaseTable builds the address pool [start, end], excluding gateway, and
// returns an empty table.  start, end, and gateway must all be IPv4 and in
// the same /24 (config.Load already checks this -- invariant (i)).
func newLeaseTable(start, end, gateway netip.Addr, ttl time.Duration, clock timeutil.Clock) *leaseTable {
	var pool []netip.Addr

	s, e := u32(start), u32(end)
	for v := s; v <= e; v++ {
		a := fromU32(v)
		if a == gateway {
			continue
		}
		pool = append(pool, a)
	}

	return &leaseTable{
		clock:    clock,
		byIP:     map[netip.Addr]*Lease{},
		pool:     pool,
		gateway:  gateway,
		leaseTTL: ttl,
	}
}

func u32(a netip.Addr) uint32 {
	b := a.As4()

	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromU32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// reclaimExpiredLocked removes expired leases, offered or bound, from the
// index so their addresses become eligible for reuse.  Callers must hold mu.
func (t *leaseTable) reclaimExpiredLocked() {
	now := t.clock.Now()

	live := t.leases[:0]
	for _, kv := range t.leases {
		if kv.Value.expired(now) {
			delete(t.byIP, kv.Value.IP)

			continue
		}

		live = append(live, kv)
	}
	t.leases = live
}

// Offer returns the lease to present for a DISCOVER from hw: reoffer an
// unexpired lease for hw if one exists, else pick the
// lowest unused address in the pool.  It returns ok=false if the pool is
// exhausted, in which case the caller must drop the packet silently.
func (t *leaseTable) Offer(ctx context.Context, hw net.HardwareAddr, hostname string, checkFree func(netip.Addr) bool) (l *Lease, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reclaimExpiredLocked()

	key := hw.String()
	if i := t.leaseIndex(key); i >= 0 {
		existing := t.leases[i].Value
		existing.Hostname = hostname

		return existing.clone(), true
	}

	for _, addr := range t.pool {
		if _, taken := t.byIP[addr]; taken {
			continue
		}

		if checkFree != nil && !checkFree(addr) {
			continue
		}

		l = &Lease{
			IP:       addr,
			HWAddr:   append(net.HardwareAddr(nil), hw...),
			Expiry:   t.clock.Now().Add(t.leaseTTL),
			State:    LeaseOffered,
			Hostname: hostname,
		}
		t.leases = append(t.leases, container.KeyValue[string, *Lease]{Key: key, Value: l})
		t.byIP[addr] = l

		return l.clone(), true
	}

	return nil, false
}

// Confirm binds the previously offered lease for hw at ip, implementing
// REQUEST handling.  ok is false if there is no matching offer/lease
// for (hw, ip), in which case the caller must NAK.
func (t *leaseTable) Confirm(hw net.HardwareAddr, ip netip.Addr) (l *Lease, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reclaimExpiredLocked()

	key := hw.String()
	i := t.leaseIndex(key)
	if i < 0 || t.leases[i].Value.IP != ip {
		return nil, false
	}

	existing := t.leases[i].Value
	existing.State = LeaseBound
	existing.Expiry = t.clock.Now().Add(t.leaseTTL)

	return existing.clone(), true
}

// Release marks the lease for hw expired immediately, implementing
// RELEASE/DECLINE handling.
func (t *leaseTable) Release(hw net.HardwareAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := hw.String()
	if i := t.leaseIndex(key); i >= 0 {
		delete(t.byIP, t.leases[i].Value.IP)
		t.deleteLeaseLocked(key)
	}
}

// clone returns a copy of l for returning to callers outside the table's
// lock.
func (l *Lease) clone() *Lease {
	return &Lease{
		IP:       l.IP,
		HWAddr:   append(net.HardwareAddr(nil), l.HWAddr...),
		Expiry:   l.Expiry,
		State:    l.State,
		Hostname: l.Hostname,
	}
}

// String is used for diagnostics.
func (l *Lease) String() string {
	return fmt.Sprintf("%s -> %s (state=%d, expiry=%s)", l.HWAddr, l.IP, l.State, l.Expiry)
}

package wifibackend

import (
	"time"

	"github.com/bluele/gcache"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

// scanCacheTTL bounds how long a scan result is trusted before it is
// considered stale and evicted; an entry that no later Put refreshes within
// this window (a Scan, or for nm an AccessPointAdded signal) drops out.
const scanCacheTTL = 2 * time.Minute

// ScanCache is a per-interface, TTL-evicting store of the most recent scan
// result, keyed by access-point hardware address since SSIDs are not
// unique.  It is the store that backend adapters publish into and
// portal.Snapshotter reads from.
type ScanCache struct {
	gc gcache.Cache
}

// NewScanCache returns an empty *ScanCache bounded to size entries.
func NewScanCache(size int) *ScanCache {
	return &ScanCache{gc: gcache.New(size).LRU().Expiration(scanCacheTTL).Build()}
}

// Put inserts or refreshes ap, keyed by its hardware address.
func (c *ScanCache) Put(ap wctypes.AccessPoint) {
	_ = c.gc.Set(ap.HW, ap)
}

// Remove evicts the entry for hw, if present.
func (c *ScanCache) Remove(hw string) {
	c.gc.Remove(hw)
}

// Snapshot returns every unexpired entry, in no particular order.
func (c *ScanCache) Snapshot() []wctypes.AccessPoint {
	items := c.gc.GetALL(true)

	aps := make([]wctypes.AccessPoint, 0, len(items))
	for _, v := range items {
		aps = append(aps, v.(wctypes.AccessPoint))
	}

	return aps
}

// Get returns the entry for hw, if present and unexpired.
func (c *ScanCache) Get(hw string) (wctypes.AccessPoint, bool) {
	v, err := c.gc.Get(hw)
	if err != nil {
		return wctypes.AccessPoint{}, false
	}

	return v.(wctypes.AccessPoint), true
}

package wctypes

import "time"

// KnownConnection is a backend-persisted profile pairing an SSID (and
// optionally a specific BSSID) with credentials.  It is created on a
// successful connect and never deleted by this service.  The backends'
// ConnectToAnyKnown does not build KnownConnection values; see
// wifibackend.Backend for the order each backend tries profiles in.
type KnownConnection struct {
	// SSID is the network name the profile was created for.
	SSID SSID

	// HW, if non-empty, pins the profile to a specific access point.
	HW string

	// Credentials are the persisted credentials for this profile. The
	// backend owns the actual secret storage; this is a handle, not
	// necessarily the plaintext passphrase.
	Credentials Credentials

	// LastConnected is used to order known connections newest first.
	LastConnected time.Time
}

// SortNewestFirst sorts profiles by descending LastConnected, the ordering
// mandated by "try all known, newest first".
func SortNewestFirst(profiles []KnownConnection) {
	for i := 1; i < len(profiles); i++ {
		for j := i; j > 0 && profiles[j].LastConnected.After(profiles[j-1].LastConnected); j-- {
			profiles[j], profiles[j-1] = profiles[j-1], profiles[j]
		}
	}
}

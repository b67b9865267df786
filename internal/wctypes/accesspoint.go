package wctypes

import "sort"

// AccessPoint is a single nearby WiFi radio observed in a scan.  It is keyed
// by HW, the L2 address of the radio, since the same SSID may be broadcast
// by several radios on different bands.
type AccessPoint struct {
	// SSID is the network name.  It may be empty for a hidden network.
	SSID SSID `json:"ssid"`

	// HW is the access point's hardware (BSSID) address, as a stable
	// string identifier, e.g. "aa:bb:cc:dd:ee:ff".
	HW string `json:"hw"`

	// Strength is the signal strength as a 0-100 integer percent.
	Strength int `json:"strength"`

	// Frequency is the channel's center frequency in MHz.
	Frequency int `json:"frequency"`

	// Security is the authentication kind the AP requires.
	Security Security `json:"security"`
}

// SortByStrength sorts aps by descending strength, breaking ties by HW
// address so that the ordering is stable across calls.
func SortByStrength(aps []AccessPoint) {
	sort.SliceStable(aps, func(i, j int) bool {
		if aps[i].Strength != aps[j].Strength {
			return aps[i].Strength > aps[j].Strength
		}

		return aps[i].HW < aps[j].HW
	})
}

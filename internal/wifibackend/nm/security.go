package nm

import "github.com/wifi-captive/wificaptive/internal/wctypes"

// NM80211ApSecurityFlags, a subset of NetworkManager's
// org.freedesktop.NetworkManager enum relevant to mapping an access point's
// RsnFlags/WpaFlags to a Security kind.
const (
	apFlagPrivacy = 1 << 0 // NM_802_11_AP_FLAGS_PRIVACY, carried on the AP's base Flags property.

	secFlagKeyMgmtPSK   = 1 << 8  // NM_802_11_AP_SEC_KEY_MGMT_PSK
	secFlagKeyMgmtSAE   = 1 << 10 // NM_802_11_AP_SEC_KEY_MGMT_SAE
	secFlag8021X        = 1 << 9  // NM_802_11_AP_SEC_KEY_MGMT_802_1X
	secFlagKeyMgmtOWE   = 1 << 11 // NM_802_11_AP_SEC_KEY_MGMT_OWE
)

// classifySecurity maps an access point's NM-native flags to a Security
// kind: any enterprise flag wins over any WPA/RSN flag, which wins over
// Privacy-only, which wins over open.
func classifySecurity(apFlags, wpaFlags, rsnFlags uint32) wctypes.Security {
	combined := wpaFlags | rsnFlags

	if combined&secFlag8021X != 0 {
		return wctypes.SecurityEnterprise
	}

	if combined&(secFlagKeyMgmtPSK|secFlagKeyMgmtSAE|secFlagKeyMgmtOWE) != 0 {
		return wctypes.SecurityWPA
	}

	if apFlags&apFlagPrivacy != 0 {
		return wctypes.SecurityWEP
	}

	return wctypes.SecurityOpen
}

package wctypes

import "github.com/AdguardTeam/golibs/errors"

// MinPassphraseLen is the minimum length of a non-open passphrase, per
// WPA-Personal's own floor.
const MinPassphraseLen = 8

// errs are sentinel validation errors for Credentials.Validate.
const (
	errEmptySSID           errors.Error = "ssid must not be empty"
	errPassphraseTooShort  errors.Error = "passphrase must be at least 8 characters"
	errMissingIdentity     errors.Error = "identity is required for enterprise security"
)

// Credentials is what a human supplies (via the portal) or a backend
// persists (as a known connection) to join a network.
type Credentials struct {
	// SSID is the target network name.
	SSID SSID `json:"ssid"`

	// Passphrase authenticates against WEP/WPA networks.  Empty for open
	// networks.
	Passphrase string `json:"passphrase,omitempty"`

	// Identity authenticates against enterprise (802.1X) networks, in
	// addition to Passphrase.
	Identity string `json:"identity,omitempty"`

	// HW disambiguates same-SSID access points broadcasting on different
	// bands.  Optional; only meaningful to the NM backend.
	HW string `json:"hw,omitempty"`
}

// Validate checks c against the security kind the caller expects to use it
// with.  sec may be SecurityOpen when the caller does not yet know the
// target AP's security kind, in which case only the SSID is checked; the
// passphrase length is checked only when sec requires a passphrase.
func (c Credentials) Validate(sec Security) error {
	if len(c.SSID) == 0 {
		return errEmptySSID
	}

	if sec.RequiresPassphrase() && c.Passphrase != "" && len(c.Passphrase) < MinPassphraseLen {
		return errPassphraseTooShort
	}

	if sec == SecurityEnterprise && c.Identity == "" {
		return errMissingIdentity
	}

	return nil
}

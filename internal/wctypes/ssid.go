package wctypes

import "unicode/utf8"

// SSID is a WiFi network name.  It is carried as raw bytes because the
// 802.11 standard allows arbitrary octets in an SSID; a lossy UTF-8 display
// form is derived on demand but the raw bytes are what gets sent in a
// connect request — never the normalized display form.
type SSID []byte

// NewSSID copies s into an SSID.
func NewSSID(s string) SSID {
	return SSID(append([]byte(nil), s...))
}

// String returns a UTF-8 lossy display form of the SSID, suitable for logs
// and the UI, but never for a connect attempt.
func (s SSID) String() string {
	if utf8.Valid(s) {
		return string(s)
	}

	return string([]rune(string(s)))
}

// Equal reports whether s and other carry the same raw bytes.
func (s SSID) Equal(other SSID) bool {
	if len(s) != len(other) {
		return false
	}

	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}

	return true
}

// MarshalJSON implements the json.Marshaler interface for SSID, encoding the
// lossy display form since the portal UI only ever reads SSIDs, it never
// round-trips raw bytes through JSON.
func (s SSID) MarshalJSON() ([]byte, error) {
	disp := s.String()
	out := make([]byte, 0, len(disp)+2)
	out = append(out, '"')
	for _, r := range disp {
		switch r {
		case '"', '\\':
			out = append(out, '\\', byte(r))
		default:
			out = utf8.AppendRune(out, r)
		}
	}
	out = append(out, '"')

	return out, nil
}

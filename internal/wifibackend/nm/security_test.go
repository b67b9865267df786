package nm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

func TestClassifySecurity(t *testing.T) {
	cases := []struct {
		name                         string
		apFlags, wpaFlags, rsnFlags uint32
		want                         wctypes.Security
	}{
		{"open", 0, 0, 0, wctypes.SecurityOpen},
		{"wep privacy only", apFlagPrivacy, 0, 0, wctypes.SecurityWEP},
		{"wpa psk", 0, secFlagKeyMgmtPSK, 0, wctypes.SecurityWPA},
		{"wpa3 sae on rsn", apFlagPrivacy, 0, secFlagKeyMgmtSAE, wctypes.SecurityWPA},
		{"enterprise wins over wpa", apFlagPrivacy, secFlagKeyMgmtPSK, secFlag8021X, wctypes.SecurityEnterprise},
		{"owe is treated as wpa-class", 0, 0, secFlagKeyMgmtOWE, wctypes.SecurityWPA},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySecurity(tt.apFlags, tt.wpaFlags, tt.rsnFlags)
			assert.Equal(t, tt.want, got)
		})
	}
}

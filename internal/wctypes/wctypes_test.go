package wctypes_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

func TestSSID_String(t *testing.T) {
	t.Run("valid_utf8", func(t *testing.T) {
		s := wctypes.NewSSID("cafe-guest")
		assert.Equal(t, "cafe-guest", s.String())
	})

	t.Run("equal", func(t *testing.T) {
		a := wctypes.NewSSID("home")
		b := wctypes.NewSSID("home")
		c := wctypes.NewSSID("away")

		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c))
	})
}

func TestSortByStrength(t *testing.T) {
	aps := []wctypes.AccessPoint{
		{HW: "aa:00", Strength: 40},
		{HW: "bb:00", Strength: 80},
		{HW: "cc:00", Strength: 80},
	}

	wctypes.SortByStrength(aps)

	want := []wctypes.AccessPoint{
		{HW: "bb:00", Strength: 80},
		{HW: "cc:00", Strength: 80},
		{HW: "aa:00", Strength: 40},
	}
	if diff := cmp.Diff(want, aps); diff != "" {
		t.Errorf("SortByStrength() mismatch (-want +got):\n%s", diff)
	}
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name    string
		creds   wctypes.Credentials
		sec     wctypes.Security
		wantErr bool
	}{
		{
			name:    "open_ok",
			creds:   wctypes.Credentials{SSID: wctypes.NewSSID("cafe")},
			sec:     wctypes.SecurityOpen,
			wantErr: false,
		},
		{
			name:    "empty_ssid",
			creds:   wctypes.Credentials{},
			sec:     wctypes.SecurityOpen,
			wantErr: true,
		},
		{
			name:    "short_passphrase",
			creds:   wctypes.Credentials{SSID: wctypes.NewSSID("cafe"), Passphrase: "short"},
			sec:     wctypes.SecurityWPA,
			wantErr: true,
		},
		{
			name: "enterprise_needs_identity",
			creds: wctypes.Credentials{
				SSID:       wctypes.NewSSID("corp"),
				Passphrase: "longenoughpass",
			},
			sec:     wctypes.SecurityEnterprise,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.creds.Validate(tc.sec)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSortNewestFirst(t *testing.T) {
	now := time.Now()
	profiles := []wctypes.KnownConnection{
		{SSID: wctypes.NewSSID("old"), LastConnected: now.Add(-time.Hour)},
		{SSID: wctypes.NewSSID("new"), LastConnected: now},
		{SSID: wctypes.NewSSID("mid"), LastConnected: now.Add(-time.Minute)},
	}

	wctypes.SortNewestFirst(profiles)

	require.Len(t, profiles, 3)
	assert.Equal(t, "new", profiles[0].SSID.String())
	assert.Equal(t, "mid", profiles[1].SSID.String())
	assert.Equal(t, "old", profiles[2].SSID.String())
}

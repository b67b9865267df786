package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifi-captive/wificaptive/internal/config"
)

func TestLoad(t *testing.T) {
	t.Run("minimal_defaults", func(t *testing.T) {
		c, err := config.Load(config.Flags{PortalSSID: "wifi-captive"})
		require.NoError(t, err)
		assert.Equal(t, "wifi-captive", c.PortalSSID.String())
		assert.Equal(t, uint16(config.DefaultListenPort), c.ListenPort)
		assert.Equal(t, uint16(config.DefaultDNSPort), c.DNSPort)
		assert.Equal(t, uint16(config.DefaultDHCPPort), c.DHCPPort)
		assert.False(t, c.DHCPRangeStart.IsUnspecified())
	})

	t.Run("missing_ssid", func(t *testing.T) {
		_, err := config.Load(config.Flags{})
		assert.Error(t, err)
	})

	t.Run("short_passphrase", func(t *testing.T) {
		_, err := config.Load(config.Flags{PortalSSID: "x", PortalPassphrase: "short"})
		assert.Error(t, err)
	})

	t.Run("explicit_range_excludes_gateway", func(t *testing.T) {
		_, err := config.Load(config.Flags{
			PortalSSID:     "x",
			PortalGateway:  "192.168.42.1",
			PortalDHCPRange: "192.168.42.1,192.168.42.10",
		})
		assert.Error(t, err)
	})

	t.Run("explicit_range_ok", func(t *testing.T) {
		c, err := config.Load(config.Flags{
			PortalSSID:      "x",
			PortalGateway:   "192.168.42.1",
			PortalDHCPRange: "192.168.42.2,192.168.42.10",
		})
		require.NoError(t, err)
		assert.Equal(t, "192.168.42.2", c.DHCPRangeStart.String())
		assert.Equal(t, "192.168.42.10", c.DHCPRangeEnd.String())
	})

	t.Run("range_outside_subnet", func(t *testing.T) {
		_, err := config.Load(config.Flags{
			PortalSSID:      "x",
			PortalGateway:   "192.168.42.1",
			PortalDHCPRange: "10.0.0.2,10.0.0.10",
		})
		assert.Error(t, err)
	})
}

package dhcp_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifi-captive/wificaptive/internal/dhcp"
)

func buildDiscover(t *testing.T) *dhcp.Message {
	t.Helper()

	mac, err := net.ParseMAC("02:11:22:33:44:55")
	require.NoError(t, err)

	m := &dhcp.Message{
		Op:     1,
		HType:  1,
		HLen:   6,
		Xid:    0xdeadbeef,
		Flags:  0,
		CHAddr: mac,
		CIAddr: netip.IPv4Unspecified(),
		YIAddr: netip.IPv4Unspecified(),
		SIAddr: netip.IPv4Unspecified(),
		GIAddr: netip.IPv4Unspecified(),
	}
	m.SetOption(dhcp.OptMessageType, []byte{byte(dhcp.MessageTypeDiscover)})
	m.SetOption(dhcp.OptHostName, []byte("my-host"))
	m.SetOption(dhcp.OptParameterRequest, []byte{dhcp.OptSubnetMask, dhcp.OptRouter})

	return m
}

func TestCodec_RoundTrip(t *testing.T) {
	m := buildDiscover(t)

	encoded := m.Encode()
	decoded, err := dhcp.Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, m.Xid, decoded.Xid)
	assert.Equal(t, m.CHAddr, decoded.CHAddr)
	assert.Equal(t, dhcp.MessageTypeDiscover, decoded.MessageType())
	assert.Equal(t, "my-host", decoded.HostName())

	reencoded := decoded.Encode()
	redecoded, err := dhcp.Decode(reencoded)
	require.NoError(t, err)
	assert.Equal(t, decoded.Xid, redecoded.Xid)
	assert.Equal(t, decoded.Options, redecoded.Options)
}

func TestDecode_BadMagic(t *testing.T) {
	m := buildDiscover(t)
	buf := m.Encode()
	buf[236] = 0x00 // corrupt the magic cookie

	_, err := dhcp.Decode(buf)
	assert.Error(t, err)
}

func TestDecode_Truncated(t *testing.T) {
	_, err := dhcp.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecode_TruncatedOption(t *testing.T) {
	m := buildDiscover(t)
	buf := m.Encode()
	// Truncate right after the magic cookie + one option code byte, cutting
	// off the length/data that should follow.
	truncated := buf[:240+1]

	_, err := dhcp.Decode(truncated)
	assert.Error(t, err)
}

func TestRequestedIPAndServerID(t *testing.T) {
	m := buildDiscover(t)
	ip := netip.MustParseAddr("192.168.42.2")
	m.SetOption(dhcp.OptRequestedIP, ip.AsSlice())

	got, ok := m.RequestedIP()
	require.True(t, ok)
	assert.Equal(t, ip, got)

	_, ok = m.ServerID()
	assert.False(t, ok)
}

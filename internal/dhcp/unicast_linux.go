//go:build linux

package dhcp

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// ipv4DefaultTTL matches RFC 1700's recommendation.
const ipv4DefaultTTL = 64

// rawUnicaster frames a DHCP reply in Ethernet/IPv4/UDP and writes it
// directly to a client's hardware address, for the case where the client
// does not yet have a routable IP to receive a normal unicast UDP reply.
// gopacket and mdlayher/* frame the envelope only, never the DHCP message
// itself.
type rawUnicaster struct {
	conn   net.PacketConn
	srcMAC net.HardwareAddr
	srcIP  net.IP
}

// newRawUnicaster opens a raw AF_PACKET socket on iface for framing direct
// replies to DHCP clients.
func newRawUnicaster(iface *net.Interface, srcIP net.IP) (*rawUnicaster, error) {
	conn, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("opening raw socket on %s: %w", iface.Name, err)
	}

	return &rawUnicaster{conn: conn, srcMAC: iface.HardwareAddr, srcIP: srcIP}, nil
}

// Unicast sends payload (an already-encoded DHCP message) to dstMAC/dstIP.
func (u *rawUnicaster) Unicast(payload []byte, dstMAC net.HardwareAddr, dstIP net.IP) error {
	framed, err := u.frame(payload, dstMAC, dstIP)
	if err != nil {
		return err
	}

	_, err = u.conn.WriteTo(framed, &packet.Addr{HardwareAddr: dstMAC})

	return err
}

func (u *rawUnicaster) frame(payload []byte, dstMAC net.HardwareAddr, dstIP net.IP) ([]byte, error) {
	udpLayer := &layers.UDP{SrcPort: 67, DstPort: 68}

	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      ipv4DefaultTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    u.srcIP,
		DstIP:    dstIP,
	}

	if err := udpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, fmt.Errorf("setting checksum layer: %w", err)
	}

	ethLayer := &layers.Ethernet{
		SrcMAC:       u.srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, udpLayer, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("serializing layers: %w", err)
	}

	return buf.Bytes(), nil
}

// Close releases the raw socket.
func (u *rawUnicaster) Close() error { return u.conn.Close() }

//go:build linux

package dhcp

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// listenUDP4 opens a UDP socket bound to 0.0.0.0:port with SO_BROADCAST and
// SO_REUSEADDR set and bound to ifaceName via SO_BINDTODEVICE, so that
// packets arriving on other links are ignored.  Built directly on
// golang.org/x/sys/unix since net.ListenPacket exposes no way to set these
// socket options before bind.
func listenUDP4(ifaceName string, port int) (*ipv4.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return nil, fmt.Errorf("setting SO_BROADCAST: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}

	if ifaceName != "" {
		err = unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifaceName)
		if err != nil {
			return nil, fmt.Errorf("setting SO_BINDTODEVICE %s: %w", ifaceName, err)
		}
	}

	addr := unix.SockaddrInet4{Port: port}
	if err = unix.Bind(fd, &addr); err != nil {
		return nil, fmt.Errorf("bind 0.0.0.0:%d: %w", port, err)
	}

	f := os.NewFile(uintptr(fd), "")
	conn, err := net.FilePacketConn(f)
	// f.Close does not close the duped fd net.FilePacketConn now owns.
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping socket: %w", err)
	}

	ok = true

	return ipv4.NewPacketConn(conn), nil
}

// listenUDPGateway opens a UDP socket bound to gw:port only, with
// SO_REUSEADDR, for a service that, unlike DHCP, never needs to receive
// broadcasts.  Nothing in this module calls it: the DNS responder opens its
// socket with net.ListenUDP and the HTTP portal serves TCP.
func listenUDPGateway(ifaceName string, gw netip.Addr, port int) (*ipv4.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}

	if ifaceName != "" {
		err = unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifaceName)
		if err != nil {
			return nil, fmt.Errorf("setting SO_BINDTODEVICE %s: %w", ifaceName, err)
		}
	}

	b := gw.As4()
	addr := unix.SockaddrInet4{Port: port, Addr: b}
	if err = unix.Bind(fd, &addr); err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", gw, port, err)
	}

	f := os.NewFile(uintptr(fd), "")
	conn, err := net.FilePacketConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping socket: %w", err)
	}

	ok = true

	return ipv4.NewPacketConn(conn), nil
}

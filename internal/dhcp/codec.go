// Package dhcp implements a from-scratch DHCPv4 server: wire codec, a lease
// table, and the DISCOVER/OFFER/REQUEST/ACK protocol.
package dhcp

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
)

// Wire constants, RFC 2131.
const (
	headerLen = 236

	opBootRequest = 1
	opBootReply   = 2

	htypeEthernet = 1
	hlenEthernet  = 6

	flagBroadcast = 0x8000
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// MessageType is the DHCP message type carried in option 53.
type MessageType byte

// MessageType values, RFC 2131 table 1.
const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
)

// Option codes used by this server, RFC 2132.
const (
	OptSubnetMask       = 1
	OptRouter           = 3
	OptDNSServer        = 6
	OptHostName         = 12
	OptRequestedIP      = 50
	OptLeaseTime        = 51
	OptMessageType      = 53
	OptServerID         = 54
	OptParameterRequest = 55
	OptClientID         = 61
	optEnd              = 0xff
	optPad              = 0x00
)

// option is a single TLV option, kept in a slice rather than a map so that
// encode round-trips the order options were parsed in (decode(encode(m)) ==
// m).
type option struct {
	code byte
	data []byte
}

// Message is a decoded BOOTP/DHCPv4 packet.
type Message struct {
	Op      byte
	HType   byte
	HLen    byte
	Hops    byte
	Xid     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  netip.Addr
	YIAddr  netip.Addr
	SIAddr  netip.Addr
	GIAddr  netip.Addr
	CHAddr  net.HardwareAddr
	SName   string
	File    string
	Options []option
}

// Broadcast reports whether the client set the broadcast flag.
func (m *Message) Broadcast() bool { return m.Flags&flagBroadcast != 0 }

// GetOption returns the raw data for code, if present.
func (m *Message) GetOption(code byte) ([]byte, bool) {
	for _, o := range m.Options {
		if o.code == code {
			return o.data, true
		}
	}

	return nil, false
}

// SetOption appends or replaces the option with the given code.
func (m *Message) SetOption(code byte, data []byte) {
	for i, o := range m.Options {
		if o.code == code {
			m.Options[i].data = data

			return
		}
	}

	m.Options = append(m.Options, option{code: code, data: data})
}

// MessageType returns the decoded value of option 53, or 0 if absent.
func (m *Message) MessageType() MessageType {
	v, ok := m.GetOption(OptMessageType)
	if !ok || len(v) != 1 {
		return 0
	}

	return MessageType(v[0])
}

// RequestedIP returns the decoded value of option 50, if present.
func (m *Message) RequestedIP() (netip.Addr, bool) {
	v, ok := m.GetOption(OptRequestedIP)
	if !ok || len(v) != 4 {
		return netip.Addr{}, false
	}

	return netip.AddrFrom4([4]byte(v)), true
}

// ServerID returns the decoded value of option 54, if present.
func (m *Message) ServerID() (netip.Addr, bool) {
	v, ok := m.GetOption(OptServerID)
	if !ok || len(v) != 4 {
		return netip.Addr{}, false
	}

	return netip.AddrFrom4([4]byte(v)), true
}

// HostName returns the decoded value of option 12, if present.
func (m *Message) HostName() string {
	v, _ := m.GetOption(OptHostName)

	return string(v)
}

// Encode serializes m into the 236-byte fixed header, magic cookie, and TLV
// options, per RFC 2131.
func (m *Message) Encode() []byte {
	buf := make([]byte, headerLen, headerLen+4+64)

	buf[0] = m.Op
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.Xid)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	put4(buf[12:16], m.CIAddr)
	put4(buf[16:20], m.YIAddr)
	put4(buf[20:24], m.SIAddr)
	put4(buf[24:28], m.GIAddr)
	copy(buf[28:44], m.CHAddr)
	copy(buf[44:108], m.SName)
	copy(buf[108:236], m.File)

	buf = append(buf, magicCookie[:]...)

	for _, o := range m.Options {
		buf = append(buf, o.code, byte(len(o.data)))
		buf = append(buf, o.data...)
	}
	buf = append(buf, optEnd)

	return buf
}

func put4(dst []byte, a netip.Addr) {
	if a.Is4() {
		b := a.As4()
		copy(dst, b[:])
	}
}

// Decode parses a raw DHCPv4 packet.  It returns a *wcerrors.Error of
// KindCodec on any malformed input: bad magic, a truncated header, or a
// truncated option.  Callers log these at debug and discard the packet;
// Decode itself never panics on malformed input.
func Decode(buf []byte) (*Message, error) {
	const op = "dhcp: decode"

	if len(buf) < headerLen+4 {
		return nil, wcerrors.New(wcerrors.KindCodec, op, errors.Error("packet shorter than header+cookie"))
	}

	m := &Message{
		Op:     buf[0],
		HType:  buf[1],
		HLen:   buf[2],
		Hops:   buf[3],
		Xid:    binary.BigEndian.Uint32(buf[4:8]),
		Secs:   binary.BigEndian.Uint16(buf[8:10]),
		Flags:  binary.BigEndian.Uint16(buf[10:12]),
		CIAddr: netip.AddrFrom4([4]byte(buf[12:16])),
		YIAddr: netip.AddrFrom4([4]byte(buf[16:20])),
		SIAddr: netip.AddrFrom4([4]byte(buf[20:24])),
		GIAddr: netip.AddrFrom4([4]byte(buf[24:28])),
	}

	hlen := int(m.HLen)
	if hlen > 16 {
		hlen = 16
	}
	m.CHAddr = append(net.HardwareAddr(nil), buf[28:28+hlen]...)
	m.SName = cString(buf[44:108])
	m.File = cString(buf[108:236])

	if [4]byte(buf[headerLen:headerLen+4]) != magicCookie {
		return nil, wcerrors.New(wcerrors.KindCodec, op, errors.Error("bad magic cookie"))
	}

	opts, err := decodeOptions(buf[headerLen+4:])
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindCodec, op, err)
	}
	m.Options = opts

	return m, nil
}

func decodeOptions(buf []byte) ([]option, error) {
	var opts []option

	for i := 0; i < len(buf); {
		code := buf[i]
		if code == optEnd {
			break
		}
		if code == optPad {
			i++

			continue
		}

		if i+1 >= len(buf) {
			return nil, errors.Error("truncated option header")
		}

		l := int(buf[i+1])
		start := i + 2
		if start+l > len(buf) {
			return nil, errors.Error("truncated option data")
		}

		opts = append(opts, option{code: code, data: append([]byte(nil), buf[start:start+l]...)})
		i = start + l
	}

	return opts, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

// Package dnsresponder implements a from-scratch DNS responder: a wire
// codec for the header/question/answer sections (RFC 1035) and a UDP
// server that answers every A query with the hotspot gateway address.
package dnsresponder

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
)

// maxUDPMessage is the reply size ceiling above which a response must set
// TC and truncate the answer section.
const maxUDPMessage = 512

// Header flag bits and field layout, RFC 1035 §4.1.1.
const (
	flagQR = 1 << 15
	flagAA = 1 << 10
	flagTC = 1 << 9
	flagRA = 1 << 7

	opcodeMask  = 0x7800
	opcodeShift = 11
	rcodeMask   = 0x000f

	opcodeQuery = 0

	// RCodeNotImplemented is returned for any opcode other than a
	// standard query.
	RCodeNotImplemented = 4
)

// Type and Class values this responder understands, RFC 1035 §3.2.
const (
	TypeA  = 1
	ClassIN = 1
)

// Question is a decoded question-section entry.
type Question struct {
	Name  string // dotted, no trailing root label
	Type  uint16
	Class uint16
}

// RR is a decoded/encoded resource record.  Only the subset this responder
// produces (A records) is represented.
type RR struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Addr  netip.Addr
}

// Message is a decoded DNS message.
type Message struct {
	ID        uint16
	Flags     uint16
	Questions []Question
	Answers   []RR
}

// Opcode returns the request opcode carried in the header flags.
func (m *Message) Opcode() int { return int(m.Flags&opcodeMask) >> opcodeShift }

// Truncated reports whether TC is set.
func (m *Message) Truncated() bool { return m.Flags&flagTC != 0 }

// Decode parses a DNS message's header and question section, per RFC 1035
// §4.1.  It returns a *wcerrors.Error of KindCodec for any malformed input,
// which the caller must log at debug and discard, the same policy the DHCP
// codec applies to malformed packets.
func Decode(buf []byte) (*Message, error) {
	const op = "dns: decode"

	if len(buf) < 12 {
		return nil, wcerrors.New(wcerrors.KindCodec, op, errors.Error("message shorter than header"))
	}

	m := &Message{
		ID:    binary.BigEndian.Uint16(buf[0:2]),
		Flags: binary.BigEndian.Uint16(buf[2:4]),
	}

	qdcount := binary.BigEndian.Uint16(buf[4:6])

	off := 12
	for i := 0; i < int(qdcount); i++ {
		name, next, err := decodeName(buf, off)
		if err != nil {
			return nil, wcerrors.New(wcerrors.KindCodec, op, err)
		}

		if next+4 > len(buf) {
			return nil, wcerrors.New(wcerrors.KindCodec, op, errors.Error("truncated question"))
		}

		q := Question{
			Name:  name,
			Type:  binary.BigEndian.Uint16(buf[next : next+2]),
			Class: binary.BigEndian.Uint16(buf[next+2 : next+4]),
		}
		m.Questions = append(m.Questions, q)
		off = next + 4
	}

	return m, nil
}

// decodeName reads a (possibly compressed) domain name starting at off and
// returns it dotted, plus the offset immediately after the encoding -- which
// for a compressed name is the byte after the two-byte pointer, not the
// target the pointer refers to.
func decodeName(buf []byte, off int) (string, int, error) {
	var labels []string

	start := off
	jumped := false
	guard := 0

	for {
		guard++
		if guard > 128 {
			return "", 0, errors.Error("name too long or looping pointer")
		}

		if off >= len(buf) {
			return "", 0, errors.Error("truncated name")
		}

		l := int(buf[off])
		if l == 0 {
			if !jumped {
				start = off + 1
			}

			break
		}

		if l&0xc0 == 0xc0 {
			if off+1 >= len(buf) {
				return "", 0, errors.Error("truncated name pointer")
			}

			ptr := (l&0x3f)<<8 | int(buf[off+1])
			if !jumped {
				start = off + 2
			}
			jumped = true
			off = ptr

			continue
		}

		if off+1+l > len(buf) {
			return "", 0, errors.Error("truncated label")
		}

		labels = append(labels, string(buf[off+1:off+1+l]))
		off += 1 + l
	}

	return strings.Join(labels, "."), start, nil
}

// Encode serializes m, appending the answer section after the verbatim
// question section.  An answer's name is encoded as a compression pointer
// back to the matching question rather than spelled out again.
func (m *Message) Encode() []byte {
	buf := make([]byte, 12, 64)

	binary.BigEndian.PutUint16(buf[0:2], m.ID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.Questions)))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(m.Answers)))

	questionOffsets := make([]int, len(m.Questions))
	for i, q := range m.Questions {
		questionOffsets[i] = len(buf)
		buf = appendName(buf, q.Name)
		buf = binary.BigEndian.AppendUint16(buf, q.Type)
		buf = binary.BigEndian.AppendUint16(buf, q.Class)
	}

	ancount := 0
	for i, a := range m.Answers {
		rrBuf := encodeRR(a, questionOffsets, m.Questions)

		if len(buf)+len(rrBuf) > maxUDPMessage {
			m.Flags |= flagTC
			ancount = i

			break
		}

		buf = append(buf, rrBuf...)
		ancount = i + 1
	}

	binary.BigEndian.PutUint16(buf[2:4], m.Flags)
	binary.BigEndian.PutUint16(buf[6:8], uint16(ancount))

	return buf
}

// encodeRR encodes a single A record, pointing its NAME back at the
// matching question via a compression pointer when possible.
func encodeRR(rr RR, questionOffsets []int, questions []Question) []byte {
	var buf []byte

	pointed := false
	for i, q := range questions {
		if q.Name == rr.Name {
			buf = binary.BigEndian.AppendUint16(buf, uint16(0xc000|questionOffsets[i]))
			pointed = true

			break
		}
	}
	if !pointed {
		buf = appendName(buf, rr.Name)
	}

	buf = binary.BigEndian.AppendUint16(buf, rr.Type)
	buf = binary.BigEndian.AppendUint16(buf, rr.Class)
	buf = binary.BigEndian.AppendUint32(buf, rr.TTL)

	addr4 := rr.Addr.As4()
	buf = binary.BigEndian.AppendUint16(buf, 4)
	buf = append(buf, addr4[:]...)

	return buf
}

// appendName encodes name as a sequence of length-prefixed labels
// terminated by a zero root label.  It never emits a compression pointer;
// callers that want one check for a match first (see encodeRR).
func appendName(buf []byte, name string) []byte {
	if name == "" {
		return append(buf, 0)
	}

	for _, label := range strings.Split(name, ".") {
		buf = append(buf, byte(len(label)))
		buf = append(buf, label...)
	}

	return append(buf, 0)
}

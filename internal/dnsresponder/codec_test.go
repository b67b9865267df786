package dnsresponder

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeQuery(id uint16, name string, qtype uint16) []byte {
	buf := make([]byte, 12)
	buf[0], buf[1] = byte(id>>8), byte(id)
	buf[5] = 1 // QDCOUNT

	buf = appendName(buf, name)
	buf = append(buf, byte(qtype>>8), byte(qtype))
	buf = append(buf, 0, byte(ClassIN))

	return buf
}

func TestDecodeQuery(t *testing.T) {
	raw := encodeQuery(0x1234, "captive.example.com", TypeA)

	m, err := Decode(raw)
	require.NoError(t, err)

	assert.EqualValues(t, 0x1234, m.ID)
	require.Len(t, m.Questions, 1)
	assert.Equal(t, "captive.example.com", m.Questions[0].Name)
	assert.EqualValues(t, TypeA, m.Questions[0].Type)
	assert.EqualValues(t, ClassIN, m.Questions[0].Class)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeTruncatedQuestion(t *testing.T) {
	raw := encodeQuery(1, "a.com", TypeA)
	_, err := Decode(raw[:len(raw)-3])
	assert.Error(t, err)
}

func TestReplyPointsAnswerAtQuestion(t *testing.T) {
	gw := netip.MustParseAddr("192.168.4.1")
	srv := New(Config{Gateway: gw})

	req, err := Decode(encodeQuery(7, "wifi.local", TypeA))
	require.NoError(t, err)

	resp := srv.reply(req)
	raw := resp.Encode()

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 7, out.ID)

	// The compression pointer must resolve back to the question name on a
	// second decode pass over the full (non-question-only) buffer.
	name, _, err := decodeName(raw, 12+len("wifi.local")+2+4)
	require.NoError(t, err)
	assert.Equal(t, "wifi.local", name)
}

func TestReplyAnswersEveryQuestionWithGateway(t *testing.T) {
	gw := netip.MustParseAddr("10.0.0.1")
	srv := New(Config{Gateway: gw})

	req, err := Decode(encodeQuery(1, "any.example", 28 /* AAAA */))
	require.NoError(t, err)

	resp := srv.reply(req)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, gw, resp.Answers[0].Addr)
	assert.EqualValues(t, TypeA, resp.Answers[0].Type)
}

func TestReplyRejectsNonQueryOpcode(t *testing.T) {
	srv := New(Config{Gateway: netip.MustParseAddr("10.0.0.1")})

	raw := encodeQuery(1, "a.com", TypeA)
	raw[2] |= byte(5 << 3) // opcode 5 in bits 3-6 of the first flags byte

	req, err := Decode(raw)
	require.NoError(t, err)

	resp := srv.reply(req)
	assert.Equal(t, RCodeNotImplemented, int(resp.Flags&rcodeMask))
	assert.Empty(t, resp.Answers)
}

func TestAppendNameRoundTrips(t *testing.T) {
	buf := appendName(nil, "a.b.c")
	name, next, err := decodeName(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "a.b.c", name)
	assert.Equal(t, len(buf), next)
}

func TestAppendNameEmptyIsRoot(t *testing.T) {
	buf := appendName(nil, "")
	assert.Equal(t, []byte{0}, buf)
}

func TestEncodeTruncatesOversizedAnswerSection(t *testing.T) {
	gw := netip.MustParseAddr("10.0.0.1")

	resp := &Message{ID: 1, Flags: flagQR | flagAA}
	resp.Questions = []Question{{Name: strings.Repeat("a", 60) + ".example", Type: TypeA, Class: ClassIN}}

	for i := 0; i < 64; i++ {
		resp.Answers = append(resp.Answers, RR{
			Name:  resp.Questions[0].Name,
			Type:  TypeA,
			Class: ClassIN,
			TTL:   60,
			Addr:  gw,
		})
	}

	raw := resp.Encode()
	assert.LessOrEqual(t, len(raw), maxUDPMessage)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.True(t, decoded.Truncated())
}

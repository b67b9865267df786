package dhcp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

// fakeConn is a packetConn that records every write and never blocks on
// read, so handleDiscover/handleRequest can be exercised without a real
// socket.
type fakeConn struct {
	sent [][]byte
}

func (f *fakeConn) ReadFrom([]byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	return 0, nil, nil, io.EOF
}

func (f *fakeConn) WriteTo(b []byte, _ *ipv4.ControlMessage, _ net.Addr) (int, error) {
	f.sent = append(f.sent, append([]byte(nil), b...))

	return len(b), nil
}

func (f *fakeConn) Close() error { return nil }

func testServer(t *testing.T) (*Server, *fakeConn) {
	t.Helper()

	gw := netip.MustParseAddr("192.168.4.1")
	cfg := Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gateway:   gw,
		PoolStart: netip.MustParseAddr("192.168.4.2"),
		PoolEnd:   netip.MustParseAddr("192.168.4.10"),
		LeaseTime: time.Minute,
		Clock:     timeutil.SystemClock{},
	}

	srv := New(cfg)
	conn := &fakeConn{}
	srv.conn = conn

	return srv, conn
}

// fakeUnicaster is a rawSender that records every direct-to-MAC send.
type fakeUnicaster struct {
	sent []struct {
		payload []byte
		dstMAC  net.HardwareAddr
		dstIP   net.IP
	}
}

func (f *fakeUnicaster) Unicast(payload []byte, dstMAC net.HardwareAddr, dstIP net.IP) error {
	f.sent = append(f.sent, struct {
		payload []byte
		dstMAC  net.HardwareAddr
		dstIP   net.IP
	}{append([]byte(nil), payload...), dstMAC, dstIP})

	return nil
}

func (f *fakeUnicaster) Close() error { return nil }

func discoverFrom(hw net.HardwareAddr) *Message {
	return &Message{
		Op:      opBootRequest,
		CHAddr:  hw,
		Xid:     0xabcd,
		Options: []option{{code: OptMessageType, data: []byte{byte(MessageTypeDiscover)}}},
	}
}

func TestServerDiscoverOffersLowestFreeAddress(t *testing.T) {
	srv, conn := testServer(t)

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	srv.handlePacket(context.Background(), discoverFrom(hw).Encode(), nil)

	require.Len(t, conn.sent, 1)

	offer, err := Decode(conn.sent[0])
	require.NoError(t, err)

	assert.Equal(t, MessageTypeOffer, offer.MessageType())
	assert.Equal(t, netip.MustParseAddr("192.168.4.2"), offer.YIAddr)
}

func TestServerRequestBindsOfferedAddress(t *testing.T) {
	srv, conn := testServer(t)

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 6}
	srv.handlePacket(context.Background(), discoverFrom(hw).Encode(), nil)
	require.Len(t, conn.sent, 1)

	offer, err := Decode(conn.sent[0])
	require.NoError(t, err)

	req := &Message{
		Op:     opBootRequest,
		CHAddr: hw,
		Xid:    offer.Xid,
		Options: []option{
			{code: OptMessageType, data: []byte{byte(MessageTypeRequest)}},
			{code: OptRequestedIP, data: offer.YIAddr.AsSlice()},
		},
	}
	srv.handlePacket(context.Background(), req.Encode(), nil)

	require.Len(t, conn.sent, 2)

	ack, err := Decode(conn.sent[1])
	require.NoError(t, err)

	assert.Equal(t, MessageTypeAck, ack.MessageType())
	assert.Equal(t, offer.YIAddr, ack.YIAddr)
}

func TestServerRequestUnknownLeaseIsNaked(t *testing.T) {
	srv, conn := testServer(t)

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 7}
	req := &Message{
		Op:     opBootRequest,
		CHAddr: hw,
		Options: []option{
			{code: OptMessageType, data: []byte{byte(MessageTypeRequest)}},
			{code: OptRequestedIP, data: netip.MustParseAddr("192.168.4.9").AsSlice()},
		},
	}
	srv.handlePacket(context.Background(), req.Encode(), nil)

	require.Len(t, conn.sent, 1)

	nak, err := Decode(conn.sent[0])
	require.NoError(t, err)

	assert.Equal(t, MessageTypeNak, nak.MessageType())
}

func TestServerReleaseFreesLease(t *testing.T) {
	srv, conn := testServer(t)

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 8}
	srv.handlePacket(context.Background(), discoverFrom(hw).Encode(), nil)
	require.Len(t, conn.sent, 1)

	rel := &Message{
		Op:      opBootRequest,
		CHAddr:  hw,
		Options: []option{{code: OptMessageType, data: []byte{byte(MessageTypeRelease)}}},
	}
	srv.handlePacket(context.Background(), rel.Encode(), nil)

	assert.Equal(t, -1, srv.table.leaseIndex(hw.String()))
}

func TestServerUnicastsOfferWhenClientClearsBroadcastFlag(t *testing.T) {
	srv, conn := testServer(t)
	uni := &fakeUnicaster{}
	srv.uni = uni

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 9}
	req := discoverFrom(hw)
	req.Flags = 0 // broadcast bit clear: this client can receive a direct reply.
	srv.handlePacket(context.Background(), req.Encode(), nil)

	assert.Empty(t, conn.sent, "a unicast-capable client must not receive a broadcast reply")
	require.Len(t, uni.sent, 1)
	assert.Equal(t, hw, uni.sent[0].dstMAC)
	assert.Equal(t, netip.MustParseAddr("192.168.4.2").AsSlice(), []byte(uni.sent[0].dstIP))
}

func TestServerBroadcastsOfferWhenClientSetsBroadcastFlag(t *testing.T) {
	srv, conn := testServer(t)
	srv.uni = &fakeUnicaster{}

	hw := net.HardwareAddr{0, 1, 2, 3, 4, 10}
	req := discoverFrom(hw)
	req.Flags = flagBroadcast
	srv.handlePacket(context.Background(), req.Encode(), nil)

	require.Len(t, conn.sent, 1)
}

func TestServerMalformedPacketIsDiscarded(t *testing.T) {
	srv, conn := testServer(t)

	srv.handlePacket(context.Background(), []byte{1, 2, 3}, nil)

	assert.Empty(t, conn.sent)
}

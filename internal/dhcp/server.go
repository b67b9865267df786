package dhcp

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"golang.org/x/net/ipv4"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
)

// Config is the configuration for one Server, scoped to a single wireless
// interface acting as the hotspot gateway.
type Config struct {
	Logger        *slog.Logger
	Interface     string
	Gateway       netip.Addr
	PoolStart     netip.Addr
	PoolEnd       netip.Addr
	Port          int
	LeaseTime     time.Duration
	Clock         timeutil.Clock
	CheckConflict bool
}

// Server is a from-scratch DHCPv4 server implementing [service.Interface].
type Server struct {
	cfg    Config
	logger *slog.Logger
	table  *leaseTable
	check  *conflictChecker

	mu     sync.Mutex
	conn   packetConn
	uni    rawSender
	errCh  chan error
	cancel context.CancelFunc
	doneCh chan struct{}
}

// packetConn is the subset of *ipv4.PacketConn the server needs, narrowed so
// tests can substitute an in-memory fake.
type packetConn interface {
	ReadFrom(b []byte) (n int, cm *ipv4.ControlMessage, src net.Addr, err error)
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (n int, err error)
	Close() error
}

// rawSender is the subset of *rawUnicaster send needs, narrowed so tests can
// substitute a fake instead of opening a real AF_PACKET socket.
type rawSender interface {
	Unicast(payload []byte, dstMAC net.HardwareAddr, dstIP net.IP) error
	Close() error
}

// New returns a new Server for cfg.  cfg must be valid: Gateway/PoolStart/
// PoolEnd must be IPv4 and invariant (i) must already hold (config.Load
// enforces this before the server is ever constructed).
func New(cfg Config) *Server {
	if cfg.LeaseTime <= 0 {
		cfg.LeaseTime = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.SystemClock{}
	}
	if cfg.Port == 0 {
		cfg.Port = 67
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		table:  newLeaseTable(cfg.PoolStart, cfg.PoolEnd, cfg.Gateway, cfg.LeaseTime, cfg.Clock),
		check:  &conflictChecker{logger: cfg.Logger},
		errCh:  make(chan error, 1),
	}
}

// Errs returns the channel on which fatal socket errors are reported. A
// socket error here must surface to the supervisor and tear the hotspot
// down.
func (s *Server) Errs() <-chan error { return s.errCh }

// Start implements [service.Interface] for *Server.  It does not block.
func (s *Server) Start(ctx context.Context) error {
	const op = "dhcp: start"

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := listenUDP4(s.cfg.Interface, s.cfg.Port)
	if err != nil {
		return wcerrors.New(wcerrors.KindIO, op, err)
	}
	s.conn = conn

	if iface, err := net.InterfaceByName(s.cfg.Interface); err != nil {
		s.logger.WarnContext(ctx, "resolving interface for raw unicast, broadcasting all replies", "error", err)
	} else if uni, err := newRawUnicaster(iface, s.cfg.Gateway.AsSlice()); err != nil {
		s.logger.WarnContext(ctx, "opening raw unicast socket, broadcasting all replies", "error", err)
	} else {
		s.uni = uni
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	go s.serve(runCtx)

	s.logger.InfoContext(ctx, "listening", "iface", s.cfg.Interface, "port", s.cfg.Port)

	return nil
}

// Shutdown implements [service.Interface] for *Server.  It cancels the read
// loop before returning, guaranteeing no lease is handed out after the
// hotspot is gone.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.doneCh
	conn := s.conn
	uni := s.uni
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if uni != nil {
		_ = uni.Close()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (s *Server) serve(ctx context.Context) {
	defer close(s.doneCh)

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			select {
			case s.errCh <- wcerrors.New(wcerrors.KindIO, "dhcp: read", err):
			default:
			}

			return
		}

		s.handlePacket(ctx, append([]byte(nil), buf[:n]...), src)
	}
}

func (s *Server) handlePacket(ctx context.Context, raw []byte, src net.Addr) {
	msg, err := Decode(raw)
	if err != nil {
		s.logger.DebugContext(ctx, "decoding packet", "from", src, "error", err)

		return
	}

	if msg.Op != opBootRequest {
		return
	}

	if err := netutil.ValidateMAC(msg.CHAddr); err != nil {
		s.logger.DebugContext(ctx, "rejecting packet", "from", src, "error", err)

		return
	}

	switch msg.MessageType() {
	case MessageTypeDiscover:
		s.handleDiscover(ctx, msg)
	case MessageTypeRequest:
		s.handleRequest(ctx, msg)
	case MessageTypeDecline, MessageTypeRelease:
		s.table.Release(msg.CHAddr)
	default:
		s.logger.DebugContext(ctx, "unsupported message type", "type", msg.MessageType())
	}
}

func (s *Server) handleDiscover(ctx context.Context, req *Message) {
	var checkFree func(netip.Addr) bool
	if s.cfg.CheckConflict {
		checkFree = func(addr netip.Addr) bool { return s.check.free(ctx, addr) }
	}

	lease, ok := s.table.Offer(ctx, req.CHAddr, validHostname(ctx, s.logger, req.HostName()), checkFree)
	if !ok {
		s.logger.DebugContext(ctx, "pool exhausted, dropping discover", "from", req.CHAddr)

		return
	}

	resp := s.baseReply(req, MessageTypeOffer, lease.IP)
	s.send(ctx, resp)
}

func (s *Server) handleRequest(ctx context.Context, req *Message) {
	reqIP, hasReqIP := req.RequestedIP()
	serverID, hasServerID := req.ServerID()

	if hasServerID && serverID != s.cfg.Gateway {
		// The client selected a different server's offer; silently ignore.
		return
	}

	if !hasReqIP {
		// Renewal: the client already believes it has ciaddr bound.
		reqIP = req.CIAddr
	}

	lease, ok := s.table.Confirm(req.CHAddr, reqIP)
	if !ok {
		resp := s.baseReply(req, MessageTypeNak, netip.IPv4Unspecified())
		s.send(ctx, resp)

		return
	}

	resp := s.baseReply(req, MessageTypeAck, lease.IP)
	s.send(ctx, resp)
}

// validHostname accepts the client-supplied option-12 hostname if it passes
// netutil.ValidateHostname, else drops it -- an unusable hostname is stored
// as empty rather than rejecting the lease over it.
func validHostname(ctx context.Context, logger *slog.Logger, cliHostname string) string {
	if cliHostname == "" {
		return ""
	}

	if err := netutil.ValidateHostname(cliHostname); err != nil {
		logger.DebugContext(ctx, "rejecting client hostname", "hostname", cliHostname, "error", err)

		return ""
	}

	return cliHostname
}

// baseReply builds the common fields and required options for an
// OFFER/ACK/NAK.
func (s *Server) baseReply(req *Message, mt MessageType, yiaddr netip.Addr) *Message {
	resp := &Message{
		Op:     opBootReply,
		HType:  htypeEthernet,
		HLen:   hlenEthernet,
		Xid:    req.Xid,
		Flags:  req.Flags,
		YIAddr: yiaddr,
		SIAddr: s.cfg.Gateway,
		GIAddr: req.GIAddr,
		CHAddr: req.CHAddr,
	}

	resp.SetOption(OptMessageType, []byte{byte(mt)})
	resp.SetOption(OptServerID, s.cfg.Gateway.AsSlice())

	if mt != MessageTypeNak {
		leaseSecs := uint32(s.cfg.LeaseTime / time.Second)
		resp.SetOption(OptLeaseTime, be32(leaseSecs))
		resp.SetOption(OptSubnetMask, net.IPv4Mask(255, 255, 255, 0))
		resp.SetOption(OptRouter, s.cfg.Gateway.AsSlice())
		resp.SetOption(OptDNSServer, s.cfg.Gateway.AsSlice())
	}

	return resp
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// send delivers resp per RFC 2131 section 4.1: a client that cleared the
// broadcast flag and is being handed a lease gets the reply framed directly
// to its hardware address, since it has no route yet to receive a unicast
// UDP datagram and the kernel cannot ARP for an address it hasn't configured.
// Everything else -- NAKs, and any client that set the broadcast flag --
// goes to 255.255.255.255:68.
func (s *Server) send(ctx context.Context, resp *Message) {
	payload := resp.Encode()

	if s.uni != nil && resp.MessageType() != MessageTypeNak && !resp.Broadcast() && !resp.YIAddr.IsUnspecified() {
		err := s.uni.Unicast(payload, resp.CHAddr, resp.YIAddr.AsSlice())
		if err != nil {
			s.logger.DebugContext(ctx, "writing raw unicast reply", "error", err)
		}

		return
	}

	dst := &net.UDPAddr{IP: netutil.IPv4bcast(), Port: 68}

	_, err := s.conn.WriteTo(payload, nil, dst)
	if err != nil {
		s.logger.DebugContext(ctx, "writing reply", "error", err)
	}
}

var _ service.Interface = (*Server)(nil)

package dnsresponder

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/service"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
)

// Config is the configuration for one Server.
type Config struct {
	Logger    *slog.Logger
	Interface string
	Gateway   netip.Addr
	Port      int
}

// Server is a from-scratch DNS responder implementing [service.Interface]:
// every A query is answered with Gateway, and unsupported opcodes get
// RCODE 4.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	conn   packetConn
	cancel context.CancelFunc
	doneCh chan struct{}
	errCh  chan error
}

type packetConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
	Close() error
}

// New returns a new Server for cfg.
func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = 53
	}

	return &Server{cfg: cfg, logger: cfg.Logger, errCh: make(chan error, 1)}
}

// Errs returns the channel on which fatal socket errors are reported.
func (s *Server) Errs() <-chan error { return s.errCh }

// Start implements [service.Interface] for *Server.
func (s *Server) Start(ctx context.Context) error {
	const op = "dns: start"

	s.mu.Lock()
	defer s.mu.Unlock()

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port}
	if s.cfg.Gateway.IsValid() {
		addr.IP = net.IP(s.cfg.Gateway.AsSlice())
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return wcerrors.New(wcerrors.KindIO, op, err)
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.doneCh = make(chan struct{})

	go s.serve(runCtx)

	s.logger.InfoContext(ctx, "listening", "iface", s.cfg.Interface, "port", s.cfg.Port)

	return nil
}

// Shutdown implements [service.Interface] for *Server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.doneCh
	conn := s.conn
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	if conn != nil {
		_ = conn.Close()
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

	buf := make([]byte, maxUDPMessage)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, src, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			select {
			case s.errCh <- wcerrors.New(wcerrors.KindIO, "dns: read", err):
			default:
			}

			return
		}

		s.handlePacket(ctx, append([]byte(nil), buf[:n]...), src)
	}
}

func (s *Server) handlePacket(ctx context.Context, raw []byte, src net.Addr) {
	req, err := Decode(raw)
	if err != nil {
		s.logger.DebugContext(ctx, "decoding query", "from", src, "error", err)

		return
	}

	resp := s.reply(req)

	_, err = s.conn.WriteTo(resp.Encode(), src)
	if err != nil {
		s.logger.DebugContext(ctx, "writing reply", "error", err)
	}
}

// reply builds the response for req: copy the question section verbatim,
// answer every question with Gateway regardless of QTYPE, and reject
// non-query opcodes with RCODE 4.
func (s *Server) reply(req *Message) *Message {
	resp := &Message{
		ID:        req.ID,
		Flags:     flagQR | flagAA,
		Questions: req.Questions,
	}

	if req.Opcode() != opcodeQuery {
		resp.Flags |= RCodeNotImplemented & rcodeMask

		return resp
	}

	for _, q := range req.Questions {
		resp.Answers = append(resp.Answers, RR{
			Name:  q.Name,
			Type:  TypeA,
			Class: ClassIN,
			TTL:   60,
			Addr:  s.cfg.Gateway,
		})
	}

	return resp
}

var _ service.Interface = (*Server)(nil)

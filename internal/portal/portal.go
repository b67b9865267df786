// Package portal implements the captive-portal HTTP service: the network
// picker UI's JSON API, an SSE feed of access-point changes, and the set of
// captive-portal probe redirects that make OSes present the picker
// automatically.
package portal

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/syncutil"
	httptreemux "github.com/dimfeld/httptreemux/v5"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

// Well-known captive-portal probe paths.  This list is a floor, not a
// ceiling: handleUnknownPath (handlers.go) widens it to any unrecognized path
// against a non-gateway Host.
const (
	pathGenerate204      = "/generate_204"
	pathHotspotDetect    = "/hotspot-detect.html"
	pathNCSI             = "/ncsi.txt"
	pathConnectTest      = "/connecttest.txt"
	pathRedirect         = "/redirect"
	pathRoot             = "/"
	pathNetworks         = "/networks"
	pathConnect          = "/connect"
	pathRefresh          = "/refresh"
	pathEvents           = "/events"
)

// Snapshotter is the read side of the backend's scan cache that this
// service needs: the current AP list and a way to trigger a fresh scan.
type Snapshotter interface {
	Snapshot() []wctypes.AccessPoint
	RequestScan(ctx context.Context) error
}

// EventSource is the subscription side of AP-list changes, used to drive
// the /events SSE stream.
type EventSource interface {
	Subscribe() (events <-chan Event, cancel func())
}

// CredentialsSink accepts a human's connect attempt and hands it off to the
// supervisor via a single-shot channel.
type CredentialsSink interface {
	Submit(ctx context.Context, creds wctypes.Credentials) error
}

// Config is the configuration for one Service.
type Config struct {
	Logger      *slog.Logger
	Gateway     net.IP
	Port        int
	UIDirectory string

	Backend     Snapshotter
	Events      EventSource
	Credentials CredentialsSink

	// Timeout bounds header/read/write/idle durations on the underlying
	// *http.Server.
	Timeout time.Duration
}

// Service is the captive-portal HTTP service, implementing
// [service.Interface].
type Service struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
	ui     fs.FS

	activityCh chan struct{}
	bufPool    *syncutil.Pool[[]byte]

	mu     sync.Mutex
	ln     net.Listener
	doneCh chan struct{}
}

// New returns a new *Service for cfg.
func New(cfg Config) *Service {
	svc := &Service{
		cfg:        cfg,
		logger:     cfg.Logger,
		ui:         uiFS(cfg.UIDirectory),
		activityCh: make(chan struct{}, 1),
		bufPool:    syncutil.NewSlicePool[byte](256),
	}

	mux := newMux(svc)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway, cfg.Port)
	svc.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       cfg.Timeout,
		WriteTimeout:      0, // SSE connections are long-lived.
		IdleTimeout:       cfg.Timeout,
		ReadHeaderTimeout: cfg.Timeout,
	}

	return svc
}

// newMux builds the request router from a declarative route table.
func newMux(svc *Service) *httptreemux.ContextMux {
	mux := httptreemux.NewContextMux()

	routes := []struct {
		method  string
		pattern string
		handler http.HandlerFunc
	}{
		{http.MethodGet, pathRoot, svc.handleIndex},
		{http.MethodGet, pathNetworks, svc.handleNetworks},
		{http.MethodPost, pathConnect, svc.handleConnect},
		{http.MethodGet, pathRefresh, svc.handleRefresh},
		{http.MethodGet, pathEvents, svc.handleEvents},
		{http.MethodGet, pathGenerate204, svc.handleProbe},
		{http.MethodGet, pathHotspotDetect, svc.handleProbe},
		{http.MethodGet, pathNCSI, svc.handleProbe},
		{http.MethodGet, pathConnectTest, svc.handleProbe},
		{http.MethodGet, pathRedirect, svc.handleProbe},
	}

	for _, r := range routes {
		mux.Handle(r.method, r.pattern, logMw(svc.logger, svc.activityMw(r.handler)))
	}

	mux.NotFoundHandler = logMw(svc.logger, svc.activityMw(svc.handleUnknownPath))

	return mux
}

// logMw logs the method and path of every request at debug level.
func logMw(logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger.DebugContext(r.Context(), "request", "method", r.Method, "path", r.URL.Path)
		next(w, r)
	}
}

// activityMw signals activityCh on every request, regardless of path or
// outcome, so the supervisor can reset the known-network retry timer while
// someone is actively interacting with the picker.
func (svc *Service) activityMw(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case svc.activityCh <- struct{}{}:
		default:
		}

		next(w, r)
	}
}

// Activity delivers a notification for every HTTP request the service
// handles.  The channel has capacity one and drops notifications when full,
// since callers only care that activity happened since they last checked,
// not how much.
func (svc *Service) Activity() <-chan struct{} { return svc.activityCh }

// Start implements [service.Interface] for *Service.  It does not block.
func (svc *Service) Start(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	ln, err := net.Listen("tcp", svc.srv.Addr)
	if err != nil {
		return fmt.Errorf("portal: listening on %s: %w", svc.srv.Addr, err)
	}
	svc.ln = ln
	svc.doneCh = make(chan struct{})

	go svc.serve()

	svc.logger.InfoContext(ctx, "listening", "addr", svc.srv.Addr)

	return nil
}

func (svc *Service) serve() {
	defer close(svc.doneCh)

	err := svc.srv.Serve(svc.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		svc.logger.Error("serving", "error", err)
	}
}

// Shutdown implements [service.Interface] for *Service.  It stops accepting
// connections and waits for active ones to finish until ctx expires.  An
// open /events stream is neither ended nor sent a final comment; it ends
// only when its client disconnects.
func (svc *Service) Shutdown(ctx context.Context) error {
	svc.mu.Lock()
	doneCh := svc.doneCh
	svc.mu.Unlock()

	if doneCh == nil {
		return nil
	}

	err := svc.srv.Shutdown(ctx)

	select {
	case <-doneCh:
	case <-ctx.Done():
	}

	return err
}

// uiFS resolves the filesystem the index route serves from: dir on disk if
// given, else the embedded default (ui.go).
func uiFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}

	return embeddedUI
}

var _ service.Interface = (*Service)(nil)

package supervisor

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/wifi-captive/wificaptive/internal/dhcp"
	"github.com/wifi-captive/wificaptive/internal/dnsresponder"
	"github.com/wifi-captive/wificaptive/internal/portal"
	"github.com/wifi-captive/wificaptive/internal/wcerrors"
	"github.com/wifi-captive/wificaptive/internal/wctypes"
	"github.com/wifi-captive/wificaptive/internal/wifibackend"
)

// Hotspot brings up one AP-mode session and its child services.  Production
// code uses NewBundleHotspot; tests substitute a fake that never touches a
// real interface.
type Hotspot interface {
	Start(ctx context.Context) (HotspotHandle, error)
}

// HotspotHandle drives one running hotspot session.
type HotspotHandle interface {
	// Credentials delivers the most recent /connect submission.  The
	// channel has capacity one: a second submission before the first is
	// read overwrites it.
	Credentials() <-chan wctypes.Credentials

	// FatalErrors delivers unrecoverable child-service errors (e.g. a DHCP
	// socket dying).
	FatalErrors() <-chan error

	// Activity delivers a notification for every captive-portal HTTP
	// request, so the supervisor can reset its known-network retry timer
	// while someone is actively using the picker.
	Activity() <-chan struct{}

	// Shutdown tears every child service down and deactivates AP mode.
	Shutdown(ctx context.Context) error
}

// hotspotFactory adapts a Hotspot into the credentials()/fatalErrors()/
// shutdown(ctx, grace) shape runPortalActive drives, bounding Shutdown to a
// grace period regardless of what the caller passes to ctx.
type hotspotFactory struct {
	cfg    Config
	logger *slog.Logger
	impl   Hotspot
}

func (f *hotspotFactory) start(ctx context.Context) (*hotspotHandle, error) {
	h, err := f.impl.Start(ctx)
	if err != nil {
		return nil, err
	}

	return &hotspotHandle{h: h, logger: f.logger}, nil
}

type hotspotHandle struct {
	h      HotspotHandle
	logger *slog.Logger
}

func (hh *hotspotHandle) credentials() <-chan wctypes.Credentials { return hh.h.Credentials() }
func (hh *hotspotHandle) fatalErrors() <-chan error               { return hh.h.FatalErrors() }
func (hh *hotspotHandle) activity() <-chan struct{}               { return hh.h.Activity() }

func (hh *hotspotHandle) shutdown(ctx context.Context, grace time.Duration) {
	sctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := hh.h.Shutdown(sctx); err != nil {
		hh.logger.WarnContext(ctx, "stopping hotspot", "error", err)
	}
}

// NewBundleHotspot returns the production Hotspot: AP mode plus a DHCP
// server, a DNS responder, and the captive-portal HTTP service, all scoped
// to cfg.Interface.
func NewBundleHotspot(cfg Config) Hotspot {
	return &bundleHotspot{cfg: cfg, logger: cfg.Logger}
}

type bundleHotspot struct {
	cfg    Config
	logger *slog.Logger
}

func (b *bundleHotspot) Start(ctx context.Context) (HotspotHandle, error) {
	const op = "supervisor: hotspot start"

	cfg := b.cfg

	startCtx, cancel := context.WithTimeout(ctx, wifibackend.HotspotStartTimeout)
	defer cancel()

	gateway := cfg.Gateway.String()
	if err := cfg.Backend.HotspotStart(startCtx, cfg.Interface, cfg.PortalSSID, cfg.PortalPassphrase, gateway); err != nil {
		return nil, err
	}

	credCh := make(chan wctypes.Credentials, 1)
	hub := portal.NewHub()

	dhcpSrv := dhcp.New(dhcp.Config{
		Logger:    cfg.Logger,
		Interface: cfg.Interface,
		Gateway:   cfg.Gateway,
		PoolStart: cfg.DHCPRangeStart,
		PoolEnd:   cfg.DHCPRangeEnd,
		Port:      cfg.DHCPPort,

		CheckConflict: true,
	})

	dnsSrv := dnsresponder.New(dnsresponder.Config{
		Logger:    cfg.Logger,
		Interface: cfg.Interface,
		Gateway:   cfg.Gateway,
		Port:      cfg.DNSPort,
	})

	portalSvc := portal.New(portal.Config{
		Logger:      cfg.Logger,
		Gateway:     net.IP(cfg.Gateway.AsSlice()),
		Port:        cfg.ListenPort,
		UIDirectory: cfg.UIDirectory,
		Backend:     &backendSnapshotter{backend: cfg.Backend, iface: cfg.Interface},
		Events:      &hubEventSource{hub: hub},
		Credentials: &credSink{ch: credCh},
		Timeout:     10 * time.Second,
	})

	started := make([]interface{ Shutdown(context.Context) error }, 0, 3)

	for _, step := range []struct {
		name  string
		start func(context.Context) error
		stop  func(context.Context) error
	}{
		{"dhcp", dhcpSrv.Start, dhcpSrv.Shutdown},
		{"dns", dnsSrv.Start, dnsSrv.Shutdown},
		{"portal", portalSvc.Start, portalSvc.Shutdown},
	} {
		if err := step.start(ctx); err != nil {
			for _, s := range started {
				_ = s.Shutdown(context.Background())
			}

			_ = cfg.Backend.HotspotStop(context.Background(), cfg.Interface)

			return nil, wcerrors.New(wcerrors.KindIO, op, err)
		}

		started = append(started, stopperFunc(step.stop))
	}

	apEvents, apCancel := cfg.Backend.ApChanges(cfg.Interface)
	stopFwd := make(chan struct{})

	go forwardAPEvents(apEvents, hub, stopFwd)

	fatalCh := make(chan error, 2)
	go forwardErrs(dhcpSrv.Errs(), fatalCh)
	go forwardErrs(dnsSrv.Errs(), fatalCh)

	return &bundleHandle{
		cfg:      cfg,
		dhcp:     dhcpSrv,
		dns:      dnsSrv,
		portal:   portalSvc,
		apCancel: apCancel,
		stopFwd:  stopFwd,
		credCh:   credCh,
		fatalCh:  fatalCh,
	}, nil
}

// stopperFunc adapts a bare func(context.Context) error to the small
// Shutdown-only interface used while unwinding a partially-started bundle.
type stopperFunc func(context.Context) error

func (f stopperFunc) Shutdown(ctx context.Context) error { return f(ctx) }

// bundleHandle is the HotspotHandle NewBundleHotspot's Start returns.
type bundleHandle struct {
	cfg Config

	dhcp   *dhcp.Server
	dns    *dnsresponder.Server
	portal *portal.Service

	apCancel func()
	stopFwd  chan struct{}

	credCh  chan wctypes.Credentials
	fatalCh chan error
}

func (b *bundleHandle) Credentials() <-chan wctypes.Credentials { return b.credCh }
func (b *bundleHandle) FatalErrors() <-chan error               { return b.fatalCh }
func (b *bundleHandle) Activity() <-chan struct{}               { return b.portal.Activity() }

func (b *bundleHandle) Shutdown(ctx context.Context) error {
	close(b.stopFwd)
	b.apCancel()

	_ = b.portal.Shutdown(ctx)
	_ = b.dns.Shutdown(ctx)
	_ = b.dhcp.Shutdown(ctx)

	return b.cfg.Backend.HotspotStop(ctx, b.cfg.Interface)
}

// forwardAPEvents translates backend scan-cache deltas into portal SSE
// events until stop is closed or events is closed.
func forwardAPEvents(events <-chan wifibackend.APEvent, hub *portal.Hub, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case ev, ok := <-events:
			if !ok {
				return
			}

			switch ev.Kind {
			case wifibackend.APAdded:
				ap := ev.AP
				hub.Publish(portal.Event{Kind: portal.EventAdded, AP: &ap})
			case wifibackend.APRemoved:
				hub.Publish(portal.Event{Kind: portal.EventRemoved, AP: &wctypes.AccessPoint{HW: ev.HW}})
			}
		}
	}
}

// forwardErrs relays a child service's fatal-error channel onto a shared
// one, dropping the error if the shared channel is already full: the first
// fatal error is the one that matters.
func forwardErrs(src <-chan error, dst chan<- error) {
	err, ok := <-src
	if !ok {
		return
	}

	select {
	case dst <- err:
	default:
	}
}

// backendSnapshotter adapts wifibackend.Backend to portal.Snapshotter for a
// single fixed interface.
type backendSnapshotter struct {
	backend wifibackend.Backend
	iface   string
}

func (s *backendSnapshotter) Snapshot() []wctypes.AccessPoint { return s.backend.AccessPoints(s.iface) }

func (s *backendSnapshotter) RequestScan(ctx context.Context) error {
	return s.backend.Scan(ctx, s.iface)
}

// hubEventSource adapts *portal.Hub to portal.EventSource.
type hubEventSource struct {
	hub *portal.Hub
}

func (h *hubEventSource) Subscribe() (<-chan portal.Event, func()) { return h.hub.Subscribe() }

// credSink adapts a capacity-one channel to portal.CredentialsSink: a fresh
// submission overwrites an unread one instead of blocking the HTTP handler.
type credSink struct {
	ch chan wctypes.Credentials
}

func (s *credSink) Submit(ctx context.Context, creds wctypes.Credentials) error {
	select {
	case s.ch <- creds:
		return nil
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- creds:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Package supervisor implements the state machine that sequences every
// state-changing operation on the wireless interface: trying known
// networks, running the captive-portal hotspot, and staying connected.
package supervisor

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	"github.com/AdguardTeam/golibs/timeutil"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
	"github.com/wifi-captive/wificaptive/internal/wctypes"
	"github.com/wifi-captive/wificaptive/internal/wifibackend"
)

// State is one of the four supervisor states.
type State uint8

// State values.
const (
	StateTryReconnect State = iota
	StatePortalActive
	StateConnected
	StateExit
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateTryReconnect:
		return "S0:TryReconnect"
	case StatePortalActive:
		return "S1:PortalActive"
	case StateConnected:
		return "S2:Connected"
	case StateExit:
		return "S3:Exit"
	default:
		return "unknown"
	}
}

// childShutdownGrace bounds how long hotspot children get to stop
// cooperatively before the supervisor moves on regardless.
const childShutdownGrace = 2 * time.Second

// Process exit codes: 0 normal, 1 CLI/config error (returned by the
// entrypoint before Run is ever called), 2 backend unreachable, 3 interface
// unusable, 4 socket bind error.
const (
	exitBackendUnreachable osutil.ExitCode = 2
	exitInterfaceUnusable  osutil.ExitCode = 3
	exitSocketError        osutil.ExitCode = 4
)

// exitCodeFor classifies a fatal error's wcerrors.Kind into one of the
// process exit codes above, defaulting to backend-unreachable for anything
// not specifically a socket or interface problem.
func exitCodeFor(err error) osutil.ExitCode {
	switch {
	case wcerrors.Is(err, wcerrors.KindHotspotUnsupported), wcerrors.Is(err, wcerrors.KindInterface):
		return exitInterfaceUnusable
	case wcerrors.Is(err, wcerrors.KindIO):
		return exitSocketError
	default:
		return exitBackendUnreachable
	}
}

// Config is the configuration for one Supervisor.
type Config struct {
	Logger *slog.Logger
	Clock  timeutil.Clock

	Backend   wifibackend.Backend
	Interface string

	PortalSSID       wctypes.SSID
	PortalPassphrase string
	Gateway          netip.Addr
	DHCPRangeStart   netip.Addr
	DHCPRangeEnd     netip.Addr
	DNSPort          int
	DHCPPort         int
	ListenPort       int
	UIDirectory      string

	WaitBeforeReconfigure time.Duration
	RetryIn               time.Duration
	QuitAfterConnected    bool
	RequireInternet       bool
}

// Supervisor runs the S0-S3 state machine over one Config for its entire
// process lifetime.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	clock  timeutil.Clock

	hotspot *hotspotFactory
}

// New returns a new *Supervisor for cfg.
func New(cfg Config, hotspot Hotspot) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.SystemClock{}
	}

	return &Supervisor{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		hotspot: &hotspotFactory{cfg: cfg, logger: cfg.Logger, impl: hotspot},
	}
}

func (s *Supervisor) requiredConnectivity() wifibackend.Connectivity {
	if s.cfg.RequireInternet {
		return wifibackend.ConnectivityFull
	}

	return wifibackend.ConnectivityLimited
}

// Run drives the state machine until it reaches S3, returning the process
// exit code.
func (s *Supervisor) Run(ctx context.Context) osutil.ExitCode {
	defer slogutil.RecoverAndLog(ctx, s.logger)

	state := StateTryReconnect
	exitCode := osutil.ExitCodeSuccess

	for state != StateExit {
		s.logger.InfoContext(ctx, "entering state", "state", state)

		var next State
		next, exitCode = s.step(ctx, state)
		state = next
	}

	s.logger.InfoContext(ctx, "exiting", "code", exitCode)

	return exitCode
}

func (s *Supervisor) step(ctx context.Context, state State) (State, osutil.ExitCode) {
	switch state {
	case StateTryReconnect:
		return s.runTryReconnect(ctx)
	case StatePortalActive:
		return s.runPortalActive(ctx)
	case StateConnected:
		return s.runConnected(ctx)
	default:
		return StateExit, osutil.ExitCodeSuccess
	}
}

// runTryReconnect implements S0.
func (s *Supervisor) runTryReconnect(ctx context.Context) (State, osutil.ExitCode) {
	deadline := s.cfg.WaitBeforeReconfigure
	if deadline <= 0 {
		deadline = 200 * time.Millisecond
	}

	tryCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	err := s.cfg.Backend.ConnectToAnyKnown(tryCtx, s.cfg.Interface)
	if err != nil {
		s.logger.InfoContext(ctx, "no known network reachable", "error", err)

		if ctx.Err() != nil {
			return StateExit, osutil.ExitCodeSuccess
		}

		return StatePortalActive, osutil.ExitCodeSuccess
	}

	return StateConnected, osutil.ExitCodeSuccess
}

// runPortalActive implements S1.
func (s *Supervisor) runPortalActive(ctx context.Context) (State, osutil.ExitCode) {
	hs, err := s.hotspot.start(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "starting hotspot", "error", err)

		return StateExit, exitCodeFor(err)
	}
	defer func() {
		if hs != nil {
			hs.shutdown(context.Background(), childShutdownGrace)
		}
	}()

	retryIn := s.cfg.RetryIn
	if retryIn <= 0 {
		retryIn = 30 * time.Second
	}
	retryTimer := time.NewTimer(retryIn)
	defer retryTimer.Stop()

	connPoll := time.NewTicker(3 * time.Second)
	defer connPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return StateExit, osutil.ExitCodeSuccess

		case creds := <-hs.credentials():
			hs.shutdown(ctx, childShutdownGrace)
			hs = nil

			connectCtx, cancel := context.WithTimeout(ctx, wifibackend.ConnectTimeout)
			err := s.cfg.Backend.Connect(connectCtx, s.cfg.Interface, creds)
			cancel()

			if err == nil {
				return StateConnected, osutil.ExitCodeSuccess
			}

			s.logger.InfoContext(ctx, "connect attempt failed", "ssid", creds.SSID, "error", err)

			hs, err = s.hotspot.start(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "restarting hotspot", "error", err)

				return StateExit, exitCodeFor(err)
			}

		case <-retryTimer.C:
			hs.shutdown(ctx, childShutdownGrace)
			hs = nil

			retryCtx, cancel := context.WithTimeout(ctx, s.cfg.WaitBeforeReconfigure)
			err := s.cfg.Backend.ConnectToAnyKnown(retryCtx, s.cfg.Interface)
			cancel()

			if err == nil {
				return StateConnected, osutil.ExitCodeSuccess
			}

			hs, err = s.hotspot.start(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "restarting hotspot", "error", err)

				return StateExit, exitCodeFor(err)
			}
			retryTimer.Reset(retryIn)

		case <-connPoll.C:
			conn, err := s.cfg.Backend.Connectivity(ctx)
			if err == nil && conn >= s.requiredConnectivity() {
				return StateConnected, osutil.ExitCodeSuccess
			}

		case <-hs.activity():
			retryTimer.Reset(retryIn)

		case err := <-hs.fatalErrors():
			s.logger.ErrorContext(ctx, "fatal backend error in portal state", "error", err)

			return StateExit, exitCodeFor(err)
		}
	}
}

// runConnected implements S2.
func (s *Supervisor) runConnected(ctx context.Context) (State, osutil.ExitCode) {
	if s.cfg.QuitAfterConnected {
		return StateExit, osutil.ExitCodeSuccess
	}

	events, cancel := s.cfg.Backend.StateChanges()
	defer cancel()

	var debounce <-chan time.Time
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return StateExit, osutil.ExitCodeSuccess

		case ev, ok := <-events:
			if !ok {
				return StateTryReconnect, osutil.ExitCodeSuccess
			}

			degraded := ev.Kind == wifibackend.StateDisconnected ||
				(ev.Kind == wifibackend.StateConnectivityChanged && ev.Connectivity < s.requiredConnectivity())

			if degraded {
				if debounceTimer == nil {
					wait := s.cfg.WaitBeforeReconfigure
					if wait <= 0 {
						wait = 20 * time.Second
					}
					debounceTimer = time.NewTimer(wait)
					debounce = debounceTimer.C
				}
			} else if debounceTimer != nil {
				debounceTimer.Stop()
				debounceTimer = nil
				debounce = nil
			}

		case <-debounce:
			return StateTryReconnect, osutil.ExitCodeSuccess
		}
	}
}

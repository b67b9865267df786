package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
	"github.com/wifi-captive/wificaptive/internal/wctypes"
	"github.com/wifi-captive/wificaptive/internal/wifibackend"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeBackend is a minimal wifibackend.Backend double whose behavior each
// test configures through its fields.
type fakeBackend struct {
	mu                   sync.Mutex
	connectToAnyKnownErr error
	// connectToAnyKnownSeq, if set, overrides connectToAnyKnownErr per call,
	// indexed by call count; the last entry repeats once exhausted.
	connectToAnyKnownSeq []error
	connectToAnyKnownN   int

	connectErr   error
	connectivity wifibackend.Connectivity

	stateCh chan wifibackend.StateEvent
	apCh    chan wifibackend.APEvent

	hotspotStartErr error
	hotspotStopped  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		stateCh: make(chan wifibackend.StateEvent, 4),
		apCh:    make(chan wifibackend.APEvent, 4),
	}
}

func (f *fakeBackend) ListInterfaces(context.Context) ([]wctypes.Interface, error) { return nil, nil }
func (f *fakeBackend) Scan(context.Context, string) error                          { return nil }
func (f *fakeBackend) AccessPoints(string) []wctypes.AccessPoint                   { return nil }

func (f *fakeBackend) ApChanges(string) (<-chan wifibackend.APEvent, func()) {
	return f.apCh, func() {}
}

func (f *fakeBackend) Connect(context.Context, string, wctypes.Credentials) error {
	return f.connectErr
}

func (f *fakeBackend) ConnectToAnyKnown(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.connectToAnyKnownSeq) == 0 {
		return f.connectToAnyKnownErr
	}

	idx := f.connectToAnyKnownN
	if idx >= len(f.connectToAnyKnownSeq) {
		idx = len(f.connectToAnyKnownSeq) - 1
	}
	f.connectToAnyKnownN++

	return f.connectToAnyKnownSeq[idx]
}

func (f *fakeBackend) HotspotStart(context.Context, string, wctypes.SSID, string, string) error {
	return f.hotspotStartErr
}

func (f *fakeBackend) HotspotStop(context.Context, string) error {
	f.hotspotStopped = true

	return nil
}

func (f *fakeBackend) Connectivity(context.Context) (wifibackend.Connectivity, error) {
	return f.connectivity, nil
}

func (f *fakeBackend) StateChanges() (<-chan wifibackend.StateEvent, func()) {
	return f.stateCh, func() {}
}

func (f *fakeBackend) Close() error { return nil }

// fakeHandle is a HotspotHandle double driven directly by tests.
type fakeHandle struct {
	credCh     chan wctypes.Credentials
	fatalCh    chan error
	activityCh chan struct{}
	stopped    bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		credCh:     make(chan wctypes.Credentials, 1),
		fatalCh:    make(chan error, 1),
		activityCh: make(chan struct{}, 1),
	}
}

func (h *fakeHandle) Credentials() <-chan wctypes.Credentials { return h.credCh }
func (h *fakeHandle) FatalErrors() <-chan error               { return h.fatalCh }
func (h *fakeHandle) Activity() <-chan struct{}               { return h.activityCh }
func (h *fakeHandle) Shutdown(context.Context) error          { h.stopped = true; return nil }

// fakeHotspot hands out a fresh fakeHandle on every Start, recording call
// count and optionally failing the next Start.
type fakeHotspot struct {
	handles  []*fakeHandle
	startErr error
}

func (f *fakeHotspot) Start(context.Context) (HotspotHandle, error) {
	if f.startErr != nil {
		err := f.startErr
		f.startErr = nil

		return nil, err
	}

	h := newFakeHandle()
	f.handles = append(f.handles, h)

	return h, nil
}

func baseConfig(backend wifibackend.Backend) Config {
	return Config{
		Logger:                testLogger(),
		Backend:               backend,
		Interface:             "wlan0",
		WaitBeforeReconfigure: 10 * time.Millisecond,
		RetryIn:               50 * time.Millisecond,
	}
}

func TestRunConnectsToKnownNetworkWithoutHotspot(t *testing.T) {
	backend := newFakeBackend()
	hotspot := &fakeHotspot{}
	cfg := baseConfig(backend)
	cfg.QuitAfterConnected = true

	sup := New(cfg, hotspot)

	code := sup.Run(context.Background())

	assert.Equal(t, osutil.ExitCodeSuccess, code)
	assert.Empty(t, hotspot.handles, "hotspot must never start when a known network is reachable")
}

func TestRunFallsBackToPortalThenConnectsOnCredentials(t *testing.T) {
	backend := newFakeBackend()
	backend.connectToAnyKnownErr = wcerrors.New(wcerrors.KindNetworkUnavailable, "test", nil)

	hotspot := &fakeHotspot{}
	cfg := baseConfig(backend)
	cfg.QuitAfterConnected = true
	cfg.RetryIn = time.Hour // never fires during the test

	sup := New(cfg, hotspot)

	done := make(chan osutil.ExitCode, 1)
	go func() { done <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(hotspot.handles) == 1 }, time.Second, time.Millisecond)

	hotspot.handles[0].credCh <- wctypes.Credentials{SSID: wctypes.NewSSID("home"), Passphrase: "longenough"}

	select {
	case code := <-done:
		assert.Equal(t, osutil.ExitCodeSuccess, code)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit after a successful connect")
	}

	assert.True(t, hotspot.handles[0].stopped)
}

func TestRunRetriesAndReopensPortalOnFailedConnect(t *testing.T) {
	backend := newFakeBackend()
	backend.connectToAnyKnownErr = wcerrors.New(wcerrors.KindNetworkUnavailable, "test", nil)
	backend.connectErr = wcerrors.New(wcerrors.KindAuthFailed, "test", nil)

	hotspot := &fakeHotspot{}
	cfg := baseConfig(backend)
	cfg.RetryIn = time.Hour

	sup := New(cfg, hotspot)

	done := make(chan osutil.ExitCode, 1)
	go func() { done <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(hotspot.handles) >= 1 }, time.Second, time.Millisecond)

	hotspot.handles[0].credCh <- wctypes.Credentials{SSID: wctypes.NewSSID("home"), Passphrase: "wrongpass"}

	require.Eventually(t, func() bool { return len(hotspot.handles) >= 2 }, time.Second, time.Millisecond)
	assert.True(t, hotspot.handles[0].stopped)

	select {
	case <-done:
		t.Fatal("supervisor must stay in the portal state after a failed connect attempt")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunPortalResetsRetryTimerOnActivity(t *testing.T) {
	backend := newFakeBackend()
	backend.connectToAnyKnownErr = wcerrors.New(wcerrors.KindNetworkUnavailable, "test", nil)

	hotspot := &fakeHotspot{}
	cfg := baseConfig(backend)
	cfg.RetryIn = 20 * time.Millisecond

	sup := New(cfg, hotspot)

	done := make(chan osutil.ExitCode, 1)
	go func() { done <- sup.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(hotspot.handles) == 1 }, time.Second, time.Millisecond)
	handle := hotspot.handles[0]

	stopActivity := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				select {
				case handle.activityCh <- struct{}{}:
				default:
				}
			case <-stopActivity:
				return
			}
		}
	}()

	// Steady HTTP activity must keep resetting the retry timer, so the
	// known-network retry attempt (and the hotspot restart that follows a
	// failed one) never fires while traffic keeps arriving.
	time.Sleep(100 * time.Millisecond)
	close(stopActivity)
	assert.Len(t, hotspot.handles, 1, "activity must reset the retry timer")

	require.Eventually(t, func() bool { return len(hotspot.handles) >= 2 }, time.Second, time.Millisecond,
		"the retry timer must fire once activity stops")

	select {
	case <-done:
		t.Fatal("supervisor must stay in the portal state after a failed retry attempt")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRunExitsWhenHotspotUnsupported(t *testing.T) {
	backend := newFakeBackend()
	backend.connectToAnyKnownErr = wcerrors.New(wcerrors.KindNetworkUnavailable, "test", nil)

	hotspot := &fakeHotspot{startErr: wcerrors.New(wcerrors.KindHotspotUnsupported, "test", nil)}
	cfg := baseConfig(backend)

	sup := New(cfg, hotspot)

	code := sup.Run(context.Background())

	assert.Equal(t, exitInterfaceUnusable, code)
}

func TestRunReturnsToTryReconnectOnDisconnectAfterDebounce(t *testing.T) {
	backend := newFakeBackend()
	// First ConnectToAnyKnown (S0) succeeds; every call after the
	// disconnect fails, forcing S0 to fall through to the portal.
	backend.connectToAnyKnownSeq = []error{nil, wcerrors.New(wcerrors.KindNetworkUnavailable, "test", nil)}

	hotspot := &fakeHotspot{}
	cfg := baseConfig(backend)
	cfg.WaitBeforeReconfigure = 20 * time.Millisecond

	sup := New(cfg, hotspot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan osutil.ExitCode, 1)
	go func() { done <- sup.Run(ctx) }()

	// First S0->S2, QuitAfterConnected is false so runConnected blocks
	// waiting on backend.StateChanges.
	time.Sleep(5 * time.Millisecond)

	backend.stateCh <- wifibackend.StateEvent{Kind: wifibackend.StateDisconnected}

	require.Eventually(t, func() bool { return len(hotspot.handles) == 1 }, time.Second, time.Millisecond,
		"a sustained disconnect must eventually reopen the portal")

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not exit after context cancellation")
	}
}

func TestExitCodeForClassifiesKinds(t *testing.T) {
	assert.Equal(t, exitInterfaceUnusable, exitCodeFor(wcerrors.New(wcerrors.KindHotspotUnsupported, "op", nil)))
	assert.Equal(t, exitInterfaceUnusable, exitCodeFor(wcerrors.New(wcerrors.KindInterface, "op", nil)))
	assert.Equal(t, exitSocketError, exitCodeFor(wcerrors.New(wcerrors.KindIO, "op", nil)))
	assert.Equal(t, exitBackendUnreachable, exitCodeFor(wcerrors.New(wcerrors.KindBackendUnavailable, "op", nil)))
}

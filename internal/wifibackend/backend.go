// Package wifibackend defines the backend-agnostic wireless control
// interface and its two implementations: NetworkManager (package nm) and
// IWD (package iwd).  Callers obtain a Backend through nm.New or iwd.New
// and drive it exclusively through this interface so the supervisor never
// depends on bus specifics.
package wifibackend

import (
	"context"
	"time"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

// Timeouts for backend calls.  Scan, Connect and HotspotStart bound
// themselves with the matching constant, and nm's ApChanges bounds its own
// bus calls with BusCallTimeout; every other method is bounded only by its
// caller's ctx.
const (
	ScanTimeout         = 10 * time.Second
	ConnectTimeout      = 30 * time.Second
	HotspotStartTimeout = 15 * time.Second
	BusCallTimeout      = 5 * time.Second
)

// Connectivity is the backend's view of upstream reachability.
type Connectivity uint8

// Connectivity values, ordered weakest to strongest so callers can compare
// against a required minimum with >=.
const (
	ConnectivityNone Connectivity = iota
	ConnectivityPortal
	ConnectivityLimited
	ConnectivityFull
)

// String implements fmt.Stringer for Connectivity.
func (c Connectivity) String() string {
	switch c {
	case ConnectivityNone:
		return "none"
	case ConnectivityPortal:
		return "portal"
	case ConnectivityLimited:
		return "limited"
	case ConnectivityFull:
		return "full"
	default:
		return "unknown"
	}
}

// StateEventKind names one of the three kinds of event Backend.StateChanges
// emits.
type StateEventKind uint8

// StateEventKind values.
const (
	StateConnected StateEventKind = iota
	StateDisconnected
	StateConnectivityChanged
)

// StateEvent is one message from Backend.StateChanges.
type StateEvent struct {
	Kind         StateEventKind
	Connectivity Connectivity
}

// APEventKind names one of the two kinds of event ApChanges emits.
type APEventKind uint8

// APEventKind values.
const (
	APAdded APEventKind = iota
	APRemoved
)

// APEvent is one message from Backend.ApChanges.
type APEvent struct {
	Kind APEventKind
	AP   wctypes.AccessPoint // valid for APAdded
	HW   string              // valid for APRemoved
}

// Backend is the single wireless-control abstraction, implemented once per
// supported control daemon.  Every method's error, when
// non-nil, wraps a *wcerrors.Error so the supervisor can branch on Kind
// without knowing which backend produced it.
type Backend interface {
	// ListInterfaces returns wireless-capable interfaces only, in a stable
	// order.
	ListInterfaces(ctx context.Context) ([]wctypes.Interface, error)

	// Scan triggers a scan on iface and waits for it to complete or
	// ScanTimeout to elapse.
	Scan(ctx context.Context, iface string) error

	// AccessPoints returns the current scan cache snapshot for iface,
	// sorted by nothing in particular; callers sort as needed.
	AccessPoints(iface string) []wctypes.AccessPoint

	// ApChanges returns a channel of scan-cache deltas for iface and a
	// cancel function that stops the subscription.
	ApChanges(iface string) (events <-chan APEvent, cancel func())

	// Connect blocks until the backend reports activated or failed, or ctx
	// is done.  On success the profile is persisted by the backend; on
	// failure any partial profile it created is deleted.
	Connect(ctx context.Context, iface string, creds wctypes.Credentials) error

	// ConnectToAnyKnown iterates persisted profiles, trying each with a
	// short per-profile deadline, stopping at the first success.  It
	// returns an error if none succeeded before ctx is done.  nm tries
	// profiles in the order NetworkManager's ListConnections returns them;
	// iwd tries known networks in range strongest-signal first.  Neither
	// orders profiles by when they last connected.
	ConnectToAnyKnown(ctx context.Context, iface string) error

	// HotspotStart creates and activates a transient AP profile and
	// returns once the interface reports the AP is up.
	HotspotStart(ctx context.Context, iface string, ssid wctypes.SSID, passphrase string, gateway string) error

	// HotspotStop deactivates and deletes the transient AP profile.
	HotspotStop(ctx context.Context, iface string) error

	// Connectivity reports the backend's current connectivity assessment.
	Connectivity(ctx context.Context) (Connectivity, error)

	// StateChanges returns a channel of connection/connectivity events and
	// a cancel function that stops the subscription.
	StateChanges() (events <-chan StateEvent, cancel func())

	// Close releases the bus connection and any subscriptions.
	Close() error
}

// Package iwd implements [wifibackend.Backend] against iwd's
// object-manager-based D-Bus API.
package iwd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
	"github.com/wifi-captive/wificaptive/internal/wctypes"
	"github.com/wifi-captive/wificaptive/internal/wifibackend"
	"github.com/wifi-captive/wificaptive/internal/wifibackend/busclient"
)

// D-Bus names for net.connman.iwd, per its published documentation.
const (
	busName = "net.connman.iwd"
	rootObj = dbus.ObjectPath("/")

	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
	ifaceDevice         = "net.connman.iwd.Device"
	ifaceStation        = "net.connman.iwd.Station"
	ifaceNetwork        = "net.connman.iwd.Network"
	ifaceAP             = "net.connman.iwd.AccessPoint"
	ifaceAgentManager   = "net.connman.iwd.AgentManager"
	ifaceAgent          = "net.connman.iwd.Agent"

	agentObjPath = dbus.ObjectPath("/wificaptive/agent")
)

// Backend implements [wifibackend.Backend] against iwd.
type Backend struct {
	bus    *busclient.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*wifibackend.ScanCache // interface name -> cache

	agent       *agent
	hotspotPath dbus.ObjectPath
}

// New dials the system bus, registers the credentials agent, and returns a
// ready *Backend.  Credentials are provided via an Agent callback
// registered once at startup.
func New(logger *slog.Logger) (*Backend, error) {
	bus, err := busclient.Dial()
	if err != nil {
		return nil, err
	}

	b := &Backend{bus: bus, logger: logger, cache: map[string]*wifibackend.ScanCache{}}

	b.agent = newAgent()
	if err := b.agent.register(bus); err != nil {
		bus.Close()

		return nil, err
	}

	return b, nil
}

// managedObjects calls the root ObjectManager's GetManagedObjects.
func (b *Backend) managedObjects(ctx context.Context) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	const op = "iwd: get managed objects"

	root := b.bus.Object(busName, rootObj)

	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := busclient.Call(ctx, root, ifaceObjectManager+".GetManagedObjects", []any{&objs})
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	return objs, nil
}

// ListInterfaces implements [wifibackend.Backend].
func (b *Backend) ListInterfaces(ctx context.Context) ([]wctypes.Interface, error) {
	objs, err := b.managedObjects(ctx)
	if err != nil {
		return nil, err
	}

	var out []wctypes.Interface
	for path, ifaces := range objs {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}

		name, _ := props["Name"].Value().(string)
		out = append(out, wctypes.Interface{Handle: string(path), Name: name, SupportsAP: true})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })

	return out, nil
}

// devicePath finds the iwd device object whose Name property equals iface.
func (b *Backend) devicePath(ctx context.Context, iface string) (dbus.ObjectPath, error) {
	const op = "iwd: resolve interface"

	objs, err := b.managedObjects(ctx)
	if err != nil {
		return "", err
	}

	for path, ifaces := range objs {
		props, ok := ifaces[ifaceDevice]
		if !ok {
			continue
		}

		if name, _ := props["Name"].Value().(string); name == iface {
			return path, nil
		}
	}

	return "", wcerrors.New(wcerrors.KindInterface, op, fmt.Errorf("no iwd device named %s", iface))
}

// Scan implements [wifibackend.Backend].
func (b *Backend) Scan(ctx context.Context, iface string) error {
	const op = "iwd: scan"

	devPath, err := b.devicePath(ctx, iface)
	if err != nil {
		return err
	}

	scanCtx, cancel := context.WithTimeout(ctx, wifibackend.ScanTimeout)
	defer cancel()

	station := b.bus.Object(busName, devPath)
	err = busclient.Call(scanCtx, station, ifaceStation+".Scan", nil)
	if err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && strings.Contains(dbusErr.Name, "NotSupported") {
			return wcerrors.New(wcerrors.KindScanUnsupported, op, err)
		}

		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	// iwd has no scan-completion signal exposed here; a short settle delay
	// before reading GetOrderedNetworks is the documented workaround.
	select {
	case <-time.After(2 * time.Second):
	case <-scanCtx.Done():
		return wcerrors.New(wcerrors.KindTimeout, op, scanCtx.Err())
	}

	return b.refreshCache(scanCtx, iface, devPath)
}

type orderedNetwork struct {
	Path    dbus.ObjectPath
	Signal  int16
}

func (b *Backend) refreshCache(ctx context.Context, iface string, devPath dbus.ObjectPath) error {
	const op = "iwd: refresh cache"

	station := b.bus.Object(busName, devPath)

	var networks []orderedNetwork
	err := busclient.Call(ctx, station, ifaceStation+".GetOrderedNetworks", []any{&networks})
	if err != nil {
		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	cache := b.cacheFor(iface)
	seen := map[string]bool{}

	for _, n := range networks {
		netObj := b.bus.Object(busName, n.Path)

		var name, netType string
		_ = busclient.GetProperty(ctx, netObj, ifaceNetwork, "Name", &name)
		_ = busclient.GetProperty(ctx, netObj, ifaceNetwork, "Type", &netType)

		ap := wctypes.AccessPoint{
			SSID:     wctypes.NewSSID(name),
			HW:       string(n.Path), // iwd collapses BSSID distinctions; the object path is the stable key.
			Strength: rssiToPercent(n.Signal),
			Security: classifyNetworkType(netType),
		}

		cache.Put(ap)
		seen[ap.HW] = true
	}

	for _, existing := range cache.Snapshot() {
		if !seen[existing.HW] {
			cache.Remove(existing.HW)
		}
	}

	return nil
}

// rssiToPercent converts iwd's signal strength, in hundredths of a dBm, to
// the 0-100 percent scale access points are reported in.
func rssiToPercent(signal int16) int {
	dbm := float64(signal) / 100

	switch {
	case dbm >= -50:
		return 100
	case dbm <= -100:
		return 0
	default:
		return int((dbm + 100) * 2)
	}
}

// classifyNetworkType maps iwd's Network.Type string ("open", "psk", "wep",
// "8021x") to a Security kind.
func classifyNetworkType(t string) wctypes.Security {
	switch t {
	case "8021x":
		return wctypes.SecurityEnterprise
	case "psk":
		return wctypes.SecurityWPA
	case "wep":
		return wctypes.SecurityWEP
	default:
		return wctypes.SecurityOpen
	}
}

func (b *Backend) cacheFor(iface string) *wifibackend.ScanCache {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cache[iface]
	if !ok {
		c = wifibackend.NewScanCache(128)
		b.cache[iface] = c
	}

	return c
}

// AccessPoints implements [wifibackend.Backend].
func (b *Backend) AccessPoints(iface string) []wctypes.AccessPoint {
	return b.cacheFor(iface).Snapshot()
}

// ApChanges implements [wifibackend.Backend] by polling the scan cache and
// diffing against the last-seen snapshot. iwd has no per-device AP-changed
// signal: networks come from Station.GetOrderedNetworks, and the bus-level
// org.freedesktop.DBus.ObjectManager add/remove signals fire for every
// object on the bus, not just the ones belonging to this station, so using
// them here would still mean a property read-back per event to confirm
// ownership before the polling loop below could be retired.
func (b *Backend) ApChanges(iface string) (<-chan wifibackend.APEvent, func()) {
	out := make(chan wifibackend.APEvent, 16)
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		prev := map[string]bool{}
		for _, ap := range b.cacheFor(iface).Snapshot() {
			prev[ap.HW] = true
		}

		for {
			select {
			case <-stop:
				close(out)

				return
			case <-ticker.C:
				cur := map[string]bool{}
				for _, ap := range b.cacheFor(iface).Snapshot() {
					cur[ap.HW] = true
					if !prev[ap.HW] {
						out <- wifibackend.APEvent{Kind: wifibackend.APAdded, AP: ap}
					}
				}

				for hw := range prev {
					if !cur[hw] {
						out <- wifibackend.APEvent{Kind: wifibackend.APRemoved, HW: hw}
					}
				}

				prev = cur
			}
		}
	}()

	return out, func() { close(stop) }
}

// Connect implements [wifibackend.Backend].  Credentials flow through the
// registered Agent, not a method argument, per iwd's design.
func (b *Backend) Connect(ctx context.Context, iface string, creds wctypes.Credentials) error {
	const op = "iwd: connect"

	connectCtx, cancel := context.WithTimeout(ctx, wifibackend.ConnectTimeout)
	defer cancel()

	devPath, err := b.devicePath(connectCtx, iface)
	if err != nil {
		return err
	}

	netPath, err := b.findNetwork(connectCtx, devPath, creds.SSID.String())
	if err != nil {
		return err
	}

	b.agent.arm(creds)
	defer b.agent.disarm()

	net := b.bus.Object(busName, netPath)
	err = busclient.Call(connectCtx, net, ifaceNetwork+".Connect", nil)
	if err != nil {
		return wcerrors.New(wcerrors.KindAuthFailed, op, err)
	}

	return nil
}

func (b *Backend) findNetwork(ctx context.Context, devPath dbus.ObjectPath, ssid string) (dbus.ObjectPath, error) {
	const op = "iwd: find network"

	station := b.bus.Object(busName, devPath)

	var networks []orderedNetwork
	err := busclient.Call(ctx, station, ifaceStation+".GetOrderedNetworks", []any{&networks})
	if err != nil {
		return "", wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	for _, n := range networks {
		netObj := b.bus.Object(busName, n.Path)

		var name string
		_ = busclient.GetProperty(ctx, netObj, ifaceNetwork, "Name", &name)
		if name == ssid {
			return n.Path, nil
		}
	}

	return "", wcerrors.New(wcerrors.KindNetworkUnavailable, op, fmt.Errorf("network %q not in range", ssid))
}

// ConnectToAnyKnown implements [wifibackend.Backend].  iwd marks a network
// known via its Network.KnownNetwork property; the scan-ordered list
// already ranks by signal, so this walks it strongest-first; it does not
// order by when a network was last used.
func (b *Backend) ConnectToAnyKnown(ctx context.Context, iface string) error {
	const op = "iwd: connect to known"

	devPath, err := b.devicePath(ctx, iface)
	if err != nil {
		return err
	}

	station := b.bus.Object(busName, devPath)

	var networks []orderedNetwork
	err = busclient.Call(ctx, station, ifaceStation+".GetOrderedNetworks", []any{&networks})
	if err != nil {
		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	for _, n := range networks {
		netObj := b.bus.Object(busName, n.Path)

		var known dbus.ObjectPath
		if err := busclient.GetProperty(ctx, netObj, ifaceNetwork, "KnownNetwork", &known); err != nil || known == "" {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := busclient.Call(attemptCtx, netObj, ifaceNetwork+".Connect", nil)
		cancel()

		if err == nil {
			return nil
		}
	}

	return wcerrors.New(wcerrors.KindNetworkUnavailable, op, fmt.Errorf("no known network activated"))
}

// HotspotStart implements [wifibackend.Backend] via iwd's AccessPoint
// interface's Start method, which takes the SSID and a pre-shared
// key directly rather than building a settings map.
func (b *Backend) HotspotStart(
	ctx context.Context,
	iface string,
	ssid wctypes.SSID,
	passphrase string,
	_ string,
) error {
	const op = "iwd: hotspot start"

	startCtx, cancel := context.WithTimeout(ctx, wifibackend.HotspotStartTimeout)
	defer cancel()

	devPath, err := b.devicePath(startCtx, iface)
	if err != nil {
		return err
	}

	ap := b.bus.Object(busName, devPath)

	var callErr error
	if passphrase == "" {
		callErr = busclient.Call(startCtx, ap, ifaceAP+".Start", nil, ssid.String(), "")
	} else {
		callErr = busclient.Call(startCtx, ap, ifaceAP+".Start", nil, ssid.String(), passphrase)
	}
	if callErr != nil {
		return wcerrors.New(wcerrors.KindHotspotUnsupported, op, callErr)
	}

	b.hotspotPath = devPath

	return nil
}

// HotspotStop implements [wifibackend.Backend].
func (b *Backend) HotspotStop(ctx context.Context, _ string) error {
	if b.hotspotPath == "" {
		return nil
	}

	ap := b.bus.Object(busName, b.hotspotPath)
	_ = busclient.Call(ctx, ap, ifaceAP+".Stop", nil)
	b.hotspotPath = ""

	return nil
}

// Connectivity implements [wifibackend.Backend].  iwd has no
// CheckConnectivity equivalent; a connected Station with an active network
// is reported as limited, which suffices unless the caller requires full
// internet connectivity.
func (b *Backend) Connectivity(ctx context.Context) (wifibackend.Connectivity, error) {
	objs, err := b.managedObjects(ctx)
	if err != nil {
		return wifibackend.ConnectivityNone, err
	}

	for _, ifaces := range objs {
		if props, ok := ifaces[ifaceStation]; ok {
			if state, _ := props["State"].Value().(string); state == "connected" {
				return wifibackend.ConnectivityLimited, nil
			}
		}
	}

	return wifibackend.ConnectivityNone, nil
}

// StateChanges implements [wifibackend.Backend] by polling Station.State,
// since the Connect call's caller already awaits the terminal state
// directly; this feed only needs to notice later disconnects.
func (b *Backend) StateChanges() (<-chan wifibackend.StateEvent, func()) {
	out := make(chan wifibackend.StateEvent, 16)
	stop := make(chan struct{})

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		wasConnected := false
		for {
			select {
			case <-stop:
				close(out)

				return
			case <-ticker.C:
				conn, err := b.Connectivity(context.Background())
				if err != nil {
					continue
				}

				isConnected := conn >= wifibackend.ConnectivityLimited
				if isConnected != wasConnected {
					if isConnected {
						out <- wifibackend.StateEvent{Kind: wifibackend.StateConnected, Connectivity: conn}
					} else {
						out <- wifibackend.StateEvent{Kind: wifibackend.StateDisconnected, Connectivity: conn}
					}
					wasConnected = isConnected
				}
			}
		}
	}()

	return out, func() { close(stop) }
}

// Close implements [wifibackend.Backend].
func (b *Backend) Close() error {
	b.agent.unregister(b.bus)

	return b.bus.Close()
}

var _ wifibackend.Backend = (*Backend)(nil)

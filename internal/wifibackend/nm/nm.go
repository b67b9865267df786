// Package nm implements [wifibackend.Backend] against the NetworkManager
// system service over D-Bus.
package nm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
	"github.com/wifi-captive/wificaptive/internal/wctypes"
	"github.com/wifi-captive/wificaptive/internal/wifibackend"
	"github.com/wifi-captive/wificaptive/internal/wifibackend/busclient"
)

// D-Bus names for org.freedesktop.NetworkManager, per its published
// introspection spec.
const (
	busName = "org.freedesktop.NetworkManager"
	rootObj = dbus.ObjectPath("/org/freedesktop/NetworkManager")

	ifaceManager  = "org.freedesktop.NetworkManager"
	ifaceDevice   = "org.freedesktop.NetworkManager.Device"
	ifaceWireless = "org.freedesktop.NetworkManager.Device.Wireless"
	ifaceAP       = "org.freedesktop.NetworkManager.AccessPoint"
	ifaceSettings = "org.freedesktop.NetworkManager.Settings"
	ifaceConn     = "org.freedesktop.NetworkManager.Settings.Connection"
	ifaceActive   = "org.freedesktop.NetworkManager.Connection.Active"

	deviceTypeWifi = 2 // NM_DEVICE_TYPE_WIFI

	nmStateConnectedGlobal = 70 // NM_STATE_CONNECTED_GLOBAL
	nmStateConnectedSite   = 60 // NM_STATE_CONNECTED_SITE
	nmStateConnectedLocal  = 50 // NM_STATE_CONNECTED_LOCAL
)

// Backend implements [wifibackend.Backend] against NetworkManager.
type Backend struct {
	bus    *busclient.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*wifibackend.ScanCache // interface name -> cache

	hotspotMu   sync.Mutex
	hotspotPath dbus.ObjectPath // active hotspot connection, if any
}

// New dials the system bus and returns a ready *Backend.
func New(logger *slog.Logger) (*Backend, error) {
	bus, err := busclient.Dial()
	if err != nil {
		return nil, err
	}

	return &Backend{bus: bus, logger: logger, cache: map[string]*wifibackend.ScanCache{}}, nil
}

func (b *Backend) manager() dbus.BusObject { return b.bus.Object(busName, rootObj) }

// ListInterfaces implements [wifibackend.Backend].
func (b *Backend) ListInterfaces(ctx context.Context) ([]wctypes.Interface, error) {
	const op = "nm: list interfaces"

	var devicePaths []dbus.ObjectPath
	err := busclient.Call(ctx, b.manager(), ifaceManager+".GetDevices", []any{&devicePaths})
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	var out []wctypes.Interface
	for _, p := range devicePaths {
		dev := b.bus.Object(busName, p)

		var devType uint32
		if err := busclient.GetProperty(ctx, dev, ifaceDevice, "DeviceType", &devType); err != nil {
			continue
		}
		if devType != deviceTypeWifi {
			continue
		}

		var name string
		if err := busclient.GetProperty(ctx, dev, ifaceDevice, "Interface", &name); err != nil {
			continue
		}

		out = append(out, wctypes.Interface{Handle: string(p), Name: name, SupportsAP: true})
	}

	return out, nil
}

func (b *Backend) deviceForInterface(ctx context.Context, iface string) (dbus.ObjectPath, error) {
	const op = "nm: resolve interface"

	var path dbus.ObjectPath
	err := busclient.Call(ctx, b.manager(), ifaceManager+".GetDeviceByIpIface", []any{&path}, iface)
	if err != nil {
		return "", wcerrors.New(wcerrors.KindInterface, op, err)
	}

	return path, nil
}

// Scan implements [wifibackend.Backend].  It triggers RequestScan and polls
// LastScan until it advances or ScanTimeout elapses.
func (b *Backend) Scan(ctx context.Context, iface string) error {
	const op = "nm: scan"

	devPath, err := b.deviceForInterface(ctx, iface)
	if err != nil {
		return err
	}
	dev := b.bus.Object(busName, devPath)

	var before int64
	_ = busclient.GetProperty(ctx, dev, ifaceWireless, "LastScan", &before)

	scanCtx, cancel := context.WithTimeout(ctx, wifibackend.ScanTimeout)
	defer cancel()

	err = busclient.Call(scanCtx, dev, ifaceWireless+".RequestScan", nil, map[string]dbus.Variant{})
	if err != nil {
		if isScanNotAllowed(err) {
			return wcerrors.New(wcerrors.KindScanUnsupported, op, err)
		}

		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-scanCtx.Done():
			return wcerrors.New(wcerrors.KindTimeout, op, scanCtx.Err())
		case <-ticker.C:
			var after int64
			if err := busclient.GetProperty(scanCtx, dev, ifaceWireless, "LastScan", &after); err == nil && after > before {
				return b.refreshCache(scanCtx, iface, devPath)
			}
		}
	}
}

// isScanNotAllowed reports whether err corresponds to NM's
// org.freedesktop.NetworkManager.Device.NotAllowed, which it returns when
// scanning is requested on a device currently in AP mode.
func isScanNotAllowed(err error) bool {
	var dbusErr dbus.Error

	return errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.NetworkManager.Device.NotAllowed"
}

func (b *Backend) refreshCache(ctx context.Context, iface string, devPath dbus.ObjectPath) error {
	const op = "nm: refresh cache"

	dev := b.bus.Object(busName, devPath)

	var apPaths []dbus.ObjectPath
	err := busclient.Call(ctx, dev, ifaceWireless+".GetAccessPoints", []any{&apPaths})
	if err != nil {
		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	cache := b.cacheFor(iface)
	seen := map[string]bool{}

	for _, p := range apPaths {
		ap, err := b.readAP(ctx, p)
		if err != nil {
			continue
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

func (b *Backend) readAP(ctx context.Context, path dbus.ObjectPath) (wctypes.AccessPoint, error) {
	obj := b.bus.Object(busName, path)

	var ssid []byte
	var hw string
	var strength byte
	var freq uint32
	var apFlags, wpaFlags, rsnFlags uint32

	getters := []struct {
		name string
		out  any
	}{
		{"Ssid", &ssid},
		{"HwAddress", &hw},
		{"Strength", &strength},
		{"Frequency", &freq},
		{"Flags", &apFlags},
		{"WpaFlags", &wpaFlags},
		{"RsnFlags", &rsnFlags},
	}

	for _, g := range getters {
		if err := busclient.GetProperty(ctx, obj, ifaceAP, g.name, g.out); err != nil {
			return wctypes.AccessPoint{}, err
		}
	}

	return wctypes.AccessPoint{
		SSID:      wctypes.SSID(ssid),
		HW:        hw,
		Strength:  int(strength),
		Frequency: int(freq),
		Security:  classifySecurity(apFlags, wpaFlags, rsnFlags),
	}, nil
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

// ApChanges implements [wifibackend.Backend] via the device's native
// AccessPointAdded/AccessPointRemoved signals, the same way StateChanges
// subscribes to StateChanged.
func (b *Backend) ApChanges(iface string) (<-chan wifibackend.APEvent, func()) {
	out := make(chan wifibackend.APEvent, 16)

	dialCtx, cancel := context.WithTimeout(context.Background(), wifibackend.BusCallTimeout)
	devPath, err := b.deviceForInterface(dialCtx, iface)
	cancel()
	if err != nil {
		b.logger.Error("resolving device for ap changes", "iface", iface, "error", err)
		close(out)

		return out, func() {}
	}

	sigCh, err := b.bus.Signals(
		dbus.WithMatchInterface(ifaceWireless),
		dbus.WithMatchObjectPath(devPath),
	)
	if err != nil {
		b.logger.Error("subscribing to ap changes", "error", err)
		close(out)

		return out, func() {}
	}

	stop := make(chan struct{})

	go func() {
		defer close(out)

		// apHW tracks the object path of every AP we've emitted Added for,
		// since AccessPointRemoved's signal body carries only a path and the
		// AP object is typically already gone from the bus by the time it
		// arrives.
		apHW := map[dbus.ObjectPath]string{}

		for {
			select {
			case <-stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}

				if sig.Path != devPath || len(sig.Body) == 0 {
					continue
				}

				path, ok := sig.Body[0].(dbus.ObjectPath)
				if !ok {
					continue
				}

				switch sig.Name {
				case ifaceWireless + ".AccessPointAdded":
					readCtx, cancel := context.WithTimeout(context.Background(), wifibackend.BusCallTimeout)
					ap, err := b.readAP(readCtx, path)
					cancel()
					if err != nil {
						continue
					}

					apHW[path] = ap.HW
					b.cacheFor(iface).Put(ap)
					out <- wifibackend.APEvent{Kind: wifibackend.APAdded, AP: ap}

				case ifaceWireless + ".AccessPointRemoved":
					hw, known := apHW[path]
					if !known {
						continue
					}
					delete(apHW, path)

					b.cacheFor(iface).Remove(hw)
					out <- wifibackend.APEvent{Kind: wifibackend.APRemoved, HW: hw}
				}
			}
		}
	}()

	return out, func() { close(stop) }
}

// Connect implements [wifibackend.Backend].
func (b *Backend) Connect(ctx context.Context, iface string, creds wctypes.Credentials) error {
	const op = "nm: connect"

	connectCtx, cancel := context.WithTimeout(ctx, wifibackend.ConnectTimeout)
	defer cancel()

	devPath, err := b.deviceForInterface(connectCtx, iface)
	if err != nil {
		return err
	}

	settings := connectionSettings(creds)

	var connPath, activePath dbus.ObjectPath
	err = busclient.Call(connectCtx, b.manager(), ifaceManager+".AddAndActivateConnection",
		[]any{&connPath, &activePath}, settings, devPath, dbus.ObjectPath("/"))
	if err != nil {
		return wcerrors.New(wcerrors.KindAuthFailed, op, err)
	}

	err = b.awaitActivation(connectCtx, activePath)
	if err != nil {
		b.deleteConnection(context.Background(), connPath)

		return err
	}

	return nil
}

func (b *Backend) awaitActivation(ctx context.Context, activePath dbus.ObjectPath) error {
	const op = "nm: await activation"

	active := b.bus.Object(busName, activePath)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return wcerrors.New(wcerrors.KindTimeout, op, ctx.Err())
		case <-ticker.C:
			var state uint32
			if err := busclient.GetProperty(ctx, active, ifaceActive, "State", &state); err != nil {
				continue
			}

			switch state {
			case 2: // NM_ACTIVE_CONNECTION_STATE_ACTIVATED
				return nil
			case 4: // NM_ACTIVE_CONNECTION_STATE_DEACTIVATED
				return wcerrors.New(wcerrors.KindAuthFailed, op, fmt.Errorf("activation failed"))
			}
		}
	}
}

func (b *Backend) deleteConnection(ctx context.Context, path dbus.ObjectPath) {
	conn := b.bus.Object(busName, path)
	_ = busclient.Call(ctx, conn, ifaceConn+".Delete", nil)
}

// connectionSettings builds the nested settings map NM's AddConnection
// family expects, per its published "Settings specification".
func connectionSettings(creds wctypes.Credentials) map[string]map[string]dbus.Variant {
	wireless := map[string]dbus.Variant{
		"ssid": dbus.MakeVariant([]byte(creds.SSID)),
		"mode": dbus.MakeVariant("infrastructure"),
	}

	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(creds.SSID.String()),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(true),
		},
		"802-11-wireless": wireless,
	}

	if creds.Passphrase != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(creds.Passphrase),
		}
	}

	return settings
}

// ConnectToAnyKnown implements [wifibackend.Backend].
func (b *Backend) ConnectToAnyKnown(ctx context.Context, iface string) error {
	const op = "nm: connect to known"

	settingsObj := b.bus.Object(busName, dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings"))

	var connPaths []dbus.ObjectPath
	err := busclient.Call(ctx, settingsObj, ifaceSettings+".ListConnections", []any{&connPaths})
	if err != nil {
		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	devPath, err := b.deviceForInterface(ctx, iface)
	if err != nil {
		return err
	}

	for _, cp := range connPaths {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)

		var activePath dbus.ObjectPath
		err := busclient.Call(attemptCtx, b.manager(), ifaceManager+".ActivateConnection",
			[]any{&activePath}, cp, devPath, dbus.ObjectPath("/"))
		if err == nil {
			err = b.awaitActivation(attemptCtx, activePath)
		}

		cancel()

		if err == nil {
			return nil
		}
	}

	return wcerrors.New(wcerrors.KindNetworkUnavailable, op, fmt.Errorf("no known profile activated"))
}

// HotspotStart implements [wifibackend.Backend] by creating and activating
// a mode=ap, band=bg, shared-IPv4 connection profile.
func (b *Backend) HotspotStart(
	ctx context.Context,
	iface string,
	ssid wctypes.SSID,
	passphrase string,
	gateway string,
) error {
	const op = "nm: hotspot start"

	startCtx, cancel := context.WithTimeout(ctx, wifibackend.HotspotStartTimeout)
	defer cancel()

	devPath, err := b.deviceForInterface(startCtx, iface)
	if err != nil {
		return err
	}

	wireless := map[string]dbus.Variant{
		"ssid": dbus.MakeVariant([]byte(ssid)),
		"mode": dbus.MakeVariant("ap"),
		"band": dbus.MakeVariant("bg"),
	}

	settings := map[string]map[string]dbus.Variant{
		"connection": {
			"id":          dbus.MakeVariant(ssid.String()),
			"type":        dbus.MakeVariant("802-11-wireless"),
			"autoconnect": dbus.MakeVariant(false),
		},
		"802-11-wireless": wireless,
		"ipv4": {
			"method":  dbus.MakeVariant("shared"),
			"address": dbus.MakeVariant(gateway),
		},
	}

	if passphrase != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"key-mgmt": dbus.MakeVariant("wpa-psk"),
			"psk":      dbus.MakeVariant(passphrase),
		}
	}

	var connPath, activePath dbus.ObjectPath
	err = busclient.Call(startCtx, b.manager(), ifaceManager+".AddAndActivateConnection",
		[]any{&connPath, &activePath}, settings, devPath, dbus.ObjectPath("/"))
	if err != nil {
		return wcerrors.New(wcerrors.KindHotspotUnsupported, op, err)
	}

	err = b.awaitActivation(startCtx, activePath)
	if err != nil {
		b.deleteConnection(context.Background(), connPath)

		return wcerrors.New(wcerrors.KindHotspotUnsupported, op, err)
	}

	b.hotspotMu.Lock()
	b.hotspotPath = connPath
	b.hotspotMu.Unlock()

	return nil
}

// HotspotStop implements [wifibackend.Backend].  Per the implementer's
// choice recorded in DESIGN.md for open question (iii), the transient
// profile is deleted rather than kept for reuse.
func (b *Backend) HotspotStop(ctx context.Context, _ string) error {
	b.hotspotMu.Lock()
	path := b.hotspotPath
	b.hotspotPath = ""
	b.hotspotMu.Unlock()

	if path == "" {
		return nil
	}

	b.deleteConnection(ctx, path)

	return nil
}

// Connectivity implements [wifibackend.Backend].
func (b *Backend) Connectivity(ctx context.Context) (wifibackend.Connectivity, error) {
	const op = "nm: connectivity"

	var level uint32
	err := busclient.Call(ctx, b.manager(), ifaceManager+".CheckConnectivity", []any{&level})
	if err != nil {
		return wifibackend.ConnectivityNone, wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	// NMConnectivityState: 1 none, 2 portal, 3 limited, 4 full.
	switch level {
	case 1:
		return wifibackend.ConnectivityNone, nil
	case 2:
		return wifibackend.ConnectivityPortal, nil
	case 3:
		return wifibackend.ConnectivityLimited, nil
	case 4:
		return wifibackend.ConnectivityFull, nil
	default:
		return wifibackend.ConnectivityNone, nil
	}
}

// StateChanges implements [wifibackend.Backend] via the manager's
// StateChanged signal.
func (b *Backend) StateChanges() (<-chan wifibackend.StateEvent, func()) {
	out := make(chan wifibackend.StateEvent, 16)

	sigCh, err := b.bus.Signals(
		dbus.WithMatchInterface(ifaceManager),
		dbus.WithMatchMember("StateChanged"),
	)
	if err != nil {
		b.logger.Error("subscribing to state changes", "error", err)
		close(out)

		return out, func() {}
	}

	stop := make(chan struct{})

	go func() {
		defer close(out)

		for {
			select {
			case <-stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}

				if len(sig.Body) == 0 {
					continue
				}

				state, ok := sig.Body[0].(uint32)
				if !ok {
					continue
				}

				out <- stateEventFor(state)
			}
		}
	}()

	return out, func() { close(stop) }
}

func stateEventFor(nmState uint32) wifibackend.StateEvent {
	switch nmState {
	case nmStateConnectedGlobal:
		return wifibackend.StateEvent{Kind: wifibackend.StateConnected, Connectivity: wifibackend.ConnectivityFull}
	case nmStateConnectedSite:
		return wifibackend.StateEvent{Kind: wifibackend.StateConnected, Connectivity: wifibackend.ConnectivityLimited}
	case nmStateConnectedLocal:
		return wifibackend.StateEvent{Kind: wifibackend.StateConnected, Connectivity: wifibackend.ConnectivityPortal}
	default:
		return wifibackend.StateEvent{Kind: wifibackend.StateDisconnected, Connectivity: wifibackend.ConnectivityNone}
	}
}

// Close implements [wifibackend.Backend].
func (b *Backend) Close() error { return b.bus.Close() }

var _ wifibackend.Backend = (*Backend)(nil)

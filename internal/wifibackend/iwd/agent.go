package iwd

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
	"github.com/wifi-captive/wificaptive/internal/wifibackend/busclient"
)

// agent implements net.connman.iwd.Agent, exported on the bus so iwd can
// call back into this process for credentials during Connect.
type agent struct {
	mu    sync.Mutex
	armed wctypes.Credentials
}

func newAgent() *agent { return &agent{} }

// arm records the credentials the next RequestPassphrase/
// RequestUserNameAndPassword callback should answer with.  Connect arms
// immediately before calling Network.Connect and disarms right after, so a
// callback racing in from an unrelated network is never answered with
// stale credentials.
func (a *agent) arm(creds wctypes.Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.armed = creds
}

func (a *agent) disarm() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.armed = wctypes.Credentials{}
}

// RequestPassphrase implements the Agent method iwd calls for a PSK
// network.
func (a *agent) RequestPassphrase(path dbus.ObjectPath) (string, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.armed.Passphrase, nil
}

// RequestPrivateKeyPassphrase implements the Agent method iwd calls for an
// 802.1X network whose client certificate is encrypted.  Unused by this
// service's credential model; always refused.
func (a *agent) RequestPrivateKeyPassphrase(path dbus.ObjectPath) (string, *dbus.Error) {
	return "", dbus.MakeFailedError(errNoPrivateKeySupport{})
}

// RequestUserNameAndPassword implements the Agent method iwd calls for an
// 802.1X network.
func (a *agent) RequestUserNameAndPassword(path dbus.ObjectPath) (string, string, *dbus.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.armed.Identity, a.armed.Passphrase, nil
}

// Cancel implements the Agent method iwd calls when it gives up waiting for
// a response.
func (a *agent) Cancel(reason string) *dbus.Error { return nil }

// Release implements the Agent method iwd calls when unregistering the
// agent.
func (a *agent) Release() *dbus.Error { return nil }

type errNoPrivateKeySupport struct{}

func (errNoPrivateKeySupport) Error() string {
	return "encrypted client-certificate networks are not supported"
}

// register exports a on the bus at agentObjPath and calls
// AgentManager.RegisterAgent.  It is called once, at startup.
func (a *agent) register(bus *busclient.Client) error {
	if err := bus.Export(a, agentObjPath, ifaceAgent); err != nil {
		return err
	}

	mgr := bus.Object(busName, rootObj)

	return busclient.Call(context.Background(), mgr, ifaceAgentManager+".RegisterAgent", nil, agentObjPath)
}

func (a *agent) unregister(bus *busclient.Client) {
	mgr := bus.Object(busName, rootObj)
	_ = busclient.Call(context.Background(), mgr, ifaceAgentManager+".UnregisterAgent", nil, agentObjPath)
}

// Package config loads and validates the portal's configuration.  Flag
// parsing itself lives in the command package; this package only defines
// the resulting Config shape, the env-then-default resolution helpers the
// entrypoint needs, and the validation implied by the data-model
// invariants.
package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

// Defaults applied when a flag/env value is absent.
const (
	DefaultListenPort           = 80
	DefaultDNSPort              = 53
	DefaultDHCPPort             = 67
	DefaultWaitBeforeReconfig   = 20 * time.Second
	DefaultRetryIn              = 360 * time.Second
	DefaultLeaseTime            = 10 * time.Minute
	DefaultScanTimeout          = 10 * time.Second
	DefaultConnectTimeout       = 30 * time.Second
	DefaultHotspotStartTimeout  = 15 * time.Second
	DefaultBackendRPCTimeout    = 5 * time.Second
	DefaultShutdownGracePeriod  = 2 * time.Second
)

// Config is the fully resolved, validated configuration for one run of the
// service.
type Config struct {
	PortalSSID       wctypes.SSID
	PortalPassphrase string
	Gateway          netip.Addr
	DHCPRangeStart   netip.Addr
	DHCPRangeEnd     netip.Addr
	Interface        string
	UIDirectory      string

	ListenPort  uint16
	DNSPort     uint16
	DHCPPort    uint16

	WaitBeforeReconfigure time.Duration
	RetryIn               time.Duration

	QuitAfterConnected bool
	RequireInternet    bool
}

// envString returns the CLI value if non-empty, else the named environment
// variable, else def.  CLI flags always win over the environment.
func envString(cli, envVar, def string) string {
	if cli != "" {
		return cli
	}

	if v, ok := os.LookupEnv(envVar); ok && v != "" {
		return v
	}

	return def
}

// Flags mirrors the command's CLI surface.  The entrypoint is responsible
// for actually parsing os.Args; it populates Flags and calls Load.
type Flags struct {
	PortalSSID           string
	PortalPassphrase     string
	PassphraseFile       string
	PortalGateway        string
	PortalDHCPRange      string
	PortalListeningPort  string
	PortalInterface      string
	DNSPort              string
	DHCPPort             string
	WaitBeforeReconfigure string
	RetryIn              string
	QuitAfterConnected   bool
	InternetConnectivity bool
	UIDirectory          string
}

// Load resolves f against its environment-variable twins and defaults, then
// validates the result against the data-model invariants.  On failure it
// returns a *wcerrors.Error of KindConfig, matching exit code 1.
func Load(f Flags) (*Config, error) {
	const op = "config: load"

	c := &Config{}

	ssid := envString(f.PortalSSID, "PORTAL_SSID", "")
	if ssid == "" {
		return nil, wcerrors.New(wcerrors.KindConfig, op, errors.Error("portal SSID is required"))
	}
	c.PortalSSID = wctypes.NewSSID(ssid)

	pass, err := resolvePassphrase(f)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}
	if pass != "" && len(pass) < wctypes.MinPassphraseLen {
		return nil, wcerrors.New(wcerrors.KindConfig, op,
			errors.Error("portal passphrase must be at least 8 characters or empty"))
	}
	c.PortalPassphrase = pass

	c.Interface = envString(f.PortalInterface, "PORTAL_INTERFACE", "")
	c.UIDirectory = envString(f.UIDirectory, "UI_DIRECTORY", "")

	gwStr := envString(f.PortalGateway, "PORTAL_GATEWAY", "192.168.4.1")
	gw, err := netip.ParseAddr(gwStr)
	if err != nil || !gw.Is4() {
		return nil, wcerrors.New(wcerrors.KindConfig, op, errors.Annotate(err, "parsing gateway: %w"))
	}
	c.Gateway = gw

	rangeStr := envString(f.PortalDHCPRange, "PORTAL_DHCP_RANGE", "")
	start, end, err := parseDHCPRange(rangeStr, gw)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}
	c.DHCPRangeStart, c.DHCPRangeEnd = start, end

	c.ListenPort, err = resolvePort(f.PortalListeningPort, "PORTAL_LISTENING_PORT", DefaultListenPort)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}

	c.DNSPort, err = resolvePort(f.DNSPort, "", DefaultDNSPort)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}

	c.DHCPPort, err = resolvePort(f.DHCPPort, "", DefaultDHCPPort)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}

	c.WaitBeforeReconfigure, err = resolveSeconds(
		f.WaitBeforeReconfigure, "PORTAL_WAIT", DefaultWaitBeforeReconfig,
	)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}

	c.RetryIn, err = resolveSeconds(f.RetryIn, "PORTAL_RETRY_IN", DefaultRetryIn)
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindConfig, op, err)
	}

	c.QuitAfterConnected = f.QuitAfterConnected
	c.RequireInternet = f.InternetConnectivity

	return c, nil
}

// resolvePassphrase implements the CLI/env/file precedence for the portal
// passphrase: --portal-passphrase, then PORTAL_PASSPHRASE, then the contents
// of --passphrase-file/PORTAL_PASSPHRASE_FILE, trimmed of trailing newline.
func resolvePassphrase(f Flags) (string, error) {
	if v := envString(f.PortalPassphrase, "PORTAL_PASSPHRASE", ""); v != "" {
		return v, nil
	}

	path := envString(f.PassphraseFile, "PORTAL_PASSPHRASE_FILE", "")
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Annotate(err, "reading passphrase file: %w")
	}

	return strings.TrimRight(string(data), "\r\n"), nil
}

func resolvePort(cli, envVar string, def uint16) (uint16, error) {
	s := envString(cli, envVar, strconv.Itoa(int(def)))

	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Annotate(err, "parsing port: %w")
	}

	return uint16(n), nil
}

func resolveSeconds(cli, envVar string, def time.Duration) (time.Duration, error) {
	s := envString(cli, envVar, "")
	if s == "" {
		return def, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Annotate(err, "parsing seconds: %w")
	}

	return time.Duration(n) * time.Second, nil
}

// parseDHCPRange parses a "start,end" range string and checks invariant
// (i): the pool is strictly contained in the /24 of gw and excludes gw
// itself.  An empty range derives a default covering gw's /24 minus the
// gateway address.
func parseDHCPRange(spec string, gw netip.Addr) (start, end netip.Addr, err error) {
	if spec == "" {
		base := gw.As4()
		s := base
		s[3] = 2
		e := base
		e[3] = 254
		start, end = netip.AddrFrom4(s), netip.AddrFrom4(e)
	} else {
		parts := strings.SplitN(spec, ",", 2)
		if len(parts) != 2 {
			return start, end, errors.Error("dhcp range must be \"start,end\"")
		}

		start, err = netip.ParseAddr(strings.TrimSpace(parts[0]))
		if err != nil {
			return start, end, errors.Annotate(err, "parsing dhcp range start: %w")
		}

		end, err = netip.ParseAddr(strings.TrimSpace(parts[1]))
		if err != nil {
			return start, end, errors.Annotate(err, "parsing dhcp range end: %w")
		}
	}

	if !sameSlash24(start, gw) || !sameSlash24(end, gw) {
		return start, end, errors.Error("dhcp range must be within the gateway's /24")
	}

	if start.Compare(end) > 0 {
		return start, end, errors.Error("dhcp range start must not be after end")
	}

	if containsAddr(start, end, gw) {
		return start, end, errors.Error("dhcp range must exclude the gateway address")
	}

	return start, end, nil
}

func sameSlash24(a, gw netip.Addr) bool {
	if !a.Is4() || !gw.Is4() {
		return false
	}

	ab, gb := a.As4(), gw.As4()

	return ab[0] == gb[0] && ab[1] == gb[1] && ab[2] == gb[2]
}

func containsAddr(start, end, addr netip.Addr) bool {
	return addr.Compare(start) >= 0 && addr.Compare(end) <= 0
}

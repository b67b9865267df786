// Command wifi-captive bootstraps WiFi connectivity on a headless Linux
// device: it tries known networks, falls back to a self-hosted captive
// portal when none are reachable, and hands control back once the device is
// online.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"

	"github.com/wifi-captive/wificaptive/internal/config"
	"github.com/wifi-captive/wificaptive/internal/logging"
	"github.com/wifi-captive/wificaptive/internal/supervisor"
	"github.com/wifi-captive/wificaptive/internal/wifibackend"
	"github.com/wifi-captive/wificaptive/internal/wifibackend/iwd"
	"github.com/wifi-captive/wificaptive/internal/wifibackend/nm"
)

// Exit codes: 0 normal, 1 CLI/config error, 2 backend unreachable, 3
// interface unusable, 4 socket bind error.  Codes 2-4 raised after Run
// starts come from the supervisor itself; these two cover the startup
// failures it never gets a chance to classify.
const (
	exitBackendUnreachable osutil.ExitCode = 2
	exitInterfaceUnusable  osutil.ExitCode = 3
)

func main() {
	os.Exit(int(run()))
}

func run() osutil.ExitCode {
	ctx := context.Background()

	f, logLevel := parseFlags()

	cfg, err := config.Load(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)

		return osutil.ExitCodeArgumentError
	}

	logger := slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatAdGuardLegacy,
		Level:        logLevel,
		AddTimestamp: true,
	})

	backend, err := dialBackend(logger)
	if err != nil {
		logger.ErrorContext(ctx, "no wireless backend available", "error", err)

		return exitBackendUnreachable
	}
	defer backend.Close()

	iface := cfg.Interface
	if iface == "" {
		iface, err = firstWirelessInterface(ctx, backend)
		if err != nil {
			logger.ErrorContext(ctx, "selecting wireless interface", "error", err)

			return exitInterfaceUnusable
		}
	}

	logger.InfoContext(ctx, "starting", "interface", iface, "pid", os.Getpid())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go awaitShutdownSignal(runCtx, cancel, logger)

	supCfg := supervisor.Config{
		Logger:                logger,
		Backend:               backend,
		Interface:             iface,
		PortalSSID:            cfg.PortalSSID,
		PortalPassphrase:      cfg.PortalPassphrase,
		Gateway:               cfg.Gateway,
		DHCPRangeStart:        cfg.DHCPRangeStart,
		DHCPRangeEnd:          cfg.DHCPRangeEnd,
		DNSPort:               int(cfg.DNSPort),
		DHCPPort:              int(cfg.DHCPPort),
		ListenPort:            int(cfg.ListenPort),
		UIDirectory:           cfg.UIDirectory,
		WaitBeforeReconfigure: cfg.WaitBeforeReconfigure,
		RetryIn:               cfg.RetryIn,
		QuitAfterConnected:    cfg.QuitAfterConnected,
		RequireInternet:       cfg.RequireInternet,
	}

	sup := supervisor.New(supCfg, supervisor.NewBundleHotspot(supCfg))

	return sup.Run(runCtx)
}

// parseFlags maps the CLI surface onto config.Flags.
func parseFlags() (config.Flags, slog.Level) {
	f := config.Flags{}
	var logFilter string

	flag.StringVar(&f.PortalSSID, "portal-ssid", "", "SSID the hotspot advertises")
	flag.StringVar(&f.PortalPassphrase, "portal-passphrase", "", "hotspot passphrase, empty for an open network")
	flag.StringVar(&f.PassphraseFile, "passphrase-file", "", "path to a file containing the hotspot passphrase")
	flag.StringVar(&f.PortalGateway, "portal-gateway", "", "hotspot gateway address, default 192.168.4.1")
	flag.StringVar(&f.PortalDHCPRange, "portal-dhcp-range", "", "DHCP pool as \"start,end\"")
	flag.StringVar(&f.PortalListeningPort, "portal-listening-port", "", "captive-portal HTTP port")
	flag.StringVar(&f.PortalInterface, "portal-interface", "", "wireless interface to manage")
	flag.StringVar(&f.DNSPort, "dns-port", "", "DNS responder port")
	flag.StringVar(&f.DHCPPort, "dhcp-port", "", "DHCP server port")
	flag.StringVar(&f.WaitBeforeReconfigure, "wait-before-reconfigure", "", "seconds to wait before reconfiguring after a connectivity loss")
	flag.StringVar(&f.RetryIn, "retry-in", "", "seconds between known-network retry attempts while the portal is active")
	flag.BoolVar(&f.QuitAfterConnected, "quit-after-connected", false, "exit as soon as a connection is established")
	flag.BoolVar(&f.InternetConnectivity, "internet-connectivity", false, "require full internet connectivity, not just LAN")
	flag.StringVar(&f.UIDirectory, "ui-directory", "", "directory to serve the portal UI from, default embedded")
	flag.StringVar(&logFilter, "log-level", "", "error|warn|info|debug|trace")

	flag.Parse()

	return f, logging.ParseLevel(logFilter)
}

// dialBackend tries NetworkManager first, then falls back to IWD, matching
// the common distro layout where NetworkManager is preferred when present.
func dialBackend(logger *slog.Logger) (wifibackend.Backend, error) {
	if b, err := nm.New(logger); err == nil {
		return b, nil
	}

	return iwd.New(logger)
}

func firstWirelessInterface(ctx context.Context, backend wifibackend.Backend) (string, error) {
	ifaces, err := backend.ListInterfaces(ctx)
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.SupportsAP {
			return iface.Name, nil
		}
	}

	if len(ifaces) > 0 {
		return ifaces[0].Name, nil
	}

	return "", fmt.Errorf("no wireless interfaces found")
}

// awaitShutdownSignal blocks until a shutdown signal arrives, then cancels
// ctx so the supervisor unwinds through its normal exit path.
func awaitShutdownSignal(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	osutil.NotifyShutdownSignal(osutil.DefaultSignalNotifier{}, ch)

	select {
	case sig := <-ch:
		logger.InfoContext(ctx, "received signal, shutting down", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}

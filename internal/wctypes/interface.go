package wctypes

// Interface is an opaque backend handle plus a human-readable name, e.g.
// "wlp58s0".  It is chosen once at startup: a CLI override, or else the
// first wireless device the backend enumerates.
type Interface struct {
	// Handle is the backend-specific object identity (a D-Bus object path
	// for both the NM and IWD backends).  Opaque to callers outside the
	// backend package that produced it.
	Handle string

	// Name is the kernel interface name, e.g. "wlp58s0".
	Name string

	// SupportsAP reports whether the interface is treated as able to run
	// in AP (hotspot) mode.  Both backends set it to true for every
	// wireless device they list; no driver capability is probed.  The
	// entrypoint uses it only to prefer an AP-capable interface; the
	// supervisor does not read it and logs nothing about it.
	SupportsAP bool
}

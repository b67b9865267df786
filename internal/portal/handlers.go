package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

// heartbeatInterval is how often /events writes a comment to keep the
// connection alive through intermediate proxies.
const heartbeatInterval = 20 * time.Second

func (svc *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != pathRoot {
		svc.handleUnknownPath(w, r)

		return
	}

	http.FileServerFS(svc.ui).ServeHTTP(w, r)
}

func (svc *Service) handleNetworks(w http.ResponseWriter, r *http.Request) {
	aps := svc.cfg.Backend.Snapshot()
	wctypes.SortByStrength(aps)

	writeJSON(w, http.StatusOK, aps)
}

// connectRequest is the JSON body of POST /connect.
type connectRequest struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"passphrase,omitempty"`
	Identity   string `json:"identity,omitempty"`
	HW         string `json:"hw,omitempty"`
}

func (svc *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")

		return
	}

	creds := wctypes.Credentials{
		SSID:       wctypes.NewSSID(req.SSID),
		Passphrase: req.Passphrase,
		Identity:   req.Identity,
		HW:         req.HW,
	}

	if len(creds.SSID) == 0 {
		writeError(w, http.StatusBadRequest, "ssid must not be empty")

		return
	}

	if creds.Passphrase != "" && len(creds.Passphrase) < wctypes.MinPassphraseLen {
		writeError(w, http.StatusBadRequest, "passphrase must be at least 8 characters")

		return
	}

	err = svc.cfg.Credentials.Submit(r.Context(), creds)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (svc *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	err := svc.cfg.Backend.RequestScan(r.Context())
	if err != nil {
		svc.logger.DebugContext(r.Context(), "requesting scan", "error", err)
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleEvents serves the text/event-stream feed of AP-list changes: a List
// snapshot on connect, then Added/Removed as they happen, plus a heartbeat
// comment every 20s.
func (svc *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := svc.cfg.Events.Subscribe()
	defer cancel()

	svc.writeSSE(w, Event{Kind: EventList, List: svc.cfg.Backend.Snapshot()})
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}

			svc.writeSSE(w, ev)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSE encodes ev into a pooled scratch buffer rather than allocating a
// fresh one per event, since /events can be under sustained load from a
// live SSE connection during every scan cycle.
func (svc *Service) writeSSE(w http.ResponseWriter, ev Event) {
	var payload any
	switch ev.Kind {
	case EventList:
		payload = ev.List
	default:
		payload = ev.AP
	}

	bufp := svc.bufPool.Get()
	defer svc.bufPool.Put(bufp)

	buf := bytes.NewBuffer((*bufp)[:0])
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return
	}
	*bufp = buf.Bytes()

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, bytes.TrimRight(buf.Bytes(), "\n"))
}

// handleProbe answers a captive-portal detection probe with a redirect to
// the picker, which is what makes OSes show their captive-portal UX
// instead of silently failing.
func (svc *Service) handleProbe(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, pathRoot, http.StatusFound)
}

// handleUnknownPath is the catch-all NotFoundHandler: any unrecognized path
// whose Host is not the gateway is treated as another OS-specific captive
// portal probe and redirected.
func (svc *Service) handleUnknownPath(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if host != svc.cfg.Gateway.String() {
		http.Redirect(w, r, pathRoot, http.StatusFound)

		return
	}

	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

type fakeBackend struct {
	aps         []wctypes.AccessPoint
	scanCount   int
	scanErr     error
}

func (f *fakeBackend) Snapshot() []wctypes.AccessPoint { return f.aps }

func (f *fakeBackend) RequestScan(context.Context) error {
	f.scanCount++

	return f.scanErr
}

type fakeSink struct {
	got wctypes.Credentials
	err error
}

func (f *fakeSink) Submit(_ context.Context, creds wctypes.Credentials) error {
	f.got = creds

	return f.err
}

func testService(t *testing.T) (*Service, *fakeBackend, *fakeSink, *Hub) {
	t.Helper()

	backend := &fakeBackend{aps: []wctypes.AccessPoint{
		{SSID: wctypes.NewSSID("weak"), HW: "aa:aa", Strength: 10},
		{SSID: wctypes.NewSSID("strong"), HW: "bb:bb", Strength: 90},
	}}
	sink := &fakeSink{}
	hub := NewHub()

	svc := New(Config{
		Logger:      slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)),
		Gateway:     net.ParseIP("192.168.4.1"),
		Port:        8080,
		Backend:     backend,
		Events:      hub,
		Credentials: sink,
	})

	return svc, backend, sink, hub
}

func TestHandleNetworksSortsByStrength(t *testing.T) {
	svc, _, _, _ := testService(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, pathNetworks, nil)
	svc.handleNetworks(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var aps []wctypes.AccessPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &aps))
	require.Len(t, aps, 2)
	assert.Equal(t, "strong", aps[0].SSID.String())
}

func TestHandleConnectRejectsEmptySSID(t *testing.T) {
	svc, _, _, _ := testService(t)

	body := bytes.NewBufferString(`{"ssid":""}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, pathConnect, body)
	svc.handleConnect(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConnectRejectsShortPassphrase(t *testing.T) {
	svc, _, _, _ := testService(t)

	body := bytes.NewBufferString(`{"ssid":"home","passphrase":"short"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, pathConnect, body)
	svc.handleConnect(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConnectSubmitsCredentials(t *testing.T) {
	svc, _, sink, _ := testService(t)

	body := bytes.NewBufferString(`{"ssid":"home","passphrase":"longenough"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, pathConnect, body)
	svc.handleConnect(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "home", sink.got.SSID.String())
	assert.Equal(t, "longenough", sink.got.Passphrase)
}

func TestHandleRefreshRequestsScan(t *testing.T) {
	svc, backend, _, _ := testService(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, pathRefresh, nil)
	svc.handleRefresh(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, backend.scanCount)
}

func TestHandleProbeRedirectsToRoot(t *testing.T) {
	svc, _, _, _ := testService(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, pathGenerate204, nil)
	svc.handleProbe(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, pathRoot, rec.Header().Get("Location"))
}

func TestHandleUnknownPathRedirectsForForeignHost(t *testing.T) {
	svc, _, _, _ := testService(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/some/random/path", nil)
	req.Host = "connectivitycheck.gstatic.com"
	svc.handleUnknownPath(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestHandleUnknownPathNotFoundForGatewayHost(t *testing.T) {
	svc, _, _, _ := testService(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Host = "192.168.4.1"
	svc.handleUnknownPath(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHubPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe()
	defer cancel()

	ap := &wctypes.AccessPoint{SSID: wctypes.NewSSID("new-ap")}
	hub.Publish(Event{Kind: EventAdded, AP: ap})

	select {
	case ev := <-ch:
		assert.Equal(t, EventAdded, ev.Kind)
		assert.Equal(t, ap, ev.AP)
	default:
		t.Fatal("expected a buffered event")
	}
}

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/riverine/focus/pkg/bridge"
	"github.com/riverine/focus/pkg/common"
	"github.com/riverine/focus/pkg/focus"
	"github.com/riverine/focus/pkg/metrics"
	"github.com/riverine/focus/pkg/xmpp/xmpptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, config Config) (*Server, *focus.Service) {
	t.Helper()

	conn := xmpptest.NewFakeConnection("focus.example.com")
	conn.RespondOK()

	service := focus.NewService(conn, focus.DefaultConfig(), common.NewFakeClock(time.Unix(1700000000, 0)))
	t.Cleanup(service.Stop)

	return NewServer(service, metrics.New(service), "1.2.3", config), service
}

func request(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(method, target, reader))
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	server, service := newTestServer(t, DefaultConfig())

	response := request(t, server, http.MethodGet, "/about/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, response.Code, "no bridges yet")

	service.Bridges().AddOrUpdate("b1", bridge.LoadReport{Version: "1.0"})
	response = request(t, server, http.MethodGet, "/about/health", "")
	assert.Equal(t, http.StatusOK, response.Code)
}

func TestVersionEndpoint(t *testing.T) {
	server, _ := newTestServer(t, DefaultConfig())

	response := request(t, server, http.MethodGet, "/about/version", "")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "1.2.3")
}

func TestConferenceRequestEndpoint(t *testing.T) {
	server, service := newTestServer(t, DefaultConfig())
	service.Bridges().AddOrUpdate("b1", bridge.LoadReport{Version: "1.0"})

	response := request(t, server, http.MethodPost, "/conference-request/v1",
		`{"room":"room@conference.example.com"}`)
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), `"ready":true`)
	assert.Equal(t, 1, service.Conferences().Count())

	response = request(t, server, http.MethodPost, "/conference-request/v1", `{}`)
	assert.Equal(t, http.StatusBadRequest, response.Code, "room is mandatory")
}

func TestPinEndpoints(t *testing.T) {
	server, service := newTestServer(t, DefaultConfig())

	response := request(t, server, http.MethodPost, "/pins",
		`{"room":"room@conference.example.com","version":"2.1","durationMinutes":10}`)
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, "2.1", service.Pins().VersionForRoom("room@conference.example.com"))

	response = request(t, server, http.MethodGet, "/pins", "")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "2.1")

	response = request(t, server, http.MethodDelete, "/pins?room=room@conference.example.com", "")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Equal(t, "", service.Pins().VersionForRoom("room@conference.example.com"))
}

func TestMoveEndpointsRequiresBridge(t *testing.T) {
	server, _ := newTestServer(t, DefaultConfig())

	response := request(t, server, http.MethodGet, "/move-endpoints", "")
	assert.Equal(t, http.StatusBadRequest, response.Code)

	response = request(t, server, http.MethodGet, "/move-endpoints?bridge=b1", "")
	assert.Equal(t, http.StatusOK, response.Code)
}

func TestThrottleRejectsBursts(t *testing.T) {
	config := DefaultConfig()
	config.RateLimit = 1
	config.RateBurst = 2
	server, _ := newTestServer(t, config)

	// httptest requests share a remote address, so they hit one bucket.
	assert.Equal(t, http.StatusOK, request(t, server, http.MethodGet, "/pins", "").Code)
	assert.Equal(t, http.StatusOK, request(t, server, http.MethodGet, "/pins", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(t, server, http.MethodGet, "/pins", "").Code)

	// The unthrottled probes stay reachable.
	assert.Equal(t, http.StatusOK, request(t, server, http.MethodGet, "/about/version", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, DefaultConfig())

	response := request(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, response.Code)
	assert.Contains(t, response.Body.String(), "focus_conferences")
	assert.Contains(t, response.Body.String(), "focus_bridges_operational")
}

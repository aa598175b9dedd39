package boundary

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcingress/mcingress/ingress"
	"github.com/mcingress/mcingress/ingress/registry"
	"github.com/mcingress/mcingress/metrics"
)

func newTestServer(t *testing.T) (*Server, *ingress.Engine) {
	t.Helper()
	engine := ingress.New(ingress.DefaultOptions(), metrics.Discard())
	return New(engine), engine
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestStartAndStopListener(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/listeners", startListenerRequest{Host: "127.0.0.1", Port: 0})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["listenerId"]
	assert.NotZero(t, id)

	rec = doJSON(t, s, http.MethodDelete, fmtListenerPath(id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStopUnknownListenerReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodDelete, "/listeners/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetOptionsRejectsBadAllowList(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPut, "/options", map[string]interface{}{
		"AllowList": []string{"not-an-ip-or-cidr"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollAndSubmitRouteDecision(t *testing.T) {
	s, engine := newTestServer(t)

	go func() {
		for i := 0; i < 50; i++ {
			reqs := engine.Registry.PollRouteRequests(0)
			if len(reqs) > 0 {
				engine.Registry.SubmitRouteDecision(reqs[0].ConnectionID, registry.RouteDecision{RemoteHost: "127.0.0.1", RemotePort: 25566})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	decision, ok := engine.Registry.AwaitRouteDecision(ctx, 1, registry.RouteRequest{ConnectionID: 1, Host: "play.example.com"})
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:25566", decision.Backend())

	rec := doJSON(t, s, http.MethodGet, "/route-requests", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetMetricsReturnsCounters(t *testing.T) {
	s, engine := newTestServer(t)
	engine.Registry.AddBytesSent(100)

	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var counters registry.GlobalCounters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counters))
	assert.EqualValues(t, 100, counters.BytesSent)
}

func TestGetMetricsIncludesPerConnectionBreakdown(t *testing.T) {
	s, engine := newTestServer(t)

	conn := &registry.ConnectionState{
		ID:      engine.Registry.NextID(),
		Metrics: &registry.ConnMetrics{},
	}
	conn.Metrics.BytesSent = 10
	conn.Metrics.BytesReceived = 20
	engine.Registry.AddConnection(conn)

	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp metricsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Contains(t, resp.Connections, strconv.FormatUint(conn.ID, 10))
	entry := resp.Connections[strconv.FormatUint(conn.ID, 10)]
	assert.EqualValues(t, 10, entry.BytesSent)
	assert.EqualValues(t, 20, entry.BytesReceived)
}

func TestCacheStatsAndCleanup(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/cache/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/cache/cleanup", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDisconnectUnknownConnectionReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/connections/42/disconnect", map[string]string{"reason": "test"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func fmtListenerPath(id uint64) string {
	return "/listeners/" + itoaForTest(id)
}

func itoaForTest(id uint64) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for id > 0 {
		pos--
		buf[pos] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[pos:])
}

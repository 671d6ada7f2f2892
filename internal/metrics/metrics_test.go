package metrics

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveOperation("list_repositories", "success", time.Millisecond)
		m.SubscriptionOpened()
		m.SubscriptionClosed()
		m.ChangeEvent("commits")
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	m.InstrumentHandler(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestObserveOperation(t *testing.T) {
	m := New()

	m.ObserveOperation("get_repository", "success", 10*time.Millisecond)
	m.ObserveOperation("get_repository", "success", 20*time.Millisecond)
	m.ObserveOperation("get_repository", "connectivity", time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.queries.WithLabelValues("get_repository", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queries.WithLabelValues("get_repository", "connectivity")))
}

func TestSubscriptionGauge(t *testing.T) {
	m := New()

	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionClosed()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.subscriptions))
}

func TestInstrumentHandler_CountsRequests(t *testing.T) {
	m := New()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.InstrumentHandler(next)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/repositories", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "404")))
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
}

func (hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, nil
}

func TestInstrumentHandler_CountsUpgradesAsSwitchingProtocols(t *testing.T) {
	m := New()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		_, _, err := hj.Hijack()
		require.NoError(t, err)
	})
	h := m.InstrumentHandler(next)

	h.ServeHTTP(hijackableRecorder{httptest.NewRecorder()}, httptest.NewRequest(http.MethodGet, "/api/v1/changes", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "101")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "200")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.ChangeEvent("commits")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `repopulse_changes_events_total{table="commits"} 1`))
}

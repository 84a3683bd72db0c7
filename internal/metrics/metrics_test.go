package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmctl/internal/apiserver"
	"github.com/javanstorm/vmctl/internal/bridge"
	"github.com/javanstorm/vmctl/internal/logging"
	"github.com/javanstorm/vmctl/pkg/vmm"
)

var (
	_ bridge.Observer      = (*Metrics)(nil)
	_ bridge.RetryObserver = (*Metrics)(nil)
	_ apiserver.Observer   = (*Metrics)(nil)
)

func TestObservers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveRoundTrip(vmm.KindStartMicroVM, bridge.ResultOK, 3*time.Millisecond)
	m.ObserveRoundTrip(vmm.KindStartMicroVM, bridge.ResultOK, time.Millisecond)
	m.ObserveRoundTrip(vmm.KindInsertBlockDevice, bridge.ResultRejected, time.Millisecond)
	m.ObserveAttempts(vmm.KindInsertBlockDevice, 7)
	m.ObserveRequest(apiserver.ActionResizeVcpu, apiserver.ResultOK)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.roundTrips.WithLabelValues("start_microvm", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.roundTrips.WithLabelValues("insert_block_device", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiRequests.WithLabelValues("resize_vcpu", "ok")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.roundTripTime))
	assert.Equal(t, 1, testutil.CollectAndCount(m.retryAttempts))
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.ObserveRequest(apiserver.ActionHotplugMemory, apiserver.ResultFailed)

	var ready atomic.Bool
	srv := httptest.NewServer(Handler(reg, ready.Load))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `vmctl_api_requests_total{action="hotplug_memory",result="failed"} 1`), string(body))

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ready.Store(true)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, Handler(prometheus.NewRegistry(), nil), logging.Nop()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

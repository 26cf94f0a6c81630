package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedvault/internal/eventbus"
	"schedvault/internal/task/engine"
	logx "schedvault/pkg/logx"
)

func TestCollectorStoreMetrics(t *testing.T) {
	c := NewCollector()
	c.StoreOp("store_job", "ok")
	c.StoreOp("store_job", "ok")
	c.StoreOp("pause_trigger", "tx_error")
	c.MissingRecord("resume_trigger")
	c.Recovered(1500*time.Millisecond, 3, 5, 2, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.storeOps.WithLabelValues("store_job", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeOps.WithLabelValues("pause_trigger", "tx_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.missingRecords.WithLabelValues("resume_trigger")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.recoveredTotals.WithLabelValues("triggers")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveredTotals.WithLabelValues("skipped")))
}

func TestCollectorObservesEvents(t *testing.T) {
	c := NewCollector()
	c.observe(eventbus.Event{Type: eventbus.TriggerFired})
	c.observe(eventbus.Event{Type: eventbus.TriggerFired})
	c.observe(eventbus.Event{Type: eventbus.TriggerRetired})
	c.observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Duration: time.Second}})
	c.observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Error: "boom"}})
	c.observe(eventbus.Event{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Error: "queue_full"}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.triggersFired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.triggersRetired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksDropped.WithLabelValues("queue_full")))
}

func TestWatchStopsWithContext(t *testing.T) {
	c := NewCollector()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Watch(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, eventbus.TriggerErrored, nil)
		return testutil.ToFloat64(c.triggerErrors) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	c := NewCollector()
	c.StoreOp("remove_job", "ok")
	s := NewServer(ServerConfig{Token: "s3cret"}, c, logx.Nop())
	ts := httptest.NewServer(s.mux(s.cfg))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `schedvault_store_ops_total{op="remove_job",result="ok"} 1`)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	ctx := context.Background()
	s := NewServer(ServerConfig{}, NewCollector(), logx.Nop())
	s.Reconfigure(ctx, ServerConfig{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	defer s.Stop(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(ctx, ServerConfig{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestLoopbackCheck(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:9464": true,
		"[::1]:9464":     true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.1.2.3:9464":  false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
	assert.True(t, strings.HasPrefix(normalizePath("metrics"), "/"))
}

func TestBusDroppedCounter(t *testing.T) {
	c := NewCollector()
	assert.Zero(t, c.busDropped())

	bus := eventbus.New()
	c.bus.Store(bus)
	_, unsub := bus.Subscribe(1)
	defer unsub()
	for i := 0; i < 3; i++ {
		eventbus.Publish(bus, eventbus.TriggerFired, nil)
	}
	assert.Equal(t, 2.0, c.busDropped())
}

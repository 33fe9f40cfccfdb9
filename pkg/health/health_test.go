package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passingCheck() CheckFunc {
	return func(_ context.Context) error {
		return nil
	}
}

func failingCheck(msg string) CheckFunc {
	return func(_ context.Context) error {
		return errors.New(msg)
	}
}

func TestLiveEndpoint_AllPassing(t *testing.T) {
	h := New()
	h.AddLivenessCheck("check1", time.Second, passingCheck())
	h.AddLivenessCheck("check2", time.Second, passingCheck())

	// Probes start healthy by default.
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	h.LiveEndpoint(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body.Status)
}

func TestLiveEndpoint_FailingCheck(t *testing.T) {
	h := New()
	h.AddLivenessCheck("db", time.Second, failingCheck("connection refused"))

	// The probe starts healthy; drive it past the failure threshold (3
	// consecutive failures) for it to flip to unhealthy.
	ctx := context.Background()
	h.probes[0].tick(ctx)
	h.probes[0].tick(ctx)
	h.probes[0].tick(ctx)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	h.LiveEndpoint(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body statusResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Checks, "db")
	assert.Equal(t, "connection refused", body.Checks["db"])
}

func TestLiveEndpoint_FailureBelowThreshold(t *testing.T) {
	h := New()
	h.AddLivenessCheck("flaky", time.Second, failingCheck("temporary"))

	// Only 2 failures, threshold is 3. Should still be healthy.
	ctx := context.Background()
	h.probes[0].tick(ctx)
	h.probes[0].tick(ctx)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	h.LiveEndpoint(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyEndpoint_ReadyAndPassing(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.ReadyEndpoint(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body statusResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body.Status)
}

func TestReadyEndpoint_NotReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	// No SetReady(true); default is not ready.

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.ReadyEndpoint(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body statusResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Checks, "_readiness")
}

func TestReadyEndpoint_SetReadyFalse(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ReadyEndpoint(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Draining: readiness goes false while liveness stays green.
	h.SetReady(false)

	req2 := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w2 := httptest.NewRecorder()
	h.ReadyEndpoint(w2, req2)
	assert.Equal(t, http.StatusServiceUnavailable, w2.Code)
}

func TestReadyEndpoint_MultipleChecksOneFailing(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())
	h.AddReadinessCheck("gateway", time.Second, failingCheck("dial tcp: timeout"))
	h.SetReady(true)

	// Drive the gateway probe past the failure threshold.
	ctx := context.Background()
	h.probes[1].tick(ctx)
	h.probes[1].tick(ctx)
	h.probes[1].tick(ctx)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	h.ReadyEndpoint(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body statusResponse
	err := json.NewDecoder(w.Body).Decode(&body)
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Checks, "gateway")
	assert.NotContains(t, body.Checks, "postgres")
}

func TestIsReady(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())

	assert.False(t, h.IsReady(), "should not be ready before SetReady")

	h.SetReady(true)
	assert.True(t, h.IsReady(), "should be ready after SetReady(true)")

	h.SetReady(false)
	assert.False(t, h.IsReady(), "should not be ready after SetReady(false)")
}

func TestStopCancelsProbes(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, passingCheck())

	h.Start(context.Background(), 100*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	// Stop should be idempotent.
	h.Stop()
	h.Stop()
}

func TestProbeRecovery(t *testing.T) {
	// A probe that starts failing then recovers should become healthy again
	// after successThreshold consecutive successes.
	failing := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(_ context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})
	p := h.probes[0]
	ctx := context.Background()

	p.tick(ctx)
	p.tick(ctx)
	p.tick(ctx)
	assert.False(t, p.healthy.Load())

	// One success recovers (successThreshold = 1).
	failing = false
	p.tick(ctx)
	assert.True(t, p.healthy.Load())
}

func TestConcurrentAccess(t *testing.T) {
	// No races when tick() and the HTTP handlers run concurrently.
	h := New()
	h.AddLivenessCheck("concurrent", time.Second, failingCheck("err"))
	h.AddReadinessCheck("concurrent", time.Second, passingCheck())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Start(ctx, 10*time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h.IsReady()

				req := httptest.NewRequest(http.MethodGet, "/livez", nil)
				w := httptest.NewRecorder()
				h.LiveEndpoint(w, req)

				req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
				w = httptest.NewRecorder()
				h.ReadyEndpoint(w, req)
			}
		}()
	}
	wg.Wait()
	h.Stop()
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck(fakePinger{})(context.Background()))

	err := PingCheck(fakePinger{err: errors.New("refused")})(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestGoroutineCountCheck(t *testing.T) {
	check := GoroutineCountCheck(100000)
	assert.NoError(t, check(context.Background()))

	check = GoroutineCountCheck(0)
	err := check(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	check := GCMaxPauseCheck(time.Hour)
	assert.NoError(t, check(context.Background()))
}

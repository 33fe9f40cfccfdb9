// Package health exposes Kubernetes-style liveness and readiness probes.
//
// Every registered probe runs on its own ticker goroutine. Probes carry
// consecutive failure/success thresholds so a single slow database ping does
// not flip readiness: a probe turns unhealthy only after failing
// failureThreshold times in a row, and recovers after succeeding
// successThreshold times in a row.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// CheckFunc probes a single component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

type probeKind int

const (
	liveness probeKind = iota
	readiness
)

// probe holds one registered check and its runtime state.
//
// tick() runs on exactly one goroutine, so the consecutive counters need no
// synchronization. healthy and lastErr are read by HTTP handlers from
// arbitrary goroutines and therefore use atomics.
type probe struct {
	name             string
	kind             probeKind
	timeout          time.Duration
	check            CheckFunc
	failureThreshold int
	successThreshold int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	consecutiveFails int
	consecutiveOK    int
}

func (p *probe) failure() string {
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error()
	}
	return "check is unhealthy"
}

// tick executes the check once and updates the thresholds. Single goroutine only.
func (p *probe) tick(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(checkCtx)
	p.lastErr.Store(&err)

	if err != nil {
		p.consecutiveOK = 0
		p.consecutiveFails++
		if p.consecutiveFails >= p.failureThreshold {
			p.healthy.Store(false)
		}
		return
	}
	p.consecutiveFails = 0
	p.consecutiveOK++
	if p.consecutiveOK >= p.successThreshold {
		p.healthy.Store(true)
	}
}

// Health tracks liveness and readiness probes for a service.
type Health struct {
	ready atomic.Bool

	// mu guards probes and cancel. Registration happens before Start; HTTP
	// handlers snapshot the slice under RLock and release immediately.
	mu     sync.RWMutex
	probes []*probe
	cancel context.CancelFunc
}

// New returns a Health instance in the not-ready state. Call SetReady(true)
// once initialization has finished.
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a probe that decides whether the process is
// alive at all (goroutine leaks, GC stalls). Failing liveness usually means
// the orchestrator should restart the process.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.add(name, liveness, timeout, check)
}

// AddReadinessCheck registers a probe that decides whether the service can
// take traffic (database connectivity, warmed caches).
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc) {
	h.add(name, readiness, timeout, check)
}

func (h *Health) add(name string, kind probeKind, timeout time.Duration, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &probe{
		name:             name,
		kind:             kind,
		timeout:          timeout,
		check:            check,
		failureThreshold: 3,
		successThreshold: 1,
	}
	p.healthy.Store(true) // assume healthy until proven otherwise
	h.probes = append(h.probes, p)
}

// Start launches one background goroutine per registered probe, each running
// the check immediately and then on every interval tick until the context is
// cancelled. Register all probes before calling Start.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := make([]*probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.Unlock()

	for _, p := range probes {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			p.tick(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.tick(ctx)
				}
			}
		}()
	}
}

// SetReady flips the manual readiness gate. Call with false during graceful
// shutdown so load balancers stop routing new traffic.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service was marked ready and every readiness
// probe currently passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	return len(h.failures(readiness)) == 0
}

// Stop cancels the probe goroutines. Safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *Health) failures(kind probeKind) map[string]string {
	h.mu.RLock()
	probes := make([]*probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	out := make(map[string]string)
	for _, p := range probes {
		if p.kind == kind && !p.healthy.Load() {
			out[p.name] = p.failure()
		}
	}
	return out
}

type statusResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez: 200 {"status":"ok"} while all liveness probes
// pass, 503 with per-probe failure messages otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, h.failures(liveness))
}

// ReadyEndpoint serves /readyz: 200 when the service is marked ready and all
// readiness probes pass, 503 with details otherwise.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	failures := h.failures(readiness)
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeResponse(w, failures)
}

func writeResponse(w http.ResponseWriter, failures map[string]string) {
	w.Header().Set("Content-Type", "application/json")

	resp := statusResponse{Status: "ok"}
	status := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)

	// Status code is already committed, nothing we can do about encode errors.
	_ = json.NewEncoder(w).Encode(resp)
}

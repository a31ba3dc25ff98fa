package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/metrics"
	"github.com/nulpointcorp/semantic-gateway/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
//
// Providers are probed with the gateway's own key. A provider without one
// reports "unknown", since callers bring their own keys. Components are
// backing stores; a failing component makes the gateway not ready.
type HealthChecker struct {
	providers  map[string]providers.ChatProvider
	components map[string]func(context.Context) error
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses  map[string]*componentStatus
	componentStatuses map[string]*componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.ChatProvider,
	components map[string]func(context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers:         provs,
		components:        components,
		providerStatuses:  make(map[string]*componentStatus, len(provs)),
		componentStatuses: make(map[string]*componentStatus, len(components)),
		startTime:         time.Now(),
		done:              make(chan struct{}),
		baseCtx:           ctx,
		metrics:           met,
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{}
	}
	for name := range components {
		hc.componentStatuses[name] = &componentStatus{}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Components    map[string]string `json:"components"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := statusOK

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st == statusDegraded {
			overall = statusDegraded
		}
	}

	comps := make(map[string]string, len(hc.componentStatuses))
	for name, s := range hc.componentStatuses {
		st := s.get()
		comps[name] = st
		if st != statusOK {
			overall = statusDegraded
		}
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Components:    comps,
	}
}

// ReadinessOK returns true when every backing store answered its last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	for _, s := range hc.componentStatuses {
		if s.get() != statusOK {
			return false
		}
	}
	return true
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for name, prov := range hc.providers {
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := prov.HealthCheck(ctx)
			switch {
			case errors.Is(err, providers.ErrNoCredentials):
				s.set(statusUnknown)
			case err != nil:
				s.set(statusDegraded)
				hc.report("provider_"+name, false)
			default:
				s.set(statusOK)
				hc.report("provider_"+name, true)
			}
		}()
	}

	for name, ping := range hc.components {
		s := hc.componentStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ping(ctx); err != nil {
				s.set(statusDown)
				hc.report(name, false)
				return
			}
			s.set(statusOK)
			hc.report(name, true)
		}()
	}

	wg.Wait()
}

func (hc *HealthChecker) report(component string, ok bool) {
	if hc.metrics != nil {
		hc.metrics.SetComponentHealth(component, ok)
	}
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// HealthState describes the liveness of one adapter.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Unavailable
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// failureThreshold is the number of consecutive failures or timeouts after
// which an adapter is excluded from fan-out until a probe succeeds.
const failureThreshold = 3

// adapterHealth tracks liveness for one adapter. Counters are atomics so
// reporting never takes a lock and never performs I/O.
type adapterHealth struct {
	backend          Backend
	state            atomic.Int32
	consecutiveFails atomic.Int32
	// recovering marks an adapter that a probe brought back from
	// unavailable; it stays degraded for one full probe cycle before being
	// promoted, which prevents flapping.
	recovering atomic.Bool
}

func (h *adapterHealth) healthState() HealthState {
	return HealthState(h.state.Load())
}

// Registry owns the configured adapters, resolves which ones participate in
// an operation, and tracks per-adapter health. It is constructed at startup
// and passed by reference; it is never a process-wide singleton.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*adapterHealth
	durable  DurableBackend
	vectors  []VectorBackend
	cache    CacheBackend
	logger   zerolog.Logger

	probeTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		adapters:     make(map[string]*adapterHealth),
		logger:       logger.With().Str("component", "registry").Logger(),
		probeTimeout: 5 * time.Second,
	}
}

// Register adds an adapter. Names must be unique; the durable and cache
// kinds accept at most one adapter each, vector adapters may be registered
// redundantly.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}

	for _, c := range requiredCapabilities(b.Kind()) {
		if !HasCapability(b, c) {
			return fmt.Errorf("adapter %q does not declare required capability %q", name, c)
		}
	}

	switch b.Kind() {
	case KindDurable:
		if r.durable != nil {
			return fmt.Errorf("durable adapter already registered (%s)", r.durable.Name())
		}
		d, ok := b.(DurableBackend)
		if !ok {
			return fmt.Errorf("adapter %q declares kind durable but does not implement DurableBackend", name)
		}
		r.durable = d
	case KindVector:
		v, ok := b.(VectorBackend)
		if !ok {
			return fmt.Errorf("adapter %q declares kind vector but does not implement VectorBackend", name)
		}
		r.vectors = append(r.vectors, v)
	case KindCache:
		if r.cache != nil {
			return fmt.Errorf("cache adapter already registered (%s)", r.cache.Name())
		}
		c, ok := b.(CacheBackend)
		if !ok {
			return fmt.Errorf("adapter %q declares kind cache but does not implement CacheBackend", name)
		}
		r.cache = c
	default:
		return fmt.Errorf("adapter %q has unknown kind %q", name, b.Kind())
	}

	r.adapters[name] = &adapterHealth{backend: b}
	r.logger.Info().
		Str("adapter", name).
		Str("kind", string(b.Kind())).
		Interface("capabilities", b.Capabilities()).
		Msg("Adapter registered")
	return nil
}

// requiredCapabilities lists what each kind must declare for the operations
// the coordinator routes to it.
func requiredCapabilities(k Kind) []Capability {
	switch k {
	case KindDurable:
		return []Capability{CapPut, CapGet, CapDelete, CapScan}
	case KindVector:
		return []Capability{CapPut, CapNearest, CapDelete}
	case KindCache:
		return []Capability{CapPut, CapGet, CapDelete}
	}
	return nil
}

// Durable resolves the authoritative store. Writes fail outright when it is
// unavailable; the system never accepts a write it cannot durably persist.
func (r *Registry) Durable() (DurableBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.durable == nil {
		return nil, NewError(CodeBackendUnavailable, "no durable adapter configured", nil)
	}
	if r.health(r.durable.Name()).healthState() == Unavailable {
		return nil, NewBackendError(CodeBackendUnavailable, r.durable.Name(), "durable store unavailable", nil)
	}
	return r.durable, nil
}

// Vectors returns the vector adapters eligible for fan-out: healthy and
// degraded ones. Unavailable adapters wait for a probe.
func (r *Registry) Vectors() []VectorBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eligible := make([]VectorBackend, 0, len(r.vectors))
	for _, v := range r.vectors {
		if r.health(v.Name()).healthState() != Unavailable {
			eligible = append(eligible, v)
		}
	}
	return eligible
}

// Cache returns the cache adapter if one is registered and not unavailable.
func (r *Registry) Cache() (CacheBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cache == nil {
		return nil, false
	}
	if r.health(r.cache.Name()).healthState() == Unavailable {
		return nil, false
	}
	return r.cache, true
}

// State returns the current health state of a named adapter.
func (r *Registry) State(name string) HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.adapters[name]
	if !ok {
		return Unavailable
	}
	return h.healthState()
}

// health must be called with r.mu held.
func (r *Registry) health(name string) *adapterHealth {
	return r.adapters[name]
}

func (r *Registry) lookup(name string) *adapterHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// ReportSuccess resets the consecutive-failure counter and promotes the
// adapter. A recovering adapter stays degraded until the probe cycle
// promotes it.
func (r *Registry) ReportSuccess(name string) {
	h := r.lookup(name)
	if h == nil {
		return
	}
	h.consecutiveFails.Store(0)
	switch h.healthState() {
	case Unavailable:
		// A success can only come from the probe path here; fan-out
		// excludes unavailable adapters.
		h.state.Store(int32(Degraded))
		h.recovering.Store(true)
		r.logger.Info().Str("adapter", name).Msg("Adapter recovered to degraded")
	case Degraded:
		if !h.recovering.Load() {
			h.state.Store(int32(Healthy))
			r.logger.Info().Str("adapter", name).Msg("Adapter back to healthy")
		}
	}
}

// ReportFailure records a failure or timeout. The third consecutive failure
// moves the adapter to unavailable and out of fan-out.
func (r *Registry) ReportFailure(name string) {
	h := r.lookup(name)
	if h == nil {
		return
	}
	fails := h.consecutiveFails.Add(1)
	h.recovering.Store(false)
	if fails >= failureThreshold {
		if h.state.Swap(int32(Unavailable)) != int32(Unavailable) {
			r.logger.Warn().
				Str("adapter", name).
				Int32("consecutive_failures", fails).
				Msg("Adapter marked unavailable")
		}
		return
	}
	if h.state.CompareAndSwap(int32(Healthy), int32(Degraded)) {
		r.logger.Warn().
			Str("adapter", name).
			Int32("consecutive_failures", fails).
			Msg("Adapter degraded")
	}
}

// RunProbes executes one probe cycle: unavailable adapters get a ping
// (with bounded exponential backoff), recovering adapters that survive a
// full cycle are promoted to healthy.
func (r *Registry) RunProbes(ctx context.Context) {
	r.mu.RLock()
	all := make([]*adapterHealth, 0, len(r.adapters))
	for _, h := range r.adapters {
		all = append(all, h)
	}
	r.mu.RUnlock()

	for _, h := range all {
		name := h.backend.Name()
		switch h.healthState() {
		case Unavailable:
			if err := r.ping(ctx, h.backend); err != nil {
				r.logger.Debug().Str("adapter", name).Err(err).Msg("Probe failed")
				continue
			}
			h.consecutiveFails.Store(0)
			h.state.Store(int32(Degraded))
			h.recovering.Store(true)
			r.logger.Info().Str("adapter", name).Msg("Probe succeeded, adapter degraded pending one cycle")
		case Degraded:
			if !h.recovering.Load() {
				continue
			}
			if err := r.ping(ctx, h.backend); err != nil {
				r.ReportFailure(name)
				continue
			}
			h.recovering.Store(false)
			h.consecutiveFails.Store(0)
			h.state.Store(int32(Healthy))
			r.logger.Info().Str("adapter", name).Msg("Adapter promoted to healthy")
		}
	}
}

// ping wraps the adapter health check in a short bounded retry.
func (r *Registry) ping(ctx context.Context, b Backend) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = r.probeTimeout
	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		defer cancel()
		return b.Ping(pingCtx)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 2), ctx))
}

// Close closes every registered adapter, keeping the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, h := range r.adapters {
		if err := h.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close adapter %s: %w", name, err)
		}
	}
	return firstErr
}

// Package health tracks per-provider health from observed outcomes and
// re-admits unhealthy providers via background recovery probes.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the provider health state.
type State int32

const (
	StateUnknown State = iota
	StateHealthy
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "HEALTHY"
	case StateDegraded:
		return "DEGRADED"
	case StateUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Health is a point-in-time snapshot of one provider's health.
type Health struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	AvgLatencyMS        int64     `json:"avg_latency_ms"`
}

// entry holds mutable health state. Fields are individually atomic so
// request-path and prober writes never contend on a lock.
type entry struct {
	state        atomic.Int32
	failures     atomic.Int32
	lastChecked  atomic.Int64 // unix nanos
	avgLatencyMS atomic.Int64 // EWMA
}

// Monitor records outcomes and answers routing eligibility.
type Monitor struct {
	threshold int32
	entries   sync.Map // id -> *entry
	log       zerolog.Logger
}

// New creates a monitor. threshold is the consecutive-failure count at
// which a provider becomes UNHEALTHY.
func New(threshold int, logger zerolog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{threshold: int32(threshold), log: logger.With().Str("component", "health").Logger()}
}

func (m *Monitor) entryFor(id string) *entry {
	if e, ok := m.entries.Load(id); ok {
		return e.(*entry)
	}
	e, _ := m.entries.LoadOrStore(id, &entry{})
	return e.(*entry)
}

// RecordOutcome records the result of an ordinary request attempt.
// Successes reset the failure count; an UNHEALTHY provider is only
// re-admitted by a recovery probe, never by request traffic.
func (m *Monitor) RecordOutcome(id string, success bool, latency time.Duration) {
	e := m.entryFor(id)
	e.lastChecked.Store(time.Now().UnixNano())
	if latency > 0 {
		updateEWMA(&e.avgLatencyMS, latency.Milliseconds())
	}

	if success {
		e.failures.Store(0)
		for {
			cur := State(e.state.Load())
			if cur == StateUnhealthy || cur == StateHealthy {
				return
			}
			if e.state.CompareAndSwap(int32(cur), int32(StateHealthy)) {
				return
			}
		}
	}

	failures := e.failures.Add(1)
	for {
		cur := State(e.state.Load())
		next := StateDegraded
		if failures >= m.threshold {
			next = StateUnhealthy
		}
		if cur == StateUnhealthy || next == cur {
			return
		}
		if e.state.CompareAndSwap(int32(cur), int32(next)) {
			if next == StateUnhealthy {
				m.log.Warn().Str("provider", id).Int32("failures", failures).
					Msg("provider marked unhealthy")
			}
			return
		}
	}
}

// RecordProbe records the result of a recovery probe. A successful
// probe re-admits the provider from any state.
func (m *Monitor) RecordProbe(id string, success bool) {
	e := m.entryFor(id)
	e.lastChecked.Store(time.Now().UnixNano())

	if success {
		e.failures.Store(0)
		prev := State(e.state.Swap(int32(StateHealthy)))
		if prev == StateUnhealthy {
			m.log.Info().Str("provider", id).Msg("provider recovered via probe")
		}
		return
	}

	e.failures.Add(1)
	// A failed probe on a DEGRADED provider does not force UNHEALTHY
	// on its own; ordinary traffic outcomes drive that transition.
}

// StateOf returns the current state for a provider. Providers that have
// never produced an outcome are UNKNOWN.
func (m *Monitor) StateOf(id string) State {
	if e, ok := m.entries.Load(id); ok {
		return State(e.(*entry).state.Load())
	}
	return StateUnknown
}

// IsEligible reports whether routing may consider the provider.
// UNKNOWN providers are eligible; they earn a state on first use.
func (m *Monitor) IsEligible(id string) bool {
	return m.StateOf(id) != StateUnhealthy
}

// Snapshot returns the health of every tracked provider.
func (m *Monitor) Snapshot() map[string]Health {
	out := make(map[string]Health)
	m.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		out[key.(string)] = Health{
			State:               State(e.state.Load()),
			ConsecutiveFailures: int(e.failures.Load()),
			LastCheckedAt:       time.Unix(0, e.lastChecked.Load()),
			AvgLatencyMS:        e.avgLatencyMS.Load(),
		}
		return true
	})
	return out
}

// ProbeFunc performs a lightweight test call against one provider.
type ProbeFunc func(ctx context.Context, id string) bool

// RunProber re-checks DEGRADED and UNHEALTHY providers on a fixed
// interval until ctx is cancelled. HEALTHY providers are not probed;
// probing them only wastes tokens. Blocks; run in a goroutine.
func (m *Monitor) RunProber(ctx context.Context, interval, timeout time.Duration, ids func() []string, probe ProbeFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids() {
				state := m.StateOf(id)
				if state != StateDegraded && state != StateUnhealthy {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, timeout)
				ok := probe(probeCtx, id)
				cancel()
				m.log.Debug().Str("provider", id).Bool("success", ok).
					Str("state", state.String()).Msg("recovery probe")
				m.RecordProbe(id, ok)
			}
		}
	}
}

// updateEWMA folds a sample into the running average latency with a
// 0.2 smoothing factor, using CAS so concurrent writers never lose an
// update.
func updateEWMA(avg *atomic.Int64, sampleMS int64) {
	for {
		cur := avg.Load()
		next := sampleMS
		if cur > 0 {
			next = (cur*8 + sampleMS*2) / 10
		}
		if avg.CompareAndSwap(cur, next) {
			return
		}
	}
}

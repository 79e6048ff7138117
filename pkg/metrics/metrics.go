// Package metrics accumulates process-lifetime usage, cost, and latency
// counters. Counters are monotonically non-decreasing and reset only at
// process restart.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/revoforge/modelgate/pkg/config"
	"github.com/revoforge/modelgate/pkg/provider"
)

// Snapshot is a consistent view of the aggregate counters.
type Snapshot struct {
	TotalRequests      int64              `json:"total_requests"`
	TotalTokens        int64              `json:"total_tokens"`
	TotalCost          float64            `json:"total_cost"`
	RequestsByProvider map[string]int64   `json:"requests_by_provider"`
	CostByProvider     map[string]float64 `json:"cost_by_provider"`
	FallbackEvents     int64              `json:"fallback_events"`
}

// Tracker records per-attempt results. Scalar counters are atomic since
// they sit on the hot path of every request; the per-provider maps share
// one short-lived mutex.
type Tracker struct {
	totalRequests  atomic.Int64
	totalTokens    atomic.Int64
	fallbackEvents atomic.Int64

	mu                 sync.RWMutex
	requestsByProvider map[string]int64
	costByProvider     map[string]float64

	costRank []string
}

// New creates a tracker. Provider configs seed the static cost ranking
// used by the cheapest routing strategy.
func New(cfgs []config.ProviderConfig) *Tracker {
	t := &Tracker{
		requestsByProvider: make(map[string]int64),
		costByProvider:     make(map[string]float64),
	}

	ranked := make([]config.ProviderConfig, len(cfgs))
	copy(ranked, cfgs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CostPer1K < ranked[j].CostPer1K
	})
	for _, cfg := range ranked {
		t.costRank = append(t.costRank, cfg.ID)
	}
	return t
}

// Record folds one successful generation result into the counters.
func (t *Tracker) Record(res provider.Result) {
	t.totalRequests.Add(1)
	t.totalTokens.Add(int64(res.TokensUsed))

	t.mu.Lock()
	t.requestsByProvider[res.ProviderID]++
	t.costByProvider[res.ProviderID] += res.Cost
	t.mu.Unlock()
}

// RecordFallback counts a request that needed at least one retry.
func (t *Tracker) RecordFallback() {
	t.fallbackEvents.Add(1)
}

// Snapshot returns the current counters. TotalCost is derived from the
// per-provider costs so the two can never disagree.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	requests := make(map[string]int64, len(t.requestsByProvider))
	for id, n := range t.requestsByProvider {
		requests[id] = n
	}

	var totalCost float64
	costs := make(map[string]float64, len(t.costByProvider))
	for id, c := range t.costByProvider {
		costs[id] = c
		totalCost += c
	}

	return Snapshot{
		TotalRequests:      t.totalRequests.Load(),
		TotalTokens:        t.totalTokens.Load(),
		TotalCost:          totalCost,
		RequestsByProvider: requests,
		CostByProvider:     costs,
		FallbackEvents:     t.fallbackEvents.Load(),
	}
}

// CostRank returns provider ids sorted by cost_per_1k_tokens ascending,
// ties broken by registration order.
func (t *Tracker) CostRank() []string {
	out := make([]string, len(t.costRank))
	copy(out, t.costRank)
	return out
}

package observability

import (
	"sort"
	"sync"
	"time"
)

// Chat pipeline stages observed per turn, in pipeline order.
const (
	StageLoadHistory = "load_history"
	StageGenerate    = "generate"
	StageAppendTurn  = "append_turn"
	StageTriage      = "triage"
	StageTurnTotal   = "turn_total"
)

var pipelineStages = []string{StageLoadHistory, StageGenerate, StageAppendTurn, StageTriage, StageTurnTotal}

// stageTargets is the p95 budget per stage. Store round trips should stay
// well under the model call; the total is dominated by generation.
var stageTargets = map[string]time.Duration{
	StageLoadHistory: 50 * time.Millisecond,
	StageAppendTurn:  50 * time.Millisecond,
	StageTriage:      50 * time.Millisecond,
	StageGenerate:    8 * time.Second,
	StageTurnTotal:   9 * time.Second,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target"`
}

type StageSnapshot struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	WindowSize   int          `json:"window_size"`
	Turns        int          `json:"turns"`
	TriagedTurns int          `json:"triaged_turns"`
	Stages       []StageStats `json:"stages"`
}

// durationRing holds the most recent samples of one stage.
type durationRing struct {
	samples []time.Duration
	next    int
	count   int
}

func (r *durationRing) add(d time.Duration) {
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

func (r *durationRing) last() time.Duration {
	return r.samples[(r.next-1+len(r.samples))%len(r.samples)]
}

func (r *durationRing) sorted() []time.Duration {
	out := make([]time.Duration, r.count)
	copy(out, r.samples[:r.count])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// stageWindow keeps rolling per-stage latencies and turn outcome counts for
// the perf endpoint. Prometheus histograms cover long-term trends.
type stageWindow struct {
	mu      sync.Mutex
	size    int
	rings   map[string]*durationRing
	turns   int
	triaged int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{size: size, rings: make(map[string]*durationRing)}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[stage]
	if !ok {
		ring = &durationRing{samples: make([]time.Duration, w.size)}
		w.rings[stage] = ring
	}
	ring.add(d)
}

// ObserveTurn counts a completed turn and whether it produced a triage summary.
func (w *stageWindow) ObserveTurn(triaged bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns++
	if triaged {
		w.triaged++
	}
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt:  time.Now().UTC(),
		WindowSize:   w.size,
		Turns:        w.turns,
		TriagedTurns: w.triaged,
		Stages:       make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range w.stageOrder() {
		ring := w.rings[stage]
		samples := ring.sorted()
		p95 := nearestRank(samples, 0.95)
		target := stageTargets[stage]
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     ring.count,
			LastMS:      millis(ring.last()),
			P50MS:       millis(nearestRank(samples, 0.50)),
			P95MS:       millis(p95),
			TargetP95MS: millis(target),
			OverTarget:  target > 0 && p95 > target,
		})
	}
	return snap
}

// stageOrder lists observed stages in pipeline order, then any others by name.
func (w *stageWindow) stageOrder() []string {
	out := make([]string, 0, len(w.rings))
	known := make(map[string]bool, len(pipelineStages))
	for _, stage := range pipelineStages {
		known[stage] = true
		if _, ok := w.rings[stage]; ok {
			out = append(out, stage)
		}
	}
	var extra []string
	for stage := range w.rings {
		if !known[stage] {
			extra = append(extra, stage)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func (w *stageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*durationRing)
	w.turns = 0
	w.triaged = 0
}

// nearestRank returns the q-th percentile of sorted samples.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(q*float64(len(sorted)) + 0.999999)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

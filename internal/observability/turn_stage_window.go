package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names recorded by the generation pipeline.
const (
	StageContextBuilt  = "context_built"
	StageFirstFragment = "first_fragment"
	StageBackendDone   = "backend_done"
	StagePersisted     = "persisted"
	StageTurnTotal     = "turn_total"
	StageCompaction    = "compaction"
)

// p95 budgets in milliseconds, reported next to the measured values.
var stageTargets = map[string]float64{
	StageContextBuilt:  50,
	StageFirstFragment: 1500,
	StagePersisted:     100,
	StageTurnTotal:     15000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring holds the newest len(buf) samples of one stage.
type ring struct {
	buf  []float64
	n    int // samples written, saturates at len(buf)
	head int // next write position
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.buf[:r.n])
	slices.Sort(out)
	return out
}

// turnStageWindow is the rolling latency window behind the perf endpoint.
type turnStageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	w := &turnStageWindow{size: size}
	w.clear()
	return w
}

func (w *turnStageWindow) clear() {
	w.rings = map[string]*ring{}
	w.indicators = map[string]int{}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.clear()
	w.mu.Unlock()
}

// Snapshot reports per-stage statistics, stages and indicators sorted by
// name.
func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for _, name := range sortedKeys(w.rings) {
		r := w.rings[name]
		if r.n == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, statsOf(name, r.sorted(), r.last()))
	}
	for _, name := range sortedKeys(w.indicators) {
		if c := w.indicators[name]; c > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: c})
		}
	}
	return snap
}

func statsOf(stage string, sorted []float64, last float64) TurnStageStats {
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      roundMS(last),
		AvgMS:       roundMS(sum / float64(len(sorted))),
		P50MS:       roundMS(percentile(sorted, 0.50)),
		P95MS:       roundMS(percentile(sorted, 0.95)),
		P99MS:       roundMS(percentile(sorted, 0.99)),
		TargetP95MS: stageTargets[stage],
	}
}

// percentile interpolates linearly between the two nearest ranks of an
// ascending, non-empty slice.
func percentile(sorted []float64, q float64) float64 {
	pos := math.Max(0, math.Min(1, q)) * float64(len(sorted)-1)
	i := int(pos)
	if i+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

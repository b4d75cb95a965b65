// Package reqmetrics tracks per-route request latency histograms in process
// memory and renders them in the Prometheus text exposition format.
package reqmetrics

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMetric is the metric base name used when New is called with "".
const DefaultMetric = "sanbao_request_duration"

// Buckets are the fixed upper bounds, in milliseconds, of every route histogram.
var Buckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// RouteDuration is one route's histogram. Counts[i] is the cumulative number
// of observations <= Buckets[i]; Count doubles as the +Inf bucket.
type RouteDuration struct {
	Route  string   `json:"route"`
	Count  uint64   `json:"count"`
	SumMs  float64  `json:"sum_ms"`
	Counts []uint64 `json:"buckets"`
}

// Recorder accumulates request durations keyed by route.
// It is safe for concurrent use.
type Recorder struct {
	metric string

	mu       sync.RWMutex
	routes   map[string]*RouteDuration
	rejected uint64
}

// New creates an empty recorder. The rendered metric family is "<metric>_ms".
func New(metric string) *Recorder {
	if metric == "" {
		metric = DefaultMetric
	}
	return &Recorder{
		metric: metric,
		routes: make(map[string]*RouteDuration),
	}
}

// Metric returns the exposed metric family name.
func (r *Recorder) Metric() string { return r.metric + "_ms" }

// Record adds one observation for route. Negative durations are clamped to
// zero; NaN and infinite values are dropped and counted as rejected.
func (r *Recorder) Record(route string, durationMs float64) {
	if math.IsNaN(durationMs) || math.IsInf(durationMs, 0) {
		r.mu.Lock()
		r.rejected++
		r.mu.Unlock()
		log.Debug().Str("route", route).Float64("duration_ms", durationMs).Msg("Dropped non-finite request duration")
		return
	}
	if durationMs < 0 {
		durationMs = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.routes[route]
	if !ok {
		m = &RouteDuration{Route: route, Counts: make([]uint64, len(Buckets))}
		r.routes[route] = m
	}
	m.Count++
	m.SumMs += durationMs
	for i, b := range Buckets {
		if durationMs <= b {
			m.Counts[i]++
		}
	}
}

// Observe records d against route in milliseconds.
func (r *Recorder) Observe(route string, d time.Duration) {
	r.Record(route, float64(d)/float64(time.Millisecond))
}

// Rejected returns how many observations were dropped as non-finite.
func (r *Recorder) Rejected() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rejected
}

// Snapshot returns a copy of every route histogram, ordered by route.
func (r *Recorder) Snapshot() []RouteDuration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RouteDuration, 0, len(r.routes))
	for _, m := range r.routes {
		cp := *m
		cp.Counts = append([]uint64(nil), m.Counts...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Render produces the histogram exposition for all tracked routes. Lines are
// joined with "\n" without a trailing newline; routes appear in lexical order
// so repeated renders of the same state are byte-identical.
func (r *Recorder) Render() string {
	name := r.Metric()

	var sb strings.Builder
	sb.WriteString("# HELP " + name + " Request duration in milliseconds\n")
	sb.WriteString("# TYPE " + name + " histogram")

	for _, m := range r.Snapshot() {
		route := escapeLabel(m.Route)
		for i, b := range Buckets {
			sb.WriteString("\n" + name + `_bucket{route="` + route + `",le="` + formatFloat(b) + `"} `)
			sb.WriteString(strconv.FormatUint(m.Counts[i], 10))
		}
		sb.WriteString("\n" + name + `_bucket{route="` + route + `",le="+Inf"} ` + strconv.FormatUint(m.Count, 10))
		sb.WriteString("\n" + name + `_sum{route="` + route + `"} ` + formatFloat(m.SumMs))
		sb.WriteString("\n" + name + `_count{route="` + route + `"} ` + strconv.FormatUint(m.Count, 10))
	}
	return sb.String()
}

// formatFloat writes the shortest decimal that round-trips, switching to
// exponent form ("1e+21", "1.5e-7") outside [1e-6, 1e21).
func formatFloat(v float64) string {
	if abs := math.Abs(v); abs != 0 && (abs >= 1e21 || abs < 1e-6) {
		mant, exp, _ := strings.Cut(strconv.FormatFloat(v, 'e', -1, 64), "e")
		return mant + "e" + exp[:1] + strings.TrimLeft(exp[1:], "0")
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

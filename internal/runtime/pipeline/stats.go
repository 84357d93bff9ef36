package pipeline

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/indexflow/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory groups failures for the stats endpoint.
type ErrorCategory string

const (
	ErrorCategoryNone    ErrorCategory = "none"
	ErrorCategoryDecode  ErrorCategory = "decode"
	ErrorCategorySlot    ErrorCategory = "slot"
	ErrorCategoryLoad    ErrorCategory = "load"
	ErrorCategoryStorage ErrorCategory = "storage"
	ErrorCategoryOther   ErrorCategory = "other"
)

// Classify maps a processing error onto its category.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var (
		provErr *errspkg.ProvisioningError
		connErr *errspkg.ConnectionError
	)
	switch {
	case errors.Is(err, errspkg.ErrStreamIDRequired):
		return ErrorCategoryDecode
	case errors.Is(err, errspkg.ErrUnknownSlot):
		return ErrorCategorySlot
	case errors.Is(err, errspkg.ErrStreamNotFound), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryLoad
	case errors.As(err, &provErr), errors.As(err, &connErr), errors.Is(err, errspkg.ErrUnknownTable):
		return ErrorCategoryStorage
	default:
		return ErrorCategoryOther
	}
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

type ErrorBreakdown struct {
	Decode    uint64 `json:"decode"`
	Slot      uint64 `json:"slot"`
	Load      uint64 `json:"load"`
	Storage   uint64 `json:"storage"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

func (e *ErrorBreakdown) record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryDecode:
		e.Decode++
	case ErrorCategorySlot:
		e.Slot++
	case ErrorCategoryLoad:
		e.Load++
	case ErrorCategoryStorage:
		e.Storage++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Processed       uint64            `json:"processed"`
	Done            uint64            `json:"done"`
	Rejected        uint64            `json:"rejected"`
	Failed          uint64            `json:"failed"`
	InFlight        uint64            `json:"in_flight"`
	MaxInFlight     uint64            `json:"max_in_flight"`
	LastProcessedAt time.Time         `json:"last_processed_at"`
	Latency         LatencyMetrics    `json:"latency"`
	Throughput      ThroughputMetrics `json:"throughput"`
	Errors          ErrorBreakdown    `json:"errors"`
	Resource        ResourceUsage     `json:"resource"`
}

// Stats aggregates outcomes in process for the stats endpoint.
type Stats struct {
	mu sync.Mutex

	snap        StatsSnapshot
	totalTimeNs int64

	latency    *latencyWindow
	throughput *throughputWindow
	resources  *resourceTracker
}

func NewStats() *Stats {
	return &Stats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		resources:  newResourceTracker(),
	}
}

func (s *Stats) begin() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.InFlight++
	if s.snap.InFlight > s.snap.MaxInFlight {
		s.snap.MaxInFlight = s.snap.InFlight
	}
}

func (s *Stats) finish(o Outcome) {
	if s == nil {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.InFlight > 0 {
		s.snap.InFlight--
	}
	s.snap.Processed++
	switch o.State {
	case StateDone:
		s.snap.Done++
	case StateRejected:
		s.snap.Rejected++
	default:
		s.snap.Failed++
		s.snap.Errors.record(Classify(o.Err), o.Err)
	}
	s.snap.LastProcessedAt = now.UTC()

	s.totalTimeNs += int64(o.Duration)
	s.latency.add(o.Duration)
	s.snap.Latency = s.latency.snapshot()
	s.snap.Latency.AverageNs = s.totalTimeNs / int64(s.snap.Processed)

	tp := s.throughput.addAndSnapshot(now)
	s.snap.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
}

// Snapshot returns the current counters with fresh resource usage.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Resource = s.resources.snapshot()
	return s.snap
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) snapshot() LatencyMetrics {
	m := LatencyMetrics{LastNs: lw.last, SampleSize: lw.filled}
	if lw.filled == 0 {
		return m
	}
	sorted := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		sorted[i] = lw.samples[idx]
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

func percentile(sorted []int64, q float64) int64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower, upper := int(math.Floor(pos)), int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower] + int64(float64(sorted[upper]-sorted[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) addAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	drop := 0
	for drop < len(tw.samples) && tw.samples[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[drop:]...)
	}

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}

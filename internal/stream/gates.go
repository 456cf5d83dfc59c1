package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventClass buckets a transport-level failure for the window counters.
type EventClass string

const (
	ClassServer5xx    EventClass = "server_5xx"
	ClassClient400    EventClass = "client_400"
	ClassClient401    EventClass = "client_401"
	ClassRateLimit429 EventClass = "rate_limit_429"
	ClassTransport    EventClass = "transport"
)

// ClassifyStatus maps an HTTP status (0 for transport errors) to a bucket.
func ClassifyStatus(status int) EventClass {
	switch {
	case status == 0:
		return ClassTransport
	case status == 401:
		return ClassClient401
	case status == 429:
		return ClassRateLimit429
	case status >= 500:
		return ClassServer5xx
	case status >= 400:
		return ClassClient400
	default:
		return ClassTransport
	}
}

// Window thresholds for the fail-fast evaluator.
const (
	DefaultWindow          = 10 * time.Second
	minResumeSamples       = 3
	minTrimStreams         = 2
	resumeSuccessThreshold = 0.95
	trimRateThreshold      = 0.01
	maxResumeLatency       = 15 * time.Second
)

type window struct {
	start          time.Time
	resumeAttempts int
	resumeSuccess  int
	maxLatency     time.Duration
	streams        int
	trimmedStreams int
	errors         map[EventClass]int
}

// GateEvaluator continuously evaluates resume health over fixed windows
// and raises a fail-fast when a threshold is crossed with sufficient
// samples.
type GateEvaluator struct {
	mu      sync.Mutex
	win     window
	size    time.Duration
	onFail  func(reason string)
	nowFunc func() time.Time
}

// NewGateEvaluator builds an evaluator; onFail may be nil.
func NewGateEvaluator(size time.Duration, onFail func(reason string)) *GateEvaluator {
	if size <= 0 {
		size = DefaultWindow
	}
	g := &GateEvaluator{size: size, onFail: onFail, nowFunc: time.Now}
	g.win = window{start: g.nowFunc(), errors: make(map[EventClass]int)}
	return g
}

// RecordResume feeds one resume attempt into the current window.
func (g *GateEvaluator) RecordResume(success bool, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	g.win.resumeAttempts++
	if success {
		g.win.resumeSuccess++
	}
	if latency > g.win.maxLatency {
		g.win.maxLatency = latency
	}
	g.evaluateLocked()
}

// RecordStream feeds one finished stream and whether it trimmed.
func (g *GateEvaluator) RecordStream(trimmed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	g.win.streams++
	if trimmed {
		g.win.trimmedStreams++
	}
	g.evaluateLocked()
}

// RecordError counts a classified failure in the current window.
func (g *GateEvaluator) RecordError(class EventClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll()
	g.win.errors[class]++
}

// ErrorCounts copies the current window's failure buckets.
func (g *GateEvaluator) ErrorCounts() map[EventClass]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[EventClass]int, len(g.win.errors))
	for k, v := range g.win.errors {
		out[k] = v
	}
	return out
}

func (g *GateEvaluator) roll() {
	if g.nowFunc().Sub(g.win.start) >= g.size {
		g.win = window{start: g.nowFunc(), errors: make(map[EventClass]int)}
	}
}

func (g *GateEvaluator) evaluateLocked() {
	if g.onFail == nil {
		return
	}
	if g.win.resumeAttempts >= minResumeSamples {
		rate := float64(g.win.resumeSuccess) / float64(g.win.resumeAttempts)
		if rate < resumeSuccessThreshold {
			g.onFail(fmt.Sprintf("resume success rate %.2f below %.2f", rate, resumeSuccessThreshold))
			return
		}
	}
	if g.win.streams >= minTrimStreams {
		rate := float64(g.win.trimmedStreams) / float64(g.win.streams)
		if rate > trimRateThreshold {
			g.onFail(fmt.Sprintf("trim rate %.3f above %.3f", rate, trimRateThreshold))
			return
		}
	}
	if g.win.maxLatency > maxResumeLatency {
		g.onFail(fmt.Sprintf("resume latency %s above %s", g.win.maxLatency, maxResumeLatency))
	}
}

// Production gate thresholds, evaluated session-wide by the load harness.
const (
	prodResumeSuccess  = 0.98
	prodTrimRate       = 0.005
	prodStreamP95      = 12 * time.Second
	prodResumeP95      = 15 * time.Second
	prodErrorRate      = 0.01
	maxRetainedSamples = 10000
)

// AggregateGates accumulates whole-session statistics and checks them
// against the production thresholds.
type AggregateGates struct {
	mu              sync.Mutex
	resumeAttempts  int
	resumeSuccess   int
	resumeLatencies []time.Duration
	streams         int
	trimmedStreams  int
	streamDurations []time.Duration
	requests        int
	failures        int
}

// NewAggregateGates builds an empty session accumulator.
func NewAggregateGates() *AggregateGates {
	return &AggregateGates{}
}

// RecordResume adds one resume attempt.
func (a *AggregateGates) RecordResume(success bool, latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumeAttempts++
	if success {
		a.resumeSuccess++
	}
	if len(a.resumeLatencies) < maxRetainedSamples {
		a.resumeLatencies = append(a.resumeLatencies, latency)
	}
}

// RecordStream adds one completed stream.
func (a *AggregateGates) RecordStream(duration time.Duration, trimmed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams++
	if trimmed {
		a.trimmedStreams++
	}
	if len(a.streamDurations) < maxRetainedSamples {
		a.streamDurations = append(a.streamDurations, duration)
	}
}

// RecordRequest adds one request outcome.
func (a *AggregateGates) RecordRequest(failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	if failed {
		a.failures++
	}
}

// Check returns every production gate currently violated.
func (a *AggregateGates) Check() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var violations []string

	if a.resumeAttempts > 0 {
		rate := float64(a.resumeSuccess) / float64(a.resumeAttempts)
		if rate < prodResumeSuccess {
			violations = append(violations, fmt.Sprintf("resume success %.3f < %.2f", rate, prodResumeSuccess))
		}
		if p := percentile(a.resumeLatencies, 0.95); p > prodResumeP95 {
			violations = append(violations, fmt.Sprintf("resume p95 %s > %s", p, prodResumeP95))
		}
	}
	if a.streams > 0 {
		rate := float64(a.trimmedStreams) / float64(a.streams)
		if rate > prodTrimRate {
			violations = append(violations, fmt.Sprintf("trim rate %.4f > %.3f", rate, prodTrimRate))
		}
		if p := percentile(a.streamDurations, 0.95); p >= prodStreamP95 {
			violations = append(violations, fmt.Sprintf("stream p95 %s >= %s", p, prodStreamP95))
		}
	}
	if a.requests > 0 {
		rate := float64(a.failures) / float64(a.requests)
		if rate > prodErrorRate {
			violations = append(violations, fmt.Sprintf("error rate %.3f > %.2f", rate, prodErrorRate))
		}
	}
	return violations
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

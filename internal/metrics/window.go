package metrics

import "time"

// windowSpans are the five sliding-window spans named by spec §4.8.
var windowSpans = []time.Duration{
	60 * time.Second,
	180 * time.Second,
	300 * time.Second,
	600 * time.Second,
	900 * time.Second,
}

// point is one (timestamp, delta) sample appended to every window at each
// snapshot tick.
type point struct {
	at               time.Time
	receivedDelta    int64
	dispatchedOKDelta int64
	handlerFailedDelta int64
	avgHandlerNS     int64
	avgQueueSize     float64
}

// window accumulates points for one span, dropping points older than that
// span on each append.
type window struct {
	span   time.Duration
	points []point
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) append(p point) {
	w.points = append(w.points, p)
	cutoff := p.at.Add(-w.span)
	i := 0
	for i < len(w.points) && w.points[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.points = append([]point(nil), w.points[i:]...)
	}
}

// Stats is one window's computed statistics, per spec §4.8: "throughput
// (Σreceived / actual span), average latency over points with non-zero
// latency, success rate, average queue size".
type Stats struct {
	Span          time.Duration
	Throughput    float64// messages/sec
	AvgHandlerNS  int64
	SuccessRate   float64 // 0..1
	AvgQueueSize  float64
	SampleCount   int
}

func (w *window) stats() Stats {
	if len(w.points) == 0 {
		return Stats{Span: w.span}
	}

	var receivedSum, dispatchedOKSum, handlerFailedSum int64
	var handlerNSSum int64
	var handlerNSCount int64
	var queueSizeSum float64

	for _, p := range w.points {
		receivedSum += p.receivedDelta
		dispatchedOKSum += p.dispatchedOKDelta
		handlerFailedSum += p.handlerFailedDelta
		if p.avgHandlerNS > 0 {
			handlerNSSum += p.avgHandlerNS
			handlerNSCount++
		}
		queueSizeSum += p.avgQueueSize
	}

	actualSpan := w.points[len(w.points)-1].at.Sub(w.points[0].at).Seconds()
	if actualSpan <= 0 {
		actualSpan = 1
	}

	var avgHandlerNS int64
	if handlerNSCount > 0 {
		avgHandlerNS = handlerNSSum / handlerNSCount
	}

	var successRate float64
	total := dispatchedOKSum + handlerFailedSum
	if total > 0 {
		successRate = float64(dispatchedOKSum) / float64(total)
	} else {
		successRate = 1
	}

	return Stats{
		Span:         w.span,
		Throughput:   float64(receivedSum) / actualSpan,
		AvgHandlerNS: avgHandlerNS,
		SuccessRate:  successRate,
		AvgQueueSize: queueSizeSum / float64(len(w.points)),
		SampleCount:  len(w.points),
	}
}

// Manager holds the five sliding windows and the previous cumulative
// snapshot used to compute each tick's deltas.
type Manager struct {
	windows []*window
	prev    *Summary
}

// NewManager constructs a Manager with one window per windowSpans entry.
func NewManager() *Manager {
	m := &Manager{}
	for _, span := range windowSpans {
		m.windows = append(m.windows, newWindow(span))
	}
	return m
}

// Update folds a new cumulative Summary into every window as a delta
// point, per spec §4.8's snapshot-tick algorithm.
func (m *Manager) Update(s Summary) {
	p := point{at: s.Timestamp, avgHandlerNS: s.AvgHandlerNS, avgQueueSize: s.AvgQueueSize}
	if m.prev != nil {
		p.receivedDelta = s.ReceivedTotal - m.prev.ReceivedTotal
		p.dispatchedOKDelta = s.DispatchedOK - m.prev.DispatchedOK
		p.handlerFailedDelta = s.HandlerFailed - m.prev.HandlerFailed
	} else {
		p.receivedDelta = s.ReceivedTotal
		p.dispatchedOKDelta = s.DispatchedOK
		p.handlerFailedDelta = s.HandlerFailed
	}
	prev := s
	m.prev = &prev

	for _, w := range m.windows {
		w.append(p)
	}
}

// Snapshot returns the current Stats for every window, ordered to match
// windowSpans (60s, 180s, 300s, 600s, 900s).
func (m *Manager) Snapshot() []Stats {
	out := make([]Stats, len(m.windows))
	for i, w := range m.windows {
		out[i] = w.stats()
	}
	return out
}

package main

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// cycleWindow is how many recent capture cycles feed the timing statistics.
const cycleWindow = 256

// PipelineMetrics tracks counters shared by the capture loop, the alert
// dispatcher and the stream handlers. Counters are atomics; the cycle
// duration window has its own lock.
type PipelineMetrics struct {
	// framesCaptured counts frames read from the camera.
	framesCaptured atomic.Int64
	// readErrors counts failed camera reads.
	readErrors atomic.Int64
	// reconnectAttempts counts attempts to reopen the camera.
	reconnectAttempts atomic.Int64
	// framesAnalysed counts frames compared against the background.
	framesAnalysed atomic.Int64
	// motionFrames counts analysed frames with a qualifying region.
	motionFrames atomic.Int64
	// eventsReported counts debounced motion events.
	eventsReported atomic.Int64
	// alertsDropped counts events the alert queue had no room for.
	alertsDropped atomic.Int64
	// alertFailures counts reporter errors.
	alertFailures atomic.Int64
	// streamClients is the number of connected stream consumers.
	streamClients atomic.Int64
	// chunksSent counts multipart parts written to clients.
	chunksSent atomic.Int64
	// encodeErrors counts frames a stream or snapshot failed to encode.
	encodeErrors atomic.Int64
	// lastFrameTime is the capture time of the newest frame in Unix nanoseconds.
	lastFrameTime atomic.Int64

	mu      sync.Mutex
	cycles  []float64 // milliseconds, ring buffer
	nextIdx int
}

// ObserveCycle records how long one capture cycle took.
func (m *PipelineMetrics) ObserveCycle(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cycles) < cycleWindow {
		m.cycles = append(m.cycles, ms)
		return
	}
	m.cycles[m.nextIdx] = ms
	m.nextIdx = (m.nextIdx + 1) % cycleWindow
}

// CycleStats summarises the recent cycle durations.
type CycleStats struct {
	Samples  int     `json:"samples"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	P95Ms    float64 `json:"p95_ms"`
	MaxMs    float64 `json:"max_ms"`
}

// CycleStats computes statistics over the current window.
func (m *PipelineMetrics) CycleStats() CycleStats {
	m.mu.Lock()
	samples := slices.Clone(m.cycles)
	m.mu.Unlock()

	if len(samples) == 0 {
		return CycleStats{}
	}
	slices.Sort(samples)

	cs := CycleStats{
		Samples: len(samples),
		P95Ms:   stat.Quantile(0.95, stat.Empirical, samples, nil),
		MaxMs:   samples[len(samples)-1],
	}
	if len(samples) == 1 {
		cs.MeanMs = samples[0]
		return cs
	}
	cs.MeanMs, cs.StdDevMs = stat.MeanStdDev(samples, nil)
	return cs
}

// GetLastFrameAge returns how long ago the last frame was captured.
func (m *PipelineMetrics) GetLastFrameAge() time.Duration {
	lastTime := m.lastFrameTime.Load()
	if lastTime == 0 {
		return 0
	}
	return time.Since(time.Unix(0, lastTime))
}

// MetricsSnapshot is a point-in-time copy of the metrics for reporting.
type MetricsSnapshot struct {
	FramesCaptured int64      `json:"frames_captured"`
	ReadErrors     int64      `json:"read_errors"`
	Reconnects     int64      `json:"reconnect_attempts"`
	FramesAnalysed int64      `json:"frames_analysed"`
	MotionFrames   int64      `json:"motion_frames"`
	EventsReported int64      `json:"events_reported"`
	AlertsDropped  int64      `json:"alerts_dropped"`
	AlertFailures  int64      `json:"alert_failures"`
	StreamClients  int64      `json:"stream_clients"`
	ChunksSent     int64      `json:"chunks_sent"`
	EncodeErrors   int64      `json:"encode_errors"`
	LastFrameAgeMs int64      `json:"last_frame_age_ms"`
	Cycle          CycleStats `json:"cycle"`
}

// Snapshot reads every counter.
func (m *PipelineMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		FramesCaptured: m.framesCaptured.Load(),
		ReadErrors:     m.readErrors.Load(),
		Reconnects:     m.reconnectAttempts.Load(),
		FramesAnalysed: m.framesAnalysed.Load(),
		MotionFrames:   m.motionFrames.Load(),
		EventsReported: m.eventsReported.Load(),
		AlertsDropped:  m.alertsDropped.Load(),
		AlertFailures:  m.alertFailures.Load(),
		StreamClients:  m.streamClients.Load(),
		ChunksSent:     m.chunksSent.Load(),
		EncodeErrors:   m.encodeErrors.Load(),
		LastFrameAgeMs: m.GetLastFrameAge().Milliseconds(),
		Cycle:          m.CycleStats(),
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"
)

const (
	metricsReportInterval = 30 * time.Second
	windowTitle           = "Security Feed"
)

// breakerSource is implemented by frame sources that guard reads with a
// circuit breaker.
type breakerSource interface {
	Breaker() *CircuitBreaker
}

// Pipeline is the capture worker: it reads frames, maintains the background,
// detects and debounces motion, annotates and publishes every frame, and
// hands debounced events to the alert sink. Run must be called from one
// goroutine only.
type Pipeline struct {
	cfg      *Config
	src      FrameSource
	exchange *FrameExchange
	alerts   AlertSink
	metrics  *PipelineMetrics
	logger   *slog.Logger

	background *BackgroundModel
	detector   *MotionDetector
	debouncer  *EventDebouncer

	display   gocv.Mat
	gray      gocv.Mat
	reference gocv.Mat
	window    *gocv.Window

	// seen counts frames fed to the background model.
	seen            int
	metricsInterval time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewPipeline wires a pipeline. alerts may be nil, in which case events are
// only logged. The caller keeps ownership of src.
func NewPipeline(cfg *Config, src FrameSource, exchange *FrameExchange, alerts AlertSink, metrics *PipelineMetrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:             cfg,
		src:             src,
		exchange:        exchange,
		alerts:          alerts,
		metrics:         metrics,
		logger:          logger,
		background:      NewBackgroundModel(cfg.Alpha),
		detector:        NewMotionDetector(),
		debouncer:       NewEventDebouncer(cfg.MinEventInterval, cfg.MinMotionFrames),
		display:         gocv.NewMat(),
		gray:            gocv.NewMat(),
		reference:       gocv.NewMat(),
		metricsInterval: metricsReportInterval,
	}
}

// Run processes frames until ctx is cancelled, the local window asks to quit,
// or the frame source fails. Only the last two end with a non-nil error when
// something went wrong; cancellation returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.closed.Load() {
		return errors.New("pipeline is closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportMetrics(ctx)
	}()

	if p.cfg.ShowVideo && p.window == nil {
		p.window = gocv.NewWindow(windowTitle)
	}

	if p.cfg.Warmup > 0 {
		p.logger.Info("Warming up camera", "delay", p.cfg.Warmup)
		select {
		case <-time.After(p.cfg.Warmup):
		case <-ctx.Done():
			return nil
		}
	}

	p.logger.Info("Motion detection started",
		"background_frames", p.cfg.BackgroundFrames,
		"delta_threshold", p.cfg.DeltaThreshold,
		"min_area", p.cfg.MinArea,
		"min_motion_frames", p.cfg.MinMotionFrames,
		"min_event_interval", p.cfg.MinEventInterval)

	for {
		frame, err := p.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Debug("Capture loop stopped")
				return nil
			}
			return fmt.Errorf("failed to acquire frame: %w", err)
		}

		start := time.Now()
		err = p.processFrame(frame)
		frame.Image.Close()
		if err != nil {
			return err
		}
		p.metrics.ObserveCycle(time.Since(start))

		if p.window != nil {
			p.window.IMShow(p.display)
			if p.window.WaitKey(1)&0xff == 'q' {
				p.logger.Info("Quit requested from display window")
				return nil
			}
		}
	}
}

// processFrame runs one capture cycle on frame. It returns an error only for
// a geometry mismatch, which ends the session.
func (p *Pipeline) processFrame(frame Frame) error {
	prepareFrame(frame.Image, p.cfg.ResizeWidth, p.cfg.BlurSize, &p.display, &p.gray)

	if err := p.background.Update(p.gray); err != nil {
		return fmt.Errorf("frame %d: %w", frame.Index, err)
	}
	p.seen++

	var (
		region   MotionRegion
		occupied bool
	)
	// The first frames only build the background.
	if p.seen > p.cfg.BackgroundFrames && p.background.Reference(&p.reference) {
		region, occupied = p.detector.Detect(p.gray, p.reference, p.cfg.DeltaThreshold, p.cfg.MinArea)
		p.metrics.framesAnalysed.Add(1)
		if occupied {
			p.metrics.motionFrames.Add(1)
		}
	}

	report := p.debouncer.Evaluate(occupied, frame.Timestamp)

	annotate(&p.display, region, occupied, frame.Timestamp)
	shared := p.exchange.Publish(snapshotFrame(p.display, frame.Timestamp, occupied))

	if report {
		p.raiseAlert(shared, region)
	}
	return nil
}

// raiseAlert hands an event to the alert sink without waiting for it.
func (p *Pipeline) raiseAlert(frame *SharedFrame, region MotionRegion) {
	a := &Alert{
		ID:        uuid.New(),
		Timestamp: frame.Timestamp,
		Region:    region,
		Frame:     frame,
	}
	total := p.metrics.eventsReported.Add(1)

	p.logger.Info("Motion event detected",
		"alert_id", a.ID,
		"timestamp", a.Timestamp.Format(time.RFC3339),
		"frame_seq", frame.Seq,
		"region", region,
		"total_events", total)

	if p.alerts != nil {
		p.alerts.Submit(a)
	}
}

// reportMetrics periodically logs pipeline health.
func (p *Pipeline) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(p.metricsInterval)
	defer ticker.Stop()

	framePeriod := time.Second / time.Duration(max(p.cfg.FPS, 1))

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Metrics reporting stopped")
			return
		case <-ticker.C:
			s := p.metrics.Snapshot()
			attrs := []any{
				"frames_captured", s.FramesCaptured,
				"frames_analysed", s.FramesAnalysed,
				"motion_frames", s.MotionFrames,
				"events_reported", s.EventsReported,
				"alerts_dropped", s.AlertsDropped,
				"alert_failures", s.AlertFailures,
				"read_errors", s.ReadErrors,
				"reconnect_attempts", s.Reconnects,
				"stream_clients", s.StreamClients,
				"chunks_sent", s.ChunksSent,
				"encode_errors", s.EncodeErrors,
				"last_frame_age_ms", s.LastFrameAgeMs,
				"cycle_mean_ms", s.Cycle.MeanMs,
				"cycle_stddev_ms", s.Cycle.StdDevMs,
				"cycle_p95_ms", s.Cycle.P95Ms,
				"goroutines", runtime.NumGoroutine(),
			}

			var breaker *CircuitBreaker
			if bs, ok := p.src.(breakerSource); ok {
				breaker = bs.Breaker()
				attrs = append(attrs,
					"circuit_state", breaker.GetState(),
					"circuit_failure_count", breaker.GetFailureCount())
			}
			p.logger.Debug("Pipeline metrics report", attrs...)

			if age := p.metrics.GetLastFrameAge(); age > 5*framePeriod+p.cfg.Warmup {
				p.logger.Warn("Capture may be stalled",
					"last_frame_age", age,
					"expected_interval", framePeriod)
			}
			if breaker != nil && breaker.GetState() == CircuitOpen {
				if since := time.Since(breaker.GetLastFailureTime()); since > 2*time.Minute {
					p.logger.Warn("Circuit breaker has been open for extended period",
						"time_open", since,
						"failure_count", breaker.GetFailureCount())
				}
			}
		}
	}
}

// Close releases the OpenCV state. It is safe to call more than once; it
// must not be called while Run is executing.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		var errs []error
		if p.window != nil {
			if cerr := p.window.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("failed to close window: %w", cerr))
			}
		}
		for _, c := range []interface{ Close() error }{p.background, p.detector, &p.display, &p.gray, &p.reference} {
			if cerr := c.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		if len(errs) > 0 {
			err = fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
		}
		p.logger.Debug("Pipeline cleanup completed")
	})
	return err
}

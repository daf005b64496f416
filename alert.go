package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Alert is one debounced motion event on its way to the reporters. Reporters
// run one after another on the dispatcher goroutine and may fill in Text and
// SnapshotPath for the reporters after them.
type Alert struct {
	ID        uuid.UUID
	Timestamp time.Time
	Region    MotionRegion
	// Frame is the annotated frame published for this event.
	Frame *SharedFrame

	Text         string
	SnapshotPath string
}

// alertPayload is the JSON form of an alert sent to external systems.
type alertPayload struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
	Region    MotionRegion `json:"region"`
	FrameSeq  uint64       `json:"frame_seq"`
	Text      string       `json:"text,omitempty"`
	Snapshot  string       `json:"snapshot,omitempty"`
}

// MarshalJSON encodes the alert without its pixels.
func (a *Alert) MarshalJSON() ([]byte, error) {
	p := alertPayload{
		ID:        a.ID.String(),
		Timestamp: a.Timestamp,
		Region:    a.Region,
		Text:      a.Text,
		Snapshot:  a.SnapshotPath,
	}
	if a.Frame != nil {
		p.FrameSeq = a.Frame.Seq
	}
	return json.Marshal(p)
}

// AlertReporter delivers or enriches an alert.
type AlertReporter interface {
	Name() string
	Report(ctx context.Context, a *Alert) error
}

// AlertSink accepts alerts from the capture loop. Submit must not block.
type AlertSink interface {
	Submit(a *Alert) bool
}

const (
	alertQueueSize = 16
	reportTimeout  = 10 * time.Second
)

// AlertDispatcher hands alerts from the capture loop to the reporters on its
// own goroutine. A full queue drops the alert rather than stall capture.
type AlertDispatcher struct {
	queue     chan *Alert
	reporters []AlertReporter
	timeout   time.Duration
	metrics   *PipelineMetrics
	logger    *slog.Logger
}

// NewAlertDispatcher returns a dispatcher running reporters in order.
func NewAlertDispatcher(reporters []AlertReporter, metrics *PipelineMetrics, logger *slog.Logger) *AlertDispatcher {
	return &AlertDispatcher{
		queue:     make(chan *Alert, alertQueueSize),
		reporters: reporters,
		timeout:   reportTimeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Submit implements AlertSink.
func (d *AlertDispatcher) Submit(a *Alert) bool {
	select {
	case d.queue <- a:
		return true
	default:
		d.metrics.alertsDropped.Add(1)
		d.logger.Warn("Dropped motion alert due to full queue",
			"alert_id", a.ID,
			"total_dropped", d.metrics.alertsDropped.Load())
		return false
	}
}

// Run delivers queued alerts until ctx is done.
func (d *AlertDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.logger.Warn("Alert dispatcher stopped with undelivered alerts", "pending", n)
			} else {
				d.logger.Debug("Alert dispatcher stopped")
			}
			return
		case a := <-d.queue:
			d.dispatch(ctx, a)
		}
	}
}

// dispatch runs every reporter for a. A failing reporter is logged and
// counted; the ones after it still run.
func (d *AlertDispatcher) dispatch(ctx context.Context, a *Alert) {
	for _, r := range d.reporters {
		rctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := r.Report(rctx, a)
		cancel()

		if err != nil {
			d.metrics.alertFailures.Add(1)
			d.logger.Error("Alert reporter failed",
				"reporter", r.Name(),
				"alert_id", a.ID,
				"error", err,
				"total_failures", d.metrics.alertFailures.Load())
			continue
		}
		d.logger.Debug("Alert reported", "reporter", r.Name(), "alert_id", a.ID)
	}

	d.logger.Info("Motion event reported",
		"alert_id", a.ID,
		"timestamp", a.Timestamp.Format(time.RFC3339),
		"region", a.Region,
		"snapshot", a.SnapshotPath,
		"text", a.Text)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReporter remembers what it saw and optionally fails or blocks.
type recordingReporter struct {
	name  string
	err   error
	block chan struct{}

	mu   sync.Mutex
	seen []*Alert
}

func (r *recordingReporter) Name() string { return r.name }

func (r *recordingReporter) Report(ctx context.Context, a *Alert) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.seen = append(r.seen, a)
	r.mu.Unlock()
	return r.err
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func newTestAlert() *Alert {
	f := testFrame(9)
	f.Seq = 42
	return &Alert{
		ID:        uuid.New(),
		Timestamp: time.Date(2026, 10, 17, 14, 25, 1, 123_000_000, time.UTC),
		Region:    MotionRegion{MinX: 1, MinY: 2, MaxX: 30, MaxY: 40},
		Frame:     &f,
	}
}

func TestAlertDispatcherRunsEveryReporter(t *testing.T) {
	failing := &recordingReporter{name: "failing", err: errors.New("broker down")}
	after := &recordingReporter{name: "after"}
	metrics := &PipelineMetrics{}
	d := NewAlertDispatcher([]AlertReporter{failing, after}, metrics, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go d.Run(ctx)

	require.True(t, d.Submit(newTestAlert()))
	require.Eventually(t, func() bool { return after.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, int64(1), metrics.alertFailures.Load())
}

func TestAlertDispatcherSubmitNeverBlocks(t *testing.T) {
	metrics := &PipelineMetrics{}
	d := NewAlertDispatcher(nil, metrics, testLogger())

	// Nothing drains the queue.
	for i := 0; i < alertQueueSize; i++ {
		require.True(t, d.Submit(newTestAlert()))
	}

	done := make(chan bool)
	go func() { done <- d.Submit(newTestAlert()) }()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("Submit() blocked on a full queue")
	}
	assert.Equal(t, int64(1), metrics.alertsDropped.Load())
}

func TestAlertDispatcherReporterTimeout(t *testing.T) {
	slow := &recordingReporter{name: "slow", block: make(chan struct{})}
	next := &recordingReporter{name: "next"}
	metrics := &PipelineMetrics{}
	d := NewAlertDispatcher([]AlertReporter{slow, next}, metrics, testLogger())
	d.timeout = 20 * time.Millisecond

	d.dispatch(t.Context(), newTestAlert())

	assert.Equal(t, 0, slow.count())
	assert.Equal(t, 1, next.count())
	assert.Equal(t, int64(1), metrics.alertFailures.Load())
}

func TestAlertReportersSeeEarlierEnrichment(t *testing.T) {
	enrich := reporterFunc{name: "enrich", fn: func(_ context.Context, a *Alert) error {
		a.Text = "PARCEL"
		return nil
	}}
	var seenText string
	check := reporterFunc{name: "check", fn: func(_ context.Context, a *Alert) error {
		seenText = a.Text
		return nil
	}}

	d := NewAlertDispatcher([]AlertReporter{enrich, check}, &PipelineMetrics{}, testLogger())
	d.dispatch(t.Context(), newTestAlert())
	assert.Equal(t, "PARCEL", seenText)
}

type reporterFunc struct {
	name string
	fn   func(context.Context, *Alert) error
}

func (r reporterFunc) Name() string { return r.name }
func (r reporterFunc) Report(ctx context.Context, a *Alert) error { return r.fn(ctx, a) }

func TestAlertMarshalJSON(t *testing.T) {
	a := newTestAlert()
	a.SnapshotPath = "/tmp/x.jpg"

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, a.ID.String(), got["id"])
	assert.Equal(t, float64(42), got["frame_seq"])
	assert.Equal(t, "/tmp/x.jpg", got["snapshot"])
	assert.Equal(t, "2026-10-17T14:25:01.123Z", got["timestamp"])
	assert.NotContains(t, got, "text", "empty text is omitted")
	assert.NotContains(t, string(data), "Pix", "pixels are not serialised")
}

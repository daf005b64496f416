package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEncoder encodes a frame as "frame-<seq>" and fails for chosen sequence
// numbers.
type fakeEncoder struct {
	mu   sync.Mutex
	fail map[uint64]bool
}

func (e *fakeEncoder) Encode(f *SharedFrame) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail[f.Seq] {
		return nil, fmt.Errorf("cannot encode frame %d", f.Seq)
	}
	return []byte(fmt.Sprintf("frame-%d", f.Seq)), nil
}

func (e *fakeEncoder) ContentType() string { return "image/test" }

func newTestPublisher(interval time.Duration) (*StreamPublisher, *FrameExchange, *fakeEncoder, *PipelineMetrics) {
	x := NewFrameExchange()
	enc := &fakeEncoder{fail: map[uint64]bool{}}
	metrics := &PipelineMetrics{}
	return NewStreamPublisher(x, enc, interval, metrics, testLogger()), x, enc, metrics
}

func TestFramePart(t *testing.T) {
	got := framePart("image/jpeg", []byte("JPEGDATA"))
	want := "--frame\r\nContent-Type: image/jpeg\r\n\r\nJPEGDATA\r\n"
	assert.Equal(t, want, string(got))
}

func TestStreamCursorNextChunk(t *testing.T) {
	p, x, _, _ := newTestPublisher(0)
	x.Publish(testFrame(1))
	x.Publish(testFrame(2))

	c := p.Open()
	chunk, err := c.NextChunk(t.Context())
	require.NoError(t, err)
	assert.Equal(t, string(framePart("image/test", []byte("frame-2"))), string(chunk))
}

func TestStreamCursorWaitsForFirstFrame(t *testing.T) {
	p, x, _, _ := newTestPublisher(0)

	go func() {
		time.Sleep(30 * time.Millisecond)
		x.Publish(testFrame(1))
	}()

	chunk, err := p.Open().NextChunk(t.Context())
	require.NoError(t, err)
	assert.Contains(t, string(chunk), "frame-1")
}

func TestStreamCursorSkipsEncodeFailures(t *testing.T) {
	p, x, enc, metrics := newTestPublisher(0)
	enc.fail[1] = true
	x.Publish(testFrame(1))

	go func() {
		time.Sleep(30 * time.Millisecond)
		x.Publish(testFrame(2))
	}()

	chunk, err := p.Open().NextChunk(t.Context())
	require.NoError(t, err)
	assert.Contains(t, string(chunk), "frame-2")
	assert.Equal(t, int64(1), metrics.encodeErrors.Load())
}

func TestStreamCursorServesStaleFrame(t *testing.T) {
	p, x, _, _ := newTestPublisher(0)
	p.refresh = 30 * time.Millisecond
	x.Publish(testFrame(1))

	c := p.Open()
	first, err := c.NextChunk(t.Context())
	require.NoError(t, err)

	start := time.Now()
	second, err := c.NextChunk(t.Context())
	require.NoError(t, err)

	assert.Equal(t, first, second, "a stalled exchange repeats the latest frame")
	assert.GreaterOrEqual(t, time.Since(start), p.refresh)
}

func TestStreamCursorPacing(t *testing.T) {
	const interval = 60 * time.Millisecond
	p, x, _, _ := newTestPublisher(interval)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			x.Publish(testFrame(0))
			time.Sleep(5 * time.Millisecond)
		}
	}()

	c := p.Open()
	_, err := c.NextChunk(ctx)
	require.NoError(t, err)
	start := time.Now()
	_, err = c.NextChunk(ctx)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), interval-5*time.Millisecond)
}

func TestStreamCursorCancellation(t *testing.T) {
	p, _, _, _ := newTestPublisher(0)

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	_, err := p.Open().NextChunk(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "NextChunk() error = %v", err)
}

func TestStreamPublisherServeHTTP(t *testing.T) {
	p, x, _, metrics := newTestPublisher(5 * time.Millisecond)
	p.refresh = 20 * time.Millisecond
	x.Publish(testFrame(1))

	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)
	assert.Equal(t, streamBoundary, params["boundary"])

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/test", part.Header.Get("Content-Type"))
		body, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, "frame-1", string(body))
	}
	assert.Equal(t, int64(1), metrics.streamClients.Load())

	resp.Body.Close()
	require.Eventually(t, func() bool {
		return metrics.streamClients.Load() == 0
	}, 2*time.Second, 10*time.Millisecond, "handler must exit after the client disconnects")
	assert.GreaterOrEqual(t, metrics.chunksSent.Load(), int64(3))
}

func TestStreamPublisherIndependentClients(t *testing.T) {
	p, x, _, _ := newTestPublisher(0)
	x.Publish(testFrame(1))

	a, b := p.Open(), p.Open()
	chunkA, err := a.NextChunk(t.Context())
	require.NoError(t, err)

	// Each cursor tracks its own position: b starts at whatever is latest.
	x.Publish(testFrame(2))
	chunkB, err := b.NextChunk(t.Context())
	require.NoError(t, err)
	nextA, err := a.NextChunk(t.Context())
	require.NoError(t, err)

	assert.Contains(t, string(chunkA), "frame-1")
	assert.Contains(t, string(chunkB), "frame-2")
	assert.Contains(t, string(nextA), "frame-2")
}

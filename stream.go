package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gocv.io/x/gocv"
)

// streamBoundary separates parts of the multipart/x-mixed-replace response.
const streamBoundary = "frame"

// Encoder turns a shared frame into wire image bytes.
type Encoder interface {
	Encode(f *SharedFrame) ([]byte, error)
	ContentType() string
}

// JPEGEncoder encodes frames with OpenCV's JPEG codec.
type JPEGEncoder struct {
	Quality int
}

// Encode implements Encoder.
func (e JPEGEncoder) Encode(f *SharedFrame) ([]byte, error) {
	img, err := f.Mat()
	if err != nil {
		return nil, fmt.Errorf("wrap frame %d: %w", f.Seq, err)
	}
	defer img.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, e.Quality})
	if err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}

// ContentType implements Encoder.
func (JPEGEncoder) ContentType() string {
	return "image/jpeg"
}

// framePart wraps an encoded image in one multipart section.
func framePart(contentType string, payload []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(payload) + 64)
	b.WriteString("--" + streamBoundary + "\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n\r\n")
	b.Write(payload)
	b.WriteString("\r\n")
	return b.Bytes()
}

// StreamPublisher serves the FrameExchange as an endless MJPEG stream. Every
// connection gets its own StreamCursor; all cursors read the same exchange
// and never affect the capture loop.
type StreamPublisher struct {
	exchange *FrameExchange
	encoder  Encoder
	// interval is the minimum spacing between two parts on one connection.
	interval time.Duration
	// refresh is how long a cursor waits for a newer frame before it sends
	// the current one again.
	refresh time.Duration
	metrics *PipelineMetrics
	logger  *slog.Logger
}

// NewStreamPublisher builds a publisher over exchange.
func NewStreamPublisher(exchange *FrameExchange, encoder Encoder, interval time.Duration, metrics *PipelineMetrics, logger *slog.Logger) *StreamPublisher {
	return &StreamPublisher{
		exchange: exchange,
		encoder:  encoder,
		interval: interval,
		refresh:  time.Second,
		metrics:  metrics,
		logger:   logger,
	}
}

// StreamCursor is one consumer's position in the stream.
type StreamCursor struct {
	p        *StreamPublisher
	lastSeq  uint64
	lastSent time.Time
}

// Open starts a new, independent cursor.
func (p *StreamPublisher) Open() *StreamCursor {
	return &StreamCursor{p: p}
}

// NextChunk blocks until the next part is ready and returns it framed for
// the wire. It only fails when ctx is done; an empty exchange and encode
// failures are waited out.
func (c *StreamCursor) NextChunk(ctx context.Context) ([]byte, error) {
	for {
		if !c.lastSent.IsZero() {
			if wait := c.p.interval - time.Since(c.lastSent); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}

		frame, err := c.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		c.lastSeq = frame.Seq

		payload, err := c.p.encoder.Encode(frame)
		if err != nil {
			c.p.metrics.encodeErrors.Add(1)
			c.p.logger.Warn("Skipping stream frame after encode failure",
				"frame_seq", frame.Seq,
				"error", err)
			continue
		}

		c.lastSent = time.Now()
		return framePart(c.p.encoder.ContentType(), payload), nil
	}
}

// nextFrame returns a frame newer than the last one sent. If none arrives
// within the refresh period the latest frame is returned again, so a stalled
// camera degrades to a stale picture instead of a dead stream.
func (c *StreamCursor) nextFrame(ctx context.Context) (*SharedFrame, error) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, c.p.refresh)
		frame, err := c.p.exchange.Wait(waitCtx, c.lastSeq)
		cancel()
		if err == nil {
			return frame, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if frame, ok := c.p.exchange.Latest(); ok {
			return frame, nil
		}
	}
}

// ServeHTTP streams parts until the client goes away.
func (p *StreamPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	ctx := r.Context()
	cursor := p.Open()

	clients := p.metrics.streamClients.Add(1)
	p.logger.Info("Stream client connected", "remote_addr", r.RemoteAddr, "clients", clients)
	defer func() {
		clients := p.metrics.streamClients.Add(-1)
		p.logger.Info("Stream client disconnected", "remote_addr", r.RemoteAddr, "clients", clients)
	}()

	for {
		chunk, err := cursor.NextChunk(ctx)
		if err != nil {
			return
		}
		if _, err := w.Write(chunk); err != nil {
			p.logger.Debug("Stream write failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			p.logger.Debug("Stream flush failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		p.metrics.chunksSent.Add(1)
	}
}

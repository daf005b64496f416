package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// ErrCameraClosed is returned by Next after Close.
var ErrCameraClosed = errors.New("camera is closed")

// Frame is one captured image with its capture metadata.
type Frame struct {
	// Image holds the pixels. The receiver of a Frame owns it and must close it.
	Image gocv.Mat
	// Index increases by one per captured frame, starting at 1.
	Index     int64
	Timestamp time.Time
}

// FrameSource supplies frames to the pipeline. Next blocks until a frame is
// available; an error means no more frames will come.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

const (
	reconnectMaxAttempts = 10
	reconnectBaseDelay   = time.Second
	reconnectMaxDelay    = 60 * time.Second
)

// Camera reads frames from a local device or a video URL. Failed reads go
// through a circuit breaker; once it opens the capture is reopened with
// exponential backoff, and Next fails only when every attempt did.
type Camera struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *PipelineMetrics
	breaker *CircuitBreaker

	mu      sync.Mutex
	capture *gocv.VideoCapture
	img     gocv.Mat
	index   int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// OpenCamera opens cfg.Device and applies the requested capture mode.
func OpenCamera(cfg *Config, metrics *PipelineMetrics, logger *slog.Logger) (*Camera, error) {
	capture, err := openCapture(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Camera opened",
		"device", cfg.Device,
		"width", cfg.Resolution.Width,
		"height", cfg.Resolution.Height,
		"fps", cfg.FPS)

	return &Camera{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		breaker: NewCircuitBreaker(5, 30*time.Second, 3, logger),
		capture: capture,
		img:     gocv.NewMat(),
	}, nil
}

func openCapture(cfg *Config) (*gocv.VideoCapture, error) {
	capture, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture %q: %w", cfg.Device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture %q is not opened", cfg.Device)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Resolution.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Resolution.Height))
	capture.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	return capture, nil
}

// Breaker exposes the read circuit breaker for health reporting.
func (c *Camera) Breaker() *CircuitBreaker {
	return c.breaker
}

// Next implements FrameSource.
func (c *Camera) Next(ctx context.Context) (Frame, error) {
	retryDelay := time.Second / time.Duration(c.cfg.FPS)

	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if c.closed.Load() {
			return Frame{}, ErrCameraClosed
		}

		err := c.breaker.Call(c.read)
		if err == nil {
			break
		}

		c.metrics.readErrors.Add(1)
		state := c.breaker.GetState()
		c.logger.Error("Frame capture failed",
			"error", err,
			"circuit_state", state,
			"read_errors", c.metrics.readErrors.Load())

		if state == CircuitOpen {
			if err := c.reconnect(ctx); err != nil {
				return Frame{}, err
			}
			c.breaker.Reset()
			continue
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.index++
	now := time.Now()
	c.metrics.framesCaptured.Add(1)
	c.metrics.lastFrameTime.Store(now.UnixNano())

	return Frame{Image: c.img.Clone(), Index: c.index, Timestamp: now}, nil
}

func (c *Camera) read() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capture == nil {
		return errors.New("connection error: capture is not open")
	}
	if !c.capture.Read(&c.img) {
		return errors.New("stream read error: failed to read frame")
	}
	if c.img.Empty() {
		return errors.New("stream error: empty frame captured")
	}
	return nil
}

// reconnect reopens the capture with exponential backoff and jitter.
func (c *Camera) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.capture != nil {
		c.capture.Close()
		c.capture = nil
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if c.closed.Load() {
			return ErrCameraClosed
		}

		c.metrics.reconnectAttempts.Add(1)
		c.logger.Info("Attempting camera reconnection",
			"attempt", attempt,
			"max_attempts", reconnectMaxAttempts,
			"device", c.cfg.Device)

		capture, err := openCapture(c.cfg)
		if err == nil {
			c.mu.Lock()
			c.capture = capture
			c.mu.Unlock()
			c.logger.Info("Camera reconnection successful", "attempt", attempt)
			return nil
		}
		lastErr = err

		delay := time.Duration(float64(reconnectBaseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		delay += time.Duration(rand.Int63n(int64(delay / 4)))

		c.logger.Warn("Camera reconnection failed, retrying",
			"attempt", attempt,
			"error", err,
			"retry_in", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.logger.Error("Camera reconnection failed after all attempts", "max_attempts", reconnectMaxAttempts)
	return fmt.Errorf("camera %q unavailable after %d reconnection attempts: %w",
		c.cfg.Device, reconnectMaxAttempts, lastErr)
}

// Close releases the capture device. It is safe to call more than once.
func (c *Camera) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		defer c.mu.Unlock()

		var errs []error
		if c.capture != nil {
			if cerr := c.capture.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("failed to close video capture: %w", cerr))
			}
			c.capture = nil
		}
		if cerr := c.img.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
		err = errors.Join(errs...)
	})
	return err
}

package main

import (
	"context"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// SharedFrame is an annotated display frame as handed to stream readers.
// Pixels live in Go memory so a frame stays valid for as long as any reader
// holds it, independent of the capture loop's OpenCV buffers. A published
// SharedFrame must never be modified.
type SharedFrame struct {
	// Seq is assigned by FrameExchange.Publish and increases by one per publish.
	Seq       uint64
	Timestamp time.Time
	Rows      int
	Cols      int
	Type      gocv.MatType
	Pix       []byte
	// Occupied is true when motion was detected in this frame.
	Occupied bool
}

// snapshotFrame copies img out of OpenCV memory.
func snapshotFrame(img gocv.Mat, ts time.Time, occupied bool) SharedFrame {
	src := img
	if !img.IsContinuous() {
		src = img.Clone()
		defer src.Close()
	}
	return SharedFrame{
		Timestamp: ts,
		Rows:      src.Rows(),
		Cols:      src.Cols(),
		Type:      src.Type(),
		Pix:       src.ToBytes(),
		Occupied:  occupied,
	}
}

// Mat wraps the frame's pixels in a Mat for read-only use such as encoding.
// The Mat borrows Pix; close it when done and do not draw on it.
func (f *SharedFrame) Mat() (gocv.Mat, error) {
	return gocv.NewMatFromBytes(f.Rows, f.Cols, f.Type, f.Pix)
}

// FrameExchange is a single-slot, versioned hand-off between the capture
// loop (one writer) and any number of stream readers. Publishing swaps a
// pointer under the lock; readers get the immutable published value.
type FrameExchange struct {
	mu      sync.RWMutex
	current *SharedFrame
	seq     uint64
	// changed is closed and replaced on every publish to wake waiters.
	changed chan struct{}
}

// NewFrameExchange returns an empty exchange.
func NewFrameExchange() *FrameExchange {
	return &FrameExchange{changed: make(chan struct{})}
}

// Publish replaces the current frame with f and returns the stored value
// carrying its sequence number. The caller must not touch f.Pix afterwards.
func (x *FrameExchange) Publish(f SharedFrame) *SharedFrame {
	published := &f

	x.mu.Lock()
	x.seq++
	published.Seq = x.seq
	x.current = published
	close(x.changed)
	x.changed = make(chan struct{})
	x.mu.Unlock()

	return published
}

// Latest returns the most recent frame. The second result is false until the
// first publish, which readers treat as "not ready yet".
func (x *FrameExchange) Latest() (*SharedFrame, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.current, x.current != nil
}

// Seq returns the sequence number of the latest frame, zero before the first
// publish.
func (x *FrameExchange) Seq() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.seq
}

// Wait blocks until a frame newer than after is available or ctx is done.
// The lock is never held while blocked.
func (x *FrameExchange) Wait(ctx context.Context, after uint64) (*SharedFrame, error) {
	for {
		x.mu.RLock()
		current, changed := x.current, x.changed
		x.mu.RUnlock()

		if current != nil && current.Seq > after {
			return current, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

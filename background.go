package main

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrGeometryMismatch is returned when a frame does not have the size or
// channel count the background model was seeded with. The acquisition side
// guarantees constant geometry for a session, so callers treat it as fatal.
var ErrGeometryMismatch = errors.New("frame geometry does not match background model")

// BackgroundModel keeps a running exponential average of a grayscale frame
// sequence:
//
//	acc = acc*(1-alpha) + frame*alpha
//
// The first frame seeds the accumulator without blending. The model is
// owned by the capture loop and is not safe for concurrent use.
type BackgroundModel struct {
	alpha  float64
	acc    gocv.Mat // CV_32FC1, same size as the input frames
	seeded bool
}

// NewBackgroundModel returns an empty model blending with the given
// smoothing factor (0 < alpha < 1).
func NewBackgroundModel(alpha float64) *BackgroundModel {
	return &BackgroundModel{
		alpha: alpha,
		acc:   gocv.NewMat(),
	}
}

// Update folds a single-channel 8-bit frame into the model.
func (m *BackgroundModel) Update(gray gocv.Mat) error {
	if gray.Empty() {
		return fmt.Errorf("%w: empty frame", ErrGeometryMismatch)
	}
	if gray.Channels() != 1 {
		return fmt.Errorf("%w: expected 1 channel, got %d", ErrGeometryMismatch, gray.Channels())
	}

	if !m.seeded {
		gray.ConvertTo(&m.acc, gocv.MatTypeCV32F)
		m.seeded = true
		return nil
	}

	if gray.Rows() != m.acc.Rows() || gray.Cols() != m.acc.Cols() {
		return fmt.Errorf("%w: frame is %dx%d, model is %dx%d",
			ErrGeometryMismatch, gray.Cols(), gray.Rows(), m.acc.Cols(), m.acc.Rows())
	}

	gocv.AccumulatedWeighted(gray, &m.acc, m.alpha)
	return nil
}

// Reference writes the current background, rounded back to 8 bits, into dst.
// It returns false when the model has not been seeded yet.
func (m *BackgroundModel) Reference(dst *gocv.Mat) bool {
	if !m.seeded {
		return false
	}
	gocv.ConvertScaleAbs(m.acc, dst, 1, 0)
	return true
}

// Seeded reports whether the model has received its first frame.
func (m *BackgroundModel) Seeded() bool {
	return m.seeded
}

// Value returns the unrounded accumulator value at (row, col).
func (m *BackgroundModel) Value(row, col int) float32 {
	return m.acc.GetFloatAt(row, col)
}

// Reset drops the accumulated background; the next Update seeds it again.
func (m *BackgroundModel) Reset() {
	m.seeded = false
}

// Close releases the accumulator.
func (m *BackgroundModel) Close() error {
	return m.acc.Close()
}

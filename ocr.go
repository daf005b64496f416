package main

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

const (
	// ocrInset trims the drawn region outline off the crop.
	ocrInset      = 3
	ocrScale      = 1.5
	ocrMaxDimSize = 2048
)

// RegionTextReader runs Tesseract over the motion region of an alert and
// stores the recognised text on it. It owns one Tesseract client and must
// only be used from the dispatcher goroutine.
type RegionTextReader struct {
	client *gosseract.Client
	logger *slog.Logger
}

// NewRegionTextReader creates a Tesseract client for language.
func NewRegionTextReader(language string, logger *slog.Logger) (*RegionTextReader, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	return &RegionTextReader{client: client, logger: logger}, nil
}

// Name implements AlertReporter.
func (r *RegionTextReader) Name() string { return "ocr" }

// Report implements AlertReporter and sets a.Text.
func (r *RegionTextReader) Report(ctx context.Context, a *Alert) error {
	if a.Frame == nil {
		return fmt.Errorf("alert %s has no frame", a.ID)
	}

	img, err := a.Frame.Mat()
	if err != nil {
		return fmt.Errorf("wrap frame %d: %w", a.Frame.Seq, err)
	}
	defer img.Close()

	rect := ocrCropRect(a.Region, img.Cols(), img.Rows())
	if rect.Empty() {
		r.logger.Debug("Motion region too small for OCR", "alert_id", a.ID, "region", a.Region)
		return nil
	}

	crop := img.Region(rect)
	defer crop.Close()

	processed := preprocessForOCR(crop)
	defer processed.Close()

	buf, err := gocv.IMEncode(gocv.PNGFileExt, processed)
	if err != nil {
		return fmt.Errorf("failed to encode OCR image: %w", err)
	}
	defer buf.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return fmt.Errorf("failed to set OCR image: %w", err)
	}
	text, err := r.client.Text()
	if err != nil {
		return fmt.Errorf("failed to extract text: %w", err)
	}

	a.Text = strings.TrimSpace(text)
	return nil
}

// Close releases the Tesseract client.
func (r *RegionTextReader) Close() error {
	return r.client.Close()
}

// ocrCropRect insets the region and clips it to the frame.
func ocrCropRect(region MotionRegion, cols, rows int) image.Rectangle {
	return region.Rect().Inset(ocrInset).Intersect(image.Rect(0, 0, cols, rows))
}

// preprocessForOCR converts to grayscale, upscales by ocrScale (capped at
// ocrMaxDimSize) and applies an adaptive threshold. The caller closes the
// result.
func preprocessForOCR(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	scale := ocrScale
	w, h := float64(gray.Cols()), float64(gray.Rows())
	if w*scale > ocrMaxDimSize || h*scale > ocrMaxDimSize {
		scale = math.Min(ocrMaxDimSize/w, ocrMaxDimSize/h)
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(gray, &resized, image.Pt(int(w*scale), int(h*scale)), 0, 0, gocv.InterpolationLinear)

	thresholded := gocv.NewMat()
	gocv.AdaptiveThreshold(resized, &thresholded, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinary, 11, 2)
	return thresholded
}

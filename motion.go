package main

import (
	"image"

	"gocv.io/x/gocv"
)

// morphIterations is how many erosion passes, then dilation passes, clean up
// the foreground mask.
const morphIterations = 2

// MotionRegion is the union bounding box of every qualifying foreground
// contour in a frame. MaxX and MaxY are exclusive.
type MotionRegion struct {
	MinX int `json:"min_x"`
	MinY int `json:"min_y"`
	MaxX int `json:"max_x"`
	MaxY int `json:"max_y"`
}

// regionFromRect converts an image rectangle to a region.
func regionFromRect(r image.Rectangle) MotionRegion {
	return MotionRegion{MinX: r.Min.X, MinY: r.Min.Y, MaxX: r.Max.X, MaxY: r.Max.Y}
}

// Rect returns the region as an image rectangle.
func (r MotionRegion) Rect() image.Rectangle {
	return image.Rect(r.MinX, r.MinY, r.MaxX, r.MaxY)
}

// Area returns the bounding box area in pixels.
func (r MotionRegion) Area() int {
	return (r.MaxX - r.MinX) * (r.MaxY - r.MinY)
}

// Union returns the smallest region covering both r and o.
func (r MotionRegion) Union(o MotionRegion) MotionRegion {
	return regionFromRect(r.Rect().Union(o.Rect()))
}

// MotionDetector compares a grayscale frame against a background reference
// and summarises the difference as a single region. It keeps scratch
// matrices between calls and is owned by the capture loop.
type MotionDetector struct {
	kernel gocv.Mat
	delta  gocv.Mat
	mask   gocv.Mat
}

// NewMotionDetector allocates the detector's scratch state.
func NewMotionDetector() *MotionDetector {
	return &MotionDetector{
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
		delta:  gocv.NewMat(),
		mask:   gocv.NewMat(),
	}
}

// Detect returns the union bounding box of all foreground contours whose area
// is at least minArea. frame and reference must be single-channel 8-bit
// images of the same size. The second result is false when nothing qualifies.
func (d *MotionDetector) Detect(frame, reference gocv.Mat, threshold float64, minArea float64) (MotionRegion, bool) {
	gocv.AbsDiff(frame, reference, &d.delta)
	gocv.Threshold(d.delta, &d.mask, float32(threshold), 255, gocv.ThresholdBinary)

	// Opening: erode first so isolated speckle disappears, then dilate so
	// surviving regions regain their size.
	for i := 0; i < morphIterations; i++ {
		gocv.Erode(d.mask, &d.mask, d.kernel)
	}
	for i := 0; i < morphIterations; i++ {
		gocv.Dilate(d.mask, &d.mask, d.kernel)
	}

	contours := gocv.FindContours(d.mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var region MotionRegion
	found := false
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < minArea {
			continue
		}
		r := regionFromRect(gocv.BoundingRect(c))
		if !found {
			region, found = r, true
			continue
		}
		region = region.Union(r)
	}

	return region, found
}

// Mask returns the foreground mask from the last Detect call. It stays owned
// by the detector and is overwritten on the next call.
func (d *MotionDetector) Mask() gocv.Mat {
	return d.mask
}

// Close releases the scratch matrices.
func (d *MotionDetector) Close() error {
	d.kernel.Close()
	d.delta.Close()
	return d.mask.Close()
}

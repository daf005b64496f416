package main

import (
	"image"
	"image/color"
	"time"

	"gocv.io/x/gocv"
)

// overlayTimeLayout formats the capture time printed on every frame.
const overlayTimeLayout = "Monday 02 January 2006 03:04:05PM"

var (
	regionColor = color.RGBA{G: 255, A: 255}
	statusColor = color.RGBA{R: 255, A: 255}
)

// prepareFrame scales src to width (zero keeps its size) and writes a 3-channel
// BGR display copy into display and a blurred grayscale copy into gray.
// Blur sizes <= 1 skip blurring.
func prepareFrame(src gocv.Mat, width, blur int, display, gray *gocv.Mat) {
	if width > 0 && width != src.Cols() {
		height := src.Rows() * width / src.Cols()
		gocv.Resize(src, display, image.Pt(width, height), 0, 0, gocv.InterpolationArea)
	} else {
		src.CopyTo(display)
	}

	switch display.Channels() {
	case 1:
		gocv.CvtColor(*display, display, gocv.ColorGrayToBGR)
	case 4:
		gocv.CvtColor(*display, display, gocv.ColorBGRAToBGR)
	}

	gocv.CvtColor(*display, gray, gocv.ColorBGRToGray)
	if blur > 1 {
		gocv.GaussianBlur(*gray, gray, image.Pt(blur, blur), 0, 0, gocv.BorderDefault)
	}
}

// roomStatus is the overlay label for the occupancy state.
func roomStatus(occupied bool) string {
	if occupied {
		return "Occupied"
	}
	return "Unoccupied"
}

// annotate draws the motion box, the room status and the capture time.
func annotate(img *gocv.Mat, region MotionRegion, occupied bool, ts time.Time) {
	if occupied {
		gocv.Rectangle(img, region.Rect(), regionColor, 2)
	}
	gocv.PutText(img, "Room Status: "+roomStatus(occupied), image.Pt(10, 20),
		gocv.FontHersheySimplex, 0.5, statusColor, 2)
	gocv.PutText(img, ts.Format(overlayTimeLayout), image.Pt(10, img.Rows()-10),
		gocv.FontHersheySimplex, 0.35, statusColor, 1)
}

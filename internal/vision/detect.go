package vision

import "image"

// DetectParams configures the multi-scale cascade scan.
type DetectParams struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      image.Point
}

// DefaultDetectParams matches the capture station tuning.
var DefaultDetectParams = DetectParams{
	ScaleFactor:  1.3,
	MinNeighbors: 5,
	MinSize:      image.Pt(50, 50),
}

// Cascade finds candidate face rectangles in a grayscale frame, in scan
// order. Implementations must be safe for concurrent use.
type Cascade interface {
	DetectMultiScale(img *image.Gray, params DetectParams) []image.Rectangle
}

// Detection is the most prominent face found in a frame.
type Detection struct {
	// Face is the equalized face region, anchored at (0,0).
	Face *image.Gray
	// Box is the face bounding box in frame coordinates.
	Box image.Rectangle
}

// Detector locates the largest face in a frame.
type Detector struct {
	cascade Cascade
	params  DetectParams
}

// NewDetector wraps a cascade with scan parameters. Zero-valued fields
// in params take their DefaultDetectParams value.
func NewDetector(c Cascade, params DetectParams) *Detector {
	if params.ScaleFactor <= 1 {
		params.ScaleFactor = DefaultDetectParams.ScaleFactor
	}
	if params.MinNeighbors <= 0 {
		params.MinNeighbors = DefaultDetectParams.MinNeighbors
	}
	if params.MinSize == (image.Point{}) {
		params.MinSize = DefaultDetectParams.MinSize
	}
	return &Detector{cascade: c, params: params}
}

// Find preprocesses a raw frame and detects the largest face in it.
func (d *Detector) Find(img image.Image) (Detection, bool) {
	return d.Detect(Preprocess(img))
}

// Detect runs the cascade over an already preprocessed frame. A frame
// without faces yields false; that is a normal outcome, not an error.
func (d *Detector) Detect(gray *image.Gray) (Detection, bool) {
	rects := d.cascade.DetectMultiScale(gray, d.params)
	box, ok := SelectLargest(clipRects(rects, gray.Bounds()))
	if !ok {
		return Detection{}, false
	}
	return Detection{Face: Crop(gray, box), Box: box}, true
}

// SelectLargest returns the rectangle with the largest area. Ties keep
// the earliest rectangle.
func SelectLargest(rects []image.Rectangle) (image.Rectangle, bool) {
	best, bestArea := image.Rectangle{}, -1
	for _, r := range rects {
		if area := r.Dx() * r.Dy(); area > bestArea {
			best, bestArea = r, area
		}
	}
	return best, bestArea > 0
}

// Crop copies the region r of g into a new image anchored at (0,0).
func Crop(g *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(g.Rect)
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], g.Pix[g.PixOffset(r.Min.X, r.Min.Y+y):])
	}
	return out
}

func clipRects(rects []image.Rectangle, bounds image.Rectangle) []image.Rectangle {
	out := rects[:0:0]
	for _, r := range rects {
		if c := r.Intersect(bounds); !c.Empty() {
			out = append(out, c)
		}
	}
	return out
}

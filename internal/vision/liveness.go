package vision

import "image"

// DefaultLivenessThreshold is the Laplacian variance a frame must exceed
// to be treated as a live capture.
const DefaultLivenessThreshold = 100.0

// Liveness is the outcome of a texture sharpness check.
type Liveness struct {
	Score float64 `json:"score"`
	Live  bool    `json:"live"`
}

// LivenessChecker scores frame sharpness to reject flat replays such as
// printed photos or screens. It is a coarse heuristic: blurry live frames
// can be rejected and crisp prints can pass.
type LivenessChecker struct {
	Threshold float64
}

// NewLivenessChecker returns a checker with the given threshold, falling
// back to DefaultLivenessThreshold for non-positive values.
func NewLivenessChecker(threshold float64) LivenessChecker {
	if threshold <= 0 {
		threshold = DefaultLivenessThreshold
	}
	return LivenessChecker{Threshold: threshold}
}

// Check scores img; the frame is live iff the score exceeds the threshold.
func (c LivenessChecker) Check(img image.Image) Liveness {
	g, ok := img.(*image.Gray)
	if !ok || g.Rect.Min != (image.Point{}) {
		g = Grayscale(img)
	}
	score := LaplacianVariance(g)
	return Liveness{Score: score, Live: score > c.Threshold}
}

// LaplacianVariance returns the population variance of the 4-neighbour
// Laplacian response over g. Borders are reflected without repeating the
// edge pixel.
func LaplacianVariance(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w == 0 || h == 0 {
		return 0
	}
	at := func(x, y int) float64 {
		return float64(g.Pix[reflect101(y, h)*g.Stride+reflect101(x, w)])
	}

	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
			sum += v
			sumSq += v * v
		}
	}
	n := float64(w * h)
	mean := sum / n
	return sumSq/n - mean*mean
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

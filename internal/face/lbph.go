package face

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"image"
	"math"
)

// Classifier is a fitted recognizer. Predict returns the nearest label
// and its distance; lower distances are better matches.
type Classifier interface {
	Predict(face *image.Gray) (label int, distance float64)
	MarshalBinary() ([]byte, error)
}

// Algorithm fits classifiers and restores them from persisted blobs.
type Algorithm interface {
	Train(samples []*image.Gray, labels []int) (Classifier, error)
	Restore(blob []byte) (Classifier, error)
}

// LBPH is a local binary pattern histogram recognizer: each face becomes
// a grid of normalized LBP histograms, and a query is matched to the
// closest training histogram under the chi-square distance.
type LBPH struct {
	Radius    int
	Neighbors int
	GridX     int
	GridY     int
}

// DefaultLBPH mirrors the classic OpenCV defaults.
func DefaultLBPH() LBPH {
	return LBPH{Radius: 1, Neighbors: 8, GridX: 8, GridY: 8}
}

var errSampleTooSmall = errors.New("lbph: sample smaller than the pattern grid")

// Train implements Algorithm.
func (a LBPH) Train(samples []*image.Gray, labels []int) (Classifier, error) {
	if len(samples) == 0 {
		return nil, errors.New("lbph: no samples")
	}
	if len(samples) != len(labels) {
		return nil, fmt.Errorf("lbph: %d samples but %d labels", len(samples), len(labels))
	}
	c := &lbphClassifier{params: a, labels: append([]int(nil), labels...)}
	for i, s := range samples {
		h, err := a.histogram(s)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		c.hists = append(c.hists, h)
	}
	return c, nil
}

type lbphState struct {
	Radius, Neighbors, GridX, GridY int
	Hists                           [][]float32
	Labels                          []int
}

// Restore implements Algorithm.
func (a LBPH) Restore(blob []byte) (Classifier, error) {
	var st lbphState
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&st); err != nil {
		return nil, fmt.Errorf("lbph: decode state: %w", err)
	}
	if len(st.Hists) != len(st.Labels) {
		return nil, fmt.Errorf("lbph: corrupt state: %d histograms, %d labels", len(st.Hists), len(st.Labels))
	}
	return &lbphClassifier{
		params: LBPH{Radius: st.Radius, Neighbors: st.Neighbors, GridX: st.GridX, GridY: st.GridY},
		hists:  st.Hists,
		labels: st.Labels,
	}, nil
}

type lbphClassifier struct {
	params LBPH
	hists  [][]float32
	labels []int
}

func (c *lbphClassifier) Predict(face *image.Gray) (int, float64) {
	q, err := c.params.histogram(face)
	if err != nil || len(c.hists) == 0 {
		return -1, math.MaxFloat64
	}
	best, bestDist := -1, math.MaxFloat64
	for i, h := range c.hists {
		if d := chiSquare(h, q); d < bestDist {
			best, bestDist = c.labels[i], d
		}
	}
	return best, bestDist
}

func (c *lbphClassifier) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(lbphState{
		Radius:    c.params.Radius,
		Neighbors: c.params.Neighbors,
		GridX:     c.params.GridX,
		GridY:     c.params.GridY,
		Hists:     c.hists,
		Labels:    c.labels,
	})
	return buf.Bytes(), err
}

// histogram computes the concatenated per-cell LBP histograms of g.
func (a LBPH) histogram(g *image.Gray) ([]float32, error) {
	codes, w, h := a.patterns(g)
	cellW, cellH := w/a.GridX, h/a.GridY
	if cellW == 0 || cellH == 0 {
		return nil, errSampleTooSmall
	}
	bins := 1 << a.Neighbors
	out := make([]float32, a.GridX*a.GridY*bins)
	norm := 1 / float32(cellW*cellH)
	for cy := 0; cy < a.GridY; cy++ {
		for cx := 0; cx < a.GridX; cx++ {
			cell := out[(cy*a.GridX+cx)*bins:][:bins]
			for y := cy * cellH; y < (cy+1)*cellH; y++ {
				for x := cx * cellW; x < (cx+1)*cellW; x++ {
					cell[codes[y*w+x]] += norm
				}
			}
		}
	}
	return out, nil
}

// patterns computes the extended (circular) LBP code for every pixel at
// least Radius away from the border.
func (a LBPH) patterns(g *image.Gray) ([]int, int, int) {
	r := a.Radius
	gw, gh := g.Rect.Dx(), g.Rect.Dy()
	w, h := gw-2*r, gh-2*r
	if w <= 0 || h <= 0 {
		return nil, 0, 0
	}
	px := func(x, y int) float64 {
		return float64(g.Pix[g.PixOffset(g.Rect.Min.X+x, g.Rect.Min.Y+y)])
	}

	codes := make([]int, w*h)
	for n := 0; n < a.Neighbors; n++ {
		theta := 2 * math.Pi * float64(n) / float64(a.Neighbors)
		sx := float64(r) * math.Cos(theta)
		sy := -float64(r) * math.Sin(theta)
		fx, fy := int(math.Floor(sx)), int(math.Floor(sy))
		cx, cy := int(math.Ceil(sx)), int(math.Ceil(sy))
		tx, ty := sx-float64(fx), sy-float64(fy)
		w1, w2 := (1-tx)*(1-ty), tx*(1-ty)
		w3, w4 := (1-tx)*ty, tx*ty

		for y := r; y < gh-r; y++ {
			for x := r; x < gw-r; x++ {
				t := w1*px(x+fx, y+fy) + w2*px(x+cx, y+fy) + w3*px(x+fx, y+cy) + w4*px(x+cx, y+cy)
				center := px(x, y)
				if t > center || math.Abs(t-center) < 1e-9 {
					codes[(y-r)*w+(x-r)] |= 1 << n
				}
			}
		}
	}
	return codes, w, h
}

// chiSquare is the symmetric chi-square distance 2·Σ(a-b)²/(a+b).
func chiSquare(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s := float64(a[i]) + float64(b[i])
		if s > 1e-12 {
			sum += d * d / s
		}
	}
	return 2 * sum
}

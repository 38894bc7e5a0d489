package vision

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCascade struct {
	rects []image.Rectangle
	got   DetectParams
}

func (c *fixedCascade) DetectMultiScale(_ *image.Gray, p DetectParams) []image.Rectangle {
	c.got = p
	return c.rects
}

func TestSelectLargestPrefersAreaThenScanOrder(t *testing.T) {
	first := image.Rect(0, 0, 60, 60)
	second := image.Rect(100, 0, 160, 60)
	small := image.Rect(0, 100, 50, 150)

	got, ok := SelectLargest([]image.Rectangle{small, first, second})
	require.True(t, ok)
	assert.Equal(t, first, got)

	_, ok = SelectLargest(nil)
	assert.False(t, ok)
}

func TestDetectNoFace(t *testing.T) {
	d := NewDetector(&fixedCascade{}, DetectParams{})
	_, ok := d.Detect(flatGray(100, 100, 10))
	assert.False(t, ok)
}

func TestDetectCropsLargestRegion(t *testing.T) {
	frame := image.NewGray(image.Rect(0, 0, 200, 200))
	for i := range frame.Pix {
		frame.Pix[i] = uint8(i % 251)
	}
	box := image.Rect(20, 30, 100, 110)
	c := &fixedCascade{rects: []image.Rectangle{image.Rect(0, 0, 55, 55), box}}

	det, ok := NewDetector(c, DetectParams{}).Detect(frame)
	require.True(t, ok)
	assert.Equal(t, box, det.Box)
	assert.Equal(t, image.Rect(0, 0, 80, 80), det.Face.Bounds())
	assert.Equal(t, frame.GrayAt(20, 30), det.Face.GrayAt(0, 0))
	assert.Equal(t, frame.GrayAt(99, 109), det.Face.GrayAt(79, 79))
	assert.Equal(t, DefaultDetectParams, c.got)
}

func TestDetectClipsRegionsToFrame(t *testing.T) {
	c := &fixedCascade{rects: []image.Rectangle{image.Rect(150, 150, 260, 260)}}

	det, ok := NewDetector(c, DefaultDetectParams).Detect(flatGray(200, 200, 1))
	require.True(t, ok)
	assert.Equal(t, image.Rect(150, 150, 200, 200), det.Box)
}

func TestFindPreprocessesFrame(t *testing.T) {
	c := &fixedCascade{rects: []image.Rectangle{image.Rect(0, 0, 50, 50)}}

	det, ok := NewDetector(c, DefaultDetectParams).Find(noisyRGBA(80, 80, 9))
	require.True(t, ok)
	assert.Equal(t, 50, det.Face.Bounds().Dx())
}

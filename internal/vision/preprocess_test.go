package vision

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyRGBA(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	return img
}

func TestGrayscaleUsesLumaWeights(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(1, 0, color.RGBA{0, 255, 0, 255})
	img.Set(2, 0, color.RGBA{0, 0, 255, 255})

	g := Grayscale(img)
	assert.Equal(t, []uint8{76, 150, 29}, g.Pix)
}

func TestGrayscaleRebasesSubImage(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = uint8(i)
	}
	sub := src.SubImage(image.Rect(1, 1, 3, 3)).(*image.Gray)

	g := Grayscale(sub)
	assert.Equal(t, image.Rect(0, 0, 2, 2), g.Bounds())
	assert.Equal(t, []uint8{5, 6, 9, 10}, g.Pix)
}

func TestPreprocessKeepsDimensions(t *testing.T) {
	out := Preprocess(noisyRGBA(64, 48, 1))
	assert.Equal(t, image.Rect(0, 0, 64, 48), out.Bounds())
}

func TestPreprocessIsDeterministic(t *testing.T) {
	img := noisyRGBA(40, 30, 7)
	assert.Equal(t, Preprocess(img).Pix, Preprocess(img).Pix)
}

func TestCLAHEWithoutClipEqualizesHistogram(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			src.SetGray(x, y, color.Gray{Y: uint8(100 + x/2)})
		}
	}

	out := CLAHE(src, 1, 1, 0)
	assert.Equal(t, []uint8{64, 64, 128, 128, 191, 191, 255, 255}, out.Pix[:8])
}

func TestCLAHEHandlesFramesSmallerThanGrid(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	copy(src.Pix, []uint8{10, 20, 30, 40, 50, 60})

	var out *image.Gray
	require.NotPanics(t, func() { out = CLAHE(src, 8, 8, 2.0) })
	assert.Equal(t, image.Rect(0, 0, 3, 2), out.Bounds())
}

func TestTileLayoutCoversAxis(t *testing.T) {
	tests := []struct {
		size, tiles        int
		wantTiles, wantLen int
	}{
		{size: 64, tiles: 8, wantTiles: 8, wantLen: 8},
		{size: 10, tiles: 8, wantTiles: 5, wantLen: 2},
		{size: 3, tiles: 8, wantTiles: 3, wantLen: 1},
		{size: 100, tiles: 8, wantTiles: 8, wantLen: 13},
	}
	for _, tt := range tests {
		gotTiles, gotLen := tileLayout(tt.size, tt.tiles)
		assert.Equal(t, tt.wantTiles, gotTiles, "size %d", tt.size)
		assert.Equal(t, tt.wantLen, gotLen, "size %d", tt.size)
		assert.GreaterOrEqual(t, gotTiles*gotLen, tt.size)
	}
}

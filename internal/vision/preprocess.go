// Package vision holds the pixel-level pieces of the face pipeline:
// grayscale conversion, local contrast equalization, face region
// selection and the texture-based liveness score.
package vision

import (
	"image"
	"math"
)

// Default CLAHE parameters used by Preprocess.
const (
	DefaultTileGrid  = 8
	DefaultClipLimit = 2.0
)

// Preprocess converts a color frame to grayscale and equalizes its
// contrast tile by tile. The output has the same width and height as img.
func Preprocess(img image.Image) *image.Gray {
	return CLAHE(Grayscale(img), DefaultTileGrid, DefaultTileGrid, DefaultClipLimit)
}

// Grayscale converts img to an 8-bit luma image anchored at (0,0) using
// the BT.601 weights.
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < b.Dy(); y++ {
			src := g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(out.Pix[y*out.Stride:y*out.Stride+b.Dx()], src[:b.Dx()])
		}
		return out
	}
	for y := 0; y < b.Dy(); y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			row[x] = clampByte(lum)
		}
	}
	return out
}

// CLAHE applies contrast limited adaptive histogram equalization with a
// tilesX×tilesY grid. Histogram bins above clipLimit·tileArea/256 are
// clipped and the excess is spread over all bins; pixels are mapped by
// bilinear interpolation between the four nearest tile lookup tables.
func CLAHE(src *image.Gray, tilesX, tilesY int, clipLimit float64) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return dst
	}
	tilesX, tileW := tileLayout(w, tilesX)
	tilesY, tileH := tileLayout(h, tilesY)

	luts := make([][256]uint8, tilesX*tilesY)
	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			r := image.Rect(tx*tileW, ty*tileH, min((tx+1)*tileW, w), min((ty+1)*tileH, h))
			luts[ty*tilesX+tx] = tileLUT(src, r, clipLimit)
		}
	}

	invW, invH := 1/float64(tileW), 1/float64(tileH)
	for y := 0; y < h; y++ {
		tyf := float64(y)*invH - 0.5
		ty1 := int(math.Floor(tyf))
		ya := tyf - float64(ty1)
		ty2 := ty1 + 1
		ty1, ty2 = max(ty1, 0), min(ty2, tilesY-1)

		srcRow := src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):]
		dstRow := dst.Pix[y*dst.Stride:]
		for x := 0; x < w; x++ {
			txf := float64(x)*invW - 0.5
			tx1 := int(math.Floor(txf))
			xa := txf - float64(tx1)
			tx2 := tx1 + 1
			tx1, tx2 = max(tx1, 0), min(tx2, tilesX-1)

			v := srcRow[x]
			top := float64(luts[ty1*tilesX+tx1][v])*(1-xa) + float64(luts[ty1*tilesX+tx2][v])*xa
			bottom := float64(luts[ty2*tilesX+tx1][v])*(1-xa) + float64(luts[ty2*tilesX+tx2][v])*xa
			dstRow[x] = clampByte(top*(1-ya) + bottom*ya)
		}
	}
	return dst
}

// tileLayout returns the effective tile count and tile size for one axis
// so that every tile covers at least one pixel.
func tileLayout(size, tiles int) (int, int) {
	tiles = max(1, min(tiles, size))
	tileSize := (size + tiles - 1) / tiles
	return (size + tileSize - 1) / tileSize, tileSize
}

func tileLUT(src *image.Gray, r image.Rectangle, clipLimit float64) [256]uint8 {
	var hist [256]int
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):]
		for x := r.Min.X; x < r.Max.X; x++ {
			hist[row[x]]++
		}
	}
	area := r.Dx() * r.Dy()

	if clipLimit > 0 {
		clip := max(int(clipLimit*float64(area)/256), 1)
		excess := 0
		for i := range hist {
			if hist[i] > clip {
				excess += hist[i] - clip
				hist[i] = clip
			}
		}
		batch, residual := excess/256, excess%256
		for i := range hist {
			hist[i] += batch
		}
		if residual > 0 {
			step := max(256/residual, 1)
			for i := 0; i < 256 && residual > 0; i += step {
				hist[i]++
				residual--
			}
		}
	}

	var lut [256]uint8
	scale := 255 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = clampByte(float64(sum) * scale)
	}
	return lut
}

func clampByte(v float64) uint8 {
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

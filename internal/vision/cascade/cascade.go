// Package cascade adapts OpenCV's Haar cascade classifier to vision.Cascade.
package cascade

import (
	"fmt"
	"image"
	"path/filepath"
	"sync"

	"gocv.io/x/gocv"

	"faceattend/internal/vision"
)

// FrontalFace is the stock OpenCV frontal face model.
const FrontalFace = "haarcascade_frontalface_default.xml"

var searchDirs = []string{
	".",
	"./models/haarcascades",
	"/usr/local/share/opencv4/haarcascades",
	"/usr/share/opencv4/haarcascades",
	"/opt/homebrew/share/opencv4/haarcascades",
}

// Classifier is a Haar cascade. OpenCV classifiers are not safe for
// concurrent detection, so scans are serialized.
type Classifier struct {
	mu sync.Mutex
	cc gocv.CascadeClassifier
}

// Load reads the cascade at path. A bare file name is also looked up in
// the usual OpenCV install locations.
func Load(path string) (*Classifier, error) {
	if path == "" {
		path = FrontalFace
	}
	cc := gocv.NewCascadeClassifier()
	candidates := []string{path}
	if filepath.Base(path) == path {
		for _, dir := range searchDirs {
			candidates = append(candidates, filepath.Join(dir, path))
		}
	}
	for _, p := range candidates {
		if cc.Load(p) {
			return &Classifier{cc: cc}, nil
		}
	}
	_ = cc.Close()
	return nil, fmt.Errorf("cascade: failed to load %s from %d locations", path, len(candidates))
}

// DetectMultiScale implements vision.Cascade.
func (c *Classifier) DetectMultiScale(img *image.Gray, params vision.DetectParams) []image.Rectangle {
	mat, err := gocv.ImageGrayToMatGray(img)
	if err != nil {
		return nil
	}
	defer mat.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cc.DetectMultiScaleWithParams(mat, params.ScaleFactor, params.MinNeighbors, 0, params.MinSize, image.Point{})
}

// Close releases the native classifier.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cc.Close()
}

package handler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	errNoFrames = errors.New("at least one frame is required")
	errBadFrame = errors.New("frame is not a decodable jpeg or png image")
)

// frameRequest is the JSON body for frame uploads. Frames are base64
// strings, optionally wrapped as data URLs.
type frameRequest struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Frame  string   `json:"frame"`
	Frames []string `json:"frames"`
}

// readFrames decodes the request's frames together with its name and
// type fields. Multipart bodies carry files under "frames" or "frame";
// anything else is parsed as a JSON frameRequest.
func readFrames(c *gin.Context) (frameRequest, []image.Image, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return readMultipart(c)
	}

	var req frameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, nil, badRequest(err)
	}
	raw := req.Frames
	if req.Frame != "" {
		raw = append([]string{req.Frame}, raw...)
	}
	if len(raw) == 0 {
		return req, nil, errNoFrames
	}
	frames := make([]image.Image, 0, len(raw))
	for i, s := range raw {
		data, err := decodeBase64(s)
		if err != nil {
			return req, nil, fmt.Errorf("%w: frame %d: %v", errBadFrame, i, err)
		}
		img, err := decodeImage(data)
		if err != nil {
			return req, nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, img)
	}
	return req, frames, nil
}

func readMultipart(c *gin.Context) (frameRequest, []image.Image, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return frameRequest{}, nil, badRequest(err)
	}
	req := frameRequest{Name: first(form.Value["name"]), Type: first(form.Value["type"])}
	files := append(form.File["frame"], form.File["frames"]...)
	if len(files) == 0 {
		return req, nil, errNoFrames
	}
	frames := make([]image.Image, 0, len(files))
	for i, fh := range files {
		img, err := openImage(fh)
		if err != nil {
			return req, nil, fmt.Errorf("frame %d (%s): %w", i, fh.Filename, err)
		}
		frames = append(frames, img)
	}
	return req, frames, nil
}

func openImage(fh *multipart.FileHeader) (image.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return decodeImage(data)
}

// decodeBase64 accepts plain or data URL base64, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, errors.New("malformed data url")
		}
		s = s[i+1:]
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return img, nil
}

func first(v []string) string {
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Package imaging wraps the gocv codecs and drawing used around detection.
package imaging

import (
	iface "MeterDetServer/interface"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

var ErrUnsupportedFormat = errors.New("decoded image is empty or unsupported format")

var (
	boxColor   = color.RGBA{R: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// AllowedExtensions are the upload types the UIs accept.
var AllowedExtensions = []string{"jpg", "jpeg", "png"}

// Allowed reports whether filename has one of AllowedExtensions.
func Allowed(filename string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	for _, a := range AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// Decode returns a 3-channel BGR Mat; any alpha channel is dropped.
func Decode(raw []byte) (gocv.Mat, error) {
	if len(raw) == 0 {
		return gocv.NewMat(), ErrUnsupportedFormat
	}
	mat, err := gocv.IMDecode(raw, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		if err := mat.Close(); err != nil {
			return gocv.NewMat(), err
		}
		return gocv.NewMat(), ErrUnsupportedFormat
	}
	return mat, nil
}

func EncodeJPEG(mat gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

// ToJPEG re-encodes an uploaded jpg/png as an RGB JPEG.
func ToJPEG(raw []byte) ([]byte, error) {
	mat, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	return EncodeJPEG(mat)
}

// Annotate draws each detection as a red box with an "ID: <class> Conf: <c>"
// label on a red background just above it.
func Annotate(mat *gocv.Mat, results []iface.Result) {
	for _, r := range results {
		x1, y1, x2, y2 := r.Box.XYXY()
		rect := image.Rect(int(x1), int(y1), int(x2), int(y2))
		gocv.Rectangle(mat, rect, boxColor, 2)

		label := fmt.Sprintf("ID: %d Conf: %.2f", r.ClassID, r.Conf)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		org := image.Pt(int(x1), max(int(y1)-10, size.Y+2))
		bg := image.Rect(org.X, org.Y-size.Y-2, org.X+size.X, org.Y+2)
		gocv.Rectangle(mat, bg, boxColor, -1)
		gocv.PutText(mat, label, org, gocv.FontHersheySimplex, 0.5, labelColor, 1)
	}
}

// Render decodes raw, draws results on it and returns the JPEG.
func Render(raw []byte, results []iface.Result) ([]byte, error) {
	mat, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	defer mat.Close()
	Annotate(&mat, results)
	return EncodeJPEG(mat)
}

// Package yolo holds the model-agnostic parts of running a YOLOv8 detector:
// letterboxing, decoding the raw head output and non-maximum suppression.
package yolo

import (
	"image"
	"image/color"
	"math"
	"slices"

	"github.com/nfnt/resize"
)

// PadValue is the gray used for letterbox borders.
const PadValue = 114

// Candidate is one decoded box in letterboxed input coordinates.
type Candidate struct {
	Class          int
	Score          float32
	X1, Y1, X2, Y2 float32
}

type Letterbox struct {
	SrcW, SrcH int
	Size       int
	Scale      float32
	NewW, NewH int
	PadX, PadY int
}

func NewLetterbox(srcW, srcH, size int) Letterbox {
	scale := min(float32(size)/float32(srcW), float32(size)/float32(srcH))
	newW := int(math.Round(float64(float32(srcW) * scale)))
	newH := int(math.Round(float64(float32(srcH) * scale)))
	return Letterbox{
		SrcW:  srcW,
		SrcH:  srcH,
		Size:  size,
		Scale: scale,
		NewW:  newW,
		NewH:  newH,
		PadX:  (size - newW) / 2,
		PadY:  (size - newH) / 2,
	}
}

// Unscale maps a candidate back to source image pixels, clamped to bounds.
func (l Letterbox) Unscale(c Candidate) Candidate {
	conv := func(v float32, pad int, limit int) float32 {
		v = (v - float32(pad)) / l.Scale
		return max(0, min(v, float32(limit)))
	}
	c.X1 = conv(c.X1, l.PadX, l.SrcW)
	c.X2 = conv(c.X2, l.PadX, l.SrcW)
	c.Y1 = conv(c.Y1, l.PadY, l.SrcH)
	c.Y2 = conv(c.Y2, l.PadY, l.SrcH)
	return c
}

// Anchors is the number of predictions a YOLOv8 head emits for a square input.
func Anchors(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		n += (size / stride) * (size / stride)
	}
	return n
}

// FillTensor letterboxes img into a 1x3xSxS RGB tensor scaled to [0,1].
// dst must hold 3*size*size values.
func FillTensor(img image.Image, size int, dst []float32) Letterbox {
	b := img.Bounds()
	lb := NewLetterbox(b.Dx(), b.Dy(), size)
	resized := resize.Resize(uint(lb.NewW), uint(lb.NewH), img, resize.Bilinear)

	plane := size * size
	pad := float32(PadValue) / 255
	for i := range dst[:3*plane] {
		dst[i] = pad
	}
	rb := resized.Bounds()
	for y := 0; y < lb.NewH; y++ {
		for x := 0; x < lb.NewW; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			idx := (y+lb.PadY)*size + x + lb.PadX
			dst[idx] = float32(r) / 65535
			dst[plane+idx] = float32(g) / 65535
			dst[2*plane+idx] = float32(bl) / 65535
		}
	}
	return lb
}

// PadColor is PadValue as an opaque color for OpenCV borders.
var PadColor = color.RGBA{R: PadValue, G: PadValue, B: PadValue, A: 255}

// Decode reads a YOLOv8 output laid out as rows x anchors (rows = 4 + classes,
// each anchor column being cx, cy, w, h, class scores...) and keeps anchors
// whose best class score reaches conf.
func Decode(output []float32, rows, anchors int, conf float32) []Candidate {
	classes := rows - 4
	if classes <= 0 || len(output) < rows*anchors {
		return nil
	}
	var cands []Candidate
	for a := 0; a < anchors; a++ {
		best, score := -1, float32(0)
		for c := 0; c < classes; c++ {
			s := output[(4+c)*anchors+a]
			if s > score {
				best, score = c, s
			}
		}
		if best < 0 || score < conf {
			continue
		}
		cx := output[a]
		cy := output[anchors+a]
		w := output[2*anchors+a]
		h := output[3*anchors+a]
		cands = append(cands, Candidate{
			Class: best,
			Score: score,
			X1:    cx - w/2,
			Y1:    cy - h/2,
			X2:    cx + w/2,
			Y2:    cy + h/2,
		})
	}
	return cands
}

func IoU(a, b Candidate) float32 {
	iw := min(a.X2, b.X2) - max(a.X1, b.X1)
	ih := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS performs greedy per-class suppression, highest score first.
func NMS(cands []Candidate, iou float32) []Candidate {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	kept := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		suppressed := false
		for _, k := range kept {
			if k.Class == c.Class && IoU(k, c) > iou {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

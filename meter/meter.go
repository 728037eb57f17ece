// Package meter turns detected digit boxes into a water-meter reading.
package meter

import (
	iface "MeterDetServer/interface"
	"slices"
	"strconv"
	"strings"
)

// DecimalPlaces is the number of trailing digits shown after the dot.
const DecimalPlaces = 3

type Reading struct {
	Digits []int
	Text   string
}

// Order returns a copy of results sorted left to right by x1, then y1, x2, y2.
func Order(results []iface.Result) []iface.Result {
	ordered := slices.Clone(results)
	slices.SortStableFunc(ordered, func(a, b iface.Result) int {
		ax1, ay1, ax2, ay2 := a.Box.XYXY()
		bx1, by1, bx2, by2 := b.Box.XYXY()
		for _, d := range [4][2]float32{{ax1, bx1}, {ay1, by1}, {ax2, bx2}, {ay2, by2}} {
			switch {
			case d[0] < d[1]:
				return -1
			case d[0] > d[1]:
				return 1
			}
		}
		return 0
	})
	return ordered
}

func Digits(results []iface.Result) []int {
	ordered := Order(results)
	digits := make([]int, 0, len(ordered))
	for _, r := range ordered {
		digits = append(digits, r.ClassID)
	}
	return digits
}

// Format renders digits as a reading. With more than DecimalPlaces digits the
// last DecimalPlaces go after a dot ("12.345"); otherwise digits are joined
// with commas ("1,2").
func Format(digits []int) string {
	parts := make([]string, len(digits))
	for i, d := range digits {
		parts[i] = strconv.Itoa(d)
	}
	if len(digits) <= DecimalPlaces {
		return strings.Join(parts, ",")
	}
	joined := strings.Join(parts, "")
	cut := len(joined) - DecimalPlaces
	return joined[:cut] + "." + joined[cut:]
}

func Read(results []iface.Result) Reading {
	digits := Digits(results)
	return Reading{Digits: digits, Text: Format(digits)}
}

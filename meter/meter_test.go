package meter

import (
	iface "MeterDetServer/interface"
	"testing"

	"github.com/stretchr/testify/assert"
)

func digit(class int, x1, y1, x2, y2 float32) iface.Result {
	return iface.NewResult(class, "", 0.9, iface.NewBox(x1, y1, x2, y2))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		digits []int
		want   string
	}{
		{name: "empty", digits: nil, want: ""},
		{name: "single", digits: []int{7}, want: "7"},
		{name: "two", digits: []int{1, 2}, want: "1,2"},
		{name: "three", digits: []int{0, 4, 2}, want: "0,4,2"},
		{name: "four", digits: []int{1, 2, 3, 4}, want: "1.234"},
		{name: "eight", digits: []int{0, 0, 1, 2, 3, 4, 5, 6}, want: "00123.456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.digits))
		})
	}
}

func TestOrder(t *testing.T) {
	t.Run("left to right", func(t *testing.T) {
		in := []iface.Result{
			digit(3, 30, 0, 40, 10),
			digit(1, 10, 0, 20, 10),
			digit(2, 20, 0, 30, 10),
		}
		assert.Equal(t, []int{1, 2, 3}, Digits(in))
	})

	t.Run("ties on x1 fall back to y1 then x2 then y2", func(t *testing.T) {
		in := []iface.Result{
			digit(4, 10, 5, 20, 15),
			digit(3, 10, 0, 25, 10),
			digit(2, 10, 0, 20, 12),
			digit(1, 10, 0, 20, 10),
		}
		assert.Equal(t, []int{1, 2, 3, 4}, Digits(in))
	})

	t.Run("input is not modified", func(t *testing.T) {
		in := []iface.Result{digit(9, 50, 0, 60, 10), digit(8, 0, 0, 10, 10)}
		_ = Order(in)
		assert.Equal(t, 9, in[0].ClassID)
	})
}

func TestRead(t *testing.T) {
	in := []iface.Result{
		digit(5, 90, 2, 100, 20),
		digit(0, 10, 1, 20, 20),
		digit(7, 50, 0, 60, 20),
		digit(1, 30, 3, 40, 20),
		digit(2, 70, 1, 80, 20),
	}
	r := Read(in)
	assert.Equal(t, []int{0, 1, 7, 2, 5}, r.Digits)
	assert.Equal(t, "01.725", r.Text)

	empty := Read(nil)
	assert.Empty(t, empty.Digits)
	assert.Equal(t, "", empty.Text)
}

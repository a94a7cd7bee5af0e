// Package heightfield converts decoded depth images into normalized scalar
// grids and smooths them.
//
// A Field is treated as immutable once built: every transformation returns
// a new Field (or the same pointer when the transformation is the identity),
// so a Field can be shared between goroutines without locking.
package heightfield

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Field is a row-major grid of heights in [0, 1].
type Field struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// New returns a zero-valued field of the given size.
func New(width, height int) *Field {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("heightfield: negative size %dx%d", width, height))
	}
	return &Field{
		Width:  width,
		Height: height,
		Values: make([]float32, width*height),
	}
}

// Len returns the number of cells.
func (f *Field) Len() int {
	return len(f.Values)
}

// At returns the value at (x, y), or 0 outside the grid.
func (f *Field) At(x, y int) float32 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Values[y*f.Width+x]
}

// Equal reports whether both fields have the same size and identical values.
func (f *Field) Equal(o *Field) bool {
	if f == nil || o == nil {
		return f == o
	}
	if f.Width != o.Width || f.Height != o.Height || len(f.Values) != len(o.Values) {
		return false
	}
	for i, v := range f.Values {
		if o.Values[i] != v {
			return false
		}
	}
	return true
}

// Range returns the smallest and largest value in the field.
func (f *Field) Range() (lo, hi float32) {
	if len(f.Values) == 0 {
		return 0, 0
	}
	lo, hi = f.Values[0], f.Values[0]
	for _, v := range f.Values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Image renders the field as an 8-bit grayscale image (value*255).
func (f *Field) Image() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		row := f.Values[y*f.Width : (y+1)*f.Width]
		for x, v := range row {
			img.SetGray(x, y, color.Gray{Y: toByte(v)})
		}
	}
	return img
}

func toByte(v float32) uint8 {
	b := math.Round(float64(v) * 255)
	if b < 0 {
		return 0
	}
	if b > 255 {
		return 255
	}
	return uint8(b)
}

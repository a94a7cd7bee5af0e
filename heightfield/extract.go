package heightfield

import (
	"fmt"
	"image"
	"image/draw"
)

// FromRGBA converts an RGBA buffer into a Field. Each cell is the
// unweighted mean of the red, green and blue channels divided by 255; alpha
// is ignored.
//
// The buffer must be internally consistent (Pix long enough for its
// rectangle and stride). An inconsistent buffer is a programming error and
// panics.
func FromRGBA(img *image.RGBA) *Field {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > 0 && h > 0 {
		last := img.PixOffset(b.Max.X-1, b.Max.Y-1) + 4
		if img.Stride < w*4 || last > len(img.Pix) {
			panic(fmt.Sprintf("heightfield: RGBA buffer %dx%d stride %d has %d bytes", w, h, img.Stride, len(img.Pix)))
		}
	}

	f := New(w, h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[off : off+w*4]
		dst := f.Values[y*w : (y+1)*w]
		for x := range dst {
			p := row[x*4 : x*4+3]
			sum := int(p[0]) + int(p[1]) + int(p[2])
			dst[x] = float32(float64(sum) / 3 / 255)
		}
	}
	return f
}

// FromImage converts any decoded image into a Field, going through an RGBA
// copy when the image is not already *image.RGBA.
func FromImage(img image.Image) *Field {
	return FromRGBA(ToRGBA(img))
}

// ToRGBA returns img as *image.RGBA with its origin at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

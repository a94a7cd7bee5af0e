package heightfield

// Blur applies a uniform (2r+1)x(2r+1) mean filter.
//
// A radius below 1 is the identity and returns f itself. Otherwise the
// result is a new field in which only cells at least radius away from every
// edge are filtered; the border band stays at zero rather than being
// clamped or wrapped. A field narrower or shorter than 2r+1 blurs to all
// zeros.
func Blur(f *Field, radius int) *Field {
	return BlurWorkers(f, radius, Workers)
}

// BlurWorkers is Blur with an explicit worker count.
func BlurWorkers(f *Field, radius, workers int) *Field {
	if radius < 1 {
		return f
	}

	w, h := f.Width, f.Height
	out := New(w, h)
	if w < 2*radius+1 || h < 2*radius+1 {
		return out
	}

	size := 2*radius + 1
	cells := float64(size * size)
	y0, y1 := radius, h-radius

	forEachBand(y1-y0, workers, func(lo, hi int) {
		for y := y0 + lo; y < y0+hi; y++ {
			for x := radius; x < w-radius; x++ {
				var sum float64
				for ky := -radius; ky <= radius; ky++ {
					row := f.Values[(y+ky)*w : (y+ky+1)*w]
					for kx := -radius; kx <= radius; kx++ {
						sum += float64(row[x+kx])
					}
				}
				out.Values[y*w+x] = float32(sum / cells)
			}
		}
	})
	return out
}

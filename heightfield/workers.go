package heightfield

import (
	"runtime"
	"sync"
)

// Workers is the default number of goroutines used for per-row loops.
var Workers = runtime.GOMAXPROCS(0)

// SplitRows divides [0, n) into at most workers contiguous bands.
func SplitRows(n, workers int) [][2]int {
	if n <= 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	rows := make([][2]int, 0, workers)
	step := n / workers
	start := 0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = n
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}

// forEachBand runs fn once per band of [0, n) and waits for all of them.
func forEachBand(n, workers int, fn func(lo, hi int)) {
	var wg sync.WaitGroup
	for _, r := range SplitRows(n, workers) {
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(r[0], r[1])
	}
	wg.Wait()
}

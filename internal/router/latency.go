package router

import "sync"

const latencyWindowSize = 32

// latencyWindow keeps a fixed ring of recent call latencies per adapter.
type latencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]int64
	count   int
	next    int
}

func (w *latencyWindow) Observe(latencyMS int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = latencyMS
	w.next = (w.next + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
}

func (w *latencyWindow) Average() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / int64(w.count)
}

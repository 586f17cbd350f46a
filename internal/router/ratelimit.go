// ABOUTME: Sliding-window rate counter for cross-project message pairs
// ABOUTME: Tracks per-pair timestamps inside a rolling window; zero limit means unlimited

package router

import (
	"sync"
	"time"
)

// rateWindowSize is the rolling window the per-pair limit applies to.
const rateWindowSize = time.Minute

// rateWindow counts events per project pair inside a sliding window.
type rateWindow struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateWindow() *rateWindow {
	return &rateWindow{hits: make(map[string][]time.Time)}
}

// Allow records a hit for the pair if the window has room.
// limit <= 0 means unlimited.
func (w *rateWindow) Allow(pair string, limit int, now time.Time) bool {
	if limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-rateWindowSize)
	kept := w.hits[pair][:0]
	for _, t := range w.hits[pair] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		w.hits[pair] = kept
		return false
	}
	w.hits[pair] = append(kept, now)
	return true
}

package eventcore

import (
	"container/heap"
	"time"
)

// NoRearm is the sentinel a callback returns to mean "do not re-arm".
// Any non-negative duration means "fire again after this much time".
const NoRearm time.Duration = -1

type timerEntry struct {
	id      CallbackID
	when    time.Time
	index   int // heap index, maintained by container/heap
	deleted bool
}

// timerHeap is a min-heap ordered by deadline, mirroring eventloop's own
// timerHeap (loop.go) almost verbatim.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

var _ = heap.Interface(&timerHeap{})

package queue

import "github.com/recaplabs/recap/internal/models"

// entry is a queued reference to a job. The job record itself lives in
// the state store; the queue orders ids only.
type entry struct {
	id       string
	priority models.JobPriority
	seq      uint64
	index    int
}

// entryHeap implements heap.Interface ordered by (priority asc, seq asc)
// so higher-priority jobs are served first and ties stay FIFO.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	e.index = -1
	*h = old[:n-1]
	return e
}

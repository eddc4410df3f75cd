package reconcile

import (
	"container/heap"

	"chainchat/ledger"
)

// sequenceBuffer orders raw references by ledger sequence number so the
// worker releases them ascending even across overlapping poll pages.
// Duplicate sequence numbers collapse to one entry.
type sequenceBuffer struct {
	heap    refHeap
	present map[uint64]struct{}
}

func newSequenceBuffer() *sequenceBuffer {
	return &sequenceBuffer{present: make(map[uint64]struct{})}
}

func (b *sequenceBuffer) Push(raw ledger.RawReference) {
	if _, ok := b.present[raw.SequenceNumber]; ok {
		return
	}
	b.present[raw.SequenceNumber] = struct{}{}
	heap.Push(&b.heap, raw)
}

func (b *sequenceBuffer) Pop() (ledger.RawReference, bool) {
	if b.heap.Len() == 0 {
		return ledger.RawReference{}, false
	}
	raw := heap.Pop(&b.heap).(ledger.RawReference)
	delete(b.present, raw.SequenceNumber)
	return raw, true
}

func (b *sequenceBuffer) Len() int {
	return b.heap.Len()
}

type refHeap []ledger.RawReference

func (h refHeap) Len() int           { return len(h) }
func (h refHeap) Less(i, j int) bool { return h[i].SequenceNumber < h[j].SequenceNumber }
func (h refHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *refHeap) Push(x any)        { *h = append(*h, x.(ledger.RawReference)) }
func (h *refHeap) Pop() any {
	old := *h
	n := len(old)
	raw := old[n-1]
	*h = old[:n-1]
	return raw
}

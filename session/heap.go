package session

// numberHeap is a small int min-heap used to hand out the smallest free
// motor number. container/heap is overkill at N<=4 elements but keeps the
// "smallest free number first" invariant explicit and testable.
type numberHeap []int

func (h numberHeap) Len() int            { return len(h) }
func (h numberHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h numberHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *numberHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *numberHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

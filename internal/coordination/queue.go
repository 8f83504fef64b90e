package coordination

import "container/heap"

// requestQueue orders waiting coordinations by priority, then arrival.
type requestQueue []*record

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	ri, rj := q[i].req.Priority.Rank(), q[j].req.Priority.Rank()
	if ri != rj {
		return ri > rj
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	rec := x.(*record)
	rec.index = len(*q)
	*q = append(*q, rec)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*q = old[:n-1]
	return rec
}

// remove drops rec if it is still queued.
func (q *requestQueue) remove(rec *record) {
	if rec.index >= 0 && rec.index < q.Len() && (*q)[rec.index] == rec {
		heap.Remove(q, rec.index)
	}
}

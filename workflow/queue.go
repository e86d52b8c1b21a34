package workflow

import "container/heap"

// queuedEntry pairs a run with its arrival sequence so equal priorities
// dequeue first-in-first-out.
type queuedEntry struct {
	run *Run
	seq uint64
}

// runQueue is the priority heap of pending runs: higher priority first,
// FIFO within one priority. It is owned by the coordinator's dispatch
// loop and not safe for concurrent use.
type runQueue struct {
	entries []queuedEntry
	nextSeq uint64
}

func (q *runQueue) Len() int { return len(q.entries) }

func (q *runQueue) Less(i, j int) bool {
	wi := q.entries[i].run.Priority.Weight()
	wj := q.entries[j].run.Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	return q.entries[i].seq < q.entries[j].seq
}

func (q *runQueue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
}

func (q *runQueue) Push(x any) {
	q.entries = append(q.entries, x.(queuedEntry))
}

func (q *runQueue) Pop() any {
	old := q.entries
	n := len(old)
	entry := old[n-1]
	old[n-1] = queuedEntry{}
	q.entries = old[:n-1]
	return entry
}

func (q *runQueue) enqueue(run *Run) {
	q.nextSeq++
	heap.Push(q, queuedEntry{run: run, seq: q.nextSeq})
}

func (q *runQueue) dequeue() *Run {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(queuedEntry).run
}

// remove pulls a still-queued run out by id, nil when absent.
func (q *runQueue) remove(runID string) *Run {
	for i := range q.entries {
		if q.entries[i].run.ID == runID {
			return heap.Remove(q, i).(queuedEntry).run
		}
	}
	return nil
}

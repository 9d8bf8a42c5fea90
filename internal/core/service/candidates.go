package service

import "github.com/Wyydra/parley/internal/core/domain"

// PendingCandidateQueue holds remote ICE candidates that arrived before the
// remote description. It is owned by one coordinator and guarded by its lock.
type PendingCandidateQueue struct {
	items []domain.ICECandidate
}

func (q *PendingCandidateQueue) Push(c domain.ICECandidate) {
	q.items = append(q.items, c)
}

// Drain empties the queue and returns its contents in arrival order.
func (q *PendingCandidateQueue) Drain() []domain.ICECandidate {
	out := q.items
	q.items = nil
	return out
}

// Discard drops everything and returns how many candidates were lost.
func (q *PendingCandidateQueue) Discard() int {
	n := len(q.items)
	q.items = nil
	return n
}

func (q *PendingCandidateQueue) Len() int {
	return len(q.items)
}

// Package ice holds the NAT-traversal plumbing shared by every peer: the
// buffer for trickled candidates and the ICE server configuration.
package ice

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Queue buffers remote candidates that arrived before the remote description
// they belong to. Candidates come out in the order they went in.
type Queue struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
}

// Enqueue appends c. It never fails.
func (q *Queue) Enqueue(c webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
}

// Requeue puts cs back in front of anything still waiting, keeping their
// order. It is used when the connection they were applied to is replaced.
func (q *Queue) Requeue(cs []webrtc.ICECandidateInit) {
	if len(cs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]webrtc.ICECandidateInit(nil), cs...), q.pending...)
}

// Flush hands every queued candidate to apply exactly once, oldest first, and
// empties the queue. The queue stays locked while apply runs so a concurrent
// Enqueue lands behind the batch being applied. Individual failures do not
// stop the flush; they are joined into the returned error.
func (q *Queue) Flush(apply func(webrtc.ICECandidateInit) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.pending
	q.pending = nil

	var errs []error
	for _, c := range batch {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return len(batch), errors.Join(errs...)
}

// Len reports how many candidates are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

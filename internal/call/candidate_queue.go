package call

import (
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

// candidateQueue buffers remote candidates that arrive before the owning
// session is ready to consume them. Candidates are held and later applied in
// strict arrival order. The queue is confined to the session's event loop.
type candidateQueue struct {
	sessionID string
	pending   []models.ICECandidate
	seq       int
	drained   bool
	closed    bool
}

func newCandidateQueue(sessionID string) *candidateQueue {
	return &candidateQueue{sessionID: sessionID}
}

// offer buffers a candidate. Offers after close are silently discarded.
func (q *candidateQueue) offer(candidate models.ICECandidate) bool {
	if q.closed {
		return false
	}

	q.seq++
	q.pending = append(q.pending, candidate)
	return true
}

// drain applies all buffered candidates in arrival order. Candidates that
// individually fail to apply are skipped and logged, not re-queued. Invoked
// exactly once, right after the remote description is set.
func (q *candidateQueue) drain(apply func(models.ICECandidate) error) {
	if q.closed || q.drained {
		return
	}
	q.drained = true

	buffered := q.pending
	q.pending = nil
	for i, candidate := range buffered {
		err := apply(candidate)
		if err != nil {
			log.Warn("skipping candidate that failed to apply",
				zap.String("sessionId", q.sessionID),
				zap.Int("position", i),
				zap.Error(err))
		}
	}
}

// close discards any remaining candidates and rejects further offers.
func (q *candidateQueue) close() {
	q.closed = true
	q.pending = nil
}

func (q *candidateQueue) size() int {
	return len(q.pending)
}

package call

import "github.com/petervdpas/goopcall/internal/signal"

// candidateQueue holds remote ICE candidates until the session has a remote
// description, and remembers every candidate it has seen so a duplicate
// delivery is never applied twice.
type candidateQueue struct {
	pending []signal.ICECandidate
	seen    map[string]struct{}
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{seen: make(map[string]struct{})}
}

// add applies c directly when sess is ready, otherwise buffers it.
// It reports false for a duplicate.
func (q *candidateQueue) add(c signal.ICECandidate, sess MediaSession) bool {
	key := c.Key()
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}

	if sess != nil && sess.HasRemoteDescription() {
		q.drainInto(sess)
		if err := sess.AddICECandidate(c); err != nil {
			log.Debugw("remote candidate rejected", "err", err)
		}
		return true
	}
	q.enqueue(c)
	return true
}

func (q *candidateQueue) enqueue(c signal.ICECandidate) {
	q.pending = append(q.pending, c)
}

// drainInto applies every buffered candidate in arrival order and clears
// the queue. A failing candidate does not stop the rest.
func (q *candidateQueue) drainInto(sess MediaSession) int {
	if len(q.pending) == 0 {
		return 0
	}
	n := 0
	for _, c := range q.pending {
		if err := sess.AddICECandidate(c); err != nil {
			log.Debugw("buffered candidate rejected", "err", err)
			continue
		}
		n++
	}
	q.pending = q.pending[:0]
	return n
}

func (q *candidateQueue) Len() int { return len(q.pending) }

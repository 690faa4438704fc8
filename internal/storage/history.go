package storage

import (
	"sync"

	"github.com/petervdpas/goopcall/internal/call"
)

const historyQueue = 32

// History persists every ended call. It is a call.Observer; writes happen
// on its own goroutine so the call loop never waits on disk.
type History struct {
	db   *DB
	recs chan call.Record
	wg   sync.WaitGroup
	once sync.Once
}

func NewHistory(db *DB) *History {
	h := &History{db: db, recs: make(chan call.Record, historyQueue)}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *History) OnTransition(call.State, call.State, call.Snapshot) {}

func (h *History) OnCallEnded(rec call.Record) {
	select {
	case h.recs <- rec:
	default:
		log.Warnw("history queue full, call not recorded", "call", rec.CallID)
	}
}

// Close flushes pending records.
func (h *History) Close() {
	h.once.Do(func() { close(h.recs) })
	h.wg.Wait()
}

func (h *History) run() {
	defer h.wg.Done()
	for rec := range h.recs {
		row := CallRow{
			CallID:          rec.CallID,
			PeerID:          rec.Peer,
			Direction:       string(rec.Direction),
			MediaKind:       string(rec.MediaKind),
			Outcome:         string(rec.Outcome),
			Error:           rec.Error,
			StartedAt:       rec.StartedAt,
			ConnectedAt:     rec.ConnectedAt,
			EndedAt:         rec.EndedAt,
			DurationSeconds: rec.DurationSeconds,
		}
		if err := h.db.InsertCall(row); err != nil {
			log.Warnw("record call", "call", rec.CallID, "err", err)
			continue
		}
		if err := h.db.TouchContact(rec.Peer, rec.EndedAt); err != nil {
			log.Warnw("update contact", "peer", rec.Peer, "err", err)
		}
	}
}

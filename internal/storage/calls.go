package storage

import (
	"database/sql"
	"time"
)

// CallRow is one ended call.
type CallRow struct {
	ID              int64     `json:"id"`
	CallID          string    `json:"call_id"`
	PeerID          string    `json:"peer_id"`
	Direction       string    `json:"direction"`
	MediaKind       string    `json:"media_kind"`
	Outcome         string    `json:"outcome"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	ConnectedAt     time.Time `json:"connected_at,omitzero"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int       `json:"duration_seconds"`
}

// InsertCall stores r. A second insert for the same call id is ignored.
func (d *DB) InsertCall(r CallRow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO _call_history
			(call_id, peer_id, direction, media_kind, outcome, error,
			 started_at, connected_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.PeerID, r.Direction, r.MediaKind, r.Outcome, r.Error,
		toMillis(r.StartedAt), toMillis(r.ConnectedAt), toMillis(r.EndedAt), r.DurationSeconds,
	)
	return err
}

// ListCalls returns the newest calls first. An empty peerID means all
// peers; limit <= 0 means 50.
func (d *DB) ListCalls(peerID string, limit int) ([]CallRow, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	const cols = `SELECT id, call_id, peer_id, direction, media_kind, outcome, error,
		started_at, connected_at, ended_at, duration_seconds FROM _call_history`
	var (
		rows *sql.Rows
		err  error
	)
	if peerID == "" {
		rows, err = d.db.Query(cols+` ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = d.db.Query(cols+` WHERE peer_id = ? ORDER BY ended_at DESC, id DESC LIMIT ?`, peerID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRow
	for rows.Next() {
		var r CallRow
		var started, connected, ended int64
		if err := rows.Scan(&r.ID, &r.CallID, &r.PeerID, &r.Direction, &r.MediaKind, &r.Outcome, &r.Error,
			&started, &connected, &ended, &r.DurationSeconds); err != nil {
			return nil, err
		}
		r.StartedAt, r.ConnectedAt, r.EndedAt = fromMillis(started), fromMillis(connected), fromMillis(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallStats sums the history per outcome.
func (d *DB) CallStats() (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT outcome, COUNT(*) FROM _call_history GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

package storage

import "time"

// Contact is a peer we have had a call with (or tried to).
type Contact struct {
	PeerID   string    `json:"peer_id"`
	Name     string    `json:"name,omitempty"`
	Calls    int       `json:"calls"`
	LastCall time.Time `json:"last_call"`
}

// TouchContact counts one more call with peerID at time at.
func (d *DB) TouchContact(peerID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contacts (peer_id, calls, last_call) VALUES (?, 1, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			calls     = _contacts.calls + 1,
			last_call = MAX(_contacts.last_call, excluded.last_call)`,
		peerID, toMillis(at),
	)
	return err
}

// SetContactName labels a peer. The contact is created if unknown.
func (d *DB) SetContactName(peerID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contacts (peer_id, name) VALUES (?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET name = excluded.name`,
		peerID, name,
	)
	return err
}

// ListContacts returns contacts, most recently called first.
func (d *DB) ListContacts() ([]Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, name, calls, last_call
		FROM _contacts ORDER BY last_call DESC, peer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var last int64
		if err := rows.Scan(&c.PeerID, &c.Name, &c.Calls, &last); err != nil {
			return nil, err
		}
		c.LastCall = fromMillis(last)
		out = append(out, c)
	}
	return out, rows.Err()
}

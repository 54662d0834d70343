// Package queue is the durable per-agent offline mailbox (spec §3 Offline
// queue entry, §4.2), grounded on the teacher's db.go sqlite idiom,
// generalized from the teacher's single "tasks" convenience row into a
// proper FIFO-with-TTL table as spec §4.2 demands.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dispatchfabric/internal/ferrors"
	"dispatchfabric/internal/metrics"
)

// Entry mirrors the Offline queue entry record of spec §3.
type Entry struct {
	ID          int64
	AgentID     string
	MessageType string
	Payload     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}

// Store is the durable per-agent FIFO offline queue.
type Store struct {
	db  *sql.DB
	m   *metrics.Fabric
	ttl time.Duration
}

// Open opens (creating if necessary) the sqlite-backed offline queue at
// path, with the given default TTL (spec §6 OFFLINE_QUEUE_TTL).
func Open(path string, ttl time.Duration, m *metrics.Fabric) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("queue: ping: %w", err)
	}

	s := &Store{db: db, m: m, ttl: ttl}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("queue: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS offline_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL,
		delivered BOOLEAN DEFAULT FALSE,
		delivered_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_offline_queue_agent_delivered ON offline_queue(agent_id, delivered);
	CREATE INDEX IF NOT EXISTS idx_offline_queue_expires ON offline_queue(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue appends envelope bytes to agentId's mailbox with
// expiresAt = now + ttl (spec §4.2).
func (s *Store) Enqueue(agentID, messageType string, payload []byte) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO offline_queue (agent_id, message_type, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		agentID, messageType, payload, now, now.Add(s.ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: last insert id: %w", err)
	}
	if s.m != nil {
		s.bumpDepth(agentID)
	}
	return id, nil
}

// FindPending returns the FIFO-ordered, undelivered, unexpired entries for
// agentID (spec §4.2, invariant 5: never returns an expired entry).
func (s *Store) FindPending(agentID string) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, message_type, payload, created_at, expires_at, delivered, delivered_at
		FROM offline_queue
		WHERE agent_id = ? AND delivered = FALSE AND expires_at > ?
		ORDER BY id ASC`, agentID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("queue: find pending: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var deliveredAt sql.NullTime
	if err := rows.Scan(&e.ID, &e.AgentID, &e.MessageType, &e.Payload, &e.CreatedAt, &e.ExpiresAt, &e.Delivered, &deliveredAt); err != nil {
		return nil, fmt.Errorf("queue: scan: %w", err)
	}
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	return &e, nil
}

// MarkDelivered sets delivered = true, deliveredAt = now (spec §4.2).
// A delivered entry is never redelivered (invariant 2); calling this twice
// for the same id returns ferrors.NotFound the second time, since the row
// no longer matches the "not yet delivered" precondition.
func (s *Store) MarkDelivered(id int64) error {
	res, err := s.db.Exec(`
		UPDATE offline_queue SET delivered = TRUE, delivered_at = ?
		WHERE id = ? AND delivered = FALSE`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("queue: mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: rows affected: %w", err)
	}
	if n == 0 {
		return ferrors.New(ferrors.NotFound, "offline queue entry not found or already delivered")
	}
	if s.m != nil {
		s.m.OfflineQueueDrained.Inc()
		var agentID string
		if err := s.db.QueryRow(`SELECT agent_id FROM offline_queue WHERE id = ?`, id).Scan(&agentID); err == nil {
			s.bumpDepth(agentID)
		}
	}
	return nil
}

// CleanExpired deletes all undelivered expired entries and returns the
// count removed (spec §4.2).
func (s *Store) CleanExpired() (int, error) {
	res, err := s.db.Exec(`DELETE FROM offline_queue WHERE delivered = FALSE AND expires_at <= ?`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("queue: clean expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: rows affected: %w", err)
	}
	if s.m != nil && n > 0 {
		s.m.OfflineQueueExpired.Add(float64(n))
	}
	return int(n), nil
}

func (s *Store) bumpDepth(agentID string) {
	var depth int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM offline_queue WHERE agent_id = ? AND delivered = FALSE AND expires_at > ?`, agentID, time.Now()).Scan(&depth)
	s.m.OfflineQueueDepth.WithLabelValues(agentID).Set(float64(depth))
}

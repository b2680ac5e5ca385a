package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/events"
)

// Transition is one journaled state change.
type Transition struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id,omitempty"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Cause            string    `json:"cause"`
	SimulationActive bool      `json:"simulation_active"`
	At               time.Time `json:"at"`
}

// SeenServer is a LAN server that answered discovery at least once.
type SeenServer struct {
	URL       string    `json:"url"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	TimesSeen int       `json:"times_seen"`
}

// Journal persists lifecycle history.
type Journal struct {
	db *Database
}

// OpenJournal opens the journal database and migrates its schema.
func OpenJournal(path string) (*Journal, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database}
	if err := j.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			from_leaf TEXT NOT NULL,
			to_leaf TEXT NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			simulation_active INTEGER NOT NULL DEFAULT 0,
			at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS discovered_servers (
			url TEXT PRIMARY KEY,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			times_seen INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
		CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id);
		CREATE INDEX IF NOT EXISTS idx_discovered_last_seen ON discovered_servers(last_seen);
	`

	if _, err := j.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	log.Debug().Msg("journal schema migrated")
	return nil
}

// Path returns the journal database file path.
func (j *Journal) Path() string {
	return j.db.Path()
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordTransition appends a transition.
func (j *Journal) RecordTransition(ctx context.Context, t Transition) error {
	active := 0
	if t.SimulationActive {
		active = 1
	}
	_, err := j.db.Exec(ctx,
		`INSERT INTO transitions (session_id, from_leaf, to_leaf, cause, simulation_active, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.From, t.To, t.Cause, active, t.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordServerSeen upserts a discovered server.
func (j *Journal) RecordServerSeen(ctx context.Context, url string, at time.Time) error {
	ms := at.UnixMilli()
	_, err := j.db.Exec(ctx,
		`INSERT INTO discovered_servers (url, first_seen, last_seen, times_seen)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT(url) DO UPDATE SET last_seen = excluded.last_seen, times_seen = times_seen + 1`,
		url, ms, ms)
	if err != nil {
		return fmt.Errorf("failed to record server %s: %w", url, err)
	}
	return nil
}

// RecentTransitions returns the newest transitions first.
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.Query(ctx,
		`SELECT id, session_id, from_leaf, to_leaf, cause, simulation_active, at
		 FROM transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			t      Transition
			active int
			at     int64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.From, &t.To, &t.Cause, &active, &at); err != nil {
			return nil, err
		}
		t.SimulationActive = active == 1
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SeenServers returns discovered servers, most recently seen first.
func (j *Journal) SeenServers(ctx context.Context, limit int) ([]SeenServer, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.Query(ctx,
		`SELECT url, first_seen, last_seen, times_seen
		 FROM discovered_servers ORDER BY last_seen DESC, url LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SeenServer{}
	for rows.Next() {
		var (
			s           SeenServer
			first, last int64
		)
		if err := rows.Scan(&s.URL, &first, &last, &s.TimesSeen); err != nil {
			return nil, err
		}
		s.FirstSeen = time.UnixMilli(first)
		s.LastSeen = time.UnixMilli(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Prune deletes journal rows older than cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	ms := cutoff.UnixMilli()
	err := j.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM transitions WHERE at < ?", ms)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx, "DELETE FROM discovered_servers WHERE last_seen < ?", ms)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	return removed, nil
}

// Attach records session transitions and discovered servers from the bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventSessionTransition, "journal.transition", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.TransitionPayload)
		if !ok {
			return nil
		}
		return j.RecordTransition(context.WithoutCancel(ctx), Transition{
			SessionID:        p.SessionID,
			From:             p.From,
			To:               p.To,
			Cause:            p.Cause,
			SimulationActive: p.SimulationActive,
			At:               p.At,
		})
	})

	bus.Subscribe(events.EventServerDiscovered, "journal.discovered", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ServerDiscoveredPayload)
		if !ok {
			return nil
		}
		return j.RecordServerSeen(context.WithoutCancel(ctx), p.URL, p.At)
	})
}

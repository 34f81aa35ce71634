package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/seiler-io/jetgate/internal/session"
	"github.com/seiler-io/jetgate/internal/token"
)

// Store persists completed sessions for the admin API. The live session
// registry stays in memory; this is the audit trail.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS session_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		association_id TEXT NOT NULL,
		application_protocol TEXT NOT NULL,
		destination_host TEXT,
		connection_mode TEXT NOT NULL,
		recording_policy INTEGER NOT NULL,
		start_timestamp DATETIME NOT NULL,
		end_timestamp DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create session_history: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_history_assoc
		ON session_history (association_id)`)
	if err != nil {
		return fmt.Errorf("index session_history: %w", err)
	}
	return nil
}

// Entry is one completed session.
type Entry struct {
	AssociationID       uuid.UUID            `json:"associationId"`
	ApplicationProtocol string               `json:"applicationProtocol"`
	DestinationHost     string               `json:"destinationHost,omitempty"`
	ConnectionMode      token.ConnectionMode `json:"connectionMode"`
	RecordingPolicy     bool                 `json:"recordingPolicy"`
	StartTimestamp      time.Time            `json:"startTimestamp"`
	EndTimestamp        time.Time            `json:"endTimestamp"`
}

// RecordEnded appends a completed session.
func (s *Store) RecordEnded(info session.Info, endedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO session_history
		 (association_id, application_protocol, destination_host, connection_mode, recording_policy, start_timestamp, end_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.AssociationID.String(), info.ApplicationProtocol, info.DestinationHost,
		string(info.ConnectionMode), info.RecordingPolicy,
		info.StartTimestamp.UTC().Format(time.RFC3339), endedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}
	return nil
}

// Recent returns up to limit completed sessions, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT association_id, application_protocol, destination_host, connection_mode, recording_policy, start_timestamp, end_timestamp
		 FROM session_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			assocID    string
			dstHost    sql.NullString
			mode       string
			start, end string
		)
		if err := rows.Scan(&assocID, &e.ApplicationProtocol, &dstHost, &mode, &e.RecordingPolicy, &start, &end); err != nil {
			return nil, fmt.Errorf("scan session history: %w", err)
		}
		id, err := uuid.Parse(assocID)
		if err != nil {
			return nil, fmt.Errorf("bad association id %q: %w", assocID, err)
		}
		e.AssociationID = id
		if dstHost.Valid {
			e.DestinationHost = dstHost.String
		}
		e.ConnectionMode = token.ConnectionMode(mode)
		if e.StartTimestamp, err = time.Parse(time.RFC3339, start); err != nil {
			return nil, fmt.Errorf("bad start timestamp %q: %w", start, err)
		}
		if e.EndTimestamp, err = time.Parse(time.RFC3339, end); err != nil {
			return nil, fmt.Errorf("bad end timestamp %q: %w", end, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

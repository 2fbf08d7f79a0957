// Package objectstore is the durable, Postgres-backed implementation of
// the frontend's ObjectStore collaborator: the source of truth for
// per-agent certificates and clock/ping bookkeeping.
package objectstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"encore.app/frontend"

	"encore.dev/storage/sqldb"
)

var db = sqldb.Named("frontend_db")

// Store persists frontend.AgentRecord rows. Create is the only path that
// inserts a row; Get/Set only ever touch an existing one.
//
// Postgres for durability, an idempotent upsert on first contact, and
// the natural key (subject) as primary key since every lookup is by
// agent identity.
type Store struct {
	db *sqldb.Database
}

// New constructs a Store and ensures its schema exists.
func New() (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("objectstore: init schema: %w", err)
	}
	return s, nil
}

func init() {
	frontend.RegisterObjectStore(func() (frontend.ObjectStore, error) { return New() })
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_records (
			subject    TEXT PRIMARY KEY,
			cert       BYTEA NOT NULL,
			pub_key    BYTEA NOT NULL,
			clock      BIGINT NOT NULL DEFAULT 0,
			ping       TIMESTAMPTZ,
			client_ip  TEXT NOT NULL DEFAULT '',
			labels     JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// Create opens the agent record at key, inserting an empty placeholder
// row if none exists yet. ignoreCache has no effect here — every call
// reads Postgres directly; it exists on the interface for stores that
// layer a read-through cache in front of the durable table.
func (s *Store) Create(ctx context.Context, key frontend.AgentIdentity, ignoreCache bool) (*frontend.AgentRecord, error) {
	record, err := s.Get(ctx, key)
	if err == nil {
		return record, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO agent_records (subject, cert, pub_key, clock, client_ip, labels)
		VALUES ($1, '', '', 0, '', '[]')
		ON CONFLICT (subject) DO NOTHING
	`, string(key))
	if err != nil {
		return nil, fmt.Errorf("objectstore: create %s: %w", key, err)
	}

	return s.Get(ctx, key)
}

// Get reads the agent record at key. Returns sql.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, key frontend.AgentIdentity) (*frontend.AgentRecord, error) {
	var (
		record     frontend.AgentRecord
		ping       sql.NullTime
		labelsJSON []byte
	)
	record.Subject = key

	err := s.db.QueryRow(ctx, `
		SELECT cert, pub_key, clock, ping, client_ip, labels
		FROM agent_records WHERE subject = $1
	`, string(key)).Scan(&record.Cert, &record.PubKey, &record.Clock, &ping, &record.ClientIP, &labelsJSON)
	if err != nil {
		return nil, err
	}

	if ping.Valid {
		record.Ping = ping.Time
	}
	if len(labelsJSON) > 0 {
		if jerr := json.Unmarshal(labelsJSON, &record.Labels); jerr != nil {
			record.Labels = nil
		}
	}
	return &record, nil
}

// Set writes record back over the row at key.
func (s *Store) Set(ctx context.Context, key frontend.AgentIdentity, record *frontend.AgentRecord) error {
	labelsJSON, err := json.Marshal(record.Labels)
	if err != nil {
		return fmt.Errorf("objectstore: marshal labels: %w", err)
	}

	var ping any
	if !record.Ping.IsZero() {
		ping = record.Ping
	}

	_, err = s.db.Exec(ctx, `
		UPDATE agent_records
		SET cert = $2, pub_key = $3, clock = $4, ping = $5, client_ip = $6, labels = $7
		WHERE subject = $1
	`, string(key), record.Cert, record.PubKey, record.Clock, ping, record.ClientIP, labelsJSON)
	if err != nil {
		return fmt.Errorf("objectstore: set %s: %w", key, err)
	}
	return nil
}

// Flush is a no-op: every Set above commits synchronously to Postgres.
// sync is accepted to satisfy the ObjectStore interface for stores that
// buffer writes.
func (s *Store) Flush(ctx context.Context, key frontend.AgentIdentity, sync bool) error {
	return nil
}

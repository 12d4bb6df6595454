// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package record persists received events to a local sqlite file so a watch
// session can be replayed or inspected after the fact.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	camerrors "github.com/tombee/camwire/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	topic       TEXT NOT NULL,
	payload     TEXT NOT NULL,
	received_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
`

// Event is one recorded notification.
type Event struct {
	ID         int64
	Topic      string
	Payload    map[string]any
	ReceivedAt time.Time
}

// Store is an append-only event log backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the event log at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, camerrors.Wrap(err, "create record dir")
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, camerrors.Wrap(err, "open record store")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, camerrors.Wrap(err, "ping record store")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, camerrors.Wrap(err, "create record schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends one event. The payload is stored as JSON.
func (s *Store) Record(ctx context.Context, topic string, payload map[string]any, receivedAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return camerrors.Wrap(err, "encode event payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(topic, payload, received_at) VALUES (?, ?, ?)`,
		topic, string(raw), receivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return camerrors.Wrap(err, "record event")
	}
	return nil
}

// Events returns recorded events in arrival order. An empty topic matches
// all topics; limit <= 0 means no limit.
func (s *Store) Events(ctx context.Context, topic string, limit int) ([]Event, error) {
	query := `SELECT id, topic, payload, received_at FROM events`
	args := []any{}
	if topic != "" {
		query += ` WHERE topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, camerrors.Wrap(err, "query events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			rawJSON string
			rawTime string
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &rawJSON, &rawTime); err != nil {
			return nil, camerrors.Wrap(err, "scan event")
		}
		if err := json.Unmarshal([]byte(rawJSON), &ev.Payload); err != nil {
			return nil, camerrors.Wrap(err, "decode event payload")
		}
		if ev.ReceivedAt, err = time.Parse(time.RFC3339Nano, rawTime); err != nil {
			return nil, camerrors.Wrap(err, "parse event timestamp")
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

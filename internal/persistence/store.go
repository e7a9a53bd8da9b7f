// Package persistence implements the durable store for
// guaranteed-delivery messages and batch-by policy state (spec §2, §6).
//
// The teacher's internal/cloud/buffer.go establishes the
// Add/Get/Remove/Size/Close buffer shape backed by a JSON file; this
// package keeps its save/load/remove/close operations (it has no size
// query) but backs them with the relational schema
// spec §6 actually names (two tables, each with an explicit primary
// key), via database/sql + github.com/mattn/go-sqlite3.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"devicegateway/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS MESSAGES (
	TIMESTAMP   INTEGER NOT NULL,
	UUID        VARCHAR(40) PRIMARY KEY,
	ENDPOINT_ID VARCHAR(100) NOT NULL,
	MESSAGE     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_endpoint ON MESSAGES(ENDPOINT_ID);

CREATE TABLE IF NOT EXISTS BATCH_BY (
	TIMESTAMP   INTEGER NOT NULL,
	ENDPOINT_ID VARCHAR(40) NOT NULL,
	MESSAGE_ID  VARCHAR(40) PRIMARY KEY,
	MESSAGE     BLOB NOT NULL
);
`

// Store is the durable store for guaranteed-delivery messages
// (MESSAGES table) and batchBy policy accumulator state (BATCH_BY
// table), keyed by (endpointId, messageId) as spec §6 requires.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	mu     sync.Mutex // serializes persistence DB access, per spec §5 lock order
}

// Open opens (or creates) the SQLite-backed persistence store at path.
// Use ":memory:" for tests.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create schema: %w", err)
	}
	return &Store{logger: logger.Named("persistence"), db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage persists a guaranteed-delivery message keyed by its clientId (UUID).
func (s *Store) SaveMessage(endpointID string, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("persistence: marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO MESSAGES (TIMESTAMP, UUID, ENDPOINT_ID, MESSAGE) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), msg.ClientID, endpointID, data,
	)
	if err != nil {
		return fmt.Errorf("persistence: save message %s: %w", msg.ClientID, err)
	}
	return nil
}

// DeleteMessage removes a message once it has been delivered or its
// retries are exhausted.
func (s *Store) DeleteMessage(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM MESSAGES WHERE UUID = ?`, clientID)
	return err
}

// LoadPendingMessages returns every persisted guaranteed-delivery
// message for endpointID, e.g. to requeue them after a process restart
// (spec §8's cross-restart reliability property).
func (s *Store) LoadPendingMessages(endpointID string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT MESSAGE FROM MESSAGES WHERE ENDPOINT_ID = ? ORDER BY TIMESTAMP ASC`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("persistence: load pending messages: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("persistence: scan message: %w", err)
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping unparseable persisted message", zap.Error(err))
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// SaveBatchMessage persists a message accumulated by the batchBy
// policy function, keyed by (endpointId, messageId).
func (s *Store) SaveBatchMessage(endpointID, messageID string, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("persistence: marshal batch message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO BATCH_BY (TIMESTAMP, ENDPOINT_ID, MESSAGE_ID, MESSAGE) VALUES (?, ?, ?, ?)`,
		time.Now().UnixMilli(), endpointID, messageID, data,
	)
	return err
}

// LoadBatch returns every message accumulated for a batchBy bucket;
// it does not clear them (see ClearBatch).
func (s *Store) LoadBatch(endpointID string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT MESSAGE FROM BATCH_BY WHERE ENDPOINT_ID = ? ORDER BY TIMESTAMP ASC`, endpointID)
	if err != nil {
		return nil, fmt.Errorf("persistence: load batch: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("persistence: scan batch message: %w", err)
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// ClearBatch deletes every accumulated message for a batchBy bucket,
// e.g. once the batch has been flushed into an outbound message.
func (s *Store) ClearBatch(endpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM BATCH_BY WHERE ENDPOINT_ID = ?`, endpointID)
	return err
}

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore holds the gateway side tables: idempotency keys, the audit log,
// the mirrored escrow event log, disclosure keys and webhook subscriptions.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            request_id TEXT NOT NULL,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            participant TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS escrow_events (
            escrow_id INTEGER NOT NULL,
            seq INTEGER NOT NULL,
            type TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(escrow_id, seq)
        );`,
		`CREATE TABLE IF NOT EXISTS disclosure_keys (
            address TEXT PRIMARY KEY,
            public_key TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            escrow_id INTEGER NOT NULL,
            event_sequence INTEGER NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	RequestID      string
	APIKey         string
	Participant    string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(request_id, api_key, participant, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.RequestID, entry.APIKey, entry.Participant, entry.Method, entry.Path, entry.RequestBody, entry.ResponseStatus, entry.ResponseBody, entry.Timestamp)
	return err
}

// AuditCount returns the number of audit rows, used by health reporting.
func (s *SQLiteStore) AuditCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count)
	return count, err
}

// StoredEvent is one escrow event mirrored from the engine log.
type StoredEvent struct {
	EscrowID  uint64
	Sequence  uint64
	Type      string
	Payload   map[string]string
	CreatedAt time.Time
}

// InsertEvent mirrors an event. Rows are keyed by (escrow_id, seq) so
// redelivery is a no-op; the return value reports whether the row is new.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt StoredEvent) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO escrow_events(escrow_id, seq, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, stmt, evt.EscrowID, evt.Sequence, evt.Type, string(payloadJSON), evt.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListEvents returns the mirrored events of an escrow in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, escrowID uint64) ([]StoredEvent, error) {
	const query = `SELECT escrow_id, seq, type, payload, created_at FROM escrow_events WHERE escrow_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []StoredEvent
	for rows.Next() {
		var evt StoredEvent
		var payload string
		if err := rows.Scan(&evt.EscrowID, &evt.Sequence, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// PutDisclosureKey publishes or replaces the sealing key of an address.
func (s *SQLiteStore) PutDisclosureKey(ctx context.Context, address, publicKey string) error {
	const stmt = `INSERT INTO disclosure_keys(address, public_key, updated_at) VALUES (?, ?, ?) ON CONFLICT(address) DO UPDATE SET public_key = excluded.public_key, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, stmt, address, publicKey, time.Now().UTC())
	return err
}

// DisclosureKey returns the published key of address.
func (s *SQLiteStore) DisclosureKey(ctx context.Context, address string) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT public_key FROM disclosure_keys WHERE address = ?`, address).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

// WebhookSubscription describes a stored webhook endpoint.
type WebhookSubscription struct {
	ID        int64
	APIKey    string
	EventType string
	URL       string
	Secret    string
	RateLimit int
	Active    bool
	CreatedAt time.Time
}

// InsertWebhook registers a webhook subscription.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, stmt, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWebhooksForEvent returns subscriptions interested in a given event
// type. A subscription for "*" matches every type.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE event_type = ? OR event_type = '*'`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// WebhookAttempt captures a delivery attempt.
type WebhookAttempt struct {
	WebhookID     int64
	EscrowID      uint64
	EventSequence uint64
	Attempt       int
	Status        string
	Error         string
	NextAttempt   time.Time
	CreatedAt     time.Time
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *SQLiteStore) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, escrow_id, event_sequence, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.EscrowID, attempt.EventSequence, attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt)
	return err
}

// WebhookAttempts lists the attempts recorded for a subscription.
func (s *SQLiteStore) WebhookAttempts(ctx context.Context, webhookID int64) ([]WebhookAttempt, error) {
	const query = `SELECT webhook_id, escrow_id, event_sequence, attempt, status, COALESCE(error, ''), created_at FROM webhook_attempts WHERE webhook_id = ? ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookAttempt
	for rows.Next() {
		var a WebhookAttempt
		if err := rows.Scan(&a.WebhookID, &a.EscrowID, &a.EventSequence, &a.Attempt, &a.Status, &a.Error, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

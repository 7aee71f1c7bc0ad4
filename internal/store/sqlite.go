package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bridgecore/genesis/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added UNIQUE constraint on events.watermark
const currentSchemaVersion = 1

// SQLite is the durable Store backend.
// Uses SQLite with WAL mode for concurrent read access.
type SQLite struct {
	db        *sql.DB
	dedupeTTL time.Duration
	now       func() time.Time
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithDedupeTTL overrides the dedupe record lifetime
// (default DefaultDedupeTTL, 24h).
func WithDedupeTTL(ttl time.Duration) Option {
	return func(s *SQLite) {
		s.dedupeTTL = ttl
	}
}

// WithClock overrides the time source. Used by tests to advance past
// dedupe expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *SQLite) {
		s.now = now
	}
}

// Open creates or opens a SQLite event store at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - a single connection, which serializes writers and therefore
//     watermark assignment
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// avoids SQLITE_BUSY and doubles as the watermark critical section.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{
		db:        db,
		dedupeTTL: DefaultDedupeTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordEvent implements Store. The dedupe re-check, dedupe claim,
// watermark assignment, and log append run in one transaction; partial
// writes cannot be observed. The single-connection pool serializes
// concurrent callers, so watermarks never collide.
func (s *SQLite) RecordEvent(ctx context.Context, ev event.Event) (RecordResult, error) {
	payloadJSON, err := marshalPayload(ev.Payload)
	if err != nil {
		return RecordResult{}, fmt.Errorf("record event: %w", err)
	}

	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RecordResult{}, fmt.Errorf("record event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Expire stale dedupe records before checking the key.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dedupe WHERE expires_at <= ?`, now.UnixNano(),
	); err != nil {
		return RecordResult{}, fmt.Errorf("record event: expire dedupe: %w", err)
	}

	if ev.DedupeKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT event_id FROM dedupe WHERE dedupe_key = ?`, ev.DedupeKey,
		).Scan(&existing)
		switch {
		case err == nil:
			// Key already claimed inside the TTL window: quiet no-op.
			if err := tx.Commit(); err != nil {
				return RecordResult{}, fmt.Errorf("record event: commit (duplicate): %w", err)
			}
			return RecordResult{Duplicate: true}, nil
		case err != sql.ErrNoRows:
			return RecordResult{}, fmt.Errorf("record event: dedupe check: %w", err)
		}
	}

	var watermark int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(watermark), 0) + 1 FROM events`,
	).Scan(&watermark); err != nil {
		return RecordResult{}, fmt.Errorf("record event: next watermark: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(id, ts, topic, source, kind, correlation_id, causation_id, schema_version, payload, watermark)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.Timestamp.UnixNano(),
		ev.Topic,
		ev.Source,
		string(ev.Kind),
		nullable(ev.CorrelationID),
		nullable(ev.CausationID),
		ev.SchemaVersion,
		payloadJSON,
		watermark,
	); err != nil {
		return RecordResult{}, fmt.Errorf("record event: insert: %w", err)
	}

	if ev.DedupeKey != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dedupe (dedupe_key, event_id, first_seen, expires_at)
			VALUES (?, ?, ?, ?)
		`,
			ev.DedupeKey,
			ev.ID,
			now.UnixNano(),
			now.Add(s.dedupeTTL).UnixNano(),
		); err != nil {
			return RecordResult{}, fmt.Errorf("record event: claim dedupe key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return RecordResult{}, fmt.Errorf("record event: commit: %w", err)
	}

	return RecordResult{Accepted: true, Watermark: watermark}, nil
}

// IsDuplicate implements Store.
func (s *SQLite) IsDuplicate(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dedupe
		WHERE dedupe_key = ? AND expires_at > ?
	`, key, s.now().UnixNano()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return count > 0, nil
}

// Events implements Store. Results are ordered by watermark ASC and
// bounded by q.Limit (DefaultQueryLimit when unset), so callers can page
// by resuming from the last watermark seen.
func (s *SQLite) Events(ctx context.Context, q Query) ([]event.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	query := `
		SELECT id, ts, topic, source, kind, correlation_id, causation_id, schema_version, payload, watermark
		FROM events WHERE 1=1`
	var args []any

	if q.TopicPattern != "" {
		// Same pattern grammar as subscriptions: exact, or a trailing
		// '%' prefix wildcard. '_' is a legal topic character, not the
		// SQL single-character wildcard, so the prefix is escaped before
		// it reaches LIKE and exact patterns use plain equality.
		if prefix, ok := strings.CutSuffix(q.TopicPattern, "%"); ok {
			query += ` AND topic LIKE ? ESCAPE '\'`
			args = append(args, escapeLike(prefix)+"%")
		} else {
			query += ` AND topic = ?`
			args = append(args, q.TopicPattern)
		}
	}
	if q.FromWatermark > 0 {
		query += ` AND watermark >= ?`
		args = append(args, q.FromWatermark)
	}
	if q.ToWatermark > 0 {
		query += ` AND watermark <= ?`
		args = append(args, q.ToWatermark)
	}
	if !q.After.IsZero() {
		query += ` AND ts > ?`
		args = append(args, q.After.UnixNano())
	}

	query += ` ORDER BY watermark ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Return empty slice instead of nil
	if events == nil {
		events = []event.Event{}
	}
	return events, nil
}

// EventByID implements Store.
func (s *SQLite) EventByID(ctx context.Context, id string) (event.Event, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, topic, source, kind, correlation_id, causation_id, schema_version, payload, watermark
		FROM events WHERE id = ?
	`, id)
	if err != nil {
		return event.Event{}, false, fmt.Errorf("event by id: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return event.Event{}, false, fmt.Errorf("event by id: %w", err)
		}
		return event.Event{}, false, nil
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return event.Event{}, false, err
	}
	return ev, true, nil
}

// Watermark implements Store.
func (s *SQLite) Watermark(ctx context.Context) (int64, error) {
	var w int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(watermark), 0) FROM events`,
	).Scan(&w); err != nil {
		return 0, fmt.Errorf("get watermark: %w", err)
	}
	return w, nil
}

// RecordDeadLetter implements Store.
func (s *SQLite) RecordDeadLetter(ctx context.Context, d DeadLetter) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (event_id, topic, handler, error, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.EventID, d.Topic, d.Handler, d.Error, createdAt.UnixNano()); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns recorded handler failures, oldest first.
// Used for diagnostics and tests.
func (s *SQLite) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, topic, handler, error, created_at
		FROM dead_letters ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var createdAt int64
		if err := rows.Scan(&d.EventID, &d.Topic, &d.Handler, &d.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	if out == nil {
		out = []DeadLetter{}
	}
	return out, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the UNIQUE index on events.watermark for databases
// created before v1. New databases get this from the schema.sql UNIQUE
// constraint.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_watermark_unique
		ON events(watermark)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s safe inside a LIKE pattern with ESCAPE '\':
// '%', '_' and the escape character itself become literals.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// scanner is satisfied by *sql.Rows and *sql.Row.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (event.Event, error) {
	var ev event.Event
	var ts int64
	var kind, payloadJSON string
	var correlationID, causationID sql.NullString

	if err := row.Scan(
		&ev.ID, &ts, &ev.Topic, &ev.Source, &kind,
		&correlationID, &causationID, &ev.SchemaVersion, &payloadJSON, &ev.Watermark,
	); err != nil {
		return event.Event{}, fmt.Errorf("scan event: %w", err)
	}

	ev.Timestamp = time.Unix(0, ts).UTC()
	ev.Kind = event.Kind(kind)
	ev.CorrelationID = correlationID.String
	ev.CausationID = causationID.String

	payload, err := unmarshalPayload(payloadJSON)
	if err != nil {
		return event.Event{}, err
	}
	ev.Payload = payload

	return ev, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

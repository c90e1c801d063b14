package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/sttgate/internal/config"
	_ "modernc.org/sqlite"
)

// Decision is one recorded timeline entry: a decided turn or a shadow
// comparison. Payload holds the JSON outcome.
type Decision struct {
	ID            int64
	StreamID      string
	CorrelationID string
	TenantID      string
	Kind          string
	Accepted      bool
	ReasonCode    string
	Payload       []byte
	Privacy       string
	CreatedAt     time.Time
}

// ReasonCount is one row of a reason histogram.
type ReasonCount struct {
	ReasonCode string `json:"reason_code"`
	Count      int    `json:"count"`
}

// Store wraps a SQLite-backed decision timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS streams (
    stream_id TEXT PRIMARY KEY,
    tenant_id TEXT,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL,
    correlation_id TEXT,
    tenant_id TEXT,
    kind TEXT NOT NULL,
    accepted INTEGER NOT NULL,
    reason_code TEXT,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(stream_id) REFERENCES streams(stream_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decisions_stream_created ON decisions(stream_id, created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_reason ON decisions(reason_code, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Persistent reports whether decisions are written anywhere.
func (s *Store) Persistent() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Record appends a decision, creating its stream row on first sight.
func (s *Store) Record(ctx context.Context, d Decision) error {
	if !s.Persistent() {
		return nil
	}
	if d.StreamID == "" {
		return errors.New("decision stream id must not be empty")
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO streams(stream_id, tenant_id, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(stream_id) DO UPDATE SET tenant_id=excluded.tenant_id, privacy_scope=excluded.privacy_scope`,
		d.StreamID, d.TenantID, d.Privacy, d.CreatedAt)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO decisions(stream_id, correlation_id, tenant_id, kind, accepted, reason_code, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.StreamID, d.CorrelationID, d.TenantID, d.Kind, d.Accepted, d.ReasonCode, d.Payload, d.Privacy, d.CreatedAt)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// ListStreamDecisions retrieves up to limit decisions for a stream ordered
// ascending by time.
func (s *Store) ListStreamDecisions(ctx context.Context, streamID string, limit int) ([]Decision, error) {
	if !s.Persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_id, correlation_id, tenant_id, kind, accepted, reason_code, payload, privacy_scope, created_at
		 FROM decisions WHERE stream_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, streamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var created string
		if err := rows.Scan(&d.ID, &d.StreamID, &d.CorrelationID, &d.TenantID, &d.Kind, &d.Accepted, &d.ReasonCode, &d.Payload, &d.Privacy, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			d.CreatedAt = ts
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReasonHistogram counts rejected decisions per reason since the given time,
// most frequent first.
func (s *Store) ReasonHistogram(ctx context.Context, since time.Time) ([]ReasonCount, error) {
	if !s.Persistent() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason_code, COUNT(*) FROM decisions
		 WHERE accepted = 0 AND reason_code != '' AND created_at >= ?
		 GROUP BY reason_code ORDER BY COUNT(*) DESC, reason_code ASC`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReasonCount
	for rows.Next() {
		var rc ReasonCount
		if err := rows.Scan(&rc.ReasonCode, &rc.Count); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.Persistent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM decisions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM streams WHERE stream_id IN (
			SELECT stream_id FROM streams ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

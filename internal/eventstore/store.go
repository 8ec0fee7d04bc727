package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/voiceguard/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a detection id is unknown.
var ErrNotFound = errors.New("detection not found")

// Detection is one recorded classification.
type Detection struct {
	ID              int64              `json:"-"`
	RequestID       string             `json:"request_id"`
	Source          string             `json:"source"`
	Classification  string             `json:"classification"`
	Confidence      float64            `json:"confidence"`
	Language        string             `json:"language,omitempty"`
	Explanation     []string           `json:"explanation"`
	Features        map[string]float64 `json:"features,omitempty"`
	DurationSeconds float64            `json:"duration_seconds"`
	Degenerate      bool               `json:"degenerate"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Store wraps a SQLite-backed detection history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", cfg.Path)
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
CREATE TABLE IF NOT EXISTS detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL UNIQUE,
    source TEXT,
    classification TEXT NOT NULL,
    confidence REAL NOT NULL,
    language TEXT,
    explanation TEXT,
    features TEXT,
    duration_seconds REAL,
    degenerate INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_created ON detections(created_at);
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Append records a detection. Features are only kept when store_features is set.
func (s *Store) Append(ctx context.Context, d Detection) error {
	if s.disabled() {
		return nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock().UTC()
	}
	explanation, err := json.Marshal(d.Explanation)
	if err != nil {
		return fmt.Errorf("encode explanation: %w", err)
	}
	var feats []byte
	if s.cfg.StoreFeatures && d.Features != nil {
		if feats, err = json.Marshal(d.Features); err != nil {
			return fmt.Errorf("encode features: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO detections(request_id, source, classification, confidence, language, explanation, features, duration_seconds, degenerate, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.Source, d.Classification, d.Confidence, d.Language, string(explanation), nullableText(feats), d.DurationSeconds, d.Degenerate, d.CreatedAt.UTC())
	return err
}

// ListRecent returns up to limit detections, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Detection, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, source, classification, confidence, language, explanation, features, duration_seconds, degenerate, created_at
		 FROM detections ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get looks up a detection by request id.
func (s *Store) Get(ctx context.Context, requestID string) (Detection, error) {
	if s.disabled() {
		return Detection{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, source, classification, confidence, language, explanation, features, duration_seconds, degenerate, created_at
		 FROM detections WHERE request_id = ?`, requestID)
	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Detection{}, ErrNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDetection(sc scanner) (Detection, error) {
	var (
		d                     Detection
		source, lang          sql.NullString
		explanation, features sql.NullString
		duration              sql.NullFloat64
		created               string
	)
	if err := sc.Scan(&d.ID, &d.RequestID, &source, &d.Classification, &d.Confidence, &lang, &explanation, &features, &duration, &d.Degenerate, &created); err != nil {
		return Detection{}, err
	}
	d.Source = source.String
	d.Language = lang.String
	d.DurationSeconds = duration.Float64
	if explanation.Valid && explanation.String != "" {
		if err := json.Unmarshal([]byte(explanation.String), &d.Explanation); err != nil {
			return Detection{}, fmt.Errorf("decode explanation: %w", err)
		}
	}
	if features.Valid && features.String != "" {
		if err := json.Unmarshal([]byte(features.String), &d.Features); err != nil {
			return Detection{}, fmt.Errorf("decode features: %w", err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		d.CreatedAt = ts
	}
	return d, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM detections WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM detections WHERE id IN (
			SELECT id FROM detections ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

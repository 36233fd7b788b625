package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS frames (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  received_at TEXT    NOT NULL,
  run         TEXT    NOT NULL DEFAULT '',
  source      TEXT    NOT NULL DEFAULT '',
  seq         INTEGER NOT NULL,
  frame       INTEGER NOT NULL,
  ch0 INTEGER NOT NULL, ch1 INTEGER NOT NULL, ch2 INTEGER NOT NULL, ch3 INTEGER NOT NULL,
  ch4 INTEGER NOT NULL, ch5 INTEGER NOT NULL, ch6 INTEGER NOT NULL, ch7 INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_frames_received_at ON frames(received_at);
CREATE INDEX IF NOT EXISTS idx_frames_run ON frames(run);
`

const insertFrame = `INSERT INTO frames
  (received_at, run, source, seq, frame, ch0, ch1, ch2, ch3, ch4, ch5, ch6, ch7)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLite records raw frames, one transaction per batch. Every open starts a new run so
// several recordings can share one file.
type SQLite struct {
	db     *sql.DB
	run    string
	source string
	logger *logrus.Logger
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is accepted.
func OpenSQLite(path, source string, logger *logrus.Logger) (*SQLite, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}
	s := &SQLite{db: db, run: uuid.NewString(), source: source, logger: logger}
	logger.WithFields(logrus.Fields{"path": path, "run": s.run}).Info("Recording frames")
	return s, nil
}

// Write implements Sink.
func (s *SQLite) Write(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertFrame)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range frames {
		c := f.Channels
		_, err := stmt.ExecContext(ctx,
			f.ReceivedAt.UTC().Format(time.RFC3339Nano), s.run, s.source, int(f.Seq), f.Index,
			c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7])
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert frame: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.WithField("frames", len(frames)).Debug("Recorded frames")
	return nil
}

// Run returns the identifier stored with every frame written through s.
func (s *SQLite) Run() string { return s.run }

// Count returns the number of recorded frames.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

// Close implements Sink.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}
	if path == ":memory:" {
		return path, nil
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Package journal persists job outcomes to a sqlite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/swserver/internal/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Outcome is how a job ended.
type Outcome string

const (
	OutcomeResolved     Outcome = "resolved"
	OutcomeRejected     Outcome = "rejected"
	OutcomeUnregistered Outcome = "unregistered"
	OutcomeNotFound     Outcome = "not_found"
)

// Entry is one journal row.
type Entry struct {
	ID             int64     `json:"id"`
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	TopOrigin      string    `json:"top_origin"`
	ScopeURL       string    `json:"scope_url"`
	ScriptURL      string    `json:"script_url,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Message        string    `json:"message,omitempty"`
	RegistrationID uint64    `json:"registration_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Journal is a sqlite-backed job log.
type Journal struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and applies migrations.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	log.Debug(log.CatDB, "Opening journal", "path", path)
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info(log.CatDB, "Journal ready", "path", path)
	return &Journal{db: db, path: path}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Record appends e. CreatedAt defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO job_journal
			(job_id, job_type, top_origin, scope_url, script_url, outcome, error_kind, message, registration_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.JobType, e.TopOrigin, e.ScopeURL, e.ScriptURL, string(e.Outcome),
		e.ErrorKind, e.Message, int64(e.RegistrationID), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.JobID, err)
	}
	return nil
}

// List returns up to limit entries, newest first. A limit <= 0 returns 100.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, job_id, job_type, top_origin, scope_url, script_url, outcome, error_kind, message, registration_id, created_at
		FROM job_journal
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var outcome string
		var regID, createdAt int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.TopOrigin, &e.ScopeURL, &e.ScriptURL,
			&outcome, &e.ErrorKind, &e.Message, &regID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.RegistrationID = uint64(regID)
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

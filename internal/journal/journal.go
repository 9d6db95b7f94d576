// Package journal persists terminal forward outcomes to sqlite so
// the operator can inspect what was delivered and what was dropped.
// Only outcome metadata is stored, never message bodies.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mixelka/tginbox/pkg/models"
)

// Journal wraps sqlx.DB
type Journal struct {
	*sqlx.DB
}

// New opens the journal database, creating the directory if needed
func New(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// WAL mode so session goroutines recording outcomes do not block
	// each other
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{db}, nil
}

// Migrate runs database migrations
func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Record inserts one terminal forward outcome
func (j *Journal) Record(ctx context.Context, rec models.ForwardRecord) error {
	_, err := j.ExecContext(ctx, `
		INSERT INTO forward_log (address, chat_id, sender, subject, status, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Address, rec.ChatID, rec.Sender, rec.Subject, rec.Status, rec.Attempts, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record forward outcome: %w", err)
	}
	return nil
}

// Recent returns the latest n forward outcomes, newest first
func (j *Journal) Recent(ctx context.Context, n int) ([]models.ForwardRecord, error) {
	var records []models.ForwardRecord
	err := j.SelectContext(ctx, &records, `
		SELECT id, address, chat_id, sender, subject, status, attempts, error, created_at
		FROM forward_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query forward log: %w", err)
	}
	return records, nil
}

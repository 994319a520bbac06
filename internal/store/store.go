// Package store persists segmentation snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getcharzp/go-medseg/medsam"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes.
const schemaVersion = 1

var (
	// ErrNotFound indicates no segmentation with the given id.
	ErrNotFound = errors.New("segmentation not found")
	// ErrSchemaMismatch indicates the database was created by another schema version.
	ErrSchemaMismatch = errors.New("schema version mismatch")
)

// SegMask is one saved mask slot.
type SegMask struct {
	Name    string      `json:"name"`
	Color   string      `json:"color"`
	Visible bool        `json:"visible"`
	Mask    medsam.Mask `json:"mask"`
	Shape   []int64     `json:"shape"`
}

// Segmentation is a saved snapshot of an image and its masks.
type Segmentation struct {
	SID         string    `json:"sid"`
	UID         string    `json:"uid"`
	PID         string    `json:"pid"`
	Model       string    `json:"model"`
	UploadImage string    `json:"uploadimage"`
	OrigImSize  [2]int    `json:"origimsize"`
	Masks       []SegMask `json:"masks"`
	CreatedAt   time.Time `json:"createdat"`
}

// Validate rejects snapshots whose masks do not match the image size.
func (s *Segmentation) Validate() error {
	h, w := s.OrigImSize[0], s.OrigImSize[1]
	if h <= 0 || w <= 0 {
		return fmt.Errorf("origimsize %v is invalid", s.OrigImSize)
	}
	for i, m := range s.Masks {
		if len(m.Mask) != h*w {
			return fmt.Errorf("mask %d has %d values, want %d", i, len(m.Mask), h*w)
		}
	}
	return nil
}

// Store manages snapshot persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the snapshot database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Create inserts a snapshot and fills in its id and creation time.
func (s *Store) Create(ctx context.Context, seg *Segmentation) error {
	if err := seg.Validate(); err != nil {
		return err
	}
	masks, err := json.Marshal(seg.Masks)
	if err != nil {
		return fmt.Errorf("encode masks: %w", err)
	}
	seg.SID = uuid.NewString()
	seg.CreatedAt = time.Now().UTC()

	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO segmentations (sid, uid, pid, model, upload_image, orig_h, orig_w, masks, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.SID, seg.UID, seg.PID, seg.Model, seg.UploadImage,
			seg.OrigImSize[0], seg.OrigImSize[1], string(masks),
			seg.CreatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
}

// Get returns one snapshot.
func (s *Store) Get(ctx context.Context, sid string) (*Segmentation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sid, uid, pid, model, upload_image, orig_h, orig_w, masks, created_at
         FROM segmentations WHERE sid = ?`, sid)
	seg, err := scanSegmentation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return seg, err
}

// List returns snapshots newest first, optionally filtered by patient id.
func (s *Store) List(ctx context.Context, pid string) ([]*Segmentation, error) {
	query := `SELECT sid, uid, pid, model, upload_image, orig_h, orig_w, masks, created_at FROM segmentations`
	var args []any
	if pid != "" {
		query += " WHERE pid = ?"
		args = append(args, pid)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list segmentations: %w", err)
	}
	defer rows.Close()

	out := []*Segmentation{}
	for rows.Next() {
		seg, err := scanSegmentation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSegmentation(row scanner) (*Segmentation, error) {
	var (
		seg       Segmentation
		masks     string
		createdAt string
	)
	if err := row.Scan(&seg.SID, &seg.UID, &seg.PID, &seg.Model, &seg.UploadImage,
		&seg.OrigImSize[0], &seg.OrigImSize[1], &masks, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(masks), &seg.Masks); err != nil {
		return nil, fmt.Errorf("decode masks of %s: %w", seg.SID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", seg.SID, err)
	}
	seg.CreatedAt = t
	return &seg, nil
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

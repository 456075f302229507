// Package sqlite implements storage.RosterStore on SQLite (modernc.org/sqlite,
// no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/castlist/internal/storage"
	"github.com/scrypster/castlist/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const timeLayout = time.RFC3339Nano

// RosterStore implements storage.RosterStore using SQLite.
type RosterStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRosterStore opens the database at dsn (a path, "file:" URI or
// ":memory:"), configures WAL mode and applies pending migrations.
func NewRosterStore(dsn string, logger *zap.Logger) (*RosterStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer; a single connection serialises writes and
	// keeps an in-memory database alive for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", pragma, err)
		}
	}

	files, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to open embedded migrations: %w", err)
	}
	mgr, err := storage.NewMigrationManager(db, files)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	if err := mgr.Up(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}

	logger.Debug("roster store opened", zap.String("dsn", dsn))
	return &RosterStore{db: db, logger: logger}, nil
}

// SaveRoster implements storage.RosterStore. The previous roster is replaced
// in a single transaction.
func (s *RosterStore) SaveRoster(ctx context.Context, session string, chars []*types.Character) error {
	if strings.TrimSpace(session) == "" {
		return fmt.Errorf("%w: session is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE session = ?`, session); err != nil {
		return fmt.Errorf("failed to clear roster: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO characters (
			session, name, position, aliases, description, physical, personality,
			background, relationships, confidence, ignored, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, c := range chars {
		if c == nil || strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: character %d has no name", storage.ErrInvalidInput, i)
		}
		aliases, err := encodeList(c.Aliases)
		if err != nil {
			return err
		}
		relationships, err := encodeList(c.Relationships)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			session, c.Name, i, aliases, c.Description, c.Physical, c.Personality,
			c.Background, relationships, c.Confidence, c.Ignored, c.LastUpdated.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("failed to save character %q: %w", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit roster: %w", err)
	}
	s.logger.Debug("roster saved", zap.String("session", session), zap.Int("characters", len(chars)))
	return nil
}

const selectColumns = `name, aliases, description, physical, personality, background,
	relationships, confidence, ignored, last_updated`

// LoadRoster implements storage.RosterStore.
func (s *RosterStore) LoadRoster(ctx context.Context, session string) ([]*types.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM characters WHERE session = ? ORDER BY position`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chars := []*types.Character{}
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roster: %w", err)
	}
	return chars, nil
}

// GetCharacter implements storage.RosterStore.
func (s *RosterStore) GetCharacter(ctx context.Context, session, name string) (*types.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM characters WHERE session = ? AND name = ?`, session, name)
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListSessions implements storage.RosterStore.
func (s *RosterStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session FROM characters ORDER BY session`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []string
	for rows.Next() {
		var session string
		if err := rows.Scan(&session); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// DeleteRoster implements storage.RosterStore.
func (s *RosterStore) DeleteRoster(ctx context.Context, session string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE session = ?`, session)
	if err != nil {
		return fmt.Errorf("failed to delete roster: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *RosterStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row scanner) (*types.Character, error) {
	var (
		c                      types.Character
		aliases, relationships string
		lastUpdated            string
	)
	err := row.Scan(&c.Name, &aliases, &c.Description, &c.Physical, &c.Personality, &c.Background,
		&relationships, &c.Confidence, &c.Ignored, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan character: %w", err)
	}

	if c.Aliases, err = decodeList(aliases); err != nil {
		return nil, fmt.Errorf("character %q: bad aliases: %w", c.Name, err)
	}
	if c.Relationships, err = decodeList(relationships); err != nil {
		return nil, fmt.Errorf("character %q: bad relationships: %w", c.Name, err)
	}
	if c.LastUpdated, err = time.Parse(timeLayout, lastUpdated); err != nil {
		return nil, fmt.Errorf("character %q: bad timestamp: %w", c.Name, err)
	}
	return &c, nil
}

func encodeList(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(data string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

var _ storage.RosterStore = (*RosterStore)(nil)

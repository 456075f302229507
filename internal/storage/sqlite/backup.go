package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Backup writes a consistent copy of the database to dest with VACUUM INTO,
// which is safe while the store is open in WAL mode, and then runs an
// integrity check on the copy. dest must not exist.
func (s *RosterStore) Backup(ctx context.Context, dest string) error {
	if strings.TrimSpace(dest) == "" {
		return errors.New("backup destination is required")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup destination %s already exists", dest)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}
	if err := VerifyBackup(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return err
	}

	s.logger.Info("roster backup written", zap.String("path", dest))
	return nil
}

// VerifyBackup opens the database at path read-only and runs SQLite's
// integrity_check pragma.
func VerifyBackup(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Package migrator applies the SQL files in db/migrations in lexical order,
// once each, recording a checksum so edited migrations are detected.
package migrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrChecksumMismatch is returned when an applied migration file was modified.
var ErrChecksumMismatch = errors.New("migration has been modified")

type Migrator struct {
	pool          *pgxpool.Pool
	migrationsDir string
	logger        *slog.Logger
}

func New(pool *pgxpool.Pool, migrationsDir string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		pool:          pool,
		migrationsDir: migrationsDir,
		logger:        logger.With("component", "migrator"),
	}
}

// ApplyAll applies every pending migration and verifies the applied ones.
// It returns the names of the migrations it applied.
func (m *Migrator) ApplyAll(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	files, err := MigrationFiles(m.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get migration files: %w", err)
	}

	var newlyApplied []string
	for _, filename := range files {
		checksum, err := m.checksum(filename)
		if err != nil {
			return newlyApplied, err
		}

		if stored, ok := applied[filename]; ok {
			if stored != "" && stored != checksum {
				return newlyApplied, fmt.Errorf("%s: %w (expected checksum %s, got %s)",
					filename, ErrChecksumMismatch, stored, checksum)
			}
			continue
		}

		if err := m.applyMigration(ctx, filename, checksum); err != nil {
			return newlyApplied, fmt.Errorf("failed to apply migration %s: %w", filename, err)
		}
		newlyApplied = append(newlyApplied, filename)
	}

	return newlyApplied, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]string, error) {
	rows, err := m.pool.Query(ctx, "SELECT filename, COALESCE(checksum, '') FROM migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, err
		}
		applied[filename] = checksum
	}

	return applied, rows.Err()
}

// MigrationFiles returns the .sql files of dir in the order they apply.
func MigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if strings.HasPrefix(entry.Name(), "README") {
			continue
		}
		files = append(files, entry.Name())
	}

	sort.Strings(files)

	return files, nil
}

func (m *Migrator) checksum(filename string) (string, error) {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, filename))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(content)), nil
}

func (m *Migrator) applyMigration(ctx context.Context, filename, checksum string) error {
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, filename))
	if err != nil {
		return err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			m.logger.Warn("failed to rollback migration", "file", filename, "error", err)
		}
	}()

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO migrations (filename, checksum) VALUES ($1, $2)",
		filename, checksum)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	m.logger.Info("applied migration", "file", filename, "checksum", checksum[:8])
	return nil
}

func (m *Migrator) ListApplied(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx,
		"SELECT filename FROM migrations ORDER BY applied_at ASC, filename ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []string
	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, err
		}
		migrations = append(migrations, filename)
	}

	return migrations, rows.Err()
}

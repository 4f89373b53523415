//go:build integration

package migrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/archon-research/dca/db/migrator"
	"github.com/archon-research/dca/internal/testutil"
)

func TestApplyAll_Integration_Idempotent(t *testing.T) {
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()
	ctx := context.Background()

	m := migrator.New(pool, testutil.MigrationsDir(), testutil.DiscardLogger())
	first, err := m.ApplyAll(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected migrations to be applied on an empty database")
	}

	second, err := m.ApplyAll(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("expected nothing to apply on rerun, got %v", second)
	}

	applied, err := m.ListApplied(ctx)
	if err != nil {
		t.Fatalf("list applied: %v", err)
	}
	if len(applied) != len(first) {
		t.Errorf("expected %d recorded migrations, got %v", len(first), applied)
	}

	for _, table := range []string{"escrow", "escrow_payout", "escrow_event", "deposit_funding"} {
		var exists bool
		err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists)
		if err != nil || !exists {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestApplyAll_Integration_ChecksumMismatch(t *testing.T) {
	dsn, cleanup := testutil.StartPostgres(t)
	defer cleanup()
	pool := testutil.ConnectPool(t, dsn)
	defer pool.Close()
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "001_test.sql")
	if err := os.WriteFile(path, []byte("CREATE TABLE t (id INT);"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := migrator.New(pool, dir, testutil.DiscardLogger())
	if _, err := m.ApplyAll(ctx); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := os.WriteFile(path, []byte("CREATE TABLE t (id BIGINT);"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := m.ApplyAll(ctx); !errors.Is(err, migrator.ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

package migrator

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestMigrationFiles_SortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "README.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := MigrationFiles(dir)
	if err != nil {
		t.Fatalf("MigrationFiles: %v", err)
	}
	want := []string{"001_a.sql", "002_b.sql"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestMigrationFiles_RepositoryMigrations(t *testing.T) {
	files, err := MigrationFiles("../migrations")
	if err != nil {
		t.Fatalf("MigrationFiles: %v", err)
	}
	if len(files) == 0 || files[0] != "001_escrow.sql" {
		t.Errorf("files = %v, want 001_escrow.sql first", files)
	}
}

func TestMigrationFiles_MissingDir(t *testing.T) {
	if _, err := MigrationFiles(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

package dbopen

import (
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func TestOpenMemoryAppliesPragmas(t *testing.T) {
	db := OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", fk)
	}
}

func TestWithSchema(t *testing.T) {
	db := OpenMemory(t, WithSchema("CREATE TABLE things (id TEXT PRIMARY KEY)"))

	if _, err := db.Exec("INSERT INTO things (id) VALUES ('a')"); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdir: %v", err)
	}
	db.Close()
}

func TestOpenBadDriver(t *testing.T) {
	if _, err := Open(":memory:", WithDriver("no-such-driver")); err == nil {
		t.Fatal("expected error for unregistered driver")
	}
}

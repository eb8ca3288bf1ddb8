package gormsqlite

import (
	"strings"
	"testing"
)

func TestBuildDSNIncludesPerConnectionPragmas(t *testing.T) {
	reader := buildDSN("./db.sqlite", true)
	writer := buildDSN("./db.sqlite", false)

	checks := []string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_pragma=trusted_schema(OFF)",
	}
	for _, c := range checks {
		if !strings.Contains(reader, c) {
			t.Fatalf("reader dsn missing %q: %s", c, reader)
		}
		if !strings.Contains(writer, c) {
			t.Fatalf("writer dsn missing %q: %s", c, writer)
		}
	}

	if !strings.Contains(reader, "_pragma=query_only(1)") {
		t.Fatalf("reader dsn missing query_only(1): %s", reader)
	}
	if !strings.Contains(writer, "_pragma=query_only(0)") {
		t.Fatalf("writer dsn missing query_only(0): %s", writer)
	}
}

func TestBuildDSNKeepsExistingQuery(t *testing.T) {
	dsn := buildDSN("file:test.db?mode=rwc", false)
	if !strings.HasPrefix(dsn, "file:test.db?mode=rwc&_pragma=") {
		t.Fatalf("unexpected dsn: %s", dsn)
	}
	if !strings.Contains(dsn, "_txlock=immediate") {
		t.Fatalf("writer dsn should take the write lock on begin: %s", dsn)
	}
	if strings.Contains(buildDSN("db.sqlite", true), "_txlock") {
		t.Fatalf("reader dsn must not request immediate transactions")
	}
}

func TestOpenAppliesPragmasToEveryConnection(t *testing.T) {
	db, err := Open(t.TempDir() + "/p.sqlite")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.R.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("expected wal, got %q", mode)
	}
	if err := db.R.Exec("CREATE TABLE nope (id INTEGER)").Error; err == nil {
		t.Fatalf("reader pool must be query only")
	}
	if err := db.W.Exec("CREATE TABLE yes (id INTEGER)").Error; err != nil {
		t.Fatalf("writer create: %v", err)
	}
}

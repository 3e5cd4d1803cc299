package migrate

import (
	"strings"
	"testing"

	"scrumbringer/internal/db"
)

func TestSplitStatements(t *testing.T) {
	script := `-- schema
CREATE TABLE a (
    id INTEGER PRIMARY KEY
);

-- trailing comment only
CREATE INDEX idx_a ON a(id);
-- done
`
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("statements: got %d, want 2: %q", len(stmts), stmts)
	}
	if !strings.HasSuffix(stmts[1], "CREATE INDEX idx_a ON a(id)") {
		t.Fatalf("second statement: %q", stmts[1])
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version: got %d, want 1", version)
	}
}

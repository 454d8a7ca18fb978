package state

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/iamtxena/trade-nexus-sub001/db/migrations"
)

func TestListMigrationFilesOrdersAndFilters(t *testing.T) {
	fixture := fstest.MapFS{
		"0003_audit.sql":          {Data: []byte("--")},
		"0001_core.sql":           {Data: []byte("--")},
		"README.md":               {Data: []byte("docs, not a migration")},
		"0002_retry.sql":          {Data: []byte("--")},
		"archive/0099_legacy.sql": {Data: []byte("nested files are skipped")},
	}

	got, err := listMigrationFiles(fixture)
	if err != nil {
		t.Fatalf("listMigrationFiles: %v", err)
	}
	want := []string{"0001_core.sql", "0002_retry.sql", "0003_audit.sql"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEmbeddedMigrationsCoverCoreTables(t *testing.T) {
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		t.Fatalf("listMigrationFiles on embedded fs: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no embedded migrations found")
	}

	var all strings.Builder
	for _, f := range files {
		b, err := migrations.Files.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		all.Write(b)
	}
	schema := all.String()
	for _, table := range []string{"runs", "retries", "commands", "risk_policies", "risk_decisions", "trace_events"} {
		if !strings.Contains(schema, table) {
			t.Errorf("embedded migrations do not create table %q", table)
		}
	}
}

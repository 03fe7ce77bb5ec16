package migrations

import (
	"testing"
	"testing/fstest"
)

func TestLoadOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql": {Data: []byte("SELECT 2;")},
		"0001_a.sql": {Data: []byte("-- seed\nSELECT 1; SELECT 11;")},
		"README.md":  {Data: []byte("ignored")},
		"0003_c.sql": {Data: []byte("  \n-- only a comment\n")},
	}
	got, err := Load(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Version != "0001" || got[1].Version != "0002" {
		t.Fatalf("unexpected migrations %+v", got)
	}
	if len(got[0].Statements) != 2 || got[0].Statements[0] != "SELECT 1" {
		t.Fatalf("unexpected statements %q", got[0].Statements)
	}
}

func TestLoadRejectsDuplicateVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := Load(fsys); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}

func TestEmbeddedJournalSchema(t *testing.T) {
	all, err := All()
	if err != nil || len(all) == 0 || all[0].Version != "0001" {
		t.Fatalf("unexpected embedded migrations %+v (%v)", all, err)
	}
}

package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestStaticDirectory_loadAndSync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  cfo: [carol]\n  sales_manager: [alice, bob]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := NewStaticDirectory(path)
	if err != nil {
		t.Fatalf("NewStaticDirectory: %v", err)
	}
	got, _ := d.Holders(context.Background(), "sales_manager")
	if len(got) != 2 || got[0] != "alice" {
		t.Errorf("Holders(sales_manager) = %v", got)
	}
	if got, _ := d.Holders(context.Background(), "unknown"); len(got) != 0 {
		t.Errorf("Holders(unknown) = %v, want empty", got)
	}

	if err := os.WriteFile(path, []byte("roles:\n  cfo: [dana]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got, _ := d.Holders(context.Background(), "cfo"); len(got) != 1 || got[0] != "dana" {
		t.Errorf("Holders(cfo) after Sync = %v, want [dana]", got)
	}
	if d.Roles() != 1 {
		t.Errorf("Roles() = %d, want 1", d.Roles())
	}
}

func TestStaticDirectory_missingFile(t *testing.T) {
	if _, err := NewStaticDirectory(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStaticDirectory_HoldersReturnsCopy(t *testing.T) {
	d := NewStaticDirectoryFromMap(map[string][]string{"cfo": {"carol"}})
	got, _ := d.Holders(context.Background(), "cfo")
	got[0] = "mallory"
	again, _ := d.Holders(context.Background(), "cfo")
	if again[0] != "carol" {
		t.Error("Holders() exposes internal slice")
	}
	d.Set("cfo", []string{"dana"})
	again, _ = d.Holders(context.Background(), "cfo")
	if again[0] != "dana" {
		t.Errorf("after Set, Holders(cfo) = %v", again)
	}
}

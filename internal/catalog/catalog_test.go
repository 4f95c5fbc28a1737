package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func lineup() []Channel {
	return []Channel{
		{Dial: 20, ServiceName: 4, EPGServiceName: 55, MulticastAddress: "239.0.0.20:8208", Name: "Veinte"},
		{Dial: 1, ServiceName: 1, EPGServiceName: 1, MulticastAddress: "239.0.0.1:8208", Name: "Uno"},
		{Dial: 7, ServiceName: 9, EPGServiceName: 55, MulticastAddress: "239.0.0.7:8208", Name: "Siete"},
	}
}

func TestSaveLoad_roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	c := New()
	c.Replace(lineup(), []string{"HD", "BASE"})
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2 := New()
	if err := c2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := c2.Snapshot()
	if len(got) != 3 || got[0].Dial != 1 || got[2].EPGServiceName != 55 {
		t.Errorf("channels: %+v", got)
	}
	if len(c2.Packages) != 2 || c2.UpdatedAt != c.UpdatedAt {
		t.Errorf("packages=%v updated=%q want %q", c2.Packages, c2.UpdatedAt, c.UpdatedAt)
	}
}

func TestReplace_sortsByDial(t *testing.T) {
	c := New()
	in := lineup()
	c.Replace(in, nil)
	got := c.Snapshot()
	for i := 1; i < len(got); i++ {
		if got[i-1].Dial > got[i].Dial {
			t.Fatalf("not sorted: %+v", got)
		}
	}
	if in[0].Dial != 20 {
		t.Error("Replace reordered the caller's slice")
	}
}

func TestByDial(t *testing.T) {
	c := New()
	c.Replace(lineup(), nil)
	ch, ok := c.ByDial(7)
	if !ok || ch.Name != "Siete" {
		t.Errorf("ByDial(7) = %+v, %v", ch, ok)
	}
	if _, ok := c.ByDial(8); ok {
		t.Error("ByDial(8) found a channel")
	}
}

func TestEPGServiceNames_distinct(t *testing.T) {
	c := New()
	c.Replace(lineup(), nil)
	got := c.EPGServiceNames()
	if len(got) != 2 || got[0] != 1 || got[1] != 55 {
		t.Errorf("EPGServiceNames = %v", got)
	}
}

func TestSave_atomic_noPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")

	c := New()
	c.Replace(lineup(), nil)
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "catalog.json" {
			t.Errorf("unexpected file left in dir: %s", e.Name())
		}
	}
}

func TestSave_permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := New().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("file mode = %o, want 0600", mode)
	}
}

func TestSave_overwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")

	c := New()
	c.Replace([]Channel{{Dial: 1, MulticastAddress: "239.0.0.1:1"}}, nil)
	if err := c.Save(path); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	c.Replace(lineup(), nil)
	if err := c.Save(path); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	c2 := New()
	if err := c2.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c2.Snapshot(); len(got) != 3 {
		t.Errorf("after overwrite: %+v", got)
	}
}

func TestLoad_missingFile(t *testing.T) {
	if err := New().Load(filepath.Join(t.TempDir(), "nonexistent.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_invalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := New().Load(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeFile := func(name, content string, mtime time.Time) string {
		t.Helper()
		path := filepath.Join(root, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
		return path
	}

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	oldPath := writeFile("older.jsonl", "{}", base)
	writeFile("newer.jsonl", "{}", base.Add(time.Minute))
	writeFile("notes.txt", "ignored", base)

	oldFingerprint, err := Fingerprint(oldPath)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	t.Run("all files new", func(t *testing.T) {
		files, errs := Scan(map[string]string{"anton": root}, nil)
		if len(errs) != 0 {
			t.Fatalf("Scan() errors = %v", errs)
		}
		if len(files) != 2 {
			t.Fatalf("Scan() returned %d files, want 2", len(files))
		}
		if files[0].ID != "older" || files[1].ID != "newer" {
			t.Errorf("Scan() order = [%s %s], want [older newer]", files[0].ID, files[1].ID)
		}
		for _, f := range files {
			if f.Fingerprint == "" {
				t.Errorf("file %s has empty fingerprint", f.ID)
			}
			if f.UserID != "anton" {
				t.Errorf("file %s user = %q", f.ID, f.UserID)
			}
		}
	})

	t.Run("unchanged files skipped", func(t *testing.T) {
		known := map[string]string{"older": oldFingerprint}
		files, errs := Scan(map[string]string{"anton": root}, known)
		if len(errs) != 0 {
			t.Fatalf("Scan() errors = %v", errs)
		}
		if len(files) != 1 || files[0].ID != "newer" {
			t.Fatalf("Scan() = %v, want only newer", files)
		}
	})

	t.Run("stale fingerprint rescanned", func(t *testing.T) {
		known := map[string]string{"older": "outdated"}
		files, _ := Scan(map[string]string{"anton": root}, known)
		found := false
		for _, f := range files {
			if f.ID == "older" {
				found = true
			}
		}
		if !found {
			t.Error("changed file not returned by Scan()")
		}
	})

	t.Run("missing root reported not fatal", func(t *testing.T) {
		roots := map[string]string{
			"anton": root,
			"timo":  filepath.Join(root, "does-not-exist"),
		}
		files, errs := Scan(roots, nil)
		if len(errs) != 1 {
			t.Fatalf("Scan() errors = %v, want exactly one", errs)
		}
		if len(files) != 2 {
			t.Errorf("Scan() returned %d files despite per-root error, want 2", len(files))
		}
	})
}

func TestFingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.jsonl")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}

	first, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	second, err := Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	if first == second {
		t.Error("fingerprint did not change after append")
	}
}

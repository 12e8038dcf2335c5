package archive

import (
	"crypto/md5"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionFile describes one source log found by a corpus scan.
type SessionFile struct {
	ID          string
	Path        string
	UserID      string
	Fingerprint string
	ModTime     time.Time
}

// ScanError records a per-file failure during a scan. Failures never abort
// the scan; the file is retried on the next pass.
type ScanError struct {
	Path string
	Err  error
}

func (e ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

// Fingerprint computes the change-detection fingerprint of a session file,
// a hash of size and modification time. Cheap enough to run on every sweep,
// sensitive enough for an append-only corpus.
func Fingerprint(path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(fmt.Appendf(nil, "%d:%d", stat.Size(), stat.ModTime().UnixNano()))
	return fmt.Sprintf("%x", sum), nil
}

// Scan walks one directory root per user, fingerprints every session log and
// returns the files whose fingerprint is new or differs from the last known
// value, ordered by modification time (oldest first). When the same session
// id appears under multiple roots, the newest file wins.
func Scan(roots map[string]string, known map[string]string) ([]SessionFile, []ScanError) {
	var errs []ScanError
	byID := make(map[string]SessionFile)

	for userID, root := range roots {
		if _, err := os.Stat(root); err != nil {
			errs = append(errs, ScanError{Path: root, Err: err})
			continue
		}

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, ScanError{Path: path, Err: err})
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				errs = append(errs, ScanError{Path: path, Err: err})
				return nil
			}

			file := SessionFile{
				ID:      SessionIDFromPath(path),
				Path:    path,
				UserID:  userID,
				ModTime: info.ModTime(),
			}
			if existing, ok := byID[file.ID]; ok && !file.ModTime.After(existing.ModTime) {
				return nil
			}
			byID[file.ID] = file
			return nil
		})
		if err != nil {
			errs = append(errs, ScanError{Path: root, Err: err})
		}
	}

	changed := make([]SessionFile, 0, len(byID))
	for _, file := range byID {
		fingerprint, err := Fingerprint(file.Path)
		if err != nil {
			errs = append(errs, ScanError{Path: file.Path, Err: err})
			continue
		}
		file.Fingerprint = fingerprint

		if last, ok := known[file.ID]; ok && last == fingerprint {
			continue
		}
		changed = append(changed, file)
	}

	sort.Slice(changed, func(i, j int) bool {
		if changed[i].ModTime.Equal(changed[j].ModTime) {
			return changed[i].ID < changed[j].ID
		}
		return changed[i].ModTime.Before(changed[j].ModTime)
	})
	return changed, errs
}

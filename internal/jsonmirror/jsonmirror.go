// Package jsonmirror writes JSON-encoded in-memory state through to disk as
// a crash-safe projection, and reloads it at startup.
//
// This generalises the temp-file-then-rename pattern already used by
// internal/blobstore (blob commit) and the teacher's internal/store/local.go
// (Write) from byte streams to whole JSON documents. No JSON-persistence
// library exists anywhere in the example pack — every repo that persists
// structured state to disk (the teacher, nocturne's ip ban/report mirrors
// in original_source) does it by hand with encoding/json, so this stays
// stdlib by design, not by default.
package jsonmirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Save marshals v as indented JSON and writes it to path via a temp file in
// the same directory followed by an atomic rename, so a crash mid-write
// never leaves a partially-written mirror.
func Save(fs afero.Fs, path string, v any) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("jsonmirror: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonmirror: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o640); err != nil {
		return fmt.Errorf("jsonmirror: write tmp: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("jsonmirror: rename: %w", err)
	}
	return nil
}

// Load unmarshals path into v. A missing file is not an error: v is left
// untouched and ok is false, so callers can distinguish "nothing to load"
// from a corrupt mirror (which should be treated as fatal at startup, per
// spec.md §6's "corrupt JSON mirror" exit condition).
func Load(fs afero.Fs, path string, v any) (ok bool, err error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("jsonmirror: read: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("jsonmirror: corrupt mirror %q: %w", path, err)
	}
	return true, nil
}

// Package persist provides the atomic write-temp-then-rename helper used
// by every component that snapshots state to the database directory
// (C5 client registry, C6 blocklist, C7 performance log and archived
// models, C11 metrics history and versioned best-model snapshots).
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flcs/coordinator/src/flerrors"
)

// WriteJSONAtomic marshals v as indented JSON and writes it to path via a
// temp file in the same directory followed by an atomic rename, so a
// reader never observes a partially written file: it either sees the
// prior valid content or the new content, never a half-written mix.
func WriteJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return flerrors.Wrap(flerrors.KindPersistenceError, "create database directory", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return flerrors.Wrap(flerrors.KindPersistenceError, "marshal snapshot", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return flerrors.Wrap(flerrors.KindPersistenceError, "create temp snapshot file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return flerrors.Wrap(flerrors.KindPersistenceError, "write temp snapshot file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return flerrors.Wrap(flerrors.KindPersistenceError, "sync temp snapshot file", err)
	}
	if err := tmp.Close(); err != nil {
		return flerrors.Wrap(flerrors.KindPersistenceError, "close temp snapshot file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return flerrors.Wrap(flerrors.KindPersistenceError, "rename temp snapshot into place", err)
	}
	return nil
}

// ReadJSON reads and unmarshals the JSON file at path into v. A missing
// file is reported via the returned bool (false, nil error) so callers
// can distinguish "nothing persisted yet" from a genuine read failure.
func ReadJSON(path string, v interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, flerrors.Wrap(flerrors.KindPersistenceError, fmt.Sprintf("read %s", path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, flerrors.Wrap(flerrors.KindPersistenceError, fmt.Sprintf("unmarshal %s", path), err)
	}
	return true, nil
}

// Package persist provides atomic write helpers shared by every component
// that writes durable state to disk (cache manifests, queue snapshots,
// response cache records). All writes go through a write-to-temp-then-rename
// sequence so a crash or concurrent read never observes a torn file.
package persist

import (
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data. It writes to a sibling
// temporary file in the same directory (so the final rename is on the same
// filesystem) and fsyncs before renaming.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadFile reads path, returning (nil, nil) if it doesn't exist. Callers
// treat a missing file as empty state rather than an error.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

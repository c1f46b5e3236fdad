package torrent

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ResumeStore persists the per-piece received/unreceived bitmap to disk so a
// restarted download can pick up where it left off, per §4.3.
type ResumeStore struct {
	path string
}

// resumePath builds the ".torrentinno_save-file_<name>_<info_hash>" path
// from §4.3, colocated with dest.
func resumePath(dest, name, infoHashHex string) string {
	dir := filepath.Dir(dest)
	return filepath.Join(dir, ".torrentinno_save-file_"+name+"_"+infoHashHex)
}

// NewResumeStore builds the resume store for a given destination, resource
// name and info hash.
func NewResumeStore(dest, name, infoHashHex string) *ResumeStore {
	return &ResumeStore{path: resumePath(dest, name, infoHashHex)}
}

// Write persists received, a boolean per piece, as a JSON array.
func (rs *ResumeStore) Write(received []bool) error {
	data, err := json.Marshal(received)
	if err != nil {
		return errors.Wrap(err, "encode resume state")
	}
	if err := os.WriteFile(rs.path, data, 0o644); err != nil {
		return errors.Wrap(err, "write resume file")
	}
	return nil
}

// Read loads the persisted bitmap. A missing file is reported via
// os.IsNotExist on the returned error so callers can treat a fresh download
// and an absent resume file identically.
func (rs *ResumeStore) Read() ([]bool, error) {
	data, err := os.ReadFile(rs.path)
	if err != nil {
		return nil, err
	}
	var received []bool
	if err := json.Unmarshal(data, &received); err != nil {
		return nil, errors.Wrap(err, "decode resume state")
	}
	return received, nil
}

// Remove deletes the resume file, called once the resource is fully
// downloaded since it no longer needs to resume anything.
func (rs *ResumeStore) Remove() error {
	err := os.Remove(rs.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove resume file")
	}
	return nil
}

// Path exposes the resume file's path, mostly for tests.
func (rs *ResumeStore) Path() string {
	return rs.path
}

package torrent

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileState is the two-state lifecycle of a shared resource on local disk,
// per §4.2.
type FileState int

const (
	// StateDownloading means the resource lives under its sidecar path and
	// may still have unreceived pieces.
	StateDownloading FileState = iota
	// StateDownloaded means every piece has been committed and the resource
	// lives at its final destination path.
	StateDownloaded
)

func (s FileState) String() string {
	switch s {
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	default:
		return "unknown"
	}
}

// sidecarName builds the ".torrentinno-<name>" sidecar path from §4.2,
// colocated with the final destination.
func sidecarName(dest string) string {
	dir, name := filepath.Split(dest)
	return filepath.Join(dir, ".torrentinno-"+name)
}

// ResourceFile is the on-disk half of a shared resource: it knows how to read
// and write individual pieces against either the sidecar (while downloading)
// or the final path (once downloaded), and how to commit the transition
// between the two atomically.
type ResourceFile struct {
	mu sync.Mutex

	descriptor *Descriptor
	destPath   string
	sidecar    string

	state        FileState
	sidecarReady bool
}

// NewResourceFile opens the on-disk backing for descriptor at destPath. If
// destPath already exists it is treated as
// already downloaded; otherwise the resource starts in StateDownloading and
// its sidecar is created (or resized, if its present size disagrees with the
// descriptor) immediately.
func NewResourceFile(descriptor *Descriptor, destPath string) (*ResourceFile, error) {
	rf := &ResourceFile{
		descriptor: descriptor,
		destPath:   destPath,
		sidecar:    sidecarName(destPath),
	}

	if _, err := os.Stat(destPath); err == nil {
		rf.state = StateDownloaded
		return rf, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "stat destination")
	}

	rf.state = StateDownloading

	// A descriptor with N == 0 pieces has nothing to receive; it is
	// complete the instant it exists, so commit it immediately rather than
	// waiting for a write that will never come.
	if descriptor.NumPieces() == 0 {
		if err := rf.commitLocked(); err != nil {
			return nil, err
		}
		return rf, nil
	}

	if err := rf.ensureSidecarLocked(); err != nil {
		return nil, err
	}

	return rf, nil
}

// State reports the resource's current lifecycle state.
func (rf *ResourceFile) State() FileState {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.state
}

// ensureSidecarLocked creates the sidecar file if absent and resizes it to
// the resource's total size if its present size disagrees. Caller must hold
// rf.mu.
func (rf *ResourceFile) ensureSidecarLocked() error {
	if rf.sidecarReady {
		return nil
	}
	f, err := os.OpenFile(rf.sidecar, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "create sidecar")
	}
	defer f.Close()
	if total := rf.descriptor.TotalSize(); total > 0 {
		if err := f.Truncate(total); err != nil {
			return errors.Wrap(err, "preallocate sidecar")
		}
	}
	rf.sidecarReady = true
	return nil
}

// activePathLocked returns the path writes and reads should currently target.
// Caller must hold rf.mu.
func (rf *ResourceFile) activePathLocked() string {
	if rf.state == StateDownloaded {
		return rf.destPath
	}
	return rf.sidecar
}

// ReadPiece reads piece i's bytes back from whichever path is currently
// active.
func (rf *ResourceFile) ReadPiece(i int) ([]byte, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if i < 0 || i >= rf.descriptor.NumPieces() {
		return nil, ErrInvalidPiece
	}
	offsets := rf.descriptor.Offsets()
	size := offsets[i+1] - offsets[i]

	f, err := os.Open(rf.activePathLocked())
	if err != nil {
		return nil, errors.Wrap(err, "open for read")
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offsets[i]); err != nil {
		return nil, errors.Wrap(err, "read piece")
	}
	return buf, nil
}

// WritePiece writes data as piece i into the sidecar. It is an error to write
// once the resource has reached StateDownloaded (§4.2's "write after
// download" boundary behavior).
func (rf *ResourceFile) WritePiece(i int, data []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.state == StateDownloaded {
		return ErrDownloaded
	}
	if i < 0 || i >= rf.descriptor.NumPieces() {
		return ErrInvalidPiece
	}
	offsets := rf.descriptor.Offsets()
	size := offsets[i+1] - offsets[i]
	if int64(len(data)) != size {
		return ErrWriteOverflow
	}

	if err := rf.ensureSidecarLocked(); err != nil {
		return err
	}

	f, err := os.OpenFile(rf.sidecar, os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open sidecar for write")
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offsets[i]); err != nil {
		return errors.Wrap(err, "write piece")
	}
	return nil
}

// Commit transitions the resource from StateDownloading to StateDownloaded by
// renaming the sidecar onto the final destination path, per §4.2's "atomic
// commit via rename" requirement. Commit is idempotent: calling it again once
// already downloaded is a no-op.
func (rf *ResourceFile) Commit() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.commitLocked()
}

func (rf *ResourceFile) commitLocked() error {
	if rf.state == StateDownloaded {
		return nil
	}

	if !rf.sidecarReady {
		// Nothing was ever written (only possible for an N == 0
		// descriptor): materialize an empty destination directly rather
		// than renaming a sidecar that was never created.
		f, err := os.OpenFile(rf.destPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return errors.Wrap(err, "create empty destination")
		}
		f.Close()
		rf.state = StateDownloaded
		return nil
	}

	if err := os.Rename(rf.sidecar, rf.destPath); err != nil {
		return errors.Wrap(err, "commit resource")
	}
	rf.state = StateDownloaded
	return nil
}

// DestPath returns the resource's final destination path.
func (rf *ResourceFile) DestPath() string {
	return rf.destPath
}

package torrent

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FacadeConfig parameterizes every engine the facade creates. No external
// config-file format is introduced; see SPEC_FULL's ambient-stack notes.
type FacadeConfig struct {
	Engine EngineConfig
}

// Facade owns the host peer identity and shares engines by destination key,
// per §3 "Ownership" and §4.6 "Public facade".
type Facade struct {
	hostID [32]byte
	cfg    FacadeConfig
	log    *logrus.Entry

	mu      sync.Mutex
	engines map[string]*PeerEngine

	shutdownOnce sync.Once
}

// NewFacade generates a random 32-byte host peer id and builds an empty
// facade. Use HostIDHex to recover the identity to advertise at a tracker.
func NewFacade(cfg FacadeConfig, log *logrus.Entry) (*Facade, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return nil, errors.Wrap(err, "generate host peer id")
	}
	return &Facade{
		hostID:  id,
		cfg:     cfg,
		log:     log.WithField("peer_id", hex.EncodeToString(id[:])),
		engines: make(map[string]*PeerEngine),
	}, nil
}

// HostIDHex is the hex-encoded host peer id.
func (f *Facade) HostIDHex() string {
	return hex.EncodeToString(f.hostID[:])
}

// engineFor returns the engine for destPath, creating it from descriptor if
// this is the first time destPath has been seen.
func (f *Facade) engineFor(descriptor *Descriptor, destPath string) (*PeerEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, ok := f.engines[destPath]; ok {
		return e, nil
	}
	e, err := NewPeerEngine(f.hostID, descriptor, destPath, f.cfg.Engine, f.log)
	if err != nil {
		return nil, err
	}
	f.engines[destPath] = e
	return e, nil
}

// StartShareFile brings up an engine for an already-complete local file and
// starts sharing and accepting peers.
func (f *Facade) StartShareFile(descriptor *Descriptor, destPath string) (int, error) {
	e, err := f.engineFor(descriptor, destPath)
	if err != nil {
		return 0, err
	}
	return e.FullStart(FullStartFlags{Share: true})
}

// StartDownloadFile brings up an engine for a resource not yet fully owned
// locally and starts downloading and accepting peers.
func (f *Facade) StartDownloadFile(descriptor *Descriptor, destPath string) (int, error) {
	e, err := f.engineFor(descriptor, destPath)
	if err != nil {
		return 0, err
	}
	return e.FullStart(FullStartFlags{Share: true, Download: true})
}

// StopShareFile disables sharing for destPath, a no-op if no engine exists
// for it yet.
func (f *Facade) StopShareFile(destPath string) {
	if e := f.lookup(destPath); e != nil {
		e.StopSharingFile()
	}
}

// StopDownloadFile stops the download scheduler for destPath.
func (f *Facade) StopDownloadFile(destPath string) {
	if e := f.lookup(destPath); e != nil {
		e.StopDownload()
	}
}

// SubmitPeers forwards a discovered peer list (typically from a tracker
// response, filtered by info hash) to the engine for destPath.
func (f *Facade) SubmitPeers(destPath string, addrs []PeerAddr) {
	if e := f.lookup(destPath); e != nil {
		e.SubmitPeers(addrs)
	}
}

// GetState returns the state snapshot for a single destination.
func (f *Facade) GetState(destPath string) (EngineState, bool) {
	e := f.lookup(destPath)
	if e == nil {
		return EngineState{}, false
	}
	return e.GetState(), true
}

// GetAllFilesState returns one record per known destination, per §4.6 "one
// record per known destination".
func (f *Facade) GetAllFilesState() map[string]EngineState {
	f.mu.Lock()
	engines := make(map[string]*PeerEngine, len(f.engines))
	for dest, e := range f.engines {
		engines[dest] = e
	}
	f.mu.Unlock()

	out := make(map[string]EngineState, len(engines))
	for dest, e := range engines {
		out[dest] = e.GetState()
	}
	return out
}

func (f *Facade) lookup(destPath string) *PeerEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[destPath]
}

// Shutdown shuts down every engine exactly once. Idempotent.
func (f *Facade) Shutdown() {
	f.shutdownOnce.Do(func() {
		f.mu.Lock()
		engines := make([]*PeerEngine, 0, len(f.engines))
		for _, e := range f.engines {
			engines = append(engines, e)
		}
		f.mu.Unlock()

		for _, e := range engines {
			e.Shutdown()
		}
	})
}

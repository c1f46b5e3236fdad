package torrent

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFacadeShareAndDownload(t *testing.T) {
	content := []byte("hello")
	descriptor := pieceDescriptor("hello.txt", content)

	seederDir := t.TempDir()
	seederDest := filepath.Join(seederDir, descriptor.Name)
	require.NoError(t, os.WriteFile(seederDest, content, 0o644))

	seederFacade, err := NewFacade(FacadeConfig{Engine: fastConfig()}, testLog())
	require.NoError(t, err)
	defer seederFacade.Shutdown()

	seederPort, err := seederFacade.StartShareFile(descriptor, seederDest)
	require.NoError(t, err)

	leecherFacade, err := NewFacade(FacadeConfig{Engine: fastConfig()}, testLog())
	require.NoError(t, err)
	defer leecherFacade.Shutdown()

	leecherDir := t.TempDir()
	leecherDest := filepath.Join(leecherDir, descriptor.Name)
	leecherPort, err := leecherFacade.StartDownloadFile(descriptor, leecherDest)
	require.NoError(t, err)

	seederIDBytes, err := hexDecodeHostID(seederFacade.HostIDHex())
	require.NoError(t, err)
	leecherIDBytes, err := hexDecodeHostID(leecherFacade.HostIDHex())
	require.NoError(t, err)

	// Whichever side's random host id sorts lower is the one the initiator
	// rule permits to dial; submitting symmetrically (as a real tracker
	// round-trip would) lets either ordering connect the swarm.
	leecherFacade.SubmitPeers(leecherDest, []PeerAddr{{PeerID: seederIDBytes, Host: "127.0.0.1", Port: seederPort}})
	seederFacade.SubmitPeers(seederDest, []PeerAddr{{PeerID: leecherIDBytes, Host: "127.0.0.1", Port: leecherPort}})

	require.Eventually(t, func() bool {
		state, ok := leecherFacade.GetState(leecherDest)
		return ok && state.FullyOwned
	}, 3*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(leecherDest)
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestFacadeGetAllFilesState(t *testing.T) {
	facade, err := NewFacade(FacadeConfig{Engine: fastConfig()}, testLog())
	require.NoError(t, err)
	defer facade.Shutdown()

	descriptor := pieceDescriptor("a.bin", []byte("a"))
	dir := t.TempDir()
	dest := filepath.Join(dir, descriptor.Name)
	require.NoError(t, os.WriteFile(dest, []byte("a"), 0o644))

	_, err = facade.StartShareFile(descriptor, dest)
	require.NoError(t, err)

	all := facade.GetAllFilesState()
	require.Contains(t, all, dest)
}

func TestFacadeShutdownIsIdempotent(t *testing.T) {
	facade, err := NewFacade(FacadeConfig{Engine: fastConfig()}, testLog())
	require.NoError(t, err)

	descriptor := pieceDescriptor("a.bin", []byte("a"))
	dir := t.TempDir()
	dest := filepath.Join(dir, descriptor.Name)
	require.NoError(t, os.WriteFile(dest, []byte("a"), 0o644))
	_, err = facade.StartShareFile(descriptor, dest)
	require.NoError(t, err)

	facade.Shutdown()
	facade.Shutdown()
}

func hexDecodeHostID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

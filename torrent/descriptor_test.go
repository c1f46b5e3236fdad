package torrent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func helloDescriptor() *Descriptor {
	return &Descriptor{
		TrackerHost:        "tracker.local",
		TrackerPort:        6969,
		Comment:            "",
		CreationTimestamp:  "2024-01-01T00:00:00Z",
		Name:               "hello.txt",
		Pieces: []Piece{
			{SHA256Hex: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", SizeBytes: 5},
		},
	}
}

func TestInfoHashMatchesScenarioS1Piece(t *testing.T) {
	d := helloDescriptor()
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.Pieces[0].SHA256Hex)
	require.Len(t, d.InfoHashHex(), 64)
}

func TestDescriptorCanonicalStringFormat(t *testing.T) {
	d := helloDescriptor()
	want := "tracker.local;6969;;2024-01-01T00:00:00Z;hello.txt;" +
		"Path(sha256=2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824,size_bytes=5)"
	require.Equal(t, want, d.CanonicalString())
}

func TestDescriptorInfoHashCollisionOnlyOnExactString(t *testing.T) {
	a := helloDescriptor()
	b := helloDescriptor()
	require.Equal(t, a.InfoHashHex(), b.InfoHashHex())

	b.Comment = "different"
	require.NotEqual(t, a.InfoHashHex(), b.InfoHashHex())
}

func TestPieceJSONWritesSizeKey(t *testing.T) {
	p := Piece{SHA256Hex: "abc", SizeBytes: 42}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.Contains(t, string(data), `"size":42`)
	require.NotContains(t, string(data), "size_bytes")
}

func TestPieceJSONTeleratesLegacySizeBytesKey(t *testing.T) {
	var p Piece
	err := json.Unmarshal([]byte(`{"sha256":"abc","size_bytes":42}`), &p)
	require.NoError(t, err)
	require.Equal(t, int64(42), p.SizeBytes)
}

func TestPieceJSONTeleratesModernSizeKey(t *testing.T) {
	var p Piece
	err := json.Unmarshal([]byte(`{"sha256":"abc","size":42}`), &p)
	require.NoError(t, err)
	require.Equal(t, int64(42), p.SizeBytes)
}

func TestPieceJSONMissingSizeField(t *testing.T) {
	var p Piece
	err := json.Unmarshal([]byte(`{"sha256":"abc"}`), &p)
	require.ErrorIs(t, err, ErrMissingPieceField)
}

func TestSaveLoadDescriptorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "descriptor.json")

	d := helloDescriptor()
	require.NoError(t, SaveDescriptor(path, d))

	loaded, err := LoadDescriptor(path)
	require.NoError(t, err)
	require.Equal(t, d.InfoHashHex(), loaded.InfoHashHex())
	require.Equal(t, d.Name, loaded.Name)
}

func TestDescriptorOffsetsPrefixSum(t *testing.T) {
	d := &Descriptor{Pieces: []Piece{{SizeBytes: 10}, {SizeBytes: 20}, {SizeBytes: 5}}}
	offsets := d.Offsets()
	require.Equal(t, []int64{0, 10, 30, 35}, offsets)
	require.Equal(t, int64(35), d.TotalSize())
}

func TestDescriptorZeroPieces(t *testing.T) {
	d := &Descriptor{Name: "empty"}
	require.Equal(t, 0, d.NumPieces())
	require.Equal(t, int64(0), d.TotalSize())
	require.Equal(t, []int64{0}, d.Offsets())
}

func TestLoadDescriptorMissingFile(t *testing.T) {
	_, err := LoadDescriptor(filepath.Join(os.TempDir(), "does-not-exist-torrentinno"))
	require.Error(t, err)
}

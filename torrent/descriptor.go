package torrent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Piece is one indexed, hash-identified byte range of the shared file.
type Piece struct {
	SHA256Hex string
	SizeBytes int64
}

// MarshalJSON always writes the modern "size" key, per §6: "when writing,
// use size".
func (p Piece) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SHA256 string `json:"sha256"`
		Size   int64  `json:"size"`
	}{p.SHA256Hex, p.SizeBytes})
}

// UnmarshalJSON tolerates both the modern "size" key and the legacy
// "size_bytes" key, per §6/§9's documented on-disk ambiguity.
func (p *Piece) UnmarshalJSON(data []byte) error {
	var aux struct {
		SHA256    string `json:"sha256"`
		Size      *int64 `json:"size"`
		SizeBytes *int64 `json:"size_bytes"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "decode piece")
	}
	p.SHA256Hex = aux.SHA256
	switch {
	case aux.Size != nil:
		p.SizeBytes = *aux.Size
	case aux.SizeBytes != nil:
		p.SizeBytes = *aux.SizeBytes
	default:
		return ErrMissingPieceField
	}
	return nil
}

// Descriptor is the immutable resource metadata described in §3. Two
// descriptors with equal info hashes are the same resource.
type Descriptor struct {
	TrackerHost string
	TrackerPort int
	Comment     string
	// CreationTimestamp is kept verbatim as the ISO-8601 string found on
	// disk (or supplied by the caller) rather than reformatted through
	// time.Time, because the info hash canonicalization in §6 is sensitive
	// to its exact rendering.
	CreationTimestamp string
	Name              string
	Pieces            []Piece
}

type descriptorJSON struct {
	TrackerIP    string  `json:"trackerIp"`
	TrackerPort  int     `json:"trackerPort"`
	Comment      string  `json:"comment"`
	CreationDate string  `json:"creationDate"`
	Name         string  `json:"name"`
	Pieces       []Piece `json:"pieces"`
}

// MarshalJSON renders the on-disk descriptor format from §6.
func (d *Descriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(descriptorJSON{
		TrackerIP:    d.TrackerHost,
		TrackerPort:  d.TrackerPort,
		Comment:      d.Comment,
		CreationDate: d.CreationTimestamp,
		Name:         d.Name,
		Pieces:       d.Pieces,
	})
}

// UnmarshalJSON parses the on-disk descriptor format from §6.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var aux descriptorJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Wrap(err, "decode descriptor")
	}
	d.TrackerHost = aux.TrackerIP
	d.TrackerPort = aux.TrackerPort
	d.Comment = aux.Comment
	d.CreationTimestamp = aux.CreationDate
	d.Name = aux.Name
	d.Pieces = aux.Pieces
	return nil
}

// LoadDescriptor reads and parses a descriptor JSON file from disk.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read descriptor file")
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveDescriptor writes d to path as JSON, always using the modern "size"
// per-piece key.
func SaveDescriptor(path string, d *Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode descriptor")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write descriptor file")
	}
	return nil
}

// NumPieces returns N, the piece count.
func (d *Descriptor) NumPieces() int {
	return len(d.Pieces)
}

// TotalSize returns sum(piece.size_bytes).
func (d *Descriptor) TotalSize() int64 {
	var total int64
	for _, p := range d.Pieces {
		total += p.SizeBytes
	}
	return total
}

// Offsets returns the N+1 prefix sums of piece sizes: offsets[i] is the byte
// offset of piece i's first byte, offsets[N] is the total size.
func (d *Descriptor) Offsets() []int64 {
	offsets := make([]int64, len(d.Pieces)+1)
	for i, p := range d.Pieces {
		offsets[i+1] = offsets[i] + p.SizeBytes
	}
	return offsets
}

// CanonicalString builds the §6 canonical descriptor string used to derive
// the info hash. Its exact rendering (including the legacy
// "Path(sha256=...,size_bytes=...)" per-piece form) must be preserved
// bytewise to interoperate with existing descriptors.
func (d *Descriptor) CanonicalString() string {
	parts := make([]string, len(d.Pieces))
	for i, p := range d.Pieces {
		parts[i] = fmt.Sprintf("Path(sha256=%s,size_bytes=%d)", p.SHA256Hex, p.SizeBytes)
	}
	return fmt.Sprintf("%s;%d;%s;%s;%s;%s",
		d.TrackerHost, d.TrackerPort, d.Comment, d.CreationTimestamp, d.Name, strings.Join(parts, ","))
}

// InfoHash computes the SHA-256 info hash over the canonical string.
func (d *Descriptor) InfoHash() [32]byte {
	return sha256.Sum256([]byte(d.CanonicalString()))
}

// InfoHashHex is the lowercase hex encoding of InfoHash, the identity used on
// the wire and at the tracker.
func (d *Descriptor) InfoHashHex() string {
	h := d.InfoHash()
	return hex.EncodeToString(h[:])
}

package torrent

import "errors"

// Sentinel errors for the core. Call sites that need additional context wrap
// these with github.com/pkg/errors instead of inventing new error types.
var (
	ErrClosed             = errors.New("torrentinno: connection closed")
	ErrBadProtocolMagic   = errors.New("torrentinno: bad protocol magic")
	ErrBadHandshakeLength = errors.New("torrentinno: bad handshake length")
	ErrUnknownMessageType = errors.New("torrentinno: unknown message type")
	ErrBlockTooLarge      = errors.New("torrentinno: block length exceeds maximum")
	ErrMalformedFrame     = errors.New("torrentinno: malformed frame")
	ErrEmptyFrame         = errors.New("torrentinno: empty frame")

	ErrDownloaded    = errors.New("torrentinno: resource file already downloaded")
	ErrInvalidPiece  = errors.New("torrentinno: invalid piece index")
	ErrReadOverflow  = errors.New("torrentinno: read beyond resource bounds")
	ErrWriteOverflow = errors.New("torrentinno: write beyond resource bounds")

	ErrAlreadyListening  = errors.New("torrentinno: already listening on public port")
	ErrPeerIDMismatch    = errors.New("torrentinno: unexpected remote peer id")
	ErrInfoHashMismatch  = errors.New("torrentinno: info hash mismatch")
	ErrMissingPieceField = errors.New("torrentinno: piece missing size/size_bytes field")
)

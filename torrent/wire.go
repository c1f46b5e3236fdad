package torrent

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Wire codec: the handshake and the three framed message kinds described in
// §4.1/§6 of the specification. Four message kinds share one TCP stream; the
// handshake is a fixed 75-byte frame, everything else is length-prefixed.

const (
	protocolMagic = "TorrentInno"
	peerIDSize    = 32
	infoHashSize  = 32
	HandshakeSize = len(protocolMagic) + peerIDSize + infoHashSize // 75

	// MaxBlockLength is the hard cap on a Piece message's block_length. A
	// peer that announces a larger block must be disconnected.
	MaxBlockLength = 1_000_000
)

// MessageType identifies one of the three framed message kinds.
type MessageType byte

const (
	MsgRequest  MessageType = 1
	MsgPiece    MessageType = 2
	MsgBitfield MessageType = 3
)

// RequestPayload is the body of a type-1 Request message.
type RequestPayload struct {
	PieceIndex  uint32
	InnerOffset uint32
	BlockLength uint32
}

// PiecePayload is the body of a type-2 Piece message.
type PiecePayload struct {
	PieceIndex  uint32
	InnerOffset uint32
	BlockLength uint32
	Data        []byte
}

// Message is a parsed framed message. Exactly one of Request, Piece, or
// Bitfield is meaningful, selected by Type.
type Message struct {
	Type     MessageType
	Request  RequestPayload
	Piece    PiecePayload
	Bitfield []byte
}

// EncodeHandshake serializes the fixed 75-byte handshake frame.
func EncodeHandshake(peerID, infoHash [32]byte) []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, []byte(protocolMagic)...)
	buf = append(buf, peerID[:]...)
	buf = append(buf, infoHash[:]...)
	return buf
}

// DecodeHandshake parses a 75-byte buffer into its peer id and info hash.
func DecodeHandshake(buf []byte) (peerID, infoHash [32]byte, err error) {
	if len(buf) != HandshakeSize {
		err = ErrBadHandshakeLength
		return
	}
	if string(buf[:len(protocolMagic)]) != protocolMagic {
		err = ErrBadProtocolMagic
		return
	}
	copy(peerID[:], buf[len(protocolMagic):len(protocolMagic)+peerIDSize])
	copy(infoHash[:], buf[len(protocolMagic)+peerIDSize:])
	return
}

// WriteHandshake writes a handshake frame to w.
func WriteHandshake(w io.Writer, peerID, infoHash [32]byte) error {
	_, err := w.Write(EncodeHandshake(peerID, infoHash))
	return errors.Wrap(err, "write handshake")
}

// ReadHandshake reads exactly 75 bytes from r and decodes them.
func ReadHandshake(r io.Reader) (peerID, infoHash [32]byte, err error) {
	buf := make([]byte, HandshakeSize)
	if _, readErr := io.ReadFull(r, buf); readErr != nil {
		err = errors.Wrap(readErr, "read handshake")
		return
	}
	return DecodeHandshake(buf)
}

// EncodeMessage serializes a framed message: a 4-byte big-endian length
// prefix covering everything after it, then the 1-byte type tag and body.
func EncodeMessage(msg Message) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(byte(msg.Type))

	switch msg.Type {
	case MsgRequest:
		binary.Write(&body, binary.BigEndian, msg.Request.PieceIndex)
		binary.Write(&body, binary.BigEndian, msg.Request.InnerOffset)
		binary.Write(&body, binary.BigEndian, msg.Request.BlockLength)
	case MsgPiece:
		if msg.Piece.BlockLength > MaxBlockLength {
			return nil, ErrBlockTooLarge
		}
		binary.Write(&body, binary.BigEndian, msg.Piece.PieceIndex)
		binary.Write(&body, binary.BigEndian, msg.Piece.InnerOffset)
		binary.Write(&body, binary.BigEndian, msg.Piece.BlockLength)
		body.Write(msg.Piece.Data)
	case MsgBitfield:
		body.Write(msg.Bitfield)
	default:
		return nil, ErrUnknownMessageType
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

// WriteMessage encodes and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	buf, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return errors.Wrap(err, "write message")
}

// ReadMessage reads one framed message from r. Unknown type tags, oversized
// blocks, and malformed bodies are reported as errors so the caller can close
// the connection, per §4.1's "unknown type tags terminate the connection".
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "read frame length")
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "read frame body")
	}

	typ := MessageType(body[0])
	rest := body[1:]

	switch typ {
	case MsgRequest:
		if len(rest) != 12 {
			return nil, ErrMalformedFrame
		}
		return &Message{Type: MsgRequest, Request: RequestPayload{
			PieceIndex:  binary.BigEndian.Uint32(rest[0:4]),
			InnerOffset: binary.BigEndian.Uint32(rest[4:8]),
			BlockLength: binary.BigEndian.Uint32(rest[8:12]),
		}}, nil

	case MsgPiece:
		if len(rest) < 12 {
			return nil, ErrMalformedFrame
		}
		blockLength := binary.BigEndian.Uint32(rest[8:12])
		if blockLength > MaxBlockLength {
			return nil, ErrBlockTooLarge
		}
		data := rest[12:]
		if uint32(len(data)) != blockLength {
			return nil, ErrMalformedFrame
		}
		return &Message{Type: MsgPiece, Piece: PiecePayload{
			PieceIndex:  binary.BigEndian.Uint32(rest[0:4]),
			InnerOffset: binary.BigEndian.Uint32(rest[4:8]),
			BlockLength: blockLength,
			Data:        data,
		}}, nil

	case MsgBitfield:
		return &Message{Type: MsgBitfield, Bitfield: rest}, nil

	default:
		return nil, ErrUnknownMessageType
	}
}

// NewBitfield allocates a zeroed bitfield large enough for n pieces.
func NewBitfield(n int) []byte {
	return make([]byte, (n+7)/8)
}

// BitfieldGet reports whether bit i is set. Bits beyond the slice's length
// (including all bits when bits is nil) read as unset.
func BitfieldGet(bits []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx < 0 || byteIdx >= len(bits) {
		return false
	}
	return (bits[byteIdx]>>(7-uint(i%8)))&1 == 1
}

// BitfieldSet sets or clears bit i in place.
func BitfieldSet(bits []byte, i int, v bool) {
	byteIdx := i / 8
	mask := byte(1) << (7 - uint(i%8))
	if v {
		bits[byteIdx] |= mask
	} else {
		bits[byteIdx] &^= mask
	}
}

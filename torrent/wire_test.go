package torrent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var peerID, infoHash [32]byte
	for i := range peerID {
		peerID[i] = byte(i)
		infoHash[i] = byte(255 - i)
	}

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, peerID, infoHash))
	require.Equal(t, HandshakeSize, buf.Len())

	gotPeerID, gotInfoHash, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, peerID, gotPeerID)
	require.Equal(t, infoHash, gotInfoHash)
}

func TestHandshakeBadPrefix(t *testing.T) {
	buf := bytes.Repeat([]byte{0x00}, HandshakeSize)
	_, _, err := DecodeHandshake(buf)
	require.ErrorIs(t, err, ErrBadProtocolMagic)
}

func TestHandshakeBadLength(t *testing.T) {
	_, _, err := DecodeHandshake([]byte("too short"))
	require.ErrorIs(t, err, ErrBadHandshakeLength)
}

func TestMessageRoundTripRequest(t *testing.T) {
	msg := Message{Type: MsgRequest, Request: RequestPayload{PieceIndex: 3, InnerOffset: 0, BlockLength: 1024}}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, msg.Request, got.Request)
}

func TestMessageRoundTripPiece(t *testing.T) {
	data := []byte("hello world")
	msg := Message{Type: MsgPiece, Piece: PiecePayload{PieceIndex: 1, InnerOffset: 0, BlockLength: uint32(len(data)), Data: data}}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, data, got.Piece.Data)
	require.Equal(t, msg.Piece.PieceIndex, got.Piece.PieceIndex)
}

func TestMessageRoundTripBitfield(t *testing.T) {
	bits := NewBitfield(10)
	BitfieldSet(bits, 0, true)
	BitfieldSet(bits, 9, true)
	msg := Message{Type: MsgBitfield, Bitfield: bits}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, bits, got.Bitfield)
}

func TestPieceMaxBlockLengthAccepted(t *testing.T) {
	data := make([]byte, MaxBlockLength)
	msg := Message{Type: MsgPiece, Piece: PiecePayload{BlockLength: MaxBlockLength, Data: data}}
	_, err := EncodeMessage(msg)
	require.NoError(t, err)
}

func TestPieceOverMaxBlockLengthRejected(t *testing.T) {
	data := make([]byte, MaxBlockLength+1)
	msg := Message{Type: MsgPiece, Piece: PiecePayload{BlockLength: MaxBlockLength + 1, Data: data}}
	_, err := EncodeMessage(msg)
	require.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestReadMessageUnknownType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1})
	buf.WriteByte(0x7f)
	_, err := ReadMessage(&buf)
	require.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestBitfieldPadBitsZero(t *testing.T) {
	bits := NewBitfield(5)
	require.Len(t, bits, 1)
	for i := 5; i < 8; i++ {
		require.False(t, BitfieldGet(bits, i))
	}
}

func TestBitfieldGetOutOfRange(t *testing.T) {
	require.False(t, BitfieldGet(nil, 0))
	require.False(t, BitfieldGet(make([]byte, 1), 100))
}

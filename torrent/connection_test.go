package torrent

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func pipeConnections(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	log := logrus.NewEntry(logrus.New())
	return NewConnection(a, log), NewConnection(b, log)
}

type recordingListener struct {
	BaseListener
	mu       sync.Mutex
	pieces   []PiecePayload
	bitfield []byte
	closed   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{closed: make(chan struct{})}
}

func (l *recordingListener) OnPiece(c *Connection, p PiecePayload) {
	l.mu.Lock()
	l.pieces = append(l.pieces, p)
	l.mu.Unlock()
}

func (l *recordingListener) OnBitfield(c *Connection, bits []byte) {
	l.mu.Lock()
	l.bitfield = bits
	l.mu.Unlock()
}

func (l *recordingListener) OnClose(c *Connection, cause error) {
	close(l.closed)
}

func TestConnectionSendReceivesAtListener(t *testing.T) {
	client, server := pipeConnections(t)
	defer client.Close()
	defer server.Close()

	rl := newRecordingListener()
	server.AddListener(rl)
	server.Listen()

	require.NoError(t, client.Send(Message{Type: MsgBitfield, Bitfield: []byte{0xff}}))

	require.Eventually(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return rl.bitfield != nil
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionCloseNotifiesOnClose(t *testing.T) {
	client, server := pipeConnections(t)
	defer client.Close()

	rl := newRecordingListener()
	server.AddListener(rl)
	server.Listen()

	client.Close()

	select {
	case <-rl.closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose not invoked after peer closed")
	}
}

func TestConnectionSendAfterCloseFails(t *testing.T) {
	client, server := pipeConnections(t)
	defer server.Close()

	require.NoError(t, client.Close())
	err := client.Send(Message{Type: MsgBitfield, Bitfield: []byte{0}})
	require.ErrorIs(t, err, ErrClosed)
}

func TestConnectionCloseWithoutListenDoesNotDeadlock(t *testing.T) {
	client, server := pipeConnections(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		client.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close deadlocked when Listen was never called")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	client, server := pipeConnections(t)
	defer server.Close()

	client.Listen()
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

package torrent

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Listener is the narrow capability set a Connection dispatches parsed
// messages to, per §4.2/§9 ("a narrow capability set {on_request, on_piece,
// on_bitfield, on_close}"). Embed BaseListener to get no-op defaults for
// hooks a caller doesn't care about.
type Listener interface {
	OnRequest(c *Connection, req RequestPayload)
	OnPiece(c *Connection, piece PiecePayload)
	OnBitfield(c *Connection, bits []byte)
	OnClose(c *Connection, cause error)
}

// BaseListener supplies no-op implementations of every Listener hook so
// callers only need to override what they use.
type BaseListener struct{}

func (BaseListener) OnRequest(*Connection, RequestPayload) {}
func (BaseListener) OnPiece(*Connection, PiecePayload)     {}
func (BaseListener) OnBitfield(*Connection, []byte)        {}
func (BaseListener) OnClose(*Connection, error)            {}

// Connection owns one bidirectional TCP stream and the set of listeners
// watching it, per §4.2. Only the reader goroutine reads; writes are
// serialized by sendMu so concurrent Send calls never interleave frames.
type Connection struct {
	ID   string
	conn net.Conn
	log  *logrus.Entry

	sendMu sync.Mutex

	mu        sync.Mutex
	listeners []Listener

	readerStarted atomic.Bool
	closeOnce     sync.Once
	done          chan struct{}
}

// NewConnection wraps an established net.Conn.
func NewConnection(conn net.Conn, log *logrus.Entry) *Connection {
	id := uuid.NewString()
	return &Connection{
		ID:   id,
		conn: conn,
		log:  log.WithField("conn_id", id),
		done: make(chan struct{}),
	}
}

// AddListener registers l to receive future message/close notifications.
func (c *Connection) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Send serializes and writes msg, failing if the stream has been closed.
func (c *Connection) Send(msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return WriteMessage(c.conn, msg)
}

// SendHandshake writes a raw handshake frame, bypassing the framed Message
// path since the handshake has its own fixed layout.
func (c *Connection) SendHandshake(peerID, infoHash [32]byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return WriteHandshake(c.conn, peerID, infoHash)
}

// Listen starts the background reader loop. Calling it more than once is a
// no-op; only the first call launches the goroutine.
func (c *Connection) Listen() {
	if !c.readerStarted.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop()
}

// readLoop is the Connection's sole reader task. On any I/O error, malformed
// frame, or oversized block it notifies every listener's OnClose and
// releases the stream; otherwise it dispatches the parsed message to every
// listener concurrently and waits for all of them before reading the next
// frame, preserving per-connection message ordering.
func (c *Connection) readLoop() {
	defer close(c.done)

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			c.dispatchClose(err)
			c.release()
			return
		}
		c.dispatch(msg)
	}
}

// dispatch fans a parsed message out to every listener concurrently,
// swallowing per-listener panics so one misbehaving listener cannot break the
// reader loop or starve its siblings.
func (c *Connection) dispatch(msg *Message) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("listener panicked")
				}
			}()
			switch msg.Type {
			case MsgRequest:
				l.OnRequest(c, msg.Request)
			case MsgPiece:
				l.OnPiece(c, msg.Piece)
			case MsgBitfield:
				l.OnBitfield(c, msg.Bitfield)
			}
			return nil
		})
	}
	g.Wait()
}

func (c *Connection) dispatchClose(cause error) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	var g errgroup.Group
	for _, l := range listeners {
		l := l
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					c.log.WithField("panic", r).Error("close listener panicked")
				}
			}()
			l.OnClose(c, cause)
			return nil
		})
	}
	g.Wait()
}

// release closes the underlying socket. Safe to call multiple times.
func (c *Connection) release() {
	c.conn.Close()
}

// Close cancels the reader, releases the stream, and waits for the reader to
// finish releasing it. Idempotent. If Listen was never called there is no
// reader to wait for, so Close releases the socket directly instead of
// blocking on a done channel nothing will ever close, and closes done itself
// so later Send calls fail with ErrClosed and a later Listen is a no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if c.readerStarted.CompareAndSwap(false, true) {
			c.release()
			close(c.done)
		} else {
			c.conn.Close()
			<-c.done
		}
	})
	return nil
}

// RemoteAddr exposes the peer's network address, mostly for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

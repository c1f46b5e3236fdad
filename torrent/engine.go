package torrent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Timing constants from §5 "Timeouts".
const (
	schedulerTickInterval = 200 * time.Millisecond
	broadcastInterval     = 30 * time.Second
	statsWindow           = 2 * time.Second
	workTimeout           = 60 * time.Second
)

// PieceStatus is the four-state lifecycle of a single piece, per §3.
type PieceStatus int

const (
	PieceFree PieceStatus = iota
	PieceInProgress
	PieceReceived
	PieceSaved
)

// PeerAddr identifies a remote peer's dial target and protocol identity.
type PeerAddr struct {
	PeerID PeerID
	Host   string
	Port   int
}

// PeerID is a 32-byte peer id, compared lexicographically over its hex
// rendering per §4.5's initiator rule.
type PeerID [32]byte

func (h PeerID) Hex() string { return hex.EncodeToString(h[:]) }

// less implements the initiator rule's "lexicographic over hex" comparison.
func (h PeerID) less(other PeerID) bool {
	return h.Hex() < other.Hex()
}

// peerRecord is the engine's per-connected-peer bookkeeping, per §3 "Peer
// record": the Connection, its advertised bitfield, and whether it currently
// has an outstanding request from us.
type peerRecord struct {
	id       PeerID
	conn     *Connection
	bitfield []byte
	busy     bool
}

// EngineConfig parameterizes a PeerEngine's timers. Zero values fall back to
// the spec's documented defaults; there is no external config file format,
// per SPEC_FULL's ambient-stack decision — construction parameters only.
type EngineConfig struct {
	SchedulerTick time.Duration
	Broadcast     time.Duration
	StatsWindow   time.Duration
	WorkTimeout   time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.SchedulerTick == 0 {
		c.SchedulerTick = schedulerTickInterval
	}
	if c.Broadcast == 0 {
		c.Broadcast = broadcastInterval
	}
	if c.StatsWindow == 0 {
		c.StatsWindow = statsWindow
	}
	if c.WorkTimeout == 0 {
		c.WorkTimeout = workTimeout
	}
	return c
}

// EngineState is the public snapshot returned by GetState, per §4.5
// "get_state()".
type EngineState struct {
	Owned       []bool
	UploadBps   float64
	DownloadBps float64
	Destination string
	FullyOwned  bool
}

// PeerEngine is the resource manager for a single (destination, descriptor)
// pair — §4.5, "the heart". All mutable state is guarded by one mutex,
// mapping the specification's single-actor cooperative model onto Go's
// threaded one; background goroutines (scheduler, broadcast, stats, accept
// loop, work tasks) are the suspension points.
type PeerEngine struct {
	hostID     PeerID
	infoHash   [32]byte
	descriptor *Descriptor
	resource   *ResourceFile
	resume     *ResumeStore
	cfg        EngineConfig
	log        *logrus.Entry

	mu        sync.Mutex
	status    []PieceStatus
	charge    []PeerID
	hasCharge []bool
	peers     map[string]*peerRecord
	sharing   bool

	bytesDown   int64
	bytesUp     int64
	lastDrop    time.Time
	uploadBps   float64
	downloadBps float64

	listener     net.Listener
	publicPort   int
	downloadCtx  context.Context
	downloadStop context.CancelFunc
	portCtx      context.Context
	portStop     context.CancelFunc

	wg sync.WaitGroup

	shutdownOnce sync.Once
	closed       bool
}

// NewPeerEngine constructs the engine for destPath/descriptor, owned
// exclusively by this engine per §3 "Ownership".
func NewPeerEngine(hostID [32]byte, descriptor *Descriptor, destPath string, cfg EngineConfig, log *logrus.Entry) (*PeerEngine, error) {
	resource, err := NewResourceFile(descriptor, destPath)
	if err != nil {
		return nil, errors.Wrap(err, "open resource file")
	}

	n := descriptor.NumPieces()
	e := &PeerEngine{
		hostID:     PeerID(hostID),
		infoHash:   descriptor.InfoHash(),
		descriptor: descriptor,
		resource:   resource,
		resume:     NewResumeStore(destPath, descriptor.Name, descriptor.InfoHashHex()),
		cfg:        cfg.withDefaults(),
		log:        log.WithField("info_hash", descriptor.InfoHashHex()),
		status:     make([]PieceStatus, n),
		charge:     make([]PeerID, n),
		hasCharge:  make([]bool, n),
		peers:      make(map[string]*peerRecord),
		lastDrop:   time.Time{},
	}
	return e, nil
}

// RestorePrevious marks pieces already on disk as SAVED, per §4.5
// "restore_previous()": if the destination exists, every piece is SAVED;
// otherwise the resume bitmap (if present) seeds the SAVED set.
func (e *PeerEngine) RestorePrevious() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.resource.State() == StateDownloaded {
		for i := range e.status {
			e.status[i] = PieceSaved
		}
		return nil
	}

	received, err := e.resume.Read()
	if err != nil {
		return nil // absent resume file: nothing to restore, not an error
	}
	for i, ok := range received {
		if i < len(e.status) && ok {
			e.status[i] = PieceSaved
		}
	}
	return nil
}

// GetState returns a snapshot of owned pieces and current transfer rates.
func (e *PeerEngine) GetState() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *PeerEngine) stateLocked() EngineState {
	owned := make([]bool, len(e.status))
	full := true
	for i, s := range e.status {
		owned[i] = s == PieceSaved
		if !owned[i] {
			full = false
		}
	}
	return EngineState{
		Owned:       owned,
		UploadBps:   e.uploadBps,
		DownloadBps: e.downloadBps,
		Destination: e.resource.DestPath(),
		FullyOwned:  full,
	}
}

// registerPeer adds a peer to the table and wires it as a Connection
// listener. Caller must NOT hold e.mu (this takes it internally) since it
// also starts the connection's reader and writes to the socket.
func (e *PeerEngine) registerPeer(id PeerID, conn *Connection) *peerRecord {
	e.mu.Lock()
	if existing, ok := e.peers[id.Hex()]; ok {
		e.mu.Unlock()
		return existing
	}
	rec := &peerRecord{
		id:       id,
		conn:     conn,
		bitfield: NewBitfield(e.descriptor.NumPieces()),
	}
	e.peers[id.Hex()] = rec
	owned := e.ownedBitfieldLocked()
	e.mu.Unlock()

	conn.AddListener(&peerListener{engine: e, peerID: id})
	conn.Listen()
	if err := conn.Send(Message{Type: MsgBitfield, Bitfield: owned}); err != nil {
		e.log.WithField("peer_id", id.Hex()).WithError(err).Warn("failed to send initial bitfield")
	}
	return rec
}

func (e *PeerEngine) ownedBitfieldLocked() []byte {
	bits := NewBitfield(len(e.status))
	for i, s := range e.status {
		if s == PieceSaved {
			BitfieldSet(bits, i, true)
		}
	}
	return bits
}

// handleAccepted completes the inbound handshake flow from §4.5 "Handshake
// exchange": verify prefix and info hash, apply the initiator rule (accept
// only when the remote id sorts before the host id — see DESIGN.md for why
// this is the self-consistent reading), drop duplicates, register on
// success.
func (e *PeerEngine) handleAccepted(conn net.Conn) {
	log := e.log.WithField("remote_addr", conn.RemoteAddr().String())

	remoteID, infoHash, err := ReadHandshake(conn)
	if err != nil {
		log.WithError(err).Warn("bad inbound handshake")
		conn.Close()
		return
	}
	if infoHash != e.infoHash {
		log.Warn("inbound handshake info hash mismatch")
		conn.Close()
		return
	}

	remote := PeerID(remoteID)
	if !remote.less(e.hostID) {
		// Remote does not sort before host: per the initiator rule only the
		// lower-id side dials, so this inbound attempt is the wrong
		// direction. Drop silently rather than erroring, per §7
		// "Identity/duplication ... drop silently".
		log.WithField("peer_id", remote.Hex()).Debug("rejecting inbound from non-initiating peer id")
		conn.Close()
		return
	}

	e.mu.Lock()
	_, dup := e.peers[remote.Hex()]
	e.mu.Unlock()
	if dup {
		conn.Close()
		return
	}

	c := NewConnection(conn, e.log)
	if err := c.SendHandshake(e.hostID, e.infoHash); err != nil {
		log.WithError(err).Warn("failed to send inbound handshake reply")
		c.Close()
		return
	}
	e.registerPeer(remote, c)
}

// DialPeer completes the outbound handshake flow from §4.5: connect, send
// our handshake, read and verify the reply, register on success.
func (e *PeerEngine) DialPeer(addr PeerAddr) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port))
	if err != nil {
		return errors.Wrap(err, "dial peer")
	}

	if err := WriteHandshake(conn, e.hostID, e.infoHash); err != nil {
		conn.Close()
		return errors.Wrap(err, "send outbound handshake")
	}
	remoteID, infoHash, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "read outbound handshake reply")
	}
	if infoHash != e.infoHash {
		conn.Close()
		return ErrInfoHashMismatch
	}
	if PeerID(remoteID) != addr.PeerID {
		conn.Close()
		return ErrPeerIDMismatch
	}

	c := NewConnection(conn, e.log)
	e.registerPeer(addr.PeerID, c)
	return nil
}

// SubmitPeers dials every remote with a greater peer id than the host that
// is not already connected, per §4.5 "submit_peers(list)".
func (e *PeerEngine) SubmitPeers(addrs []PeerAddr) {
	for _, addr := range addrs {
		if addr.PeerID == e.hostID {
			continue
		}
		if !e.hostID.less(addr.PeerID) {
			continue
		}
		e.mu.Lock()
		_, connected := e.peers[addr.PeerID.Hex()]
		e.mu.Unlock()
		if connected {
			continue
		}
		addr := addr
		go func() {
			if err := e.DialPeer(addr); err != nil {
				e.log.WithField("peer_id", addr.PeerID.Hex()).WithError(err).Debug("dial failed")
			}
		}()
	}
}

// peerListener bridges a Connection's callbacks back into the owning
// engine, holding only the peer id rather than a strong reference to the
// peerRecord per §9 "model the listener as an index/id into the engine's
// peer table".
type peerListener struct {
	engine *PeerEngine
	peerID PeerID
}

func (pl *peerListener) OnRequest(c *Connection, req RequestPayload) {
	pl.engine.handleRequest(pl.peerID, c, req)
}
func (pl *peerListener) OnPiece(c *Connection, piece PiecePayload) {
	pl.engine.handlePiece(pl.peerID, piece)
}
func (pl *peerListener) OnBitfield(c *Connection, bits []byte) {
	pl.engine.handleBitfield(pl.peerID, bits)
}
func (pl *peerListener) OnClose(c *Connection, cause error) {
	pl.engine.handlePeerLoss(pl.peerID, cause)
}

// handleBitfield replaces the peer's recorded availability bitfield.
func (e *PeerEngine) handleBitfield(peerID PeerID, bits []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.peers[peerID.Hex()]; ok {
		rec.bitfield = bits
	}
}

// handleRequest replies with the requested piece if sharing is enabled,
// per §4.5 "Handling inbound Request messages".
func (e *PeerEngine) handleRequest(peerID PeerID, c *Connection, req RequestPayload) {
	e.mu.Lock()
	sharing := e.sharing
	e.mu.Unlock()
	if !sharing {
		return
	}

	data, err := e.resource.ReadPiece(int(req.PieceIndex))
	if err != nil {
		e.log.WithField("peer_id", peerID.Hex()).WithError(err).Debug("failed to read requested piece")
		return
	}
	if req.InnerOffset != 0 || uint32(len(data)) != req.BlockLength {
		// Sub-range requests: honor any well-formed subrange per §4.1,
		// even though this core's own senders always request whole pieces.
		end := int(req.InnerOffset) + int(req.BlockLength)
		if int(req.InnerOffset) < 0 || end > len(data) {
			e.log.WithField("peer_id", peerID.Hex()).Debug("request out of range")
			return
		}
		data = data[req.InnerOffset:end]
	}

	err = c.Send(Message{Type: MsgPiece, Piece: PiecePayload{
		PieceIndex:  req.PieceIndex,
		InnerOffset: req.InnerOffset,
		BlockLength: uint32(len(data)),
		Data:        data,
	}})
	if err != nil {
		e.log.WithField("peer_id", peerID.Hex()).WithError(err).Debug("failed to send piece")
		return
	}

	e.mu.Lock()
	e.bytesUp += int64(len(data))
	e.mu.Unlock()
}

// handlePiece implements §4.5 "Handling inbound Piece messages": charge
// check, hash verification, write, bitfield broadcast, completion check.
func (e *PeerEngine) handlePiece(peerID PeerID, piece PiecePayload) {
	i := int(piece.PieceIndex)

	e.mu.Lock()
	if i < 0 || i >= len(e.status) || !e.hasCharge[i] || e.charge[i] != peerID {
		e.mu.Unlock()
		return
	}
	e.status[i] = PieceReceived
	e.mu.Unlock()

	sum := sha256.Sum256(piece.Data)
	gotHex := hex.EncodeToString(sum[:])
	expectHex := e.descriptor.Pieces[i].SHA256Hex

	if gotHex != expectHex {
		e.log.WithFields(logrus.Fields{"piece": i, "peer_id": peerID.Hex()}).Warn("piece hash mismatch")
		e.revertPiece(i)
		return
	}

	if err := e.resource.WritePiece(i, piece.Data); err != nil {
		e.log.WithField("piece", i).WithError(err).Error("failed to write piece")
		e.revertPiece(i)
		return
	}

	e.mu.Lock()
	e.status[i] = PieceSaved
	e.hasCharge[i] = false
	if rec, ok := e.peers[peerID.Hex()]; ok {
		rec.busy = false
	}
	e.bytesDown += int64(len(piece.Data))
	done := e.allSavedLocked()
	owned := e.ownedBitfieldLocked()
	e.mu.Unlock()

	if err := e.persistResume(); err != nil {
		e.log.WithError(err).Error("failed to persist resume state")
	}
	e.broadcastBitfield(owned)

	if done {
		e.completeDownload()
	}
}

func (e *PeerEngine) allSavedLocked() bool {
	for _, s := range e.status {
		if s != PieceSaved {
			return false
		}
	}
	return true
}

func (e *PeerEngine) persistResume() error {
	e.mu.Lock()
	received := make([]bool, len(e.status))
	for i, s := range e.status {
		received[i] = s == PieceSaved
	}
	e.mu.Unlock()
	return e.resume.Write(received)
}

// revertPiece reverts a piece to FREE and clears its charge, used on hash
// mismatch, write failure, or timeout per §3's status lifecycle.
func (e *PeerEngine) revertPiece(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.peerByChargeLocked(i)
	e.status[i] = PieceFree
	e.hasCharge[i] = false
	if ok {
		rec.busy = false
	}
}

func (e *PeerEngine) peerByChargeLocked(i int) (*peerRecord, bool) {
	if !e.hasCharge[i] {
		return nil, false
	}
	rec, ok := e.peers[e.charge[i].Hex()]
	return rec, ok
}

// broadcastBitfield pushes bits to every connected peer.
func (e *PeerEngine) broadcastBitfield(bits []byte) {
	e.mu.Lock()
	recs := make([]*peerRecord, 0, len(e.peers))
	for _, rec := range e.peers {
		recs = append(recs, rec)
	}
	e.mu.Unlock()

	for _, rec := range recs {
		if err := rec.conn.Send(Message{Type: MsgBitfield, Bitfield: bits}); err != nil {
			e.log.WithField("peer_id", rec.id.Hex()).WithError(err).Debug("broadcast failed")
		}
	}
}

// completeDownload commits the resource file and removes the resume file,
// then stops the scheduler, per §4.5's "if every piece is SAVED, commit the
// download".
func (e *PeerEngine) completeDownload() {
	if err := e.resource.Commit(); err != nil {
		e.log.WithError(err).Error("failed to commit completed download")
		return
	}
	if err := e.resume.Remove(); err != nil {
		e.log.WithError(err).Warn("failed to remove resume file")
	}
	e.log.Info("download complete")
	e.StopDownload()
}

// handlePeerLoss removes a peer, its availability, and any charge lines it
// held, per §7 "Peer loss".
func (e *PeerEngine) handlePeerLoss(peerID PeerID, cause error) {
	e.mu.Lock()
	delete(e.peers, peerID.Hex())
	for i := range e.charge {
		if e.hasCharge[i] && e.charge[i] == peerID {
			e.hasCharge[i] = false
			if e.status[i] == PieceInProgress {
				e.status[i] = PieceFree
			}
		}
	}
	e.mu.Unlock()
	e.log.WithField("peer_id", peerID.Hex()).WithError(cause).Debug("peer connection closed")
}

// StartDownload starts the scheduler loop. A no-op if the destination
// already exists, per §4.5 "start_download()".
func (e *PeerEngine) StartDownload() {
	e.mu.Lock()
	if e.resource.State() == StateDownloaded {
		e.mu.Unlock()
		return
	}
	if e.downloadCtx != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.downloadCtx = ctx
	e.downloadStop = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.schedulerLoop(ctx)
}

// StopDownload cancels the scheduler and waits for it (and every in-flight
// work task) to finish, then sweeps any piece still IN_PROGRESS back to
// FREE. The spec models cancellation of a work task as simply dropping its
// future; left alone that would strand a piece IN_PROGRESS forever across a
// stop/restart cycle with no timer left to revert it, so this sweep clears
// that leftover charge explicitly.
func (e *PeerEngine) StopDownload() {
	e.mu.Lock()
	cancel := e.downloadStop
	e.downloadCtx = nil
	e.downloadStop = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()

	e.mu.Lock()
	for i, s := range e.status {
		if s == PieceInProgress {
			e.status[i] = PieceFree
			e.hasCharge[i] = false
		}
	}
	// wg.Wait above guarantees every work task has already exited (either
	// through the timeout branch, which clears its own peer's busy flag, or
	// through ctx.Done(), which does not) — clear any survivors here so a
	// restarted scheduler doesn't find peers stuck permanently busy.
	for _, rec := range e.peers {
		rec.busy = false
	}
	e.mu.Unlock()
}

// schedulerLoop wakes every tick and assigns FREE pieces to peers that
// advertise them, per §4.5 "Scheduler".
func (e *PeerEngine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.schedulerTick(ctx) {
				return
			}
		}
	}
}

// schedulerTick runs one scheduling pass. Returns true if every piece is
// SAVED and the loop should exit.
func (e *PeerEngine) schedulerTick(ctx context.Context) bool {
	e.mu.Lock()
	if e.allSavedLocked() {
		e.mu.Unlock()
		return true
	}

	var free []int
	for i, s := range e.status {
		if s == PieceFree {
			free = append(free, i)
		}
	}
	rand.Shuffle(len(free), func(i, j int) { free[i], free[j] = free[j], free[i] })

	type assignment struct {
		peer  *peerRecord
		piece int
	}
	var toAssign *assignment

outer:
	for _, i := range free {
		for _, rec := range e.peers {
			if rec.busy {
				continue
			}
			if BitfieldGet(rec.bitfield, i) {
				e.status[i] = PieceInProgress
				e.charge[i] = rec.id
				e.hasCharge[i] = true
				rec.busy = true
				toAssign = &assignment{peer: rec, piece: i}
				break outer
			}
		}
	}
	e.mu.Unlock()

	if toAssign != nil {
		e.wg.Add(1)
		go e.workTask(ctx, toAssign.peer, toAssign.piece)
	}
	return false
}

// workTask requests piece i from peer and waits up to the configured
// timeout; if the piece is still IN_PROGRESS afterward, clears its charge
// and resets it to FREE, per §4.5 "A work task".
func (e *PeerEngine) workTask(ctx context.Context, peer *peerRecord, i int) {
	defer e.wg.Done()

	size := e.descriptor.Pieces[i].SizeBytes
	err := peer.conn.Send(Message{Type: MsgRequest, Request: RequestPayload{
		PieceIndex:  uint32(i),
		InnerOffset: 0,
		BlockLength: uint32(size),
	}})
	if err != nil {
		e.revertPiece(i)
		return
	}

	timer := time.NewTimer(e.cfg.WorkTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	e.mu.Lock()
	stillInProgress := e.status[i] == PieceInProgress
	if stillInProgress {
		e.status[i] = PieceFree
		e.hasCharge[i] = false
	}
	if rec, ok := e.peers[peer.id.Hex()]; ok {
		rec.busy = false
	}
	e.mu.Unlock()
}

// broadcastLoop periodically re-pushes the owned bitfield to every peer,
// per §4.5 "Periodic bitfield broadcast".
func (e *PeerEngine) broadcastLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Broadcast)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			owned := e.ownedBitfieldLocked()
			e.mu.Unlock()
			e.broadcastBitfield(owned)
		}
	}
}

// statsLoop samples upload/download rates every statsWindow, per §4.5
// "Network statistics".
func (e *PeerEngine) statsLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.StatsWindow)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now
			e.mu.Lock()
			if elapsed > 0 {
				e.downloadBps = float64(e.bytesDown) / elapsed
				e.uploadBps = float64(e.bytesUp) / elapsed
			}
			e.bytesDown, e.bytesUp = 0, 0
			e.lastDrop = now
			e.mu.Unlock()
		}
	}
}

// OpenPublicPort binds an ephemeral TCP port and starts accepting inbound
// peers, the broadcast loop, and the stats loop, per §4.5
// "open_public_port()". Fails if already listening.
func (e *PeerEngine) OpenPublicPort() (int, error) {
	e.mu.Lock()
	if e.listener != nil {
		e.mu.Unlock()
		return 0, ErrAlreadyListening
	}
	e.mu.Unlock()

	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, errors.Wrap(err, "open public port")
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.listener = ln
	e.publicPort = port
	e.portCtx = ctx
	e.portStop = cancel
	e.mu.Unlock()

	e.wg.Add(3)
	go e.acceptLoop(ctx, ln)
	go e.broadcastLoop(ctx)
	go e.statsLoop(ctx)

	return port, nil
}

// acceptLoop accepts inbound connections until the port is closed.
func (e *PeerEngine) acceptLoop(ctx context.Context, ln net.Listener) {
	defer e.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.log.WithError(err).Debug("accept failed")
				return
			}
		}
		go e.handleAccepted(conn)
	}
}

// ClosePublicPort cancels the accept, broadcast, and stats loops, per §4.5
// "close_public_port()".
func (e *PeerEngine) ClosePublicPort() {
	e.mu.Lock()
	ln := e.listener
	cancel := e.portStop
	e.listener = nil
	e.portStop = nil
	e.portCtx = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
}

// StartSharingFile enables replying to inbound Request messages.
func (e *PeerEngine) StartSharingFile() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sharing = true
}

// StopSharingFile disables replying to inbound Request messages.
func (e *PeerEngine) StopSharingFile() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sharing = false
}

// FullStartFlags selects which subsystems FullStart enables.
type FullStartFlags struct {
	Share    bool
	Download bool
}

// FullStart is the convenience composite from §4.5 "full_start(flags)":
// restore, optionally share, optionally download, always open the port.
func (e *PeerEngine) FullStart(flags FullStartFlags) (int, error) {
	if err := e.RestorePrevious(); err != nil {
		return 0, err
	}
	if flags.Share {
		e.StartSharingFile()
	}
	if flags.Download {
		e.StartDownload()
	}
	return e.OpenPublicPort()
}

// Shutdown cancels all tasks, closes all connections, and stops sharing and
// downloading. Idempotent via sync.Once per §8's double-shutdown law.
func (e *PeerEngine) Shutdown() {
	e.shutdownOnce.Do(func() {
		// Close the port first: StopDownload waits on e.wg, which also counts
		// the accept, broadcast, and stats loops that only ClosePublicPort ends.
		e.ClosePublicPort()
		e.StopDownload()
		e.StopSharingFile()

		e.mu.Lock()
		recs := make([]*peerRecord, 0, len(e.peers))
		for _, rec := range e.peers {
			recs = append(recs, rec)
		}
		e.peers = make(map[string]*peerRecord)
		e.closed = true
		e.mu.Unlock()

		for _, rec := range recs {
			rec.conn.Close()
		}
	})
}

// Package scheduler implements the piece/block download algorithm: a
// single goroutine owns all piece state and receives parsed peer-wire
// events over a mailbox channel. No other goroutine ever mutates piece
// state directly.
package scheduler

import (
	"context"

	"github.com/google/uuid"
	"github.com/nvke/reaper/internal/bitfield"
	"github.com/nvke/reaper/internal/filesink"
	"github.com/nvke/reaper/internal/metainfo"
	"github.com/nvke/reaper/internal/peerwire"
	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/session"
	"github.com/nvke/reaper/internal/sha1x"
	"github.com/nvke/reaper/internal/xlog"
)

// BlockSize is the fixed block length requested from peers (16 KiB).
const BlockSize = 16 * 1024

// maxSuspicion is the hash-mismatch strike count that bans a peer for the
// run.
const maxSuspicion = 3

// State is a piece's lifecycle state.
type State int

const (
	Missing State = iota
	InFlightState
	Verified
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InFlightState:
		return "in_flight"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// ProgressFunc is called after every piece transition to Verified.
type ProgressFunc func(verified, total int)

// pieceWork tracks one piece's in-progress block assembly.
type pieceWork struct {
	index          int
	length         int64
	buf            []byte
	numBlocks      int
	blockReceived  []bool
	requestedCount int
	owner          uuid.UUID
}

func (w *pieceWork) blockLen(blockIdx int) int64 {
	begin := int64(blockIdx) * BlockSize
	if remaining := w.length - begin; remaining < BlockSize {
		return remaining
	}
	return BlockSize
}

// Scheduler owns all piece state for one torrent download.
type Scheduler struct {
	mi   *metainfo.Metainfo
	sink *filesink.Sink
	log  xlog.Logger

	mailbox chan session.Event

	sessions map[uuid.UUID]*session.PeerSession
	states   []State
	work     map[int]*pieceWork

	// peerBitfields is the only record of what each session has advertised,
	// applied only from this goroutine as HAVE/BITFIELD events are handled.
	// session.PeerSession keeps no bitfield of its own, so pickPieceFor's
	// own-peer lookup and availability's cross-peer scan both read this map
	// and never touch state that a session's read-loop goroutine writes.
	peerBitfields map[uuid.UUID]bitfield.Bitfield

	window       int
	onProgress   ProgressFunc
	verifiedSoFar int
}

// New builds a Scheduler for mi, writing verified pieces to sink.
func New(mi *metainfo.Metainfo, sink *filesink.Sink, log xlog.Logger, window int, onProgress ProgressFunc) *Scheduler {
	if window < 1 {
		window = 5
	}
	if log == nil {
		log = xlog.Discard()
	}
	return &Scheduler{
		mi:            mi,
		sink:          sink,
		log:           log,
		mailbox:       make(chan session.Event, 256),
		sessions:      make(map[uuid.UUID]*session.PeerSession),
		states:        make([]State, mi.NumPieces()),
		work:          make(map[int]*pieceWork),
		peerBitfields: make(map[uuid.UUID]bitfield.Bitfield),
		window:        window,
		onProgress:    onProgress,
	}
}

// Mailbox returns the channel peer sessions post events to.
func (s *Scheduler) Mailbox() chan<- session.Event { return s.mailbox }

// AddSession registers a newly connected, handshaken peer with an empty
// advertised bitfield and attempts to begin work with it. Pieces become
// assignable to it once its BITFIELD or HAVE events are handled.
func (s *Scheduler) AddSession(ps *session.PeerSession) {
	s.sessions[ps.ID] = ps
	s.peerBitfields[ps.ID] = bitfield.New(s.mi.NumPieces())
	s.tryAssign(ps)
}

// Done reports whether every piece is Verified.
func (s *Scheduler) Done() bool {
	return s.verifiedSoFar == len(s.states)
}

// Run drives the single-goroutine event loop until every piece is verified
// or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for !s.Done() {
		select {
		case <-ctx.Done():
			return rerrs.Cancelled(ctx.Err())
		case ev := <-s.mailbox:
			s.handleEvent(ev)
		}
	}
	return nil
}

func (s *Scheduler) handleEvent(ev session.Event) {
	ps, ok := s.sessions[ev.SessionID]
	if !ok {
		return // stale event from an already-removed session
	}
	switch ev.Kind {
	case session.EventClosed:
		s.onSessionClosed(ps, ev.Err)
	case session.EventMessage:
		s.onMessage(ps, ev.Message)
	}
}

func (s *Scheduler) onSessionClosed(ps *session.PeerSession, cause error) {
	s.log.WithFields(xlog.Fields{"peer": ps.Addr}).Debug("session closed: ", cause)
	s.releaseSessionWork(ps)
	delete(s.sessions, ps.ID)
	delete(s.peerBitfields, ps.ID)
}

// releaseSessionWork returns any piece ps was assembling to Missing so
// another peer can pick it up, and clears ps's in-flight count so it becomes
// eligible for a new assignment again (via pickPieceFor's InFlight guard).
func (s *Scheduler) releaseSessionWork(ps *session.PeerSession) {
	for idx, w := range s.work {
		if w.owner == ps.ID {
			s.states[idx] = Missing
			delete(s.work, idx)
			ps.InFlight--
		}
	}
}

func (s *Scheduler) onMessage(ps *session.PeerSession, m peerwire.Message) {
	switch m.ID {
	case peerwire.Unchoke:
		s.tryAssign(ps)
	case peerwire.Choke:
		s.releaseSessionWork(ps)
	case peerwire.Have:
		if idx, err := peerwire.DecodeHave(m); err == nil {
			s.peerBitfields[ps.ID].Set(int(idx))
		}
		s.tryAssign(ps)
	case peerwire.Bitfield:
		bf := make(bitfield.Bitfield, len(m.Payload))
		copy(bf, m.Payload)
		s.peerBitfields[ps.ID] = bf
		s.tryAssign(ps)
	case peerwire.Piece:
		s.onPieceBlock(ps, m)
	}
}

func (s *Scheduler) sendInterested(ps *session.PeerSession) {
	if ps.AmInterested {
		return
	}
	if err := ps.Send(peerwire.Message{ID: peerwire.Interested}); err != nil {
		s.log.Debug("failed to send INTERESTED to ", ps.Addr, ": ", err)
		return
	}
	ps.AmInterested = true
}

// tryAssign attempts to start ps working on the rarest piece it can serve
// that nothing else is currently assembling.
func (s *Scheduler) tryAssign(ps *session.PeerSession) {
	if ps.Banned {
		return
	}
	idx, ok := s.pickPieceFor(ps)
	if !ok {
		return
	}
	s.sendInterested(ps)
	if ps.AmChoked {
		return
	}
	s.beginPiece(ps, idx)
}

// pickPieceFor implements the rarity-first selection policy: among the
// pieces ps can serve and that are still Missing, prefer the one currently
// advertised by the fewest connected peers.
func (s *Scheduler) pickPieceFor(ps *session.PeerSession) (int, bool) {
	if ps.InFlight > 0 {
		return 0, false
	}
	best := -1
	bestAvailability := -1
	peerBits := s.peerBitfields[ps.ID]
	for idx, state := range s.states {
		if state != Missing {
			continue
		}
		if !peerBits.Get(idx) {
			continue
		}
		avail := s.availability(idx)
		if best == -1 || avail < bestAvailability {
			best = idx
			bestAvailability = avail
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func (s *Scheduler) availability(idx int) int {
	n := 0
	for id, other := range s.sessions {
		if !other.Banned && s.peerBitfields[id].Get(idx) {
			n++
		}
	}
	return n
}

func (s *Scheduler) beginPiece(ps *session.PeerSession, idx int) {
	length := s.mi.PieceLen(idx)
	numBlocks := int((length + BlockSize - 1) / BlockSize)
	w := &pieceWork{
		index:         idx,
		length:        length,
		buf:           make([]byte, length),
		numBlocks:     numBlocks,
		blockReceived: make([]bool, numBlocks),
		owner:         ps.ID,
	}
	s.states[idx] = InFlightState
	s.work[idx] = w
	ps.InFlight++

	toRequest := s.window
	if toRequest > numBlocks {
		toRequest = numBlocks
	}
	for b := 0; b < toRequest; b++ {
		s.requestBlock(ps, w, b)
	}
	w.requestedCount = toRequest
}

func (s *Scheduler) requestBlock(ps *session.PeerSession, w *pieceWork, blockIdx int) {
	req := peerwire.RequestPayload{
		Index:  uint32(w.index),
		Begin:  uint32(blockIdx * BlockSize),
		Length: uint32(w.blockLen(blockIdx)),
	}
	if err := ps.Send(peerwire.EncodeRequest(req)); err != nil {
		s.log.Debug("failed to send REQUEST to ", ps.Addr, ": ", err)
	}
}

func (s *Scheduler) onPieceBlock(ps *session.PeerSession, m peerwire.Message) {
	payload, err := peerwire.DecodePiece(m)
	if err != nil {
		return
	}
	w, ok := s.work[int(payload.Index)]
	if !ok || w.owner != ps.ID {
		return // stale or reassigned piece; ignore
	}
	blockIdx := int(payload.Begin) / BlockSize
	if blockIdx < 0 || blockIdx >= w.numBlocks || w.blockReceived[blockIdx] {
		return // duplicate or out-of-range; ignore
	}
	copy(w.buf[payload.Begin:], payload.Block)
	w.blockReceived[blockIdx] = true

	if w.requestedCount < w.numBlocks {
		s.requestBlock(ps, w, w.requestedCount)
		w.requestedCount++
	}

	if !allReceived(w.blockReceived) {
		return
	}
	s.finishPiece(ps, w)
}

func allReceived(received []bool) bool {
	for _, r := range received {
		if !r {
			return false
		}
	}
	return true
}

func (s *Scheduler) finishPiece(ps *session.PeerSession, w *pieceWork) {
	delete(s.work, w.index)
	ps.InFlight--

	got := sha1x.Sum20(w.buf)
	want := s.mi.PieceHashes[w.index]
	if got != want {
		s.states[w.index] = Missing
		s.penalize(ps)
		s.log.WithFields(xlog.Fields{"peer": ps.Addr, "piece": w.index}).Warn("piece hash mismatch")
		if !ps.Banned {
			s.tryAssign(ps)
		}
		return
	}

	if err := s.sink.WritePiece(w.index, w.buf); err != nil {
		s.log.WithFields(xlog.Fields{"piece": w.index}).Error("writing piece to disk: ", err)
		s.states[w.index] = Missing
		return
	}

	s.states[w.index] = Verified
	s.verifiedSoFar++
	s.log.WithFields(xlog.Fields{"piece": w.index}).Info("piece verified")
	if s.onProgress != nil {
		s.onProgress(s.verifiedSoFar, len(s.states))
	}
	s.tryAssign(ps)
}

// penalize increments ps's suspicion counter, banning it after three
// hash-mismatch strikes.
func (s *Scheduler) penalize(ps *session.PeerSession) {
	ps.Suspicion++
	if ps.Suspicion >= maxSuspicion {
		ps.Banned = true
		ps.Close()
		delete(s.sessions, ps.ID)
		delete(s.peerBitfields, ps.ID)
		s.log.WithFields(xlog.Fields{"peer": ps.Addr}).Warn("peer banned after repeated hash mismatches")
	}
}

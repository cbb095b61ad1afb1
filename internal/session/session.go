// Package session implements the per-peer half of a cooperative
// concurrency model: each PeerSession owns one TCP connection and runs a
// read-loop goroutine that parses peerwire frames and posts them to a
// scheduler-owned mailbox channel. A PeerSession never touches shared piece
// state directly — state changes happen only by message passing, so the
// scheduler remains the single owner of truth about which piece is in what
// state.
package session

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/nvke/reaper/internal/peerwire"
	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/xlog"
)

// EventKind distinguishes the two things a PeerSession reports to its
// mailbox: an inbound frame, or its own termination.
type EventKind int

const (
	EventMessage EventKind = iota
	EventClosed
)

// Event is one item posted to the scheduler's mailbox channel.
type Event struct {
	SessionID uuid.UUID
	Kind      EventKind
	Message   peerwire.Message
	Err       error // set when Kind == EventClosed and the close was abnormal
}

// PeerSession is one established, handshaken connection to a remote peer.
type PeerSession struct {
	ID     uuid.UUID
	Addr   string
	PeerID [20]byte

	conn net.Conn
	log  xlog.Logger

	// AmChoked is true until the remote sends UNCHOKE.
	AmChoked bool
	// AmInterested tracks whether we've sent INTERESTED.
	AmInterested bool

	// Suspicion counts hash-mismatch penalties charged against this peer;
	// three strikes bans it for the run.
	Suspicion int
	Banned    bool

	// InFlight is the scheduler's bookkeeping of how many pieces are
	// currently assigned to this session; the scheduler assigns a new piece
	// only while it is zero.
	InFlight int

	messageCount int
}

// DialOpts bundles the parameters needed to establish a session.
type DialOpts struct {
	Addr           string
	InfoHash       [20]byte
	OurPeerID      [20]byte
	ConnectTimeout time.Duration
	Logger         xlog.Logger
}

// Dial connects to addr, performs the handshake, and returns an established
// PeerSession. The caller must call Run to begin the read loop.
func Dial(ctx context.Context, opts DialOpts) (*PeerSession, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, rerrs.NetworkWrap(err, "session: dial %s", opts.Addr)
	}

	if err := peerwire.WriteHandshake(conn, peerwire.Handshake{InfoHash: opts.InfoHash, PeerID: opts.OurPeerID}); err != nil {
		conn.Close()
		return nil, err
	}
	hs, err := peerwire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hs.InfoHash != opts.InfoHash {
		conn.Close()
		return nil, rerrs.Protocol("session: info_hash mismatch from %s", opts.Addr)
	}

	id := uuid.New()
	logger := opts.Logger
	if logger == nil {
		logger = xlog.Discard()
	}
	logger = logger.WithFields(xlog.Fields{"session": id.String(), "peer": opts.Addr})

	return &PeerSession{
		ID:       id,
		Addr:     opts.Addr,
		PeerID:   hs.PeerID,
		conn:     conn,
		log:      logger,
		AmChoked: true,
	}, nil
}

// Send writes one frame to the peer. The scheduler is the sole writer, so no
// internal locking is needed.
func (s *PeerSession) Send(m peerwire.Message) error {
	return peerwire.WriteMessage(s.conn, m)
}

// Close closes the underlying connection.
func (s *PeerSession) Close() error {
	return s.conn.Close()
}

// Run reads frames until ctx is done, the connection errors, or the
// connection closes, posting each to mailbox. It always posts exactly one
// final EventClosed before returning.
func (s *PeerSession) Run(ctx context.Context, mailbox chan<- Event) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		// A peer that sends nothing (not even a keep-alive) for 30s is
		// treated as gone.
		s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		m, err := peerwire.ReadMessage(s.conn)
		if err != nil {
			s.log.Debug("peer read loop ending: ", err)
			mailbox <- Event{SessionID: s.ID, Kind: EventClosed, Err: err}
			return
		}
		if m.KeepAlive {
			continue
		}
		if m.ID == peerwire.Bitfield && s.messageCount > 0 {
			err := rerrs.Protocol("session: BITFIELD received after the first message from %s", s.Addr)
			mailbox <- Event{SessionID: s.ID, Kind: EventClosed, Err: err}
			s.conn.Close()
			return
		}
		s.messageCount++
		s.applyLocal(m)
		mailbox <- Event{SessionID: s.ID, Kind: EventMessage, Message: m}
	}
}

// applyLocal updates session-local state that doesn't require scheduler
// arbitration: choke state. This runs on the read loop goroutine, which is
// the sole writer of this field. Bitfield/HAVE tracking is NOT done here —
// the scheduler applies those to its own per-session copy as it handles
// each event, since it also needs to read other sessions' advertised
// pieces, which a field mutated by each session's own read-loop goroutine
// cannot safely support.
func (s *PeerSession) applyLocal(m peerwire.Message) {
	switch m.ID {
	case peerwire.Unchoke:
		s.AmChoked = false
	case peerwire.Choke:
		s.AmChoked = true
	}
}

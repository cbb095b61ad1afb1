// Package orchestrator composes tracker, peer pool, and scheduler into one
// run: it owns the run's context.Context, drives the initial announce,
// dials every returned peer, and runs the scheduler to completion or
// cancellation.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/nvke/reaper/internal/config"
	"github.com/nvke/reaper/internal/filesink"
	"github.com/nvke/reaper/internal/metainfo"
	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/scheduler"
	"github.com/nvke/reaper/internal/session"
	"github.com/nvke/reaper/internal/tracker"
	"github.com/nvke/reaper/internal/urlx"
	"github.com/nvke/reaper/internal/xlog"
)

// ProgressFunc reports verified/total piece counts as the download proceeds.
type ProgressFunc func(verified, total int)

// Orchestrator runs one torrent download end to end.
type Orchestrator struct {
	cfg *config.Config
	mi  *metainfo.Metainfo
	log xlog.Logger

	onProgress ProgressFunc
	window     int
}

// New builds an Orchestrator for cfg and an already-parsed mi.
func New(cfg *config.Config, mi *metainfo.Metainfo, log xlog.Logger, onProgress ProgressFunc) *Orchestrator {
	if log == nil {
		log = xlog.Discard()
	}
	return &Orchestrator{cfg: cfg, mi: mi, log: log, onProgress: onProgress, window: 8}
}

// Run drives the download to completion, or returns the first fatal error
// (an InputError/IOError/TrackerError) or a Cancelled error if ctx is done
// first.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	announceURL, err := urlx.Parse(o.mi.Announce)
	if err != nil {
		return rerrs.InputWrap(err, "orchestrator: parsing announce URL")
	}

	sink, err := filesink.New(o.cfg.OutputDir, o.mi, o.log)
	if err != nil {
		return err
	}
	defer sink.Close()

	left := o.mi.TotalLength
	resp, err := o.announce(runCtx, announceURL, left, tracker.EventStarted)
	if err != nil {
		return err
	}
	o.log.WithFields(xlog.Fields{"peers": len(resp.Peers), "interval": resp.Interval}).Info("tracker announce succeeded")

	sched := scheduler.New(o.mi, sink, o.log, o.window, o.onProgress)

	// Dial every peer concurrently, but register each session with the
	// scheduler (and start its read loop) only from this goroutine — the
	// scheduler's session map and piece state must have exactly one writer,
	// so dialing (concurrent, no shared state) is kept strictly separate
	// from registration (serial).
	sessions := o.dialAll(runCtx, resp.Peers)

	var wg sync.WaitGroup
	for _, ps := range sessions {
		sched.AddSession(ps)
		ps := ps
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ps.Close()
			ps.Run(runCtx, sched.Mailbox())
		}()
	}

	err = sched.Run(runCtx)
	cancel()
	wg.Wait()

	if err != nil {
		return err
	}

	// Best-effort completion announce; failure here doesn't fail the run,
	// since every piece is already verified and written to disk.
	completeCtx, completeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer completeCancel()
	if _, cerr := o.announce(completeCtx, announceURL, 0, tracker.EventCompleted); cerr != nil {
		o.log.Debug("completion announce failed (non-fatal): ", cerr)
	}
	return nil
}

func (o *Orchestrator) announce(ctx context.Context, announceURL *urlx.URL, left int64, event tracker.Event) (*tracker.AnnounceResponse, error) {
	client := tracker.New(announceURL)
	req := tracker.AnnounceRequest{
		InfoHash:   o.mi.InfoHash,
		PeerID:     o.cfg.PeerID,
		Port:       o.cfg.Port,
		Left:       left,
		Compact:    true,
		Event:      event,
		NumWant:    50,
	}
	o.log.WithFields(xlog.Fields{"event": string(event)}).Debug("announcing to tracker")
	return client.Announce(ctx, req)
}

// dialAll connects to every peer concurrently and returns the sessions that
// succeeded. A dial failure against one peer is logged and swallowed: one
// unreachable peer must not fail the whole run.
func (o *Orchestrator) dialAll(ctx context.Context, peers []tracker.Peer) []*session.PeerSession {
	results := make(chan *session.PeerSession, len(peers))
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps, err := session.Dial(ctx, session.DialOpts{
				Addr:           p.Addr(),
				InfoHash:       o.mi.InfoHash,
				OurPeerID:      o.cfg.PeerID,
				ConnectTimeout: 10 * time.Second,
				Logger:         o.log,
			})
			if err != nil {
				o.log.Debug("dial failed for ", p.Addr(), ": ", err)
				return
			}
			results <- ps
		}()
	}
	wg.Wait()
	close(results)

	sessions := make([]*session.PeerSession, 0, len(peers))
	for ps := range results {
		sessions = append(sessions, ps)
	}
	return sessions
}

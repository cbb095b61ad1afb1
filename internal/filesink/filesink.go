// Package filesink preallocates every file named by a torrent's metainfo,
// then addresses the torrent as one concatenated virtual byte stream where
// a write of arbitrary length at an arbitrary offset may be split across
// multiple files.
package filesink

import (
	"os"
	"path/filepath"

	"github.com/nvke/reaper/internal/metainfo"
	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/xlog"
)

// Sink owns the open file handles backing one torrent's output.
type Sink struct {
	mi    *metainfo.Metainfo
	files []*os.File // parallel to mi.Files
	log   xlog.Logger
}

// New creates outDir (idempotently), preallocates every file named by mi's
// layout under it, and returns a Sink ready to accept piece writes.
func New(outDir string, mi *metainfo.Metainfo, log xlog.Logger) (*Sink, error) {
	if log == nil {
		log = xlog.Discard()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, rerrs.IOWrap(err, "filesink: creating output directory %s", outDir)
	}

	s := &Sink{mi: mi, log: log}
	for _, fe := range mi.Files {
		segs := append([]string{outDir}, fe.Path...)
		path := filepath.Join(segs...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			s.Close()
			return nil, rerrs.IOWrap(err, "filesink: creating parent directories for %s", path)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			s.Close()
			return nil, rerrs.IOWrap(err, "filesink: opening %s", path)
		}
		if err := f.Truncate(fe.Length); err != nil {
			s.Close()
			return nil, rerrs.IOWrap(err, "filesink: preallocating %s to %d bytes", path, fe.Length)
		}
		s.log.WithFields(xlog.Fields{"path": path, "length": fe.Length}).Debug("preallocated output file")
		s.files = append(s.files, f)
	}
	return s, nil
}

// WritePiece writes a verified piece's bytes at its virtual stream offset
// (index * piece_length), splitting the write across files as needed.
func (s *Sink) WritePiece(index int, data []byte) error {
	offset := int64(index) * s.mi.PieceLength
	return s.WriteAt(offset, data)
}

// WriteAt writes data at virtual offset, splitting across whichever files
// its range intersects. Concurrent calls to disjoint ranges are safe because
// each os.File.WriteAt call is independently positioned.
func (s *Sink) WriteAt(offset int64, data []byte) error {
	remaining := data
	pos := offset
	for i, fe := range s.mi.Files {
		if len(remaining) == 0 {
			break
		}
		fileEnd := fe.CumStart + fe.Length
		if pos >= fileEnd {
			continue // this file's range lies entirely before pos
		}
		if pos < fe.CumStart {
			return rerrs.IO("filesink: write offset %d does not align to any file boundary", offset)
		}
		localStart := pos - fe.CumStart
		available := fe.Length - localStart
		n := int64(len(remaining))
		if n > available {
			n = available
		}
		if _, err := s.files[i].WriteAt(remaining[:n], localStart); err != nil {
			return rerrs.IOWrap(err, "filesink: writing to %s at offset %d", fe.JoinedPath(), localStart)
		}
		remaining = remaining[n:]
		pos += n
	}
	if len(remaining) > 0 {
		return rerrs.IO("filesink: write at offset %d length %d exceeds torrent's total length", offset, len(data))
	}
	return nil
}

// Close closes every open file handle, continuing past failures so callers
// get a best-effort close-all, and returns the first error encountered
// wrapped as an IOError.
func (s *Sink) Close() error {
	var firstErr error
	for _, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return rerrs.IOWrap(firstErr, "filesink: closing output files")
	}
	s.log.Debug("all output files closed")
	return nil
}

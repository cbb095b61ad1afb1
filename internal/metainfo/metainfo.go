// Package metainfo translates a parsed bencode tree into a typed torrent
// description: info_hash, piece manifest, and file layout, validated at
// construction time.
package metainfo

import (
	"os"
	"strings"

	"github.com/nvke/reaper/internal/bencode"
	"github.com/nvke/reaper/internal/rerrs"
)

// FileEntry is one file of the torrent's layout.
type FileEntry struct {
	// Path is the sanitized list of path segments, e.g. ["dir", "file.txt"].
	Path []string
	// Length is the file's length in bytes.
	Length int64
	// CumStart is this file's starting offset in the virtual concatenated
	// byte stream (sum of the lengths of all preceding files).
	CumStart int64
}

// JoinedPath returns Path joined with "/" for logging and display.
func (f FileEntry) JoinedPath() string {
	return strings.Join(f.Path, "/")
}

// Metainfo is the fully validated, immutable torrent description.
type Metainfo struct {
	Announce     string
	AnnounceList []string // flattened backup tracker URLs (BEP 12), any scheme, in tier order

	InfoHash [20]byte

	PieceLength int64
	PieceHashes [][20]byte

	Files       []FileEntry
	Name        string
	TotalLength int64

	CreationDate int64
	Comment      string
	CreatedBy    string
}

// NumPieces returns the number of pieces in the manifest.
func (m *Metainfo) NumPieces() int { return len(m.PieceHashes) }

// Multi reports whether this is a multi-file torrent.
func (m *Metainfo) Multi() bool { return len(m.Files) > 1 }

// PieceLen returns the effective length of piece index i: PieceLength for
// every piece except the last, whose length is TotalLength minus the sum of
// all preceding pieces. Not total_length % piece_length, which collapses to
// zero whenever total_length is an exact multiple of piece_length.
func (m *Metainfo) PieceLen(index int) int64 {
	if index == m.NumPieces()-1 {
		return m.TotalLength - int64(index)*m.PieceLength
	}
	return m.PieceLength
}

// ParseFile reads and parses a metainfo file from disk.
func ParseFile(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrs.InputWrap(err, "metainfo: reading %s", path)
	}
	return Parse(data)
}

// Parse parses and validates a metainfo byte buffer.
func Parse(data []byte) (*Metainfo, error) {
	root, err := bencode.ParseAll(data)
	if err != nil {
		return nil, rerrs.InputWrap(err, "metainfo: invalid bencode")
	}
	if root.Kind != bencode.KindDict {
		return nil, rerrs.Input("metainfo: top-level value must be a dict")
	}

	announceVal, ok := root.Get("announce")
	if !ok || announceVal.Kind != bencode.KindBytes {
		return nil, rerrs.Input("metainfo: missing required field %q", "announce")
	}

	m := &Metainfo{Announce: string(announceVal.Str)}

	if list, ok := root.Get("announce-list"); ok && list.Kind == bencode.KindList {
		m.AnnounceList = flattenAnnounceList(list)
	}

	if cd, ok := root.Get("creation date"); ok && cd.Kind == bencode.KindInteger {
		m.CreationDate = cd.Int
	}
	if c, ok := root.Get("comment"); ok && c.Kind == bencode.KindBytes {
		m.Comment = string(c.Str)
	}
	if cb, ok := root.Get("created by"); ok && cb.Kind == bencode.KindBytes {
		m.CreatedBy = string(cb.Str)
	}

	infoVal, ok := root.Get("info")
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, rerrs.Input("metainfo: missing required field %q", "info")
	}
	m.InfoHash = infoVal.Digest

	if err := parseInfo(infoVal, m); err != nil {
		return nil, err
	}
	return m, nil
}

func flattenAnnounceList(list *bencode.Value) []string {
	var out []string
	for _, tier := range list.List {
		if tier.Kind != bencode.KindList {
			continue
		}
		for _, u := range tier.List {
			if u.Kind == bencode.KindBytes && len(u.Str) > 0 {
				out = append(out, string(u.Str))
			}
		}
	}
	return out
}

func parseInfo(info *bencode.Value, m *Metainfo) error {
	nameVal, ok := info.Get("name")
	if !ok || nameVal.Kind != bencode.KindBytes || len(nameVal.Str) == 0 {
		return rerrs.Input("metainfo: info dict missing required field %q", "name")
	}
	name := string(nameVal.Str)
	if err := validatePathSegment(name); err != nil {
		return rerrs.InputWrap(err, "metainfo: name")
	}
	m.Name = name

	pieceLenVal, ok := info.Get("piece length")
	if !ok || pieceLenVal.Kind != bencode.KindInteger {
		return rerrs.Input("metainfo: info dict missing required field %q", "piece length")
	}
	if pieceLenVal.Int < 1 {
		return rerrs.Input("metainfo: piece length must be >= 1, got %d", pieceLenVal.Int)
	}
	m.PieceLength = pieceLenVal.Int

	piecesVal, ok := info.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindBytes {
		return rerrs.Input("metainfo: info dict missing required field %q", "pieces")
	}
	if len(piecesVal.Str) == 0 {
		return rerrs.Input("metainfo: pieces must not be empty")
	}
	if len(piecesVal.Str)%20 != 0 {
		return rerrs.Input("metainfo: pieces length %d is not a multiple of 20", len(piecesVal.Str))
	}
	hashes := make([][20]byte, len(piecesVal.Str)/20)
	for i := range hashes {
		copy(hashes[i][:], piecesVal.Str[i*20:(i+1)*20])
	}
	m.PieceHashes = hashes

	lengthVal, hasLength := info.Get("length")
	filesVal, hasFiles := info.Get("files")
	if hasLength && hasFiles {
		return rerrs.Input("metainfo: info dict has both %q and %q (contradictory single/multi file)", "length", "files")
	}
	if !hasLength && !hasFiles {
		return rerrs.Input("metainfo: info dict has neither %q nor %q", "length", "files")
	}

	var files []FileEntry
	var total int64
	if hasLength {
		if lengthVal.Kind != bencode.KindInteger || lengthVal.Int < 0 {
			return rerrs.Input("metainfo: invalid single-file length")
		}
		files = []FileEntry{{Path: []string{m.Name}, Length: lengthVal.Int, CumStart: 0}}
		total = lengthVal.Int
	} else {
		if filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
			return rerrs.Input("metainfo: files list must be a non-empty list")
		}
		for i, fv := range filesVal.List {
			fe, err := parseFileEntry(fv, total, i, m.Name)
			if err != nil {
				return err
			}
			files = append(files, fe)
			total += fe.Length
		}
	}
	m.Files = files
	m.TotalLength = total

	numPieces := int64(len(hashes))
	wantPieces := ceilDiv(total, m.PieceLength)
	if wantPieces != numPieces {
		return rerrs.Input("metainfo: piece count %d does not match ceil(total_length/piece_length)=%d", numPieces, wantPieces)
	}
	return nil
}

func ceilDiv(a, b int64) int64 {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// parseFileEntry parses one entry of the info dict's "files" list. The
// returned Path is rooted under name, matching the on-disk layout of a
// multi-file torrent: <out>/<name>/<path[0]>/....
func parseFileEntry(fv *bencode.Value, cumStart int64, index int, name string) (FileEntry, error) {
	if fv.Kind != bencode.KindDict {
		return FileEntry{}, rerrs.Input("metainfo: files[%d] is not a dict", index)
	}
	lengthVal, ok := fv.Get("length")
	if !ok || lengthVal.Kind != bencode.KindInteger || lengthVal.Int < 0 {
		return FileEntry{}, rerrs.Input("metainfo: files[%d] missing/invalid length", index)
	}
	pathVal, ok := fv.Get("path")
	if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
		return FileEntry{}, rerrs.Input("metainfo: files[%d] missing/invalid path", index)
	}
	segs := make([]string, len(pathVal.List)+1)
	segs[0] = name
	for i, seg := range pathVal.List {
		if seg.Kind != bencode.KindBytes {
			return FileEntry{}, rerrs.Input("metainfo: files[%d].path[%d] is not a byte string", index, i)
		}
		s := string(seg.Str)
		if err := validatePathSegment(s); err != nil {
			return FileEntry{}, rerrs.InputWrap(err, "metainfo: files[%d].path[%d]", index, i)
		}
		segs[i+1] = s
	}
	return FileEntry{Path: segs, Length: lengthVal.Int, CumStart: cumStart}, nil
}

// validatePathSegment rejects "." and ".." segments and anything containing
// a path separator; any such segment aborts parsing.
func validatePathSegment(s string) error {
	if s == "" {
		return rerrs.Input("empty path segment")
	}
	if s == "." || s == ".." {
		return rerrs.Input("unsafe path segment %q", s)
	}
	if strings.ContainsRune(s, '/') || strings.ContainsRune(s, '\\') {
		return rerrs.Input("path segment %q contains a path separator", s)
	}
	return nil
}

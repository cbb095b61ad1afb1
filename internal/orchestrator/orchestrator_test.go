package orchestrator

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nvke/reaper/internal/bencode"
	"github.com/nvke/reaper/internal/bitfield"
	"github.com/nvke/reaper/internal/config"
	"github.com/nvke/reaper/internal/metainfo"
	"github.com/nvke/reaper/internal/peerwire"
	"github.com/nvke/reaper/internal/sha1x"
	"github.com/stretchr/testify/require"
)

func buildContent(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

// startMockPeer starts a fake peer server that completes the handshake,
// advertises every piece, unchokes, and answers every REQUEST from content;
// startMockTracker below points a fake HTTP tracker at it, so the test can
// drive an end-to-end run through the orchestrator's public Run method.
func startMockPeer(t *testing.T, infoHash [20]byte, content []byte, pieceLength, numPieces int) (host string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := peerwire.ReadHandshake(conn); err != nil {
			return
		}
		if err := peerwire.WriteHandshake(conn, peerwire.Handshake{InfoHash: infoHash, PeerID: [20]byte{9}}); err != nil {
			return
		}
		bf := bitfield.New(numPieces)
		for i := 0; i < numPieces; i++ {
			bf.Set(i)
		}
		if err := peerwire.WriteMessage(conn, peerwire.EncodeBitfield(bf)); err != nil {
			return
		}
		if err := peerwire.WriteMessage(conn, peerwire.Message{ID: peerwire.Unchoke}); err != nil {
			return
		}
		for {
			m, err := peerwire.ReadMessage(conn)
			if err != nil {
				return
			}
			if m.KeepAlive || m.ID != peerwire.Request {
				continue
			}
			req, err := peerwire.DecodeRequest(m)
			if err != nil {
				continue
			}
			start := int(req.Index)*pieceLength + int(req.Begin)
			block := content[start : start+int(req.Length)]
			if err := peerwire.WriteMessage(conn, peerwire.EncodePiece(peerwire.PiecePayload{
				Index: req.Index, Begin: req.Begin, Block: block,
			})); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	h, p := splitAddr(t, ln.Addr().String())
	return h, p
}

func startMockTracker(t *testing.T, peerHost string, peerPort uint16) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.Read(buf)
				ipParts := net.ParseIP(peerHost).To4()
				compact := append([]byte{}, ipParts...)
				compact = append(compact, byte(peerPort>>8), byte(peerPort))
				body := bencode.Encode(&bencode.Value{
					Kind: bencode.KindDict,
					Dict: []bencode.Entry{
						{Key: []byte("interval"), Value: bencode.Integer(1800)},
						{Key: []byte("peers"), Value: &bencode.Value{Kind: bencode.KindBytes, Str: compact}},
					},
				})
				resp := "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n"
				c.Write([]byte(resp))
				c.Write(body)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	h, p := splitAddr(t, ln.Addr().String())
	return "http://" + h + ":" + itoa(int(p)) + "/announce"
}

func splitAddr(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint16(port)
}

func itoa(n int) string { return strconv.Itoa(n) }

func TestOrchestratorEndToEnd(t *testing.T) {
	const pieceLength = 32768
	const total = 2*pieceLength + 20000
	content := buildContent(total)
	numPieces := 3
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := i * pieceLength
		end := start + pieceLength
		if end > total {
			end = total
		}
		hashes[i] = sha1x.Sum20(content[start:end])
	}

	peerHost, peerPort := startMockPeer(t, [20]byte{0x42}, content, pieceLength, numPieces)
	announceURL := startMockTracker(t, peerHost, peerPort)

	mi := &metainfo.Metainfo{
		Announce:    announceURL,
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Name:        "out.bin",
		Files:       []metainfo.FileEntry{{Path: []string{"out.bin"}, Length: int64(total), CumStart: 0}},
		TotalLength: int64(total),
		InfoHash:    [20]byte{0x42},
	}

	outDir := filepath.Join(t.TempDir(), "out")
	cfg := &config.Config{
		OutputDir: outDir,
		Port:      6881,
		PeerID:    [20]byte{1},
	}

	var lastVerified int
	orch := New(cfg, mi, nil, func(v, total int) { lastVerified = v })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, numPieces, lastVerified)

	got, err := os.ReadFile(filepath.Join(outDir, "out.bin"))
	require.NoError(t, err)
	require.Equal(t, content, got)
}

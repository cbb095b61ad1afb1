// Package peerwire implements the BitTorrent v1 wire protocol: the 68-byte
// handshake and the length-prefixed message frames (CHOKE .. CANCEL),
// bit-exact with BEP 3.
package peerwire

import (
	"io"

	"github.com/nvke/reaper/internal/rerrs"
)

const protocolLiteral = "BitTorrent protocol"

// HandshakeLen is the fixed wire length of a handshake message.
const HandshakeLen = 1 + len(protocolLiteral) + 8 + 20 + 20

// Handshake is the parsed 68-byte handshake payload.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Encode serializes h into the wire format.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:], protocolLiteral)
	// bytes 20..27 are the 8 reserved zero bytes, left as zero value.
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// WriteHandshake writes h's wire encoding to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	if err != nil {
		return rerrs.NetworkWrap(err, "peerwire: writing handshake")
	}
	return nil
}

// ReadHandshake reads and validates a 68-byte handshake from r, checking the
// length byte and protocol literal. It does NOT check info_hash equality —
// callers compare InfoHash against their own and disconnect on mismatch.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, rerrs.NetworkWrap(err, "peerwire: reading handshake")
	}
	if buf[0] != 19 {
		return Handshake{}, rerrs.Protocol("peerwire: handshake length byte = %d, want 19", buf[0])
	}
	if string(buf[1:20]) != protocolLiteral {
		return Handshake{}, rerrs.Protocol("peerwire: handshake protocol literal mismatch")
	}
	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

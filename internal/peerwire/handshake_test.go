package peerwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	for i := range h.InfoHash {
		h.InfoHash[i] = byte(i)
	}
	for i := range h.PeerID {
		h.PeerID[i] = byte(20 + i)
	}
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, h))
	require.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHandshakeWireLayout(t *testing.T) {
	var h Handshake
	h.InfoHash[0] = 0xaa
	h.PeerID[0] = 0xbb
	enc := h.Encode()
	require.Equal(t, byte(19), enc[0])
	require.Equal(t, "BitTorrent protocol", string(enc[1:20]))
	for _, b := range enc[20:28] {
		require.Equal(t, byte(0), b)
	}
	require.Equal(t, byte(0xaa), enc[28])
	require.Equal(t, byte(0xbb), enc[48])
}

func TestReadHandshakeBadLengthByte(t *testing.T) {
	buf := bytes.Repeat([]byte{0}, HandshakeLen)
	buf[0] = 20
	_, err := ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadHandshakeBadProtocolLiteral(t *testing.T) {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:], "WrongProtocolLiteral")
	_, err := ReadHandshake(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestReadHandshakeShortRead(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader([]byte{19, 'B'}))
	require.Error(t, err)
}

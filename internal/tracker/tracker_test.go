package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPercentEncodeUnreservedPassthrough(t *testing.T) {
	require.Equal(t, "abcXYZ019._~-", percentEncode("abcXYZ019._~-"))
}

func TestPercentEncodeBinaryInfoHash(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xff, 'A', ' '}
	got := percentEncodeBytes(raw)
	require.Equal(t, "%00%01%FFA%20", got)
}

func TestBuildQueryContainsRequiredFields(t *testing.T) {
	req := AnnounceRequest{
		Port:       6881,
		Uploaded:   0,
		Downloaded: 0,
		Left:       100,
		Compact:    true,
		Event:      EventStarted,
	}
	q := buildQuery(req)
	require.Contains(t, q, "info_hash=")
	require.Contains(t, q, "peer_id=")
	require.Contains(t, q, "port=6881")
	require.Contains(t, q, "left=100")
	require.Contains(t, q, "compact=1")
	require.Contains(t, q, "event=started")
}

func TestBuildQueryOmitsEventWhenNone(t *testing.T) {
	q := buildQuery(AnnounceRequest{Event: EventNone})
	require.NotContains(t, q, "event=")
}

func TestParseCompactPeers(t *testing.T) {
	// Two peers: 127.0.0.1:6881 and 10.0.0.1:51413.
	data := []byte{127, 0, 0, 1, 0x1a, 0xe1, 10, 0, 0, 1, 0xc8, 0xd5}
	peers, err := parseCompactPeers(data)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "127.0.0.1", peers[0].IP.String())
	require.Equal(t, uint16(0x1ae1), peers[0].Port)
	require.Equal(t, "10.0.0.1", peers[1].IP.String())
	require.Equal(t, uint16(0xc8d5), peers[1].Port)
}

func TestParseCompactPeersBadLength(t *testing.T) {
	_, err := parseCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseResponseCompact(t *testing.T) {
	body := "d8:intervali1800e5:peers6:" + string([]byte{127, 0, 0, 1, 0x1a, 0xe1}) + "e"
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
}

func TestParseResponseFailureReason(t *testing.T) {
	body := "d14:failure reason12:bad request!e"
	_, err := parseResponse([]byte(body))
	require.Error(t, err)
}

func TestParseResponseMissingInterval(t *testing.T) {
	body := "d5:peers0:e"
	_, err := parseResponse([]byte(body))
	require.Error(t, err)
}

func TestParseDictPeersStringIP(t *testing.T) {
	body := "d8:intervali900e5:peersld2:ip9:127.0.0.14:porti6881eeee"
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	require.Equal(t, uint16(6881), resp.Peers[0].Port)
	require.False(t, resp.Peers[0].HasID)
}

func TestParseDictPeersIntegerIP(t *testing.T) {
	// 127.0.0.1 as a big-endian uint32: 127<<24 | 0<<16 | 0<<8 | 1 = 2130706433
	body := "d8:intervali900e5:peersld2:ipi2130706433e4:porti6881eeee"
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
}

// Package tracker implements the HTTP announce protocol: build the
// query string, issue the GET through internal/httpclient, and parse the
// bencode response into a peer list, tolerating both the compact and dict
// peer-list forms.
package tracker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nvke/reaper/internal/bencode"
	"github.com/nvke/reaper/internal/httpclient"
	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/urlx"
)

// Event is the announce event parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// Peer is one entry of a tracker's peer list.
type Peer struct {
	ID   [20]byte
	HasID bool
	IP   net.IP
	Port uint16
}

// Addr returns "ip:port" suitable for net.Dial.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// AnnounceRequest bundles the parameters of an announce query.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Compact    bool
	Event      Event
	NumWant    int // 0 means omit
	Key        string
	TrackerID  string
}

// AnnounceResponse is the parsed tracker reply.
type AnnounceResponse struct {
	Interval    int
	MinInterval int
	TrackerID   string
	Complete    int
	Incomplete  int
	Peers       []Peer
	Warning     string
}

// Client issues announce requests against one tracker URL.
type Client struct {
	AnnounceURL    *urlx.URL
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// New builds a tracker Client from an already-parsed announce URL.
func New(announce *urlx.URL) *Client {
	return &Client{
		AnnounceURL:    announce,
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
	}
}

// Announce performs one announce and returns the parsed response.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	if c.AnnounceURL.Scheme != "http" {
		return nil, rerrs.Tracker("tracker: unsupported announce scheme %q (only http is supported)", c.AnnounceURL.Scheme)
	}
	query := buildQuery(req)
	u := c.AnnounceURL.WithQuery(query)

	resp, err := httpclient.Get(ctx, u, nil, c.ConnectTimeout, c.ReadTimeout)
	if err != nil {
		return nil, rerrs.TrackerWrap(err, "tracker: announce to %s", c.AnnounceURL.Host)
	}
	return parseResponse(resp.Body)
}

// buildQuery encodes req's parameters, percent-encoding every byte outside
// [A-Za-z0-9._~-] as uppercase "%XX" (the BitTorrent convention, distinct
// from net/url's query-escaping rules — this is why it's hand-rolled
// rather than url.Values.Encode()).
func buildQuery(req AnnounceRequest) string {
	var parts []string
	add := func(key, value string) {
		parts = append(parts, key+"="+percentEncode(value))
	}
	addRaw := func(key string, raw []byte) {
		parts = append(parts, key+"="+percentEncodeBytes(raw))
	}

	addRaw("info_hash", req.InfoHash[:])
	addRaw("peer_id", req.PeerID[:])
	add("port", strconv.Itoa(int(req.Port)))
	add("uploaded", strconv.FormatInt(req.Uploaded, 10))
	add("downloaded", strconv.FormatInt(req.Downloaded, 10))
	add("left", strconv.FormatInt(req.Left, 10))
	if req.Compact {
		add("compact", "1")
	}
	if req.Event != EventNone {
		add("event", string(req.Event))
	}
	if req.NumWant > 0 {
		add("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != "" {
		add("key", req.Key)
	}
	if req.TrackerID != "" {
		add("trackerid", req.TrackerID)
	}

	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "&"
		}
		out += p
	}
	return out
}

const hexDigits = "0123456789ABCDEF"

func isUnreserved(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '.' || b == '_' || b == '~' || b == '-':
		return true
	}
	return false
}

func percentEncodeBytes(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hexDigits[c>>4], hexDigits[c&0xf])
	}
	return string(out)
}

func percentEncode(s string) string {
	return percentEncodeBytes([]byte(s))
}

// parseResponse decodes a bencode announce reply.
func parseResponse(body []byte) (*AnnounceResponse, error) {
	v, err := bencode.ParseAll(body)
	if err != nil {
		return nil, rerrs.TrackerWrap(err, "tracker: invalid bencode response")
	}
	if v.Kind != bencode.KindDict {
		return nil, rerrs.Tracker("tracker: response is not a dict")
	}

	if fr, ok := v.Get("failure reason"); ok && fr.Kind == bencode.KindBytes {
		return nil, rerrs.Tracker("tracker: failure reason: %s", string(fr.Str))
	}

	resp := &AnnounceResponse{}
	if wm, ok := v.Get("warning message"); ok && wm.Kind == bencode.KindBytes {
		resp.Warning = string(wm.Str)
	}

	intervalVal, ok := v.Get("interval")
	if !ok || intervalVal.Kind != bencode.KindInteger {
		return nil, rerrs.Tracker("tracker: response missing required field %q", "interval")
	}
	resp.Interval = int(intervalVal.Int)

	if mi, ok := v.Get("min interval"); ok && mi.Kind == bencode.KindInteger {
		resp.MinInterval = int(mi.Int)
	}
	if tid, ok := v.Get("tracker id"); ok && tid.Kind == bencode.KindBytes {
		resp.TrackerID = string(tid.Str)
	}
	if comp, ok := v.Get("complete"); ok && comp.Kind == bencode.KindInteger {
		resp.Complete = int(comp.Int)
	}
	if incomp, ok := v.Get("incomplete"); ok && incomp.Kind == bencode.KindInteger {
		resp.Incomplete = int(incomp.Int)
	}

	peersVal, ok := v.Get("peers")
	if !ok {
		return nil, rerrs.Tracker("tracker: response missing required field %q", "peers")
	}
	peers, err := parsePeers(peersVal)
	if err != nil {
		return nil, err
	}
	resp.Peers = peers
	return resp, nil
}

func parsePeers(v *bencode.Value) ([]Peer, error) {
	switch v.Kind {
	case bencode.KindBytes:
		return parseCompactPeers(v.Str)
	case bencode.KindList:
		return parseDictPeers(v.List)
	default:
		return nil, rerrs.Tracker("tracker: peers field has unsupported type")
	}
}

func parseCompactPeers(data []byte) ([]Peer, error) {
	if len(data)%6 != 0 {
		return nil, rerrs.Tracker("tracker: compact peers length %d is not a multiple of 6", len(data))
	}
	n := len(data) / 6
	peers := make([]Peer, n)
	for i := 0; i < n; i++ {
		chunk := data[i*6 : i*6+6]
		ip := net.IPv4(chunk[0], chunk[1], chunk[2], chunk[3])
		port := uint16(chunk[4])<<8 | uint16(chunk[5])
		peers[i] = Peer{IP: ip, Port: port}
	}
	return peers, nil
}

func parseDictPeers(list []*bencode.Value) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for i, entry := range list {
		if entry.Kind != bencode.KindDict {
			return nil, rerrs.Tracker("tracker: peers[%d] is not a dict", i)
		}
		var p Peer

		if idVal, ok := entry.Get("peer id"); ok && idVal.Kind == bencode.KindBytes && len(idVal.Str) == 20 {
			copy(p.ID[:], idVal.Str)
			p.HasID = true
		}

		ipVal, ok := entry.Get("ip")
		if !ok {
			return nil, rerrs.Tracker("tracker: peers[%d] missing %q", i, "ip")
		}
		ip, err := parseIP(ipVal)
		if err != nil {
			return nil, rerrs.TrackerWrap(err, "tracker: peers[%d].ip", i)
		}
		p.IP = ip

		portVal, ok := entry.Get("port")
		if !ok || portVal.Kind != bencode.KindInteger {
			return nil, rerrs.Tracker("tracker: peers[%d] missing/invalid %q", i, "port")
		}
		p.Port = uint16(portVal.Int)

		peers = append(peers, p)
	}
	return peers, nil
}

// parseIP accepts both the dotted-quad string form and the rarer integer
// form some trackers emit.
func parseIP(v *bencode.Value) (net.IP, error) {
	switch v.Kind {
	case bencode.KindBytes:
		ip := net.ParseIP(string(v.Str))
		if ip == nil {
			return nil, fmt.Errorf("invalid dotted-quad ip %q", string(v.Str))
		}
		return ip, nil
	case bencode.KindInteger:
		n := uint32(v.Int)
		return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)), nil
	default:
		return nil, fmt.Errorf("ip field has unsupported type")
	}
}

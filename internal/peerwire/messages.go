package peerwire

import (
	"encoding/binary"
	"io"

	"github.com/nvke/reaper/internal/rerrs"
)

// ID is a peer-wire message id.
type ID byte

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Message is one parsed peer-wire frame. KeepAlive is true for the L=0
// frame, which carries no ID or Payload.
type Message struct {
	KeepAlive bool
	ID        ID
	Payload   []byte
}

// maxFrameLen bounds a single frame's declared length. The largest
// legitimate frame is a PIECE message: an 8-byte header plus one block.
const maxFrameLen = 1 << 20

// WriteMessage serializes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	if m.KeepAlive {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return wrapNetErr(err, "writing keep-alive")
	}
	length := uint32(1 + len(m.Payload))
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, length)
	if _, err := w.Write(header); err != nil {
		return wrapNetErr(err, "writing frame length")
	}
	body := make([]byte, 1+len(m.Payload))
	body[0] = byte(m.ID)
	copy(body[1:], m.Payload)
	if _, err := w.Write(body); err != nil {
		return wrapNetErr(err, "writing frame body")
	}
	return nil
}

// ReadMessage reads one frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, wrapNetErr(err, "reading frame length")
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > maxFrameLen {
		return Message{}, rerrs.Protocol("peerwire: frame length %d exceeds maximum %d", length, maxFrameLen)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, wrapNetErr(err, "reading frame body")
	}
	return Message{ID: ID(body[0]), Payload: body[1:]}, nil
}

func wrapNetErr(err error, what string) error {
	if err == nil {
		return nil
	}
	return rerrs.NetworkWrap(err, "peerwire: %s", what)
}

// EncodeHave builds a HAVE message's payload for piece index.
func EncodeHave(index uint32) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return Message{ID: Have, Payload: p}
}

// DecodeHave parses a HAVE message's payload.
func DecodeHave(m Message) (uint32, error) {
	if len(m.Payload) != 4 {
		return 0, rerrs.Protocol("peerwire: HAVE payload length %d, want 4", len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// EncodeBitfield builds a BITFIELD message.
func EncodeBitfield(bits []byte) Message {
	return Message{ID: Bitfield, Payload: bits}
}

// RequestPayload is the shared (index, begin, length) triple of REQUEST and
// CANCEL messages.
type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

// EncodeRequest builds a REQUEST message.
func EncodeRequest(p RequestPayload) Message {
	return Message{ID: Request, Payload: encodeRequestPayload(p)}
}

// EncodeCancel builds a CANCEL message (identical wire shape to REQUEST).
func EncodeCancel(p RequestPayload) Message {
	return Message{ID: Cancel, Payload: encodeRequestPayload(p)}
}

func encodeRequestPayload(p RequestPayload) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	binary.BigEndian.PutUint32(buf[8:12], p.Length)
	return buf
}

// DecodeRequest parses a REQUEST or CANCEL message's payload.
func DecodeRequest(m Message) (RequestPayload, error) {
	if len(m.Payload) != 12 {
		return RequestPayload{}, rerrs.Protocol("peerwire: %s payload length %d, want 12", m.ID, len(m.Payload))
	}
	return RequestPayload{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

// PiecePayload is a PIECE message's (index, begin, block) triple.
type PiecePayload struct {
	Index uint32
	Begin uint32
	Block []byte
}

// EncodePiece builds a PIECE message.
func EncodePiece(p PiecePayload) Message {
	buf := make([]byte, 8+len(p.Block))
	binary.BigEndian.PutUint32(buf[0:4], p.Index)
	binary.BigEndian.PutUint32(buf[4:8], p.Begin)
	copy(buf[8:], p.Block)
	return Message{ID: Piece, Payload: buf}
}

// DecodePiece parses a PIECE message's payload.
func DecodePiece(m Message) (PiecePayload, error) {
	if len(m.Payload) < 8 {
		return PiecePayload{}, rerrs.Protocol("peerwire: PIECE payload length %d, want >= 8", len(m.Payload))
	}
	return PiecePayload{
		Index: binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(m.Payload[4:8]),
		Block: m.Payload[8:],
	}, nil
}

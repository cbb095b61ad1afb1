// Package bencode implements the bencode grammar as a recursive-descent
// parser that records, for every node it produces, the exact byte span of
// the source it was parsed from and that span's SHA-1 digest (so the info
// dictionary's digest — the torrent's identity — can be recovered without
// re-encoding anything).
package bencode

import (
	"fmt"
	"sort"

	"github.com/nvke/reaper/internal/sha1x"
)

// Kind tags the four bencode variants.
type Kind int

const (
	KindInteger Kind = iota
	KindBytes
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Span is the half-open byte range [Start, End) in the original source that
// produced a Value.
type Span struct {
	Start int
	End   int
}

// Entry is one (key, value) pair of a Dict, in the order they were parsed —
// which, per the grammar, is required to be strictly ascending key order.
type Entry struct {
	Key   []byte
	Value *Value
}

// Value is a tagged union over the four bencode types, carrying the byte
// span it was parsed from and that span's SHA-1 digest.
type Value struct {
	Kind Kind

	Int  int64
	Str  []byte
	List []*Value
	Dict []Entry

	Span   Span
	Digest [20]byte
}

// Error is a parse error local to the bencode grammar.
type Error struct {
	Kind   string
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bencode: %s at offset %d: %s", e.Kind, e.Offset, e.Msg)
}

func parseErr(kind string, offset int, msg string) *Error {
	return &Error{Kind: kind, Offset: offset, Msg: msg}
}

// cursor walks the source buffer recording positions.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) eof() bool { return c.pos >= len(c.data) }

func (c *cursor) peek() (byte, error) {
	if c.eof() {
		return 0, parseErr("UnexpectedEOF", c.pos, "unexpected end of input")
	}
	return c.data[c.pos], nil
}

func (c *cursor) take() (byte, error) {
	b, err := c.peek()
	if err != nil {
		return 0, err
	}
	c.pos++
	return b, nil
}

func (c *cursor) expect(b byte) error {
	got, err := c.take()
	if err != nil {
		return err
	}
	if got != b {
		return parseErr("UnexpectedEOF", c.pos-1, fmt.Sprintf("expected %q got %q", b, got))
	}
	return nil
}

// Parse parses exactly one bencode value starting at the beginning of data
// and returns it along with the number of bytes consumed. It does not
// require the whole input to be consumed — callers that need that (e.g.
// ParseAll) should check the returned length against len(data).
func Parse(data []byte) (*Value, int, error) {
	c := &cursor{data: data}
	v, err := parseValue(c)
	if err != nil {
		return nil, 0, err
	}
	return v, c.pos, nil
}

// ParseAll parses a single bencode value and requires the entire input to be
// consumed, returning a TrailingGarbage error otherwise.
func ParseAll(data []byte) (*Value, error) {
	v, n, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, parseErr("TrailingGarbage", n, fmt.Sprintf("%d unparsed trailing bytes", len(data)-n))
	}
	return v, nil
}

func parseValue(c *cursor) (*Value, error) {
	start := c.pos
	b, err := c.peek()
	if err != nil {
		return nil, err
	}
	var v *Value
	switch {
	case b == 'i':
		v, err = parseInteger(c)
	case b == 'l':
		v, err = parseList(c)
	case b == 'd':
		v, err = parseDict(c)
	case b >= '0' && b <= '9':
		v, err = parseBytes(c)
	default:
		return nil, parseErr("TypeMismatch", c.pos, fmt.Sprintf("unexpected leading byte %q", b))
	}
	if err != nil {
		return nil, err
	}
	v.Span = Span{Start: start, End: c.pos}
	v.Digest = sha1x.Sum20(c.data[start:c.pos])
	return v, nil
}

// parseInteger parses `i` <digits> `e`, rejecting leading zeros (except the
// single digit zero) and the "-0" form.
func parseInteger(c *cursor) (*Value, error) {
	start := c.pos
	if err := c.expect('i'); err != nil {
		return nil, err
	}
	digitsStart := c.pos
	neg := false
	if b, err := c.peek(); err == nil && b == '-' {
		neg = true
		c.pos++
	}
	firstDigit := c.pos
	var n int64
	digitCount := 0
	for {
		b, err := c.peek()
		if err != nil {
			return nil, err
		}
		if b == 'e' {
			break
		}
		if b < '0' || b > '9' {
			return nil, parseErr("TypeMismatch", c.pos, fmt.Sprintf("invalid digit %q in integer", b))
		}
		n = n*10 + int64(b-'0')
		digitCount++
		c.pos++
		if digitCount > 19 {
			return nil, parseErr("LengthOverflow", start, "integer literal too long")
		}
	}
	if digitCount == 0 {
		return nil, parseErr("UnexpectedEOF", c.pos, "empty integer literal")
	}
	if c.data[firstDigit] == '0' && digitCount > 1 {
		return nil, parseErr("InvalidLeadingZero", digitsStart, "integer has a leading zero")
	}
	if neg && c.data[firstDigit] == '0' {
		return nil, parseErr("NegativeZero", digitsStart, "negative zero is not allowed")
	}
	if err := c.expect('e'); err != nil {
		return nil, err
	}
	if neg {
		n = -n
	}
	return &Value{Kind: KindInteger, Int: n}, nil
}

// parseBytes parses <decimal length> `:` <raw bytes>.
func parseBytes(c *cursor) (*Value, error) {
	lenStart := c.pos
	var length uint64
	digitCount := 0
	for {
		b, err := c.peek()
		if err != nil {
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, parseErr("TypeMismatch", c.pos, fmt.Sprintf("invalid digit %q in byte-string length", b))
		}
		if digitCount > 0 && c.data[lenStart] == '0' {
			return nil, parseErr("InvalidLeadingZero", lenStart, "byte-string length has a leading zero")
		}
		next := length*10 + uint64(b-'0')
		if next < length {
			return nil, parseErr("LengthOverflow", lenStart, "byte-string length overflows")
		}
		length = next
		digitCount++
		c.pos++
		if digitCount > 18 {
			return nil, parseErr("LengthOverflow", lenStart, "byte-string length literal too long")
		}
	}
	if digitCount == 0 {
		return nil, parseErr("UnexpectedEOF", c.pos, "missing byte-string length")
	}
	if err := c.expect(':'); err != nil {
		return nil, err
	}
	if c.pos+int(length) > len(c.data) {
		return nil, parseErr("UnexpectedEOF", c.pos, "byte-string runs past end of input")
	}
	str := c.data[c.pos : c.pos+int(length)]
	c.pos += int(length)
	return &Value{Kind: KindBytes, Str: str}, nil
}

func parseList(c *cursor) (*Value, error) {
	if err := c.expect('l'); err != nil {
		return nil, err
	}
	var items []*Value
	for {
		b, err := c.peek()
		if err != nil {
			return nil, err
		}
		if b == 'e' {
			c.pos++
			break
		}
		v, err := parseValue(c)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return &Value{Kind: KindList, List: items}, nil
}

func parseDict(c *cursor) (*Value, error) {
	if err := c.expect('d'); err != nil {
		return nil, err
	}
	var entries []Entry
	for {
		b, err := c.peek()
		if err != nil {
			return nil, err
		}
		if b == 'e' {
			c.pos++
			break
		}
		keyVal, err := parseValue(c)
		if err != nil {
			return nil, err
		}
		if keyVal.Kind != KindBytes {
			return nil, parseErr("TypeMismatch", keyVal.Span.Start, "dict key must be a byte string")
		}
		val, err := parseValue(c)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			cmp := compareBytes(keyVal.Str, entries[len(entries)-1].Key)
			if cmp == 0 {
				return nil, parseErr("DuplicateKey", keyVal.Span.Start, fmt.Sprintf("duplicate key %q", keyVal.Str))
			}
			if cmp < 0 {
				return nil, parseErr("UnsortedKeys", keyVal.Span.Start, fmt.Sprintf("key %q out of order", keyVal.Str))
			}
		}
		entries = append(entries, Entry{Key: keyVal.Str, Value: val})
	}
	return &Value{Kind: KindDict, Dict: entries}, nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// Get looks up a key in a dict Value. ok is false if v is not a dict or the
// key is absent.
func (v *Value) Get(key string) (*Value, bool) {
	if v == nil || v.Kind != KindDict {
		return nil, false
	}
	// Dict entries are sorted; binary search would do, but dicts here are
	// small (a handful of top-level keys), so a linear scan keeps this
	// readable without adding a second index structure.
	kb := []byte(key)
	for _, e := range v.Dict {
		if compareBytes(e.Key, kb) == 0 {
			return e.Value, true
		}
	}
	return nil, false
}

// Encode renders v back to canonical bencode bytes: dict keys sorted (which
// Parse already guarantees for parsed values; Encode also sorts for
// hand-built values), integers with no leading zeros.
func Encode(v *Value) []byte {
	var buf []byte
	return appendValue(buf, v)
}

func appendValue(buf []byte, v *Value) []byte {
	switch v.Kind {
	case KindInteger:
		buf = append(buf, 'i')
		buf = append(buf, []byte(fmt.Sprintf("%d", v.Int))...)
		buf = append(buf, 'e')
	case KindBytes:
		buf = append(buf, []byte(fmt.Sprintf("%d:", len(v.Str)))...)
		buf = append(buf, v.Str...)
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		buf = append(buf, 'e')
	case KindDict:
		buf = append(buf, 'd')
		entries := make([]Entry, len(v.Dict))
		copy(entries, v.Dict)
		sort.Slice(entries, func(i, j int) bool {
			return compareBytes(entries[i].Key, entries[j].Key) < 0
		})
		for _, e := range entries {
			buf = append(buf, []byte(fmt.Sprintf("%d:", len(e.Key)))...)
			buf = append(buf, e.Key...)
			buf = appendValue(buf, e.Value)
		}
		buf = append(buf, 'e')
	}
	return buf
}

// String returns a String byte-Value (helper for hand-built trees in tests
// and for constructing tracker responses programmatically).
func String(s []byte) *Value { return &Value{Kind: KindBytes, Str: s} }

// Integer returns an Integer Value.
func Integer(n int64) *Value { return &Value{Kind: KindInteger, Int: n} }

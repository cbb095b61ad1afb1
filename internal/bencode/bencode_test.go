package bencode

import (
	"testing"

	"github.com/nvke/reaper/internal/sha1x"
	"github.com/stretchr/testify/require"
)

func TestDictRoundTrip(t *testing.T) {
	src := []byte("d3:bari-42e3:fooli1ei2eee")
	v, err := ParseAll(src)
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind)

	bar, ok := v.Get("bar")
	require.True(t, ok)
	require.Equal(t, int64(-42), bar.Int)

	foo, ok := v.Get("foo")
	require.True(t, ok)
	require.Equal(t, KindList, foo.Kind)
	require.Len(t, foo.List, 2)
	require.Equal(t, int64(1), foo.List[0].Int)
	require.Equal(t, int64(2), foo.List[1].Int)

	require.Equal(t, src, Encode(v))

	wantDigest := sha1x.Sum20(src)
	require.Equal(t, wantDigest, v.Digest)
}

// TestDigestIntegrity checks every sub-node's digest matches sha1 of its span.
func TestDigestIntegrity(t *testing.T) {
	src := []byte("d3:bar4:spam3:fooli1ei2e5:helloee")
	v, err := ParseAll(src)
	require.NoError(t, err)

	var walk func(n *Value)
	walk = func(n *Value) {
		want := sha1x.Sum20(src[n.Span.Start:n.Span.End])
		require.Equal(t, want, n.Digest)
		switch n.Kind {
		case KindList:
			for _, c := range n.List {
				walk(c)
			}
		case KindDict:
			for _, e := range n.Dict {
				walk(e.Value)
			}
		}
	}
	walk(v)
}

func TestIntegerEdgeCases(t *testing.T) {
	ok := []string{"i0e", "i1e", "i-1e", "i42e", "i-42e"}
	for _, s := range ok {
		_, err := ParseAll([]byte(s))
		require.NoError(t, err, s)
	}

	bad := map[string]string{
		"i01e":  "InvalidLeadingZero",
		"i-0e":  "NegativeZero",
		"ie":    "UnexpectedEOF",
		"i1":    "UnexpectedEOF",
		"i1x2e": "TypeMismatch",
	}
	for s, wantKind := range bad {
		_, err := ParseAll([]byte(s))
		require.Error(t, err, s)
		benErr, ok := err.(*Error)
		require.True(t, ok, s)
		require.Equal(t, wantKind, benErr.Kind, s)
	}
}

func TestByteStringEdgeCases(t *testing.T) {
	v, err := ParseAll([]byte("0:"))
	require.NoError(t, err)
	require.Equal(t, []byte{}, v.Str)

	_, err = ParseAll([]byte("5:abc"))
	require.Error(t, err)

	_, err = ParseAll([]byte("05:abcde"))
	require.Error(t, err)
}

func TestDictOrderingEnforced(t *testing.T) {
	_, err := ParseAll([]byte("d3:foo1:x3:bar1:ye"))
	require.Error(t, err)
	benErr := err.(*Error)
	require.Equal(t, "UnsortedKeys", benErr.Kind)

	_, err = ParseAll([]byte("d3:bar1:x3:bar1:ye"))
	require.Error(t, err)
	benErr = err.(*Error)
	require.Equal(t, "DuplicateKey", benErr.Kind)
}

func TestTrailingGarbage(t *testing.T) {
	_, err := ParseAll([]byte("i1ee"))
	require.Error(t, err)
	benErr := err.(*Error)
	require.Equal(t, "TrailingGarbage", benErr.Kind)
}

func TestInfoHashDerivation(t *testing.T) {
	pieceHash := make([]byte, 20)
	for i := range pieceHash {
		pieceHash[i] = byte(i)
	}
	infoSpan := []byte("d6:lengthi12e4:name5:a.txt12:piece lengthi32768e6:pieces20:" + string(pieceHash) + "e")
	full := append([]byte("d4:info"), infoSpan...)
	full = append(full, 'e')

	v, err := ParseAll(full)
	require.NoError(t, err)
	info, ok := v.Get("info")
	require.True(t, ok)

	want := sha1x.Sum20(infoSpan)
	require.Equal(t, want, info.Digest)
	require.Equal(t, infoSpan, full[info.Span.Start:info.Span.End])
}

func TestListAndNestedEncode(t *testing.T) {
	src := []byte("lli1ei2ee4:spamd3:fooi9eee")
	v, err := ParseAll(src)
	require.NoError(t, err)
	require.Equal(t, src, Encode(v))
}

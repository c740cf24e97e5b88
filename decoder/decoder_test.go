package decoder

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"evecache/reader"
)

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func le16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func le64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

func short(s string) []byte { return cat([]byte{0x10, byte(len(s))}, []byte(s)) }

func ident(s string) []byte { return cat([]byte{0x02, byte(len(s))}, []byte(s)) }

// stream frames a payload with a marker, shared count and shared map.
func stream(slots []uint32, payload ...[]byte) []byte {
	out := cat([]byte{StreamStart}, le32(uint32(len(slots))))
	out = append(out, cat(payload...)...)
	for _, s := range slots {
		out = append(out, le32(s)...)
	}
	return out
}

func decodeValue(t *testing.T, d *Decoder, b []byte) (Node, error) {
	t.Helper()
	c := reader.NewCursor(b)
	return d.DecodeValue(&c)
}

func TestDecodePrimitives(t *testing.T) {
	d := New(DefaultOptions())
	tests := []struct {
		name string
		in   []byte
		want Node
	}{
		{"none", []byte{0x01}, &None{}},
		{"true", []byte{0x1f}, &Bool{Value: true}},
		{"false", []byte{0x20}, &Bool{Value: false}},
		{"int8", []byte{0x06, 0xfe}, &Int{Value: -2, Width: 1}},
		{"int16", cat([]byte{0x05}, le16(0x1234)), &Int{Value: 0x1234, Width: 2}},
		{"int32", cat([]byte{0x04}, le32(uint32(0xfffffffb))), &Int{Value: -5, Width: 4}},
		{"int64", cat([]byte{0x03}, le64(1<<40)), &Int{Value: 1 << 40, Width: 8}},
		{"minus one", []byte{0x07}, &Int{Value: -1}},
		{"zero", []byte{0x08}, &Int{Value: 0}},
		{"one", []byte{0x09}, &Int{Value: 1}},
		{"varint", []byte{0x2f, 0x02, 0xff, 0xff}, &Int{Value: -1}},
		{"varint positive", []byte{0x2f, 0x03, 0x01, 0x02, 0x03}, &Int{Value: 0x030201}},
		{"float64", cat([]byte{0x0a}, le64(math.Float64bits(1.5))), &Float64{Value: 1.5}},
		{"float64 zero", []byte{0x0b}, &Float64{}},
		{"float32", cat([]byte{0x0c}, le32(math.Float32bits(2.5))), &Float32{Value: 2.5}},
		{"short string", short("abc"), &String{Value: "abc"}},
		{"long string", cat([]byte{0x0d}, le32(2), []byte("hi")), &String{Value: "hi"}},
		{"empty string", []byte{0x0e}, &String{}},
		{"char string", []byte{0x0f, 'z'}, &String{Value: "z"}},
		{"unicode", []byte{0x12, 0x02, 'h', 0, 'i', 0}, &String{Value: "hi"}},
		{"char unicode", []byte{0x29, 0xe9, 0x00}, &String{Value: "é"}},
		{"utf8", cat([]byte{0x2e, 0x02}, []byte("é")), &String{Value: "é"}},
		{"ident", ident("foo"), &String{Value: "foo", Ident: true}},
		{"string table", []byte{0x11, 0x01}, &String{Value: "*corpid", Ident: true}},
		{"empty tuple", []byte{0x24}, &List{Tuple: true, Items: []Node{}}},
		{"two tuple", []byte{0x2c, 0x09, 0x08}, &List{Tuple: true, Items: []Node{&Int{Value: 1}, &Int{Value: 0}}}},
		{"list", []byte{0x15, 0x02, 0x1f, 0x01}, &List{Items: []Node{&Bool{Value: true}, &None{}}}},
		{"checksum", cat([]byte{0x1c}, le32(0xdeadbeef), []byte{0x09}), &Int{Value: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeValue(t, d, tt.in)
			require.NoError(t, err)
			require.True(t, Equal(tt.want, got), "want %s, got %s", tt.want.Repr(), got.Repr())
		})
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	d := New(DefaultOptions())
	tests := map[string][]byte{
		"int32":         {0x04, 0x01, 0x02},
		"int64":         {0x03, 0x01},
		"short string":  {0x10, 0x05, 'a'},
		"long string":   cat([]byte{0x0d}, le32(100), []byte("x")),
		"unicode":       {0x12, 0x04, 'a', 0},
		"missing tag":   {},
		"escaped count": {0x10, 0xff, 0x01},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := decodeValue(t, d, in)
			require.Error(t, err)
			require.True(t, errors.Is(err, reader.ErrOutOfRange), "got %v", err)
			require.True(t, errors.Is(err, ErrMalformedStream), "got %v", err)
		})
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	d := New(DefaultOptions())
	_, err := decodeValue(t, d, []byte{0x15, 0x01, 0x3f})
	require.ErrorIs(t, err, ErrMalformedStream)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	require.Equal(t, 2, de.Offset)
}

func TestDecodeUnexpectedMark(t *testing.T) {
	d := New(DefaultOptions())
	_, err := decodeValue(t, d, []byte{0x2d})
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestDecodeCountExceedsWindow(t *testing.T) {
	d := New(DefaultOptions())
	_, err := decodeValue(t, d, []byte{0x15, 0xff, 0xff, 0xff, 0xff, 0x7f, 0x01})
	require.ErrorIs(t, err, ErrMalformedStream)
}

func nested(levels int) []byte {
	b := make([]byte, 0, levels+1)
	for i := 0; i < levels; i++ {
		b = append(b, 0x27)
	}
	return append(b, 0x01)
}

func TestDecodeDepthLimit(t *testing.T) {
	for _, limit := range []int{1, 4, 16, 256} {
		opts := DefaultOptions()
		opts.MaxDepth = limit
		d := New(opts)

		// limit-1 lists around a leaf is exactly limit levels
		_, err := decodeValue(t, d, nested(limit-1))
		require.NoError(t, err, "limit %d", limit)

		_, err = decodeValue(t, d, nested(limit))
		require.ErrorIs(t, err, ErrMalformedStream, "limit %d", limit)
	}
}

func TestDecodeDeepNestingDoesNotExhaustStack(t *testing.T) {
	d := New(DefaultOptions())
	_, err := decodeValue(t, d, nested(1_000_000))
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestDecodeDictValueBeforeKey(t *testing.T) {
	d := New(DefaultOptions())
	got, err := decodeValue(t, d, cat([]byte{0x16, 0x01, 0x09}, short("a")))
	require.NoError(t, err)

	dict, ok := got.(*Dict)
	require.True(t, ok)
	v, ok := dict.Get("a")
	require.True(t, ok)
	require.True(t, Equal(&Int{Value: 1}, v))
}

func TestDecodeObjects(t *testing.T) {
	d := New(DefaultOptions())

	got, err := decodeValue(t, d, cat([]byte{0x17}, ident("util.KeyVal"), []byte{0x24}))
	require.NoError(t, err)
	obj := got.(*Object)
	require.Equal(t, "util.KeyVal", obj.Type)
	require.Len(t, obj.Fields, 1)

	got, err = decodeValue(t, d, cat(
		[]byte{0x22}, []byte{0x25}, ident("dbutil.CRowset"),
		[]byte{0x09}, []byte{0x2d},
		short("k"), []byte{0x08}, []byte{0x2d},
	))
	require.NoError(t, err)
	obj = got.(*Object)
	require.Equal(t, "dbutil.CRowset", obj.Type)
	require.Len(t, obj.Fields, 3)
	require.True(t, Equal(&List{Items: []Node{&Int{Value: 1}}}, obj.Fields[1]))
	v, ok := obj.Fields[2].(*Dict).Get("k")
	require.True(t, ok)
	require.True(t, Equal(&Int{Value: 0}, v))
}

func TestDecodeObjectExRejectsSharedMark(t *testing.T) {
	d := New(DefaultOptions())
	_, err := decodeValue(t, d, cat(
		[]byte{0x22}, []byte{0x25}, ident("dbutil.CRowset"),
		[]byte{0x09}, []byte{0x6d},
		[]byte{0x2d},
	))
	require.ErrorIs(t, err, ErrMalformedStream)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	require.Equal(t, 19, de.Offset)
}

func TestIdentInterning(t *testing.T) {
	opts := DefaultOptions()
	opts.StringTable = []string{"first"}
	d := New(opts)

	got, err := decodeValue(t, d, cat([]byte{0x2c}, ident("second"), []byte{0x11, 0x02}))
	require.NoError(t, err)
	items := got.(*List).Items
	require.True(t, Equal(&String{Value: "second", Ident: true}, items[1]))

	_, err = decodeValue(t, d, []byte{0x11, 0x02})
	require.ErrorIs(t, err, ErrMalformedStream)
}

func TestSharedReference(t *testing.T) {
	d := New(DefaultOptions())
	buf := stream([]uint32{1}, []byte{0x2c, 0x50, 0x03, 'a', 'b', 'c', 0x1b, 0x01})

	f := d.DecodeFile(buf)
	require.Equal(t, 1, f.Count())
	s := f.Streams[0]
	require.NoError(t, s.Err)
	require.Equal(t, 1, s.SharedCount)

	items := s.Root.(*List).Items
	ref, ok := items[1].(*Reference)
	require.True(t, ok)
	require.Equal(t, 1, ref.Index)
	require.Same(t, items[0], ref.Target)
	require.Empty(t, ref.Children())

	v, ok := AsString(ref)
	require.True(t, ok)
	require.Equal(t, "abc", v)
}

func TestDanglingReference(t *testing.T) {
	d := New(DefaultOptions())
	for name, payload := range map[string][]byte{
		"not yet stored": {0x2c, 0x1b, 0x01, 0x49},
		"out of range":   {0x2c, 0x49, 0x1b, 0x05},
		"zero index":     {0x2c, 0x49, 0x1b, 0x00},
	} {
		t.Run(name, func(t *testing.T) {
			f := d.DecodeFile(stream([]uint32{1}, payload))
			require.Equal(t, 1, f.Count())
			require.ErrorIs(t, f.Streams[0].Err, ErrMalformedStream)
			require.Nil(t, f.Streams[0].Root)
		})
	}
}

func TestSharedSlotOutsideTable(t *testing.T) {
	d := New(DefaultOptions())
	f := d.DecodeFile(stream([]uint32{3}, []byte{0x49}))
	require.ErrorIs(t, f.Streams[0].Err, ErrMalformedStream)
}

func TestLimitScopesChildDecode(t *testing.T) {
	d := New(DefaultOptions())
	buf := []byte{0x10, 0x04, 'a', 'b', 'c', 'd'}

	c := reader.NewCursor(buf)
	require.NoError(t, c.SetLimit(4))
	_, err := d.DecodeValue(&c)
	require.ErrorIs(t, err, reader.ErrOutOfRange)
	require.Equal(t, 2, c.Position())

	// the substream claims 4 bytes of a string but only carries 3 inside its window
	sub := cat([]byte{StreamStart}, le32(0), []byte{0x10, 0x04, 'x', 'y', 'z'})
	_, err = decodeValue(t, d, cat([]byte{0x2b, byte(len(sub))}, sub, []byte("w")))
	require.ErrorIs(t, err, reader.ErrOutOfRange)
}

func TestSubstream(t *testing.T) {
	d := New(DefaultOptions())
	sub := stream([]uint32{1}, []byte{0x2c, 0x49, 0x1b, 0x01})
	got, err := decodeValue(t, d, cat([]byte{0x2c, 0x2b, byte(len(sub))}, sub, []byte{0x09}))
	require.NoError(t, err)

	items := got.(*List).Items
	ss, ok := items[0].(*Substream)
	require.True(t, ok)
	root := ss.Root.(*List)
	require.Len(t, root.Items, 2)
	require.Same(t, root.Items[0], root.Items[1].(*Reference).Target)
	require.True(t, Equal(&Int{Value: 1}, items[1]))
}

func TestDecodeFileMultipleStreams(t *testing.T) {
	d := New(DefaultOptions())

	// the second stream sits between the first root and the first shared map
	buf := cat(
		[]byte{0x00, 0x13},
		[]byte{StreamStart}, le32(1), []byte{0x49},
		[]byte{StreamStart}, le32(1), []byte{0x48},
		le32(1),
		le32(1),
	)
	f := d.DecodeFile(buf)
	require.Equal(t, 2, f.Count())
	require.Zero(t, f.Failed())
	require.Equal(t, 2, f.Streams[0].Offset)
	require.True(t, Equal(&Int{Value: 1}, f.Streams[0].Root))
	require.Equal(t, 8, f.Streams[1].Offset)
	require.True(t, Equal(&Int{Value: 0}, f.Streams[1].Root))
}

func TestDecodeFileResyncAfterFailure(t *testing.T) {
	d := New(DefaultOptions())
	buf := cat(
		[]byte{StreamStart}, le32(0), []byte{0x3f},
		[]byte{StreamStart}, le32(0), short("ok"),
	)
	f := d.DecodeFile(buf)
	require.Equal(t, 2, f.Count())
	require.Equal(t, 1, f.Failed())
	require.ErrorIs(t, f.Streams[0].Err, ErrMalformedStream)
	require.Equal(t, 0, f.Streams[0].Offset)
	require.Equal(t, 6, f.Streams[1].Offset)
	require.True(t, Equal(&String{Value: "ok"}, f.Streams[1].Root))
}

func TestDecodeFileBadSharedCount(t *testing.T) {
	d := New(DefaultOptions())
	f := d.DecodeFile(cat([]byte{StreamStart}, le32(1000), []byte{0x01}))
	require.Equal(t, 1, f.Count())
	require.ErrorIs(t, f.Streams[0].Err, ErrMalformedStream)
}

func TestDecodeDeterministic(t *testing.T) {
	d := New(DefaultOptions())
	buf := stream([]uint32{1},
		[]byte{0x14, 0x04},
		[]byte{0x50, 0x03, 'a', 'b', 'c'},
		[]byte{0x16, 0x01, 0x09}, ident("key"),
		[]byte{0x1b, 0x01},
		cat([]byte{0x0a}, le64(math.Float64bits(3.25))),
	)
	first := d.DecodeFile(buf)
	second := d.DecodeFile(buf)
	require.Equal(t, 1, first.Count())
	require.NoError(t, first.Streams[0].Err)
	require.True(t, Equal(first.Streams[0].Root, second.Streams[0].Root))
	require.NotSame(t, first.Streams[0].Root, second.Streams[0].Root)
}

func TestCatalogueOverride(t *testing.T) {
	c := DefaultCatalogue()
	require.NoError(t, c.Set(0x13, OpBuffer))
	require.Error(t, c.Set(0x40, OpNone))

	op, err := ParseOp("Int32")
	require.NoError(t, err)
	require.Equal(t, OpInt32, op)
	_, err = ParseOp("bogus")
	require.Error(t, err)
	require.Contains(t, OpNames(), "packed_row")

	opts := DefaultOptions()
	opts.Catalogue = c
	got, err := decodeValue(t, New(opts), []byte{0x13, 0x02, 'a', 'b'})
	require.NoError(t, err)
	require.True(t, Equal(&Bytes{Value: []byte("ab")}, got))
}

func TestCatalogueLookupSharedFlag(t *testing.T) {
	c := DefaultCatalogue()
	op, shared := c.Lookup(0x50)
	require.Equal(t, OpShortString, op)
	require.True(t, shared)

	op, shared = c.Lookup(0x10)
	require.Equal(t, OpShortString, op)
	require.False(t, shared)
}

package decoder

import (
	"math"
	"unicode/utf16"

	"github.com/pkg/errors"

	"evecache/reader"
)

// DefaultMaxDepth bounds container nesting.
const DefaultMaxDepth = 256

type Options struct {
	// MaxDepth is the deepest nesting accepted before a stream is rejected.
	MaxDepth  int
	Catalogue Catalogue
	// StringTable seeds every stream's interning table.
	StringTable []string
}

func DefaultOptions() Options {
	return Options{
		MaxDepth:    DefaultMaxDepth,
		Catalogue:   DefaultCatalogue(),
		StringTable: DefaultStringTable,
	}
}

// Decoder turns tagged bytes into Node trees. It holds no per-stream state
// and is safe for concurrent use; every stream gets its own tables.
type Decoder struct {
	opts Options
}

func New(opts Options) *Decoder {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Decoder{opts: opts}
}

// Stream is one top-level stream of a file. Err is set when the stream
// could not be decoded; Root is nil in that case.
type Stream struct {
	Offset      int
	Root        Node
	SharedCount int
	Err         error
}

// File holds every stream found in a buffer, in file order.
type File struct {
	Streams []*Stream
}

func (f *File) Count() int { return len(f.Streams) }

// Failed counts streams that did not decode.
func (f *File) Failed() int {
	n := 0
	for _, s := range f.Streams {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// DecodeFile locates and decodes every stream in buf. Bytes before a stream
// marker are skipped. A failed stream is recorded and scanning resumes one
// byte after its start, so one bad stream does not hide the others.
// The next stream after a successful one must start before that stream's
// shared map.
func (d *Decoder) DecodeFile(buf []byte) *File {
	f := &File{}
	c := reader.NewCursor(buf)
	for !c.AtEnd() {
		b, err := c.PeekU8()
		if err != nil {
			break
		}
		if b != StreamStart {
			if err := c.Advance(1); err != nil {
				break
			}
			continue
		}
		start := c.Position()
		sc := c
		s, mapStart, err := d.decodeStream(&sc, 0)
		if err != nil {
			f.Streams = append(f.Streams, &Stream{Offset: start, Err: errors.Wrapf(err, "stream at offset %d", start)})
			if err := c.Seek(start + 1); err != nil {
				break
			}
			continue
		}
		f.Streams = append(f.Streams, s)
		if err := c.Seek(sc.Position()); err != nil {
			break
		}
		if err := c.SetLimit(mapStart); err != nil {
			break
		}
	}
	return f
}

// DecodeStream decodes the stream starting at the cursor position. The
// stream's shared map is taken from the end of the cursor window.
func (d *Decoder) DecodeStream(c *reader.Cursor) (*Stream, error) {
	s, _, err := d.decodeStream(c, 0)
	return s, err
}

// DecodeValue decodes a single bare value with fresh tables and no shared
// map. It is mostly useful for embedded payloads and tests.
func (d *Decoder) DecodeValue(c *reader.Cursor) (Node, error) {
	st := d.newState(0, nil)
	return st.value(c, 1)
}

func (d *Decoder) newState(n int, shareMap []uint32) *state {
	return &state{
		dec:      d,
		strings:  NewStringTable(d.opts.StringTable),
		shared:   make([]Node, n),
		shareMap: shareMap,
	}
}

// decodeStream returns the stream and the offset where its shared map begins.
func (d *Decoder) decodeStream(c *reader.Cursor, depth int) (*Stream, int, error) {
	start := c.Position()
	tag, err := c.ReadU8()
	if err != nil {
		return nil, 0, wrapRead(start, "stream marker", err)
	}
	if tag != StreamStart {
		return nil, 0, malformed(start, "expected stream marker 0x%02x, got 0x%02x", StreamStart, tag)
	}
	count, err := c.ReadU32()
	if err != nil {
		return nil, 0, wrapRead(start+1, "shared count", err)
	}
	if int64(count)*4 > int64(c.Remaining()) {
		return nil, 0, malformed(start+1, "shared map of %d entries exceeds %d remaining bytes", count, c.Remaining())
	}
	n := int(count)
	mapStart := c.Limit() - 4*n

	m := *c
	if err := m.Seek(mapStart); err != nil {
		return nil, 0, wrapRead(mapStart, "shared map", err)
	}
	shareMap := make([]uint32, n)
	for i := range shareMap {
		if shareMap[i], err = m.ReadU32(); err != nil {
			return nil, 0, wrapRead(m.Position(), "shared map", err)
		}
	}
	if err := c.SetLimit(mapStart); err != nil {
		return nil, 0, wrapRead(c.Position(), "stream payload", err)
	}

	st := d.newState(n, shareMap)
	root, err := st.value(c, depth+1)
	if err != nil {
		return nil, 0, err
	}
	return &Stream{Offset: start, Root: root, SharedCount: n}, mapStart, nil
}

// state is owned by a single stream decode.
type state struct {
	dec         *Decoder
	strings     *StringTable
	shared      []Node
	shareMap    []uint32
	shareCursor int
}

func (s *state) value(c *reader.Cursor, depth int) (Node, error) {
	off := c.Position()
	if depth > s.dec.opts.MaxDepth {
		return nil, malformed(off, "nesting deeper than %d", s.dec.opts.MaxDepth)
	}
	tag, err := c.ReadU8()
	if err != nil {
		return nil, wrapRead(off, "tag", err)
	}
	op, shared := s.dec.opts.Catalogue.Lookup(tag)

	slot := 0
	if shared {
		if s.shareCursor >= len(s.shareMap) {
			return nil, malformed(off, "shared value beyond the %d map entries", len(s.shareMap))
		}
		slot = int(s.shareMap[s.shareCursor])
		s.shareCursor++
		if slot < 1 || slot > len(s.shared) {
			return nil, malformed(off, "shared slot %d outside table of %d", slot, len(s.shared))
		}
	}

	n, err := s.dispatch(c, op, tag, off, depth)
	if err != nil {
		return nil, err
	}
	if shared {
		s.shared[slot-1] = n
	}
	return n, nil
}

func (s *state) dispatch(c *reader.Cursor, op Op, tag byte, off, depth int) (Node, error) {
	switch op {
	case OpNone:
		return &None{}, nil
	case OpTrue:
		return &Bool{Value: true}, nil
	case OpFalse:
		return &Bool{Value: false}, nil
	case OpIntMinusOne:
		return &Int{Value: -1}, nil
	case OpIntZero:
		return &Int{Value: 0}, nil
	case OpIntOne:
		return &Int{Value: 1}, nil
	case OpInt64:
		v, err := c.ReadI64()
		if err != nil {
			return nil, wrapRead(off, "int64", err)
		}
		return &Int{Value: v, Width: 8}, nil
	case OpInt32:
		v, err := c.ReadU32()
		if err != nil {
			return nil, wrapRead(off, "int32", err)
		}
		return &Int{Value: int64(int32(v)), Width: 4}, nil
	case OpInt16:
		v, err := c.ReadU16()
		if err != nil {
			return nil, wrapRead(off, "int16", err)
		}
		return &Int{Value: int64(int16(v)), Width: 2}, nil
	case OpInt8:
		v, err := c.ReadU8()
		if err != nil {
			return nil, wrapRead(off, "int8", err)
		}
		return &Int{Value: int64(int8(v)), Width: 1}, nil
	case OpVarInt:
		return s.varInt(c, off)
	case OpFloat64:
		v, err := c.ReadF64()
		if err != nil {
			return nil, wrapRead(off, "float64", err)
		}
		return &Float64{Value: v}, nil
	case OpFloat64Zero:
		return &Float64{}, nil
	case OpFloat32:
		v, err := c.ReadF32()
		if err != nil {
			return nil, wrapRead(off, "float32", err)
		}
		return &Float32{Value: v}, nil
	case OpEmptyString:
		return &String{}, nil
	case OpCharString:
		v, err := c.ReadString(1)
		if err != nil {
			return nil, wrapRead(off, "char", err)
		}
		return &String{Value: v}, nil
	case OpShortString, OpUTF8:
		n, err := s.length(c)
		if err != nil {
			return nil, err
		}
		v, err := c.ReadString(n)
		if err != nil {
			return nil, wrapRead(off, "string", err)
		}
		return &String{Value: v}, nil
	case OpLongString:
		n, err := c.ReadU32()
		if err != nil {
			return nil, wrapRead(off, "string length", err)
		}
		if int64(n) > int64(c.Remaining()) {
			return nil, &DecodeError{Offset: off, Msg: "string length", Cause: &reader.RangeError{Offset: c.Position(), Want: int(min(int64(n), math.MaxInt32)), Limit: c.Limit()}}
		}
		v, err := c.ReadString(int(n))
		if err != nil {
			return nil, wrapRead(off, "string", err)
		}
		return &String{Value: v}, nil
	case OpIdent:
		n, err := s.length(c)
		if err != nil {
			return nil, err
		}
		v, err := c.ReadString(n)
		if err != nil {
			return nil, wrapRead(off, "identifier", err)
		}
		s.strings.Intern(v)
		return &String{Value: v, Ident: true}, nil
	case OpStringRef:
		i, err := c.ReadU8()
		if err != nil {
			return nil, wrapRead(off, "string table index", err)
		}
		v, ok := s.strings.Lookup(int(i))
		if !ok {
			return nil, malformed(off, "string table index %d not registered (table holds %d)", i, s.strings.Len())
		}
		return &String{Value: v, Ident: true}, nil
	case OpEmptyUnicode:
		return &String{}, nil
	case OpCharUnicode:
		return s.unicode(c, off, 1)
	case OpUnicode:
		n, err := s.length(c)
		if err != nil {
			return nil, err
		}
		return s.unicode(c, off, n)
	case OpBuffer:
		n, err := s.length(c)
		if err != nil {
			return nil, err
		}
		v, err := c.ReadBytes(n)
		if err != nil {
			return nil, wrapRead(off, "buffer", err)
		}
		return &Bytes{Value: v}, nil
	case OpEmptyTuple:
		return &List{Tuple: true, Items: []Node{}}, nil
	case OpOneTuple:
		return s.items(c, 1, true, depth)
	case OpTwoTuple:
		return s.items(c, 2, true, depth)
	case OpEmptyList:
		return &List{Items: []Node{}}, nil
	case OpOneList:
		return s.items(c, 1, false, depth)
	case OpTuple, OpList:
		n, err := s.count(c)
		if err != nil {
			return nil, err
		}
		return s.items(c, n, op == OpTuple, depth)
	case OpDict:
		return s.dict(c, depth)
	case OpObject:
		typ, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		args, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		return &Object{Type: typeName(typ), Fields: []Node{args}}, nil
	case OpObjectEx:
		return s.objectEx(c, depth)
	case OpSharedRef:
		idx, err := s.length(c)
		if err != nil {
			return nil, err
		}
		if idx < 1 || idx > len(s.shared) || s.shared[idx-1] == nil {
			return nil, malformed(off, "reference to unregistered shared object %d", idx)
		}
		return &Reference{Index: idx, Target: s.shared[idx-1]}, nil
	case OpChecksum:
		if _, err := c.ReadU32(); err != nil {
			return nil, wrapRead(off, "checksum", err)
		}
		return s.value(c, depth+1)
	case OpPackedRow:
		return s.row(c, off, depth)
	case OpSubstream:
		n, err := s.length(c)
		if err != nil {
			return nil, err
		}
		sub, err := c.Sub(n)
		if err != nil {
			return nil, wrapRead(off, "substream", err)
		}
		st, _, err := s.dec.decodeStream(&sub, depth)
		if err != nil {
			return nil, err
		}
		return &Substream{Root: st.Root}, nil
	case OpMark:
		return nil, malformed(off, "unexpected container mark 0x%02x", tag)
	}
	return nil, malformed(off, "unknown tag 0x%02x", tag)
}

// length reads a one byte length, escaping to a u32 on 0xff.
func (s *state) length(c *reader.Cursor) (int, error) {
	off := c.Position()
	b, err := c.ReadU8()
	if err != nil {
		return 0, wrapRead(off, "length", err)
	}
	if b != 0xff {
		return int(b), nil
	}
	v, err := c.ReadU32()
	if err != nil {
		return 0, wrapRead(off, "length", err)
	}
	if v > math.MaxInt32 {
		return 0, malformed(off, "length %d too large", v)
	}
	return int(v), nil
}

// count reads an element count. Every element takes at least one byte, so a
// count larger than the remaining window is rejected before allocating.
func (s *state) count(c *reader.Cursor) (int, error) {
	off := c.Position()
	n, err := s.length(c)
	if err != nil {
		return 0, err
	}
	if n > c.Remaining() {
		return 0, malformed(off, "count %d exceeds %d remaining bytes", n, c.Remaining())
	}
	return n, nil
}

func (s *state) items(c *reader.Cursor, n int, tuple bool, depth int) (Node, error) {
	items := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		v, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return &List{Items: items, Tuple: tuple}, nil
}

// dict pairs are stored value first.
func (s *state) dict(c *reader.Cursor, depth int) (Node, error) {
	off := c.Position()
	n, err := s.length(c)
	if err != nil {
		return nil, err
	}
	if 2*n > c.Remaining() {
		return nil, malformed(off, "dict of %d pairs exceeds %d remaining bytes", n, c.Remaining())
	}
	pairs := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		v, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		k, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	return &Dict{Pairs: pairs}, nil
}

// objectEx is a header followed by mark-terminated list items and
// mark-terminated key/value pairs.
func (s *state) objectEx(c *reader.Cursor, depth int) (Node, error) {
	header, err := s.value(c, depth+1)
	if err != nil {
		return nil, err
	}
	items := []Node{}
	for {
		done, err := s.atMark(c)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		v, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	pairs := []Pair{}
	for {
		done, err := s.atMark(c)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		k, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		v, err := s.value(c, depth+1)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	return &Object{
		Type:   typeName(header),
		Fields: []Node{header, &List{Items: items}, &Dict{Pairs: pairs}},
	}, nil
}

func (s *state) atMark(c *reader.Cursor) (bool, error) {
	off := c.Position()
	b, err := c.PeekU8()
	if err != nil {
		return false, wrapRead(off, "container terminator", err)
	}
	op, shared := s.dec.opts.Catalogue.Lookup(b)
	if op != OpMark {
		return false, nil
	}
	if shared {
		return false, malformed(off, "container terminator 0x%02x carries the shared flag", b)
	}
	return true, c.Advance(1)
}

func (s *state) unicode(c *reader.Cursor, off, units int) (Node, error) {
	if units > c.Remaining()/2 {
		return nil, &DecodeError{Offset: off, Msg: "unicode", Cause: &reader.RangeError{Offset: c.Position(), Want: 2 * units, Limit: c.Limit()}}
	}
	codes := make([]uint16, units)
	for i := range codes {
		v, err := c.ReadU16()
		if err != nil {
			return nil, wrapRead(off, "unicode", err)
		}
		codes[i] = v
	}
	return &String{Value: string(utf16.Decode(codes))}, nil
}

// varInt is a length-prefixed little endian two's complement integer.
func (s *state) varInt(c *reader.Cursor, off int) (Node, error) {
	n, err := s.length(c)
	if err != nil {
		return nil, err
	}
	if n > 8 {
		return nil, malformed(off, "variable integer of %d bytes", n)
	}
	b, err := c.ReadBytes(n)
	if err != nil {
		return nil, wrapRead(off, "variable integer", err)
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	if n > 0 && n < 8 && b[n-1]&0x80 != 0 {
		v |= ^uint64(0) << (8 * uint(n))
	}
	return &Int{Value: int64(v)}, nil
}

// typeName finds the class name carried by an object header.
func typeName(n Node) string {
	switch v := Deref(n).(type) {
	case *String:
		return v.Value
	case *Object:
		return v.Type
	case *List:
		if len(v.Items) > 0 {
			return typeName(v.Items[0])
		}
	}
	return ""
}

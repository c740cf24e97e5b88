package decoder

import (
	"encoding/binary"
	"math"
	"sort"

	"evecache/reader"
)

// DBType is the column type code carried by a row descriptor.
type DBType int

const (
	DBTypeI2       DBType = 2
	DBTypeI4       DBType = 3
	DBTypeR4       DBType = 4
	DBTypeR8       DBType = 5
	DBTypeCY       DBType = 6
	DBTypeBool     DBType = 11
	DBTypeI1       DBType = 16
	DBTypeUI1      DBType = 17
	DBTypeUI2      DBType = 18
	DBTypeUI4      DBType = 19
	DBTypeI8       DBType = 20
	DBTypeUI8      DBType = 21
	DBTypeFiletime DBType = 64
	DBTypeBytes    DBType = 128
	DBTypeStr      DBType = 129
	DBTypeWStr     DBType = 130
)

// Width is the packed byte width of fixed size types. Booleans take one bit
// and report 0, string types report -1.
func (t DBType) Width() int {
	switch t {
	case DBTypeI8, DBTypeUI8, DBTypeR8, DBTypeCY, DBTypeFiletime:
		return 8
	case DBTypeI4, DBTypeUI4, DBTypeR4:
		return 4
	case DBTypeI2, DBTypeUI2:
		return 2
	case DBTypeI1, DBTypeUI1:
		return 1
	case DBTypeBool:
		return 0
	case DBTypeBytes, DBTypeStr, DBTypeWStr:
		return -1
	}
	return -2
}

// Column is one entry of a row descriptor.
type Column struct {
	Name string
	Type DBType
}

// maxDescriptorNodes caps the descriptor search.
const maxDescriptorNodes = 4096

// DescriptorColumns finds the column list of a row descriptor: the first list
// whose items are all (name, type) pairs.
func DescriptorColumns(desc Node) ([]Column, bool) {
	queue := []Node{desc}
	for visited := 0; len(queue) > 0 && visited < maxDescriptorNodes; visited++ {
		n := Deref(queue[0])
		queue = queue[1:]
		if n == nil {
			continue
		}
		if l, ok := n.(*List); ok {
			if cols, ok := columnPairs(l); ok {
				return cols, true
			}
		}
		queue = append(queue, n.Children()...)
	}
	return nil, false
}

func columnPairs(l *List) ([]Column, bool) {
	if len(l.Items) == 0 {
		return nil, false
	}
	cols := make([]Column, 0, len(l.Items))
	for _, item := range l.Items {
		pair, ok := Deref(item).(*List)
		if !ok || len(pair.Items) != 2 {
			return nil, false
		}
		name, ok := AsString(pair.Items[0])
		if !ok {
			return nil, false
		}
		typ, ok := Deref(pair.Items[1]).(*Int)
		if !ok {
			return nil, false
		}
		cols = append(cols, Column{Name: name, Type: DBType(typ.Value)})
	}
	return cols, true
}

// UnpackZeroRuns expands the zero-run encoding used for packed row data.
// Each opcode byte holds two halves (low and high nibble). A half with its top
// bit set emits len+1 zero bytes; otherwise it copies 8-len literal bytes.
func UnpackZeroRuns(in []byte) []byte {
	out := make([]byte, 0, 2*len(in))
	for i := 0; i < len(in); {
		op := in[i]
		i++
		for _, half := range [2]byte{op & 0x0f, op >> 4} {
			n := int(half & 0x07)
			if half&0x08 != 0 {
				for k := 0; k <= n; k++ {
					out = append(out, 0)
				}
				continue
			}
			for k := 0; k < 8-n && i < len(in); k++ {
				out = append(out, in[i])
				i++
			}
		}
	}
	return out
}

func (s *state) row(c *reader.Cursor, off, depth int) (Node, error) {
	desc, err := s.value(c, depth+1)
	if err != nil {
		return nil, err
	}
	cols, ok := DescriptorColumns(desc)
	if !ok {
		return nil, malformed(off, "packed row descriptor has no column list")
	}
	for _, col := range cols {
		if col.Type.Width() < -1 {
			return nil, malformed(off, "column %q has unknown type %d", col.Name, col.Type)
		}
	}

	blobOff := c.Position()
	n, err := s.length(c)
	if err != nil {
		return nil, err
	}
	packed, err := c.ReadBytes(n)
	if err != nil {
		return nil, wrapRead(blobOff, "packed row data", err)
	}
	data := UnpackZeroRuns(packed)

	order := make([]int, len(cols))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return layoutRank(cols[order[a]].Type) < layoutRank(cols[order[b]].Type)
	})

	size, bools := 0, 0
	for _, col := range cols {
		switch w := col.Type.Width(); {
		case w > 0:
			size += w
		case w == 0:
			bools++
		}
	}
	size += (bools + 7) / 8
	if len(data) < size {
		data = append(data, make([]byte, size-len(data))...)
	}

	values := make([]Node, len(cols))
	pos, bit, boolBase := 0, 0, size-(bools+7)/8
	for _, i := range order {
		col := cols[i]
		switch w := col.Type.Width(); {
		case w > 0:
			values[i] = fixedColumn(col.Type, data[pos:pos+w])
			pos += w
		case w == 0:
			values[i] = &Bool{Value: data[boolBase+bit/8]&(1<<(bit%8)) != 0}
			bit++
		default:
			v, err := s.value(c, depth+1)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
	}

	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	return &Row{Descriptor: desc, Columns: names, Values: values}, nil
}

// layoutRank orders columns in the packed layout: 8, 4, 2, 1 byte values,
// then bit packed booleans, then string columns.
func layoutRank(t DBType) int {
	switch w := t.Width(); w {
	case 8:
		return 0
	case 4:
		return 1
	case 2:
		return 2
	case 1:
		return 3
	case 0:
		return 4
	}
	return 5
}

func fixedColumn(t DBType, b []byte) Node {
	le := binary.LittleEndian
	switch t {
	case DBTypeI1:
		return &Int{Value: int64(int8(b[0])), Width: 1}
	case DBTypeUI1:
		return &Int{Value: int64(b[0]), Width: 1}
	case DBTypeI2:
		return &Int{Value: int64(int16(le.Uint16(b))), Width: 2}
	case DBTypeUI2:
		return &Int{Value: int64(le.Uint16(b)), Width: 2}
	case DBTypeI4:
		return &Int{Value: int64(int32(le.Uint32(b))), Width: 4}
	case DBTypeUI4:
		return &Int{Value: int64(le.Uint32(b)), Width: 4}
	case DBTypeR4:
		return &Float32{Value: math.Float32frombits(le.Uint32(b))}
	case DBTypeR8:
		return &Float64{Value: math.Float64frombits(le.Uint64(b))}
	case DBTypeCY:
		return &Currency{Units: int64(le.Uint64(b))}
	}
	// I8, UI8 and FILETIME
	return &Int{Value: int64(le.Uint64(b)), Width: 8}
}

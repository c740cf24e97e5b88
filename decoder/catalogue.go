package decoder

import (
	"fmt"
	"sort"
	"strings"
)

// Op is the decode routine a tag selects.
type Op uint8

const (
	OpInvalid Op = iota
	OpNone
	OpIdent
	OpInt64
	OpInt32
	OpInt16
	OpInt8
	OpIntMinusOne
	OpIntZero
	OpIntOne
	OpFloat64
	OpFloat64Zero
	OpFloat32
	OpLongString
	OpEmptyString
	OpCharString
	OpShortString
	OpStringRef
	OpUnicode
	OpBuffer
	OpTuple
	OpList
	OpDict
	OpObject
	OpSharedRef
	OpChecksum
	OpTrue
	OpFalse
	OpObjectEx
	OpEmptyTuple
	OpOneTuple
	OpTwoTuple
	OpEmptyList
	OpOneList
	OpEmptyUnicode
	OpCharUnicode
	OpPackedRow
	OpSubstream
	OpMark
	OpUTF8
	OpVarInt
)

var opNames = map[Op]string{
	OpNone:         "none",
	OpIdent:        "ident",
	OpInt64:        "int64",
	OpInt32:        "int32",
	OpInt16:        "int16",
	OpInt8:         "int8",
	OpIntMinusOne:  "int_minus_one",
	OpIntZero:      "int_zero",
	OpIntOne:       "int_one",
	OpFloat64:      "float64",
	OpFloat64Zero:  "float64_zero",
	OpFloat32:      "float32",
	OpLongString:   "long_string",
	OpEmptyString:  "empty_string",
	OpCharString:   "char_string",
	OpShortString:  "short_string",
	OpStringRef:    "string_ref",
	OpUnicode:      "unicode",
	OpBuffer:       "buffer",
	OpTuple:        "tuple",
	OpList:         "list",
	OpDict:         "dict",
	OpObject:       "object",
	OpSharedRef:    "shared_ref",
	OpChecksum:     "checksum",
	OpTrue:         "true",
	OpFalse:        "false",
	OpObjectEx:     "object_ex",
	OpEmptyTuple:   "empty_tuple",
	OpOneTuple:     "one_tuple",
	OpTwoTuple:     "two_tuple",
	OpEmptyList:    "empty_list",
	OpOneList:      "one_list",
	OpEmptyUnicode: "empty_unicode",
	OpCharUnicode:  "char_unicode",
	OpPackedRow:    "packed_row",
	OpSubstream:    "substream",
	OpMark:         "mark",
	OpUTF8:         "utf8",
	OpVarInt:       "varint",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "invalid"
}

// ParseOp resolves a configuration name such as "int32" to an Op.
func ParseOp(name string) (Op, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for op, n := range opNames {
		if n == name {
			return op, nil
		}
	}
	return OpInvalid, fmt.Errorf("unknown tag op %q", name)
}

// OpNames lists every op name accepted by ParseOp, sorted.
func OpNames() []string {
	out := make([]string, 0, len(opNames))
	for _, n := range opNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

const (
	// StreamStart opens every stream.
	StreamStart = 0x7e
	// SharedFlag marks a value that is stored in the shared object table
	// once decoded.
	SharedFlag = 0x40
	tagMask    = 0x3f
)

// Catalogue maps the low six bits of a tag byte to its decode routine.
type Catalogue [64]Op

// DefaultCatalogue is the tag layout observed in client cache files.
func DefaultCatalogue() Catalogue {
	var c Catalogue
	c[0x01] = OpNone
	c[0x02] = OpIdent
	c[0x03] = OpInt64
	c[0x04] = OpInt32
	c[0x05] = OpInt16
	c[0x06] = OpInt8
	c[0x07] = OpIntMinusOne
	c[0x08] = OpIntZero
	c[0x09] = OpIntOne
	c[0x0a] = OpFloat64
	c[0x0b] = OpFloat64Zero
	c[0x0c] = OpFloat32
	c[0x0d] = OpLongString
	c[0x0e] = OpEmptyString
	c[0x0f] = OpCharString
	c[0x10] = OpShortString
	c[0x11] = OpStringRef
	c[0x12] = OpUnicode
	c[0x13] = OpIdent
	c[0x14] = OpTuple
	c[0x15] = OpList
	c[0x16] = OpDict
	c[0x17] = OpObject
	c[0x1b] = OpSharedRef
	c[0x1c] = OpChecksum
	c[0x1f] = OpTrue
	c[0x20] = OpFalse
	c[0x22] = OpObjectEx
	c[0x23] = OpObjectEx
	c[0x24] = OpEmptyTuple
	c[0x25] = OpOneTuple
	c[0x26] = OpEmptyList
	c[0x27] = OpOneList
	c[0x28] = OpEmptyUnicode
	c[0x29] = OpCharUnicode
	c[0x2a] = OpPackedRow
	c[0x2b] = OpSubstream
	c[0x2c] = OpTwoTuple
	c[0x2d] = OpMark
	c[0x2e] = OpUTF8
	c[0x2f] = OpVarInt
	return c
}

// Set rebinds one tag. Only the low six bits are addressable; the shared
// flag is not part of the tag.
func (c *Catalogue) Set(tag byte, op Op) error {
	if tag > tagMask {
		return fmt.Errorf("tag 0x%02x outside the 6-bit tag space", tag)
	}
	if _, ok := opNames[op]; !ok && op != OpInvalid {
		return fmt.Errorf("op %d is not defined", op)
	}
	c[tag] = op
	return nil
}

// Lookup returns the op for a raw tag byte and whether the shared flag is set.
func (c *Catalogue) Lookup(tag byte) (Op, bool) {
	return c[tag&tagMask], tag&SharedFlag != 0
}

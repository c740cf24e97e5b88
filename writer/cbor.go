package writer

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"evecache/decoder"
)

// treeEncMode uses Core Deterministic Encoding so the same decoded file
// always produces identical bytes.
var treeEncMode cbor.EncMode

func init() {
	var err error
	treeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("writer: CBOR encoder initialization failed: " + err.Error())
	}
}

// TreeNode is the CBOR shape of one decoded node. Dict children alternate
// key and value, row children follow Columns, and references carry only the
// shared slot index.
type TreeNode struct {
	Kind     string     `cbor:"kind"`
	Value    any        `cbor:"value,omitempty"`
	Name     string     `cbor:"name,omitempty"`
	Index    int        `cbor:"index,omitempty"`
	Columns  []string   `cbor:"columns,omitempty"`
	Children []TreeNode `cbor:"children,omitempty"`
}

type TreeStream struct {
	Offset int       `cbor:"offset"`
	Root   *TreeNode `cbor:"root,omitempty"`
	Error  string    `cbor:"error,omitempty"`
}

type TreeFile struct {
	Streams []TreeStream `cbor:"streams"`
}

// BuildTree converts a decoded node into its exportable form.
func BuildTree(n decoder.Node) TreeNode {
	var t TreeNode
	switch v := n.(type) {
	case *decoder.None:
		t.Kind = "none"
	case *decoder.Bool:
		t.Kind, t.Value = "bool", v.Value
	case *decoder.Int:
		t.Kind, t.Value = "int", v.Value
	case *decoder.Float32:
		t.Kind, t.Value = "float", float64(v.Value)
	case *decoder.Float64:
		t.Kind, t.Value = "float", v.Value
	case *decoder.Currency:
		t.Kind, t.Value = "currency", v.Units
	case *decoder.String:
		t.Kind, t.Value = "string", v.Value
		if v.Ident {
			t.Kind = "ident"
		}
	case *decoder.Bytes:
		t.Kind, t.Value = "bytes", v.Value
	case *decoder.List:
		t.Kind = "list"
		if v.Tuple {
			t.Kind = "tuple"
		}
	case *decoder.Dict:
		t.Kind = "dict"
	case *decoder.Object:
		t.Kind, t.Name = "object", v.Type
	case *decoder.Reference:
		t.Kind, t.Index = "ref", v.Index
	case *decoder.Row:
		t.Kind, t.Columns = "row", v.Columns
		for _, c := range v.Values {
			t.Children = append(t.Children, BuildTree(c))
		}
		return t
	case *decoder.Substream:
		t.Kind = "substream"
	default:
		t.Kind = "unknown"
		return t
	}
	for _, c := range n.Children() {
		if c == nil {
			continue
		}
		t.Children = append(t.Children, BuildTree(c))
	}
	return t
}

// EncodeTree renders every stream of f as deterministic CBOR.
func EncodeTree(f *decoder.File) ([]byte, error) {
	doc := TreeFile{Streams: make([]TreeStream, 0, len(f.Streams))}
	for _, s := range f.Streams {
		ts := TreeStream{Offset: s.Offset}
		if s.Err != nil {
			ts.Error = s.Err.Error()
		} else if s.Root != nil {
			root := BuildTree(s.Root)
			ts.Root = &root
		}
		doc.Streams = append(doc.Streams, ts)
	}
	data, err := treeEncMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}
	return data, nil
}

// WriteTree writes the CBOR rendering of f to w.
func WriteTree(w io.Writer, f *decoder.File) error {
	data, err := EncodeTree(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

package decoder

import (
	"fmt"
	"strconv"
)

// Node is one decoded value. The set of implementations is closed: every
// variant lives in this file and carries the unexported node marker.
type Node interface {
	// Repr is a single-line human readable rendering of the node itself,
	// without its children.
	Repr() string
	// Children lists nested nodes in stream order.
	Children() []Node
	node()
}

type None struct{}

type Bool struct{ Value bool }

// Int is a signed integer; Width is the encoded byte width, 0 for
// constant and variable width encodings.
type Int struct {
	Value int64
	Width int
}

type Float32 struct{ Value float32 }

type Float64 struct{ Value float64 }

// Currency is a fixed point amount in units of 1/10000.
type Currency struct{ Units int64 }

// String is a text value. Ident marks names that went through the string
// table (class names, column names, method names).
type String struct {
	Value string
	Ident bool
}

type Bytes struct{ Value []byte }

// List is an ordered sequence; Tuple distinguishes immutable sequences in
// the source format.
type List struct {
	Items []Node
	Tuple bool
}

type Pair struct {
	Key   Node
	Value Node
}

// Dict keeps pairs in stream order; keys are not checked for uniqueness.
type Dict struct{ Pairs []Pair }

// Object is a typed instance: a class name plus its fields.
type Object struct {
	Type   string
	Fields []Node
}

// Reference points at a shared object decoded earlier in the same stream.
// Target is the already decoded node; Children does not descend into it so a
// tree walk never visits a shared object twice through references.
type Reference struct {
	Index  int
	Target Node
}

// Row is a packed database row with named columns.
type Row struct {
	Descriptor Node
	Columns    []string
	Values     []Node
}

// Substream is an embedded, independently framed stream.
type Substream struct{ Root Node }

func (*None) node()      {}
func (*Bool) node()      {}
func (*Int) node()       {}
func (*Float32) node()   {}
func (*Float64) node()   {}
func (*Currency) node()  {}
func (*String) node()    {}
func (*Bytes) node()     {}
func (*List) node()      {}
func (*Dict) node()      {}
func (*Object) node()    {}
func (*Reference) node() {}
func (*Row) node()       {}
func (*Substream) node() {}

func (*None) Repr() string { return "<none>" }

func (n *Bool) Repr() string { return "<bool " + strconv.FormatBool(n.Value) + ">" }

func (n *Int) Repr() string { return "<int " + strconv.FormatInt(n.Value, 10) + ">" }

func (n *Float32) Repr() string {
	return "<float " + strconv.FormatFloat(float64(n.Value), 'g', -1, 32) + ">"
}

func (n *Float64) Repr() string {
	return "<float " + strconv.FormatFloat(n.Value, 'g', -1, 64) + ">"
}

func (n *Currency) Repr() string { return "<currency " + n.String() + ">" }

// String renders the amount with four decimals.
func (n *Currency) String() string {
	u := n.Units
	sign := ""
	if u < 0 {
		sign = "-"
		u = -u
	}
	return fmt.Sprintf("%s%d.%04d", sign, u/10000, u%10000)
}

func (n *String) Repr() string {
	if n.Ident {
		return "<ident " + n.Value + ">"
	}
	return "<string " + strconv.Quote(n.Value) + ">"
}

func (n *Bytes) Repr() string { return fmt.Sprintf("<bytes len=%d>", len(n.Value)) }

func (n *List) Repr() string {
	if n.Tuple {
		return fmt.Sprintf("<tuple len=%d>", len(n.Items))
	}
	return fmt.Sprintf("<list len=%d>", len(n.Items))
}

func (n *Dict) Repr() string { return fmt.Sprintf("<dict len=%d>", len(n.Pairs)) }

func (n *Object) Repr() string { return "<object " + n.Type + ">" }

func (n *Reference) Repr() string { return fmt.Sprintf("<ref %d>", n.Index) }

func (n *Row) Repr() string { return fmt.Sprintf("<row cols=%d>", len(n.Columns)) }

func (n *Substream) Repr() string { return "<substream>" }

func (*None) Children() []Node      { return nil }
func (*Bool) Children() []Node      { return nil }
func (*Int) Children() []Node       { return nil }
func (*Float32) Children() []Node   { return nil }
func (*Float64) Children() []Node   { return nil }
func (*Currency) Children() []Node  { return nil }
func (*String) Children() []Node    { return nil }
func (*Bytes) Children() []Node     { return nil }
func (*Reference) Children() []Node { return nil }
func (n *List) Children() []Node    { return n.Items }
func (n *Object) Children() []Node  { return n.Fields }

// Children of a dict alternate key, value.
func (n *Dict) Children() []Node {
	out := make([]Node, 0, 2*len(n.Pairs))
	for _, p := range n.Pairs {
		out = append(out, p.Key, p.Value)
	}
	return out
}

// Children of a row alternate column name, value.
func (n *Row) Children() []Node {
	out := make([]Node, 0, 2*len(n.Values))
	for i, v := range n.Values {
		out = append(out, &String{Value: n.Columns[i], Ident: true}, v)
	}
	return out
}

func (n *Substream) Children() []Node {
	if n.Root == nil {
		return nil
	}
	return []Node{n.Root}
}

// Get returns the value stored under a string key.
func (n *Dict) Get(key string) (Node, bool) {
	for _, p := range n.Pairs {
		if s, ok := Deref(p.Key).(*String); ok && s.Value == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Get returns the value of a named column.
func (n *Row) Get(column string) (Node, bool) {
	for i, c := range n.Columns {
		if c == column {
			return n.Values[i], true
		}
	}
	return nil, false
}

// Deref follows references and substreams to the underlying value.
func Deref(n Node) Node {
	for i := 0; i < 64; i++ {
		switch v := n.(type) {
		case *Reference:
			n = v.Target
		case *Substream:
			n = v.Root
		default:
			return n
		}
	}
	return n
}

// AsInt reports the integral value of Int, Bool and integral floats.
func AsInt(n Node) (int64, bool) {
	switch v := Deref(n).(type) {
	case *Int:
		return v.Value, true
	case *Bool:
		if v.Value {
			return 1, true
		}
		return 0, true
	case *Float64:
		if v.Value == float64(int64(v.Value)) {
			return int64(v.Value), true
		}
	case *Float32:
		if v.Value == float32(int64(v.Value)) {
			return int64(v.Value), true
		}
	case *Currency:
		if v.Units%10000 == 0 {
			return v.Units / 10000, true
		}
	}
	return 0, false
}

// AsString reports the text of String and Bytes nodes.
func AsString(n Node) (string, bool) {
	switch v := Deref(n).(type) {
	case *String:
		return v.Value, true
	case *Bytes:
		return string(v.Value), true
	}
	return "", false
}

// Equal compares two trees by value. References compare by index.
func Equal(a, b Node) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case *None:
		_, ok := b.(*None)
		return ok
	case *Bool:
		y, ok := b.(*Bool)
		return ok && x.Value == y.Value
	case *Int:
		y, ok := b.(*Int)
		return ok && x.Value == y.Value && x.Width == y.Width
	case *Float32:
		y, ok := b.(*Float32)
		return ok && x.Value == y.Value
	case *Float64:
		y, ok := b.(*Float64)
		return ok && x.Value == y.Value
	case *Currency:
		y, ok := b.(*Currency)
		return ok && x.Units == y.Units
	case *String:
		y, ok := b.(*String)
		return ok && x.Value == y.Value && x.Ident == y.Ident
	case *Bytes:
		y, ok := b.(*Bytes)
		return ok && string(x.Value) == string(y.Value)
	case *Reference:
		y, ok := b.(*Reference)
		return ok && x.Index == y.Index
	case *List:
		y, ok := b.(*List)
		return ok && x.Tuple == y.Tuple && equalAll(x.Items, y.Items)
	case *Dict:
		y, ok := b.(*Dict)
		return ok && equalAll(x.Children(), y.Children())
	case *Object:
		y, ok := b.(*Object)
		return ok && x.Type == y.Type && equalAll(x.Fields, y.Fields)
	case *Row:
		y, ok := b.(*Row)
		return ok && Equal(x.Descriptor, y.Descriptor) && equalAll(x.Children(), y.Children())
	case *Substream:
		y, ok := b.(*Substream)
		return ok && Equal(x.Root, y.Root)
	}
	return false
}

func equalAll(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

package writer

import (
	"bufio"
	"io"
	"strings"

	"evecache/decoder"
)

// DumpStructure prints root and its descendants, one node per line. Each
// level is indented by two spaces and a node with children wraps them in
// " (" and " )" lines at its own indentation.
func DumpStructure(w io.Writer, root decoder.Node) error {
	bw := bufio.NewWriter(w)
	if root != nil {
		dumpNodes(bw, []decoder.Node{root}, 0)
	}
	return bw.Flush()
}

// DumpFile prints every decoded stream of f in order. Failed streams print
// nothing; their errors are reported by the caller.
func DumpFile(w io.Writer, f *decoder.File) error {
	for _, s := range f.Streams {
		if s.Err != nil {
			continue
		}
		if err := DumpStructure(w, s.Root); err != nil {
			return err
		}
	}
	return nil
}

func dumpNodes(w *bufio.Writer, nodes []decoder.Node, level int) {
	indent := strings.Repeat("  ", level)
	for _, n := range nodes {
		if n == nil {
			continue
		}
		w.WriteString(indent)
		w.WriteString(n.Repr())
		w.WriteByte('\n')

		children := n.Children()
		if len(children) == 0 {
			continue
		}
		w.WriteString(indent)
		w.WriteString(" (\n")
		dumpNodes(w, children, level+1)
		w.WriteString(indent)
		w.WriteString(" )\n")
	}
}

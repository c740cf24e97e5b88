// Package decoder turns the tagged binary streams found in client cache files
// into a tree of Node values.
//
// A file holds one or more streams. Each stream starts with a marker byte and
// a shared object count, and ends with a map that assigns shared values to
// slots of a per-stream table; later back-references resolve against that
// table without decoding the value again. Identifier strings are interned in
// a per-stream string table seeded from DefaultStringTable.
//
// The tag catalogue is data, not code: DefaultCatalogue can be rebound per tag
// with Catalogue.Set when a client build moves things around.
package decoder

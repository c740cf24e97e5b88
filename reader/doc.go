// Package reader loads cache files into memory and exposes Cursor, a
// bounds-checked little endian view used by the decoder. A cursor never reads
// past its limit: every short read surfaces ErrOutOfRange instead of returning
// zero-filled data.
package reader

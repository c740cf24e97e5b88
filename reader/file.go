package reader

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// DefaultMaxFileBytes caps how much a single cache file may occupy in memory
// after inflation.
const DefaultMaxFileBytes = 256 << 20

// File is a fully loaded cache file.
type File struct {
	Path string
	Data []byte
	// Compressed reports whether the file on disk was zlib wrapped.
	Compressed bool
}

// Load reads a whole cache file into memory. Failures wrap ErrIoUnavailable.
func Load(path string, maxBytes int64) (*File, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIoUnavailable, "open %s: %v", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(ErrIoUnavailable, "read %s: %v", path, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.Wrapf(ErrIoUnavailable, "%s exceeds %d bytes", path, maxBytes)
	}
	return LoadBytes(path, data, maxBytes)
}

// LoadBytes wraps an in-memory buffer, inflating it when it carries a zlib
// header.
func LoadBytes(name string, data []byte, maxBytes int64) (*File, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	if !isZlib(data) {
		return &File{Path: name, Data: data}, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrIoUnavailable, "inflate %s: %v", name, err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(io.LimitReader(zr, maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(ErrIoUnavailable, "inflate %s: %v", name, err)
	}
	if int64(len(raw)) > maxBytes {
		return nil, errors.Wrapf(ErrIoUnavailable, "%s inflates past %d bytes", name, maxBytes)
	}
	return &File{Path: name, Data: raw, Compressed: true}, nil
}

// isZlib checks for the two byte zlib header (deflate method, valid FCHECK).
func isZlib(b []byte) bool {
	if len(b) < 2 || b[0]&0x0f != 8 || b[0]>>4 > 7 {
		return false
	}
	return (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

// Cursor returns a cursor over the whole file.
func (f *File) Cursor() Cursor { return NewCursor(f.Data) }

// Len is the decoded payload length.
func (f *File) Len() int { return len(f.Data) }

// Digest is the hex BLAKE3 hash of the payload.
func (f *File) Digest() string {
	sum := blake3.Sum256(f.Data)
	return hex.EncodeToString(sum[:16])
}

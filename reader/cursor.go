package reader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOutOfRange is returned when a read, peek or seek would cross the
	// cursor limit or the end of the backing buffer.
	ErrOutOfRange = errors.New("out of range")
	// ErrIoUnavailable is returned when a cache file cannot be loaded.
	ErrIoUnavailable = errors.New("io unavailable")
)

// RangeError records where an out of range access happened.
type RangeError struct {
	Offset int
	Want   int
	Limit  int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("access of %d bytes at offset %d exceeds limit %d: %v", e.Want, e.Offset, e.Limit, ErrOutOfRange)
}

func (e *RangeError) Unwrap() error { return ErrOutOfRange }

// Cursor is a position/limit window over a shared read-only buffer.
// Copying a Cursor copies the window, never the buffer.
// All multi-byte values are little endian.
type Cursor struct {
	buf   []byte
	pos   int
	limit int
}

// NewCursor returns a cursor spanning the whole buffer.
func NewCursor(buf []byte) Cursor {
	return Cursor{buf: buf, limit: len(buf)}
}

func (c *Cursor) Position() int  { return c.pos }
func (c *Cursor) Limit() int     { return c.limit }
func (c *Cursor) Remaining() int { return c.limit - c.pos }
func (c *Cursor) AtEnd() bool    { return c.pos >= c.limit }

func (c *Cursor) check(n int) error {
	if n < 0 || c.pos+n > c.limit || c.pos+n > len(c.buf) {
		return &RangeError{Offset: c.pos, Want: n, Limit: c.limit}
	}
	return nil
}

func (c *Cursor) peek(n int) ([]byte, error) {
	if err := c.check(n); err != nil {
		return nil, err
	}
	return c.buf[c.pos : c.pos+n], nil
}

func (c *Cursor) take(n int) ([]byte, error) {
	b, err := c.peek(n)
	if err != nil {
		return nil, err
	}
	c.pos += n
	return b, nil
}

func (c *Cursor) PeekU8() (uint8, error) {
	b, err := c.peek(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) PeekU16() (uint16, error) {
	b, err := c.peek(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Cursor) PeekU32() (uint32, error) {
	b, err := c.peek(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) PeekF32() (float32, error) {
	v, err := c.PeekU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (c *Cursor) PeekF64() (float64, error) {
	b, err := c.peek(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (c *Cursor) PeekString(n int) (string, error) {
	b, err := c.peek(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Cursor) ReadU8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) ReadU16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Cursor) ReadU32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) ReadI64() (int64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (c *Cursor) ReadF32() (float32, error) {
	v, err := c.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (c *Cursor) ReadF64() (float64, error) {
	v, err := c.ReadI64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

func (c *Cursor) ReadString(n int) (string, error) {
	b, err := c.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes returns a copy of the next n bytes.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	b, err := c.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Seek moves to an absolute position inside [0, limit].
func (c *Cursor) Seek(pos int) error {
	if pos < 0 || pos > c.limit {
		return &RangeError{Offset: pos, Want: 0, Limit: c.limit}
	}
	c.pos = pos
	return nil
}

// Advance skips n bytes without reading them.
func (c *Cursor) Advance(n int) error {
	if err := c.check(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// SetLimit narrows the visible window. The limit can only shrink and never
// below the current position; keep a copy of the cursor to widen it again.
func (c *Cursor) SetLimit(limit int) error {
	if limit < c.pos || limit > c.limit || limit > len(c.buf) {
		return &RangeError{Offset: c.pos, Want: limit - c.pos, Limit: c.limit}
	}
	c.limit = limit
	return nil
}

// Sub returns a cursor scoped to the next n bytes and moves c past them.
func (c *Cursor) Sub(n int) (Cursor, error) {
	if err := c.check(n); err != nil {
		return Cursor{}, err
	}
	sub := Cursor{buf: c.buf, pos: c.pos, limit: c.pos + n}
	c.pos += n
	return sub, nil
}

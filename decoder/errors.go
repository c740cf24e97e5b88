package decoder

import (
	"errors"
	"fmt"
)

// ErrMalformedStream marks any structural decode failure: unknown tag,
// inconsistent length, dangling reference or excessive nesting.
var ErrMalformedStream = errors.New("malformed stream")

// DecodeError is a malformed stream failure at a byte offset. When the
// failure came from a short read, errors.Is also matches the cursor's
// reader.ErrOutOfRange through Cause.
type DecodeError struct {
	Offset int
	Msg    string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v at offset %d: %s: %v", ErrMalformedStream, e.Offset, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%v at offset %d: %s", ErrMalformedStream, e.Offset, e.Msg)
}

func (e *DecodeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrMalformedStream}
	}
	return []error{ErrMalformedStream, e.Cause}
}

func malformed(offset int, format string, args ...any) error {
	return &DecodeError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// wrapRead attributes a cursor failure to the value being decoded.
func wrapRead(offset int, what string, err error) error {
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Offset: offset, Msg: "reading " + what, Cause: err}
}

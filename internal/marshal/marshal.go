// Package marshal implements per-type serialization to and from opaque byte
// strings, the leaf dependency of the table subsystem.
//
// Three strategies cover the key/value types this engine needs: Raw for
// fixed-size trivially-copyable values (the common fast path for numeric
// keys such as a (site, page) pair), String for UTF-8 text, and JSON for
// structured parameter maps and kernel payloads.
package marshal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ErrMarshal indicates a serialization boundary failure: truncated or
// malformed input during Decode. It always wraps the underlying cause.
type ErrMarshal struct {
	Err error
}

func (e *ErrMarshal) Error() string { return fmt.Sprintf("marshal: %v", e.Err) }
func (e *ErrMarshal) Unwrap() error { return e.Err }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return &ErrMarshal{Err: err}
}

// Marshal is the codec contract a TableDescriptor holds for its key and
// value types. Implementations must be stateless and safe for concurrent
// use; the same instance is shared across every shard of a table.
type Marshal[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// Raw marshals fixed-size, trivially-copyable values via encoding/binary,
// little-endian. It is the fast path for numeric and small-struct keys
// (e.g. a PageID{Site, Page uint32} pair) where no length prefix or
// allocation beyond the fixed buffer is needed.
type Raw[T any] struct{}

func (Raw[T]) Encode(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("marshal: encode raw: %w", err)
	}
	return buf.Bytes(), nil
}

func (Raw[T]) Decode(b []byte) (T, error) {
	var v T
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v); err != nil {
		return v, wrapErr(fmt.Errorf("decode raw: %w", err))
	}
	return v, nil
}

// String marshals UTF-8 text as a binary.Varint length prefix followed by
// the string's bytes. Decode fails with ErrMarshal when the prefix is
// malformed or the bytes after it do not match the encoded length.
type String struct{}

func (String) Encode(v string) ([]byte, error) {
	b := binary.AppendVarint(nil, int64(len(v)))
	return append(b, v...), nil
}

func (String) Decode(b []byte) (string, error) {
	n, k := binary.Varint(b)
	if k <= 0 {
		return "", wrapErr(fmt.Errorf("decode string: malformed length prefix"))
	}
	if n < 0 || int64(len(b)-k) != n {
		return "", wrapErr(fmt.Errorf("decode string: length %d, have %d bytes", n, len(b)-k))
	}
	return string(b[k:]), nil
}

// JSON marshals structured values (parameter maps, kernel messages) via
// encoding/json. Decode failures on truncated or malformed input surface
// as ErrMarshal.
type JSON[T any] struct{}

func (JSON[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: encode json: %w", err)
	}
	return b, nil
}

func (JSON[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, wrapErr(fmt.Errorf("decode json: %w", err))
	}
	return v, nil
}

// Package encoding provides the little-endian binary primitives used to
// decode and re-encode the build engine's file-access manifest byte stream
// (spec section 6.1). It intentionally does not pull in a general-purpose
// serialization framework (protobuf, YAML, ...): the manifest's wire layout
// is a fixed, engine-defined binary format, not a schema this module owns.
package encoding

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Reader sequentially decodes little-endian primitives from a byte buffer,
// tracking position and surfacing truncation as an error rather than a
// panic.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("truncated manifest: need %d bytes, have %d", n, r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Uint32 decodes a little-endian uint32.
func (r *Reader) Uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 decodes a little-endian uint64.
func (r *Reader) Uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Bool decodes a single byte as a boolean.
func (r *Reader) Bool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// Bytes decodes a raw byte slice of length n.
func (r *Reader) Bytes(n int) ([]byte, error) {
	return r.take(n)
}

// Tag decodes a 32-bit block tag and verifies it matches want, surfacing a
// mismatch as a manifest-malformed error (spec section 4.2, "Failure").
func (r *Reader) Tag(want uint32) error {
	got, err := r.Uint32()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("block tag mismatch: got %#x, want %#x", got, want)
	}
	return nil
}

// ValidityTagged decodes a validity flag followed by a payload callback
// invoked only when the flag is set. It returns whether the value was
// present.
func (r *Reader) ValidityTagged(decode func() error) (bool, error) {
	valid, err := r.Bool()
	if err != nil {
		return false, err
	}
	if !valid {
		return false, nil
	}
	return true, decode()
}

// UTF16String decodes a 32-bit length (in UTF-16 code units) followed by that
// many code units, returning the UTF-8 translation.
func (r *Reader) UTF16String() (string, error) {
	units, err := r.Uint32()
	if err != nil {
		return "", err
	}
	raw, err := r.take(int(units) * 2)
	if err != nil {
		return "", err
	}
	decoded, err := utf16LE.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("unable to decode UTF-16 string: %w", err)
	}
	return string(decoded), nil
}

// Writer sequentially encodes little-endian primitives, mirroring Reader, so
// that a parsed FAM can be re-encoded for round-trip testing (spec testable
// property 6).
type Writer struct {
	buf []byte
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Uint32 appends a little-endian uint32.
func (w *Writer) Uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Uint64 appends a little-endian uint64.
func (w *Writer) Uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Bool appends a single boolean byte.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// RawBytes appends a raw byte slice verbatim.
func (w *Writer) RawBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Tag appends a 32-bit block tag.
func (w *Writer) Tag(tag uint32) {
	w.Uint32(tag)
}

// ValidityTagged appends a validity flag and, if present is true, invokes
// encode to append the payload.
func (w *Writer) ValidityTagged(present bool, encode func()) {
	w.Bool(present)
	if present {
		encode()
	}
}

// UTF16String appends a 32-bit code-unit length followed by the UTF-16LE
// encoding of s.
func (w *Writer) UTF16String(s string) error {
	encoded, err := utf16LE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return fmt.Errorf("unable to encode UTF-16 string: %w", err)
	}
	w.Uint32(uint32(len(encoded) / 2))
	w.buf = append(w.buf, encoded...)
	return nil
}

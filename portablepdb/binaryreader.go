// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// streamReader provides sequential and random access over an immutable byte
// buffer with an optional virtual end of stream. Sub-parsers bound themselves
// to a nested blob's declared length with SetStreamLength so they cannot read
// past it; the returned restore func re-establishes the previous boundary and
// must be run on every exit path (defer it).
//
// A streamReader is not safe for concurrent use. Concurrent readers share the
// backing buffer and each use their own streamReader.
type streamReader struct {
	data  []byte
	pos   int
	limit int
}

func newStreamReader(data []byte) *streamReader {
	return &streamReader{data: data, limit: len(data)}
}

// SeekFromOrigin moves the read position to an absolute offset.
func (r *streamReader) SeekFromOrigin(pos uint32) error {
	if int(pos) > r.limit {
		return fmt.Errorf("seek to %#x is past stream end %#x", pos, r.limit)
	}
	r.pos = int(pos)
	return nil
}

// Pos returns the current absolute read position.
func (r *streamReader) Pos() uint32 {
	return uint32(r.pos)
}

// HasNext reports whether the current position is below the active stream end.
func (r *streamReader) HasNext() bool {
	return r.pos < r.limit
}

// SetStreamLength establishes a virtual end of stream length bytes past the
// current position. The boundary nests: the returned restore func puts back
// the boundary that was active before the call.
func (r *streamReader) SetStreamLength(length uint32) (restore func(), err error) {
	end := r.pos + int(length)
	if end > r.limit {
		return nil, fmt.Errorf("stream length %d exceeds %d remaining bytes",
			length, r.limit-r.pos)
	}
	prev := r.limit
	r.limit = end
	return func() { r.limit = prev }, nil
}

func (r *streamReader) ReadByte() (byte, error) {
	if r.pos >= r.limit {
		return 0, fmt.Errorf("read byte at %#x: stream end %#x reached", r.pos, r.limit)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBytes returns the next n bytes as a sub-slice of the backing buffer.
// Callers must not modify the result.
func (r *streamReader) ReadBytes(n uint32) ([]byte, error) {
	if r.pos+int(n) > r.limit {
		return nil, fmt.Errorf("read of %d bytes at %#x exceeds stream end %#x",
			n, r.pos, r.limit)
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *streamReader) ReadUint16() (uint16, error) {
	b, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *streamReader) ReadUint32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadCompressedUInt32 decodes one ECMA-335 II.23.2 compressed unsigned
// integer: one byte if the top bit is clear (0..0x7F), two bytes if the top
// bits are 10 (0..0x3FFF), else four bytes, with the tag bits masked off.
func (r *streamReader) ReadCompressedUInt32() (uint32, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch {
	case b0&0x80 == 0:
		return uint32(b0), nil
	case b0&0xc0 == 0x80:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return uint32(b0&0x3f)<<8 | uint32(b1), nil
	default:
		rest, err := r.ReadBytes(3)
		if err != nil {
			return 0, err
		}
		return uint32(b0&0x3f)<<24 | uint32(rest[0])<<16 |
			uint32(rest[1])<<8 | uint32(rest[2]), nil
	}
}

// ReadCompressedInt32 decodes one ECMA-335 II.23.2 compressed signed integer.
// The sign bit is rotated into the least significant bit and the magnitude is
// sign extended from 6, 13 or 28 bits depending on the encoded width.
func (r *streamReader) ReadCompressedInt32() (int32, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	var raw uint32
	var signBit uint32
	switch {
	case b0&0x80 == 0:
		raw = uint32(b0)
		signBit = 1 << 6
	case b0&0xc0 == 0x80:
		b1, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		raw = uint32(b0&0x3f)<<8 | uint32(b1)
		signBit = 1 << 13
	default:
		rest, err := r.ReadBytes(3)
		if err != nil {
			return 0, err
		}
		raw = uint32(b0&0x3f)<<24 | uint32(rest[0])<<16 |
			uint32(rest[1])<<8 | uint32(rest[2])
		signBit = 1 << 28
	}
	value := int32(raw >> 1)
	if raw&1 != 0 {
		value -= int32(signBit)
	}
	return value, nil
}

// GetString reads a null-terminated UTF-8 run starting at the given absolute
// offset. It does not move the read position.
func (r *streamReader) GetString(offset uint32) (string, error) {
	if int(offset) >= len(r.data) {
		return "", fmt.Errorf("string offset %#x is past buffer end %#x",
			offset, len(r.data))
	}
	tail := r.data[offset:]
	end := bytes.IndexByte(tail, 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at offset %#x", offset)
	}
	return string(tail[:end]), nil
}

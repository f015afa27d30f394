// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Compressed integer encoders mirroring ECMA-335 II.23.2, used to build the
// synthetic test images and to exercise decode round-trips.

func appendCompressedUint32(b []byte, v uint32) []byte {
	switch {
	case v <= 0x7f:
		return append(b, byte(v))
	case v <= 0x3fff:
		return append(b, 0x80|byte(v>>8), byte(v))
	default:
		return append(b, 0xc0|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
}

func rotateSign(v int32, bits uint) uint32 {
	mask := uint32(1)<<bits - 1
	u := uint32(v) & mask
	return (u<<1 | u>>(bits-1)) & mask
}

func appendCompressedInt32(b []byte, v int32) []byte {
	switch {
	case v >= -(1<<6) && v < 1<<6:
		return append(b, byte(rotateSign(v, 7)))
	case v >= -(1<<13) && v < 1<<13:
		raw := rotateSign(v, 14)
		return append(b, 0x80|byte(raw>>8), byte(raw))
	default:
		raw := rotateSign(v, 29)
		return append(b, 0xc0|byte(raw>>24), byte(raw>>16), byte(raw>>8), byte(raw))
	}
}

// pdbBuilder assembles a complete synthetic Portable PDB image: heaps, the
// #Pdb stream and the five debug tables, with reference widths computed the
// same way a producer would.
type pdbBuilder struct {
	strings []byte
	blob    []byte
	guids   []byte

	// methodDefRows is the MethodDef row count advertised via the #Pdb
	// stream's type-system table counts.
	methodDefRows uint32

	docRows    []DocumentRow
	methodRows []MethodDebugInformationRow
	scopeRows  []LocalScopeRow
	varRows    []LocalVariableRow
	constRows  []LocalConstantRow

	// omitStream drops the named stream from the directory.
	omitStream string
	// extraTable marks a non-PDB table kind as carrying one row.
	extraTable int
}

func newPDBBuilder() *pdbBuilder {
	// Both heaps start with their reserved empty entry at offset 0.
	return &pdbBuilder{
		strings:    []byte{0},
		blob:       []byte{0},
		extraTable: -1,
	}
}

func (b *pdbBuilder) addString(s string) uint32 {
	off := uint32(len(b.strings))
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	return off
}

func (b *pdbBuilder) addBlob(data []byte) uint32 {
	off := uint32(len(b.blob))
	b.blob = appendCompressedUint32(b.blob, uint32(len(data)))
	b.blob = append(b.blob, data...)
	return off
}

// addGUID stores the RFC 4122 form in the heap's mixed-endian layout and
// returns the 1-based heap index.
func (b *pdbBuilder) addGUID(g uuid.UUID) uint32 {
	b.guids = append(b.guids,
		g[3], g[2], g[1], g[0],
		g[5], g[4],
		g[7], g[6],
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15])
	return uint32(len(b.guids) / 16)
}

func (b *pdbBuilder) addDocumentName(sep byte, parts ...string) uint32 {
	name := []byte{sep}
	for _, part := range parts {
		var idx uint32
		if part != "" {
			idx = b.addBlob([]byte(part))
		}
		name = appendCompressedUint32(name, idx)
	}
	return b.addBlob(name)
}

func (b *pdbBuilder) addDocument(row DocumentRow) uint32 {
	b.docRows = append(b.docRows, row)
	return uint32(len(b.docRows))
}

func (b *pdbBuilder) addMethod(document, sequencePoints uint32) uint32 {
	b.methodRows = append(b.methodRows, MethodDebugInformationRow{
		Document:       document,
		SequencePoints: sequencePoints,
	})
	methodDef := uint32(len(b.methodRows))
	if b.methodDefRows < methodDef {
		b.methodDefRows = methodDef
	}
	return methodDef
}

func (b *pdbBuilder) addScope(row LocalScopeRow) uint32 {
	b.scopeRows = append(b.scopeRows, row)
	return uint32(len(b.scopeRows))
}

func (b *pdbBuilder) addVariable(row LocalVariableRow) uint32 {
	b.varRows = append(b.varRows, row)
	return uint32(len(b.varRows))
}

func (b *pdbBuilder) addConstant(row LocalConstantRow) uint32 {
	b.constRows = append(b.constRows, row)
	return uint32(len(b.constRows))
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendIndex(b []byte, width int, v uint32) []byte {
	if width == 4 {
		return appendUint32(b, v)
	}
	return appendUint16(b, uint16(v))
}

func (b *pdbBuilder) buildPdbStream() []byte {
	var out []byte
	id := make([]byte, 20)
	for i := range id {
		id[i] = byte(i + 1)
	}
	out = append(out, id...)
	out = appendUint32(out, 0) // entry point
	var mask uint64
	if b.methodDefRows > 0 {
		mask = 1 << tableMethodDef
	}
	out = appendUint32(out, uint32(mask))
	out = appendUint32(out, uint32(mask>>32))
	if b.methodDefRows > 0 {
		out = appendUint32(out, b.methodDefRows)
	}
	return out
}

func (b *pdbBuilder) buildTableStream() []byte {
	var rows [numTableKinds]uint32
	rows[tableDocument] = uint32(len(b.docRows))
	rows[tableMethodDebugInformation] = uint32(len(b.methodRows))
	rows[tableLocalScope] = uint32(len(b.scopeRows))
	rows[tableLocalVariable] = uint32(len(b.varRows))
	rows[tableLocalConstant] = uint32(len(b.constRows))
	if b.extraTable >= 0 {
		rows[b.extraTable] = 1
	}
	var valid uint64
	for kind, count := range rows {
		if count > 0 {
			valid |= 1 << kind
		}
	}

	var out []byte
	out = appendUint32(out, 0) // reserved
	out = append(out, 2, 0)    // version
	out = append(out, 0)       // heap sizes: all small
	out = append(out, 1)       // reserved
	out = appendUint32(out, uint32(valid))
	out = appendUint32(out, uint32(valid>>32))
	out = appendUint32(out, 0) // sorted
	out = appendUint32(out, 0)
	for _, count := range rows {
		if count > 0 {
			out = appendUint32(out, count)
		}
	}

	docWidth := indexWidth(rows[tableDocument])
	methodWidth := indexWidth(b.methodDefRows)
	varWidth := indexWidth(rows[tableLocalVariable])
	constWidth := indexWidth(rows[tableLocalConstant])

	for _, row := range b.docRows {
		out = appendIndex(out, 2, row.Name)
		out = appendIndex(out, 2, row.HashAlgorithm)
		out = appendIndex(out, 2, row.Hash)
		out = appendIndex(out, 2, row.Language)
	}
	for _, row := range b.methodRows {
		out = appendIndex(out, docWidth, row.Document)
		out = appendIndex(out, 2, row.SequencePoints)
	}
	for _, row := range b.scopeRows {
		out = appendIndex(out, methodWidth, row.Method)
		out = appendIndex(out, 2, 0) // import scope
		out = appendIndex(out, varWidth, row.VariableList)
		out = appendIndex(out, constWidth, row.ConstantList)
		out = appendUint32(out, row.StartOffset)
		out = appendUint32(out, row.Length)
	}
	for _, row := range b.varRows {
		out = appendUint16(out, row.Attributes)
		out = appendUint16(out, row.Index)
		out = appendIndex(out, 2, row.Name)
	}
	for _, row := range b.constRows {
		out = appendIndex(out, 2, row.Name)
		out = appendIndex(out, 2, row.Signature)
	}
	return out
}

func (b *pdbBuilder) build() []byte {
	type stream struct {
		name string
		data []byte
	}
	streams := []stream{
		{pdbStreamName, b.buildPdbStream()},
		{tableStreamName, b.buildTableStream()},
		{stringsStreamName, b.strings},
		{blobStreamName, b.blob},
		{guidStreamName, b.guids},
	}
	if b.omitStream != "" {
		kept := streams[:0]
		for _, s := range streams {
			if s.name != b.omitStream {
				kept = append(kept, s)
			}
		}
		streams = kept
	}

	version := []byte("PDB v1.0\x00\x00\x00\x00")
	var out []byte
	out = appendUint32(out, metadataSignature)
	out = appendUint16(out, 1)
	out = appendUint16(out, 1)
	out = appendUint32(out, 0) // reserved
	out = appendUint32(out, uint32(len(version)))
	out = append(out, version...)
	out = appendUint16(out, 0) // flags
	out = appendUint16(out, uint16(len(streams)))

	headerSize := len(out)
	for _, s := range streams {
		headerSize += int(alignUp(uint32(len(s.name)+1), 4)) + 8
	}

	offset := uint32(headerSize)
	for _, s := range streams {
		name := append([]byte(s.name), 0)
		for len(name)%4 != 0 {
			name = append(name, 0)
		}
		out = append(out, name...)
		out = appendUint32(out, offset)
		out = appendUint32(out, uint32(len(s.data)))
		offset += uint32(len(s.data))
	}
	for _, s := range streams {
		out = append(out, s.data...)
	}
	return out
}

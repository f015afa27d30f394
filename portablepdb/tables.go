// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"fmt"
)

// Metadata table numbers, ECMA-335 II.22 plus the Portable PDB extension.
// Only the five debug tables may carry rows in a standalone PDB; tableMethodDef
// appears because LocalScope rows reference it by index.
const (
	tableMethodDef = 0x06

	tableDocument               = 0x30
	tableMethodDebugInformation = 0x31
	tableLocalScope             = 0x32
	tableLocalVariable          = 0x33
	tableLocalConstant          = 0x34
	tableImportScope            = 0x35

	numTableKinds = 64
)

// Heap size flag bits of the #~ stream header, ECMA-335 II.24.2.6.
const (
	heapSizeLargeStrings = 0x01
	heapSizeLargeGUIDs   = 0x02
	heapSizeLargeBlobs   = 0x04
)

// Index key kinds whose byte widths depend on heap and table sizes.
const (
	indexString = iota
	indexGUID
	indexBlob
	indexDocument
	indexMethodDef
	indexImportScope
	indexLocalVariable
	indexLocalConstant
	indexCount
)

// MetadataTableHeader is the fixed part of the #~ stream header. The row
// counts are stored densely over all table kinds, zero when absent.
type MetadataTableHeader struct {
	MajorVersion uint8
	MinorVersion uint8
	HeapSizes    uint8
	Valid        uint64
	Sorted       uint64
	RowsPerTable [numTableKinds]uint32
}

// DocumentRow is one row of the Document table (0x30).
type DocumentRow struct {
	Name          uint32 // blob heap, document-name format
	HashAlgorithm uint32 // GUID heap
	Hash          uint32 // blob heap
	Language      uint32 // GUID heap
}

// MethodDebugInformationRow is one row of the MethodDebugInformation table
// (0x31). The row position is the 1-based MethodDef token: the table maps
// 1:1 onto the MethodDef table of the paired assembly.
type MethodDebugInformationRow struct {
	Document       uint32 // Document table index, 0 when the method has none
	SequencePoints uint32 // blob heap, 0 when the method has no points
}

// LocalScopeRow is one row of the LocalScope table (0x32). The table is
// ordered by owning scope, not by method. The run of variable and constant
// rows a scope owns ends where the next row's run begins.
type LocalScopeRow struct {
	Method       uint32 // MethodDef table index
	VariableList uint32 // LocalVariable table index, start of owned run
	ConstantList uint32 // LocalConstant table index, start of owned run
	StartOffset  uint32
	Length       uint32
}

// LocalVariableRow is one row of the LocalVariable table (0x33).
type LocalVariableRow struct {
	Attributes uint16
	Index      uint16 // local slot
	Name       uint32 // strings heap
}

// LocalConstantRow is one row of the LocalConstant table (0x34).
type LocalConstantRow struct {
	Name      uint32 // strings heap
	Signature uint32 // blob heap
}

func parseMetadataTableHeader(r *streamReader, hdr *MetadataTableHeader) error {
	// Reserved field.
	if _, err := r.ReadUint32(); err != nil {
		return err
	}
	var err error
	if hdr.MajorVersion, err = r.ReadByte(); err != nil {
		return err
	}
	if hdr.MinorVersion, err = r.ReadByte(); err != nil {
		return err
	}
	if hdr.HeapSizes, err = r.ReadByte(); err != nil {
		return err
	}
	// Reserved field.
	if _, err = r.ReadByte(); err != nil {
		return err
	}
	if hdr.Valid, err = readUint64(r); err != nil {
		return err
	}
	if hdr.Sorted, err = readUint64(r); err != nil {
		return err
	}
	for kind := 0; kind < numTableKinds; kind++ {
		if hdr.Valid&(1<<kind) == 0 {
			continue
		}
		if hdr.RowsPerTable[kind], err = r.ReadUint32(); err != nil {
			return fmt.Errorf("row count for table %#x: %w", kind, err)
		}
	}
	return nil
}

func readUint64(r *streamReader) (uint64, error) {
	lo, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	hi, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// validatePdbTables confirms the stream carries only the five Portable PDB
// tables. Any other table with a nonzero row count means the blob is not a
// standalone PDB, or is corrupt.
func validatePdbTables(rows *[numTableKinds]uint32) error {
	for kind, count := range rows {
		if count == 0 {
			continue
		}
		switch kind {
		case tableDocument, tableMethodDebugInformation, tableLocalScope,
			tableLocalVariable, tableLocalConstant:
		default:
			return fmt.Errorf("non-PDB metadata table %#x has %d rows", kind, count)
		}
	}
	return nil
}

// indexWidth returns the byte width of a reference into a table or heap:
// 4 once the referenced size no longer fits 16 bits, else 2.
func indexWidth(size uint32) int {
	if size > 0xffff {
		return 4
	}
	return 2
}

// tableReader decodes raw table rows using the precomputed per-kind index
// widths. Errors stick so row decoding can read column by column and check
// once per table.
type tableReader struct {
	r          *streamReader
	indexSizes [indexCount]int
	err        error
}

func (tr *tableReader) index(kind int) uint32 {
	if tr.err != nil {
		return 0
	}
	switch tr.indexSizes[kind] {
	case 2:
		var v uint16
		if v, tr.err = tr.r.ReadUint16(); tr.err != nil {
			return 0
		}
		return uint32(v)
	case 4:
		var v uint32
		if v, tr.err = tr.r.ReadUint32(); tr.err != nil {
			return 0
		}
		return v
	}
	tr.err = fmt.Errorf("invalid width %d for index kind %d",
		tr.indexSizes[kind], kind)
	return 0
}

func (tr *tableReader) u16() uint16 {
	if tr.err != nil {
		return 0
	}
	var v uint16
	v, tr.err = tr.r.ReadUint16()
	return v
}

func (tr *tableReader) u32() uint32 {
	if tr.err != nil {
		return 0
	}
	var v uint32
	v, tr.err = tr.r.ReadUint32()
	return v
}

// computeIndexSizes derives every reference width from the heap size flags,
// the PDB table row counts, and the type-system row counts from the #Pdb
// stream (ECMA-335 II.24.2.6, with MethodDef rows taken from #Pdb).
func computeIndexSizes(hdr *MetadataTableHeader,
	typeSystemRows *[numTableKinds]uint32) [indexCount]int {
	var sizes [indexCount]int
	sizes[indexString] = heapIndexWidth(hdr.HeapSizes, heapSizeLargeStrings)
	sizes[indexGUID] = heapIndexWidth(hdr.HeapSizes, heapSizeLargeGUIDs)
	sizes[indexBlob] = heapIndexWidth(hdr.HeapSizes, heapSizeLargeBlobs)
	sizes[indexDocument] = indexWidth(hdr.RowsPerTable[tableDocument])
	sizes[indexMethodDef] = indexWidth(typeSystemRows[tableMethodDef])
	sizes[indexImportScope] = indexWidth(hdr.RowsPerTable[tableImportScope])
	sizes[indexLocalVariable] = indexWidth(hdr.RowsPerTable[tableLocalVariable])
	sizes[indexLocalConstant] = indexWidth(hdr.RowsPerTable[tableLocalConstant])
	return sizes
}

func heapIndexWidth(heapSizes, flag uint8) int {
	if heapSizes&flag != 0 {
		return 4
	}
	return 2
}

// The tables are stored 1-based: position 0 holds a zero row so format
// indices address rows directly.

func parseDocumentTable(tr *tableReader, rows uint32) ([]DocumentRow, error) {
	table := make([]DocumentRow, rows+1)
	for i := uint32(1); i <= rows; i++ {
		table[i] = DocumentRow{
			Name:          tr.index(indexBlob),
			HashAlgorithm: tr.index(indexGUID),
			Hash:          tr.index(indexBlob),
			Language:      tr.index(indexGUID),
		}
	}
	if tr.err != nil {
		return nil, fmt.Errorf("Document table: %w", tr.err)
	}
	return table, nil
}

func parseMethodDebugInformationTable(tr *tableReader,
	rows uint32) ([]MethodDebugInformationRow, error) {
	table := make([]MethodDebugInformationRow, rows+1)
	for i := uint32(1); i <= rows; i++ {
		table[i] = MethodDebugInformationRow{
			Document:       tr.index(indexDocument),
			SequencePoints: tr.index(indexBlob),
		}
	}
	if tr.err != nil {
		return nil, fmt.Errorf("MethodDebugInformation table: %w", tr.err)
	}
	return table, nil
}

func parseLocalScopeTable(tr *tableReader, rows uint32) ([]LocalScopeRow, error) {
	table := make([]LocalScopeRow, rows+1)
	for i := uint32(1); i <= rows; i++ {
		method := tr.index(indexMethodDef)
		tr.index(indexImportScope) // import scopes are not decoded
		table[i] = LocalScopeRow{
			Method:       method,
			VariableList: tr.index(indexLocalVariable),
			ConstantList: tr.index(indexLocalConstant),
			StartOffset:  tr.u32(),
			Length:       tr.u32(),
		}
	}
	if tr.err != nil {
		return nil, fmt.Errorf("LocalScope table: %w", tr.err)
	}
	return table, nil
}

func parseLocalVariableTable(tr *tableReader, rows uint32) ([]LocalVariableRow, error) {
	table := make([]LocalVariableRow, rows+1)
	for i := uint32(1); i <= rows; i++ {
		table[i] = LocalVariableRow{
			Attributes: tr.u16(),
			Index:      tr.u16(),
			Name:       tr.index(indexString),
		}
	}
	if tr.err != nil {
		return nil, fmt.Errorf("LocalVariable table: %w", tr.err)
	}
	return table, nil
}

func parseLocalConstantTable(tr *tableReader, rows uint32) ([]LocalConstantRow, error) {
	table := make([]LocalConstantRow, rows+1)
	for i := uint32(1); i <= rows; i++ {
		table[i] = LocalConstantRow{
			Name:      tr.index(indexString),
			Signature: tr.index(indexBlob),
		}
	}
	if tr.err != nil {
		return nil, fmt.Errorf("LocalConstant table: %w", tr.err)
	}
	return table, nil
}

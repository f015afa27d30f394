// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// File is a fully decoded Portable PDB: the raw buffer, the stream
// directory, the three heaps, the five debug metadata tables and one
// DocumentIndex per document. It is built in one shot by Open or Parse; a
// failure discards everything. After a successful build the whole graph is
// immutable and safe for unsynchronized concurrent reads.
type File struct {
	data []byte

	root          rootHeader
	streamHeaders []StreamHeader

	stringsHeader StreamHeader
	blobHeader    StreamHeader
	guidHeader    StreamHeader

	pdbStream   pdbStreamHeader
	tableHeader MetadataTableHeader
	indexSizes  [indexCount]int

	documentTable        []DocumentRow
	methodDebugInfoTable []MethodDebugInformationRow
	localScopeTable      []LocalScopeRow
	localVariableTable   []LocalVariableRow
	localConstantTable   []LocalConstantRow

	documentIndexes []*DocumentIndex
}

// Open reads and parses the Portable PDB at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a Portable PDB image. The buffer is retained and must not be
// modified afterwards.
func Parse(data []byte) (*File, error) {
	f := &File{data: data}
	if err := f.initialize(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) initialize() error {
	r := f.reader()
	if err := parseRootHeader(r, &f.root); err != nil {
		return fmt.Errorf("root header: %w", err)
	}
	f.streamHeaders = make([]StreamHeader, f.root.NumStreams)
	for i := range f.streamHeaders {
		if err := parseStreamHeader(r, &f.streamHeaders[i]); err != nil {
			return fmt.Errorf("stream header %d: %w", i, err)
		}
	}

	var ok bool
	if f.stringsHeader, ok = f.GetStream(stringsStreamName); !ok {
		return fmt.Errorf("required stream %q is missing", stringsStreamName)
	}
	if f.blobHeader, ok = f.GetStream(blobStreamName); !ok {
		return fmt.Errorf("required stream %q is missing", blobStreamName)
	}
	if f.guidHeader, ok = f.GetStream(guidStreamName); !ok {
		return fmt.Errorf("required stream %q is missing", guidStreamName)
	}

	if err := f.parsePdbStream(); err != nil {
		return fmt.Errorf("%s stream: %w", pdbStreamName, err)
	}
	if err := f.parseTableStream(); err != nil {
		return fmt.Errorf("%s stream: %w", tableStreamName, err)
	}
	if err := f.buildDocumentIndexes(); err != nil {
		return err
	}

	log.Debugf("portable pdb: version %q, %d streams, %d documents, %d methods",
		f.root.Version, len(f.streamHeaders), len(f.documentTable)-1,
		len(f.methodDebugInfoTable)-1)
	return nil
}

// GetStream looks up a stream directory entry by name.
func (f *File) GetStream(name string) (StreamHeader, bool) {
	for _, hdr := range f.streamHeaders {
		if hdr.Name == name {
			return hdr, true
		}
	}
	return StreamHeader{}, false
}

// reader returns a fresh cursor over the backing buffer. Every operation
// uses its own so concurrent reads of the immutable File never share
// position state.
func (f *File) reader() *streamReader {
	return newStreamReader(f.data)
}

func (f *File) parsePdbStream() error {
	hdr, ok := f.GetStream(pdbStreamName)
	if !ok {
		return errors.New("required stream is missing")
	}
	r := f.reader()
	if err := r.SeekFromOrigin(hdr.Offset); err != nil {
		return err
	}
	restore, err := r.SetStreamLength(hdr.Size)
	if err != nil {
		return err
	}
	defer restore()
	return parsePdbStream(r, &f.pdbStream)
}

func (f *File) parseTableStream() error {
	hdr, ok := f.GetStream(tableStreamName)
	if !ok {
		return errors.New("required stream is missing")
	}
	r := f.reader()
	if err := r.SeekFromOrigin(hdr.Offset); err != nil {
		return err
	}
	restore, err := r.SetStreamLength(hdr.Size)
	if err != nil {
		return err
	}
	defer restore()

	if err := parseMetadataTableHeader(r, &f.tableHeader); err != nil {
		return err
	}
	if err := validatePdbTables(&f.tableHeader.RowsPerTable); err != nil {
		return err
	}
	f.indexSizes = computeIndexSizes(&f.tableHeader, &f.pdbStream.TypeSystemRows)

	// The row data follows in ascending table number order, which for a
	// valid PDB is exactly the five debug tables.
	tr := &tableReader{r: r, indexSizes: f.indexSizes}
	rows := &f.tableHeader.RowsPerTable
	if f.documentTable, err = parseDocumentTable(tr,
		rows[tableDocument]); err != nil {
		return err
	}
	if f.methodDebugInfoTable, err = parseMethodDebugInformationTable(tr,
		rows[tableMethodDebugInformation]); err != nil {
		return err
	}
	if f.localScopeTable, err = parseLocalScopeTable(tr,
		rows[tableLocalScope]); err != nil {
		return err
	}
	if f.localVariableTable, err = parseLocalVariableTable(tr,
		rows[tableLocalVariable]); err != nil {
		return err
	}
	if f.localConstantTable, err = parseLocalConstantTable(tr,
		rows[tableLocalConstant]); err != nil {
		return err
	}
	return nil
}

// buildDocumentIndexes aggregates per-document debug information. The
// MethodDebugInformation table is not sorted by document, so one pass groups
// the methods by owning document up front.
func (f *File) buildDocumentIndexes() error {
	methodsByDocument := make(map[uint32][]uint32)
	for methodDef := uint32(1); methodDef < uint32(len(f.methodDebugInfoTable)); methodDef++ {
		doc := f.methodDebugInfoTable[methodDef].Document
		if doc == 0 {
			// The method has no single owning document.
			continue
		}
		methodsByDocument[doc] = append(methodsByDocument[doc], methodDef)
	}

	numDocuments := uint32(len(f.documentTable))
	f.documentIndexes = make([]*DocumentIndex, 0, numDocuments-1)
	for docIndex := uint32(1); docIndex < numDocuments; docIndex++ {
		index, err := newDocumentIndex(f, docIndex, methodsByDocument[docIndex])
		if err != nil {
			return fmt.Errorf("document %d: %w", docIndex, err)
		}
		f.documentIndexes = append(f.documentIndexes, index)
	}
	return nil
}

// GetHeapString reads a null-terminated UTF-8 string from the strings heap.
func (f *File) GetHeapString(index uint32) (string, error) {
	if index >= f.stringsHeader.Size {
		return "", fmt.Errorf("string heap index %d out of range (%d)",
			index, f.stringsHeader.Size)
	}
	return f.reader().GetString(f.stringsHeader.Offset + index)
}

// GetHeapGuid reads one 16-byte GUID from the GUID heap. The index is
// 1-based; index 0 is reserved and rejected.
func (f *File) GetHeapGuid(index uint32) ([16]byte, error) {
	var guid [16]byte
	if index == 0 {
		return guid, errors.New("GUID heap index 0 is reserved")
	}
	offset := (index - 1) * 16
	if offset+16 > f.guidHeader.Size {
		return guid, fmt.Errorf("GUID heap index %d out of range (%d)",
			index, f.guidHeader.Size/16)
	}
	r := f.reader()
	if err := r.SeekFromOrigin(f.guidHeader.Offset + offset); err != nil {
		return guid, err
	}
	b, err := r.ReadBytes(16)
	if err != nil {
		return guid, fmt.Errorf("failed to read from GUID heap: %w", err)
	}
	copy(guid[:], b)
	return guid, nil
}

// readBlob returns the contents of the length-prefixed blob at the given
// blob heap index. The result aliases the backing buffer.
func (f *File) readBlob(index uint32) ([]byte, error) {
	if index >= f.blobHeader.Size {
		return nil, fmt.Errorf("blob heap index %d out of range (%d)",
			index, f.blobHeader.Size)
	}
	r := f.reader()
	if err := r.SeekFromOrigin(f.blobHeader.Offset + index); err != nil {
		return nil, err
	}
	length, err := r.ReadCompressedUInt32()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(length)
}

// GetHash returns a copy of the hash blob at the given blob heap index.
func (f *File) GetHash(index uint32) ([]byte, error) {
	blob, err := f.readBlob(index)
	if err != nil {
		return nil, fmt.Errorf("failed to read hash blob: %w", err)
	}
	return bytes.Clone(blob), nil
}

// GetDocumentName decodes the document-name blob at the given blob heap
// index: one separator byte, then compressed part indices. Index 0 is an
// empty path component; a nonzero index names a blob holding the component
// bytes. The components are joined by the separator and exactly one
// trailing separator is removed.
func (f *File) GetDocumentName(index uint32) (string, error) {
	if index == 0 {
		return "", errors.New("document name blob index 0 is reserved")
	}
	if index >= f.blobHeader.Size {
		return "", fmt.Errorf("blob heap index %d out of range (%d)",
			index, f.blobHeader.Size)
	}
	r := f.reader()
	if err := r.SeekFromOrigin(f.blobHeader.Offset + index); err != nil {
		return "", err
	}
	length, err := r.ReadCompressedUInt32()
	if err != nil {
		return "", fmt.Errorf("document name length: %w", err)
	}
	restore, err := r.SetStreamLength(length)
	if err != nil {
		return "", err
	}
	defer restore()

	separator, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("document name separator: %w", err)
	}

	// r is the bounded cursor over the part-index list; the component blobs
	// are read through readBlob with its own cursor so the list position is
	// undisturbed.
	var name []byte
	for r.HasNext() {
		partIndex, err := r.ReadCompressedUInt32()
		if err != nil {
			return "", fmt.Errorf("document name part index: %w", err)
		}
		if partIndex != 0 {
			part, err := f.readBlob(partIndex)
			if err != nil {
				return "", fmt.Errorf("document name part: %w", err)
			}
			name = append(name, part...)
		}
		name = append(name, separator)
	}
	if len(name) > 0 {
		name = name[:len(name)-1]
	}
	return string(name), nil
}

// GetMethodSeqInfo decodes the SequencePoints blob at the given blob heap
// index. document is the owning MethodDebugInformation row's Document field
// and selects whether the blob header carries an initial document reference.
func (f *File) GetMethodSeqInfo(document, index uint32) (*MethodSeqPointInfo, error) {
	if index == 0 {
		return nil, errors.New("sequence points blob index 0 is reserved")
	}
	if index >= f.blobHeader.Size {
		return nil, fmt.Errorf("blob heap index %d out of range (%d)",
			index, f.blobHeader.Size)
	}
	r := f.reader()
	if err := r.SeekFromOrigin(f.blobHeader.Offset + index); err != nil {
		return nil, err
	}
	length, err := r.ReadCompressedUInt32()
	if err != nil {
		return nil, fmt.Errorf("sequence points length: %w", err)
	}
	restore, err := r.SetStreamLength(length)
	if err != nil {
		return nil, err
	}
	defer restore()
	return parseSequencePoints(document, r)
}

// ID returns the 20-byte PDB id from the #Pdb stream.
func (f *File) ID() [20]byte {
	return f.pdbStream.ID
}

// TableHeader returns the decoded #~ stream header.
func (f *File) TableHeader() *MetadataTableHeader {
	return &f.tableHeader
}

// The table getters return the decoded rows in table order, position 0
// holding the reserved zero row. Callers must not modify them.

func (f *File) GetDocumentTable() []DocumentRow {
	return f.documentTable
}

func (f *File) GetMethodDebugInfoTable() []MethodDebugInformationRow {
	return f.methodDebugInfoTable
}

func (f *File) GetLocalScopeTable() []LocalScopeRow {
	return f.localScopeTable
}

func (f *File) GetLocalVariableTable() []LocalVariableRow {
	return f.localVariableTable
}

func (f *File) GetLocalConstantTable() []LocalConstantRow {
	return f.localConstantTable
}

// GetDocumentIndexTable returns one DocumentIndex per document row, in
// document table order.
func (f *File) GetDocumentIndexTable() []*DocumentIndex {
	return f.documentIndexes
}

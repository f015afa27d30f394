// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"fmt"
)

// SequencePointRecord is one undecoded record of a SequencePoints blob. The
// IL position is a delta from the previous record; the line and column values
// are already accumulated to absolute values during parsing. A record with a
// nonzero Document field is a document-change marker and carries no source
// range.
type SequencePointRecord struct {
	ILDelta     uint32
	StartLine   uint32
	EndLine     uint32
	StartColumn uint32
	EndColumn   uint32
	Hidden      bool
	Document    uint32
}

// MethodSeqPointInfo is the decoded SequencePoints blob of one
// MethodDebugInformation row.
type MethodSeqPointInfo struct {
	// LocalSignature is the StandAloneSig token of the method's local
	// variable signature.
	LocalSignature uint32
	// InitialDocument is the starting document of a method that spans
	// multiple documents. Present only when the row's Document field is 0.
	InitialDocument uint32
	Records         []SequencePointRecord
}

// parseSequencePoints decodes a SequencePoints blob bounded by r's active
// stream length. document is the owning row's Document field; when it is 0
// the blob header carries the initial document reference.
//
// Record encoding (Portable PDB "SequencePoints blob"): the first record's
// IL delta is its absolute offset and may be 0. A later record starting
// with a compressed 0 is either a document-change marker (the 0 is
// followed by a nonzero document reference) or a point at the previous IL
// offset (the 0 is followed by a ΔLines of 0). ΔLines of 0 with ΔColumns
// of 0 is a hidden point with no source range. The first non-hidden record
// encodes absolute start line/column, all later ones signed deltas from
// the previous non-hidden record.
func parseSequencePoints(document uint32, r *streamReader) (*MethodSeqPointInfo, error) {
	info := &MethodSeqPointInfo{}
	var err error
	if info.LocalSignature, err = r.ReadCompressedUInt32(); err != nil {
		return nil, fmt.Errorf("local signature: %w", err)
	}
	if document == 0 {
		if info.InitialDocument, err = r.ReadCompressedUInt32(); err != nil {
			return nil, fmt.Errorf("initial document: %w", err)
		}
	}

	var startLine, startColumn uint32
	first := true
	firstSourceRecord := true
	for r.HasNext() {
		ilDelta, err := r.ReadCompressedUInt32()
		if err != nil {
			return nil, fmt.Errorf("il delta: %w", err)
		}
		deltaLines, err := r.ReadCompressedUInt32()
		if err != nil {
			return nil, fmt.Errorf("line delta: %w", err)
		}
		if !first && ilDelta == 0 && deltaLines != 0 {
			info.Records = append(info.Records,
				SequencePointRecord{Document: deltaLines})
			continue
		}
		first = false
		var deltaColumns int32
		if deltaLines == 0 {
			cols, err := r.ReadCompressedUInt32()
			if err != nil {
				return nil, fmt.Errorf("column delta: %w", err)
			}
			deltaColumns = int32(cols)
		} else {
			if deltaColumns, err = r.ReadCompressedInt32(); err != nil {
				return nil, fmt.Errorf("column delta: %w", err)
			}
		}
		if deltaLines == 0 && deltaColumns == 0 {
			info.Records = append(info.Records, SequencePointRecord{
				ILDelta: ilDelta,
				Hidden:  true,
			})
			continue
		}

		if firstSourceRecord {
			if startLine, err = r.ReadCompressedUInt32(); err != nil {
				return nil, fmt.Errorf("start line: %w", err)
			}
			if startColumn, err = r.ReadCompressedUInt32(); err != nil {
				return nil, fmt.Errorf("start column: %w", err)
			}
			firstSourceRecord = false
		} else {
			lineDelta, err := r.ReadCompressedInt32()
			if err != nil {
				return nil, fmt.Errorf("start line delta: %w", err)
			}
			columnDelta, err := r.ReadCompressedInt32()
			if err != nil {
				return nil, fmt.Errorf("start column delta: %w", err)
			}
			startLine = uint32(int32(startLine) + lineDelta)
			startColumn = uint32(int32(startColumn) + columnDelta)
		}

		info.Records = append(info.Records, SequencePointRecord{
			ILDelta:     ilDelta,
			StartLine:   startLine,
			EndLine:     startLine + deltaLines,
			StartColumn: startColumn,
			EndColumn:   uint32(int32(startColumn) + deltaColumns),
		})
	}
	return info, nil
}

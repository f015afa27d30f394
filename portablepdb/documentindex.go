// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"fmt"
	"math"
)

// LocalVariableAttributes value marking a variable the debugger should hide.
const debuggerHiddenAttribute = 0x1

// Sentinel line values of a method with no mapped source line.
const (
	NoFirstLine = math.MaxUint32
	NoLastLine  = 0
)

// SequencePoint maps a run of IL instructions starting at ILOffset to a
// source range. Hidden points mark compiler-generated code with no source
// mapping; they stay in the sequence so lookups can suppress mapping there.
type SequencePoint struct {
	ILOffset    uint32
	StartLine   uint32
	EndLine     uint32
	StartColumn uint32
	EndColumn   uint32
	IsHidden    bool
}

// LocalVariableInfo is one named local variable slot in a scope.
type LocalVariableInfo struct {
	Slot           uint16
	Name           string
	DebuggerHidden bool
}

// LocalConstantInfo is one named constant in a scope.
type LocalConstantInfo struct {
	Name string
}

// Scope is a lexical block of a method body bounding the visibility of the
// local variables and constants it owns.
type Scope struct {
	StartOffset    uint32
	Length         uint32
	LocalVariables []LocalVariableInfo
	LocalConstants []LocalConstantInfo
}

// MethodInfo is the per-method debug information of one document: sequence
// points in ascending IL offset order and the method's lexical scopes.
type MethodInfo struct {
	// MethodDef is the 1-based MethodDef token.
	MethodDef uint32
	// FirstLine and LastLine span the non-hidden sequence points. They stay
	// at NoFirstLine/NoLastLine when the method has no mapped source line.
	FirstLine      uint32
	LastLine       uint32
	SequencePoints []SequencePoint
	LocalScopes    []Scope
}

// DocumentIndex aggregates everything known about one source document: its
// path, language, content hash, and the debug information of every method
// compiled from it.
type DocumentIndex struct {
	FilePath       string
	SourceLanguage string
	HashAlgorithm  string
	Hash           []byte
	Methods        []MethodInfo
}

// NewDocumentIndex builds the index for the document at the given 1-based
// document table index, scanning the whole MethodDebugInformation table for
// methods compiled from it.
func NewDocumentIndex(f *File, docIndex uint32) (*DocumentIndex, error) {
	if err := checkDocumentIndex(f, docIndex); err != nil {
		return nil, err
	}
	var methodDefs []uint32
	for methodDef := uint32(1); methodDef < uint32(len(f.methodDebugInfoTable)); methodDef++ {
		if f.methodDebugInfoTable[methodDef].Document == docIndex {
			methodDefs = append(methodDefs, methodDef)
		}
	}
	return newDocumentIndex(f, docIndex, methodDefs)
}

func checkDocumentIndex(f *File, docIndex uint32) error {
	if docIndex == 0 {
		return fmt.Errorf("document index 0 is reserved")
	}
	if docIndex >= uint32(len(f.documentTable)) {
		return fmt.Errorf("document index %d exceeds document table size %d",
			docIndex, len(f.documentTable))
	}
	return nil
}

func newDocumentIndex(f *File, docIndex uint32,
	methodDefs []uint32) (*DocumentIndex, error) {
	if err := checkDocumentIndex(f, docIndex); err != nil {
		return nil, err
	}
	row := f.documentTable[docIndex]

	index := &DocumentIndex{}
	var err error
	if index.FilePath, err = f.GetDocumentName(row.Name); err != nil {
		return nil, fmt.Errorf("document name: %w", err)
	}
	if row.Language != 0 {
		guid, err := f.GetHeapGuid(row.Language)
		if err != nil {
			return nil, fmt.Errorf("language guid: %w", err)
		}
		index.SourceLanguage = LanguageName(guid)
	}
	if row.HashAlgorithm != 0 {
		guid, err := f.GetHeapGuid(row.HashAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("hash algorithm guid: %w", err)
		}
		index.HashAlgorithm = HashAlgorithmName(guid)
	}
	if row.Hash != 0 {
		if index.Hash, err = f.GetHash(row.Hash); err != nil {
			return nil, err
		}
	}

	index.Methods = make([]MethodInfo, 0, len(methodDefs))
	for _, methodDef := range methodDefs {
		method, err := parseMethod(f, methodDef, docIndex)
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", methodDef, err)
		}
		index.Methods = append(index.Methods, method)
	}
	return index, nil
}

// parseMethod decodes the sequence points and lexical scopes of one method
// owned by the given document.
func parseMethod(f *File, methodDef, docIndex uint32) (MethodInfo, error) {
	method := MethodInfo{
		MethodDef: methodDef,
		FirstLine: NoFirstLine,
		LastLine:  NoLastLine,
	}
	row := f.methodDebugInfoTable[methodDef]

	if row.SequencePoints != 0 {
		info, err := f.GetMethodSeqInfo(row.Document, row.SequencePoints)
		if err != nil {
			return MethodInfo{}, err
		}
		ilOffset := uint32(0)
		method.SequencePoints = make([]SequencePoint, 0, len(info.Records))
		for _, record := range info.Records {
			if record.Document != 0 {
				// This parser handles methods of exactly one document; a
				// change marker mid-method means the 1:1 assumption does
				// not hold for this blob.
				return MethodInfo{}, fmt.Errorf(
					"unexpected document change to %d in single-document method",
					record.Document)
			}
			ilOffset += record.ILDelta

			point := SequencePoint{
				ILOffset:    ilOffset,
				StartLine:   record.StartLine,
				EndLine:     record.EndLine,
				StartColumn: record.StartColumn,
				EndColumn:   record.EndColumn,
				IsHidden:    record.Hidden,
			}
			if !point.IsHidden {
				method.FirstLine = min(method.FirstLine, record.StartLine)
				method.LastLine = max(method.LastLine, record.EndLine)
			}
			method.SequencePoints = append(method.SequencePoints, point)
		}
	}

	// The LocalScope table is ordered by owning scope, not by method.
	for i := uint32(1); i < uint32(len(f.localScopeTable)); i++ {
		if f.localScopeTable[i].Method != methodDef {
			continue
		}
		scope, err := parseScope(f, i)
		if err != nil {
			return MethodInfo{}, fmt.Errorf("scope %d: %w", i, err)
		}
		method.LocalScopes = append(method.LocalScopes, scope)
	}
	return method, nil
}

// parseScope resolves the variables and constants owned by the LocalScope
// row at scopeIndex. A scope's run of rows ends where the next LocalScope
// row's run begins (regardless of which method that row belongs to), capped
// at the table end.
func parseScope(f *File, scopeIndex uint32) (Scope, error) {
	row := f.localScopeTable[scopeIndex]
	scope := Scope{
		StartOffset: row.StartOffset,
		Length:      row.Length,
	}

	varStart := row.VariableList
	varEnd := uint32(len(f.localVariableTable))
	constStart := row.ConstantList
	constEnd := uint32(len(f.localConstantTable))
	if scopeIndex+1 < uint32(len(f.localScopeTable)) {
		next := f.localScopeTable[scopeIndex+1]
		varEnd = min(varEnd, next.VariableList)
		constEnd = min(constEnd, next.ConstantList)
	}

	if varEnd < varStart || varEnd > uint32(len(f.localVariableTable)) {
		return Scope{}, fmt.Errorf("local variable rows [%d, %d) out of range (%d)",
			varStart, varEnd, len(f.localVariableTable))
	}
	for i := varStart; i < varEnd; i++ {
		row := f.localVariableTable[i]
		name, err := f.GetHeapString(row.Name)
		if err != nil {
			return Scope{}, fmt.Errorf("local variable %d name: %w", i, err)
		}
		scope.LocalVariables = append(scope.LocalVariables, LocalVariableInfo{
			Slot:           row.Index,
			Name:           name,
			DebuggerHidden: row.Attributes == debuggerHiddenAttribute,
		})
	}

	if constEnd < constStart || constEnd > uint32(len(f.localConstantTable)) {
		return Scope{}, fmt.Errorf("local constant rows [%d, %d) out of range (%d)",
			constStart, constEnd, len(f.localConstantTable))
	}
	for i := constStart; i < constEnd; i++ {
		name, err := f.GetHeapString(f.localConstantTable[i].Name)
		if err != nil {
			return Scope{}, fmt.Errorf("local constant %d name: %w", i, err)
		}
		scope.LocalConstants = append(scope.LocalConstants, LocalConstantInfo{
			Name: name,
		})
	}
	return scope, nil
}

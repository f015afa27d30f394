// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package symbolizer

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/managed-debug/agent/portablepdb"
)

func TestLookup(t *testing.T) {
	method := &portablepdb.MethodInfo{
		SequencePoints: []portablepdb.SequencePoint{
			{ILOffset: 4, StartLine: 5, EndLine: 5, StartColumn: 1, EndColumn: 9},
			{ILOffset: 10, IsHidden: true},
			{ILOffset: 30, StartLine: 12, EndLine: 12, StartColumn: 1, EndColumn: 7},
		},
	}

	testCases := []struct {
		name     string
		ilOffset uint32
		line     uint32
		mapped   bool
	}{
		{"before first point", 2, 0, false},
		{"exact hit", 4, 5, true},
		{"inside run", 9, 5, true},
		{"hidden hit", 10, 0, false},
		{"inside hidden run", 29, 0, false},
		{"last point", 30, 12, true},
		{"past last point", 1000, 12, true},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			point, ok := Lookup(method, test.ilOffset)
			require.Equal(t, test.mapped, ok)
			if ok {
				assert.Equal(t, test.line, point.StartLine)
			}
		})
	}

	_, ok := Lookup(&portablepdb.MethodInfo{}, 0)
	assert.False(t, ok, "A method without sequence points has no mapping")
}

// imageBuilder assembles a minimal single-document PDB image. All values
// are kept below 0x80 so every compressed integer is one byte and every
// reference two.
type imageBuilder struct {
	blob []byte
}

func (b *imageBuilder) addBlob(data ...byte) byte {
	idx := byte(len(b.blob))
	b.blob = append(b.blob, byte(len(data)))
	b.blob = append(b.blob, data...)
	return idx
}

func u16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }

// buildTestImage returns a PDB with document "src/Program.cs" (language
// C#) and two methods: token 1 on lines 5..7 at IL offsets 0/10/30, token
// 2 with a single hidden point.
func buildTestImage() []byte {
	b := &imageBuilder{blob: []byte{0}}

	file := b.addBlob([]byte("Program.cs")...)
	dir := b.addBlob([]byte("src")...)
	docName := b.addBlob('/', dir, file)

	seq1 := b.addBlob(
		0, // local signature
		0, 0, 1, 5, 1, // IL 0, line 5, cols 1..2
		10, 0, 1, 2, 0, // IL 10, line 6
		20, 0, 1, 2, 0, // IL 30, line 7
	)
	seq2 := b.addBlob(0, 0, 0, 0) // hidden only

	// C# language GUID in the heap's mixed-endian layout.
	guids := []byte{
		0xf8, 0x62, 0x51, 0x3f, 0xc6, 0x07, 0xd3, 0x11,
		0x90, 0x53, 0x00, 0xc0, 0x4f, 0xa3, 0x02, 0xa1,
	}

	var pdb []byte
	pdb = append(pdb, make([]byte, 20)...) // id
	pdb = append(pdb, u32(0)...)           // entry point
	pdb = append(pdb, u32(1<<0x06)...)     // MethodDef referenced
	pdb = append(pdb, u32(0)...)
	pdb = append(pdb, u32(2)...) // MethodDef rows

	var tables []byte
	tables = append(tables, u32(0)...) // reserved
	tables = append(tables, 2, 0, 0, 1)
	valid := uint64(1)<<0x30 | uint64(1)<<0x31
	tables = append(tables, u32(uint32(valid))...)
	tables = append(tables, u32(uint32(valid>>32))...)
	tables = append(tables, u32(0)...) // sorted
	tables = append(tables, u32(0)...)
	tables = append(tables, u32(1)...) // Document rows
	tables = append(tables, u32(2)...) // MethodDebugInformation rows
	// Document row: name, hash algorithm, hash, language.
	tables = append(tables, u16(uint16(docName))...)
	tables = append(tables, u16(0)...)
	tables = append(tables, u16(0)...)
	tables = append(tables, u16(1)...)
	// MethodDebugInformation rows: document, sequence points.
	tables = append(tables, u16(1)...)
	tables = append(tables, u16(uint16(seq1))...)
	tables = append(tables, u16(1)...)
	tables = append(tables, u16(uint16(seq2))...)

	streams := []struct {
		name string
		data []byte
	}{
		{"#Pdb", pdb},
		{"#~", tables},
		{"#Strings", []byte{0}},
		{"#Blob", b.blob},
		{"#GUID", guids},
	}

	version := []byte("PDB v1.0\x00\x00\x00\x00")
	var out []byte
	out = append(out, u32(0x424a5342)...)
	out = append(out, u16(1)...)
	out = append(out, u16(1)...)
	out = append(out, u32(0)...)
	out = append(out, u32(uint32(len(version)))...)
	out = append(out, version...)
	out = append(out, u16(0)...) // flags
	out = append(out, u16(uint16(len(streams)))...)

	headerSize := len(out)
	for _, s := range streams {
		nameLen := len(s.name) + 1
		headerSize += (nameLen+3)&^3 + 8
	}
	offset := uint32(headerSize)
	for _, s := range streams {
		name := append([]byte(s.name), 0)
		for len(name)%4 != 0 {
			name = append(name, 0)
		}
		out = append(out, name...)
		out = append(out, u32(offset)...)
		out = append(out, u32(uint32(len(s.data)))...)
		offset += uint32(len(s.data))
	}
	for _, s := range streams {
		out = append(out, s.data...)
	}
	return out
}

func writeTestPdb(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "App.pdb")
	require.NoError(t, os.WriteFile(path, buildTestImage(), 0o600))
	return path
}

func TestResolveFrame(t *testing.T) {
	path := writeTestPdb(t)
	s, err := New(8)
	require.NoError(t, err)

	frame, err := s.ResolveFrame(Frame{PdbPath: path, MethodToken: 1, ILOffset: 12})
	require.NoError(t, err)
	require.True(t, frame.Mapped)
	assert.Equal(t, SourceLocation{
		Path:      "src/Program.cs",
		Line:      6,
		Column:    1,
		EndLine:   6,
		EndColumn: 2,
	}, frame.Location)

	// The hidden-only method never maps.
	frame, err = s.ResolveFrame(Frame{PdbPath: path, MethodToken: 2, ILOffset: 0})
	require.NoError(t, err)
	assert.False(t, frame.Mapped)

	// Tokens without debug information are not errors.
	frame, err = s.ResolveFrame(Frame{PdbPath: path, MethodToken: 99})
	require.NoError(t, err)
	assert.False(t, frame.Mapped)

	_, err = s.ResolveFrame(Frame{PdbPath: path + ".missing", MethodToken: 1})
	assert.Error(t, err)
}

func TestResolveFrames(t *testing.T) {
	path := writeTestPdb(t)
	s, err := New(8)
	require.NoError(t, err)

	frames := []Frame{
		{PdbPath: path, MethodToken: 1, ILOffset: 0},
		{PdbPath: path, MethodToken: 99, ILOffset: 0},
		{PdbPath: path, MethodToken: 1, ILOffset: 30},
	}
	resolved, err := s.ResolveFrames(context.Background(), frames)
	require.NoError(t, err)
	require.Len(t, resolved, 3)

	assert.True(t, resolved[0].Mapped)
	assert.Equal(t, uint32(5), resolved[0].Location.Line)
	assert.False(t, resolved[1].Mapped)
	assert.True(t, resolved[2].Mapped)
	assert.Equal(t, uint32(7), resolved[2].Location.Line)
}

func TestPdbCacheInvalidation(t *testing.T) {
	path := writeTestPdb(t)
	s, err := New(8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.ResolveFrame(Frame{PdbPath: path, MethodToken: 1})
		require.NoError(t, err)
	}
	hit, miss := s.CacheStats()
	assert.Equal(t, uint64(2), hit)
	assert.Equal(t, uint64(1), miss)

	// A modification time change invalidates the entry.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	_, err = s.ResolveFrame(Frame{PdbPath: path, MethodToken: 1})
	require.NoError(t, err)
	_, miss = s.CacheStats()
	assert.Equal(t, uint64(2), miss)
}

// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolizer resolves managed stack frames to source locations
// using the Portable PDB files of the modules involved. Parsed PDBs are
// cached across frames and stack traces.
package symbolizer // import "github.com/managed-debug/agent/symbolizer"

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/managed-debug/agent/portablepdb"
)

// Frame identifies one managed stack frame: the on-disk Portable PDB of
// its module, the MethodDef token and the IL offset of the instruction.
type Frame struct {
	PdbPath     string
	MethodToken uint32
	ILOffset    uint32
}

// SourceLocation is the resolved source position of a frame.
type SourceLocation struct {
	Path      string
	Line      uint32
	Column    uint32
	EndLine   uint32
	EndColumn uint32
}

// ResolvedFrame is the outcome of resolving one frame. Mapped is false for
// frames in compiler-generated code or in methods without debug
// information.
type ResolvedFrame struct {
	Location SourceLocation
	Mapped   bool
}

// Lookup finds the sequence point covering ilOffset: the one with the
// greatest recorded IL offset not exceeding it. A hidden point means the
// offset has no source mapping; earlier points do not apply.
func Lookup(method *portablepdb.MethodInfo, ilOffset uint32) (portablepdb.SequencePoint, bool) {
	points := method.SequencePoints
	n := sort.Search(len(points), func(i int) bool {
		return points[i].ILOffset > ilOffset
	})
	if n == 0 {
		return portablepdb.SequencePoint{}, false
	}
	point := points[n-1]
	if point.IsHidden {
		return portablepdb.SequencePoint{}, false
	}
	return point, true
}

// Symbolizer resolves frames against cached parsed PDBs. It is safe for
// concurrent use.
type Symbolizer struct {
	cache *pdbCache
}

// New creates a Symbolizer holding at most cacheSize parsed PDBs.
func New(cacheSize uint32) (*Symbolizer, error) {
	cache, err := newPdbCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pdb cache: %w", err)
	}
	return &Symbolizer{cache: cache}, nil
}

// ResolveFrame resolves a single frame. A method token or IL offset with
// no source mapping is not an error; the frame comes back unmapped.
func (s *Symbolizer) ResolveFrame(frame Frame) (ResolvedFrame, error) {
	info := s.cache.get(frame.PdbPath)
	if info.err != nil {
		return ResolvedFrame{}, fmt.Errorf("pdb %s: %w", frame.PdbPath, info.err)
	}
	ref, ok := info.methods[frame.MethodToken]
	if !ok {
		log.Debugf("method %#x has no debug information in %s",
			frame.MethodToken, frame.PdbPath)
		return ResolvedFrame{}, nil
	}
	doc := info.file.GetDocumentIndexTable()[ref.document]
	point, ok := Lookup(&doc.Methods[ref.method], frame.ILOffset)
	if !ok {
		return ResolvedFrame{}, nil
	}
	return ResolvedFrame{
		Location: SourceLocation{
			Path:      doc.FilePath,
			Line:      point.StartLine,
			Column:    point.StartColumn,
			EndLine:   point.EndLine,
			EndColumn: point.EndColumn,
		},
		Mapped: true,
	}, nil
}

// ResolveFrames resolves a whole stack trace, fanning the frames out over
// goroutines. The parsed PDB graph is immutable, so concurrent lookups
// against the same file are safe.
func (s *Symbolizer) ResolveFrames(ctx context.Context,
	frames []Frame) ([]ResolvedFrame, error) {
	results := make([]ResolvedFrame, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	for i := range frames {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var err error
			results[i], err = s.ResolveFrame(frames[i])
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CacheStats returns the number of parsed-PDB cache hits and misses.
func (s *Symbolizer) CacheStats() (hit, miss uint64) {
	return s.cache.hit.Load(), s.cache.miss.Load()
}

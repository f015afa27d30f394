// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

// Package portablepdb decodes the Portable PDB debug information container.
//
// The format is the ECMA-335 metadata physical layout restricted to the five
// debug tables (Document, MethodDebugInformation, LocalScope, LocalVariable,
// LocalConstant) plus the #Strings, #Blob, #GUID and #Pdb streams. For the
// format references see:
//
//	ECMA-335 https://www.ecma-international.org/wp-content/uploads/ECMA-335_6th_edition_june_2012.pdf
//	PDBFMT   https://github.com/dotnet/runtime/blob/v8.0.0/docs/design/specs/PortablePdb-Metadata.md
//
// A File is built once from a byte buffer and is immutable afterwards; it
// exposes the raw tables and heaps plus one DocumentIndex per source
// document mapping compiled methods to sequence points, lexical scopes and
// local names. The symbolizer package resolves stack frame IL offsets to
// source locations on top of this.
//
// Several quantities interleave variable-width encodings: heap and table
// references shrink to 16 bits when the referenced store is small, and blob
// contents use the II.23.2 compressed integer forms. Row ownership ranges
// (scope to variables/constants) are not stored as lengths; they end where
// the next row's range begins. The decoder treats any violation of those
// relationships as corruption and abandons the whole file rather than
// keeping a partially decoded result.
package portablepdb // import "github.com/managed-debug/agent/portablepdb"

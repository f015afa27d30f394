// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"fmt"
)

// Portable PDB container signature ("BSJB"), ECMA-335 II.24.2.1.
const metadataSignature = 0x424a5342

// Names of the streams every Portable PDB must carry.
const (
	stringsStreamName = "#Strings"
	blobStreamName    = "#Blob"
	guidStreamName    = "#GUID"
	tableStreamName   = "#~"
	pdbStreamName     = "#Pdb"
)

// rootHeader is the container root header without its variable-length
// version string.
type rootHeader struct {
	MajorVersion uint16
	MinorVersion uint16
	Version      string
	NumStreams   uint16
}

// StreamHeader describes one named stream in the container directory.
type StreamHeader struct {
	Name   string
	Offset uint32
	Size   uint32
}

func alignUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func parseRootHeader(r *streamReader, hdr *rootHeader) error {
	signature, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if signature != metadataSignature {
		return fmt.Errorf("invalid metadata signature %#x", signature)
	}
	if hdr.MajorVersion, err = r.ReadUint16(); err != nil {
		return err
	}
	if hdr.MinorVersion, err = r.ReadUint16(); err != nil {
		return err
	}
	// Reserved field.
	if _, err = r.ReadUint32(); err != nil {
		return err
	}
	versionLength, err := r.ReadUint32()
	if err != nil {
		return err
	}
	version, err := r.ReadBytes(alignUp(versionLength, 4))
	if err != nil {
		return err
	}
	for end, b := range version {
		if b == 0 {
			version = version[:end]
			break
		}
	}
	hdr.Version = string(version)
	// Flags field.
	if _, err = r.ReadUint16(); err != nil {
		return err
	}
	if hdr.NumStreams, err = r.ReadUint16(); err != nil {
		return err
	}
	return nil
}

// parseStreamHeader reads one stream directory record: a null-terminated
// name padded to a 4-byte boundary, then the 4-byte offset and size.
func parseStreamHeader(r *streamReader, hdr *StreamHeader) error {
	nameStart := r.Pos()
	var name []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("stream name: %w", err)
		}
		if b == 0 {
			break
		}
		name = append(name, b)
	}
	hdr.Name = string(name)
	padded := alignUp(r.Pos()-nameStart, 4)
	if err := r.SeekFromOrigin(nameStart + padded); err != nil {
		return err
	}
	var err error
	if hdr.Offset, err = r.ReadUint32(); err != nil {
		return err
	}
	if hdr.Size, err = r.ReadUint32(); err != nil {
		return err
	}
	return nil
}

// pdbStreamHeader is the decoded #Pdb stream. The type-system row counts are
// needed to size cross-table references into tables that live in the paired
// assembly metadata rather than in the PDB itself (notably MethodDef).
type pdbStreamHeader struct {
	ID               [20]byte
	EntryPoint       uint32
	ReferencedTables uint64
	TypeSystemRows   [numTableKinds]uint32
}

func parsePdbStream(r *streamReader, hdr *pdbStreamHeader) error {
	id, err := r.ReadBytes(uint32(len(hdr.ID)))
	if err != nil {
		return fmt.Errorf("#Pdb id: %w", err)
	}
	copy(hdr.ID[:], id)
	if hdr.EntryPoint, err = r.ReadUint32(); err != nil {
		return err
	}
	lo, err := r.ReadUint32()
	if err != nil {
		return err
	}
	hi, err := r.ReadUint32()
	if err != nil {
		return err
	}
	hdr.ReferencedTables = uint64(hi)<<32 | uint64(lo)
	for kind := 0; kind < numTableKinds; kind++ {
		if hdr.ReferencedTables&(1<<kind) == 0 {
			continue
		}
		if hdr.TypeSystemRows[kind], err = r.ReadUint32(); err != nil {
			return fmt.Errorf("#Pdb row count for table %#x: %w", kind, err)
		}
	}
	return nil
}

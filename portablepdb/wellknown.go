// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package portablepdb // import "github.com/managed-debug/agent/portablepdb"

import (
	"github.com/google/uuid"
)

// Well-known GUIDs from the Portable PDB specification mapping documents to
// their source language and hash algorithm.
var (
	languageNames = map[uuid.UUID]string{
		uuid.MustParse("3f5162f8-07c6-11d3-9053-00c04fa302a1"): "C#",
		uuid.MustParse("3a12d0b8-c26c-11d0-b442-00a0244a1dd2"): "Visual Basic",
		uuid.MustParse("ab4f38c9-b6e6-43ba-be3b-58080b2ccce3"): "F#",
	}

	hashAlgorithmNames = map[uuid.UUID]string{
		uuid.MustParse("ff1816ec-aa5e-4d10-87f7-6f4963833460"): "SHA-1",
		uuid.MustParse("8829d00f-11b8-4213-878b-770e8597ac16"): "SHA-256",
	}
)

// guidFromHeap converts the GUID heap's mixed-endian layout (little-endian
// u32, u16, u16, then 8 raw bytes) to the big-endian RFC 4122 form.
func guidFromHeap(b [16]byte) uuid.UUID {
	return uuid.UUID{
		b[3], b[2], b[1], b[0],
		b[5], b[4],
		b[7], b[6],
		b[8], b[9], b[10], b[11], b[12], b[13], b[14], b[15],
	}
}

// LanguageName maps a document language GUID from the GUID heap to its
// name; unknown GUIDs map to the empty string.
func LanguageName(guid [16]byte) string {
	return languageNames[guidFromHeap(guid)]
}

// HashAlgorithmName maps a document hash algorithm GUID from the GUID heap
// to its name; unknown GUIDs map to the empty string.
func HashAlgorithmName(guid [16]byte) string {
	return hashAlgorithmNames[guidFromHeap(guid)]
}

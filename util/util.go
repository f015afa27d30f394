// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

// Package util holds small helpers shared between the debug-information
// packages and the agent glue around them.
package util // import "github.com/managed-debug/agent/util"

import (
	"encoding/binary"
	"math/bits"

	"github.com/zeebo/xxh3"
)

// OnDiskFileIdentifier identifies a particular file on disk by device ID
// and inode number. It is the cache key for per-module debug information.
type OnDiskFileIdentifier struct {
	DeviceID uint64 // dev_t as reported by stat
	InodeNum uint64 // ino_t should fit into 64 bits
}

func (odfi OnDiskFileIdentifier) Hash32() uint32 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], odfi.DeviceID)
	binary.LittleEndian.PutUint64(buf[8:], odfi.InodeNum)
	return uint32(xxh3.Hash(buf[:]))
}

// NextPowerOfTwo returns input value if it's a power of two,
// otherwise it returns the next power of two.
func NextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

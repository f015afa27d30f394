// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package util // import "github.com/managed-debug/agent/util"

import (
	"golang.org/x/sys/unix"
)

// GetOnDiskFileIdentifier stats path and returns its identity plus the
// modification time in nanoseconds since the epoch.
func GetOnDiskFileIdentifier(path string) (OnDiskFileIdentifier, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return OnDiskFileIdentifier{}, 0, err
	}
	return OnDiskFileIdentifier{
		DeviceID: uint64(st.Dev),
		InodeNum: st.Ino,
	}, unix.TimespecToNsec(st.Mtim), nil
}

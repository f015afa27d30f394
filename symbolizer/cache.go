// Copyright The ManagedDebug Authors
// SPDX-License-Identifier: Apache-2.0

package symbolizer // import "github.com/managed-debug/agent/symbolizer"

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"

	"github.com/managed-debug/agent/portablepdb"
	"github.com/managed-debug/agent/util"
)

const pdbCacheTTL = 6 * time.Hour

// methodRef locates one method inside a parsed PDB: the position of its
// document in the document index table and the method's position there.
type methodRef struct {
	document int
	method   int
}

// pdbInfo is the cached outcome of parsing one on-disk PDB. Parse failures
// are cached too so a broken file is not re-parsed for every frame.
type pdbInfo struct {
	err          error
	lastModified int64
	file         *portablepdb.File
	methods      map[uint32]methodRef
}

// pdbCache caches parsed PDBs keyed by inode number and device ID. Entries
// are invalidated when the file's modification time changes. Locked LRU.
type pdbCache struct {
	hit  atomic.Uint64
	miss atomic.Uint64

	pdbInfoCache *lru.SyncedLRU[util.OnDiskFileIdentifier, *pdbInfo]
}

func newPdbCache(size uint32) (*pdbCache, error) {
	cache, err := lru.NewSynced[util.OnDiskFileIdentifier, *pdbInfo](
		util.NextPowerOfTwo(size), util.OnDiskFileIdentifier.Hash32)
	if err != nil {
		return nil, err
	}
	cache.SetLifetime(pdbCacheTTL)
	return &pdbCache{pdbInfoCache: cache}, nil
}

func (c *pdbCache) get(path string) *pdbInfo {
	key, lastModified, err := util.GetOnDiskFileIdentifier(path)
	if err != nil {
		return &pdbInfo{err: err}
	}
	if info, ok := c.pdbInfoCache.Get(key); ok && info.lastModified == lastModified {
		c.hit.Add(1)
		return info
	}

	// Slow path, parse the file and update the cache.
	c.miss.Add(1)
	info := &pdbInfo{lastModified: lastModified}
	info.file, info.err = portablepdb.Open(path)
	if info.err != nil {
		if !errors.Is(info.err, os.ErrNotExist) {
			c.pdbInfoCache.Add(key, info)
		}
		return info
	}
	info.methods = indexMethodTokens(info.file)
	c.pdbInfoCache.Add(key, info)
	return info
}

// indexMethodTokens maps every MethodDef token with debug information to
// its place in the per-document indexes, so frame resolution is one map
// probe plus one binary search.
func indexMethodTokens(f *portablepdb.File) map[uint32]methodRef {
	methods := make(map[uint32]methodRef)
	for docIdx, doc := range f.GetDocumentIndexTable() {
		for i := range doc.Methods {
			methods[doc.Methods[i].MethodDef] = methodRef{
				document: docIdx,
				method:   i,
			}
		}
	}
	return methods
}

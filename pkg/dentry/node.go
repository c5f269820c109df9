/*
 Copyright 2023 BucketFS Authors.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package dentry

import (
	"sync"
	"time"

	"github.com/basenana/bucketfs/pkg/types"
)

const RootInode uint64 = 1

// Node is one cached file or directory. The parent is referenced by inode,
// children are owned through the name index.
type Node struct {
	ID   uint64
	Kind types.Kind

	mux         sync.RWMutex
	name        string
	key         string
	parent      uint64
	size        int64
	modTime     time.Time
	accessTime  time.Time
	version     string
	access      types.Access
	children    map[string]uint64
	listed      bool
	partial     bool
	listedAt    time.Time
	listedGen   uint64
	refreshedAt time.Time
	refreshed   uint64
	generation  uint64
	pending     bool
	detached    bool
	writers     int
}

func (n *Node) IsGroup() bool {
	return types.IsGroup(n.Kind)
}

func (n *Node) Name() string {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.name
}

// Key is the object key, directory keys end with "/" and the root key is empty.
func (n *Node) Key() string {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.key
}

func (n *Node) Parent() uint64 {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.parent
}

func (n *Node) Version() string {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.version
}

func (n *Node) Size() int64 {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.size
}

// Generation is the invalidation epoch, cached state taken under an older
// epoch is stale.
func (n *Node) Generation() uint64 {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.generation
}

// Pending nodes exist locally but have not reached the bucket yet.
func (n *Node) Pending() bool {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.pending
}

func (n *Node) Detached() bool {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.detached
}

func (n *Node) Attr() types.Attr {
	n.mux.RLock()
	defer n.mux.RUnlock()
	attr := types.Attr{
		Inode:   n.ID,
		Kind:    n.Kind,
		Size:    n.size,
		ModTime: n.modTime,
		Access:  n.access,
	}
	if n.IsGroup() {
		attr.Size = types.DirectorySize
	}
	return attr
}

func (n *Node) AccessTime() time.Time {
	n.mux.RLock()
	defer n.mux.RUnlock()
	if n.accessTime.IsZero() {
		return n.modTime
	}
	return n.accessTime
}

// Stale reports whether the attributes are older than staleness.
func (n *Node) Stale(staleness time.Duration) bool {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.refreshedAt.IsZero() || n.refreshed != n.generation || time.Since(n.refreshedAt) > staleness
}

// Dirty reports whether some handle holds unflushed data for this node.
func (n *Node) Dirty() bool {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.writers > 0
}

func (n *Node) BeginWrite() {
	n.mux.Lock()
	n.writers++
	n.mux.Unlock()
}

func (n *Node) EndWrite() {
	n.mux.Lock()
	if n.writers > 0 {
		n.writers--
	}
	n.mux.Unlock()
}

// UpdateObject refreshes the node from what the bucket reported. Sizes of
// nodes with local writers are left alone.
func (n *Node) UpdateObject(info types.ObjectInfo) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.refreshedAt = time.Now()
	n.refreshed = n.generation
	if n.writers > 0 {
		return
	}
	n.applyObject(info)
}

// Committed records a successful upload of the node content.
func (n *Node) Committed(info types.ObjectInfo) {
	n.mux.Lock()
	defer n.mux.Unlock()
	n.applyObject(info)
	n.pending = false
	n.refreshedAt = time.Now()
	n.refreshed = n.generation
}

func (n *Node) SetSize(size int64) {
	n.mux.Lock()
	n.size = size
	n.modTime = time.Now()
	n.mux.Unlock()
}

func (n *Node) SetPending(pending bool) {
	n.mux.Lock()
	n.pending = pending
	n.mux.Unlock()
}

func (n *Node) SetAccess(mode, uid, gid *uint32) {
	n.mux.Lock()
	defer n.mux.Unlock()
	if mode != nil {
		n.access.Mode = *mode & 07777
	}
	if uid != nil {
		n.access.UID = *uid
	}
	if gid != nil {
		n.access.GID = *gid
	}
}

func (n *Node) SetTimes(atime, mtime *time.Time) {
	n.mux.Lock()
	defer n.mux.Unlock()
	if atime != nil {
		n.accessTime = *atime
	}
	if mtime != nil {
		n.modTime = *mtime
	}
}

func (n *Node) applyObject(info types.ObjectInfo) {
	if n.IsGroup() {
		if !info.ModTime.IsZero() {
			n.modTime = info.ModTime
		}
		return
	}
	n.size = info.Size
	if !info.ModTime.IsZero() {
		n.modTime = info.ModTime
	}
	n.version = info.Version()
}

// isPartial reports a listed directory that lost some children to eviction.
func (n *Node) isPartial() bool {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return n.partial
}

func (n *Node) childCount() int {
	n.mux.RLock()
	defer n.mux.RUnlock()
	return len(n.children)
}

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

package inode

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basenana/bucketfs/pkg/dentry"
	"github.com/basenana/bucketfs/pkg/types"
)

var referencedInodeGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "inode_referenced",
		Help: "This count of inodes referenced by the kernel",
	},
)

func init() {
	prometheus.MustRegister(referencedInodeGauge)
}

type entry struct {
	node    *dentry.Node
	lookups uint64
	opened  int
}

// Table tracks kernel lookup counts and open handles per inode. Detached
// nodes stay reachable here until the kernel forgets them.
type Table struct {
	entries map[uint64]*entry
	mux     sync.Mutex
}

func NewTable() *Table {
	return &Table{entries: map[uint64]*entry{}}
}

// Ref adds n kernel references to node, every lookup/create/mkdir reply adds one.
func (t *Table) Ref(node *dentry.Node, n uint64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	e := t.entry(node)
	e.lookups += n
}

// Forget drops n references and reports whether the inode became unreferenced.
func (t *Table) Forget(id uint64, n uint64) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return true
	}
	if n >= e.lookups {
		e.lookups = 0
	} else {
		e.lookups -= n
	}
	return t.gc(id, e)
}

// Get finds a referenced node, attached or not.
func (t *Table) Get(id uint64) (*dentry.Node, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return e.node, nil
}

// Opened and Closed bracket the life of a handle on the node.
func (t *Table) Opened(node *dentry.Node) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.entry(node).opened++
}

func (t *Table) Closed(id uint64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	if e.opened > 0 {
		e.opened--
	}
	t.gc(id, e)
}

// Pinned reports inodes that can not be evicted from the tree.
func (t *Table) Pinned(id uint64) bool {
	if id == dentry.RootInode {
		return true
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	e, ok := t.entries[id]
	return ok && (e.lookups > 0 || e.opened > 0)
}

func (t *Table) Lookups(id uint64) uint64 {
	t.mux.Lock()
	defer t.mux.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.lookups
	}
	return 0
}

func (t *Table) Count() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.entries)
}

func (t *Table) entry(node *dentry.Node) *entry {
	e, ok := t.entries[node.ID]
	if !ok {
		e = &entry{node: node}
		t.entries[node.ID] = e
		referencedInodeGauge.Inc()
	}
	return e
}

func (t *Table) gc(id uint64, e *entry) bool {
	if e.lookups > 0 || e.opened > 0 {
		return false
	}
	delete(t.entries, id)
	referencedInodeGauge.Dec()
	return true
}

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
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

// PinChecker reports nodes that must stay cached, e.g. referenced by the kernel.
type PinChecker func(id uint64) bool

type Option struct {
	Staleness time.Duration
	MaxNodes  int
	Owner     types.Access
}

// Tree caches the bucket namespace one directory level at a time.
type Tree struct {
	storage   storage.Storage
	nodes     sync.Map
	nextID    atomic.Uint64
	root      *Node
	staleness time.Duration
	owner     types.Access

	lru       gcache.Cache
	evicted   []uint64
	evictMux  sync.Mutex
	pinned    PinChecker
	listGroup singleflight.Group
	moveMux   sync.Mutex
	logger    *zap.SugaredLogger
}

func NewTree(s storage.Storage, opt Option) *Tree {
	t := &Tree{
		storage:   s,
		staleness: opt.Staleness,
		owner:     opt.Owner,
		pinned:    func(id uint64) bool { return false },
		logger:    logger.NewLogger("dentry"),
	}
	if opt.MaxNodes <= 0 {
		opt.MaxNodes = 1 << 20
	}
	t.lru = gcache.New(opt.MaxNodes).LRU().EvictedFunc(t.evictedFunc).Build()

	t.nextID.Store(RootInode)
	t.root = &Node{
		ID:          RootInode,
		Kind:        types.DirKind,
		parent:      RootInode,
		modTime:     time.Now(),
		refreshedAt: time.Now(),
		children:    map[string]uint64{},
		access:      t.defaultAccess(types.DirKind),
	}
	t.nodes.Store(RootInode, t.root)
	cachedNodeGauge.Set(1)
	return t
}

func (t *Tree) SetPinChecker(checker PinChecker) {
	t.pinned = checker
}

func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) Staleness() time.Duration {
	return t.staleness
}

// Get returns a node that is still attached to the tree.
func (t *Tree) Get(id uint64) (*Node, bool) {
	obj, ok := t.nodes.Load(id)
	if !ok {
		return nil, false
	}
	return obj.(*Node), true
}

// Lookup resolves name under parent, listing parent when its view is missing or stale.
func (t *Tree) Lookup(ctx context.Context, parent *Node, name string) (*Node, error) {
	defer utils.TraceRegion(ctx, "dentry.lookup")()
	if !parent.IsGroup() {
		return nil, types.ErrNoGroup
	}
	if err := t.ensureListed(ctx, parent, false); err != nil {
		return nil, err
	}
	node := t.child(parent, name)
	if node == nil {
		if !parent.isPartial() {
			return nil, types.ErrNotFound
		}
		var err error
		if node, err = t.lookupRemote(ctx, parent, name); err != nil {
			return nil, err
		}
	}
	t.touch(node)
	return node, nil
}

// lookupRemote resolves a name that eviction dropped from a listed directory.
func (t *Tree) lookupRemote(ctx context.Context, parent *Node, name string) (*Node, error) {
	defer utils.TraceRegion(ctx, "dentry.lookup_remote")()
	parentKey := parent.Key()
	kind := types.FileKind
	info, err := t.storage.Head(ctx, types.FileKey(parentKey, name))
	if IsNotFound(err) {
		kind = types.DirKind
		info = types.ObjectInfo{}
		var objects []types.ObjectInfo
		objects, err = t.storage.List(ctx, types.DirKey(parentKey, name), types.PathSeparator)
		if err == nil && len(objects) == 0 {
			err = types.ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}

	parent.mux.Lock()
	defer parent.mux.Unlock()
	if parent.detached {
		return nil, types.ErrNotFound
	}
	if id, ok := parent.children[name]; ok {
		if node, ok := t.Get(id); ok {
			return node, nil
		}
	}
	node := t.newNode(parent, name, kind)
	node.applyObject(info)
	node.refreshedAt = time.Now()
	parent.children[name] = node.ID
	return node, nil
}

// Resolve walks a slash separated path from the root.
func (t *Tree) Resolve(ctx context.Context, path string) (*Node, error) {
	node := t.root
	for _, name := range strings.Split(path, types.PathSeparator) {
		if name == "" || name == "." {
			continue
		}
		next, err := t.Lookup(ctx, node, name)
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

// Children returns a name ordered snapshot of the children of dir.
func (t *Tree) Children(ctx context.Context, dir *Node) ([]*Node, error) {
	defer utils.TraceRegion(ctx, "dentry.children")()
	if !dir.IsGroup() {
		return nil, types.ErrNoGroup
	}
	if err := t.ensureListed(ctx, dir, dir.isPartial()); err != nil {
		return nil, err
	}

	dir.mux.RLock()
	ids := make([]uint64, 0, len(dir.children))
	for _, id := range dir.children {
		ids = append(ids, id)
	}
	dir.mux.RUnlock()

	result := make([]*Node, 0, len(ids))
	for _, id := range ids {
		if node, ok := t.Get(id); ok {
			t.track(node)
			result = append(result, node)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result, nil
}

// IsEmpty answers from a listing no older than the staleness window.
func (t *Tree) IsEmpty(ctx context.Context, dir *Node) (bool, error) {
	if !dir.IsGroup() {
		return false, types.ErrNoGroup
	}
	if err := t.ensureListed(ctx, dir, false); err != nil {
		return false, err
	}
	if dir.childCount() > 0 || !dir.isPartial() {
		return dir.childCount() == 0, nil
	}
	if err := t.ensureListed(ctx, dir, true); err != nil {
		return false, err
	}
	return dir.childCount() == 0, nil
}

// Refresh lists dir again even when its view is fresh.
func (t *Tree) Refresh(ctx context.Context, dir *Node) error {
	return t.ensureListed(ctx, dir, true)
}

// Invalidate marks node, and every cached node below it, as stale.
func (t *Tree) Invalidate(node *Node) {
	node.mux.Lock()
	node.generation++
	ids := make([]uint64, 0, len(node.children))
	for _, id := range node.children {
		ids = append(ids, id)
	}
	node.mux.Unlock()

	for _, id := range ids {
		if child, ok := t.Get(id); ok {
			t.Invalidate(child)
		}
	}
}

// Insert adds a new child under parent. Pending children survive relisting
// until they are committed.
func (t *Tree) Insert(parent *Node, name string, kind types.Kind, pending bool) (*Node, error) {
	if !parent.IsGroup() {
		return nil, types.ErrNoGroup
	}
	parent.mux.Lock()
	if parent.detached {
		parent.mux.Unlock()
		return nil, types.ErrNotFound
	}
	if _, ok := parent.children[name]; ok {
		parent.mux.Unlock()
		return nil, types.ErrIsExist
	}
	node := t.newNode(parent, name, kind)
	node.pending = pending
	node.refreshedAt = time.Now()
	if node.IsGroup() {
		// a fresh directory has nothing to list yet
		node.listed = true
		node.listedAt = time.Now()
	}
	parent.children[name] = node.ID
	parent.modTime = time.Now()
	parent.mux.Unlock()

	t.touch(node)
	return node, nil
}

// Remove detaches the child named name. Directories must be empty.
func (t *Tree) Remove(parent *Node, name string) (*Node, error) {
	parent.mux.Lock()
	defer parent.mux.Unlock()
	id, ok := parent.children[name]
	if !ok {
		return nil, types.ErrNotFound
	}
	node, ok := t.Get(id)
	if !ok {
		delete(parent.children, name)
		return nil, types.ErrNotFound
	}
	if node.IsGroup() && node.childCount() > 0 {
		return nil, types.ErrNotEmpty
	}
	delete(parent.children, name)
	parent.modTime = time.Now()
	t.detach(node)
	return node, nil
}

// Move renames oldName under oldParent to newName under newParent, replacing
// whatever was there. Keys of the whole moved subtree are rewritten.
func (t *Tree) Move(oldParent *Node, oldName string, newParent *Node, newName string) (*Node, error) {
	t.moveMux.Lock()
	defer t.moveMux.Unlock()

	// locks always go from ancestor to descendant
	first, second := oldParent, newParent
	if t.isAncestor(newParent, oldParent) {
		first, second = newParent, oldParent
	}
	first.mux.Lock()
	defer first.mux.Unlock()
	if first != second {
		second.mux.Lock()
		defer second.mux.Unlock()
	}

	id, ok := oldParent.children[oldName]
	if !ok {
		return nil, types.ErrNotFound
	}
	node, ok := t.Get(id)
	if !ok {
		return nil, types.ErrNotFound
	}
	if targetID, exist := newParent.children[newName]; exist && targetID != id {
		if target, ok := t.Get(targetID); ok {
			if target.IsGroup() && target.childCount() > 0 {
				return nil, types.ErrNotEmpty
			}
			t.detach(target)
		}
	}

	delete(oldParent.children, oldName)
	newParent.children[newName] = node.ID
	now := time.Now()
	oldParent.modTime = now
	newParent.modTime = now

	newKey := types.FileKey(newParent.key, newName)
	if node.IsGroup() {
		newKey = types.DirKey(newParent.key, newName)
	}
	node.mux.Lock()
	node.name = newName
	node.parent = newParent.ID
	node.mux.Unlock()
	t.rekey(node, newKey)
	return node, nil
}

// Detach drops node from the tree, e.g. after its object vanished.
func (t *Tree) Detach(node *Node) {
	parent, ok := t.Get(node.Parent())
	if ok && parent != node {
		name := node.Name()
		parent.mux.Lock()
		if parent.children[name] == node.ID {
			delete(parent.children, name)
		}
		parent.mux.Unlock()
	}
	t.detach(node)
}

// IsAncestor reports whether ancestor lies on the parent chain of node.
func (t *Tree) IsAncestor(ancestor, node *Node) bool {
	return t.isAncestor(ancestor, node)
}

func (t *Tree) isAncestor(ancestor, node *Node) bool {
	if ancestor == node {
		return false
	}
	cur := node
	for cur.ID != RootInode {
		parentID := cur.Parent()
		if parentID == ancestor.ID {
			return true
		}
		next, ok := t.Get(parentID)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func (t *Tree) rekey(node *Node, key string) {
	node.mux.Lock()
	node.key = key
	ids := make(map[string]uint64, len(node.children))
	for name, id := range node.children {
		ids[name] = id
	}
	node.mux.Unlock()

	for name, id := range ids {
		child, ok := t.Get(id)
		if !ok {
			continue
		}
		if child.IsGroup() {
			t.rekey(child, types.DirKey(key, name))
		} else {
			t.rekey(child, types.FileKey(key, name))
		}
	}
}

func (t *Tree) child(parent *Node, name string) *Node {
	parent.mux.RLock()
	id, ok := parent.children[name]
	parent.mux.RUnlock()
	if !ok {
		return nil
	}
	node, ok := t.Get(id)
	if !ok {
		return nil
	}
	return node
}

func (t *Tree) fresh(dir *Node) bool {
	dir.mux.RLock()
	defer dir.mux.RUnlock()
	return dir.listed && dir.listedGen == dir.generation && time.Since(dir.listedAt) <= t.staleness
}

func (t *Tree) ensureListed(ctx context.Context, dir *Node, force bool) error {
	if !force && t.fresh(dir) {
		return nil
	}
	if dir.Pending() {
		return nil
	}
	key := dir.Key()
	// joined callers share the listing, it must not die with the first caller
	listCtx := context.WithoutCancel(ctx)
	_, err, _ := t.listGroup.Do(key, func() (interface{}, error) {
		return nil, t.relist(listCtx, dir, key)
	})
	return err
}

// relist reconciles the cached children of dir with one delimited listing.
func (t *Tree) relist(ctx context.Context, dir *Node, key string) error {
	defer utils.TraceRegion(ctx, "dentry.relist")()
	listCounter.Inc()
	gen := dir.Generation()
	objects, err := t.storage.List(ctx, key, types.PathSeparator)
	if err != nil {
		t.logger.Warnw("list dir failed", "key", key, "err", err)
		return err
	}

	seen := make(map[string]types.ObjectInfo, len(objects))
	for _, obj := range objects {
		name := types.BaseName(obj.Key)
		if name == "" {
			continue
		}
		if strings.HasSuffix(obj.Key, types.PathSeparator) {
			obj.IsPrefix = true
		}
		if old, ok := seen[name]; ok && old.IsPrefix && !obj.IsPrefix {
			t.logger.Warnw("object shadowed by prefix with the same name", "key", obj.Key)
			continue
		}
		seen[name] = obj
	}

	var created, dropped []*Node
	dir.mux.Lock()
	if dir.detached {
		dir.mux.Unlock()
		return types.ErrNotFound
	}
	for name, id := range dir.children {
		node, ok := t.Get(id)
		if !ok {
			delete(dir.children, name)
			continue
		}
		obj, exist := seen[name]
		if !exist {
			if node.Pending() || node.Dirty() {
				continue
			}
			delete(dir.children, name)
			dropped = append(dropped, node)
			continue
		}
		kind := types.FileKind
		if obj.IsPrefix {
			kind = types.DirKind
		}
		if node.Kind != kind {
			t.logger.Infow("object kind changed, replace cached node", "key", obj.Key, "old", node.Kind, "new", kind)
			delete(dir.children, name)
			dropped = append(dropped, node)
			continue
		}
		node.UpdateObject(obj)
		delete(seen, name)
	}
	for name, obj := range seen {
		kind := types.FileKind
		if obj.IsPrefix {
			kind = types.DirKind
		}
		node := t.newNode(dir, name, kind)
		node.applyObject(obj)
		node.refreshedAt = time.Now()
		dir.children[name] = node.ID
		created = append(created, node)
	}
	dir.listed = true
	dir.partial = false
	dir.listedAt = time.Now()
	dir.listedGen = gen
	dir.mux.Unlock()

	for _, node := range dropped {
		t.detach(node)
	}
	// evictions wait for the next lookup, a listing never drops its own nodes
	for _, node := range created {
		t.track(node)
	}
	return nil
}

func (t *Tree) newNode(parent *Node, name string, kind types.Kind) *Node {
	node := &Node{
		ID:      t.nextID.Add(1),
		Kind:    kind,
		name:    name,
		parent:  parent.ID,
		modTime: time.Now(),
		access:  t.defaultAccess(kind),
	}
	if types.IsGroup(kind) {
		node.key = types.DirKey(parent.key, name)
		node.children = map[string]uint64{}
	} else {
		node.key = types.FileKey(parent.key, name)
	}
	t.nodes.Store(node.ID, node)
	cachedNodeGauge.Inc()
	return node
}

// detach removes node and its cached subtree from the arena. Holders of the
// pointer keep a usable, detached node.
func (t *Tree) detach(node *Node) {
	node.mux.Lock()
	if node.detached {
		node.mux.Unlock()
		return
	}
	node.detached = true
	ids := make([]uint64, 0, len(node.children))
	for _, id := range node.children {
		ids = append(ids, id)
	}
	node.children = map[string]uint64{}
	node.listed = false
	node.mux.Unlock()

	t.nodes.Delete(node.ID)
	t.lru.Remove(node.ID)
	cachedNodeGauge.Dec()
	for _, id := range ids {
		if child, ok := t.Get(id); ok {
			t.detach(child)
		}
	}
}

func (t *Tree) defaultAccess(kind types.Kind) types.Access {
	acc := t.owner
	if types.IsGroup(kind) {
		acc.Mode = types.DefaultDirMode
	} else {
		acc.Mode = types.DefaultFileMode
	}
	return acc
}

// Touch marks node as recently used, it is how pinned nodes re-enter the LRU.
func (t *Tree) Touch(node *Node) {
	t.touch(node)
}

func (t *Tree) touch(node *Node) {
	t.track(node)
	t.drainEvicted()
}

func (t *Tree) track(node *Node) {
	if node.ID == RootInode {
		return
	}
	if err := t.lru.Set(node.ID, struct{}{}); err != nil {
		t.logger.Warnw("track node failed", "inode", node.ID, "err", err)
	}
}

// evictedFunc runs under the gcache lock, the real work happens in drainEvicted.
func (t *Tree) evictedFunc(key, _ interface{}) {
	t.evictMux.Lock()
	t.evicted = append(t.evicted, key.(uint64))
	t.evictMux.Unlock()
}

func (t *Tree) drainEvicted() {
	t.evictMux.Lock()
	ids := t.evicted
	t.evicted = nil
	t.evictMux.Unlock()

	for _, id := range ids {
		node, ok := t.Get(id)
		if !ok || t.lru.Has(id) {
			continue
		}
		if t.pinned(id) || node.Pending() || node.Dirty() || (node.IsGroup() && node.childCount() > 0) {
			// stays cached, it is tracked again on its next use
			continue
		}
		parent, ok := t.Get(node.Parent())
		if ok {
			name := node.Name()
			parent.mux.Lock()
			if parent.children[name] == node.ID {
				delete(parent.children, name)
				parent.partial = true
			}
			parent.mux.Unlock()
		}
		t.detach(node)
		evictCounter.Inc()
	}
}

// Len is the number of nodes attached to the tree, the root included.
func (t *Tree) Len() int {
	count := 0
	t.nodes.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// IsNotFound is a helper for callers that treat a vanished object as a cache miss.
func IsNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

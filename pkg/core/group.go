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

package core

import (
	"context"
	"errors"
	"runtime/trace"
	"time"

	"github.com/basenana/bucketfs/pkg/dentry"
	"github.com/basenana/bucketfs/pkg/types"
)

type DirEntry struct {
	Name  string
	Inode uint64
	Kind  types.Kind

	node *dentry.Node
}

// DirHandle holds the listing snapshot taken at opendir.
type DirHandle struct {
	ID      uint64
	node    *dentry.Node
	entries []DirEntry
}

type markerTask struct {
	done chan struct{}
	err  error
}

// Mkdir adds the directory at once and writes its marker in the background
// when async mkdir is on. Operations on the new directory wait for the marker.
func (f *FileSystem) Mkdir(ctx context.Context, parent uint64, name string, mode, uid, gid uint32) (types.Attr, error) {
	defer trace.StartRegion(ctx, "fs.Mkdir").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(groupOperationLatency, "mkdir", time.Now())
	if err := checkName(name); err != nil {
		return types.Attr{}, err
	}
	dir, err := f.group(parent)
	if err != nil {
		return types.Attr{}, err
	}
	if err = f.waitMarker(ctx, dir); err != nil {
		return types.Attr{}, logOperationError(groupOperationErrorCounter, "mkdir", err)
	}
	if _, err = f.tree.Lookup(ctx, dir, name); err == nil {
		return types.Attr{}, types.ErrIsExist
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Attr{}, logOperationError(groupOperationErrorCounter, "mkdir", err)
	}

	node, err := f.tree.Insert(dir, name, types.DirKind, true)
	if err != nil {
		return types.Attr{}, logOperationError(groupOperationErrorCounter, "mkdir", err)
	}
	mode &= 07777
	node.SetAccess(&mode, &uid, &gid)

	if err = f.createMarker(ctx, node); err != nil {
		return types.Attr{}, logOperationError(groupOperationErrorCounter, "mkdir", err)
	}
	f.inodes.Ref(node, 1)
	return node.Attr(), nil
}

func (f *FileSystem) createMarker(ctx context.Context, node *dentry.Node) error {
	if f.prefixDirs {
		// stays pending until some object is written below it
		return nil
	}

	task := &markerTask{done: make(chan struct{})}
	f.markers.Store(node.ID, task)
	run := func(ctx context.Context) error {
		defer close(task.done)
		defer f.markers.Delete(node.ID)
		task.err = f.marker.Create(ctx, node.Key())
		if task.err != nil {
			f.logger.Errorw("create dir marker failed, drop dir", "key", node.Key(), "err", task.err)
			f.tree.Detach(node)
			return task.err
		}
		node.SetPending(false)
		return nil
	}

	if !f.asyncMkdir {
		return run(ctx)
	}
	if err := f.pool.Go(ctx, run); err != nil {
		return run(ctx)
	}
	return nil
}

// waitMarker blocks until the marker of a just created directory is written.
func (f *FileSystem) waitMarker(ctx context.Context, node *dentry.Node) error {
	val, ok := f.markers.Load(node.ID)
	if !ok {
		return nil
	}
	task := val.(*markerTask)
	select {
	case <-task.done:
		return task.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Rmdir refuses directories that a fresh listing shows children for, without
// deleting anything.
func (f *FileSystem) Rmdir(ctx context.Context, parent uint64, name string) error {
	defer trace.StartRegion(ctx, "fs.Rmdir").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(groupOperationLatency, "rmdir", time.Now())
	dir, err := f.group(parent)
	if err != nil {
		return err
	}
	if err = f.waitMarker(ctx, dir); err != nil {
		return logOperationError(groupOperationErrorCounter, "rmdir", err)
	}
	node, err := f.tree.Lookup(ctx, dir, name)
	if err != nil {
		return logOperationError(groupOperationErrorCounter, "rmdir", err)
	}
	if !node.IsGroup() {
		return types.ErrNoGroup
	}
	if err = f.waitMarker(ctx, node); err != nil {
		return logOperationError(groupOperationErrorCounter, "rmdir", err)
	}

	if err = f.tree.Refresh(ctx, node); err != nil {
		return logOperationError(groupOperationErrorCounter, "rmdir", err)
	}
	empty, err := f.tree.IsEmpty(ctx, node)
	if err != nil {
		return logOperationError(groupOperationErrorCounter, "rmdir", err)
	}
	if !empty {
		return types.ErrNotEmpty
	}

	if !node.Pending() {
		if err = f.marker.Remove(ctx, node.Key()); err != nil {
			f.logger.Warnw("remove dir marker failed", "key", node.Key(), "err", err)
			return logOperationError(groupOperationErrorCounter, "rmdir", err)
		}
	}
	if _, err = f.tree.Remove(dir, name); err != nil && !errors.Is(err, types.ErrNotFound) {
		return logOperationError(groupOperationErrorCounter, "rmdir", err)
	}
	return nil
}

func (f *FileSystem) OpenDir(ctx context.Context, id uint64) (uint64, error) {
	defer trace.StartRegion(ctx, "fs.OpenDir").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(groupOperationLatency, "open_dir", time.Now())
	node, err := f.group(id)
	if err != nil {
		return 0, err
	}
	if err = f.waitMarker(ctx, node); err != nil {
		return 0, logOperationError(groupOperationErrorCounter, "open_dir", err)
	}
	children, err := f.tree.Children(ctx, node)
	if err != nil {
		return 0, logOperationError(groupOperationErrorCounter, "open_dir", err)
	}

	parentID := node.Parent()
	entries := make([]DirEntry, 0, len(children)+2)
	entries = append(entries,
		DirEntry{Name: ".", Inode: node.ID, Kind: types.DirKind},
		DirEntry{Name: "..", Inode: parentID, Kind: types.DirKind},
	)
	for _, child := range children {
		entries = append(entries, DirEntry{Name: child.Name(), Inode: child.ID, Kind: child.Kind, node: child})
	}

	h := &DirHandle{node: node, entries: entries}
	f.inodes.Opened(node)
	h.ID = f.dirs.Add(h)
	return h.ID, nil
}

// ReadDir returns the snapshot entries from offset on.
func (f *FileSystem) ReadDir(ctx context.Context, fh uint64, offset uint64) ([]DirEntry, error) {
	defer trace.StartRegion(ctx, "fs.ReadDir").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(groupOperationLatency, "read_dir", time.Now())
	h, err := f.dirs.Get(fh)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(h.entries)) {
		return nil, nil
	}
	return h.entries[offset:], nil
}

// Remember adds the kernel reference a readdirplus reply hands out, it
// returns false for entries without a node.
func (f *FileSystem) Remember(entry DirEntry) (types.Attr, bool) {
	if entry.node == nil {
		return types.Attr{}, false
	}
	f.inodes.Ref(entry.node, 1)
	return entry.node.Attr(), true
}

func (f *FileSystem) ReleaseDir(fh uint64) {
	h, err := f.dirs.Remove(fh)
	if err != nil {
		return
	}
	f.inodes.Closed(h.node.ID)
}

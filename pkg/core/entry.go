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

// SetAttr carries the attribute changes of one setattr request, nil fields
// are left alone. Handle is zero when the kernel did not pass one.
type SetAttr struct {
	Mode   *uint32
	UID    *uint32
	GID    *uint32
	Size   *uint64
	Atime  *time.Time
	Mtime  *time.Time
	Handle uint64
}

// Lookup resolves name under parent and adds one kernel reference to the result.
func (f *FileSystem) Lookup(ctx context.Context, parent uint64, name string) (types.Attr, error) {
	defer trace.StartRegion(ctx, "fs.Lookup").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(entryOperationLatency, "lookup", time.Now())
	if len(name) > fileNameMaxLength {
		return types.Attr{}, types.ErrNameTooLong
	}
	dir, err := f.group(parent)
	if err != nil {
		return types.Attr{}, err
	}
	if err = f.waitMarker(ctx, dir); err != nil {
		return types.Attr{}, logOperationError(entryOperationErrorCounter, "lookup", err)
	}

	node, err := f.tree.Lookup(ctx, dir, name)
	if err != nil {
		return types.Attr{}, logOperationError(entryOperationErrorCounter, "lookup", err)
	}
	if err = f.refresh(ctx, node); err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return types.Attr{}, logOperationError(entryOperationErrorCounter, "lookup", err)
		}
		// the parent was relisted, the name may now belong to another node
		if node, err = f.tree.Lookup(ctx, dir, name); err != nil {
			return types.Attr{}, logOperationError(entryOperationErrorCounter, "lookup", err)
		}
	}
	f.inodes.Ref(node, 1)
	return node.Attr(), nil
}

// Forget drops kernel references, unreferenced nodes become evictable.
func (f *FileSystem) Forget(id uint64, n uint64) {
	if f.inodes.Forget(id, n) {
		if node, ok := f.tree.Get(id); ok {
			f.tree.Touch(node)
		}
	}
}

func (f *FileSystem) GetAttr(ctx context.Context, id uint64) (types.Attr, error) {
	defer trace.StartRegion(ctx, "fs.GetAttr").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(entryOperationLatency, "get_attr", time.Now())
	node, err := f.node(id)
	if err != nil {
		return types.Attr{}, logOperationError(entryOperationErrorCounter, "get_attr", err)
	}
	if err = f.refresh(ctx, node); err != nil {
		return types.Attr{}, logOperationError(entryOperationErrorCounter, "get_attr", err)
	}
	return node.Attr(), nil
}

// SetAttr keeps ownership, mode and times as local bookkeeping. Size changes
// go through the writer of the given handle, or a temporary one.
func (f *FileSystem) SetAttr(ctx context.Context, id uint64, in SetAttr) (types.Attr, error) {
	defer trace.StartRegion(ctx, "fs.SetAttr").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(entryOperationLatency, "set_attr", time.Now())
	node, err := f.node(id)
	if err != nil {
		return types.Attr{}, logOperationError(entryOperationErrorCounter, "set_attr", err)
	}

	if in.Size != nil {
		if node.IsGroup() {
			return types.Attr{}, types.ErrIsGroup
		}
		if err = f.truncate(ctx, node, in.Handle, int64(*in.Size)); err != nil {
			return types.Attr{}, logOperationError(entryOperationErrorCounter, "set_attr", err)
		}
	}
	node.SetAccess(in.Mode, in.UID, in.GID)
	node.SetTimes(in.Atime, in.Mtime)
	return node.Attr(), nil
}

func (f *FileSystem) truncate(ctx context.Context, node *dentry.Node, fh uint64, size int64) error {
	if fh != 0 {
		h, err := f.files.Get(fh)
		if err != nil {
			return err
		}
		if h.node.ID != node.ID {
			return types.ErrInvalid
		}
		return h.truncate(ctx, f.engine, size)
	}

	if err := f.refresh(ctx, node); err != nil {
		return err
	}
	if node.Size() == size && !node.Pending() {
		return nil
	}
	w := f.engine.NewWriter(f.object(node))
	if err := w.Truncate(ctx, node.Key(), size); err != nil {
		return err
	}
	info, err := w.Commit(ctx, node.Key())
	if err != nil {
		w.Discard()
		return err
	}
	node.Committed(info)
	return nil
}

// Unlink deletes the object first, the node goes away only once the bucket
// no longer has it.
func (f *FileSystem) Unlink(ctx context.Context, parent uint64, name string) error {
	defer trace.StartRegion(ctx, "fs.Unlink").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(entryOperationLatency, "unlink", time.Now())
	dir, err := f.group(parent)
	if err != nil {
		return err
	}
	if err = f.waitMarker(ctx, dir); err != nil {
		return logOperationError(entryOperationErrorCounter, "unlink", err)
	}
	node, err := f.tree.Lookup(ctx, dir, name)
	if err != nil {
		return logOperationError(entryOperationErrorCounter, "unlink", err)
	}
	if node.IsGroup() {
		return types.ErrIsGroup
	}

	if !node.Pending() {
		err = f.storage.Delete(ctx, node.Key())
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			f.logger.Warnw("delete object failed", "key", node.Key(), "err", err)
			return logOperationError(entryOperationErrorCounter, "unlink", err)
		}
	}
	f.engine.Invalidate(f.object(node))
	if _, err = f.tree.Remove(dir, name); err != nil && !errors.Is(err, types.ErrNotFound) {
		return logOperationError(entryOperationErrorCounter, "unlink", err)
	}
	f.logger.Debugw("object removed", "key", node.Key(), "inode", node.ID)
	return nil
}

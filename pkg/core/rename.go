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
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basenana/bucketfs/pkg/dentry"
	"github.com/basenana/bucketfs/pkg/types"
)

const (
	RenameNoreplace = 0x1
	RenameExchange  = 0x2
	RenameWhiteout  = 0x4
)

// Rename copies and then deletes the objects, the tree follows only after the
// bucket side succeeded. A failed copy leaves every cached entry as it was.
func (f *FileSystem) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) error {
	defer trace.StartRegion(ctx, "fs.Rename").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(entryOperationLatency, "rename", time.Now())
	if flags&(RenameExchange|RenameWhiteout) != 0 {
		return types.ErrInvalid
	}
	if err := checkName(newName); err != nil {
		return err
	}

	oldDir, err := f.group(oldParent)
	if err != nil {
		return err
	}
	newDir, err := f.group(newParent)
	if err != nil {
		return err
	}
	for _, dir := range []*dentry.Node{oldDir, newDir} {
		if err = f.waitMarker(ctx, dir); err != nil {
			return logOperationError(entryOperationErrorCounter, "rename", err)
		}
	}

	node, err := f.tree.Lookup(ctx, oldDir, oldName)
	if err != nil {
		return logOperationError(entryOperationErrorCounter, "rename", err)
	}
	if node.IsGroup() {
		if err = f.waitMarker(ctx, node); err != nil {
			return logOperationError(entryOperationErrorCounter, "rename", err)
		}
		if node == newDir || f.tree.IsAncestor(node, newDir) {
			return types.ErrInvalid
		}
	}

	target, err := f.tree.Lookup(ctx, newDir, newName)
	switch {
	case err == nil:
		if target == node {
			return nil
		}
		if flags&RenameNoreplace != 0 {
			return types.ErrIsExist
		}
		if err = f.checkReplace(ctx, node, target); err != nil {
			return err
		}
	case errors.Is(err, types.ErrNotFound):
		target = nil
	default:
		return logOperationError(entryOperationErrorCounter, "rename", err)
	}

	newKey := types.FileKey(newDir.Key(), newName)
	if node.IsGroup() {
		newKey = types.DirKey(newDir.Key(), newName)
		err = f.renameDir(ctx, node, newKey)
	} else {
		err = f.renameFile(ctx, node, newKey)
	}
	if err != nil {
		f.logger.Warnw("rename failed, tree unchanged", "old", node.Key(), "new", newKey, "err", err)
		return logOperationError(entryOperationErrorCounter, "rename", err)
	}

	if _, err = f.tree.Move(oldDir, oldName, newDir, newName); err != nil {
		f.logger.Errorw("bucket renamed but tree move failed", "new", newKey, "err", err)
		f.tree.Invalidate(oldDir)
		f.tree.Invalidate(newDir)
		return logOperationError(entryOperationErrorCounter, "rename", err)
	}
	f.materialize(newDir)
	return nil
}

func (f *FileSystem) checkReplace(ctx context.Context, node, target *dentry.Node) error {
	switch {
	case node.IsGroup() && !target.IsGroup():
		return types.ErrNoGroup
	case !node.IsGroup() && target.IsGroup():
		return types.ErrIsGroup
	case target.IsGroup():
		if err := f.waitMarker(ctx, target); err != nil {
			return err
		}
		if err := f.tree.Refresh(ctx, target); err != nil {
			return err
		}
		empty, err := f.tree.IsEmpty(ctx, target)
		if err != nil {
			return err
		}
		if !empty {
			return types.ErrNotEmpty
		}
	}
	return nil
}

func (f *FileSystem) renameFile(ctx context.Context, node *dentry.Node, newKey string) error {
	if node.Pending() {
		return nil
	}
	oldKey := node.Key()
	info, err := f.storage.Copy(ctx, oldKey, newKey)
	if err != nil {
		return err
	}
	if err = f.storage.Delete(ctx, oldKey); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	f.engine.Invalidate(f.object(node))
	node.UpdateObject(info)
	return nil
}

// renameDir moves every object below the directory, copies first and deletes
// once every copy is done.
func (f *FileSystem) renameDir(ctx context.Context, node *dentry.Node, newKey string) error {
	if node.Pending() {
		// nothing below it reached the bucket yet
		return nil
	}
	oldKey := node.Key()
	objects, err := f.storage.List(ctx, oldKey, "")
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(objects)+1)
	if !f.prefixDirs {
		keys = append(keys, oldKey)
	}
	for _, obj := range objects {
		if obj.Key == oldKey {
			continue
		}
		keys = append(keys, obj.Key)
	}

	if err = f.batchKeys(ctx, keys, func(ctx context.Context, key string) error {
		_, err := f.storage.Copy(ctx, key, newKey+strings.TrimPrefix(key, oldKey))
		if errors.Is(err, types.ErrNotFound) && key == oldKey {
			// the directory had no marker object
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	return f.batchKeys(ctx, keys, func(ctx context.Context, key string) error {
		err := f.storage.Delete(ctx, key)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (f *FileSystem) batchKeys(ctx context.Context, keys []string, fn func(ctx context.Context, key string) error) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(f.renameConcurrency)
	for _, key := range keys {
		if egCtx.Err() != nil {
			break
		}
		key := key
		eg.Go(func() error {
			if egCtx.Err() != nil {
				return nil
			}
			return fn(ctx, key)
		})
	}
	return eg.Wait()
}

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
	"math"
	"runtime/trace"
	"sync"

	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/bio"
	"github.com/basenana/bucketfs/pkg/dentry"
	"github.com/basenana/bucketfs/pkg/inode"
	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	defaultFsMaxSize  = 1125899906842624
	fileNameMaxLength = 255
	workerQueueFactor = 4
)

type Info struct {
	AvailInodes uint64
	MaxSize     uint64
	UsageSize   uint64
	Objects     uint64
}

// FileSystem serves every filesystem operation against one bucket. The tree
// cache, the inode table and the handle tables are owned here and shared by
// all requests, each node and handle serializes its own mutations.
// Storage calls are detached from request cancellation: an interrupted
// request still runs them to completion or to the storage timeout.
type FileSystem struct {
	storage storage.Storage
	tree    *dentry.Tree
	inodes  *inode.Table
	files   *inode.HandleTable[*FileHandle]
	dirs    *inode.HandleTable[*DirHandle]
	engine  *bio.Engine
	pool    *utils.WorkerPool
	marker  storage.DirMarker
	markers sync.Map

	prefixDirs        bool
	asyncMkdir        bool
	renameConcurrency int
	logger            *zap.SugaredLogger
}

func NewFileSystem(s storage.Storage, cfg *config.FS) (*FileSystem, error) {
	if cfg == nil {
		return nil, errors.New("fs config not set")
	}
	if cfg.ChunkSize <= 0 {
		return nil, errors.New("chunk size not set")
	}

	owner := types.Access{}
	if cfg.Owner != nil {
		owner.UID = cfg.Owner.Uid
		owner.GID = cfg.Owner.Gid
	}

	pool := utils.NewWorkerPool("transfer", cfg.Workers, cfg.Workers*workerQueueFactor)
	f := &FileSystem{
		storage: s,
		tree: dentry.NewTree(s, dentry.Option{
			Staleness: cfg.StalenessDuration(),
			MaxNodes:  cfg.MaxNodes,
			Owner:     owner,
		}),
		inodes: inode.NewTable(),
		files:  inode.NewHandleTable[*FileHandle](),
		dirs:   inode.NewHandleTable[*DirHandle](),
		engine: bio.NewEngine(s, pool, bio.Option{
			ChunkSize:   cfg.ChunkSize,
			CacheChunks: cfg.CacheChunks,
		}),
		pool:              pool,
		marker:            storage.NewDirMarker(cfg.DirMarker, s),
		prefixDirs:        cfg.DirMarker == config.DirMarkerPrefix,
		asyncMkdir:        cfg.IsAsyncMkdir(),
		renameConcurrency: cfg.RenameConcurrency,
		logger:            logger.NewLogger("core.fs"),
	}
	if f.renameConcurrency <= 0 {
		f.renameConcurrency = 1
	}
	f.tree.SetPinChecker(f.inodes.Pinned)
	return f, nil
}

func (f *FileSystem) Root() types.Attr {
	return f.tree.Root().Attr()
}

func (f *FileSystem) FsInfo(ctx context.Context) Info {
	defer trace.StartRegion(ctx, "fs.FsInfo").End()
	return Info{
		AvailInodes: math.MaxUint32,
		MaxSize:     defaultFsMaxSize,
		Objects:     uint64(f.tree.Len()),
	}
}

// Stats is a point in time summary used by the admin endpoint.
func (f *FileSystem) Stats() map[string]int {
	return map[string]int{
		"cached_nodes":  f.tree.Len(),
		"inodes":        f.inodes.Count(),
		"open_files":    f.files.Len(),
		"open_dirs":     f.dirs.Len(),
		"chunk_size_kb": int(f.engine.ChunkSize() >> 10),
	}
}

// Close releases every handle still open and stops the worker pool.
func (f *FileSystem) Close(ctx context.Context) {
	var ids []uint64
	f.files.Range(func(id uint64, _ *FileHandle) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := f.Release(ctx, id); err != nil {
			f.logger.Errorw("release handle on close failed", "handle", id, "err", err)
		}
	}
	f.pool.Close()
	f.logger.Infow("all opened file closed")
}

// node finds an inode the kernel knows, detached nodes stay reachable
// while referenced.
func (f *FileSystem) node(id uint64) (*dentry.Node, error) {
	if node, ok := f.tree.Get(id); ok {
		return node, nil
	}
	return f.inodes.Get(id)
}

func (f *FileSystem) group(id uint64) (*dentry.Node, error) {
	node, err := f.node(id)
	if err != nil {
		return nil, err
	}
	if !node.IsGroup() {
		return nil, types.ErrNoGroup
	}
	return node, nil
}

// refresh revalidates stale file attributes with a Head. A listed object
// that vanished makes the parent relist once, a second miss after the
// relist still listed it means the cache can not be trusted.
func (f *FileSystem) refresh(ctx context.Context, node *dentry.Node) error {
	if node.IsGroup() || node.Pending() || node.Dirty() || !node.Stale(f.tree.Staleness()) {
		return nil
	}
	defer trace.StartRegion(ctx, "fs.refresh").End()

	info, err := f.storage.Head(ctx, node.Key())
	if err == nil {
		node.UpdateObject(info)
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	parent, ok := f.tree.Get(node.Parent())
	if !ok || node.Detached() {
		return types.ErrNotFound
	}
	f.logger.Infow("cached object vanished, relist parent", "key", node.Key())
	f.tree.Invalidate(parent)
	if err = f.tree.Refresh(ctx, parent); err != nil {
		return err
	}
	if node.Detached() {
		return types.ErrNotFound
	}

	info, err = f.storage.Head(ctx, node.Key())
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			f.logger.Errorw("listing and head disagree", "key", node.Key())
			return types.ErrInconsistent
		}
		return err
	}
	node.UpdateObject(info)
	return nil
}

// materialize clears the pending flag of implicit directories once some
// object exists below them.
func (f *FileSystem) materialize(node *dentry.Node) {
	for node.ID != dentry.RootInode && node.Pending() && node.IsGroup() {
		if _, waiting := f.markers.Load(node.ID); waiting {
			return
		}
		node.SetPending(false)
		parent, ok := f.tree.Get(node.Parent())
		if !ok {
			return
		}
		node = parent
	}
}

func (f *FileSystem) object(node *dentry.Node) bio.Object {
	return bio.Object{Key: node.Key(), Version: node.Version(), Size: node.Size()}
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return types.ErrInvalid
	}
	if len(name) > fileNameMaxLength {
		return types.ErrNameTooLong
	}
	for _, c := range name {
		if c == '/' {
			return types.ErrInvalid
		}
	}
	return nil
}

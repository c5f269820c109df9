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

package fuse

import (
	"context"
	"runtime/trace"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/core"
	"github.com/basenana/bucketfs/utils/logger"
)

// rawFileSystem answers kernel requests by inode number. Node and handle ids
// are the ones handed out by the core filesystem.
type rawFileSystem struct {
	fuse.RawFileSystem

	fs       *core.FileSystem
	entryTTL time.Duration
	attrTTL  time.Duration
	logger   *zap.SugaredLogger
}

var _ fuse.RawFileSystem = &rawFileSystem{}

func newRawFileSystem(fs *core.FileSystem, cfg config.FUSE) *rawFileSystem {
	return &rawFileSystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
		entryTTL:      cfg.EntryTTL(),
		attrTTL:       cfg.AttrTTL(),
		logger:        logger.NewLogger("fuse.raw"),
	}
}

func (r *rawFileSystem) String() string {
	return fsName
}

func requestContext(cancel <-chan struct{}, header *fuse.InHeader) context.Context {
	return &fuse.Context{Caller: header.Caller, Cancel: cancel}
}

func (r *rawFileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ctx := requestContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.Lookup").End()
	defer logOperationLatency("lookup", time.Now())

	attr, err := r.fs.Lookup(ctx, header.NodeId, name)
	if err != nil {
		return toStatus("lookup", err)
	}
	updateEntryOut(attr, r.entryTTL, r.attrTTL, out)
	return fuse.OK
}

func (r *rawFileSystem) Forget(nodeid, nlookup uint64) {
	r.fs.Forget(nodeid, nlookup)
}

func (r *rawFileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.GetAttr").End()
	defer logOperationLatency("get_attr", time.Now())

	attr, err := r.fs.GetAttr(ctx, input.NodeId)
	if err != nil {
		return toStatus("get_attr", err)
	}
	out.SetTimeout(r.attrTTL)
	updateFuseAttr(attr, &out.Attr)
	return fuse.OK
}

func (r *rawFileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.SetAttr").End()
	defer logOperationLatency("set_attr", time.Now())

	attr, err := r.fs.SetAttr(ctx, input.NodeId, setAttrFromFuse(input))
	if err != nil {
		return toStatus("set_attr", err)
	}
	out.SetTimeout(r.attrTTL)
	updateFuseAttr(attr, &out.Attr)
	return fuse.OK
}

func (r *rawFileSystem) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Mkdir").End()
	defer logOperationLatency("mkdir", time.Now())

	attr, err := r.fs.Mkdir(ctx, input.NodeId, name, input.Mode&^input.Umask, input.Uid, input.Gid)
	if err != nil {
		return toStatus("mkdir", err)
	}
	updateEntryOut(attr, r.entryTTL, r.attrTTL, out)
	return fuse.OK
}

func (r *rawFileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx := requestContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.Unlink").End()
	defer logOperationLatency("unlink", time.Now())
	return toStatus("unlink", r.fs.Unlink(ctx, header.NodeId, name))
}

func (r *rawFileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx := requestContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.Rmdir").End()
	defer logOperationLatency("rmdir", time.Now())
	return toStatus("rmdir", r.fs.Rmdir(ctx, header.NodeId, name))
}

func (r *rawFileSystem) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Rename").End()
	defer logOperationLatency("rename", time.Now())
	return toStatus("rename", r.fs.Rename(ctx, input.NodeId, oldName, input.Newdir, newName, input.Flags))
}

func (r *rawFileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Create").End()
	defer logOperationLatency("create", time.Now())

	attr, fh, err := r.fs.Create(ctx, input.NodeId, name, input.Flags, input.Mode&^input.Umask, input.Uid, input.Gid)
	if err != nil {
		return toStatus("create", err)
	}
	updateEntryOut(attr, r.entryTTL, r.attrTTL, &out.EntryOut)
	out.Fh = fh
	return fuse.OK
}

func (r *rawFileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Open").End()
	defer logOperationLatency("open", time.Now())

	fh, err := r.fs.Open(ctx, input.NodeId, input.Flags)
	if err != nil {
		return toStatus("open", err)
	}
	out.Fh = fh
	return fuse.OK
}

func (r *rawFileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Read").End()
	defer logOperationLatency("read", time.Now())

	if int(input.Size) < len(buf) {
		buf = buf[:input.Size]
	}
	n, err := r.fs.Read(ctx, input.Fh, buf, int64(input.Offset))
	if err != nil {
		return nil, toStatus("read", err)
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

func (r *rawFileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Write").End()
	defer logOperationLatency("write", time.Now())

	n, err := r.fs.Write(ctx, input.Fh, data, int64(input.Offset))
	if err != nil {
		return uint32(n), toStatus("write", err)
	}
	return uint32(n), fuse.OK
}

func (r *rawFileSystem) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Flush").End()
	defer logOperationLatency("flush", time.Now())
	return toStatus("flush", r.fs.Flush(ctx, input.Fh))
}

func (r *rawFileSystem) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Fsync").End()
	defer logOperationLatency("fsync", time.Now())
	return toStatus("fsync", r.fs.Fsync(ctx, input.Fh))
}

// Release has no reply status, close(2) already got the flush result and
// the failure was counted there.
func (r *rawFileSystem) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.Release").End()
	defer logOperationLatency("release", time.Now())
	if err := r.fs.Release(ctx, input.Fh); err != nil {
		r.logger.Warnw("release file failed", "inode", input.NodeId, "handle", input.Fh, "err", err)
	}
}

func (r *rawFileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.OpenDir").End()
	defer logOperationLatency("open_dir", time.Now())

	fh, err := r.fs.OpenDir(ctx, input.NodeId)
	if err != nil {
		return toStatus("open_dir", err)
	}
	out.Fh = fh
	return fuse.OK
}

func (r *rawFileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.ReadDir").End()
	defer logOperationLatency("read_dir", time.Now())

	entries, err := r.fs.ReadDir(ctx, input.Fh, input.Offset)
	if err != nil {
		return toStatus("read_dir", err)
	}
	for _, en := range entries {
		if !out.AddDirEntry(dirEntry(en)) {
			break
		}
	}
	return fuse.OK
}

// ReadDirPlus hands out a lookup reference for every entry it returns
// except the dot entries.
func (r *rawFileSystem) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ctx := requestContext(cancel, &input.InHeader)
	defer trace.StartRegion(ctx, "fuse.ReadDirPlus").End()
	defer logOperationLatency("read_dir_plus", time.Now())

	entries, err := r.fs.ReadDir(ctx, input.Fh, input.Offset)
	if err != nil {
		return toStatus("read_dir_plus", err)
	}
	for _, en := range entries {
		entryOut := out.AddDirLookupEntry(dirEntry(en))
		if entryOut == nil {
			break
		}
		attr, ok := r.fs.Remember(en)
		if !ok {
			continue
		}
		updateEntryOut(attr, r.entryTTL, r.attrTTL, entryOut)
	}
	return fuse.OK
}

func (r *rawFileSystem) ReleaseDir(input *fuse.ReleaseIn) {
	r.fs.ReleaseDir(input.Fh)
}

func (r *rawFileSystem) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	ctx := requestContext(cancel, header)
	defer trace.StartRegion(ctx, "fuse.StatFs").End()
	defer logOperationLatency("stat_fs", time.Now())
	fsInfo2StatFs(r.fs.FsInfo(ctx), out)
	return fuse.OK
}

func dirEntry(en core.DirEntry) fuse.DirEntry {
	return fuse.DirEntry{Name: en.Name, Ino: en.Inode, Mode: modeFromFileKind(en.Kind)}
}

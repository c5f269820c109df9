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
	"errors"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/basenana/bucketfs/pkg/core"
	"github.com/basenana/bucketfs/pkg/types"
)

const (
	fileBlockSize = 1 << 12 // 4k
	statBlockSize = 512
	NoErr         = syscall.Errno(0)
	nameMaxLength = 255
)

var (
	operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fuse_operation_latency_seconds",
			Help:    "The latency of fuse operation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 5, 10),
		},
		[]string{"operation"},
	)
	unexpectedErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fuse_unexpected_errors",
			Help: "This count of fuse operation encountering unexpected errors",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		operationLatency,
		unexpectedErrorCounter,
	)
}

// Error2FuseSysError maps filesystem errors to the errno replied to the kernel.
// Anything without a dedicated errno is an I/O error.
func Error2FuseSysError(operation string, err error) syscall.Errno {
	if err == nil {
		return NoErr
	}
	switch {
	case errors.Is(err, types.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, types.ErrIsExist):
		return unix.EEXIST
	case errors.Is(err, types.ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, types.ErrNoGroup):
		return unix.ENOTDIR
	case errors.Is(err, types.ErrIsGroup):
		return unix.EISDIR
	case errors.Is(err, types.ErrNoAccess), errors.Is(err, types.ErrNoPerm):
		return unix.EACCES
	case errors.Is(err, types.ErrInvalid):
		return unix.EINVAL
	case errors.Is(err, types.ErrNameTooLong):
		return unix.ENAMETOOLONG
	}
	unexpectedErrorCounter.WithLabelValues(operation).Inc()
	return unix.EIO
}

func toStatus(operation string, err error) fuse.Status {
	return fuse.Status(Error2FuseSysError(operation, err))
}

func modeFromFileKind(kind types.Kind) uint32 {
	if types.IsGroup(kind) {
		return unix.S_IFDIR
	}
	return unix.S_IFREG
}

func updateFuseAttr(attr types.Attr, out *fuse.Attr) {
	out.Ino = attr.Inode
	out.Size = uint64(attr.Size)
	out.Blocks = (out.Size + statBlockSize - 1) / statBlockSize
	out.Blksize = fileBlockSize
	out.Mode = modeFromFileKind(attr.Kind) | attr.Access.Mode
	out.Nlink = 1
	if types.IsGroup(attr.Kind) {
		out.Nlink = 2
	}
	out.Owner = fuse.Owner{Uid: attr.Access.UID, Gid: attr.Access.GID}
	mtime := attr.ModTime
	out.SetTimes(&mtime, &mtime, &mtime)
}

func updateEntryOut(attr types.Attr, entryTTL, attrTTL time.Duration, out *fuse.EntryOut) {
	out.NodeId = attr.Inode
	out.Generation = 1
	out.SetEntryTimeout(entryTTL)
	out.SetAttrTimeout(attrTTL)
	updateFuseAttr(attr, &out.Attr)
}

func setAttrFromFuse(in *fuse.SetAttrIn) core.SetAttr {
	var attr core.SetAttr
	if mode, ok := in.GetMode(); ok {
		attr.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		attr.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		attr.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		attr.Size = &size
	}
	if atime, ok := in.GetATime(); ok {
		attr.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		attr.Mtime = &mtime
	}
	if fh, ok := in.GetFh(); ok {
		attr.Handle = fh
	}
	return attr
}

func fsInfo2StatFs(info core.Info, out *fuse.StatfsOut) {
	out.Blocks = info.MaxSize / fileBlockSize
	out.Bfree = (info.MaxSize - info.UsageSize) / fileBlockSize
	out.Bavail = out.Bfree
	out.Files = info.AvailInodes
	out.Ffree = info.AvailInodes - info.Objects
	out.Bsize = uint32(fileBlockSize)
	out.Frsize = uint32(fileBlockSize)
	out.NameLen = nameMaxLength
}

func logOperationLatency(operation string, startAt time.Time) {
	operationLatency.WithLabelValues(operation).Observe(time.Since(startAt).Seconds())
}

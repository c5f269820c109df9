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
	"fmt"
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/basenana/bucketfs/pkg/bio"
	"github.com/basenana/bucketfs/pkg/dentry"
	"github.com/basenana/bucketfs/pkg/types"
)

type HandleState int

const (
	StateClosed HandleState = iota
	StateOpen
	StateReading
	StateWriting
	StateFlushing
	StateFlushFailed
)

func (s HandleState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateFlushing:
		return "flushing"
	case StateFlushFailed:
		return "flush_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FileHandle is one open session on a file. Reads run concurrently, writes
// and flushes are serialized by the writer.
type FileHandle struct {
	ID    uint64
	node  *dentry.Node
	flags uint32

	mux      sync.Mutex
	flushMux sync.Mutex
	state    HandleState
	readers  int
	writer   *bio.Writer
	failed   error
}

func newFileHandle(node *dentry.Node, flags uint32) *FileHandle {
	h := &FileHandle{node: node, flags: flags, state: StateOpen}
	fileHandleStateGauge.WithLabelValues(StateOpen.String()).Inc()
	return h
}

func (h *FileHandle) State() HandleState {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.state
}

// Err is the error of the last failed flush.
func (h *FileHandle) Err() error {
	h.mux.Lock()
	defer h.mux.Unlock()
	return h.failed
}

func (h *FileHandle) writable() bool {
	mode := h.flags & syscall.O_ACCMODE
	return mode == syscall.O_WRONLY || mode == syscall.O_RDWR
}

// setState must be called with mux held.
func (h *FileHandle) setState(state HandleState) {
	if h.state == state {
		return
	}
	fileHandleStateGauge.WithLabelValues(h.state.String()).Dec()
	fileHandleStateGauge.WithLabelValues(state.String()).Inc()
	h.state = state
}

func (h *FileHandle) beginRead() (*bio.Writer, error) {
	h.mux.Lock()
	defer h.mux.Unlock()
	if h.state == StateClosed {
		return nil, types.ErrInvalid
	}
	h.readers++
	if h.state == StateOpen {
		h.setState(StateReading)
	}
	return h.writer, nil
}

func (h *FileHandle) endRead() {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.readers--
	if h.readers == 0 && h.state == StateReading {
		h.setState(StateOpen)
	}
}

// beginWrite returns the writer of the handle, creating it on first use.
func (h *FileHandle) beginWrite(engine *bio.Engine, obj bio.Object) (*bio.Writer, error) {
	h.mux.Lock()
	defer h.mux.Unlock()
	if h.state == StateClosed {
		return nil, types.ErrInvalid
	}
	if h.writer == nil {
		h.writer = engine.NewWriter(obj)
		h.node.BeginWrite()
	}
	if h.state != StateFlushing {
		h.setState(StateWriting)
	}
	return h.writer, nil
}

func (h *FileHandle) truncate(ctx context.Context, engine *bio.Engine, size int64) error {
	w, err := h.beginWrite(engine, bio.Object{Key: h.node.Key(), Version: h.node.Version(), Size: h.node.Size()})
	if err != nil {
		return err
	}
	if err = w.Truncate(ctx, h.node.Key(), size); err != nil {
		return err
	}
	h.node.SetSize(w.Size())
	return nil
}

// flush commits the dirty content. A failure keeps the data and leaves the
// handle in the failed state until a later flush succeeds.
func (h *FileHandle) flush(ctx context.Context) (*types.ObjectInfo, error) {
	h.flushMux.Lock()
	defer h.flushMux.Unlock()

	h.mux.Lock()
	w := h.writer
	if w == nil || !w.Dirty() {
		if h.state == StateWriting {
			h.setState(StateOpen)
		}
		h.mux.Unlock()
		return nil, nil
	}
	h.setState(StateFlushing)
	h.mux.Unlock()

	info, err := w.Commit(ctx, h.node.Key())

	h.mux.Lock()
	defer h.mux.Unlock()
	if err != nil {
		h.failed = err
		h.setState(StateFlushFailed)
		return nil, err
	}
	h.failed = nil
	if w.Dirty() {
		// written again while the commit was running
		h.setState(StateWriting)
	} else {
		h.setState(StateOpen)
	}
	return &info, nil
}

func (h *FileHandle) close() {
	h.mux.Lock()
	defer h.mux.Unlock()
	if h.writer != nil {
		if h.writer.Dirty() {
			h.writer.Discard()
		}
		h.node.EndWrite()
		h.writer = nil
	}
	if h.state != StateClosed {
		fileHandleStateGauge.WithLabelValues(h.state.String()).Dec()
		h.state = StateClosed
	}
}

// Open starts a handle on a file, O_TRUNC empties it through the handle writer.
func (f *FileSystem) Open(ctx context.Context, id uint64, flags uint32) (uint64, error) {
	defer trace.StartRegion(ctx, "fs.Open").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "open", time.Now())
	node, err := f.node(id)
	if err != nil {
		return 0, logOperationError(fileOperationErrorCounter, "open", err)
	}
	if node.IsGroup() {
		return 0, types.ErrIsGroup
	}
	if err = f.refresh(ctx, node); err != nil {
		return 0, logOperationError(fileOperationErrorCounter, "open", err)
	}

	h := newFileHandle(node, flags)
	if flags&syscall.O_TRUNC != 0 && h.writable() {
		if err = h.truncate(ctx, f.engine, 0); err != nil {
			h.close()
			return 0, logOperationError(fileOperationErrorCounter, "open", err)
		}
	}
	f.inodes.Opened(node)
	h.ID = f.files.Add(h)
	f.logger.Debugw("file opened", "key", node.Key(), "handle", h.ID, "flags", flags)
	return h.ID, nil
}

// Create adds a pending file visible at once. Its object is written by the
// first flush or the release of the returned handle.
func (f *FileSystem) Create(ctx context.Context, parent uint64, name string, flags, mode, uid, gid uint32) (types.Attr, uint64, error) {
	defer trace.StartRegion(ctx, "fs.Create").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "create", time.Now())
	if err := checkName(name); err != nil {
		return types.Attr{}, 0, err
	}
	dir, err := f.group(parent)
	if err != nil {
		return types.Attr{}, 0, err
	}
	if err = f.waitMarker(ctx, dir); err != nil {
		return types.Attr{}, 0, logOperationError(fileOperationErrorCounter, "create", err)
	}
	if _, err = f.tree.Lookup(ctx, dir, name); err == nil {
		return types.Attr{}, 0, types.ErrIsExist
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Attr{}, 0, logOperationError(fileOperationErrorCounter, "create", err)
	}

	node, err := f.tree.Insert(dir, name, types.FileKind, true)
	if err != nil {
		return types.Attr{}, 0, logOperationError(fileOperationErrorCounter, "create", err)
	}
	mode &= 07777
	node.SetAccess(&mode, &uid, &gid)

	h := newFileHandle(node, flags)
	w, err := h.beginWrite(f.engine, bio.Object{Key: node.Key()})
	if err != nil {
		return types.Attr{}, 0, err
	}
	w.Touch()

	f.inodes.Ref(node, 1)
	f.inodes.Opened(node)
	h.ID = f.files.Add(h)
	f.logger.Debugw("file created", "key", node.Key(), "handle", h.ID)
	return node.Attr(), h.ID, nil
}

// Read serves dirty data of the handle first, the rest from the committed object.
func (f *FileSystem) Read(ctx context.Context, fh uint64, dest []byte, off int64) (int, error) {
	defer trace.StartRegion(ctx, "fs.Read").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "read", time.Now())
	h, err := f.files.Get(fh)
	if err != nil {
		return 0, err
	}
	w, err := h.beginRead()
	if err != nil {
		return 0, err
	}
	defer h.endRead()

	var n int
	if w != nil {
		n, err = w.ReadAt(ctx, h.node.Key(), dest, off)
	} else {
		n, err = f.engine.Read(ctx, f.object(h.node), dest, off)
	}
	if err != nil {
		f.logger.Warnw("read file failed", "key", h.node.Key(), "off", off, "err", err)
		return 0, logOperationError(fileOperationErrorCounter, "read", err)
	}
	h.node.SetTimes(timeRef(time.Now()), nil)
	return n, nil
}

func (f *FileSystem) Write(ctx context.Context, fh uint64, data []byte, off int64) (int, error) {
	defer trace.StartRegion(ctx, "fs.Write").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "write", time.Now())
	h, err := f.files.Get(fh)
	if err != nil {
		return 0, err
	}
	if !h.writable() {
		return 0, types.ErrNoPerm
	}
	w, err := h.beginWrite(f.engine, f.object(h.node))
	if err != nil {
		return 0, err
	}
	n, err := w.WriteAt(ctx, h.node.Key(), data, off)
	if err != nil {
		return n, logOperationError(fileOperationErrorCounter, "write", err)
	}
	h.node.SetSize(w.Size())
	return n, nil
}

// Flush commits the handle, close(2) reports what this returns.
func (f *FileSystem) Flush(ctx context.Context, fh uint64) error {
	defer trace.StartRegion(ctx, "fs.Flush").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "flush", time.Now())
	h, err := f.files.Get(fh)
	if err != nil {
		return err
	}
	return logOperationError(fileOperationErrorCounter, "flush", f.commit(ctx, h))
}

func (f *FileSystem) Fsync(ctx context.Context, fh uint64) error {
	defer trace.StartRegion(ctx, "fs.Fsync").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "fsync", time.Now())
	h, err := f.files.Get(fh)
	if err != nil {
		return err
	}
	return logOperationError(fileOperationErrorCounter, "fsync", f.commit(ctx, h))
}

// Release flushes what is left and destroys the handle. Data that still can
// not be committed is dropped and the error returned.
func (f *FileSystem) Release(ctx context.Context, fh uint64) error {
	defer trace.StartRegion(ctx, "fs.Release").End()
	ctx = context.WithoutCancel(ctx)
	defer logOperationLatency(fileOperationLatency, "release", time.Now())
	h, err := f.files.Remove(fh)
	if err != nil {
		return err
	}

	err = f.commit(ctx, h)
	if err != nil {
		f.logger.Errorw("release with unflushed data, data dropped", "key", h.node.Key(), "handle", fh, "err", err)
	}
	h.close()
	if h.node.Pending() && !h.node.IsGroup() {
		// never reached the bucket
		f.tree.Detach(h.node)
	}
	f.inodes.Closed(h.node.ID)
	return logOperationError(fileOperationErrorCounter, "release", err)
}

func (f *FileSystem) commit(ctx context.Context, h *FileHandle) error {
	if h.node.Detached() {
		h.mux.Lock()
		if h.writer != nil {
			h.writer.Discard()
		}
		h.mux.Unlock()
		return nil
	}
	info, err := h.flush(ctx)
	if err != nil {
		return err
	}
	if info != nil {
		h.node.Committed(*info)
		if parent, ok := f.tree.Get(h.node.Parent()); ok {
			f.materialize(parent)
		}
		f.logger.Debugw("file committed", "key", info.Key, "size", info.Size, "handle", h.ID)
	}
	return nil
}

func timeRef(t time.Time) *time.Time {
	return &t
}

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

package bio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
)

// Writer accumulates the dirty chunks of one open handle. Calls on a Writer
// are serialized, a commit uploads the whole object as one new revision.
type Writer struct {
	engine *Engine

	mux      sync.RWMutex
	base     Object
	srcSize  int64
	size     int64
	dirty    map[int64]*Chunk
	modified bool
	failed   error
}

// Touch forces the next commit even when nothing was written.
func (w *Writer) Touch() {
	w.mux.Lock()
	w.modified = true
	w.mux.Unlock()
}

func (w *Writer) Dirty() bool {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return w.modified
}

func (w *Writer) Size() int64 {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return w.size
}

// Failed returns the error of the last commit, nil once a commit succeeds.
func (w *Writer) Failed() error {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return w.failed
}

func (w *Writer) DirtyChunks() int {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return len(w.dirty)
}

func (w *Writer) WriteAt(ctx context.Context, key string, data []byte, off int64) (int, error) {
	defer utils.TraceRegion(ctx, "bio.writer.writeat")()
	defer logLatency(chunkWriterLatency, "write", time.Now())
	if off < 0 {
		return 0, types.ErrInvalid
	}
	if len(data) == 0 {
		return 0, nil
	}

	w.mux.Lock()
	defer w.mux.Unlock()

	if end := off + int64(len(data)); end > w.size {
		if err := w.grow(ctx, key, end); err != nil {
			return 0, logErr(chunkWriteErrorCounter, err, "grow")
		}
	}

	var (
		total = int64(len(data))
		n     int64
	)
	for n < total {
		idx, pos := computeChunkIndex(off+n, w.engine.chunkSize)
		chunk, err := w.load(ctx, key, idx)
		if err != nil {
			return int(n), logErr(chunkWriteErrorCounter, err, "load")
		}
		once := minOff(total-n, w.engine.chunkSize-pos)
		if int64(len(chunk.Data)) < pos+once {
			chunk.resize(pos + once)
		}
		copy(chunk.Data[pos:pos+once], data[n:n+once])
		n += once
	}
	w.modified = true
	return int(n), nil
}

// ReadAt reads through the dirty chunks, the rest comes from the committed revision.
func (w *Writer) ReadAt(ctx context.Context, key string, dest []byte, off int64) (int, error) {
	defer logLatency(chunkReaderLatency, "read_dirty", time.Now())
	w.mux.RLock()
	defer w.mux.RUnlock()
	return w.engine.read(ctx, w.source(key), w.srcSize, w.size, dest, off, func(idx int64) []byte {
		if c, ok := w.dirty[idx]; ok {
			return c.Data
		}
		return nil
	})
}

func (w *Writer) Truncate(ctx context.Context, key string, size int64) error {
	defer utils.TraceRegion(ctx, "bio.writer.truncate")()
	if size < 0 {
		return types.ErrInvalid
	}

	w.mux.Lock()
	defer w.mux.Unlock()

	switch {
	case size == w.size:
		return nil
	case size > w.size:
		if err := w.grow(ctx, key, size); err != nil {
			return logErr(chunkWriteErrorCounter, err, "truncate")
		}
		w.modified = true
		return nil
	}

	for idx, c := range w.dirty {
		if c.Offset >= size {
			delete(w.dirty, idx)
			chunkDirtyGauge.Dec()
		}
	}
	if idx, pos := computeChunkIndex(size, w.engine.chunkSize); pos != 0 {
		chunk, err := w.load(ctx, key, idx)
		if err != nil {
			return logErr(chunkWriteErrorCounter, err, "truncate")
		}
		chunk.resize(pos)
	}
	w.srcSize = minOff(w.srcSize, size)
	w.size = size
	w.modified = true
	return nil
}

// Commit uploads the current content to key. A failed commit keeps every
// dirty chunk so the caller can commit again, uploaded parts are left as is.
func (w *Writer) Commit(ctx context.Context, key string) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "bio.writer.commit")()
	defer logLatency(chunkWriterLatency, "commit", time.Now())

	w.mux.Lock()
	defer w.mux.Unlock()

	var (
		info types.ObjectInfo
		err  error
	)
	if w.size <= w.engine.chunkSize {
		info, err = w.putSingle(ctx, key)
	} else {
		info, err = w.putMultipart(ctx, key)
	}
	if err != nil {
		w.failed = err
		return types.ObjectInfo{}, logErr(chunkWriteErrorCounter, err, "commit")
	}

	info.Key = key
	info.Size = w.size
	if info.ModTime.IsZero() {
		info.ModTime = time.Now()
	}
	version := info.Version()
	for idx, c := range w.dirty {
		w.engine.seed(key, version, idx, c.Data)
	}
	chunkDirtyGauge.Sub(float64(len(w.dirty)))
	w.dirty = map[int64]*Chunk{}
	w.base = Object{Key: key, Version: version, Size: w.size}
	w.srcSize = w.size
	w.modified = false
	w.failed = nil
	return info, nil
}

// Discard drops every dirty chunk, the committed revision stays untouched.
func (w *Writer) Discard() {
	w.mux.Lock()
	defer w.mux.Unlock()
	chunkDirtyGauge.Sub(float64(len(w.dirty)))
	w.dirty = map[int64]*Chunk{}
	w.srcSize = w.base.Size
	w.size = w.base.Size
	w.modified = false
}

func (w *Writer) putSingle(ctx context.Context, key string) (types.ObjectInfo, error) {
	defer logLatency(chunkCommitPartLatency, "put", time.Now())
	data := []byte{}
	if w.size > 0 {
		var ok bool
		data, ok = w.partData(0)
		if !ok {
			fetched, err := w.engine.fetch(ctx, w.source(key), 0)
			if err != nil {
				return types.ObjectInfo{}, err
			}
			data = make([]byte, w.size)
			copy(data, w.engine.visible(fetched, 0, w.srcSize))
		}
	}

	expect := checksum(data)
	info, err := w.engine.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return types.ObjectInfo{}, err
	}
	if err = verifyChecksum(key, 1, expect, info.ETag); err != nil {
		return types.ObjectInfo{}, err
	}
	return info, nil
}

func (w *Writer) putMultipart(ctx context.Context, key string) (types.ObjectInfo, error) {
	st := w.engine.storage
	uploadID, err := st.CreateMultipart(ctx, key)
	if err != nil {
		return types.ObjectInfo{}, err
	}

	var (
		cs    = w.engine.chunkSize
		count = chunkCount(w.size, cs)
		parts = make([]types.CompletedPart, count)
		batch = w.engine.pool.NewBatch()
	)
	for idx := int64(0); idx < count; idx++ {
		var (
			number = int32(idx + 1)
			start  = idx * cs
			length = minOff(cs, w.size-start)
		)
		data, upload := w.partData(idx)
		if !upload {
			batch.Go(ctx, func(ctx context.Context) error {
				defer logLatency(chunkCommitPartLatency, "copy", time.Now())
				etag, err := st.CopyPart(ctx, key, uploadID, number, key, start, length)
				if err != nil {
					return err
				}
				parts[number-1] = types.CompletedPart{Number: number, ETag: etag}
				return nil
			})
			continue
		}

		expect := checksum(data)
		batch.Go(ctx, func(ctx context.Context) error {
			defer logLatency(chunkCommitPartLatency, "upload", time.Now())
			etag, err := st.UploadPart(ctx, key, uploadID, number, bytes.NewReader(data), int64(len(data)))
			if err != nil {
				return err
			}
			if err = verifyChecksum(key, number, expect, etag); err != nil {
				return err
			}
			parts[number-1] = types.CompletedPart{Number: number, ETag: etag}
			return nil
		})
	}
	if err = batch.Wait(); err != nil {
		w.engine.logger.Warnw("commit multipart failed, uploaded parts are kept",
			"key", key, "upload", uploadID, "batch", batch.ID, "err", err)
		return types.ObjectInfo{}, fmt.Errorf("commit %s: %w", key, err)
	}
	return st.CompleteMultipart(ctx, key, uploadID, parts)
}

// partData returns the bytes to upload for a chunk, or false when the chunk
// is unchanged in the committed revision and can be copied server side.
func (w *Writer) partData(idx int64) ([]byte, bool) {
	start := idx * w.engine.chunkSize
	length := minOff(w.engine.chunkSize, w.size-start)
	if c, ok := w.dirty[idx]; ok {
		c.resize(length)
		return c.Data, true
	}
	if start >= w.srcSize {
		return make([]byte, length), true
	}
	return nil, false
}

// grow extends the logical size. A partial last chunk becomes dirty so every
// chunk but the last stays exactly one chunk long.
func (w *Writer) grow(ctx context.Context, key string, size int64) error {
	if idx, pos := computeChunkIndex(w.size, w.engine.chunkSize); pos != 0 {
		chunk, err := w.load(ctx, key, idx)
		if err != nil {
			return err
		}
		chunk.resize(minOff(w.engine.chunkSize, size-idx*w.engine.chunkSize))
	}
	w.size = size
	return nil
}

// load returns the dirty chunk idx, reading the committed bytes first.
func (w *Writer) load(ctx context.Context, key string, idx int64) (*Chunk, error) {
	if c, ok := w.dirty[idx]; ok {
		return c, nil
	}
	c := &Chunk{Index: idx, Offset: idx * w.engine.chunkSize, Data: []byte{}}
	if c.Offset < w.srcSize {
		data, err := w.engine.fetch(ctx, w.source(key), idx)
		if err != nil {
			return nil, err
		}
		data = w.engine.visible(data, idx, w.srcSize)
		c.Data = append(make([]byte, 0, len(data)), data...)
	}
	w.dirty[idx] = c
	chunkDirtyGauge.Inc()
	return c, nil
}

// source is the committed revision, read under the current key.
func (w *Writer) source(key string) Object {
	return Object{Key: key, Version: w.base.Version, Size: w.base.Size}
}

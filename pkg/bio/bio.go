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
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluele/gcache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	defaultCacheChunks = 64
)

// Object is the committed revision a read is served from.
type Object struct {
	Key     string
	Version string
	Size    int64
}

type Option struct {
	ChunkSize   int64
	CacheChunks int
}

// Engine splits byte range I/O into chunk transfers run on the worker pool.
// Clean chunks are kept in an LRU ring keyed by object revision.
type Engine struct {
	storage   storage.Storage
	pool      *utils.WorkerPool
	chunkSize int64
	cache     gcache.Cache
	fetching  singleflight.Group
	logger    *zap.SugaredLogger
}

func NewEngine(s storage.Storage, pool *utils.WorkerPool, opt Option) *Engine {
	if opt.CacheChunks <= 0 {
		opt.CacheChunks = defaultCacheChunks
	}
	return &Engine{
		storage:   s,
		pool:      pool,
		chunkSize: opt.ChunkSize,
		cache:     gcache.New(opt.CacheChunks).LRU().Build(),
		logger:    logger.NewLogger("bio"),
	}
}

func (e *Engine) ChunkSize() int64 {
	return e.chunkSize
}

// Read fills dest from obj starting at off. Reads at or past the end of the
// object return zero bytes.
func (e *Engine) Read(ctx context.Context, obj Object, dest []byte, off int64) (int, error) {
	defer logLatency(chunkReaderLatency, "read", time.Now())
	return e.read(ctx, obj, obj.Size, obj.Size, dest, off, nil)
}

func (e *Engine) NewWriter(obj Object) *Writer {
	return &Writer{
		engine:  e,
		base:    obj,
		srcSize: obj.Size,
		size:    obj.Size,
		dirty:   map[int64]*Chunk{},
	}
}

// Invalidate drops the cached chunks of one object revision.
func (e *Engine) Invalidate(obj Object) {
	for idx := int64(0); idx < chunkCount(obj.Size, e.chunkSize); idx++ {
		e.cache.Remove(chunkCacheKey(obj.Key, obj.Version, idx))
	}
}

// read assembles size logical bytes. Chunks returned by overlay win, the
// others come from src and bytes past limit read as zeros.
func (e *Engine) read(ctx context.Context, src Object, limit, size int64, dest []byte, off int64, overlay func(idx int64) []byte) (int, error) {
	defer utils.TraceRegion(ctx, "bio.engine.read")()
	if off >= size || len(dest) == 0 {
		return 0, nil
	}
	end := minOff(off+int64(len(dest)), size)
	first, _ := computeChunkIndex(off, e.chunkSize)
	last, _ := computeChunkIndex(end-1, e.chunkSize)

	var (
		chunks = make([][]byte, last-first+1)
		batch  *utils.Batch
	)
	for idx := first; idx <= last; idx++ {
		if overlay != nil {
			if data := overlay(idx); data != nil {
				chunks[idx-first] = data
				continue
			}
		}
		if idx*e.chunkSize >= limit {
			continue
		}
		if data, ok := e.cached(src, idx); ok {
			chunks[idx-first] = e.visible(data, idx, limit)
			continue
		}
		if batch == nil {
			batch = e.pool.NewBatch()
		}
		chunkIdx := idx
		batch.Go(ctx, func(ctx context.Context) error {
			data, err := e.fetch(ctx, src, chunkIdx)
			if err != nil {
				return err
			}
			chunks[chunkIdx-first] = e.visible(data, chunkIdx, limit)
			return nil
		})
	}
	if batch != nil {
		if err := batch.Wait(); err != nil {
			return 0, logErr(chunkReadErrorCounter, err, "fetch")
		}
	}

	n := 0
	for idx := first; idx <= last; idx++ {
		chunkStart := idx * e.chunkSize
		from := maxOff(off, chunkStart)
		to := minOff(end, chunkStart+e.chunkSize)
		dst := dest[from-off : to-off]
		data := chunks[idx-first]

		copied := 0
		if pos := from - chunkStart; pos < int64(len(data)) {
			copied = copy(dst, data[pos:])
		}
		clear(dst[copied:])
		n += len(dst)
	}
	return n, nil
}

// visible cuts a clean chunk at limit, cached slices are shared and only resliced.
func (e *Engine) visible(data []byte, idx, limit int64) []byte {
	if visible := limit - idx*e.chunkSize; visible < int64(len(data)) {
		return data[:maxOff(visible, 0)]
	}
	return data
}

func (e *Engine) cached(src Object, idx int64) ([]byte, bool) {
	val, err := e.cache.Get(chunkCacheKey(src.Key, src.Version, idx))
	if err != nil {
		chunkCacheCounter.WithLabelValues("miss").Inc()
		return nil, false
	}
	chunkCacheCounter.WithLabelValues("hit").Inc()
	return val.([]byte), true
}

// fetch loads one clean chunk. Concurrent fetches of the same chunk share one
// storage request, and the result is never mutated once cached.
func (e *Engine) fetch(ctx context.Context, src Object, idx int64) ([]byte, error) {
	if data, ok := e.cached(src, idx); ok {
		return data, nil
	}
	cacheKey := chunkCacheKey(src.Key, src.Version, idx)
	val, err, _ := e.fetching.Do(cacheKey, func() (interface{}, error) {
		chunkReadingGauge.Inc()
		defer chunkReadingGauge.Dec()
		defer logLatency(chunkReaderLatency, "fetch", time.Now())

		start := idx * e.chunkSize
		length := minOff(e.chunkSize, src.Size-start)
		rc, err := e.storage.Get(ctx, src.Key, start, length)
		if err != nil {
			return nil, fmt.Errorf("fetch chunk %d of %s: %w", idx, src.Key, err)
		}
		defer rc.Close()

		buf := make([]byte, length)
		n, err := io.ReadFull(rc, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("fetch chunk %d of %s: %w", idx, src.Key, err)
		}
		if int64(n) < length {
			e.logger.Warnw("object shorter than expected", "key", src.Key, "chunk", idx, "expect", length, "got", n)
		}
		buf = buf[:n]
		_ = e.cache.Set(cacheKey, buf)
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]byte), nil
}

func (e *Engine) seed(key, version string, idx int64, data []byte) {
	_ = e.cache.Set(chunkCacheKey(key, version, idx), data)
}

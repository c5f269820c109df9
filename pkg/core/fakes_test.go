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
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/pkg/types"
)

// failCopyStorage refuses every server side copy with a transient error.
type failCopyStorage struct {
	*storage.MemoryStorage
	copies int32
}

func (s *failCopyStorage) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	atomic.AddInt32(&s.copies, 1)
	return types.ObjectInfo{}, fmt.Errorf("%w: copy %s refused", types.ErrTransient, src)
}

// corruptStorage flips a byte of one part number on its way to the bucket.
type corruptStorage struct {
	*storage.MemoryStorage
	part int32
}

func (s *corruptStorage) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error) {
	if number != s.part {
		return s.MemoryStorage.UploadPart(ctx, key, uploadID, number, data, size)
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	buf[len(buf)-1] ^= 0xff
	return s.MemoryStorage.UploadPart(ctx, key, uploadID, number, bytes.NewReader(buf), size)
}

// gatedStorage holds reads of offset zero of one key until the gate opens.
type gatedStorage struct {
	*storage.MemoryStorage
	key     string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedStorage(key string) *gatedStorage {
	return &gatedStorage{
		MemoryStorage: storage.NewMemoryStorage("gated"),
		key:           key,
		entered:       make(chan struct{}),
		gate:          make(chan struct{}),
	}
}

func (s *gatedStorage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	if key == s.key && off == 0 {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.MemoryStorage.Get(ctx, key, off, limit)
}

// ghostStorage lists a key that Head never finds.
type ghostStorage struct {
	*storage.MemoryStorage
	ghost string
}

func (s *ghostStorage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	if key == s.ghost {
		return types.ObjectInfo{}, fmt.Errorf("%w: head %s", types.ErrNotFound, key)
	}
	return s.MemoryStorage.Head(ctx, key)
}

// slowMarkerStorage blocks directory marker writes until released.
type slowMarkerStorage struct {
	*storage.MemoryStorage
	release chan struct{}
	puts    int32
}

func (s *slowMarkerStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	if size == 0 && len(key) > 0 && key[len(key)-1] == '/' {
		atomic.AddInt32(&s.puts, 1)
		<-s.release
	}
	return s.MemoryStorage.Put(ctx, key, data, size)
}

// cancelAwareStorage fails every call made under a cancelled context, like a
// real client aborting its HTTP request.
type cancelAwareStorage struct {
	*storage.MemoryStorage
}

func (s *cancelAwareStorage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStorage.Get(ctx, key, off, limit)
}

func (s *cancelAwareStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ObjectInfo{}, err
	}
	return s.MemoryStorage.Put(ctx, key, data, size)
}

func (s *cancelAwareStorage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStorage.Delete(ctx, key)
}

func (s *cancelAwareStorage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ObjectInfo{}, err
	}
	return s.MemoryStorage.Head(ctx, key)
}

func (s *cancelAwareStorage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStorage.List(ctx, prefix, delimiter)
}

func (s *cancelAwareStorage) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ObjectInfo{}, err
	}
	return s.MemoryStorage.Copy(ctx, src, dst)
}

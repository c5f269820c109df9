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

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
)

type memObject struct {
	data    []byte
	etag    string
	modTime time.Time
}

func (o memObject) info(key string) types.ObjectInfo {
	return types.ObjectInfo{Key: key, Size: int64(len(o.data)), ETag: o.etag, ModTime: o.modTime}
}

type memUpload struct {
	key   string
	parts map[int32]memObject
}

// MemoryStorage is a bucket kept in process memory, with S3 compatible ETags.
type MemoryStorage struct {
	sid     string
	objects map[string]memObject
	uploads map[string]*memUpload
	mux     sync.Mutex
}

var _ Storage = &MemoryStorage{}

func (m *MemoryStorage) ID() string {
	return m.sid
}

func (m *MemoryStorage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	defer utils.TraceRegion(ctx, "memory.get")()
	m.mux.Lock()
	obj, ok := m.objects[key]
	m.mux.Unlock()
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "memory get %s", key)
	}
	size := int64(len(obj.data))
	if off >= size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := size
	if limit > 0 && off+limit < size {
		end = off + limit
	}
	return io.NopCloser(bytes.NewReader(obj.data[off:end])), nil
}

func (m *MemoryStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "memory.put")()
	buf, err := readAll(data, size)
	if err != nil {
		return types.ObjectInfo{}, err
	}
	obj := memObject{data: buf, etag: md5Hex(buf), modTime: time.Now()}
	m.mux.Lock()
	m.objects[key] = obj
	m.mux.Unlock()
	return obj.info(key), nil
}

func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	defer utils.TraceRegion(ctx, "memory.delete")()
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.objects[key]; !ok {
		return errors.Wrapf(types.ErrNotFound, "memory delete %s", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStorage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "memory.head")()
	m.mux.Lock()
	defer m.mux.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return types.ObjectInfo{}, errors.Wrapf(types.ErrNotFound, "memory head %s", key)
	}
	return obj.info(key), nil
}

func (m *MemoryStorage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "memory.list")()
	m.mux.Lock()
	all := make([]types.ObjectInfo, 0, len(m.objects))
	for k, obj := range m.objects {
		all = append(all, obj.info(k))
	}
	m.mux.Unlock()
	return groupByDelimiter(prefix, delimiter, all), nil
}

func (m *MemoryStorage) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "memory.copy")()
	m.mux.Lock()
	defer m.mux.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return types.ObjectInfo{}, errors.Wrapf(types.ErrNotFound, "memory copy %s", src)
	}
	obj.modTime = time.Now()
	m.objects[dst] = obj
	return obj.info(dst), nil
}

func (m *MemoryStorage) CreateMultipart(ctx context.Context, key string) (string, error) {
	id := uuid.New().String()
	m.mux.Lock()
	m.uploads[id] = &memUpload{key: key, parts: map[int32]memObject{}}
	m.mux.Unlock()
	return id, nil
}

func (m *MemoryStorage) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error) {
	defer utils.TraceRegion(ctx, "memory.uploadpart")()
	buf, err := readAll(data, size)
	if err != nil {
		return "", err
	}
	return m.savePart(key, uploadID, number, buf)
}

func (m *MemoryStorage) CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (string, error) {
	defer utils.TraceRegion(ctx, "memory.copypart")()
	m.mux.Lock()
	obj, ok := m.objects[src]
	m.mux.Unlock()
	if !ok {
		return "", errors.Wrapf(types.ErrNotFound, "memory copy part from %s", src)
	}
	if off < 0 || off+size > int64(len(obj.data)) {
		return "", fmt.Errorf("%w: copy range %d+%d out of %s", types.ErrInvalid, off, size, src)
	}
	buf := make([]byte, size)
	copy(buf, obj.data[off:off+size])
	return m.savePart(key, uploadID, number, buf)
}

func (m *MemoryStorage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "memory.complete")()
	m.mux.Lock()
	defer m.mux.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return types.ObjectInfo{}, errors.Wrapf(types.ErrNotFound, "memory upload %s", uploadID)
	}
	var (
		buf   bytes.Buffer
		etags []string
	)
	for _, p := range parts {
		part, ok := up.parts[p.Number]
		if !ok || part.etag != types.TrimETag(p.ETag) {
			return types.ObjectInfo{}, fmt.Errorf("%w: part %d of upload %s", types.ErrInvalid, p.Number, uploadID)
		}
		buf.Write(part.data)
		etags = append(etags, part.etag)
	}
	obj := memObject{data: buf.Bytes(), etag: multipartETag(etags), modTime: time.Now()}
	m.objects[key] = obj
	delete(m.uploads, uploadID)
	return obj.info(key), nil
}

func (m *MemoryStorage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return errors.Wrapf(types.ErrNotFound, "memory upload %s", uploadID)
	}
	delete(m.uploads, uploadID)
	return nil
}

// PendingUploads returns the part numbers held by every unfinished upload of key.
func (m *MemoryStorage) PendingUploads(key string) map[string][]int32 {
	m.mux.Lock()
	defer m.mux.Unlock()
	result := map[string][]int32{}
	for id, up := range m.uploads {
		if up.key != key {
			continue
		}
		var nums []int32
		for n := range up.parts {
			nums = append(nums, n)
		}
		sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
		result[id] = nums
	}
	return result
}

func (m *MemoryStorage) savePart(key, uploadID string, number int32, buf []byte) (string, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", errors.Wrapf(types.ErrNotFound, "memory upload %s", uploadID)
	}
	part := memObject{data: buf, etag: md5Hex(buf), modTime: time.Now()}
	up.parts[number] = part
	return part.etag, nil
}

func NewMemoryStorage(storageID string) *MemoryStorage {
	return &MemoryStorage{
		sid:     storageID,
		objects: map[string]memObject{},
		uploads: map[string]*memUpload{},
	}
}

func readAll(data io.Reader, size int64) ([]byte, error) {
	if data == nil {
		return []byte{}, nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, max(size, 0)))
	if _, err := io.Copy(buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

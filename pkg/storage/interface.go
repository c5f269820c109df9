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
	"context"
	"fmt"
	"io"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/types"
)

const (
	// ListPageSize is the number of keys asked for per list page.
	ListPageSize = 1000
)

// Storage is the subset of the S3 object API the filesystem is built on.
// Every key is bucket relative; directory keys end with "/".
type Storage interface {
	ID() string

	// Get reads limit bytes starting at off, limit <= 0 reads to the end.
	Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (types.ObjectInfo, error)
	// List returns every object and common prefix under prefix, across all pages.
	// The object whose key equals prefix is never returned.
	List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error)
	Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error)

	CreateMultipart(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error)
	CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (types.ObjectInfo, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// NewStorage builds the configured backend, with retries outside the
// per-attempt instrumentation.
func NewStorage(cfg config.Storage, retry *config.Retry) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch cfg.Type {
	case config.S3Storage:
		s, err = newS3Storage(cfg.ID, cfg.S3)
	case config.MinioStorage:
		s, err = newMinioStorage(cfg.ID, cfg.MinIO)
	case config.LocalStorage:
		s, err = newLocalStorage(cfg.ID, cfg.LocalDir)
	case config.MemoryStorage:
		s = NewMemoryStorage(cfg.ID)
	default:
		return nil, fmt.Errorf("unknow storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	s = instrumentalStorage{s: s}
	if retry != nil {
		s = NewRetryStorage(s, retry)
	}
	return s, nil
}

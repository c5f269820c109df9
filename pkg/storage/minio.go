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
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/trace"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	minioUploadDir     = ".bucketfs-uploads/"
	minioDefaultLimit  = 16
	minioInitBucketTTL = time.Minute
)

// minioStorage drives a MinIO server through the high level client. Multipart
// uploads are staged as temporary objects and stitched with server side compose.
type minioStorage struct {
	sid       string
	bucket    string
	prefix    string
	cli       *minio.Client
	cfg       *config.MinIOConfig
	writeRate *utils.ParallelLimiter
	uploads   map[string]*minioUpload
	mux       sync.Mutex
	logger    *zap.SugaredLogger
}

type minioUpload struct {
	key   string
	parts map[int32]minioPart
}

type minioPart struct {
	src        string
	start, end int64
	etag       string
	staged     bool
}

var _ Storage = &minioStorage{}

func (m *minioStorage) ID() string {
	return m.sid
}

func (m *minioStorage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	defer trace.StartRegion(ctx, "storage.minio.Get").End()
	opts := minio.GetObjectOptions{}
	if off > 0 || limit > 0 {
		end := int64(0)
		if limit > 0 {
			end = off + limit - 1
		}
		if err := opts.SetRange(off, end); err != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrInvalid, err)
		}
	}
	obj, err := m.cli.GetObject(ctx, m.bucket, m.objectKey(key), opts)
	if err != nil {
		return nil, m.translate("get", key, err)
	}
	// GetObject is lazy, errors only show up on the first read
	if _, err = obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, m.translate("get", key, err)
	}
	return obj, nil
}

func (m *minioStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.minio.Put").End()
	if err := m.writeRate.Acquire(ctx); err != nil {
		return types.ObjectInfo{}, err
	}
	defer m.writeRate.Release()

	info, err := m.cli.PutObject(ctx, m.bucket, m.objectKey(key), data, size, minio.PutObjectOptions{
		ContentType:      "application/octet-stream",
		DisableMultipart: true,
	})
	if err != nil {
		return types.ObjectInfo{}, m.translate("put", key, err)
	}
	return types.ObjectInfo{Key: key, Size: info.Size, ETag: types.TrimETag(info.ETag), ModTime: time.Now()}, nil
}

func (m *minioStorage) Delete(ctx context.Context, key string) error {
	defer trace.StartRegion(ctx, "storage.minio.Delete").End()
	if err := m.cli.RemoveObject(ctx, m.bucket, m.objectKey(key), minio.RemoveObjectOptions{}); err != nil {
		return m.translate("delete", key, err)
	}
	return nil
}

func (m *minioStorage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.minio.Head").End()
	info, err := m.cli.StatObject(ctx, m.bucket, m.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		return types.ObjectInfo{}, m.translate("head", key, err)
	}
	return types.ObjectInfo{Key: key, Size: info.Size, ETag: types.TrimETag(info.ETag), ModTime: info.LastModified}, nil
}

func (m *minioStorage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.minio.List").End()
	var result []types.ObjectInfo
	objectCh := m.cli.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.objectKey(prefix),
		Recursive: delimiter == "",
		MaxKeys:   ListPageSize,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, m.translate("list", prefix, object.Err)
		}
		key := trimPrefix(m.prefix, object.Key)
		if key == prefix || strings.HasPrefix(key, minioUploadDir) {
			continue
		}
		if delimiter != "" && strings.HasSuffix(key, delimiter) {
			result = append(result, types.ObjectInfo{Key: key, IsPrefix: true})
			continue
		}
		result = append(result, types.ObjectInfo{
			Key:     key,
			Size:    object.Size,
			ETag:    types.TrimETag(object.ETag),
			ModTime: object.LastModified,
		})
	}
	return result, nil
}

func (m *minioStorage) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.minio.Copy").End()
	info, err := m.cli.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: m.objectKey(dst)},
		minio.CopySrcOptions{Bucket: m.bucket, Object: m.objectKey(src)},
	)
	if err != nil {
		return types.ObjectInfo{}, m.translate("copy", src, err)
	}
	return types.ObjectInfo{Key: dst, Size: info.Size, ETag: types.TrimETag(info.ETag), ModTime: time.Now()}, nil
}

func (m *minioStorage) CreateMultipart(ctx context.Context, key string) (string, error) {
	id := uuid.New().String()
	m.mux.Lock()
	m.uploads[id] = &minioUpload{key: key, parts: map[int32]minioPart{}}
	m.mux.Unlock()
	return id, nil
}

func (m *minioStorage) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error) {
	defer trace.StartRegion(ctx, "storage.minio.UploadPart").End()
	if _, err := m.upload(uploadID, key); err != nil {
		return "", err
	}
	staging := m.stagingKey(uploadID, number)
	info, err := m.Put(ctx, staging, data, size)
	if err != nil {
		return "", err
	}
	m.mux.Lock()
	m.uploads[uploadID].parts[number] = minioPart{src: staging, start: 0, end: size - 1, etag: info.ETag, staged: true}
	m.mux.Unlock()
	return info.ETag, nil
}

func (m *minioStorage) CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (string, error) {
	defer trace.StartRegion(ctx, "storage.minio.CopyPart").End()
	if _, err := m.upload(uploadID, key); err != nil {
		return "", err
	}
	info, err := m.Head(ctx, src)
	if err != nil {
		return "", err
	}
	if off+size > info.Size {
		return "", fmt.Errorf("%w: copy range %d+%d out of %s", types.ErrInvalid, off, size, src)
	}
	etag := fmt.Sprintf("%s-%d-%d", info.ETag, off, size)
	m.mux.Lock()
	m.uploads[uploadID].parts[number] = minioPart{src: src, start: off, end: off + size - 1, etag: etag}
	m.mux.Unlock()
	return etag, nil
}

func (m *minioStorage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (types.ObjectInfo, error) {
	defer trace.StartRegion(ctx, "storage.minio.CompleteMultipart").End()
	up, err := m.upload(uploadID, key)
	if err != nil {
		return types.ObjectInfo{}, err
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	srcs := make([]minio.CopySrcOptions, 0, len(parts))
	for _, p := range parts {
		mp, ok := up.parts[p.Number]
		if !ok || mp.etag != types.TrimETag(p.ETag) {
			return types.ObjectInfo{}, fmt.Errorf("%w: part %d of upload %s", types.ErrInvalid, p.Number, uploadID)
		}
		srcs = append(srcs, minio.CopySrcOptions{
			Bucket:     m.bucket,
			Object:     m.objectKey(mp.src),
			MatchRange: true,
			Start:      mp.start,
			End:        mp.end,
		})
	}

	info, err := m.cli.ComposeObject(ctx, minio.CopyDestOptions{Bucket: m.bucket, Object: m.objectKey(key)}, srcs...)
	if err != nil {
		return types.ObjectInfo{}, m.translate("compose", key, err)
	}
	m.cleanupUpload(ctx, uploadID)
	return types.ObjectInfo{Key: key, Size: info.Size, ETag: types.TrimETag(info.ETag), ModTime: time.Now()}, nil
}

func (m *minioStorage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if _, err := m.upload(uploadID, key); err != nil {
		return err
	}
	m.cleanupUpload(ctx, uploadID)
	return nil
}

func (m *minioStorage) upload(uploadID, key string) (*minioUpload, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return nil, pkgerrors.Wrapf(types.ErrNotFound, "minio upload %s", uploadID)
	}
	return up, nil
}

func (m *minioStorage) cleanupUpload(ctx context.Context, uploadID string) {
	m.mux.Lock()
	up := m.uploads[uploadID]
	delete(m.uploads, uploadID)
	m.mux.Unlock()
	if up == nil {
		return
	}
	for _, p := range up.parts {
		if !p.staged {
			continue
		}
		if err := m.cli.RemoveObject(ctx, m.bucket, m.objectKey(p.src), minio.RemoveObjectOptions{}); err != nil {
			m.logger.Warnw("remove staged part failed", "upload", uploadID, "object", p.src, "err", err)
		}
	}
}

func (m *minioStorage) stagingKey(uploadID string, number int32) string {
	return fmt.Sprintf("%s%s/%05d", minioUploadDir, uploadID, number)
}

func (m *minioStorage) objectKey(key string) string {
	return withPrefix(m.prefix, key)
}

func (m *minioStorage) translate(op, key string, err error) error {
	err = classifyMinioError(op, key, err)
	if errors.Is(err, types.ErrNotFound) {
		return err
	}
	m.logger.Errorw("minio operation failed", "operation", op, "key", key, "err", err)
	return err
}

func classifyMinioError(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NotFound":
		return pkgerrors.Wrapf(types.ErrNotFound, "minio %s %s", op, key)
	case "AccessDenied":
		return pkgerrors.Wrapf(types.ErrNoAccess, "minio %s %s", op, key)
	}
	if isTransientCode(resp.Code) || isTransientStatus(resp.StatusCode) || isTransientError(err) {
		return transient("minio "+op, key, err)
	}
	return pkgerrors.Wrapf(err, "minio %s %s", op, key)
}

func (m *minioStorage) initBucket(ctx context.Context) error {
	defer trace.StartRegion(ctx, "storage.minio.initBucket").End()
	ctx, canF := context.WithTimeout(ctx, minioInitBucketTTL)
	defer canF()

	exists, errBucketExists := m.cli.BucketExists(ctx, m.bucket)
	if errBucketExists == nil && exists {
		return nil
	}

	m.logger.Infof("init bucket: %s", m.bucket)
	return m.cli.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.cfg.Location})
}

func newMinioStorage(storageID string, cfg *config.MinIOConfig) (Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("minio is nil")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio config endpoint is empty")
	}
	if cfg.AccessKeyID == "" {
		return nil, fmt.Errorf("minio config access_key_id is empty")
	}
	if cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("minio config secret_access_key is empty")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = fmt.Sprintf("bucketfs-%s", storageID)
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.Token),
		Secure:    cfg.UseSSL,
		Transport: http.DefaultTransport,
	})
	if err != nil {
		return nil, err
	}
	s := &minioStorage{
		sid:       storageID,
		bucket:    cfg.BucketName,
		prefix:    cfg.Prefix,
		cli:       minioClient,
		cfg:       cfg,
		writeRate: utils.NewParallelLimiter(minioDefaultLimit),
		uploads:   map[string]*minioUpload{},
		logger:    logger.NewLogger("minio"),
	}
	return s, s.initBucket(context.TODO())
}

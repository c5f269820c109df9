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
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

const (
	defaultLocalDirMode  = 0755
	defaultLocalFileMode = 0644
	localUploadDir       = ".bucketfs-uploads"
	localTempPrefix      = ".tmp-"
)

// local keeps every object as a plain file below dir, directory markers
// become real directories.
type local struct {
	sid     string
	dir     string
	uploads map[string]string
	mux     sync.Mutex
	logger  *zap.SugaredLogger
}

var _ Storage = &local{}

func (l *local) ID() string {
	return l.sid
}

func (l *local) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	defer utils.TraceRegion(ctx, "local.get")()
	f, err := l.openLocalFile(l.key2LocalPath(key))
	if err != nil {
		return nil, errors.Wrapf(err, "local get %s", key)
	}
	if off > 0 {
		if _, err = f.Seek(off, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	if limit <= 0 {
		return f, nil
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, limit), Closer: f}, nil
}

func (l *local) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "local.put")()
	p := l.key2LocalPath(key)
	if strings.HasSuffix(key, types.PathSeparator) {
		if err := os.MkdirAll(p, defaultLocalDirMode); err != nil {
			return types.ObjectInfo{}, err
		}
		return l.Head(ctx, key)
	}
	if _, err := l.writeFile(p, data); err != nil {
		l.logger.Errorw("write file failed", "key", key, "err", err.Error())
		return types.ObjectInfo{}, err
	}
	return l.Head(ctx, key)
}

func (l *local) Delete(ctx context.Context, key string) error {
	defer utils.TraceRegion(ctx, "local.delete")()
	p := l.key2LocalPath(key)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(types.ErrNotFound, "local delete %s", key)
		}
		return err
	}
	if err := os.Remove(p); err != nil {
		// a marker directory that still has content keeps existing as a prefix
		if strings.HasSuffix(key, types.PathSeparator) {
			return nil
		}
		l.logger.Errorw("delete file failed", "key", key, "err", err.Error())
		return err
	}
	return nil
}

func (l *local) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "local.head")()
	info, err := os.Stat(l.key2LocalPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return types.ObjectInfo{}, errors.Wrapf(types.ErrNotFound, "local head %s", key)
		}
		return types.ObjectInfo{}, err
	}
	isDirKey := strings.HasSuffix(key, types.PathSeparator)
	if info.IsDir() != isDirKey {
		return types.ObjectInfo{}, errors.Wrapf(types.ErrNotFound, "local head %s", key)
	}
	result := types.ObjectInfo{Key: key, ModTime: info.ModTime()}
	if !info.IsDir() {
		result.Size = info.Size()
	}
	return result, nil
}

func (l *local) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "local.list")()
	base := prefix
	if idx := strings.LastIndex(prefix, types.PathSeparator); idx >= 0 {
		base = prefix[:idx+1]
	} else {
		base = ""
	}

	var all []types.ObjectInfo
	root := l.key2LocalPath(base)
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(l.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if key == localUploadDir && info.IsDir() {
			return filepath.SkipDir
		}
		if key == "." {
			return nil
		}
		if info.IsDir() {
			key += types.PathSeparator
			if delimiter != "" && key != base && strings.HasPrefix(key, prefix) {
				// one level is enough, the prefix rolls everything below up
				all = append(all, types.ObjectInfo{Key: key, ModTime: info.ModTime()})
				return filepath.SkipDir
			}
			if key != base {
				all = append(all, types.ObjectInfo{Key: key, ModTime: info.ModTime()})
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), localTempPrefix) {
			return nil
		}
		all = append(all, types.ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groupByDelimiter(prefix, delimiter, all), nil
}

func (l *local) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "local.copy")()
	if strings.HasSuffix(src, types.PathSeparator) {
		return l.Put(ctx, dst, nil, 0)
	}
	f, err := l.openLocalFile(l.key2LocalPath(src))
	if err != nil {
		return types.ObjectInfo{}, errors.Wrapf(err, "local copy %s", src)
	}
	defer f.Close()
	return l.Put(ctx, dst, f, 0)
}

func (l *local) CreateMultipart(ctx context.Context, key string) (string, error) {
	id := uuid.New().String()
	if err := os.MkdirAll(l.uploadPath(id), defaultLocalDirMode); err != nil {
		return "", err
	}
	l.mux.Lock()
	l.uploads[id] = key
	l.mux.Unlock()
	return id, nil
}

func (l *local) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error) {
	defer utils.TraceRegion(ctx, "local.uploadpart")()
	if err := l.checkUpload(uploadID, key); err != nil {
		return "", err
	}
	return l.writeFile(l.partPath(uploadID, number), data)
}

func (l *local) CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (string, error) {
	defer utils.TraceRegion(ctx, "local.copypart")()
	if err := l.checkUpload(uploadID, key); err != nil {
		return "", err
	}
	r, err := l.Get(ctx, src, off, size)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return l.writeFile(l.partPath(uploadID, number), r)
}

func (l *local) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (types.ObjectInfo, error) {
	defer utils.TraceRegion(ctx, "local.complete")()
	if err := l.checkUpload(uploadID, key); err != nil {
		return types.ObjectInfo{}, err
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	readers := make([]io.Reader, 0, len(parts))
	for _, p := range parts {
		f, err := os.Open(l.partPath(uploadID, p.Number))
		if err != nil {
			return types.ObjectInfo{}, fmt.Errorf("%w: part %d of upload %s", types.ErrInvalid, p.Number, uploadID)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	if _, err := l.writeFile(l.key2LocalPath(key), io.MultiReader(readers...)); err != nil {
		return types.ObjectInfo{}, err
	}
	_ = l.AbortMultipart(ctx, key, uploadID)
	return l.Head(ctx, key)
}

func (l *local) AbortMultipart(ctx context.Context, key, uploadID string) error {
	l.mux.Lock()
	delete(l.uploads, uploadID)
	l.mux.Unlock()
	return os.RemoveAll(l.uploadPath(uploadID))
}

func (l *local) checkUpload(uploadID, key string) error {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.uploads[uploadID] != key {
		return errors.Wrapf(types.ErrNotFound, "local upload %s", uploadID)
	}
	return nil
}

// writeFile replaces p atomically and returns the md5 of what was written.
func (l *local) writeFile(p string, data io.Reader) (string, error) {
	if err := os.MkdirAll(path.Dir(p), defaultLocalDirMode); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(path.Dir(p), localTempPrefix)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := md5.New()
	if data != nil {
		if _, err = io.Copy(io.MultiWriter(tmp, h), data); err != nil {
			_ = tmp.Close()
			return "", err
		}
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	if err = os.Chmod(tmp.Name(), defaultLocalFileMode); err != nil {
		return "", err
	}
	if err = os.Rename(tmp.Name(), p); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *local) openLocalFile(p string) (*os.File, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, types.ErrIsGroup
	}
	return os.Open(p)
}

func (l *local) key2LocalPath(key string) string {
	return path.Join(l.dir, key)
}

func (l *local) uploadPath(id string) string {
	return path.Join(l.dir, localUploadDir, id)
}

func (l *local) partPath(id string, number int32) string {
	return path.Join(l.uploadPath(id), fmt.Sprintf("%05d", number))
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

func newLocalStorage(sid, dir string) (Storage, error) {
	if err := os.MkdirAll(dir, defaultLocalDirMode); err != nil {
		return nil, fmt.Errorf("init local data dir failed: %s", err)
	}
	return &local{
		sid:     sid,
		dir:     dir,
		uploads: map[string]string{},
		logger:  logger.NewLogger("localStorage"),
	}, nil
}

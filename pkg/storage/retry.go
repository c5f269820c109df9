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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/types"
	"github.com/basenana/bucketfs/utils"
	"github.com/basenana/bucketfs/utils/logger"
)

var storageRetryCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storage_operation_retries",
		Help: "This count of storage operation retried after a transient failure",
	},
	[]string{"storage_id", "operation"},
)

func init() {
	prometheus.MustRegister(storageRetryCounter)
}

// retryStorage retries transient failures with bounded exponential backoff.
// Every attempt runs under its own deadline, a deadline hit counts as transient.
type retryStorage struct {
	s           Storage
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
	logger      *zap.SugaredLogger
}

var _ Storage = &retryStorage{}

func NewRetryStorage(s Storage, cfg *config.Retry) Storage {
	return &retryStorage{
		s:           s,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay(),
		maxDelay:    cfg.MaxDelay(),
		timeout:     cfg.Timeout(),
		logger:      logger.NewLogger("retry").With(zap.String("storage", s.ID())),
	}
}

func (r *retryStorage) ID() string {
	return r.s.ID()
}

// Get buffers the body inside the attempt, a stream can not outlive the attempt deadline.
func (r *retryStorage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	var data []byte
	err := r.do(ctx, "get", key, func(ctx context.Context) error {
		rc, err := r.s.Get(ctx, key, off, limit)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		if err != nil {
			return transient("read body", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *retryStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (info types.ObjectInfo, err error) {
	buf, err := readAll(data, size)
	if err != nil {
		return info, err
	}
	err = r.do(ctx, "put", key, func(ctx context.Context) error {
		info, err = r.s.Put(ctx, key, bytes.NewReader(buf), int64(len(buf)))
		return err
	})
	return info, err
}

func (r *retryStorage) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func(ctx context.Context) error {
		return r.s.Delete(ctx, key)
	})
}

func (r *retryStorage) Head(ctx context.Context, key string) (info types.ObjectInfo, err error) {
	err = r.do(ctx, "head", key, func(ctx context.Context) error {
		info, err = r.s.Head(ctx, key)
		return err
	})
	return info, err
}

func (r *retryStorage) List(ctx context.Context, prefix, delimiter string) (result []types.ObjectInfo, err error) {
	err = r.do(ctx, "list", prefix, func(ctx context.Context) error {
		result, err = r.s.List(ctx, prefix, delimiter)
		return err
	})
	return result, err
}

func (r *retryStorage) Copy(ctx context.Context, src, dst string) (info types.ObjectInfo, err error) {
	err = r.do(ctx, "copy", src, func(ctx context.Context) error {
		info, err = r.s.Copy(ctx, src, dst)
		return err
	})
	return info, err
}

func (r *retryStorage) CreateMultipart(ctx context.Context, key string) (id string, err error) {
	err = r.do(ctx, "create_multipart", key, func(ctx context.Context) error {
		id, err = r.s.CreateMultipart(ctx, key)
		return err
	})
	return id, err
}

func (r *retryStorage) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (etag string, err error) {
	buf, err := readAll(data, size)
	if err != nil {
		return "", err
	}
	err = r.do(ctx, "upload_part", key, func(ctx context.Context) error {
		etag, err = r.s.UploadPart(ctx, key, uploadID, number, bytes.NewReader(buf), int64(len(buf)))
		return err
	})
	return etag, err
}

func (r *retryStorage) CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (etag string, err error) {
	err = r.do(ctx, "copy_part", key, func(ctx context.Context) error {
		etag, err = r.s.CopyPart(ctx, key, uploadID, number, src, off, size)
		return err
	})
	return etag, err
}

func (r *retryStorage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (info types.ObjectInfo, err error) {
	err = r.do(ctx, "complete_multipart", key, func(ctx context.Context) error {
		info, err = r.s.CompleteMultipart(ctx, key, uploadID, parts)
		return err
	})
	return info, err
}

func (r *retryStorage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return r.do(ctx, "abort_multipart", key, func(ctx context.Context) error {
		return r.s.AbortMultipart(ctx, key, uploadID)
	})
}

func (r *retryStorage) do(ctx context.Context, operation, key string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := r.attemptContext(ctx)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isTransientError(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= r.maxAttempts {
			break
		}

		storageRetryCounter.WithLabelValues(r.ID(), operation).Inc()
		delay := utils.Backoff(attempt, r.baseDelay, r.maxDelay)
		r.logger.Warnw("storage operation failed, retry later", "operation", operation, "key", key,
			"attempt", attempt, "delay", delay.String(), "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}

	r.logger.Errorw("storage operation retries exhausted", "operation", operation, "key", key, "attempts", r.maxAttempts, "err", err)
	if types.IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %s", types.ErrTransient, operation, key, err)
}

func (r *retryStorage) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

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
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basenana/bucketfs/pkg/types"
)

var (
	storageOperationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_latency_seconds",
			Help:    "The latency of storage operation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"storage_id", "operation"},
	)
	storageOperationErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operation_errors",
			Help: "This count of storage encountering errors",
		},
		[]string{"storage_id", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		storageOperationLatency,
		storageOperationErrorCounter,
	)
}

type instrumentalStorage struct {
	s Storage
}

var _ Storage = instrumentalStorage{}

func (i instrumentalStorage) ID() string {
	return i.s.ID()
}

func (i instrumentalStorage) Get(ctx context.Context, key string, off, limit int64) (io.ReadCloser, error) {
	const getOperation = "get"
	defer logStorageOperationLatency(i.ID(), getOperation, time.Now())
	r, err := i.s.Get(ctx, key, off, limit)
	return r, logErr(storageOperationErrorCounter, err, i.ID(), getOperation)
}

func (i instrumentalStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	const putOperation = "put"
	defer logStorageOperationLatency(i.ID(), putOperation, time.Now())
	info, err := i.s.Put(ctx, key, data, size)
	return info, logErr(storageOperationErrorCounter, err, i.ID(), putOperation)
}

func (i instrumentalStorage) Delete(ctx context.Context, key string) error {
	const deleteOperation = "delete"
	defer logStorageOperationLatency(i.ID(), deleteOperation, time.Now())
	err := i.s.Delete(ctx, key)
	return logErr(storageOperationErrorCounter, err, i.ID(), deleteOperation)
}

func (i instrumentalStorage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	const headOperation = "head"
	defer logStorageOperationLatency(i.ID(), headOperation, time.Now())
	info, err := i.s.Head(ctx, key)
	return info, logErr(storageOperationErrorCounter, err, i.ID(), headOperation)
}

func (i instrumentalStorage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	const listOperation = "list"
	defer logStorageOperationLatency(i.ID(), listOperation, time.Now())
	result, err := i.s.List(ctx, prefix, delimiter)
	return result, logErr(storageOperationErrorCounter, err, i.ID(), listOperation)
}

func (i instrumentalStorage) Copy(ctx context.Context, src, dst string) (types.ObjectInfo, error) {
	const copyOperation = "copy"
	defer logStorageOperationLatency(i.ID(), copyOperation, time.Now())
	info, err := i.s.Copy(ctx, src, dst)
	return info, logErr(storageOperationErrorCounter, err, i.ID(), copyOperation)
}

func (i instrumentalStorage) CreateMultipart(ctx context.Context, key string) (string, error) {
	const createOperation = "create_multipart"
	defer logStorageOperationLatency(i.ID(), createOperation, time.Now())
	id, err := i.s.CreateMultipart(ctx, key)
	return id, logErr(storageOperationErrorCounter, err, i.ID(), createOperation)
}

func (i instrumentalStorage) UploadPart(ctx context.Context, key, uploadID string, number int32, data io.Reader, size int64) (string, error) {
	const uploadOperation = "upload_part"
	defer logStorageOperationLatency(i.ID(), uploadOperation, time.Now())
	etag, err := i.s.UploadPart(ctx, key, uploadID, number, data, size)
	return etag, logErr(storageOperationErrorCounter, err, i.ID(), uploadOperation)
}

func (i instrumentalStorage) CopyPart(ctx context.Context, key, uploadID string, number int32, src string, off, size int64) (string, error) {
	const copyPartOperation = "copy_part"
	defer logStorageOperationLatency(i.ID(), copyPartOperation, time.Now())
	etag, err := i.s.CopyPart(ctx, key, uploadID, number, src, off, size)
	return etag, logErr(storageOperationErrorCounter, err, i.ID(), copyPartOperation)
}

func (i instrumentalStorage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (types.ObjectInfo, error) {
	const completeOperation = "complete_multipart"
	defer logStorageOperationLatency(i.ID(), completeOperation, time.Now())
	info, err := i.s.CompleteMultipart(ctx, key, uploadID, parts)
	return info, logErr(storageOperationErrorCounter, err, i.ID(), completeOperation)
}

func (i instrumentalStorage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	const abortOperation = "abort_multipart"
	defer logStorageOperationLatency(i.ID(), abortOperation, time.Now())
	err := i.s.AbortMultipart(ctx, key, uploadID)
	return logErr(storageOperationErrorCounter, err, i.ID(), abortOperation)
}

func logStorageOperationLatency(id, operation string, startAt time.Time) {
	storageOperationLatency.WithLabelValues(id, operation).Observe(time.Since(startAt).Seconds())
}

func logErr(counter *prometheus.CounterVec, err error, labels ...string) error {
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		counter.WithLabelValues(labels...).Inc()
	}
	return err
}

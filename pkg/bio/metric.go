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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basenana/bucketfs/pkg/types"
)

var (
	chunkReaderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "io_chunk_reader_latency_seconds",
			Help:    "The latency of chunk reader.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 5, 10),
		},
		[]string{"step"},
	)
	chunkWriterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "io_chunk_writer_latency_seconds",
			Help:    "The latency of chunk writer.",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 5, 10),
		},
		[]string{"step"},
	)
	chunkCommitPartLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "io_chunk_commit_part_latency_seconds",
			Help:    "The latency of commit one chunk part.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"step"},
	)
	chunkReadErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_chunk_read_errors",
			Help: "This count of chunk read encountering errors,",
		},
		[]string{"step"},
	)
	chunkWriteErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_chunk_write_errors",
			Help: "This count of chunk write encountering errors.",
		},
		[]string{"step"},
	)
	chunkCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "io_chunk_cache_lookups",
			Help: "This count of chunk cache lookups.",
		},
		[]string{"result"},
	)
	chunkReadingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "io_chunk_reading",
			Help: "This count of chunks being fetched.",
		},
	)
	chunkDirtyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "io_chunk_dirty_chunks",
			Help: "This count of dirty chunks.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		chunkReaderLatency,
		chunkWriterLatency,
		chunkCommitPartLatency,
		chunkReadErrorCounter,
		chunkWriteErrorCounter,
		chunkCacheCounter,
		chunkReadingGauge,
		chunkDirtyGauge,
	)
}

func logLatency(h *prometheus.HistogramVec, step string, startAt time.Time) {
	h.WithLabelValues(step).Observe(time.Since(startAt).Seconds())
}

func logErr(counter *prometheus.CounterVec, err error, step string) error {
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, types.ErrNotFound) {
		counter.WithLabelValues(step).Inc()
	}
	return err
}

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

package config

import (
	"os"
	"runtime"
	"time"
)

const (
	S3Storage     = "s3"
	MinioStorage  = "minio"
	LocalStorage  = "local"
	MemoryStorage = "memory"

	// DirMarkerObject keeps an empty "dir/" object for every directory.
	DirMarkerObject = "object"
	// DirMarkerPrefix lets directories exist only as key prefixes.
	DirMarkerPrefix = "prefix"

	MiB = 1 << 20

	defaultChunkSize         = 8 * MiB
	minMultipartChunkSize    = 5 * MiB
	defaultCacheChunks       = 64
	defaultStalenessSeconds  = 5
	defaultMaxNodes          = 100000
	defaultRenameConcurrency = 8
	defaultRetryAttempts     = 5
	defaultRetryBaseDelayMs  = 100
	defaultRetryMaxDelayMs   = 5000
	defaultRetryTimeoutMs    = 60000
)

type FS struct {
	Owner             *FSOwner `json:"owner,omitempty"`
	ChunkSize         int64    `json:"chunk_size,omitempty"`
	Workers           int      `json:"workers,omitempty"`
	CacheChunks       int      `json:"cache_chunks,omitempty"`
	Staleness         int      `json:"staleness,omitempty"`
	MaxNodes          int      `json:"max_nodes,omitempty"`
	DirMarker         string   `json:"dir_marker,omitempty"`
	AsyncMkdir        *bool    `json:"async_mkdir,omitempty"`
	RenameConcurrency int      `json:"rename_concurrency,omitempty"`
}

func (f *FS) StalenessDuration() time.Duration {
	return time.Duration(f.Staleness) * time.Second
}

func (f *FS) IsAsyncMkdir() bool {
	return f.AsyncMkdir == nil || *f.AsyncMkdir
}

type FSOwner struct {
	Uid uint32 `json:"uid"`
	Gid uint32 `json:"gid"`
}

type Retry struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
	BaseDelayMs int `json:"base_delay_ms,omitempty"`
	MaxDelayMs  int `json:"max_delay_ms,omitempty"`
	TimeoutMs   int `json:"timeout_ms,omitempty"`
}

func (r *Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r *Retry) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (r *Retry) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

type Storage struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	LocalDir string       `json:"local_dir,omitempty"`
	S3       *S3Config    `json:"s3,omitempty"`
	MinIO    *MinIOConfig `json:"minio,omitempty"`
}

type S3Config struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	BucketName      string `json:"bucket_name"`
	UsePathStyle    bool   `json:"use_path_style"`
	Prefix          string `json:"prefix,omitempty"`
	ReadLimit       int    `json:"read_limit,omitempty"`
	WriteLimit      int    `json:"write_limit,omitempty"`
}

type MinIOConfig struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	BucketName      string `json:"bucket_name"`
	Location        string `json:"location"`
	Token           string `json:"token"`
	UseSSL          bool   `json:"use_ssl"`
	Prefix          string `json:"prefix,omitempty"`
}

func defaultFsConfig() *FS {
	return &FS{
		Owner:             &FSOwner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())},
		ChunkSize:         defaultChunkSize,
		Workers:           runtime.NumCPU() * 4,
		CacheChunks:       defaultCacheChunks,
		Staleness:         defaultStalenessSeconds,
		MaxNodes:          defaultMaxNodes,
		DirMarker:         DirMarkerObject,
		RenameConcurrency: defaultRenameConcurrency,
	}
}

func defaultRetryConfig() *Retry {
	return &Retry{
		MaxAttempts: defaultRetryAttempts,
		BaseDelayMs: defaultRetryBaseDelayMs,
		MaxDelayMs:  defaultRetryMaxDelayMs,
		TimeoutMs:   defaultRetryTimeoutMs,
	}
}

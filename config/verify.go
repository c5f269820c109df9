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
	"fmt"
	"os"
	"regexp"
)

var (
	storageIDPattern = "^[a-zA-Z][a-zA-Z0-9-_.]{3,31}$"
	storageIDRegexp  = regexp.MustCompile(storageIDPattern)
)

type verifier func(config *Config) error

var verifiers = []verifier{
	setDefaultValue,
	checkAdminConfig,
	checkFuseConfig,
	checkStorageConfig,
	checkFsConfig,
	checkRetryConfig,
}

// Verify fills the defaults in and rejects configurations that cannot be mounted.
func Verify(config *Config) error {
	for _, v := range verifiers {
		if err := v(config); err != nil {
			return err
		}
	}
	return nil
}

func setDefaultValue(config *Config) error {
	defFs := defaultFsConfig()
	if config.FS == nil {
		config.FS = defFs
	}
	fs := config.FS
	if fs.Owner == nil {
		fs.Owner = defFs.Owner
	}
	if fs.ChunkSize == 0 {
		fs.ChunkSize = defFs.ChunkSize
	}
	if fs.Workers == 0 {
		fs.Workers = defFs.Workers
	}
	if fs.CacheChunks == 0 {
		fs.CacheChunks = defFs.CacheChunks
	}
	if fs.Staleness == 0 {
		fs.Staleness = defFs.Staleness
	}
	if fs.MaxNodes == 0 {
		fs.MaxNodes = defFs.MaxNodes
	}
	if fs.DirMarker == "" {
		fs.DirMarker = defFs.DirMarker
	}
	if fs.RenameConcurrency == 0 {
		fs.RenameConcurrency = defFs.RenameConcurrency
	}

	defRetry := defaultRetryConfig()
	if config.Retry == nil {
		config.Retry = defRetry
	}
	r := config.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defRetry.MaxAttempts
	}
	if r.BaseDelayMs == 0 {
		r.BaseDelayMs = defRetry.BaseDelayMs
	}
	if r.MaxDelayMs == 0 {
		r.MaxDelayMs = defRetry.MaxDelayMs
	}
	if r.TimeoutMs == 0 {
		r.TimeoutMs = defRetry.TimeoutMs
	}

	if config.Storage.ID == "" {
		config.Storage.ID = "bucket-" + config.Storage.Type
	}
	return nil
}

func checkAdminConfig(config *Config) error {
	aCfg := config.Admin
	if !aCfg.Enable {
		return nil
	}
	if aCfg.Host == "" || aCfg.Port == 0 {
		return fmt.Errorf("admin.host or admin.port not config")
	}
	return nil
}

func checkFuseConfig(config *Config) error {
	fCfg := config.FUSE
	if fCfg.RootPath == "" {
		return nil
	}
	info, err := os.Stat(fCfg.RootPath)
	if err != nil {
		return fmt.Errorf("check fuse.root_path error: %s", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("fuse.root_path %s is not a directory", fCfg.RootPath)
	}
	return nil
}

func checkStorageConfig(config *Config) error {
	sConfig := config.Storage
	if !storageIDRegexp.MatchString(sConfig.ID) {
		return fmt.Errorf("storage.id must match %s", storageIDPattern)
	}
	switch sConfig.Type {
	case MemoryStorage:
	case LocalStorage:
		if sConfig.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is empty")
		}
	case S3Storage:
		cfg := sConfig.S3
		if cfg == nil {
			return fmt.Errorf("storage.s3 is nil")
		}
		if cfg.Region == "" {
			return fmt.Errorf("s3 config region is empty")
		}
		if cfg.AccessKeyID == "" {
			return fmt.Errorf("s3 config access_key_id is empty")
		}
		if cfg.SecretAccessKey == "" {
			return fmt.Errorf("s3 config secret_access_key is empty")
		}
		if cfg.BucketName == "" {
			return fmt.Errorf("s3 config bucket_name is empty")
		}
	case MinioStorage:
		cfg := sConfig.MinIO
		if cfg == nil {
			return fmt.Errorf("storage.minio is nil")
		}
		if cfg.Endpoint == "" {
			return fmt.Errorf("minio config endpoint is empty")
		}
		if cfg.AccessKeyID == "" {
			return fmt.Errorf("minio config access_key_id is empty")
		}
		if cfg.SecretAccessKey == "" {
			return fmt.Errorf("minio config secret_access_key is empty")
		}
		if cfg.BucketName == "" {
			return fmt.Errorf("minio config bucket_name is empty")
		}
	default:
		return fmt.Errorf("unknown storage type %s", sConfig.Type)
	}
	return nil
}

func checkFsConfig(config *Config) error {
	fs := config.FS
	if fs.ChunkSize <= 0 {
		return fmt.Errorf("fs.chunk_size must be positive")
	}
	switch config.Storage.Type {
	case S3Storage, MinioStorage:
		if fs.ChunkSize < minMultipartChunkSize {
			return fmt.Errorf("fs.chunk_size must be at least %d for multipart uploads", minMultipartChunkSize)
		}
	}
	if fs.Workers < 0 || fs.CacheChunks < 0 || fs.MaxNodes < 0 || fs.RenameConcurrency < 0 {
		return fmt.Errorf("fs.workers, fs.cache_chunks, fs.max_nodes and fs.rename_concurrency can not be negative")
	}
	switch fs.DirMarker {
	case DirMarkerObject, DirMarkerPrefix:
	default:
		return fmt.Errorf("unknown fs.dir_marker %s", fs.DirMarker)
	}
	return nil
}

func checkRetryConfig(config *Config) error {
	r := config.Retry
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if r.BaseDelayMs > r.MaxDelayMs {
		return fmt.Errorf("retry.base_delay_ms is larger than retry.max_delay_ms")
	}
	return nil
}

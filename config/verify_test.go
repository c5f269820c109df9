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
	"encoding/json"
	"os"
	"path"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("TestVerify", func() {
	Context("memory storage with nothing else", func() {
		It("should fill defaults", func() {
			cfg := &Config{Storage: Storage{Type: MemoryStorage}}
			Expect(Verify(cfg)).Should(BeNil())
			Expect(cfg.FS).ShouldNot(BeNil())
			Expect(cfg.FS.ChunkSize).Should(Equal(int64(defaultChunkSize)))
			Expect(cfg.FS.DirMarker).Should(Equal(DirMarkerObject))
			Expect(cfg.FS.IsAsyncMkdir()).Should(BeTrue())
			Expect(cfg.Retry.MaxAttempts).Should(Equal(defaultRetryAttempts))
			Expect(cfg.Storage.ID).Should(Equal("bucket-memory"))
		})
	})
	Context("s3 storage with a small chunk size", func() {
		It("should be rejected", func() {
			cfg := &Config{
				Storage: Storage{Type: S3Storage, S3: &S3Config{
					Region: "us-east-1", AccessKeyID: "ak", SecretAccessKey: "sk", BucketName: "b"}},
				FS: &FS{ChunkSize: MiB},
			}
			Expect(Verify(cfg)).ShouldNot(BeNil())
		})
	})
	Context("s3 storage without bucket", func() {
		It("should be rejected", func() {
			cfg := &Config{Storage: Storage{Type: S3Storage, S3: &S3Config{Region: "us-east-1", AccessKeyID: "ak", SecretAccessKey: "sk"}}}
			Expect(Verify(cfg)).ShouldNot(BeNil())
		})
	})
	Context("unknown dir marker", func() {
		It("should be rejected", func() {
			cfg := &Config{Storage: Storage{Type: MemoryStorage}, FS: &FS{DirMarker: "magic"}}
			Expect(Verify(cfg)).ShouldNot(BeNil())
		})
	})
	Context("admin enabled without port", func() {
		It("should be rejected", func() {
			cfg := &Config{Storage: Storage{Type: MemoryStorage}, Admin: Admin{Enable: true, Host: "127.0.0.1"}}
			Expect(Verify(cfg)).ShouldNot(BeNil())
		})
	})
})

var _ = Describe("TestLoader", func() {
	var workdir string
	BeforeEach(func() {
		var err error
		workdir, err = os.MkdirTemp(os.TempDir(), "bucketfs-config-")
		Expect(err).Should(BeNil())
	})
	AfterEach(func() {
		_ = os.RemoveAll(workdir)
		FilePath = ""
	})

	Context("load a local storage config", func() {
		It("should be ok", func() {
			cfg := DefaultConfig(workdir, path.Join(workdir, "data"))
			data, err := json.Marshal(cfg)
			Expect(err).Should(BeNil())

			FilePath = path.Join(workdir, "bucketfs.json")
			Expect(os.WriteFile(FilePath, data, 0644)).Should(BeNil())

			loaded, err := NewConfigLoader().GetConfig()
			Expect(err).Should(BeNil())
			Expect(loaded.Storage.Type).Should(Equal(LocalStorage))
			Expect(loaded.FUSE.RootPath).Should(Equal(workdir))
			Expect(loaded.FS.Staleness).Should(Equal(defaultStalenessSeconds))
		})
	})
	Context("config path not set", func() {
		It("should fail", func() {
			_, err := NewConfigLoader().GetConfig()
			Expect(err).ShouldNot(BeNil())
		})
	})
})

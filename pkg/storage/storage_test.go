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
	"io"
	"path"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/bucketfs/pkg/types"
)

func readObject(s Storage, key string, off, limit int64) []byte {
	r, err := s.Get(context.TODO(), key, off, limit)
	Expect(err).Should(BeNil())
	defer r.Close()
	data, err := io.ReadAll(r)
	Expect(err).Should(BeNil())
	return data
}

func putObject(s Storage, key string, data []byte) types.ObjectInfo {
	info, err := s.Put(context.TODO(), key, bytes.NewReader(data), int64(len(data)))
	Expect(err).Should(BeNil())
	return info
}

func listKeys(s Storage, prefix, delimiter string) (files []string, dirs []string) {
	objects, err := s.List(context.TODO(), prefix, delimiter)
	Expect(err).Should(BeNil())
	for _, obj := range objects {
		if obj.IsPrefix {
			dirs = append(dirs, obj.Key)
			continue
		}
		files = append(files, obj.Key)
	}
	return
}

func storageBehaviour(newStorage func() Storage) {
	var s Storage

	BeforeEach(func() {
		s = newStorage()
	})

	Context("put and get object", func() {
		It("should be ok", func() {
			putObject(s, "dir/a.txt", []byte("hello world"))
			Expect(readObject(s, "dir/a.txt", 0, 0)).Should(Equal([]byte("hello world")))
			Expect(readObject(s, "dir/a.txt", 6, 5)).Should(Equal([]byte("world")))
			Expect(readObject(s, "dir/a.txt", 6, 100)).Should(Equal([]byte("world")))

			info, err := s.Head(context.TODO(), "dir/a.txt")
			Expect(err).Should(BeNil())
			Expect(info.Size).Should(Equal(int64(11)))
		})
		It("missing object should be not found", func() {
			_, err := s.Get(context.TODO(), "missing.txt", 0, 0)
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
			_, err = s.Head(context.TODO(), "missing.txt")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
		})
	})

	Context("list one level", func() {
		It("should split files and prefixes", func() {
			putObject(s, "dir/", nil)
			putObject(s, "dir/a.txt", []byte("a"))
			putObject(s, "dir/sub/b.txt", []byte("b"))
			putObject(s, "other.txt", []byte("o"))

			files, dirs := listKeys(s, "dir/", "/")
			Expect(files).Should(Equal([]string{"dir/a.txt"}))
			Expect(dirs).Should(Equal([]string{"dir/sub/"}))

			files, dirs = listKeys(s, "", "/")
			Expect(files).Should(ContainElement("other.txt"))
			Expect(dirs).Should(ContainElement("dir/"))
		})
		It("recursive list should return every key", func() {
			putObject(s, "tree/a.txt", []byte("a"))
			putObject(s, "tree/sub/b.txt", []byte("b"))
			files, dirs := listKeys(s, "tree/", "")
			Expect(dirs).Should(BeEmpty())
			Expect(files).Should(ContainElements("tree/a.txt", "tree/sub/b.txt"))
		})
	})

	Context("copy and delete", func() {
		It("should be ok", func() {
			putObject(s, "src.txt", []byte("copy me"))
			_, err := s.Copy(context.TODO(), "src.txt", "dst.txt")
			Expect(err).Should(BeNil())
			Expect(readObject(s, "dst.txt", 0, 0)).Should(Equal([]byte("copy me")))

			Expect(s.Delete(context.TODO(), "src.txt")).Should(BeNil())
			_, err = s.Head(context.TODO(), "src.txt")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
			Expect(errors.Is(s.Delete(context.TODO(), "src.txt"), types.ErrNotFound)).Should(BeTrue())
		})
	})

	Context("multipart upload", func() {
		It("should assemble parts in order", func() {
			putObject(s, "base.bin", []byte("0123456789"))

			id, err := s.CreateMultipart(context.TODO(), "multi.bin")
			Expect(err).Should(BeNil())

			etag1, err := s.UploadPart(context.TODO(), "multi.bin", id, 1, bytes.NewReader([]byte("abc")), 3)
			Expect(err).Should(BeNil())
			Expect(etag1).Should(Equal(md5Hex([]byte("abc"))))
			etag2, err := s.CopyPart(context.TODO(), "multi.bin", id, 2, "base.bin", 2, 4)
			Expect(err).Should(BeNil())

			_, err = s.CompleteMultipart(context.TODO(), "multi.bin", id, []types.CompletedPart{
				{Number: 1, ETag: etag1}, {Number: 2, ETag: etag2},
			})
			Expect(err).Should(BeNil())
			Expect(readObject(s, "multi.bin", 0, 0)).Should(Equal([]byte("abc2345")))
		})
		It("aborted upload should leave nothing", func() {
			id, err := s.CreateMultipart(context.TODO(), "aborted.bin")
			Expect(err).Should(BeNil())
			_, err = s.UploadPart(context.TODO(), "aborted.bin", id, 1, bytes.NewReader([]byte("abc")), 3)
			Expect(err).Should(BeNil())
			Expect(s.AbortMultipart(context.TODO(), "aborted.bin", id)).Should(BeNil())
			_, err = s.Head(context.TODO(), "aborted.bin")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
		})
	})
}

var _ = Describe("TestMemoryStorage", func() {
	storageBehaviour(func() Storage {
		return NewMemoryStorage("memory-test")
	})

	Context("multipart etag", func() {
		It("should follow the s3 format", func() {
			s := NewMemoryStorage("memory-test")
			id, err := s.CreateMultipart(context.TODO(), "f")
			Expect(err).Should(BeNil())
			etag, err := s.UploadPart(context.TODO(), "f", id, 1, bytes.NewReader([]byte("x")), 1)
			Expect(err).Should(BeNil())
			Expect(s.PendingUploads("f")[id]).Should(Equal([]int32{1}))

			info, err := s.CompleteMultipart(context.TODO(), "f", id, []types.CompletedPart{{Number: 1, ETag: etag}})
			Expect(err).Should(BeNil())
			Expect(info.ETag).Should(HaveSuffix("-1"))
			Expect(s.PendingUploads("f")).Should(BeEmpty())
		})
	})
})

var _ = Describe("TestLocalStorage", func() {
	storageBehaviour(func() Storage {
		s, err := newLocalStorage("local-test", path.Join(workdir, uuid.New().String()))
		Expect(err).Should(BeNil())
		return s
	})
})

var _ = Describe("TestDirMarker", func() {
	Context("object marker", func() {
		It("should put and remove the marker object", func() {
			s := NewMemoryStorage("memory-test")
			m := NewDirMarker("object", s)
			Expect(m.Create(context.TODO(), "dir/")).Should(BeNil())
			_, err := s.Head(context.TODO(), "dir/")
			Expect(err).Should(BeNil())
			Expect(m.Remove(context.TODO(), "dir/")).Should(BeNil())
			Expect(m.Remove(context.TODO(), "dir/")).Should(BeNil())
		})
	})
	Context("prefix marker", func() {
		It("should not touch the bucket", func() {
			s := NewMemoryStorage("memory-test")
			m := NewDirMarker("prefix", s)
			Expect(m.Create(context.TODO(), "dir/")).Should(BeNil())
			_, err := s.Head(context.TODO(), "dir/")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
		})
	})
})

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

package core

import (
	"bytes"
	"context"
	"math/rand"
	"sync/atomic"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/pkg/types"
)

var _ = Describe("TestFileLifecycle", func() {
	var (
		ctx   = context.TODO()
		store *storage.MemoryStorage
		fs    *FileSystem
	)
	BeforeEach(func() {
		store = storage.NewMemoryStorage("core-file")
		fs = newTestFileSystem(store, testFsConfig())
	})
	AfterEach(func() {
		fs.Close(ctx)
	})

	Context("create then release", func() {
		It("should report the written size", func() {
			data := make([]byte, testChunkSize*3+5)
			_, _ = rand.Read(data)

			attr, fh, err := fs.Create(ctx, root, "a.bin", syscall.O_RDWR, 0600, 1000, 1000)
			Expect(err).Should(BeNil())
			Expect(attr.Access.Mode).Should(Equal(uint32(0600)))

			found, err := fs.Lookup(ctx, root, "a.bin")
			Expect(err).Should(BeNil())
			Expect(found.Inode).Should(Equal(attr.Inode))

			_, err = fs.Write(ctx, fh, data[:20], 0)
			Expect(err).Should(BeNil())
			_, err = fs.Write(ctx, fh, data[20:], 20)
			Expect(err).Should(BeNil())
			Expect(fs.Release(ctx, fh)).Should(BeNil())

			found, err = fs.Lookup(ctx, root, "a.bin")
			Expect(err).Should(BeNil())
			Expect(found.Size).Should(Equal(int64(len(data))))
			Expect(getObject(store, "a.bin")).Should(Equal(data))
		})
		It("should write an empty object", func() {
			_, fh, err := fs.Create(ctx, root, "empty", syscall.O_WRONLY, 0644, 0, 0)
			Expect(err).Should(BeNil())
			_, err = store.Head(ctx, "empty")
			Expect(err).Should(MatchError(types.ErrNotFound))

			Expect(fs.Release(ctx, fh)).Should(BeNil())
			info, err := store.Head(ctx, "empty")
			Expect(err).Should(BeNil())
			Expect(info.Size).Should(Equal(int64(0)))
		})
		It("should refuse existing names", func() {
			writeFile(fs, root, "exist", []byte("x"))
			_, _, err := fs.Create(ctx, root, "exist", syscall.O_RDWR, 0644, 0, 0)
			Expect(err).Should(MatchError(types.ErrIsExist))
		})
		It("should refuse bad names", func() {
			_, _, err := fs.Create(ctx, root, string(bytes.Repeat([]byte("n"), 256)), syscall.O_RDWR, 0644, 0, 0)
			Expect(err).Should(MatchError(types.ErrNameTooLong))
		})
	})

	Context("round trip", func() {
		It("should read back chunk crossing and single byte ranges", func() {
			data := make([]byte, testChunkSize*4)
			_, _ = rand.Read(data)
			id := writeFile(fs, root, "rt.bin", data)

			fh, err := fs.Open(ctx, id, syscall.O_RDWR)
			Expect(err).Should(BeNil())
			patch := []byte("0123456789")
			_, err = fs.Write(ctx, fh, patch, testChunkSize-4)
			Expect(err).Should(BeNil())
			_, err = fs.Write(ctx, fh, []byte("Z"), testChunkSize*2)
			Expect(err).Should(BeNil())
			Expect(fs.Release(ctx, fh)).Should(BeNil())

			copy(data[testChunkSize-4:], patch)
			data[testChunkSize*2] = 'Z'
			Expect(readFile(fs, id, testChunkSize-4, len(patch))).Should(Equal(patch))
			Expect(readFile(fs, id, testChunkSize*2, 1)).Should(Equal([]byte("Z")))
			Expect(readFile(fs, id, 0, len(data))).Should(Equal(data))
			Expect(readFile(fs, id, int64(len(data)), 10)).Should(BeEmpty())
		})
		It("should keep the last write on one handle", func() {
			_, fh, err := fs.Create(ctx, root, "order", syscall.O_RDWR, 0644, 0, 0)
			Expect(err).Should(BeNil())
			_, err = fs.Write(ctx, fh, []byte("aaaa"), 0)
			Expect(err).Should(BeNil())
			_, err = fs.Write(ctx, fh, []byte("bb"), 0)
			Expect(err).Should(BeNil())

			buf := make([]byte, 4)
			n, err := fs.Read(ctx, fh, buf, 0)
			Expect(err).Should(BeNil())
			Expect(string(buf[:n])).Should(Equal("bbaa"))
			Expect(fs.Release(ctx, fh)).Should(BeNil())
			Expect(string(getObject(store, "order"))).Should(Equal("bbaa"))
		})
		It("should truncate on open", func() {
			id := writeFile(fs, root, "trunc", []byte("something"))
			fh, err := fs.Open(ctx, id, syscall.O_WRONLY|syscall.O_TRUNC)
			Expect(err).Should(BeNil())
			_, err = fs.Write(ctx, fh, []byte("new"), 0)
			Expect(err).Should(BeNil())
			Expect(fs.Release(ctx, fh)).Should(BeNil())
			Expect(string(getObject(store, "trunc"))).Should(Equal("new"))
		})
		It("should refuse writes on read only handles", func() {
			id := writeFile(fs, root, "ro", []byte("ro"))
			fh, err := fs.Open(ctx, id, syscall.O_RDONLY)
			Expect(err).Should(BeNil())
			_, err = fs.Write(ctx, fh, []byte("x"), 0)
			Expect(err).Should(MatchError(types.ErrNoPerm))
			Expect(fs.Release(ctx, fh)).Should(BeNil())
		})
		It("should reject unknown handles", func() {
			_, err := fs.Read(ctx, 4242, make([]byte, 1), 0)
			Expect(err).Should(MatchError(types.ErrInvalid))
			Expect(fs.Release(ctx, 4242)).Should(MatchError(types.ErrInvalid))
		})
	})

	Context("handle states", func() {
		It("should follow writes and flushes", func() {
			_, fh, err := fs.Create(ctx, root, "state", syscall.O_RDWR, 0644, 0, 0)
			Expect(err).Should(BeNil())
			h, err := fs.files.Get(fh)
			Expect(err).Should(BeNil())
			Expect(h.State()).Should(Equal(StateWriting))

			Expect(fs.Flush(ctx, fh)).Should(BeNil())
			Expect(h.State()).Should(Equal(StateOpen))

			_, err = fs.Write(ctx, fh, []byte("abc"), 0)
			Expect(err).Should(BeNil())
			Expect(h.State()).Should(Equal(StateWriting))
			Expect(fs.Fsync(ctx, fh)).Should(BeNil())
			Expect(h.State()).Should(Equal(StateOpen))

			Expect(fs.Release(ctx, fh)).Should(BeNil())
			Expect(h.State()).Should(Equal(StateClosed))
		})
	})

	Context("setattr", func() {
		It("should truncate without a handle", func() {
			putObject(store, "sized", []byte("0123456789"))
			id := mustLookup(fs, root, "sized")
			size := uint64(4)
			attr, err := fs.SetAttr(ctx, id, SetAttr{Size: &size})
			Expect(err).Should(BeNil())
			Expect(attr.Size).Should(Equal(int64(4)))
			Expect(string(getObject(store, "sized"))).Should(Equal("0123"))
		})
		It("should keep ownership locally", func() {
			id := writeFile(fs, root, "owned", []byte("o"))
			mode, uid, gid := uint32(0755), uint32(7), uint32(8)
			mtime := time.Unix(1000, 0)
			attr, err := fs.SetAttr(ctx, id, SetAttr{Mode: &mode, UID: &uid, GID: &gid, Mtime: &mtime})
			Expect(err).Should(BeNil())
			Expect(attr.Access).Should(Equal(types.Access{UID: 7, GID: 8, Mode: 0755}))
			Expect(attr.ModTime.Equal(mtime)).Should(BeTrue())
		})
		It("should refuse truncating a directory", func() {
			_, err := fs.Mkdir(ctx, root, "tdir", 0755, 0, 0)
			Expect(err).Should(BeNil())
			id := mustLookup(fs, root, "tdir")
			size := uint64(0)
			_, err = fs.SetAttr(ctx, id, SetAttr{Size: &size})
			Expect(err).Should(MatchError(types.ErrIsGroup))
		})
	})

	Context("checksum mismatch", func() {
		It("should fail release and keep uploaded parts", func() {
			corrupt := &corruptStorage{MemoryStorage: store, part: 4}
			cfs := newTestFileSystem(corrupt, testFsConfig())
			defer cfs.Close(ctx)

			data := make([]byte, testChunkSize*4)
			_, _ = rand.Read(data)
			_, fh, err := cfs.Create(ctx, root, "corrupt.bin", syscall.O_RDWR, 0644, 0, 0)
			Expect(err).Should(BeNil())
			_, err = cfs.Write(ctx, fh, data, 0)
			Expect(err).Should(BeNil())

			err = cfs.Flush(ctx, fh)
			Expect(err).Should(MatchError(types.ErrChecksumMismatch))
			h, err := cfs.files.Get(fh)
			Expect(err).Should(BeNil())
			Expect(h.State()).Should(Equal(StateFlushFailed))
			Expect(h.Err()).Should(MatchError(types.ErrChecksumMismatch))

			err = cfs.Release(ctx, fh)
			Expect(err).Should(MatchError(types.ErrChecksumMismatch))

			_, err = store.Head(ctx, "corrupt.bin")
			Expect(err).Should(MatchError(types.ErrNotFound))
			uploads := store.PendingUploads("corrupt.bin")
			Expect(uploads).ShouldNot(BeEmpty())
			for _, parts := range uploads {
				Expect(parts).Should(ContainElements(int32(1), int32(2), int32(3)))
			}
			_, err = cfs.Lookup(ctx, root, "corrupt.bin")
			Expect(err).Should(MatchError(types.ErrNotFound))
		})
	})

	Context("concurrent reads", func() {
		It("should not block disjoint chunks", func() {
			gated := newGatedStorage("big")
			gfs := newTestFileSystem(gated, testFsConfig())
			defer gfs.Close(ctx)

			data := make([]byte, testChunkSize*2)
			_, _ = rand.Read(data)
			putObject(gated.MemoryStorage, "big", data)
			id := mustLookup(gfs, root, "big")
			fh, err := gfs.Open(ctx, id, syscall.O_RDONLY)
			Expect(err).Should(BeNil())

			first := make(chan []byte, 1)
			go func() {
				defer GinkgoRecover()
				buf := make([]byte, testChunkSize)
				n, err := gfs.Read(ctx, fh, buf, 0)
				Expect(err).Should(BeNil())
				first <- buf[:n]
			}()
			Eventually(gated.entered).Should(BeClosed())

			buf := make([]byte, testChunkSize)
			n, err := gfs.Read(ctx, fh, buf, testChunkSize)
			Expect(err).Should(BeNil())
			Expect(buf[:n]).Should(Equal(data[testChunkSize:]))
			Consistently(first, time.Millisecond*50).ShouldNot(Receive())

			close(gated.gate)
			Eventually(first).Should(Receive(Equal(data[:testChunkSize])))
			Expect(gfs.Release(ctx, fh)).Should(BeNil())
		})
	})
})

var _ = Describe("TestBucketScenario", func() {
	var (
		ctx   = context.TODO()
		store *storage.MemoryStorage
		fs    *FileSystem
	)
	BeforeEach(func() {
		store = storage.NewMemoryStorage("core-scenario")
		putObject(store, "dir/", nil)
		putObject(store, "dir/a.txt", []byte("0123456789"))
		fs = newTestFileSystem(store, testFsConfig())
	})
	AfterEach(func() {
		fs.Close(ctx)
	})

	It("should list read and unlink", func() {
		dir := mustLookup(fs, root, "dir")
		Expect(listNames(fs, dir)).Should(Equal([]string{".", "..", "a.txt"}))

		attr, err := fs.Lookup(ctx, dir, "a.txt")
		Expect(err).Should(BeNil())
		Expect(attr.Size).Should(Equal(int64(10)))
		Expect(string(readFile(fs, attr.Inode, 0, 10))).Should(Equal("0123456789"))

		Expect(fs.Unlink(ctx, dir, "a.txt")).Should(BeNil())
		_, err = fs.Lookup(ctx, dir, "a.txt")
		Expect(err).Should(MatchError(types.ErrNotFound))
		_, err = store.Head(ctx, "dir/a.txt")
		Expect(err).Should(MatchError(types.ErrNotFound))
	})

	It("should keep the tree when the copy of a rename fails", func() {
		failing := &failCopyStorage{MemoryStorage: store}
		retry := storage.NewRetryStorage(failing, &config.Retry{MaxAttempts: 3, BaseDelayMs: 1, MaxDelayMs: 2, TimeoutMs: 1000})
		rfs := newTestFileSystem(retry, testFsConfig())
		defer rfs.Close(ctx)

		dir := mustLookup(rfs, root, "dir")
		err := rfs.Rename(ctx, dir, "a.txt", dir, "b.txt", 0)
		Expect(err).ShouldNot(BeNil())
		Expect(types.IsTransient(err)).Should(BeTrue())
		Expect(atomic.LoadInt32(&failing.copies)).Should(BeNumerically(">", 1))

		_, err = rfs.Lookup(ctx, dir, "a.txt")
		Expect(err).Should(BeNil())
		_, err = rfs.Lookup(ctx, dir, "b.txt")
		Expect(err).Should(MatchError(types.ErrNotFound))
		_, err = store.Head(ctx, "dir/a.txt")
		Expect(err).Should(BeNil())
	})

	It("should refuse unlinking directories", func() {
		Expect(fs.Unlink(ctx, root, "dir")).Should(MatchError(types.ErrIsGroup))
	})
})

var _ = Describe("TestAttrRefresh", func() {
	var (
		ctx   = context.TODO()
		store *storage.MemoryStorage
		fs    *FileSystem
	)
	BeforeEach(func() {
		store = storage.NewMemoryStorage("core-refresh")
		cfg := testFsConfig()
		cfg.Staleness = 0
		fs = newTestFileSystem(store, cfg)
	})
	AfterEach(func() {
		fs.Close(ctx)
	})

	It("should pick up remote changes", func() {
		putObject(store, "f", []byte("abc"))
		attr, err := fs.Lookup(ctx, root, "f")
		Expect(err).Should(BeNil())
		Expect(attr.Size).Should(Equal(int64(3)))

		putObject(store, "f", []byte("abcdefg"))
		attr, err = fs.GetAttr(ctx, attr.Inode)
		Expect(err).Should(BeNil())
		Expect(attr.Size).Should(Equal(int64(7)))
		Expect(string(readFile(fs, attr.Inode, 0, 10))).Should(Equal("abcdefg"))
	})

	It("should drop vanished objects", func() {
		putObject(store, "gone", []byte("abc"))
		id := mustLookup(fs, root, "gone")
		Expect(store.Delete(ctx, "gone")).Should(BeNil())

		_, err := fs.GetAttr(ctx, id)
		Expect(err).Should(MatchError(types.ErrNotFound))
		_, err = fs.Lookup(ctx, root, "gone")
		Expect(err).Should(MatchError(types.ErrNotFound))
	})

	It("should report a listing that contradicts head", func() {
		ghost := &ghostStorage{MemoryStorage: store, ghost: "ghost"}
		gfs := newTestFileSystem(ghost, func() *config.FS {
			cfg := testFsConfig()
			cfg.Staleness = 0
			return cfg
		}())
		defer gfs.Close(ctx)

		putObject(store, "ghost", []byte("boo"))
		_, err := gfs.Lookup(ctx, root, "ghost")
		Expect(err).Should(MatchError(types.ErrInconsistent))
	})
})

var _ = Describe("TestInterruptedRequest", func() {
	var (
		store *storage.MemoryStorage
		fs    *FileSystem
		ctx   context.Context
	)
	BeforeEach(func() {
		store = storage.NewMemoryStorage("core-interrupted")
		putObject(store, "old.txt", []byte("old"))
		fs = newTestFileSystem(&cancelAwareStorage{MemoryStorage: store}, testFsConfig())

		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.TODO())
		cancel()
	})
	AfterEach(func() {
		fs.Close(context.TODO())
	})

	It("should still commit a file", func() {
		_, fh, err := fs.Create(ctx, root, "new.txt", syscall.O_RDWR, 0644, 0, 0)
		Expect(err).Should(BeNil())
		_, err = fs.Write(ctx, fh, []byte("hello"), 0)
		Expect(err).Should(BeNil())
		Expect(fs.Flush(ctx, fh)).Should(BeNil())
		Expect(getObject(store, "new.txt")).Should(Equal([]byte("hello")))
		Expect(fs.Release(ctx, fh)).Should(BeNil())
	})

	It("should still run lookup rename and unlink", func() {
		_, err := fs.Lookup(ctx, root, "old.txt")
		Expect(err).Should(BeNil())
		Expect(fs.Rename(ctx, root, "old.txt", root, "moved.txt", 0)).Should(BeNil())
		Expect(getObject(store, "moved.txt")).Should(Equal([]byte("old")))

		Expect(fs.Unlink(ctx, root, "moved.txt")).Should(BeNil())
		_, err = store.Head(context.TODO(), "moved.txt")
		Expect(err).Should(MatchError(types.ErrNotFound))
	})
})

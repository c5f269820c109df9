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
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/pkg/types"
)

var _ = Describe("TestRename", func() {
	var (
		ctx   = context.TODO()
		store *storage.MemoryStorage
		fs    *FileSystem
	)
	BeforeEach(func() {
		store = storage.NewMemoryStorage("core-rename")
		fs = newTestFileSystem(store, testFsConfig())
	})
	AfterEach(func() {
		fs.Close(ctx)
	})

	Context("rename file", func() {
		It("should move the object and keep the inode", func() {
			id := writeFile(fs, root, "old.txt", []byte("content"))
			Expect(fs.Rename(ctx, root, "old.txt", root, "new.txt", 0)).Should(BeNil())

			_, err := store.Head(ctx, "old.txt")
			Expect(err).Should(MatchError(types.ErrNotFound))
			Expect(string(getObject(store, "new.txt"))).Should(Equal("content"))

			attr, err := fs.Lookup(ctx, root, "new.txt")
			Expect(err).Should(BeNil())
			Expect(attr.Inode).Should(Equal(id))
			_, err = fs.Lookup(ctx, root, "old.txt")
			Expect(err).Should(MatchError(types.ErrNotFound))
			Expect(string(readFile(fs, id, 0, 16))).Should(Equal("content"))
		})
		It("should replace an existing file", func() {
			writeFile(fs, root, "src", []byte("src"))
			writeFile(fs, root, "dst", []byte("old dst"))
			Expect(fs.Rename(ctx, root, "src", root, "dst", 0)).Should(BeNil())
			Expect(string(getObject(store, "dst"))).Should(Equal("src"))
			Expect(listNames(fs, root)).Should(Equal([]string{".", "..", "dst"}))
		})
		It("should honor noreplace", func() {
			writeFile(fs, root, "src", []byte("src"))
			writeFile(fs, root, "dst", []byte("dst"))
			Expect(fs.Rename(ctx, root, "src", root, "dst", RenameNoreplace)).Should(MatchError(types.ErrIsExist))
			Expect(string(getObject(store, "dst"))).Should(Equal("dst"))
		})
		It("should refuse exchange", func() {
			writeFile(fs, root, "x", []byte("x"))
			writeFile(fs, root, "y", []byte("y"))
			Expect(fs.Rename(ctx, root, "x", root, "y", RenameExchange)).Should(MatchError(types.ErrInvalid))
		})
		It("should refuse replacing a dir with a file", func() {
			writeFile(fs, root, "f", []byte("f"))
			_, err := fs.Mkdir(ctx, root, "d", 0755, 0, 0)
			Expect(err).Should(BeNil())
			Expect(fs.Rename(ctx, root, "f", root, "d", 0)).Should(MatchError(types.ErrIsGroup))
			Expect(fs.Rename(ctx, root, "d", root, "f", 0)).Should(MatchError(types.ErrNoGroup))
		})
		It("should move files across dirs", func() {
			a, err := fs.Mkdir(ctx, root, "a", 0755, 0, 0)
			Expect(err).Should(BeNil())
			b, err := fs.Mkdir(ctx, root, "b", 0755, 0, 0)
			Expect(err).Should(BeNil())
			writeFile(fs, a.Inode, "f", []byte("moved"))

			Expect(fs.Rename(ctx, a.Inode, "f", b.Inode, "g", 0)).Should(BeNil())
			Expect(string(getObject(store, "b/g"))).Should(Equal("moved"))
			Expect(listNames(fs, a.Inode)).Should(Equal([]string{".", ".."}))
			Expect(listNames(fs, b.Inode)).Should(Equal([]string{".", "..", "g"}))
		})
	})

	Context("rename dir", func() {
		It("should move the whole subtree", func() {
			putObject(store, "src/", nil)
			putObject(store, "src/one", []byte("1"))
			putObject(store, "src/sub/two", []byte("22"))
			id := mustLookup(fs, root, "src")

			Expect(fs.Rename(ctx, root, "src", root, "dst", 0)).Should(BeNil())
			objects, err := store.List(ctx, "", "")
			Expect(err).Should(BeNil())
			keys := make([]string, 0, len(objects))
			for _, obj := range objects {
				keys = append(keys, obj.Key)
			}
			Expect(keys).Should(ConsistOf("dst/", "dst/one", "dst/sub/two"))

			Expect(mustLookup(fs, root, "dst")).Should(Equal(id))
			Expect(listNames(fs, id)).Should(Equal([]string{".", "..", "one", "sub"}))
			sub := mustLookup(fs, id, "sub")
			two, err := fs.Lookup(ctx, sub, "two")
			Expect(err).Should(BeNil())
			Expect(string(readFile(fs, two.Inode, 0, 2))).Should(Equal("22"))
		})
		It("should refuse moving a dir into itself", func() {
			parent, err := fs.Mkdir(ctx, root, "p", 0755, 0, 0)
			Expect(err).Should(BeNil())
			child, err := fs.Mkdir(ctx, parent.Inode, "c", 0755, 0, 0)
			Expect(err).Should(BeNil())
			Expect(fs.Rename(ctx, root, "p", child.Inode, "p", 0)).Should(MatchError(types.ErrInvalid))
			Expect(fs.Rename(ctx, root, "p", parent.Inode, "q", 0)).Should(MatchError(types.ErrInvalid))
		})
		It("should refuse replacing non empty dirs", func() {
			_, err := fs.Mkdir(ctx, root, "from", 0755, 0, 0)
			Expect(err).Should(BeNil())
			to, err := fs.Mkdir(ctx, root, "to", 0755, 0, 0)
			Expect(err).Should(BeNil())
			writeFile(fs, to.Inode, "keep", []byte("k"))
			Expect(fs.Rename(ctx, root, "from", root, "to", 0)).Should(MatchError(types.ErrNotEmpty))
			Expect(string(getObject(store, "to/keep"))).Should(Equal("k"))
		})
	})
})

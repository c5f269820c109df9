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

package dentry

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/bucketfs/pkg/storage"
	"github.com/basenana/bucketfs/pkg/types"
)

type countingStorage struct {
	storage.Storage
	lists int32
}

func (c *countingStorage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	atomic.AddInt32(&c.lists, 1)
	return c.Storage.List(ctx, prefix, delimiter)
}

// gatedListStorage holds listings until the gate opens.
type gatedListStorage struct {
	storage.Storage
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedListStorage) List(ctx context.Context, prefix, delimiter string) ([]types.ObjectInfo, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Storage.List(ctx, prefix, delimiter)
}

func put(s storage.Storage, key, content string) {
	_, err := s.Put(context.TODO(), key, bytes.NewReader([]byte(content)), int64(len(content)))
	Expect(err).Should(BeNil())
}

func names(nodes []*Node) []string {
	var result []string
	for _, n := range nodes {
		result = append(result, n.Name())
	}
	return result
}

var _ = Describe("TestTreeLookup", func() {
	var (
		mem  *storage.MemoryStorage
		cs   *countingStorage
		tree *Tree
		ctx  = context.TODO()
	)

	BeforeEach(func() {
		mem = storage.NewMemoryStorage("tree-test")
		cs = &countingStorage{Storage: mem}
		put(mem, "dir/a.txt", "hello")
		put(mem, "dir/sub/b.txt", "b")
		put(mem, "top.txt", "top")
		tree = NewTree(cs, Option{Staleness: time.Minute, MaxNodes: 1000})
	})

	Context("lazy listing", func() {
		It("should list one level per directory", func() {
			dir, err := tree.Lookup(ctx, tree.Root(), "dir")
			Expect(err).Should(BeNil())
			Expect(dir.IsGroup()).Should(BeTrue())
			Expect(dir.Key()).Should(Equal("dir/"))
			Expect(atomic.LoadInt32(&cs.lists)).Should(Equal(int32(1)))

			children, err := tree.Children(ctx, dir)
			Expect(err).Should(BeNil())
			Expect(names(children)).Should(Equal([]string{"a.txt", "sub"}))
			Expect(atomic.LoadInt32(&cs.lists)).Should(Equal(int32(2)))

			file, err := tree.Lookup(ctx, dir, "a.txt")
			Expect(err).Should(BeNil())
			Expect(file.Attr().Size).Should(Equal(int64(5)))
			Expect(file.Key()).Should(Equal("dir/a.txt"))
			Expect(atomic.LoadInt32(&cs.lists)).Should(Equal(int32(2)))
		})
		It("should keep inode numbers across lookups", func() {
			a1, err := tree.Resolve(ctx, "dir/a.txt")
			Expect(err).Should(BeNil())
			tree.Invalidate(tree.Root())
			a2, err := tree.Resolve(ctx, "dir/a.txt")
			Expect(err).Should(BeNil())
			Expect(a2.ID).Should(Equal(a1.ID))
		})
		It("missing name should be not found", func() {
			_, err := tree.Lookup(ctx, tree.Root(), "nothing")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
		})
		It("lookup under a file should fail", func() {
			top, err := tree.Lookup(ctx, tree.Root(), "top.txt")
			Expect(err).Should(BeNil())
			_, err = tree.Lookup(ctx, top, "x")
			Expect(errors.Is(err, types.ErrNoGroup)).Should(BeTrue())
		})
	})

	Context("invalidate", func() {
		It("should mark cached attributes stale until the next listing", func() {
			file, err := tree.Resolve(ctx, "dir/a.txt")
			Expect(err).Should(BeNil())
			Expect(file.Stale(time.Minute)).Should(BeFalse())
			gen := file.Generation()

			dir, err := tree.Resolve(ctx, "dir")
			Expect(err).Should(BeNil())
			tree.Invalidate(dir)
			Expect(file.Generation()).Should(Equal(gen + 1))
			Expect(file.Stale(time.Minute)).Should(BeTrue())

			Expect(tree.Refresh(ctx, dir)).Should(BeNil())
			Expect(file.Stale(time.Minute)).Should(BeFalse())
		})
		It("should not trust a listing that started before the invalidation", func() {
			gated := &gatedListStorage{Storage: mem, entered: make(chan struct{}, 4), gate: make(chan struct{})}
			tree = NewTree(gated, Option{Staleness: time.Minute, MaxNodes: 1000})

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := tree.Children(ctx, tree.Root())
				done <- err
			}()
			Eventually(gated.entered).Should(Receive())
			tree.Invalidate(tree.Root())
			close(gated.gate)
			Eventually(done).Should(Receive(BeNil()))

			_, err := tree.Children(ctx, tree.Root())
			Expect(err).Should(BeNil())
			Expect(gated.entered).Should(Receive())
		})
		It("should relist and pick remote changes up", func() {
			dir, err := tree.Lookup(ctx, tree.Root(), "dir")
			Expect(err).Should(BeNil())
			_, err = tree.Children(ctx, dir)
			Expect(err).Should(BeNil())

			put(mem, "dir/c.txt", "c")
			Expect(mem.Delete(ctx, "dir/a.txt")).Should(BeNil())

			children, err := tree.Children(ctx, dir)
			Expect(err).Should(BeNil())
			Expect(names(children)).Should(Equal([]string{"a.txt", "sub"}))

			tree.Invalidate(dir)
			children, err = tree.Children(ctx, dir)
			Expect(err).Should(BeNil())
			Expect(names(children)).Should(Equal([]string{"c.txt", "sub"}))
		})
		It("should keep pending nodes", func() {
			dir, err := tree.Lookup(ctx, tree.Root(), "dir")
			Expect(err).Should(BeNil())
			_, err = tree.Insert(dir, "new.txt", types.FileKind, true)
			Expect(err).Should(BeNil())

			Expect(tree.Refresh(ctx, dir)).Should(BeNil())
			_, err = tree.Lookup(ctx, dir, "new.txt")
			Expect(err).Should(BeNil())
		})
		It("should replace a node whose kind changed", func() {
			top, err := tree.Lookup(ctx, tree.Root(), "top.txt")
			Expect(err).Should(BeNil())
			Expect(mem.Delete(ctx, "top.txt")).Should(BeNil())
			put(mem, "top.txt/inner", "x")

			Expect(tree.Refresh(ctx, tree.Root())).Should(BeNil())
			again, err := tree.Lookup(ctx, tree.Root(), "top.txt")
			Expect(err).Should(BeNil())
			Expect(again.IsGroup()).Should(BeTrue())
			Expect(again.ID).ShouldNot(Equal(top.ID))
			Expect(top.Detached()).Should(BeTrue())
		})
	})

	Context("staleness", func() {
		It("should relist after the window", func() {
			tree = NewTree(cs, Option{Staleness: 10 * time.Millisecond, MaxNodes: 1000})
			_, err := tree.Children(ctx, tree.Root())
			Expect(err).Should(BeNil())
			before := atomic.LoadInt32(&cs.lists)
			time.Sleep(20 * time.Millisecond)
			_, err = tree.Children(ctx, tree.Root())
			Expect(err).Should(BeNil())
			Expect(atomic.LoadInt32(&cs.lists)).Should(Equal(before + 1))
		})
	})
})

var _ = Describe("TestTreeMutation", func() {
	var (
		mem  *storage.MemoryStorage
		tree *Tree
		ctx  = context.TODO()
	)

	BeforeEach(func() {
		mem = storage.NewMemoryStorage("tree-test")
		put(mem, "dir/a.txt", "hello")
		put(mem, "dir/sub/b.txt", "b")
		tree = NewTree(mem, Option{Staleness: time.Minute, MaxNodes: 1000})
	})

	Context("insert twice", func() {
		It("should report exist", func() {
			_, err := tree.Insert(tree.Root(), "x", types.DirKind, true)
			Expect(err).Should(BeNil())
			_, err = tree.Insert(tree.Root(), "x", types.FileKind, true)
			Expect(errors.Is(err, types.ErrIsExist)).Should(BeTrue())
		})
	})

	Context("remove", func() {
		It("should refuse non empty directories", func() {
			dir, err := tree.Resolve(ctx, "dir")
			Expect(err).Should(BeNil())
			_, err = tree.Children(ctx, dir)
			Expect(err).Should(BeNil())
			_, err = tree.Remove(tree.Root(), "dir")
			Expect(errors.Is(err, types.ErrNotEmpty)).Should(BeTrue())
		})
		It("should detach files", func() {
			file, err := tree.Resolve(ctx, "dir/a.txt")
			Expect(err).Should(BeNil())
			dir, _ := tree.Get(file.Parent())
			_, err = tree.Remove(dir, "a.txt")
			Expect(err).Should(BeNil())
			Expect(file.Detached()).Should(BeTrue())
			_, ok := tree.Get(file.ID)
			Expect(ok).Should(BeFalse())
		})
	})

	Context("move a directory", func() {
		It("should rewrite keys of the subtree", func() {
			sub, err := tree.Resolve(ctx, "dir/sub")
			Expect(err).Should(BeNil())
			b, err := tree.Lookup(ctx, sub, "b.txt")
			Expect(err).Should(BeNil())
			dir, _ := tree.Get(sub.Parent())

			moved, err := tree.Move(dir, "sub", tree.Root(), "moved")
			Expect(err).Should(BeNil())
			Expect(moved.ID).Should(Equal(sub.ID))
			Expect(moved.Key()).Should(Equal("moved/"))
			Expect(b.Key()).Should(Equal("moved/b.txt"))
			Expect(moved.Parent()).Should(Equal(RootInode))
			Expect(tree.IsAncestor(tree.Root(), b)).Should(BeTrue())
			Expect(tree.IsAncestor(dir, b)).Should(BeFalse())
		})
	})

	Context("eviction", func() {
		It("should keep pinned nodes and drop the others", func() {
			for i := 0; i < 20; i++ {
				put(mem, "many/f"+string(rune('a'+i)), "x")
			}
			tree = NewTree(mem, Option{Staleness: time.Minute, MaxNodes: 5})
			tree.SetPinChecker(func(id uint64) bool {
				node, ok := tree.Get(id)
				return ok && node.Name() == "fa"
			})
			many, err := tree.Resolve(ctx, "many")
			Expect(err).Should(BeNil())

			first, err := tree.Lookup(ctx, many, "fa")
			Expect(err).Should(BeNil())

			children, err := tree.Children(ctx, many)
			Expect(err).Should(BeNil())
			Expect(children).Should(HaveLen(20))

			_, err = tree.Lookup(ctx, many, "fa")
			Expect(err).Should(BeNil())
			Expect(tree.Len()).Should(BeNumerically("<", 22))
			_, ok := tree.Get(first.ID)
			Expect(ok).Should(BeTrue())
			Expect(first.Detached()).Should(BeFalse())
		})
		It("should keep a directory larger than the cache complete", func() {
			var expect []string
			for i := 0; i < 6; i++ {
				name := "f" + string(rune('0'+i))
				put(mem, "big/"+name, name)
				expect = append(expect, name)
			}
			cs := &countingStorage{Storage: mem}
			tree = NewTree(cs, Option{Staleness: time.Minute, MaxNodes: 3})
			big, err := tree.Resolve(ctx, "big")
			Expect(err).Should(BeNil())

			children, err := tree.Children(ctx, big)
			Expect(err).Should(BeNil())
			Expect(names(children)).Should(Equal(expect))

			for _, name := range expect {
				node, err := tree.Lookup(ctx, big, name)
				Expect(err).Should(BeNil())
				Expect(node.Key()).Should(Equal("big/" + name))
				Expect(node.Attr().Size).Should(Equal(int64(2)))
			}
			Expect(atomic.LoadInt32(&cs.lists)).Should(Equal(int32(2)))

			children, err = tree.Children(ctx, big)
			Expect(err).Should(BeNil())
			Expect(names(children)).Should(Equal(expect))

			empty, err := tree.IsEmpty(ctx, big)
			Expect(err).Should(BeNil())
			Expect(empty).Should(BeFalse())
		})
		It("should resolve evicted directories and report vanished names", func() {
			for i := 0; i < 6; i++ {
				put(mem, "wide/d"+string(rune('0'+i))+"/x", "x")
			}
			tree = NewTree(mem, Option{Staleness: time.Minute, MaxNodes: 3})
			wide, err := tree.Resolve(ctx, "wide")
			Expect(err).Should(BeNil())
			_, err = tree.Children(ctx, wide)
			Expect(err).Should(BeNil())

			for i := 0; i < 6; i++ {
				dir, err := tree.Lookup(ctx, wide, "d"+string(rune('0'+i)))
				Expect(err).Should(BeNil())
				Expect(dir.IsGroup()).Should(BeTrue())
			}
			_, err = tree.Lookup(ctx, wide, "nothing")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
		})
	})
})

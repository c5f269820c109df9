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
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/types"
)

// flakyStorage fails the first n calls of Head and Put with the given error.
type flakyStorage struct {
	Storage
	failures int32
	calls    int32
	err      error
	hang     time.Duration
}

func (f *flakyStorage) Head(ctx context.Context, key string) (types.ObjectInfo, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		if f.hang > 0 {
			select {
			case <-time.After(f.hang):
			case <-ctx.Done():
				return types.ObjectInfo{}, ctx.Err()
			}
		}
		return types.ObjectInfo{}, f.err
	}
	return f.Storage.Head(ctx, key)
}

func (f *flakyStorage) Put(ctx context.Context, key string, data io.Reader, size int64) (types.ObjectInfo, error) {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		_, _ = io.ReadAll(data)
		return types.ObjectInfo{}, f.err
	}
	return f.Storage.Put(ctx, key, data, size)
}

var fastRetry = &config.Retry{MaxAttempts: 3, BaseDelayMs: 1, MaxDelayMs: 5, TimeoutMs: 200}

var _ = Describe("TestRetryStorage", func() {
	var mem *MemoryStorage

	BeforeEach(func() {
		mem = NewMemoryStorage("retry-test")
		_, err := mem.Put(context.TODO(), "a.txt", bytes.NewReader([]byte("aaa")), 3)
		Expect(err).Should(BeNil())
	})

	Context("transient failures within the budget", func() {
		It("should succeed", func() {
			flaky := &flakyStorage{Storage: mem, failures: 2, err: transient("head", "a.txt", fmt.Errorf("connection reset"))}
			s := NewRetryStorage(flaky, fastRetry)
			info, err := s.Head(context.TODO(), "a.txt")
			Expect(err).Should(BeNil())
			Expect(info.Size).Should(Equal(int64(3)))
			Expect(atomic.LoadInt32(&flaky.calls)).Should(Equal(int32(3)))
		})
		It("should resend the same body", func() {
			flaky := &flakyStorage{Storage: mem, failures: 1, err: transient("put", "b.txt", fmt.Errorf("503"))}
			s := NewRetryStorage(flaky, fastRetry)
			_, err := s.Put(context.TODO(), "b.txt", bytes.NewReader([]byte("bbbb")), 4)
			Expect(err).Should(BeNil())
			info, err := mem.Head(context.TODO(), "b.txt")
			Expect(err).Should(BeNil())
			Expect(info.Size).Should(Equal(int64(4)))
		})
	})

	Context("transient failures beyond the budget", func() {
		It("should surface a transient error", func() {
			flaky := &flakyStorage{Storage: mem, failures: 10, err: transient("head", "a.txt", fmt.Errorf("throttled"))}
			s := NewRetryStorage(flaky, fastRetry)
			_, err := s.Head(context.TODO(), "a.txt")
			Expect(types.IsTransient(err)).Should(BeTrue())
			Expect(atomic.LoadInt32(&flaky.calls)).Should(Equal(int32(3)))
		})
	})

	Context("hanging call", func() {
		It("should hit the per attempt deadline and retry", func() {
			flaky := &flakyStorage{Storage: mem, failures: 1, hang: time.Second}
			s := NewRetryStorage(flaky, fastRetry)
			info, err := s.Head(context.TODO(), "a.txt")
			Expect(err).Should(BeNil())
			Expect(info.Size).Should(Equal(int64(3)))
		})
	})

	Context("not found", func() {
		It("should not be retried", func() {
			flaky := &flakyStorage{Storage: mem, failures: 10, err: types.ErrNotFound}
			s := NewRetryStorage(flaky, fastRetry)
			_, err := s.Head(context.TODO(), "a.txt")
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())
			Expect(atomic.LoadInt32(&flaky.calls)).Should(Equal(int32(1)))
		})
	})
})

var _ = Describe("TestClassifyS3Error", func() {
	Context("api errors", func() {
		It("should map codes to sentinel errors", func() {
			err := classifyS3Error("get", "k", &smithy.GenericAPIError{Code: "NoSuchKey"})
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeTrue())

			err = classifyS3Error("get", "k", &smithy.GenericAPIError{Code: "SlowDown"})
			Expect(types.IsTransient(err)).Should(BeTrue())

			err = classifyS3Error("get", "k", &smithy.GenericAPIError{Code: "AccessDenied"})
			Expect(errors.Is(err, types.ErrNoAccess)).Should(BeTrue())

			err = classifyS3Error("get", "k", &smithy.GenericAPIError{Code: "InvalidBucketName"})
			Expect(types.IsTransient(err)).Should(BeFalse())
			Expect(errors.Is(err, types.ErrNotFound)).Should(BeFalse())
		})
	})
	Context("deadline", func() {
		It("should be transient", func() {
			err := classifyS3Error("get", "k", context.DeadlineExceeded)
			Expect(types.IsTransient(err)).Should(BeTrue())
		})
	})
})

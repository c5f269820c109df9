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
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"
	"syscall"

	"github.com/basenana/bucketfs/pkg/types"
)

var transientCodes = map[string]struct{}{
	"SlowDown":                   {},
	"Throttling":                 {},
	"ThrottlingException":        {},
	"RequestTimeout":             {},
	"RequestTimeTooSkewed":       {},
	"InternalError":              {},
	"ServiceUnavailable":         {},
	"XMinioServerNotInitialized": {},
}

func isTransientCode(code string) bool {
	_, ok := transientCodes[code]
	return ok
}

func isTransientStatus(status int) bool {
	return status == 429 || status >= 500
}

// isTransientError recognises failures of the transport rather than of the request.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, types.ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func transient(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %s", types.ErrTransient, op, key, err)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// multipartETag computes the ETag S3 assigns to a completed multipart upload.
func multipartETag(partETags []string) string {
	h := md5.New()
	for _, et := range partETags {
		raw, err := hex.DecodeString(types.TrimETag(et))
		if err != nil {
			raw = []byte(et)
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partETags))
}

func copySource(bucket, key string) string {
	return url.PathEscape(bucket + "/" + key)
}

func rangeHeader(off, limit int64) string {
	if limit <= 0 {
		return fmt.Sprintf("bytes=%d-", off)
	}
	return fmt.Sprintf("bytes=%d-%d", off, off+limit-1)
}

func withPrefix(prefix, key string) string {
	return prefix + key
}

func trimPrefix(prefix, key string) string {
	return strings.TrimPrefix(key, prefix)
}

// groupByDelimiter rolls plain keys up into common prefixes the way S3 does.
func groupByDelimiter(prefix, delimiter string, objects []types.ObjectInfo) []types.ObjectInfo {
	var (
		result   []types.ObjectInfo
		prefixes = map[string]struct{}{}
	)
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) || obj.Key == prefix {
			continue
		}
		if delimiter != "" {
			rest := obj.Key[len(prefix):]
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if _, ok := prefixes[cp]; !ok {
					prefixes[cp] = struct{}{}
					result = append(result, types.ObjectInfo{Key: cp, IsPrefix: true})
				}
				continue
			}
		}
		result = append(result, obj)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result
}

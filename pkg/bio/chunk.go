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
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/basenana/bucketfs/pkg/types"
)

// Chunk is a dirty byte range of an object, Data starts at Offset and never
// crosses the chunk boundary.
type Chunk struct {
	Index  int64
	Offset int64
	Data   []byte
}

// resize keeps the chunk exactly size bytes long, zero filling any growth.
func (c *Chunk) resize(size int64) {
	switch {
	case int64(len(c.Data)) > size:
		c.Data = c.Data[:size]
	case int64(len(c.Data)) < size:
		c.Data = append(c.Data, make([]byte, size-int64(len(c.Data)))...)
	}
}

func computeChunkIndex(off, chunkSize int64) (idx int64, pos int64) {
	idx = off / chunkSize
	pos = off % chunkSize
	return
}

func chunkCount(size, chunkSize int64) int64 {
	return (size + chunkSize - 1) / chunkSize
}

func chunkCacheKey(key, version string, idx int64) string {
	return fmt.Sprintf("%s@%s#%d", key, version, idx)
}

func checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// verifyChecksum compares a locally computed md5 with the ETag the store
// reported. ETags that are not plain md5 digests carry no checksum.
func verifyChecksum(key string, part int32, expect, etag string) error {
	etag = types.TrimETag(etag)
	if len(etag) != md5.Size*2 {
		return nil
	}
	if _, err := hex.DecodeString(etag); err != nil {
		return nil
	}
	if etag != expect {
		return fmt.Errorf("%w: %s part %d expect %s got %s", types.ErrChecksumMismatch, key, part, expect, etag)
	}
	return nil
}

func maxOff(off1, off2 int64) int64 {
	if off1 > off2 {
		return off1
	}
	return off2
}

func minOff(off1, off2 int64) int64 {
	if off1 < off2 {
		return off1
	}
	return off2
}

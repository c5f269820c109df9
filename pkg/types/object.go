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

package types

import (
	"fmt"
	"strings"
	"time"
)

const (
	PathSeparator = "/"
)

// ObjectInfo is what the object store reports about one key or common prefix.
type ObjectInfo struct {
	Key      string
	IsPrefix bool
	Size     int64
	ETag     string
	ModTime  time.Time
}

// Version fingerprints an object revision, preferring the ETag.
func (o ObjectInfo) Version() string {
	if o.ETag != "" {
		return o.ETag
	}
	return ObjectVersion(o.Size, o.ModTime)
}

func ObjectVersion(size int64, mtime time.Time) string {
	return fmt.Sprintf("sz-%d-%d", size, mtime.UnixNano())
}

// CompletedPart describes one part of a multipart upload.
type CompletedPart struct {
	Number int32
	ETag   string
}

// DirKey returns the key of a directory named name under parentKey.
func DirKey(parentKey, name string) string {
	return parentKey + name + PathSeparator
}

// FileKey returns the key of a file named name under parentKey.
func FileKey(parentKey, name string) string {
	return parentKey + name
}

// BaseName returns the last component of key, without any trailing separator.
func BaseName(key string) string {
	key = strings.TrimSuffix(key, PathSeparator)
	if idx := strings.LastIndex(key, PathSeparator); idx >= 0 {
		return key[idx+1:]
	}
	return key
}

func TrimETag(etag string) string {
	return strings.Trim(etag, "\"")
}

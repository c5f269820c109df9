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

import "os"

type Kind string

const (
	FileKind Kind = "file"
	DirKind  Kind = "dir"
)

const (
	DefaultDirMode  = 0755
	DefaultFileMode = 0644

	// DirectorySize is the st_size reported for every directory.
	DirectorySize = 4096
)

func IsGroup(k Kind) bool {
	return k == DirKind
}

func (k Kind) FileMode() os.FileMode {
	if IsGroup(k) {
		return os.ModeDir
	}
	return 0
}

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

import "time"

// Access is the ownership bookkeeping kept per node. It is never enforced.
type Access struct {
	UID  uint32
	GID  uint32
	Mode uint32
}

// Attr is the attribute snapshot handed to the kernel adapter.
type Attr struct {
	Inode   uint64
	Kind    Kind
	Size    int64
	ModTime time.Time
	Access  Access
}

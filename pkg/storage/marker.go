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

	"github.com/basenana/bucketfs/config"
	"github.com/basenana/bucketfs/pkg/types"
)

// DirMarker decides how a directory is materialised in the bucket.
type DirMarker interface {
	Create(ctx context.Context, key string) error
	Remove(ctx context.Context, key string) error
}

func NewDirMarker(mode string, s Storage) DirMarker {
	if mode == config.DirMarkerPrefix {
		return prefixMarker{}
	}
	return objectMarker{s: s}
}

// objectMarker writes a zero byte "dir/" object.
type objectMarker struct {
	s Storage
}

func (o objectMarker) Create(ctx context.Context, key string) error {
	_, err := o.s.Put(ctx, key, bytes.NewReader(nil), 0)
	return err
}

func (o objectMarker) Remove(ctx context.Context, key string) error {
	err := o.s.Delete(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// prefixMarker keeps directories implicit, they exist while some key lives below them.
type prefixMarker struct{}

func (prefixMarker) Create(ctx context.Context, key string) error {
	return nil
}

func (prefixMarker) Remove(ctx context.Context, key string) error {
	return nil
}

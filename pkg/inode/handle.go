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

package inode

import (
	"sync"

	"github.com/basenana/bucketfs/pkg/types"
)

// HandleTable hands out opaque, never reused handle ids.
type HandleTable[T any] struct {
	next    uint64
	handles map[uint64]T
	mux     sync.RWMutex
}

func NewHandleTable[T any]() *HandleTable[T] {
	return &HandleTable[T]{handles: map[uint64]T{}}
}

func (h *HandleTable[T]) Add(val T) uint64 {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.next++
	h.handles[h.next] = val
	return h.next
}

func (h *HandleTable[T]) Get(id uint64) (T, error) {
	h.mux.RLock()
	defer h.mux.RUnlock()
	val, ok := h.handles[id]
	if !ok {
		var empty T
		return empty, types.ErrInvalid
	}
	return val, nil
}

func (h *HandleTable[T]) Remove(id uint64) (T, error) {
	h.mux.Lock()
	defer h.mux.Unlock()
	val, ok := h.handles[id]
	if !ok {
		var empty T
		return empty, types.ErrInvalid
	}
	delete(h.handles, id)
	return val, nil
}

// Range visits a snapshot of the open handles.
func (h *HandleTable[T]) Range(fn func(id uint64, val T) bool) {
	h.mux.RLock()
	snapshot := make(map[uint64]T, len(h.handles))
	for k, v := range h.handles {
		snapshot[k] = v
	}
	h.mux.RUnlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (h *HandleTable[T]) Len() int {
	h.mux.RLock()
	defer h.mux.RUnlock()
	return len(h.handles)
}

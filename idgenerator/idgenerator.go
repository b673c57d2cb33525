// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package idgenerator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
)

const defaultStep = 100

var (
	MaxCount = 1000000

	ErrInvalidCount = errors.New("request count is invalid")
)

type IDGenerator interface {
	// Alloc reserves count ids of scope name and returns the range (base, new].
	Alloc(ctx context.Context, name string, count int) (base, new uint64, err error)
	// Next returns one id of scope name from a locally cached range.
	Next(ctx context.Context, name string) (uint64, error)
}

type scopeRange struct {
	next uint64
	end  uint64
}

type idGenerator struct {
	step      int
	raftGroup raft.Group
	storage   *storage

	lock       sync.Mutex
	scopeItems map[string]uint64

	rangeLock sync.Mutex
	ranges    map[string]*scopeRange
}

func NewIDGenerator(kvStore kvstore.Store, raftGroup raft.Group, step int) (IDGenerator, error) {
	_, ctx := trace.StartSpanFromContext(context.Background(), "NewIDGenerator")
	if step <= 0 {
		step = defaultStep
	}

	s := &idGenerator{
		step:      step,
		raftGroup: raftGroup,
		storage:   &storage{kvStore: kvStore},
		ranges:    make(map[string]*scopeRange),
	}
	if err := s.LoadData(ctx); err != nil {
		return nil, err
	}
	raftGroup.RegisterApplier(s)
	return s, nil
}

func (s *idGenerator) Alloc(ctx context.Context, name string, count int) (base, new uint64, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if count <= 0 {
		return 0, 0, ErrInvalidCount
	}

	if count > MaxCount {
		count = MaxCount
	}

	args := &allocArgs{Name: name, Count: count}
	data, err := json.Marshal(args)
	if err != nil {
		return
	}

	ret, err := s.raftGroup.Propose(ctx, &raft.ProposeRequest{
		Module:     module,
		Op:         RaftOpAlloc,
		Data:       data,
		WithResult: true,
	})
	if err != nil {
		span.Errorf("propose failed, name %s, err %v", name, err)
		return
	}

	new = ret.Data.(uint64)
	base = new - uint64(count)
	span.Debugf("alloc success, name %s, base %d, new %d", name, base, new)
	return
}

func (s *idGenerator) Next(ctx context.Context, name string) (uint64, error) {
	s.rangeLock.Lock()
	defer s.rangeLock.Unlock()

	r, ok := s.ranges[name]
	if !ok || r.next > r.end {
		base, end, err := s.Alloc(ctx, name, s.step)
		if err != nil {
			return 0, err
		}
		r = &scopeRange{next: base + 1, end: end}
		s.ranges[name] = r
	}
	id := r.next
	r.next++
	return id, nil
}

type allocArgs struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

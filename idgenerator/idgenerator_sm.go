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
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
)

const (
	RaftOpAlloc raft.Op = iota + 1
)

const module = "idGenerator"

func (s *idGenerator) LoadData(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	scopeItems, err := s.storage.Load(ctx)
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.scopeItems = scopeItems
	s.lock.Unlock()
	span.Infof("scope item: %+v", scopeItems)
	return nil
}

func (s *idGenerator) Module() string {
	return module
}

func (s *idGenerator) Apply(ctx context.Context, op raft.Op, data []byte, index uint64) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)
	switch op {
	case RaftOpAlloc:
		ret, err := s.applyCommit(ctx, data)
		if err != nil {
			return nil, errors.Info(err, "apply commit failed").Detail(err)
		}
		return ret, nil
	default:
		span.Errorf("unknown op, mod %s, op %d", module, op)
		return nil, errors.New(fmt.Sprintf("unsupported operation type: %d", op))
	}
}

func (s *idGenerator) applyCommit(ctx context.Context, data []byte) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	args := &allocArgs{}
	err := json.Unmarshal(data, args)
	if err != nil {
		return 0, errors.Info(err, "json unmarshal failed")
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	current, err := s.storage.Get(ctx, args.Name)
	if err != nil && err != kvstore.ErrNotFound {
		return 0, err
	}

	newCurrent := current + uint64(args.Count)
	err = s.storage.Put(ctx, args.Name, newCurrent)
	if err != nil {
		span.Errorf("put id failed, name %s, err: %v", args.Name, err)
		return 0, err
	}
	s.scopeItems[args.Name] = newCurrent

	span.Debugf("alloc id success, name %s, current %d, new current %d", args.Name, current, newCurrent)
	return newCurrent, nil
}

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

package server

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/action"
	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/permission"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/rule"
	"github.com/cubefs/contentrepo/txn"
	"github.com/cubefs/contentrepo/util/limiter"
	"github.com/cubefs/contentrepo/view"
)

// LocalCF keeps process local state such as the raft applied index.
const LocalCF = kvstore.CF("local")

type StoreConfig struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

type Config struct {
	StoreConfig  StoreConfig         `json:"store_config"`
	RaftConfig   raft.Config         `json:"raft_config"`
	RetryConfig  txn.RetryConfig     `json:"retry_config"`
	IDStep       int                 `json:"id_step"`
	ActionConfig action.Config       `json:"action_config"`
	LimitConfig  limiter.LimitConfig `json:"limit_config"`
	AuditLog     auditlog.Config     `json:"auditlog"`
}

// Server wires the repository services over one store and commit log.
type Server struct {
	store       kvstore.Store
	raftGroup   raft.Group
	helper      *txn.Helper
	nodes       *node.DAO
	permissions *permission.Service
	actions     *action.Service
	rules       *rule.Service
	views       *view.Service
	limit       limiter.Limiter

	auditLogHandler  rpc.ProgressHandler
	auditLogRecorder auditlog.LogCloser
}

func NewServer(cfg *Config) *Server {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	kvOption := cfg.StoreConfig.KVOption
	kvOption.CreateIfMissing = true
	kvOption.ColumnFamily = []kvstore.CF{LocalCF, idgenerator.CF, qname.CF, node.CF, acl.CF}
	store, err := kvstore.NewKVStore(ctx, cfg.StoreConfig.Path, kvstore.RocksdbLsmKVType, &kvOption)
	if err != nil {
		span.Fatalf("open store at %s failed: %s", cfg.StoreConfig.Path, errors.Detail(err))
	}

	raftConfig := cfg.RaftConfig
	raftConfig.Storage = raft.NewKVStorage(store, LocalCF)
	raftGroup := raft.NewRaftGroup(&raftConfig)
	helper := txn.NewHelper(txn.NewManager(store, raftGroup), cfg.RetryConfig)
	ids, err := idgenerator.NewIDGenerator(store, raftGroup, cfg.IDStep)
	if err != nil {
		span.Fatalf("load id generator failed: %s", errors.Detail(err))
	}
	if err = raftGroup.Start(); err != nil {
		span.Fatalf("start raft group failed: %s", errors.Detail(err))
	}

	qnames := qname.NewDAO(store, helper, ids, qname.NewPrefixResolver())
	nodes := node.NewDAO(store, helper, ids, qnames, acl.NewDAO(helper, ids, qnames))
	limit := limiter.NewLimiter(cfg.LimitConfig)
	actions := action.NewServiceWithConfig(helper, nodes, action.NewDefaultRegistry(), cfg.ActionConfig)
	s := &Server{
		store:       store,
		raftGroup:   raftGroup,
		helper:      helper,
		nodes:       nodes,
		permissions: permission.NewService(helper, nodes),
		actions:     actions,
		rules:       rule.NewService(helper, nodes, actions),
		views:       view.NewService(helper, nodes, limit),
		limit:       limit,
	}
	if cfg.AuditLog.LogDir != "" {
		s.auditLogHandler, s.auditLogRecorder, err = auditlog.Open("CONTENTREPO", &cfg.AuditLog)
		if err != nil {
			span.Fatalf("open audit log failed: %s", errors.Detail(err))
		}
	}
	span.Infof("server started, store at %s", cfg.StoreConfig.Path)
	return s
}

// flush writes the memtables of every column family out before close.
func (s *Server) flush() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	for _, col := range s.store.GetAllColumns() {
		if err := s.store.FlushCF(ctx, col); err != nil {
			span.Warnf("flush column family %s failed: %s", col, err)
		}
	}
}

// Close stops the action queues before the commit log and the store.
func (s *Server) Close() {
	s.actions.Close()
	s.raftGroup.Close()
	s.flush()
	s.store.Close()
	if s.auditLogRecorder != nil {
		s.auditLogRecorder.Close()
	}
}

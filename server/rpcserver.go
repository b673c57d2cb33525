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
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cubefs/contentrepo/common/auth"
	"github.com/cubefs/contentrepo/metrics"
	"github.com/cubefs/contentrepo/proto"
	"github.com/cubefs/contentrepo/util"
)

var auditLogPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

type RPCServer struct {
	grpcServer *grpc.Server

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.GRPCMetrics.UnaryServerInterceptor(),
		rs.unaryInterceptorWithTracer,
		rs.unaryInterceptorWithAuditLog,
	))
	proto.RegisterRepositoryServer(s, rs)
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s failed: %s", addr, err)
	}
	r.ServeListener(lis)
	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) ServeListener(lis net.Listener) {
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Error("grpc server exits:", err)
		}
	}()
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

// Call implements proto.RepositoryServer.
func (r *RPCServer) Call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	span := trace.SpanFromContextSafe(ctx)
	ret, err := r.call(ctx, method, req)
	if err != nil {
		span.Warnf("call %s failed: %s", method, errors.Detail(err))
		return nil, grpcError(err)
	}
	out, err := proto.Encode(ret)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (r *RPCServer) call(ctx context.Context, method string, req *structpb.Struct) (interface{}, error) {
	switch method {
	case proto.MethodCreateStore:
		args := new(proto.StoreArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.CreateStore(ctx, args)
	case proto.MethodGetStores:
		return r.GetStores(ctx)
	case proto.MethodCreateNode:
		args := new(proto.CreateNodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.CreateNode(ctx, args)
	case proto.MethodGetNode:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetNode(ctx, args)
	case proto.MethodDeleteNode:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return nil, r.DeleteNode(ctx, args)
	case proto.MethodSetProperties:
		args := new(proto.SetPropertiesArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.SetProperties(ctx, args)
	case proto.MethodUpdateAspects:
		args := new(proto.AspectsArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.UpdateAspects(ctx, args)
	case proto.MethodGetChildren:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetChildren(ctx, args)
	case proto.MethodSetPermission:
		args := new(proto.PermissionArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return nil, r.SetPermission(ctx, args)
	case proto.MethodSetInherit:
		args := new(proto.InheritArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return nil, r.SetInheritParentPermissions(ctx, args)
	case proto.MethodGetPermissions:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetPermissions(ctx, args)
	case proto.MethodHasPermission:
		args := new(proto.PermissionArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.HasPermission(ctx, args)
	case proto.MethodExecuteAction:
		args := new(proto.ExecuteArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.ExecuteAction(ctx, args)
	case proto.MethodGetExecutionHistory:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetExecutionHistory(ctx, args)
	case proto.MethodSaveAction:
		args := new(proto.SaveActionArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.SaveAction(ctx, args)
	case proto.MethodGetActions:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetActions(ctx, args)
	case proto.MethodRemoveAction:
		args := new(proto.ActionIDArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return nil, r.RemoveAction(ctx, args)
	case proto.MethodSaveRule:
		args := new(proto.SaveRuleArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.SaveRule(ctx, args)
	case proto.MethodGetRule:
		args := new(proto.NodeArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetRule(ctx, args)
	case proto.MethodGetRules:
		args := new(proto.RulesArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.GetRules(ctx, args)
	case proto.MethodRemoveRule:
		args := new(proto.RuleIDArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return nil, r.RemoveRule(ctx, args)
	case proto.MethodExport:
		args := new(proto.ExportArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		buf := util.GetBufferWriter(exportBufferSize)
		defer util.PutBufferWriter(buf)
		if err := r.Export(ctx, buf, args); err != nil {
			return nil, err
		}
		return &proto.ExportResult{View: buf.String()}, nil
	case proto.MethodImport:
		args := new(proto.ImportArgs)
		if err := decodeArgs(req, args); err != nil {
			return nil, err
		}
		return r.Import(ctx, strings.NewReader(args.View), args)
	}
	return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func decodeArgs(req *structpb.Struct, args interface{}) error {
	if err := proto.Decode(req, args); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// unaryInterceptorWithTracer restores the caller's request id and user.
func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "failed to get metadata")
	}
	if reqID, ok := md[proto.ReqIdKey]; ok && len(reqID) > 0 {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqID[0])
	} else {
		_, ctx = trace.StartSpanFromContext(ctx, "")
	}
	if user, ok := md[proto.UserKey]; ok && len(user) > 0 {
		ctx = auth.WithUser(ctx, user[0])
	}

	return handler(ctx, req)
}

func (r *RPCServer) unaryInterceptorWithAuditLog(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	start := time.Now()
	resp, err = handler(ctx, req)

	recorder := r.auditLogRecorder
	if recorder == nil {
		return
	}
	in, _ := json.Marshal(req)
	code := status.Code(err)
	duration := int64(time.Since(start) / time.Millisecond)

	bw := auditLogPool.Get().(*bytes.Buffer)
	defer auditLogPool.Put(bw)
	bw.Reset()
	bw.WriteString(info.FullMethod)
	bw.WriteString("\t")
	bw.WriteString(trace.SpanFromContextSafe(ctx).TraceID())
	bw.WriteString("\t")
	bw.WriteString(auth.User(ctx))
	bw.WriteString("\t")
	bw.Write(in)
	bw.WriteString("\t")
	bw.WriteString(code.String())
	bw.WriteString("\t")
	bw.WriteString(strconv.FormatInt(duration, 10))
	bw.WriteString("\n")
	if lerr := recorder.Log(bw.Bytes()); lerr != nil {
		trace.SpanFromContextSafe(ctx).Warnf("write audit log failed: %s", lerr)
	}
	return
}

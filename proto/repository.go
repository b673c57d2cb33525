package proto

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const RepositoryServiceName = "contentrepo.Repository"

// Repository methods. Every method takes and returns a structpb.Struct
// holding the json form of the matching args and result types.
const (
	MethodCreateStore         = "CreateStore"
	MethodGetStores           = "GetStores"
	MethodCreateNode          = "CreateNode"
	MethodGetNode             = "GetNode"
	MethodDeleteNode          = "DeleteNode"
	MethodSetProperties       = "SetProperties"
	MethodUpdateAspects       = "UpdateAspects"
	MethodGetChildren         = "GetChildren"
	MethodSetPermission       = "SetPermission"
	MethodSetInherit          = "SetInheritParentPermissions"
	MethodGetPermissions      = "GetPermissions"
	MethodHasPermission       = "HasPermission"
	MethodExecuteAction       = "ExecuteAction"
	MethodGetExecutionHistory = "GetExecutionHistory"
	MethodSaveAction          = "SaveAction"
	MethodGetActions          = "GetActions"
	MethodRemoveAction        = "RemoveAction"
	MethodSaveRule            = "SaveRule"
	MethodGetRule             = "GetRule"
	MethodGetRules            = "GetRules"
	MethodRemoveRule          = "RemoveRule"
	MethodExport              = "Export"
	MethodImport              = "Import"
)

var repositoryMethods = []string{
	MethodCreateStore, MethodGetStores, MethodCreateNode, MethodGetNode, MethodDeleteNode,
	MethodSetProperties, MethodUpdateAspects, MethodGetChildren, MethodSetPermission, MethodSetInherit,
	MethodGetPermissions, MethodHasPermission, MethodExecuteAction, MethodGetExecutionHistory,
	MethodSaveAction, MethodGetActions, MethodRemoveAction, MethodSaveRule, MethodGetRule, MethodGetRules,
	MethodRemoveRule, MethodExport, MethodImport,
}

// RepositoryServer dispatches a method by name.
type RepositoryServer interface {
	Call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

func FullMethod(method string) string {
	return "/" + RepositoryServiceName + "/" + method
}

func RegisterRepositoryServer(s *grpc.Server, srv RepositoryServer) {
	desc := grpc.ServiceDesc{
		ServiceName: RepositoryServiceName,
		HandlerType: (*RepositoryServer)(nil),
		Metadata:    "contentrepo.proto",
	}
	for _, method := range repositoryMethods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: method, Handler: methodHandler(method)})
	}
	s.RegisterService(&desc, srv)
}

func methodHandler(method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error,
		interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req interface{}) (interface{}, error) {
			return srv.(RepositoryServer).Call(ctx, method, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, call)
	}
}

// Encode converts a json tagged value to a struct message.
func Encode(v interface{}) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := make(map[string]interface{})
	if err = json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Decode fills v from a struct message.
func Decode(s *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// RepositoryClient calls the Repository service over a connection.
type RepositoryClient struct {
	cc grpc.ClientConnInterface
}

func NewRepositoryClient(cc grpc.ClientConnInterface) *RepositoryClient {
	return &RepositoryClient{cc: cc}
}

func (c *RepositoryClient) Call(ctx context.Context, method string, args, result interface{}, opts ...grpc.CallOption) error {
	in, err := Encode(args)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err = c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return Decode(out, result)
}

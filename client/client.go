package client

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/cubefs/contentrepo/action"
	"github.com/cubefs/contentrepo/proto"
	"github.com/cubefs/contentrepo/rule"
)

type (
	Config struct {
		Addr string `json:"addr"`
		// User acts for calls whose context names no user.
		User            string          `json:"user"`
		TransportConfig TransportConfig `json:"transport"`
	}
	TransportConfig struct {
		MaxTimeoutMs       uint32 `json:"max_timeout_ms"`
		ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
		KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
		BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
		BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
	}
)

// Client is a typed caller of the repository grpc service.
type Client struct {
	*proto.RepositoryClient
	conn *grpc.ClientConn
	tc   TransportConfig
}

func NewClient(ctx context.Context, cfg *Config, opts ...grpc.DialOption) (*Client, error) {
	initTransportConfig(&cfg.TransportConfig)
	dialOpts := append(generateDialOpts(cfg), opts...)

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TransportConfig.ConnectTimeoutMs)*time.Millisecond)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, cfg.Addr, dialOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		RepositoryClient: proto.NewRepositoryClient(conn),
		conn:             conn,
		tc:               cfg.TransportConfig,
	}, nil
}

func (c *Client) Address() string {
	return c.conn.Target()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, args, result interface{}) error {
	if c.tc.MaxTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.tc.MaxTimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return c.Call(ctx, method, args, result)
}

func (c *Client) CreateStore(ctx context.Context, protocol, identifier string) (*proto.NodeInfo, error) {
	ret := new(proto.NodeInfo)
	err := c.call(ctx, proto.MethodCreateStore, &proto.StoreArgs{Protocol: protocol, Identifier: identifier}, ret)
	return ret, err
}

func (c *Client) GetStores(ctx context.Context) ([]string, error) {
	ret := new(proto.StoresResult)
	if err := c.call(ctx, proto.MethodGetStores, nil, ret); err != nil {
		return nil, err
	}
	return ret.Stores, nil
}

func (c *Client) CreateNode(ctx context.Context, args *proto.CreateNodeArgs) (*proto.NodeInfo, error) {
	ret := new(proto.NodeInfo)
	err := c.call(ctx, proto.MethodCreateNode, args, ret)
	return ret, err
}

func (c *Client) GetNode(ctx context.Context, ref string) (*proto.NodeInfo, error) {
	ret := new(proto.NodeInfo)
	err := c.call(ctx, proto.MethodGetNode, &proto.NodeArgs{Ref: ref}, ret)
	return ret, err
}

func (c *Client) DeleteNode(ctx context.Context, ref string) error {
	return c.call(ctx, proto.MethodDeleteNode, &proto.NodeArgs{Ref: ref}, nil)
}

func (c *Client) SetProperties(ctx context.Context, args *proto.SetPropertiesArgs) (*proto.NodeInfo, error) {
	ret := new(proto.NodeInfo)
	err := c.call(ctx, proto.MethodSetProperties, args, ret)
	return ret, err
}

func (c *Client) UpdateAspects(ctx context.Context, args *proto.AspectsArgs) (*proto.NodeInfo, error) {
	ret := new(proto.NodeInfo)
	err := c.call(ctx, proto.MethodUpdateAspects, args, ret)
	return ret, err
}

func (c *Client) GetChildren(ctx context.Context, ref string) ([]proto.ChildInfo, error) {
	ret := new(proto.ChildrenResult)
	if err := c.call(ctx, proto.MethodGetChildren, &proto.NodeArgs{Ref: ref}, ret); err != nil {
		return nil, err
	}
	return ret.Children, nil
}

func (c *Client) SetPermission(ctx context.Context, args *proto.PermissionArgs) error {
	return c.call(ctx, proto.MethodSetPermission, args, nil)
}

func (c *Client) SetInheritParentPermissions(ctx context.Context, ref string, inherit bool) error {
	return c.call(ctx, proto.MethodSetInherit, &proto.InheritArgs{Ref: ref, Inherit: inherit}, nil)
}

func (c *Client) GetPermissions(ctx context.Context, ref string) (*proto.PermissionsResult, error) {
	ret := new(proto.PermissionsResult)
	err := c.call(ctx, proto.MethodGetPermissions, &proto.NodeArgs{Ref: ref}, ret)
	return ret, err
}

// HasPermission checks perm for authority, the calling user when empty.
func (c *Client) HasPermission(ctx context.Context, ref, authority, perm string) (bool, error) {
	ret := new(proto.CheckResult)
	args := &proto.PermissionArgs{Ref: ref, Authority: authority, Permission: perm}
	if err := c.call(ctx, proto.MethodHasPermission, args, ret); err != nil {
		return false, err
	}
	return ret.Allowed, nil
}

func (c *Client) ExecuteAction(ctx context.Context, args *proto.ExecuteArgs) (string, error) {
	ret := new(proto.ActionResult)
	if err := c.call(ctx, proto.MethodExecuteAction, args, ret); err != nil {
		return "", err
	}
	return ret.ID, nil
}

func (c *Client) GetExecutionHistory(ctx context.Context, ref string) ([]*action.ExecutionDetails, error) {
	ret := new(proto.HistoryResult)
	if err := c.call(ctx, proto.MethodGetExecutionHistory, &proto.NodeArgs{Ref: ref}, ret); err != nil {
		return nil, err
	}
	return ret.Executions, nil
}

func (c *Client) SaveAction(ctx context.Context, ref string, a *action.Action) (string, error) {
	ret := new(proto.ActionResult)
	if err := c.call(ctx, proto.MethodSaveAction, &proto.SaveActionArgs{Ref: ref, Action: a}, ret); err != nil {
		return "", err
	}
	return ret.ID, nil
}

func (c *Client) GetActions(ctx context.Context, ref string) ([]*action.Action, error) {
	ret := new(proto.ActionsResult)
	if err := c.call(ctx, proto.MethodGetActions, &proto.NodeArgs{Ref: ref}, ret); err != nil {
		return nil, err
	}
	return ret.Actions, nil
}

// RemoveAction removes one saved action, or all of them when id is empty.
func (c *Client) RemoveAction(ctx context.Context, ref, id string) error {
	return c.call(ctx, proto.MethodRemoveAction, &proto.ActionIDArgs{Ref: ref, ID: id}, nil)
}

// SaveRule returns the id of the saved rule.
func (c *Client) SaveRule(ctx context.Context, ref string, r *rule.Rule) (string, error) {
	ret := new(proto.RuleResult)
	if err := c.call(ctx, proto.MethodSaveRule, &proto.SaveRuleArgs{Ref: ref, Rule: r}, ret); err != nil {
		return "", err
	}
	return ret.ID, nil
}

func (c *Client) GetRule(ctx context.Context, ref string) (*rule.Rule, error) {
	ret := new(rule.Rule)
	if err := c.call(ctx, proto.MethodGetRule, &proto.NodeArgs{Ref: ref}, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) GetRules(ctx context.Context, ref string, includeInherited bool) ([]*rule.Rule, error) {
	ret := new(proto.RulesResult)
	if err := c.call(ctx, proto.MethodGetRules, &proto.RulesArgs{Ref: ref, IncludeInherited: includeInherited}, ret); err != nil {
		return nil, err
	}
	return ret.Rules, nil
}

// RemoveRule removes one rule, or all rules of the node when id is empty.
func (c *Client) RemoveRule(ctx context.Context, ref, id string) error {
	return c.call(ctx, proto.MethodRemoveRule, &proto.RuleIDArgs{Ref: ref, ID: id}, nil)
}

func (c *Client) Export(ctx context.Context, args *proto.ExportArgs) (string, error) {
	ret := new(proto.ExportResult)
	if err := c.call(ctx, proto.MethodExport, args, ret); err != nil {
		return "", err
	}
	return ret.View, nil
}

func (c *Client) Import(ctx context.Context, args *proto.ImportArgs) ([]string, error) {
	ret := new(proto.ImportResult)
	if err := c.call(ctx, proto.MethodImport, args, ret); err != nil {
		return nil, err
	}
	return ret.Refs, nil
}

package server

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/action"
	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/common/auth"
	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/proto"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/rule"
	"github.com/cubefs/contentrepo/util/limiter"
	"github.com/cubefs/contentrepo/view"
)

type (
	QueueStat struct {
		Name    string `json:"name"`
		Ongoing int    `json:"ongoing"`
		Running int    `json:"running"`
	}
	Stats struct {
		Raft    *raft.Stat     `json:"raft"`
		Store   kvstore.Stats  `json:"store"`
		Limiter limiter.Status `json:"limiter"`
		Queues  []QueueStat    `json:"queues"`
	}
)

func (s *Server) resolver() *qname.PrefixResolver {
	return s.nodes.QNames().Resolver()
}

func (s *Server) parseQName(name string) (qname.QName, error) {
	if name == "" {
		return qname.QName{}, apierrors.ErrInvalidQName
	}
	return qname.Parse(name, s.resolver())
}

func (s *Server) parseQNames(names []string) ([]qname.QName, error) {
	ret := make([]qname.QName, 0, len(names))
	for _, name := range names {
		q, err := s.parseQName(name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, q)
	}
	return ret, nil
}

// parsePermission reads "[type qname.]name"; a bare name is a sys:base
// permission.
func (s *Server) parsePermission(perm string) (acl.PermissionReference, error) {
	idx := strings.LastIndex(perm, ".")
	if idx < 0 {
		if perm == "" {
			return acl.PermissionReference{}, apierrors.ErrInvalidArgs
		}
		return acl.PermissionReference{QName: qname.TypeBase, Name: perm}, nil
	}
	q, err := s.parseQName(perm[:idx])
	if err != nil {
		return acl.PermissionReference{}, err
	}
	return acl.PermissionReference{QName: q, Name: perm[idx+1:]}, nil
}

func (s *Server) getNode(ctx context.Context, ref string) (*node.Node, error) {
	nodeRef, err := node.ParseNodeRef(ref)
	if err != nil {
		return nil, err
	}
	return s.nodes.GetNode(ctx, nodeRef)
}

func (s *Server) nodeInfo(ctx context.Context, id uint64) (*proto.NodeInfo, error) {
	n, err := s.nodes.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	path, err := s.nodes.GetPath(ctx, id)
	if err != nil {
		return nil, err
	}
	aspects, err := s.nodes.GetAspects(ctx, id)
	if err != nil {
		return nil, err
	}
	props, err := s.nodes.GetProperties(ctx, id)
	if err != nil {
		return nil, err
	}
	r := s.resolver()
	info := &proto.NodeInfo{
		Ref:        n.Ref.String(),
		Type:       n.Type.PrefixString(r),
		Path:       path.PrefixString(r),
		AclID:      n.AclID,
		Properties: proto.EncodeProperties(props, r),
	}
	for _, a := range aspects {
		info.Aspects = append(info.Aspects, a.PrefixString(r))
	}
	sort.Strings(info.Aspects)
	return info, nil
}

func (s *Server) CreateStore(ctx context.Context, args *proto.StoreArgs) (*proto.NodeInfo, error) {
	if args.Protocol == "" || args.Identifier == "" {
		return nil, apierrors.ErrInvalidArgs
	}
	root, err := s.nodes.CreateStore(ctx, node.StoreRef{Protocol: args.Protocol, Identifier: args.Identifier})
	if err != nil {
		return nil, err
	}
	var info *proto.NodeInfo
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) (err error) {
		info, err = s.nodeInfo(ctx, root.ID)
		return
	}, true, false)
	return info, err
}

func (s *Server) GetStores(ctx context.Context) (*proto.StoresResult, error) {
	refs, err := s.nodes.GetStores(ctx)
	if err != nil {
		return nil, err
	}
	ret := &proto.StoresResult{Stores: make([]string, 0, len(refs))}
	for _, ref := range refs {
		ret.Stores = append(ret.Stores, ref.String())
	}
	return ret, nil
}

// CreateNode creates a named primary child. The name is unique below the
// parent and also becomes the cm:name property.
func (s *Server) CreateNode(ctx context.Context, args *proto.CreateNodeArgs) (*proto.NodeInfo, error) {
	if args.Name == "" {
		return nil, apierrors.ErrInvalidArgs
	}
	typ, err := s.parseQName(args.Type)
	if err != nil {
		return nil, err
	}
	assocType := qname.AssocContains
	if args.AssocType != "" {
		if assocType, err = s.parseQName(args.AssocType); err != nil {
			return nil, err
		}
	}
	aspects, err := s.parseQNames(args.Aspects)
	if err != nil {
		return nil, err
	}
	props, err := proto.DecodeProperties(args.Properties, s.resolver())
	if err != nil {
		return nil, err
	}
	props[qname.PropName] = args.Name

	var info *proto.NodeInfo
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		parent, err := s.getNode(ctx, args.Parent)
		if err != nil {
			return err
		}
		n, err := s.nodes.NewNode(ctx, parent.Ref.Store, args.ID, typ)
		if err != nil {
			return err
		}
		assoc, err := s.nodes.NewChildAssoc(ctx, parent.ID, n.ID, true, assocType, qname.New(qname.ContentURI, args.Name))
		if err != nil {
			return err
		}
		if err = s.nodes.SetChildNameUnique(ctx, assoc.ID, args.Name); err != nil {
			return err
		}
		if len(aspects) > 0 {
			if err = s.nodes.AddAspects(ctx, n.ID, aspects...); err != nil {
				return err
			}
		}
		if err = s.nodes.AddProperties(ctx, n.ID, props); err != nil {
			return err
		}
		if err = s.rules.OnCreateChild(ctx, parent.ID, n.Ref); err != nil {
			return err
		}
		info, err = s.nodeInfo(ctx, n.ID)
		return err
	}, false, false)
	return info, err
}

func (s *Server) GetNode(ctx context.Context, args *proto.NodeArgs) (info *proto.NodeInfo, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		info, err = s.nodeInfo(ctx, n.ID)
		return err
	}, true, false)
	return
}

func (s *Server) DeleteNode(ctx context.Context, args *proto.NodeArgs) error {
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		trace.SpanFromContextSafe(ctx).Infof("delete node %s", n.Ref)
		if err = s.rules.OnDeleteChild(ctx, n); err != nil {
			return err
		}
		return s.nodes.DeleteNode(ctx, n.ID)
	}, false, false)
}

func (s *Server) SetProperties(ctx context.Context, args *proto.SetPropertiesArgs) (info *proto.NodeInfo, err error) {
	props, err := proto.DecodeProperties(args.Properties, s.resolver())
	if err != nil {
		return nil, err
	}
	remove, err := s.parseQNames(args.Remove)
	if err != nil {
		return nil, err
	}
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		if args.Replace {
			err = s.nodes.SetProperties(ctx, n.ID, props)
		} else {
			err = s.nodes.AddProperties(ctx, n.ID, props)
		}
		if err != nil {
			return err
		}
		if len(remove) > 0 {
			if err = s.nodes.RemoveProperties(ctx, n.ID, remove...); err != nil {
				return err
			}
		}
		if err = s.rules.OnUpdateNode(ctx, n); err != nil {
			return err
		}
		info, err = s.nodeInfo(ctx, n.ID)
		return err
	}, false, false)
	return
}

func (s *Server) UpdateAspects(ctx context.Context, args *proto.AspectsArgs) (info *proto.NodeInfo, err error) {
	add, err := s.parseQNames(args.Add)
	if err != nil {
		return nil, err
	}
	remove, err := s.parseQNames(args.Remove)
	if err != nil {
		return nil, err
	}
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		if len(add) > 0 {
			if err = s.nodes.AddAspects(ctx, n.ID, add...); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			if err = s.nodes.RemoveAspects(ctx, n.ID, remove...); err != nil {
				return err
			}
		}
		if err = s.rules.OnUpdateNode(ctx, n); err != nil {
			return err
		}
		info, err = s.nodeInfo(ctx, n.ID)
		return err
	}, false, false)
	return
}

func (s *Server) GetChildren(ctx context.Context, args *proto.NodeArgs) (ret *proto.ChildrenResult, err error) {
	r := s.resolver()
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, nil)
		if err != nil {
			return err
		}
		ret = &proto.ChildrenResult{Children: make([]proto.ChildInfo, 0, len(assocs))}
		for _, assoc := range assocs {
			child, err := s.nodes.GetNodeByID(ctx, assoc.ChildID)
			if err != nil {
				return err
			}
			ret.Children = append(ret.Children, proto.ChildInfo{
				AssocID:   assoc.ID,
				Ref:       child.Ref.String(),
				Type:      child.Type.PrefixString(r),
				AssocType: assoc.Type.PrefixString(r),
				QName:     assoc.QName.PrefixString(r),
				IsPrimary: assoc.IsPrimary,
			})
		}
		return nil
	}, true, false)
	return
}

func (s *Server) SetPermission(ctx context.Context, args *proto.PermissionArgs) error {
	perm, err := s.parsePermission(args.Permission)
	if err != nil {
		return err
	}
	if args.Authority == "" {
		return apierrors.ErrInvalidArgs
	}
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		if args.Delete {
			return s.permissions.DeletePermission(ctx, n.ID, args.Authority, perm)
		}
		return s.permissions.SetPermission(ctx, n.ID, args.Authority, perm, args.Allow)
	}, false, false)
}

func (s *Server) SetInheritParentPermissions(ctx context.Context, args *proto.InheritArgs) error {
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		return s.permissions.SetInheritParentPermissions(ctx, n.ID, args.Inherit)
	}, false, false)
}

func (s *Server) GetPermissions(ctx context.Context, args *proto.NodeArgs) (ret *proto.PermissionsResult, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		ret = &proto.PermissionsResult{}
		if ret.Inherit, err = s.permissions.GetInheritParentPermissions(ctx, n.ID); err != nil {
			return err
		}
		ret.Entries, err = s.permissions.GetAllSetPermissions(ctx, n.ID)
		return err
	}, true, false)
	return
}

// HasPermission checks the named authority, the acting user by default.
func (s *Server) HasPermission(ctx context.Context, args *proto.PermissionArgs) (ret *proto.CheckResult, err error) {
	perm, err := s.parsePermission(args.Permission)
	if err != nil {
		return nil, err
	}
	authority := args.Authority
	if authority == "" {
		authority = auth.User(ctx)
	}
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.getNode(ctx, args.Ref)
		if err != nil {
			return err
		}
		ret = &proto.CheckResult{}
		ret.Allowed, err = s.permissions.HasPermission(ctx, n.ID, authority, perm)
		return err
	}, true, false)
	return
}

// fillActionIDs gives a GUID to every action and condition sent without one.
func fillActionIDs(a *action.Action) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Parameters == nil {
		a.Parameters = make(map[string]interface{})
	}
	var fillCondition func(c *action.Condition)
	fillCondition = func(c *action.Condition) {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Parameters == nil {
			c.Parameters = make(map[string]interface{})
		}
		for _, sub := range c.Conditions {
			fillCondition(sub)
		}
	}
	for _, c := range a.Conditions {
		fillCondition(c)
	}
	for _, sub := range a.Actions {
		fillActionIDs(sub)
	}
	if a.CompensatingAction != nil {
		fillActionIDs(a.CompensatingAction)
	}
}

func (s *Server) ExecuteAction(ctx context.Context, args *proto.ExecuteArgs) (*proto.ActionResult, error) {
	if args.Action == nil {
		return nil, apierrors.ErrInvalidArgs
	}
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	a := args.Action
	fillActionIDs(a)
	async := a.ExecuteAsynchronously
	if args.Async != nil {
		async = *args.Async
	}
	if err = s.actions.ExecuteAction(ctx, a, ref, args.CheckConditions, async); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("execute action %s on %s failed: %s", a.DefinitionName, ref, errors.Detail(err))
		return nil, err
	}
	return &proto.ActionResult{ID: a.ID}, nil
}

func (s *Server) GetExecutionHistory(ctx context.Context, args *proto.NodeArgs) (*proto.HistoryResult, error) {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	history, err := s.actions.GetExecutionHistory(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &proto.HistoryResult{Executions: history}, nil
}

func (s *Server) SaveAction(ctx context.Context, args *proto.SaveActionArgs) (*proto.ActionResult, error) {
	if args.Action == nil {
		return nil, apierrors.ErrInvalidArgs
	}
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	fillActionIDs(args.Action)
	if err = s.actions.SaveAction(ctx, ref, args.Action); err != nil {
		return nil, err
	}
	return &proto.ActionResult{ID: args.Action.ID}, nil
}

func (s *Server) GetActions(ctx context.Context, args *proto.NodeArgs) (*proto.ActionsResult, error) {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	actions, err := s.actions.GetActions(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &proto.ActionsResult{Actions: actions}, nil
}

func (s *Server) RemoveAction(ctx context.Context, args *proto.ActionIDArgs) error {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return err
	}
	if args.ID == "" {
		return s.actions.RemoveAllActions(ctx, ref)
	}
	return s.actions.RemoveAction(ctx, ref, args.ID)
}

func (s *Server) SaveRule(ctx context.Context, args *proto.SaveRuleArgs) (*proto.RuleResult, error) {
	if args.Rule == nil || args.Rule.Action == nil {
		return nil, apierrors.ErrInvalidRule
	}
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	fillActionIDs(args.Rule.Action)
	if err = s.rules.SaveRule(ctx, ref, args.Rule); err != nil {
		return nil, err
	}
	return &proto.RuleResult{ID: args.Rule.ID, Owner: ref.String()}, nil
}

func (s *Server) GetRule(ctx context.Context, args *proto.NodeArgs) (*rule.Rule, error) {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	return s.rules.GetRule(ctx, ref)
}

func (s *Server) GetRules(ctx context.Context, args *proto.RulesArgs) (*proto.RulesResult, error) {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	rules, err := s.rules.GetRules(ctx, ref, args.IncludeInherited)
	if err != nil {
		return nil, err
	}
	return &proto.RulesResult{Rules: rules}, nil
}

func (s *Server) RemoveRule(ctx context.Context, args *proto.RuleIDArgs) error {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return err
	}
	if args.ID == "" {
		return s.rules.RemoveAllRules(ctx, ref)
	}
	return s.rules.RemoveRule(ctx, ref, args.ID)
}

func (s *Server) Export(ctx context.Context, w io.Writer, args *proto.ExportArgs) error {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return err
	}
	excluded, err := s.parseQNames(args.ExcludeAssocs)
	if err != nil {
		return err
	}
	return s.views.Export(ctx, w, view.ExportParams{Ref: ref, CrawlChildren: args.CrawlChildren, ExcludeAssocs: excluded})
}

func (s *Server) Import(ctx context.Context, r io.Reader, args *proto.ImportArgs) (*proto.ImportResult, error) {
	ref, err := node.ParseNodeRef(args.Ref)
	if err != nil {
		return nil, err
	}
	loc := view.Location{Ref: ref, Path: args.Path}
	if args.AssocType != "" {
		if loc.AssocType, err = s.parseQName(args.AssocType); err != nil {
			return nil, err
		}
	}
	refs, err := s.views.Import(ctx, r, loc, args.Binding)
	if err != nil {
		return nil, err
	}
	ret := &proto.ImportResult{Refs: make([]string, 0, len(refs))}
	for _, ref := range refs {
		ret.Refs = append(ret.Refs, ref.String())
	}
	return ret, nil
}

func (s *Server) SetLimits(ctx context.Context, args *proto.LimitArgs) (*limiter.Status, error) {
	for _, v := range []*int{args.ImportConcurrency, args.ExportConcurrency, args.ImportMBPS, args.ExportMBPS} {
		if v != nil && *v < 0 {
			return nil, apierrors.ErrInvalidArgs
		}
	}
	if args.ImportConcurrency != nil {
		s.limit.SetImportConcurrency(uint32(*args.ImportConcurrency))
	}
	if args.ExportConcurrency != nil {
		s.limit.SetExportConcurrency(uint32(*args.ExportConcurrency))
	}
	if args.ImportMBPS != nil {
		s.limit.SetImportMBPS(*args.ImportMBPS)
	}
	if args.ExportMBPS != nil {
		s.limit.SetExportMBPS(*args.ExportMBPS)
	}
	trace.SpanFromContextSafe(ctx).Infof("view limits changed to %+v", *s.limit.GetConfig())
	st := s.limit.Status()
	return &st, nil
}

func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	storeStats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Raft: s.raftGroup.Stat(), Store: storeStats, Limiter: s.limit.Status()}
	for _, q := range s.actions.Queues() {
		st.Queues = append(st.Queues, QueueStat{Name: q.Name(), Ongoing: len(q.Ongoing()), Running: q.Running()})
	}
	return st, nil
}

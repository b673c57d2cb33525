package rule

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/action"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/txn"
)

// Rules are stored as nodes:
//
//	node (rule:rules) -rule:ruleFolder-> folder -rule:rules-> rule
//	rule -rule:action-> action
//
// Rule nodes use the rule id as uuid. The action is kept by the action
// service below the rule node.

type Service struct {
	helper  *txn.Helper
	nodes   *node.DAO
	actions *action.Service
}

func NewService(helper *txn.Helper, nodes *node.DAO, actions *action.Service) *Service {
	return &Service{helper: helper, nodes: nodes, actions: actions}
}

func (s *Service) ruleFolder(ctx context.Context, n *node.Node, create bool) (*node.Node, error) {
	assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{Type: qname.AssocRuleFolder})
	if err != nil {
		return nil, err
	}
	if len(assocs) > 0 {
		return s.nodes.GetNodeByID(ctx, assocs[0].ChildID)
	}
	if !create {
		return nil, nil
	}
	if err = s.nodes.AddAspects(ctx, n.ID, qname.AspectRules); err != nil {
		return nil, err
	}
	folder, err := s.nodes.NewNode(ctx, n.Ref.Store, "", qname.TypeRuleFolder)
	if err != nil {
		return nil, err
	}
	if _, err = s.nodes.NewChildAssoc(ctx, n.ID, folder.ID, true, qname.AssocRuleFolder, qname.AssocRuleFolder); err != nil {
		return nil, err
	}
	return folder, nil
}

// SaveRule creates the rule on the node, or updates it in place. An updated
// rule keeps its position. A rule without id gets one.
func (s *Service) SaveRule(ctx context.Context, ref node.NodeRef, r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		folder, err := s.ruleFolder(ctx, n, true)
		if err != nil {
			return err
		}
		rn, err := s.ruleNode(ctx, folder, r.ID)
		if err != nil {
			return err
		}
		props := map[qname.QName]interface{}{
			qname.PropRuleType:        r.RuleTypes,
			qname.PropApplyToChildren: r.ApplyToChildren,
			qname.PropExecuteAsync:    r.ExecuteAsynchronously,
			qname.PropRuleDisabled:    r.Disabled,
		}
		if r.Title != "" {
			props[qname.PropRuleTitle] = r.Title
		}
		if r.Description != "" {
			props[qname.PropRuleDescription] = r.Description
		}
		if err = s.nodes.SetProperties(ctx, rn.ID, props); err != nil {
			return err
		}
		if err = s.actions.StoreAction(ctx, rn, qname.AssocRuleAction, r.Action); err != nil {
			return err
		}
		r.Owner = n.Ref
		trace.SpanFromContextSafe(ctx).Debugf("saved rule %s on %s", r.ID, ref)
		return nil
	}, false, false)
}

// ruleNode returns the existing rule node below folder with its action
// removed, or a new rule node.
func (s *Service) ruleNode(ctx context.Context, folder *node.Node, id string) (*node.Node, error) {
	existing, err := s.nodes.GetNode(ctx, node.NodeRef{Store: folder.Ref.Store, ID: id})
	switch err {
	case nil:
		primary, err := s.nodes.GetPrimaryParent(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if primary == nil || primary.ParentID != folder.ID {
			return nil, apierrors.ErrInvalidNodeRef
		}
		assocs, err := s.nodes.GetChildAssocs(ctx, existing.ID, &node.ChildAssocFilter{Type: qname.AssocRuleAction})
		if err != nil {
			return nil, err
		}
		for _, assoc := range assocs {
			if err = s.nodes.DeleteNode(ctx, assoc.ChildID); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case apierrors.ErrNodeNotFound:
	default:
		return nil, err
	}
	n, err := s.nodes.NewNode(ctx, folder.Ref.Store, id, qname.TypeRule)
	if err != nil {
		return nil, err
	}
	if _, err = s.nodes.NewChildAssoc(ctx, folder.ID, n.ID, true, qname.AssocRules, qname.AssocRules); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) loadRule(ctx context.Context, owner node.NodeRef, n *node.Node) (*Rule, error) {
	props, err := s.nodes.GetProperties(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	r := &Rule{ID: n.Ref.ID, Owner: owner}
	r.Title, _ = props[qname.PropRuleTitle].(string)
	r.Description, _ = props[qname.PropRuleDescription].(string)
	r.ApplyToChildren, _ = props[qname.PropApplyToChildren].(bool)
	r.ExecuteAsynchronously, _ = props[qname.PropExecuteAsync].(bool)
	r.Disabled, _ = props[qname.PropRuleDisabled].(bool)
	switch v := props[qname.PropRuleType].(type) {
	case string:
		r.RuleTypes = []string{v}
	case []interface{}:
		for _, t := range v {
			if typ, ok := t.(string); ok {
				r.RuleTypes = append(r.RuleTypes, typ)
			}
		}
	}

	assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{Type: qname.AssocRuleAction, PrimaryOnly: true})
	if err != nil {
		return nil, err
	}
	if len(assocs) > 0 {
		an, err := s.nodes.GetNodeByID(ctx, assocs[0].ChildID)
		if err != nil {
			return nil, err
		}
		if r.Action, err = s.actions.LoadAction(ctx, an); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *Service) ruleNodes(ctx context.Context, n *node.Node) ([]*node.Node, error) {
	folder, err := s.ruleFolder(ctx, n, false)
	if err != nil || folder == nil {
		return nil, err
	}
	assocs, err := s.nodes.GetChildAssocs(ctx, folder.ID, &node.ChildAssocFilter{Type: qname.AssocRules})
	if err != nil {
		return nil, err
	}
	ret := make([]*node.Node, 0, len(assocs))
	for _, assoc := range assocs {
		child, err := s.nodes.GetNodeByID(ctx, assoc.ChildID)
		if err != nil {
			return nil, err
		}
		ret = append(ret, child)
	}
	return ret, nil
}

func (s *Service) ownRules(ctx context.Context, n *node.Node) ([]*Rule, error) {
	nodes, err := s.ruleNodes(ctx, n)
	if err != nil {
		return nil, err
	}
	rules := make([]*Rule, 0, len(nodes))
	for _, rn := range nodes {
		r, err := s.loadRule(ctx, n.Ref, rn)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// inheritedRules collects the applies-to-children rules of all ancestors,
// the most distant first. visited guards against reaching a parent twice
// through secondary associations.
func (s *Service) inheritedRules(ctx context.Context, n *node.Node, visited map[uint64]struct{}) ([]*Rule, error) {
	ignore, err := s.nodes.HasAspect(ctx, n.ID, qname.AspectIgnoreInheritedRules)
	if err != nil || ignore {
		return nil, err
	}
	parents, err := s.nodes.GetParentAssocs(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	var ret []*Rule
	for _, assoc := range parents {
		if _, ok := visited[assoc.ParentID]; ok {
			continue
		}
		visited[assoc.ParentID] = struct{}{}
		parent, err := s.nodes.GetNodeByID(ctx, assoc.ParentID)
		if err != nil {
			return nil, err
		}
		inherited, err := s.inheritedRules(ctx, parent, visited)
		if err != nil {
			return nil, err
		}
		ret = append(ret, inherited...)
		own, err := s.ownRules(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, r := range own {
			if r.ApplyToChildren {
				ret = append(ret, r)
			}
		}
	}
	return ret, nil
}

func (s *Service) getRules(ctx context.Context, n *node.Node, includeInherited bool) ([]*Rule, error) {
	var all []*Rule
	if includeInherited {
		inherited, err := s.inheritedRules(ctx, n, map[uint64]struct{}{n.ID: {}})
		if err != nil {
			return nil, err
		}
		all = inherited
	}
	own, err := s.ownRules(ctx, n)
	if err != nil {
		return nil, err
	}
	all = append(all, own...)

	seen := make(map[string]struct{}, len(all))
	ret := make([]*Rule, 0, len(all))
	for _, r := range all {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		ret = append(ret, r)
	}
	return ret, nil
}

// GetRules returns the rules of the node in save order. Inherited rules
// come first, those of the most distant ancestor leading.
func (s *Service) GetRules(ctx context.Context, ref node.NodeRef, includeInherited bool) (rules []*Rule, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		rules, err = s.getRules(ctx, n, includeInherited)
		return err
	}, true, false)
	return
}

// HasRules reports whether the node owns any rule.
func (s *Service) HasRules(ctx context.Context, ref node.NodeRef) (has bool, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		nodes, err := s.ruleNodes(ctx, n)
		has = len(nodes) > 0
		return err
	}, true, false)
	return
}

// owner resolves rule -> rule folder -> owning node.
func (s *Service) owner(ctx context.Context, rn *node.Node) (*node.Node, error) {
	if rn.Type != qname.TypeRule {
		return nil, apierrors.ErrRuleNotFound
	}
	folder, err := s.nodes.GetPrimaryParent(ctx, rn.ID)
	if err != nil {
		return nil, err
	}
	if folder == nil || folder.Type != qname.AssocRules {
		return nil, apierrors.ErrRuleNotFound
	}
	owner, err := s.nodes.GetPrimaryParent(ctx, folder.ParentID)
	if err != nil {
		return nil, err
	}
	if owner == nil || owner.Type != qname.AssocRuleFolder {
		return nil, apierrors.ErrRuleNotFound
	}
	return s.nodes.GetNodeByID(ctx, owner.ParentID)
}

// GetRule loads the rule stored at ref.
func (s *Service) GetRule(ctx context.Context, ref node.NodeRef) (r *Rule, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		rn, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			if err == apierrors.ErrNodeNotFound {
				return apierrors.ErrRuleNotFound
			}
			return err
		}
		owner, err := s.owner(ctx, rn)
		if err != nil {
			return err
		}
		r, err = s.loadRule(ctx, owner.Ref, rn)
		return err
	}, true, false)
	return
}

// GetOwningNodeRef returns the node the rule at ref is saved on.
func (s *Service) GetOwningNodeRef(ctx context.Context, ref node.NodeRef) (node.NodeRef, error) {
	r, err := s.GetRule(ctx, ref)
	if err != nil {
		return node.NodeRef{}, err
	}
	return r.Owner, nil
}

func (s *Service) RemoveRule(ctx context.Context, ref node.NodeRef, id string) error {
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		nodes, err := s.ruleNodes(ctx, n)
		if err != nil {
			return err
		}
		for _, rn := range nodes {
			if rn.Ref.ID == id {
				trace.SpanFromContextSafe(ctx).Debugf("remove rule %s from %s", id, ref)
				return s.nodes.DeleteNode(ctx, rn.ID)
			}
		}
		return apierrors.ErrRuleNotFound
	}, false, false)
}

// RemoveAllRules deletes the rule folder and drops the rules aspect.
func (s *Service) RemoveAllRules(ctx context.Context, ref node.NodeRef) error {
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		folder, err := s.ruleFolder(ctx, n, false)
		if err != nil || folder == nil {
			return err
		}
		if err = s.nodes.DeleteNode(ctx, folder.ID); err != nil {
			return err
		}
		return s.nodes.RemoveAspects(ctx, n.ID, qname.AspectRules)
	}, false, false)
}

package action

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
)

// Saved actions are stored as nodes:
//
//	node (act:actions) -act:actionFolder-> folder -act:actions-> action
//	action -act:conditions-> condition -act:conditions-> sub condition
//	action -act:actions-> sub action
//	action -act:compensatingAction-> compensating action
//
// Action and condition nodes use the action and condition ids as uuids.

func parameterQName(name string) qname.QName {
	return qname.New(qname.ActionParameterURI, name)
}

func (s *Service) actionFolder(ctx context.Context, n *node.Node, create bool) (*node.Node, error) {
	assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{Type: qname.AssocActionFolder})
	if err != nil {
		return nil, err
	}
	if len(assocs) > 0 {
		return s.nodes.GetNodeByID(ctx, assocs[0].ChildID)
	}
	if !create {
		return nil, nil
	}
	if err = s.nodes.AddAspects(ctx, n.ID, qname.AspectActions); err != nil {
		return nil, err
	}
	folder, err := s.nodes.NewNode(ctx, n.Ref.Store, "", qname.TypeActionFolder)
	if err != nil {
		return nil, err
	}
	if _, err = s.nodes.NewChildAssoc(ctx, n.ID, folder.ID, true, qname.AssocActionFolder, qname.AssocActionFolder); err != nil {
		return nil, err
	}
	return folder, nil
}

// SaveAction creates or updates the action on the node.
func (s *Service) SaveAction(ctx context.Context, ref node.NodeRef, a *Action) error {
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		folder, err := s.actionFolder(ctx, n, true)
		if err != nil {
			return err
		}
		return s.saveAction(ctx, folder, qname.AssocNodeActions, a)
	}, false, false)
}

// StoreAction persists the action as a primary child of parent under the
// association type. It must run inside a transaction.
func (s *Service) StoreAction(ctx context.Context, parent *node.Node, assocType qname.QName, a *Action) error {
	return s.saveAction(ctx, parent, assocType, a)
}

// LoadAction reads an action stored by StoreAction.
func (s *Service) LoadAction(ctx context.Context, n *node.Node) (*Action, error) {
	return s.loadAction(ctx, n)
}

func (s *Service) saveAction(ctx context.Context, parent *node.Node, assocType qname.QName, a *Action) error {
	typ := qname.TypeAction
	if a.IsComposite() {
		typ = qname.TypeCompositeAction
	}
	n, err := s.saveNode(ctx, parent, assocType, a.ID, typ)
	if err != nil {
		return err
	}

	props := map[qname.QName]interface{}{
		qname.PropDefinitionName:        a.DefinitionName,
		qname.PropExecuteAsynchronously: a.ExecuteAsynchronously,
	}
	if a.Title != "" {
		props[qname.PropActionTitle] = a.Title
	}
	if a.Description != "" {
		props[qname.PropActionDescription] = a.Description
	}
	if err = s.setParameters(ctx, n.ID, props, a.Parameters); err != nil {
		return err
	}

	for _, c := range a.Conditions {
		if err = s.saveCondition(ctx, n, c); err != nil {
			return err
		}
	}
	for _, sub := range a.Actions {
		if err = s.saveAction(ctx, n, qname.AssocNodeActions, sub); err != nil {
			return err
		}
	}
	if a.CompensatingAction != nil {
		return s.saveAction(ctx, n, qname.AssocCompensatingAction, a.CompensatingAction)
	}
	return nil
}

func (s *Service) saveCondition(ctx context.Context, parent *node.Node, c *Condition) error {
	typ := qname.TypeActionCondition
	if c.IsComposite() {
		typ = qname.TypeCompositeCondition
	}
	n, err := s.saveNode(ctx, parent, qname.AssocConditions, c.ID, typ)
	if err != nil {
		return err
	}
	props := map[qname.QName]interface{}{
		qname.PropDefinitionName:  c.DefinitionName,
		qname.PropConditionInvert: c.Invert,
		qname.PropConditionOr:     c.Or,
	}
	if err = s.setParameters(ctx, n.ID, props, c.Parameters); err != nil {
		return err
	}
	for _, sub := range c.Conditions {
		if err = s.saveCondition(ctx, n, sub); err != nil {
			return err
		}
	}
	return nil
}

// saveNode returns the node with the given uuid as a fresh primary child of
// parent. A previous version is deleted with its children first so that
// removed conditions and sub actions disappear.
func (s *Service) saveNode(ctx context.Context, parent *node.Node, assocType qname.QName, id string,
	typ qname.QName) (*node.Node, error) {
	if id == "" {
		return nil, apierrors.ErrInvalidArgs
	}
	existing, err := s.nodes.GetNode(ctx, node.NodeRef{Store: parent.Ref.Store, ID: id})
	switch err {
	case nil:
		primary, err := s.nodes.GetPrimaryParent(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		if primary == nil || primary.ParentID != parent.ID {
			return nil, apierrors.ErrInvalidNodeRef
		}
		if err = s.nodes.DeleteNode(ctx, existing.ID); err != nil {
			return nil, err
		}
	case apierrors.ErrNodeNotFound:
	default:
		return nil, err
	}

	n, err := s.nodes.NewNode(ctx, parent.Ref.Store, id, typ)
	if err != nil {
		return nil, err
	}
	if _, err = s.nodes.NewChildAssoc(ctx, parent.ID, n.ID, true, assocType, assocType); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) setParameters(ctx context.Context, id uint64, props map[qname.QName]interface{},
	params map[string]interface{}) error {
	for name, v := range params {
		q := parameterQName(name)
		if q.Validate() != nil {
			return apierrors.ErrInvalidParameter
		}
		props[q] = v
	}
	err := s.nodes.SetProperties(ctx, id, props)
	if err == apierrors.ErrInvalidProperty {
		return apierrors.ErrInvalidParameter
	}
	return err
}

func (s *Service) loadAction(ctx context.Context, n *node.Node) (*Action, error) {
	props, err := s.nodes.GetProperties(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	a := &Action{ID: n.Ref.ID, Parameters: parameters(props)}
	a.DefinitionName, _ = props[qname.PropDefinitionName].(string)
	a.Title, _ = props[qname.PropActionTitle].(string)
	a.Description, _ = props[qname.PropActionDescription].(string)
	a.ExecuteAsynchronously, _ = props[qname.PropExecuteAsynchronously].(bool)

	assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{PrimaryOnly: true})
	if err != nil {
		return nil, err
	}
	for _, assoc := range assocs {
		child, err := s.nodes.GetNodeByID(ctx, assoc.ChildID)
		if err != nil {
			return nil, err
		}
		switch assoc.Type {
		case qname.AssocConditions:
			c, err := s.loadCondition(ctx, child)
			if err != nil {
				return nil, err
			}
			a.Conditions = append(a.Conditions, c)
		case qname.AssocNodeActions:
			sub, err := s.loadAction(ctx, child)
			if err != nil {
				return nil, err
			}
			a.Actions = append(a.Actions, sub)
		case qname.AssocCompensatingAction:
			if a.CompensatingAction, err = s.loadAction(ctx, child); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

func (s *Service) loadCondition(ctx context.Context, n *node.Node) (*Condition, error) {
	props, err := s.nodes.GetProperties(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	c := &Condition{ID: n.Ref.ID, Parameters: parameters(props)}
	c.DefinitionName, _ = props[qname.PropDefinitionName].(string)
	c.Invert, _ = props[qname.PropConditionInvert].(bool)
	c.Or, _ = props[qname.PropConditionOr].(bool)

	assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{Type: qname.AssocConditions, PrimaryOnly: true})
	if err != nil {
		return nil, err
	}
	for _, assoc := range assocs {
		child, err := s.nodes.GetNodeByID(ctx, assoc.ChildID)
		if err != nil {
			return nil, err
		}
		sub, err := s.loadCondition(ctx, child)
		if err != nil {
			return nil, err
		}
		c.Conditions = append(c.Conditions, sub)
	}
	return c, nil
}

func parameters(props map[qname.QName]interface{}) map[string]interface{} {
	ret := make(map[string]interface{})
	for q, v := range props {
		if q.Namespace == qname.ActionParameterURI {
			ret[q.LocalName] = v
		}
	}
	return ret
}

func (s *Service) savedActionNodes(ctx context.Context, ref node.NodeRef) ([]*node.Node, error) {
	n, err := s.nodes.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	folder, err := s.actionFolder(ctx, n, false)
	if err != nil || folder == nil {
		return nil, err
	}
	assocs, err := s.nodes.GetChildAssocs(ctx, folder.ID, &node.ChildAssocFilter{Type: qname.AssocNodeActions})
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

// GetActions returns the actions saved on the node in save order.
func (s *Service) GetActions(ctx context.Context, ref node.NodeRef) (actions []*Action, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		nodes, err := s.savedActionNodes(ctx, ref)
		if err != nil {
			return err
		}
		actions = make([]*Action, 0, len(nodes))
		for _, n := range nodes {
			a, err := s.loadAction(ctx, n)
			if err != nil {
				return err
			}
			actions = append(actions, a)
		}
		return nil
	}, true, false)
	return
}

// GetAction returns the saved action with the id, nil when the node has
// no such action.
func (s *Service) GetAction(ctx context.Context, ref node.NodeRef, id string) (a *Action, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		nodes, err := s.savedActionNodes(ctx, ref)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Ref.ID == id {
				a, err = s.loadAction(ctx, n)
				return err
			}
		}
		return nil
	}, true, false)
	return
}

func (s *Service) RemoveAction(ctx context.Context, ref node.NodeRef, id string) error {
	span := trace.SpanFromContextSafe(ctx)
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		nodes, err := s.savedActionNodes(ctx, ref)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Ref.ID == id {
				span.Debugf("remove action %s from %s", id, ref)
				return s.nodes.DeleteNode(ctx, n.ID)
			}
		}
		return apierrors.ErrActionNotFound
	}, false, false)
}

func (s *Service) RemoveAllActions(ctx context.Context, ref node.NodeRef) error {
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		nodes, err := s.savedActionNodes(ctx, ref)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err = s.nodes.DeleteNode(ctx, n.ID); err != nil {
				return err
			}
		}
		return nil
	}, false, false)
}

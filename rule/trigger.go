package rule

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/txn"
)

type stateKey struct{}

type pendingRule struct {
	rule *Rule
	ref  node.NodeRef
}

// state is bound to a transaction. Inbound and update rules collected
// during the transaction run before it commits, each rule at most once per
// node.
type state struct {
	txn.ListenerAdapter
	s *Service

	disabled     bool
	disabledRefs map[node.NodeRef]struct{}
	created      map[node.NodeRef]struct{}
	pending      []*pendingRule
	index        map[string]struct{}
}

func (s *Service) state(ctx context.Context) (*state, error) {
	t, err := txn.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	st, _ := t.GetResource(stateKey{}).(*state)
	if st == nil {
		st = &state{
			s:            s,
			disabledRefs: make(map[node.NodeRef]struct{}),
			created:      make(map[node.NodeRef]struct{}),
			index:        make(map[string]struct{}),
		}
		t.BindResource(stateKey{}, st)
		t.BindListener(st)
	}
	return st, nil
}

func peekState(ctx context.Context) *state {
	t := txn.FromContext(ctx)
	if t == nil {
		return nil
	}
	st, _ := t.GetResource(stateKey{}).(*state)
	return st
}

// DisableRules stops every rule from firing for the rest of the
// transaction bound to ctx.
func (s *Service) DisableRules(ctx context.Context) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	st.disabled = true
	return nil
}

func (s *Service) EnableRules(ctx context.Context) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	st.disabled = false
	return nil
}

func (s *Service) IsEnabled(ctx context.Context) bool {
	st := peekState(ctx)
	return st == nil || !st.disabled
}

// DisableNodeRules stops the rules owned by ref from firing for the rest of
// the transaction bound to ctx.
func (s *Service) DisableNodeRules(ctx context.Context, ref node.NodeRef) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	st.disabledRefs[ref] = struct{}{}
	return nil
}

func (s *Service) EnableNodeRules(ctx context.Context, ref node.NodeRef) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	delete(st.disabledRefs, ref)
	return nil
}

func (s *Service) NodeRulesEnabled(ctx context.Context, ref node.NodeRef) bool {
	st := peekState(ctx)
	if st == nil {
		return true
	}
	_, ok := st.disabledRefs[ref]
	return !ok
}

// applicable returns the enabled rules of the given type that fire for
// children of parent.
func (s *Service) applicable(ctx context.Context, st *state, parentID uint64, typ string) ([]*Rule, error) {
	if st.disabled {
		return nil, nil
	}
	parent, err := s.nodes.GetNodeByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if _, ok := st.disabledRefs[parent.Ref]; ok {
		return nil, nil
	}
	rules, err := s.getRules(ctx, parent, true)
	if err != nil {
		return nil, err
	}
	ret := rules[:0]
	for _, r := range rules {
		if r.Disabled || !r.HasType(typ) || r.Action == nil {
			continue
		}
		if _, ok := st.disabledRefs[r.Owner]; ok {
			continue
		}
		ret = append(ret, r)
	}
	return ret, nil
}

func (st *state) queue(rules []*Rule, ref node.NodeRef) {
	for _, r := range rules {
		key := r.ID + "|" + ref.String()
		if _, ok := st.index[key]; ok {
			continue
		}
		st.index[key] = struct{}{}
		st.pending = append(st.pending, &pendingRule{rule: r, ref: ref})
	}
}

// OnCreateChild queues the inbound rules of the parent for the new child.
func (s *Service) OnCreateChild(ctx context.Context, parentID uint64, child node.NodeRef) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	st.created[child] = struct{}{}
	rules, err := s.applicable(ctx, st, parentID, TypeInbound)
	if err != nil {
		return err
	}
	st.queue(rules, child)
	return nil
}

// OnUpdateNode queues the update rules of the node's parents. Nodes created
// in the same transaction are skipped.
func (s *Service) OnUpdateNode(ctx context.Context, n *node.Node) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	if _, ok := st.created[n.Ref]; ok {
		return nil
	}
	parents, err := s.nodes.GetParentAssocs(ctx, n.ID)
	if err != nil {
		return err
	}
	for _, assoc := range parents {
		rules, err := s.applicable(ctx, st, assoc.ParentID, TypeUpdate)
		if err != nil {
			return err
		}
		st.queue(rules, n.Ref)
	}
	return nil
}

// OnDeleteChild runs the outbound rules of the node's parents right away,
// while the node still exists.
func (s *Service) OnDeleteChild(ctx context.Context, n *node.Node) error {
	st, err := s.state(ctx)
	if err != nil {
		return err
	}
	parents, err := s.nodes.GetParentAssocs(ctx, n.ID)
	if err != nil {
		return err
	}
	for _, assoc := range parents {
		rules, err := s.applicable(ctx, st, assoc.ParentID, TypeOutbound)
		if err != nil {
			return err
		}
		for _, r := range rules {
			if err = s.execute(ctx, r, n.Ref); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) execute(ctx context.Context, r *Rule, ref node.NodeRef) error {
	trace.SpanFromContextSafe(ctx).Debugf("execute rule %s(%s) on %s", r.ID, r.Title, ref)
	return s.actions.ExecuteAction(ctx, r.Action, ref, true, r.ExecuteAsynchronously)
}

// BeforeCommit runs the queued rules. Rules queued meanwhile run in the
// same pass.
func (st *state) BeforeCommit(ctx context.Context, readOnly bool) error {
	span := trace.SpanFromContextSafe(ctx)
	for i := 0; i < len(st.pending); i++ {
		p := st.pending[i]
		if _, err := st.s.nodes.GetNode(ctx, p.ref); err != nil {
			if err == apierrors.ErrNodeNotFound {
				span.Debugf("rule %s skipped, %s is gone", p.rule.ID, p.ref)
				continue
			}
			return err
		}
		if err := st.s.execute(ctx, p.rule, p.ref); err != nil {
			span.Warnf("rule %s on %s failed: %s", p.rule.ID, p.ref, errors.Detail(err))
			return err
		}
	}
	st.pending = nil
	return nil
}

package rule

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/action"
	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/txn"
	"github.com/cubefs/contentrepo/util"
)

var testStore = node.StoreRef{Protocol: node.ProtocolWorkspace, Identifier: "SpacesStore"}

type recorder struct {
	lock sync.Mutex
	refs []node.NodeRef
}

func (r *recorder) Definition() *action.Definition {
	return &action.Definition{Name: "record"}
}

func (r *recorder) Execute(ctx context.Context, s *action.Service, a *action.Action, n *node.Node) error {
	r.lock.Lock()
	r.refs = append(r.refs, n.Ref)
	r.lock.Unlock()
	return nil
}

func (r *recorder) executed() []node.NodeRef {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]node.NodeRef(nil), r.refs...)
}

type testEnv struct {
	s       *Service
	actions *action.Service
	nodes   *node.DAO
	helper  *txn.Helper
	root    *node.Node
	rec     *recorder
	clean   func()
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{node.CF, acl.CF, qname.CF, idgenerator.CF},
	})
	require.NoError(t, err)
	group := raft.NewRaftGroup(&raft.Config{Local: true})
	ids, err := idgenerator.NewIDGenerator(store, group, 0)
	require.NoError(t, err)
	helper := txn.NewHelper(txn.NewManager(store, group), txn.RetryConfig{MinRetryWaitMS: 1, MaxRetryWaitMS: 10})
	require.NoError(t, group.Start())
	qnames := qname.NewDAO(store, helper, ids, qname.NewPrefixResolver())
	nodes := node.NewDAO(store, helper, ids, qnames, acl.NewDAO(helper, ids, qnames))

	rec := &recorder{}
	registry := action.NewDefaultRegistry()
	registry.RegisterExecuter(rec)
	actions := action.NewServiceWithConfig(helper, nodes, registry, action.Config{
		Queues: []action.QueueConfig{{Name: "", Workers: 1, BufferSize: 16}},
	})
	root, err := nodes.CreateStore(ctx, testStore)
	require.NoError(t, err)
	return &testEnv{
		s: NewService(helper, nodes, actions), actions: actions, nodes: nodes, helper: helper, root: root, rec: rec,
		clean: func() {
			actions.Close()
			group.Close()
			store.Close()
			os.RemoveAll(path)
		},
	}
}

func (e *testEnv) folder(ctx context.Context, t *testing.T, parent *node.Node, name string) *node.Node {
	n, err := e.nodes.NewNode(ctx, testStore, "", qname.TypeFolder)
	require.NoError(t, err)
	_, err = e.nodes.NewChildAssoc(ctx, parent.ID, n.ID, true, qname.AssocContains, qname.New(qname.ContentURI, name))
	require.NoError(t, err)
	return n
}

func newRule(title string, applyToChildren bool, types ...string) *Rule {
	return &Rule{
		Title:           title,
		RuleTypes:       types,
		ApplyToChildren: applyToChildren,
		Action:          action.NewAction("record", nil),
	}
}

func titles(rules []*Rule) []string {
	ret := make([]string, 0, len(rules))
	for _, r := range rules {
		ret = append(ret, r.Title)
	}
	return ret
}

func TestRule_SaveGetRemove(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	defer e.clean()
	f := e.folder(ctx, t, e.root, "f")

	require.ErrorIs(t, e.s.SaveRule(ctx, f.Ref, &Rule{Action: action.NewAction("record", nil)}), apierrors.ErrInvalidRule)
	require.ErrorIs(t, e.s.SaveRule(ctx, f.Ref, &Rule{RuleTypes: []string{TypeInbound}}), apierrors.ErrInvalidRule)
	require.ErrorIs(t, e.s.SaveRule(ctx, f.Ref, newRule("x", false, "sideways")), apierrors.ErrInvalidRuleType)

	has, err := e.s.HasRules(ctx, f.Ref)
	require.NoError(t, err)
	require.False(t, has)

	r1 := newRule("one", false, TypeInbound, TypeUpdate)
	r1.Description = "first"
	r1.Action.AddCondition(action.NewCondition("no-condition", nil))
	r2 := newRule("two", true, TypeOutbound)
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, r1))
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, r2))
	require.NotEmpty(t, r1.ID)
	require.Equal(t, f.Ref, r1.Owner)

	has, err = e.s.HasRules(ctx, f.Ref)
	require.NoError(t, err)
	require.True(t, has)
	hasAspect, err := e.nodes.HasAspect(ctx, f.ID, qname.AspectRules)
	require.NoError(t, err)
	require.True(t, hasAspect)

	ruleRef := node.NodeRef{Store: testStore, ID: r1.ID}
	got, err := e.s.GetRule(ctx, ruleRef)
	require.NoError(t, err)
	require.Equal(t, "one", got.Title)
	require.Equal(t, "first", got.Description)
	require.Equal(t, []string{TypeInbound, TypeUpdate}, got.RuleTypes)
	require.Equal(t, r1.Action.ID, got.Action.ID)
	require.Len(t, got.Action.Conditions, 1)
	owner, err := e.s.GetOwningNodeRef(ctx, ruleRef)
	require.NoError(t, err)
	require.Equal(t, f.Ref, owner)

	_, err = e.s.GetRule(ctx, f.Ref)
	require.ErrorIs(t, err, apierrors.ErrRuleNotFound)
	_, err = e.s.GetRule(ctx, node.NodeRef{Store: testStore, ID: "missing"})
	require.ErrorIs(t, err, apierrors.ErrRuleNotFound)

	// an update keeps the position and replaces the action
	r1.Title = "one again"
	r1.Action = action.NewAction("record", nil)
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, r1))
	rules, err := e.s.GetRules(ctx, f.Ref, false)
	require.NoError(t, err)
	require.Equal(t, []string{"one again", "two"}, titles(rules))
	require.Empty(t, rules[0].Action.Conditions)
	require.Equal(t, r1.Action.ID, rules[0].Action.ID)

	other := e.folder(ctx, t, e.root, "other")
	require.ErrorIs(t, e.s.SaveRule(ctx, other.Ref, r1), apierrors.ErrInvalidNodeRef)

	require.ErrorIs(t, e.s.RemoveRule(ctx, other.Ref, r1.ID), apierrors.ErrRuleNotFound)
	require.NoError(t, e.s.RemoveRule(ctx, f.Ref, r1.ID))
	rules, err = e.s.GetRules(ctx, f.Ref, false)
	require.NoError(t, err)
	require.Equal(t, []string{"two"}, titles(rules))

	require.NoError(t, e.s.RemoveAllRules(ctx, f.Ref))
	rules, err = e.s.GetRules(ctx, f.Ref, false)
	require.NoError(t, err)
	require.Empty(t, rules)
	hasAspect, err = e.nodes.HasAspect(ctx, f.ID, qname.AspectRules)
	require.NoError(t, err)
	require.False(t, hasAspect)
	require.NoError(t, e.s.RemoveAllRules(ctx, f.Ref))
}

func TestRule_Inheritance(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	defer e.clean()
	a := e.folder(ctx, t, e.root, "a")
	b := e.folder(ctx, t, a, "b")
	c := e.folder(ctx, t, b, "c")

	require.NoError(t, e.s.SaveRule(ctx, a.Ref, newRule("a1", true, TypeInbound)))
	require.NoError(t, e.s.SaveRule(ctx, a.Ref, newRule("a2", false, TypeInbound)))
	require.NoError(t, e.s.SaveRule(ctx, b.Ref, newRule("b1", true, TypeInbound)))
	require.NoError(t, e.s.SaveRule(ctx, c.Ref, newRule("c1", false, TypeInbound)))
	require.NoError(t, e.s.SaveRule(ctx, c.Ref, newRule("c2", true, TypeInbound)))

	rules, err := e.s.GetRules(ctx, c.Ref, true)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b1", "c1", "c2"}, titles(rules))
	require.Equal(t, a.Ref, rules[0].Owner)
	require.Equal(t, c.Ref, rules[3].Owner)

	rules, err = e.s.GetRules(ctx, c.Ref, false)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, titles(rules))

	rules, err = e.s.GetRules(ctx, b.Ref, true)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b1"}, titles(rules))

	// a second path to a does not duplicate its rules
	_, err = e.nodes.NewChildAssoc(ctx, a.ID, c.ID, false, qname.AssocContains, qname.New(qname.ContentURI, "link"))
	require.NoError(t, err)
	rules, err = e.s.GetRules(ctx, c.Ref, true)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b1", "c1", "c2"}, titles(rules))

	// b stops inheriting, its own children still get b1
	require.NoError(t, e.nodes.AddAspects(ctx, b.ID, qname.AspectIgnoreInheritedRules))
	rules, err = e.s.GetRules(ctx, b.Ref, true)
	require.NoError(t, err)
	require.Equal(t, []string{"b1"}, titles(rules))
	d := e.folder(ctx, t, b, "d")
	rules, err = e.s.GetRules(ctx, d.Ref, true)
	require.NoError(t, err)
	require.Equal(t, []string{"b1"}, titles(rules))

	require.NoError(t, e.nodes.AddAspects(ctx, c.ID, qname.AspectIgnoreInheritedRules))
	rules, err = e.s.GetRules(ctx, c.Ref, true)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, titles(rules))
}

func TestRule_Triggers(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	defer e.clean()
	top := e.folder(ctx, t, e.root, "top")
	f := e.folder(ctx, t, top, "f")
	require.NoError(t, e.s.SaveRule(ctx, top.Ref, newRule("inherited", true, TypeInbound)))
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, newRule("update", false, TypeUpdate)))
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, newRule("outbound", false, TypeOutbound)))
	disabled := newRule("disabled", false, TypeInbound)
	disabled.Disabled = true
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, disabled))

	// inbound rules run once per node when the transaction commits, and
	// an update of a node created in the same transaction does not fire
	var child *node.Node
	err := e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		child = e.folder(ctx, t, f, "child")
		require.NoError(t, e.s.OnCreateChild(ctx, f.ID, child.Ref))
		require.NoError(t, e.s.OnCreateChild(ctx, f.ID, child.Ref))
		require.NoError(t, e.s.OnUpdateNode(ctx, child))
		require.Empty(t, e.rec.executed())
		return nil
	}, false, false)
	require.NoError(t, err)
	require.Equal(t, []node.NodeRef{child.Ref}, e.rec.executed())

	// a rolled back transaction runs nothing
	err = e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n := e.folder(ctx, t, f, "gone")
		require.NoError(t, e.s.OnCreateChild(ctx, f.ID, n.Ref))
		return apierrors.ErrInvalidArgs
	}, false, false)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)
	require.Len(t, e.rec.executed(), 1)

	err = e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, e.nodes.SetProperty(ctx, child.ID, qname.PropTitle, "changed"))
		return e.s.OnUpdateNode(ctx, child)
	}, false, false)
	require.NoError(t, err)
	require.Equal(t, []node.NodeRef{child.Ref, child.Ref}, e.rec.executed())

	// outbound rules run before the node goes away
	err = e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		if err := e.s.OnDeleteChild(ctx, child); err != nil {
			return err
		}
		require.Len(t, e.rec.executed(), 3)
		return e.nodes.DeleteNode(ctx, child.ID)
	}, false, false)
	require.NoError(t, err)
	require.Len(t, e.rec.executed(), 3)

	require.ErrorIs(t, e.s.OnCreateChild(ctx, f.ID, child.Ref), apierrors.ErrNoTransaction)
}

func TestRule_AsyncTrigger(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	defer e.clean()
	f := e.folder(ctx, t, e.root, "f")
	r := newRule("async", false, TypeInbound)
	r.ExecuteAsynchronously = true
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, r))

	var child *node.Node
	err := e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		child = e.folder(ctx, t, f, "child")
		return e.s.OnCreateChild(ctx, f.ID, child.Ref)
	}, false, false)
	require.NoError(t, err)
	q, err := e.actions.Queue("")
	require.NoError(t, err)
	q.Drain()
	require.Equal(t, []node.NodeRef{child.Ref}, e.rec.executed())
}

func TestRule_Disable(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	defer e.clean()
	top := e.folder(ctx, t, e.root, "top")
	f := e.folder(ctx, t, top, "f")
	require.NoError(t, e.s.SaveRule(ctx, top.Ref, newRule("top", true, TypeInbound)))
	require.NoError(t, e.s.SaveRule(ctx, f.Ref, newRule("f", false, TypeInbound)))

	require.ErrorIs(t, e.s.DisableRules(ctx), apierrors.ErrNoTransaction)
	require.True(t, e.s.IsEnabled(ctx))
	require.True(t, e.s.NodeRulesEnabled(ctx, f.Ref))

	err := e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, e.s.DisableRules(ctx))
		require.False(t, e.s.IsEnabled(ctx))
		n := e.folder(ctx, t, f, "a")
		require.NoError(t, e.s.OnCreateChild(ctx, f.ID, n.Ref))
		return nil
	}, false, false)
	require.NoError(t, err)
	require.Empty(t, e.rec.executed())

	// rules owned by top are skipped, those of f still fire
	var n *node.Node
	err = e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, e.s.DisableNodeRules(ctx, top.Ref))
		require.False(t, e.s.NodeRulesEnabled(ctx, top.Ref))
		n = e.folder(ctx, t, f, "b")
		return e.s.OnCreateChild(ctx, f.ID, n.Ref)
	}, false, false)
	require.NoError(t, err)
	require.Equal(t, []node.NodeRef{n.Ref}, e.rec.executed())

	err = e.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, e.s.DisableNodeRules(ctx, f.Ref))
		require.NoError(t, e.s.EnableNodeRules(ctx, f.Ref))
		require.True(t, e.s.NodeRulesEnabled(ctx, f.Ref))
		n = e.folder(ctx, t, f, "c")
		return e.s.OnCreateChild(ctx, f.ID, n.Ref)
	}, false, false)
	require.NoError(t, err)
	// top and f both fire for c
	require.Len(t, e.rec.executed(), 3)
}

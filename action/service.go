package action

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/auth"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/metrics"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/txn"
)

type Config struct {
	Queues []QueueConfig `json:"queues"`
}

type Service struct {
	helper   *txn.Helper
	nodes    *node.DAO
	registry *Registry

	lock   sync.RWMutex
	queues map[string]*Queue
}

func NewService(helper *txn.Helper, nodes *node.DAO, registry *Registry) *Service {
	return &Service{
		helper:   helper,
		nodes:    nodes,
		registry: registry,
		queues:   make(map[string]*Queue),
	}
}

// NewServiceWithConfig registers the configured queues, always including
// the default queue "".
func NewServiceWithConfig(helper *txn.Helper, nodes *node.DAO, registry *Registry, cfg Config) *Service {
	s := NewService(helper, nodes, registry)
	hasDefault := false
	for _, qc := range cfg.Queues {
		if qc.Name == "" {
			hasDefault = true
		}
		s.RegisterQueue(NewQueue(qc, s))
	}
	if !hasDefault {
		s.RegisterQueue(NewQueue(QueueConfig{}, s))
	}
	return s
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) RegisterQueue(q *Queue) {
	s.lock.Lock()
	s.queues[q.Name()] = q
	s.lock.Unlock()
}

func (s *Service) Queue(name string) (*Queue, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, apierrors.ErrNoQueue
	}
	return q, nil
}

func (s *Service) queueFor(a *Action) (*Queue, error) {
	e, err := s.registry.Executer(a.DefinitionName)
	if err != nil {
		return nil, err
	}
	return s.Queue(e.Definition().QueueName)
}

// Queues returns the registered queues ordered by name.
func (s *Service) Queues() []*Queue {
	s.lock.RLock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.lock.RUnlock()
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name() < queues[j].Name() })
	return queues
}

// Close drains and closes every queue.
func (s *Service) Close() {
	for _, q := range s.Queues() {
		q.Close()
	}
}

type chainKey struct{}

type chain map[string]struct{}

func chainFrom(ctx context.Context) chain {
	c, _ := ctx.Value(chainKey{}).(chain)
	return c
}

func (c chain) contains(id string) bool {
	_, ok := c[id]
	return ok
}

// withAction returns a context whose chain also holds id. The parent chain
// is left untouched so it is restored once the action returns.
func withAction(ctx context.Context, id string) context.Context {
	parent := chainFrom(ctx)
	c := make(chain, len(parent)+1)
	for k := range parent {
		c[k] = struct{}{}
	}
	c[id] = struct{}{}
	return context.WithValue(ctx, chainKey{}, c)
}

func withChain(ctx context.Context, c chain) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, chainKey{}, c)
}

// EvaluateAction reports whether all conditions of the action hold for the
// node.
func (s *Service) EvaluateAction(ctx context.Context, a *Action, ref node.NodeRef) (ok bool, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		ok, err = s.evaluateAction(ctx, a, n)
		return err
	}, true, false)
	return
}

func (s *Service) EvaluateCondition(ctx context.Context, c *Condition, ref node.NodeRef) (ok bool, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		ok, err = s.evaluateCondition(ctx, c, n)
		return err
	}, true, false)
	return
}

func (s *Service) evaluateAction(ctx context.Context, a *Action, n *node.Node) (bool, error) {
	for _, c := range a.Conditions {
		ok, err := s.evaluateCondition(ctx, c, n)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (s *Service) evaluateCondition(ctx context.Context, c *Condition, n *node.Node) (bool, error) {
	if c.IsComposite() {
		return s.evaluateComposite(ctx, c, n)
	}
	e, err := s.registry.Evaluator(c.DefinitionName)
	if err != nil {
		return false, err
	}
	if err = checkMandatory(ctx, e.Definition(), c.Parameters); err != nil {
		return false, err
	}
	ok, err := e.Evaluate(ctx, s, c, n)
	if err != nil {
		return false, err
	}
	return ok != c.Invert, nil
}

func (s *Service) evaluateComposite(ctx context.Context, c *Condition, n *node.Node) (bool, error) {
	if len(c.Conditions) == 0 {
		return false, apierrors.ErrCompositeConditionEmpty
	}
	result := !c.Or
	for _, sub := range c.Conditions {
		ok, err := s.evaluateCondition(ctx, sub, n)
		if err != nil {
			return false, err
		}
		if c.Or && ok {
			result = true
			break
		}
		if !c.Or && !ok {
			result = false
			break
		}
	}
	return result != c.Invert, nil
}

// Execute runs the action the way it asks to be run.
func (s *Service) Execute(ctx context.Context, a *Action, ref node.NodeRef) error {
	return s.ExecuteAction(ctx, a, ref, true, a.ExecuteAsynchronously)
}

// ExecuteAction runs the action on the node. A synchronous action runs in
// the transaction bound to ctx. An asynchronous action is queued once the
// transaction commits. An action already running in the current chain is
// skipped.
func (s *Service) ExecuteAction(ctx context.Context, a *Action, ref node.NodeRef, checkConditions, async bool) error {
	span := trace.SpanFromContextSafe(ctx)
	if chainFrom(ctx).contains(a.ID) {
		span.Debugf("action %s already running in this chain, skipped", a.ID)
		return nil
	}
	if async {
		return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
			return s.addPendingAction(ctx, a, ref, checkConditions)
		}, false, false)
	}

	details, err := s.createExecutionDetails(ctx, a, ref)
	if err != nil {
		return err
	}
	return s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		if err := s.ensureHistoryAspect(ctx, ref); err != nil {
			return err
		}
		return s.executeActionImpl(ctx, a, ref, checkConditions, false, details)
	}, false, false)
}

// executeActionImpl evaluates the conditions, runs the executer and keeps
// the execution record up to date. A failed asynchronous action with a
// compensating action queues the compensation.
func (s *Service) executeActionImpl(ctx context.Context, a *Action, ref node.NodeRef, checkConditions, async bool,
	details node.NodeRef) error {
	span := trace.SpanFromContextSafe(ctx)
	if chainFrom(ctx).contains(a.ID) {
		span.Debugf("action %s already running in this chain, skipped", a.ID)
		return nil
	}
	ctx = withAction(ctx, a.ID)

	executed := false
	err := func() error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		if checkConditions {
			ok, err := s.evaluateAction(ctx, a, n)
			if err != nil || !ok {
				return err
			}
		}
		executed = true
		if err = s.updateExecutionStatus(ctx, details, StatusRunning); err != nil {
			return err
		}
		if err = s.directActionExecution(ctx, a, n); err != nil {
			return err
		}
		return s.updateExecutionStatus(ctx, details, StatusSucceeded)
	}()
	if err == nil {
		if executed {
			metrics.ActionExecutions.WithLabelValues(a.DefinitionName, string(StatusSucceeded)).Inc()
		}
		return nil
	}

	span.Warnf("execute action %s(%s) on %s failed: %s", a.DefinitionName, a.ID, ref, errors.Detail(err))
	if uerr := s.updateExecutionFailure(ctx, details, err); uerr != nil {
		span.Errorf("record failure of action %s failed: %s", a.ID, errors.Detail(uerr))
	}
	status := StatusFailed
	if async && a.CompensatingAction != nil {
		if cerr := s.queueCompensation(ctx, a, ref, details); cerr != nil {
			span.Errorf("queue compensating action of %s failed: %s", a.ID, errors.Detail(cerr))
		} else {
			status = StatusCompensated
		}
	}
	metrics.ActionExecutions.WithLabelValues(a.DefinitionName, string(status)).Inc()
	return err
}

// directActionExecution runs the executer without checking conditions.
func (s *Service) directActionExecution(ctx context.Context, a *Action, n *node.Node) error {
	e, err := s.registry.Executer(a.DefinitionName)
	if err != nil {
		return err
	}
	if err = checkMandatory(ctx, e.Definition(), a.Parameters); err != nil {
		return err
	}
	return e.Execute(ctx, s, a, n)
}

func (s *Service) queueCompensation(ctx context.Context, a *Action, ref node.NodeRef, details node.NodeRef) error {
	comp := a.CompensatingAction
	if comp.RunAsUser == "" {
		comp.RunAsUser = a.RunAsUser
	}
	if comp.RunAsUser == "" {
		comp.RunAsUser = auth.User(ctx)
	}
	q, err := s.queueFor(comp)
	if err != nil {
		return err
	}
	compDetails, err := s.createExecutionDetails(txn.WithoutTxn(ctx), comp, ref)
	if err != nil {
		return err
	}
	if err = q.ExecuteAction(ctx, comp, ref, false, compDetails, nil); err != nil {
		s.markQueueFailure(ctx, compDetails, err)
		return err
	}
	return s.updateExecutionCompensated(ctx, details, comp.ID)
}

type pendingKey struct{}

type pendingAction struct {
	action          *Action
	ref             node.NodeRef
	checkConditions bool
	details         node.NodeRef
	chain           chain
}

// pendingActions is bound to a transaction and queues its actions once the
// transaction commits.
type pendingActions struct {
	txn.ListenerAdapter
	s       *Service
	actions []*pendingAction
	index   map[string]struct{}
}

func pendingIndex(a *Action, ref node.NodeRef) string {
	return a.ID + "|" + ref.String()
}

func (s *Service) addPendingAction(ctx context.Context, a *Action, ref node.NodeRef, checkConditions bool) error {
	t, err := txn.MustFromContext(ctx)
	if err != nil {
		return err
	}
	pending, _ := t.GetResource(pendingKey{}).(*pendingActions)
	if pending == nil {
		pending = &pendingActions{s: s, index: make(map[string]struct{})}
		t.BindResource(pendingKey{}, pending)
		t.BindListener(pending)
	}
	key := pendingIndex(a, ref)
	if _, ok := pending.index[key]; ok {
		return nil
	}

	details, err := s.createExecutionDetails(ctx, a, ref)
	if err != nil {
		return err
	}
	if err = s.ensureHistoryAspect(ctx, ref); err != nil {
		return err
	}
	if a.RunAsUser == "" {
		a.RunAsUser = auth.User(ctx)
	}
	pending.index[key] = struct{}{}
	pending.actions = append(pending.actions, &pendingAction{
		action:          a,
		ref:             ref,
		checkConditions: checkConditions,
		details:         details,
		chain:           chainFrom(ctx),
	})
	return nil
}

func (p *pendingActions) AfterCommit(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for _, pa := range p.actions {
		q, err := p.s.queueFor(pa.action)
		if err == nil {
			err = q.ExecuteAction(ctx, pa.action, pa.ref, pa.checkConditions, pa.details, pa.chain)
		}
		if err != nil {
			span.Errorf("queue action %s on %s failed: %s", pa.action.ID, pa.ref, errors.Detail(err))
			p.s.markQueueFailure(ctx, pa.details, err)
		}
	}
}

func (s *Service) markQueueFailure(ctx context.Context, details node.NodeRef, err error) {
	if uerr := s.updateExecutionFailure(txn.WithoutTxn(ctx), details, err); uerr != nil {
		trace.SpanFromContextSafe(ctx).Errorf("record queue failure on %s failed: %s", details, errors.Detail(uerr))
	}
}

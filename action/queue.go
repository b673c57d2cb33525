package action

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/contentrepo/common/auth"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/metrics"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/util/limiter"
)

const (
	defaultQueueWorkers    = 4
	defaultQueueBufferSize = 1024
)

type QueueConfig struct {
	Name             string `json:"name"`
	Workers          int    `json:"workers"`
	BufferSize       int    `json:"buffer_size"`
	MaxRunning       int    `json:"max_running"`
	ActionsPerSecond int    `json:"actions_per_second"`
}

type (
	OngoingAction struct {
		Action *Action
		Ref    node.NodeRef
	}

	// Filter drops a new action of DefinitionName when Equivalent holds for
	// it and any ongoing action of the same definition.
	Filter struct {
		Name           string
		DefinitionName string
		Equivalent     func(ongoing, incoming *OngoingAction) bool
	}
)

// Queue runs asynchronous actions on a worker pool. Every action is
// tracked as ongoing from the moment it is accepted until its run returns.
type Queue struct {
	cfg   QueueConfig
	s     *Service
	pool  taskpool.TaskPool
	limit limiter.OpLimit
	wg    sync.WaitGroup

	lock    sync.Mutex
	closed  bool
	ongoing []*OngoingAction
	filters map[string]*Filter
}

func NewQueue(cfg QueueConfig, s *Service) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultQueueWorkers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultQueueBufferSize
	}
	return &Queue{
		cfg:     cfg,
		s:       s,
		pool:    taskpool.New(cfg.Workers, cfg.BufferSize),
		limit:   limiter.NewOpLimit(cfg.MaxRunning, cfg.ActionsPerSecond),
		filters: make(map[string]*Filter),
	}
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

// Running counts the actions holding a worker slot.
func (q *Queue) Running() int {
	return q.limit.Running()
}

func (q *Queue) RegisterFilter(f *Filter) {
	q.lock.Lock()
	q.filters[f.Name] = f
	q.lock.Unlock()
}

// Ongoing returns the accepted actions that have not finished yet.
func (q *Queue) Ongoing() []OngoingAction {
	q.lock.Lock()
	defer q.lock.Unlock()
	ret := make([]OngoingAction, 0, len(q.ongoing))
	for _, oa := range q.ongoing {
		ret = append(ret, *oa)
	}
	return ret
}

// ExecuteAction accepts an action for asynchronous execution. An action
// equivalent to an ongoing one is dropped silently. A full buffer rejects
// the action with ErrLimitExceeded.
func (q *Queue) ExecuteAction(ctx context.Context, a *Action, ref node.NodeRef, checkConditions bool,
	details node.NodeRef, c chain) error {
	span := trace.SpanFromContextSafe(ctx)
	oa := &OngoingAction{Action: a, Ref: ref}

	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return apierrors.ErrQueueClosed
	}
	if q.filtered(oa) {
		q.lock.Unlock()
		span.Debugf("queue[%s] drop action %s on %s, an equivalent one is ongoing", q.cfg.Name, a.ID, ref)
		return nil
	}
	q.ongoing = append(q.ongoing, oa)
	ongoing := len(q.ongoing)
	q.wg.Add(1)
	q.lock.Unlock()

	metrics.QueueOngoing.WithLabelValues(q.cfg.Name).Set(float64(ongoing))
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Inc()
	traceID := span.TraceID()
	if !q.pool.TryRun(func() { q.run(traceID, oa, checkConditions, details, c) }) {
		metrics.QueueDepth.WithLabelValues(q.cfg.Name).Dec()
		metrics.ActionExecutions.WithLabelValues(a.DefinitionName, "dropped").Inc()
		q.remove(oa)
		q.wg.Done()
		span.Warnf("queue[%s] is full, action %s on %s rejected", q.cfg.Name, a.ID, ref)
		return apierrors.ErrLimitExceeded
	}
	return nil
}

// filtered is called with the lock held.
func (q *Queue) filtered(incoming *OngoingAction) bool {
	for _, f := range q.filters {
		if f.DefinitionName != incoming.Action.DefinitionName {
			continue
		}
		for _, oa := range q.ongoing {
			if oa.Action.DefinitionName == f.DefinitionName && f.Equivalent(oa, incoming) {
				return true
			}
		}
	}
	return false
}

func (q *Queue) remove(oa *OngoingAction) {
	q.lock.Lock()
	for i := range q.ongoing {
		if q.ongoing[i] == oa {
			q.ongoing = append(q.ongoing[:i], q.ongoing[i+1:]...)
			break
		}
	}
	ongoing := len(q.ongoing)
	q.lock.Unlock()
	metrics.QueueOngoing.WithLabelValues(q.cfg.Name).Set(float64(ongoing))
}

func (q *Queue) run(traceID string, oa *OngoingAction, checkConditions bool, details node.NodeRef, c chain) {
	defer q.wg.Done()
	defer q.remove(oa)
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Dec()

	span, ctx := trace.StartSpanFromContextWithTraceID(context.Background(), "", traceID)
	ctx = withChain(ctx, c)
	a := oa.Action
	if a.RunAsUser == "" {
		span.Errorf("queue[%s] action %s has no run-as user", q.cfg.Name, a.ID)
		metrics.ActionExecutions.WithLabelValues(a.DefinitionName, string(StatusFailed)).Inc()
		q.s.markQueueFailure(ctx, details, apierrors.ErrNoRunAsUser)
		return
	}
	if err := q.limit.Acquire(ctx); err != nil {
		span.Errorf("queue[%s] acquire limit failed: %s", q.cfg.Name, err)
		q.s.markQueueFailure(ctx, details, err)
		return
	}
	defer q.limit.Release()

	err := auth.RunAs(ctx, a.RunAsUser, func(ctx context.Context) error {
		return q.s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
			return q.s.executeActionImpl(ctx, a, oa.Ref, checkConditions, true, details)
		}, false, true)
	})
	if err != nil {
		span.Errorf("queue[%s] action %s(%s) on %s failed: %s", q.cfg.Name, a.DefinitionName, a.ID, oa.Ref, errors.Detail(err))
		return
	}
	span.Debugf("queue[%s] action %s on %s done", q.cfg.Name, a.ID, oa.Ref)
}

// Drain waits until every accepted action has finished, including actions
// accepted while draining.
func (q *Queue) Drain() {
	q.wg.Wait()
}

// Close stops accepting actions, drains the queue and stops the workers.
func (q *Queue) Close() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.closed = true
	q.lock.Unlock()
	q.wg.Wait()
	q.pool.Close()
}

package action

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
)

type (
	ParameterDefinition struct {
		Name      string `json:"name"`
		Mandatory bool   `json:"mandatory"`
	}

	// Definition describes a registered executer or evaluator. QueueName
	// selects the async queue of an executer, "" being the default queue.
	Definition struct {
		Name       string                `json:"name"`
		Title      string                `json:"title,omitempty"`
		QueueName  string                `json:"queue_name,omitempty"`
		Parameters []ParameterDefinition `json:"parameters,omitempty"`
	}

	Executer interface {
		Definition() *Definition
		Execute(ctx context.Context, s *Service, a *Action, n *node.Node) error
	}

	Evaluator interface {
		Definition() *Definition
		Evaluate(ctx context.Context, s *Service, c *Condition, n *node.Node) (bool, error)
	}
)

// Registry holds executers and evaluators by definition name.
type Registry struct {
	lock       sync.RWMutex
	executers  map[string]Executer
	evaluators map[string]Evaluator
}

func NewRegistry() *Registry {
	return &Registry{
		executers:  make(map[string]Executer),
		evaluators: make(map[string]Evaluator),
	}
}

// NewDefaultRegistry returns a registry with the built-in executers and
// evaluators.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterExecuter(&addFeatures{})
	r.RegisterExecuter(&removeFeatures{})
	r.RegisterExecuter(&setPropertyValue{})
	r.RegisterExecuter(&compositeAction{})
	r.RegisterEvaluator(&noCondition{})
	r.RegisterEvaluator(&hasAspect{})
	r.RegisterEvaluator(&comparePropertyValue{})
	r.RegisterEvaluator(&isSubtype{})
	return r
}

func (r *Registry) RegisterExecuter(e Executer) {
	r.lock.Lock()
	r.executers[e.Definition().Name] = e
	r.lock.Unlock()
}

func (r *Registry) RegisterEvaluator(e Evaluator) {
	r.lock.Lock()
	r.evaluators[e.Definition().Name] = e
	r.lock.Unlock()
}

func (r *Registry) Executer(name string) (Executer, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	e, ok := r.executers[name]
	if !ok {
		return nil, apierrors.ErrActionDefinition
	}
	return e, nil
}

func (r *Registry) Evaluator(name string) (Evaluator, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	e, ok := r.evaluators[name]
	if !ok {
		return nil, apierrors.ErrConditionDefinition
	}
	return e, nil
}

func (r *Registry) ActionDefinitions() []*Definition {
	r.lock.RLock()
	ret := make([]*Definition, 0, len(r.executers))
	for _, e := range r.executers {
		ret = append(ret, e.Definition())
	}
	r.lock.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

// ConditionDefinitions lists the evaluators, composite-condition included.
func (r *Registry) ConditionDefinitions() []*Definition {
	r.lock.RLock()
	ret := make([]*Definition, 0, len(r.evaluators)+1)
	for _, e := range r.evaluators {
		ret = append(ret, e.Definition())
	}
	r.lock.RUnlock()
	ret = append(ret, &Definition{Name: CompositeConditionName, Title: "Composite condition"})
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func checkMandatory(ctx context.Context, def *Definition, params map[string]interface{}) error {
	for _, p := range def.Parameters {
		if !p.Mandatory {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil {
			trace.SpanFromContextSafe(ctx).Warnf("%s: mandatory parameter %s is missing", def.Name, p.Name)
			return apierrors.ErrInvalidParameter
		}
	}
	return nil
}

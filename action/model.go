package action

import (
	"time"

	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/node"
)

type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "PENDING"
	StatusRunning     ExecutionStatus = "RUNNING"
	StatusSucceeded   ExecutionStatus = "SUCCEEDED"
	StatusFailed      ExecutionStatus = "FAILED"
	StatusCompensated ExecutionStatus = "COMPENSATED"
)

const (
	CompositeActionName    = "composite-action"
	CompositeConditionName = "composite-condition"
)

type (
	// Action is a unit of work applied to a node. A composite action carries
	// its ordered sub actions in Actions.
	Action struct {
		ID                    string                 `json:"id"`
		DefinitionName        string                 `json:"definition_name"`
		Title                 string                 `json:"title,omitempty"`
		Description           string                 `json:"description,omitempty"`
		ExecuteAsynchronously bool                   `json:"execute_asynchronously"`
		Parameters            map[string]interface{} `json:"parameters,omitempty"`
		Conditions            []*Condition           `json:"conditions,omitempty"`
		Actions               []*Action              `json:"actions,omitempty"`
		CompensatingAction    *Action                `json:"compensating_action,omitempty"`
		RunAsUser             string                 `json:"run_as_user,omitempty"`
	}

	// Condition gates an action. A composite condition combines its sub
	// conditions with AND, or with OR when Or is set.
	Condition struct {
		ID             string                 `json:"id"`
		DefinitionName string                 `json:"definition_name"`
		Invert         bool                   `json:"invert"`
		Parameters     map[string]interface{} `json:"parameters,omitempty"`
		Or             bool                   `json:"or,omitempty"`
		Conditions     []*Condition           `json:"conditions,omitempty"`
	}

	// ExecutionDetails is one record of an action's execution history.
	ExecutionDetails struct {
		Ref            node.NodeRef    `json:"ref"`
		ActionID       string          `json:"action_id"`
		DefinitionName string          `json:"definition_name"`
		Title          string          `json:"title,omitempty"`
		Status         ExecutionStatus `json:"status"`
		StartDate      *time.Time      `json:"start_date,omitempty"`
		EndDate        *time.Time      `json:"end_date,omitempty"`
		FailureMessage string          `json:"failure_message,omitempty"`
		FailureDetails string          `json:"failure_details,omitempty"`
		CompensatingID string          `json:"compensating_id,omitempty"`
	}
)

func NewAction(definitionName string, params map[string]interface{}) *Action {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &Action{ID: uuid.NewString(), DefinitionName: definitionName, Parameters: params}
}

func NewCompositeAction(actions ...*Action) *Action {
	a := NewAction(CompositeActionName, nil)
	a.Actions = actions
	return a
}

func NewCondition(definitionName string, params map[string]interface{}) *Condition {
	if params == nil {
		params = make(map[string]interface{})
	}
	return &Condition{ID: uuid.NewString(), DefinitionName: definitionName, Parameters: params}
}

func NewCompositeCondition(or bool, conditions ...*Condition) *Condition {
	c := NewCondition(CompositeConditionName, nil)
	c.Or = or
	c.Conditions = conditions
	return c
}

func (a *Action) IsComposite() bool {
	return a.DefinitionName == CompositeActionName
}

func (a *Action) AddCondition(c *Condition) {
	a.Conditions = append(a.Conditions, c)
}

func (a *Action) Parameter(name string) interface{} {
	if a.Parameters == nil {
		return nil
	}
	return a.Parameters[name]
}

func (a *Action) SetParameter(name string, value interface{}) {
	if a.Parameters == nil {
		a.Parameters = make(map[string]interface{})
	}
	a.Parameters[name] = value
}

func (c *Condition) IsComposite() bool {
	return c.DefinitionName == CompositeConditionName
}

func (c *Condition) Parameter(name string) interface{} {
	if c.Parameters == nil {
		return nil
	}
	return c.Parameters[name]
}

package rule

import (
	"github.com/cubefs/contentrepo/action"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
)

// Rule types name the event that fires a rule.
const (
	TypeInbound  = "inbound"
	TypeUpdate   = "update"
	TypeOutbound = "outbound"
)

// Rule runs its action against nodes arriving in, updated in or leaving the
// owning folder. Rules with ApplyToChildren are inherited by sub folders.
type Rule struct {
	ID                    string         `json:"id"`
	Title                 string         `json:"title,omitempty"`
	Description           string         `json:"description,omitempty"`
	RuleTypes             []string       `json:"rule_types"`
	Action                *action.Action `json:"action"`
	ApplyToChildren       bool           `json:"apply_to_children"`
	ExecuteAsynchronously bool           `json:"execute_asynchronously"`
	Disabled              bool           `json:"disabled"`

	// Owner is filled on load.
	Owner node.NodeRef `json:"owner"`
}

func (r *Rule) HasType(typ string) bool {
	for _, t := range r.RuleTypes {
		if t == typ {
			return true
		}
	}
	return false
}

func (r *Rule) validate() error {
	if len(r.RuleTypes) == 0 || r.Action == nil {
		return apierrors.ErrInvalidRule
	}
	for _, t := range r.RuleTypes {
		switch t {
		case TypeInbound, TypeUpdate, TypeOutbound:
		default:
			return apierrors.ErrInvalidRuleType
		}
	}
	return nil
}

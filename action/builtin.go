package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
)

const (
	ParamAspectName = "aspect-name"
	ParamPropName   = "prop_name"
	ParamValue      = "value"
	ParamAspect     = "aspect"
	ParamProperty   = "property"
	ParamOperation  = "operation"
	ParamType       = "type"
)

// Operations of compare-property-value.
const (
	OpEquals           = "EQUALS"
	OpContains         = "CONTAINS"
	OpBegins           = "BEGINS"
	OpEnds             = "ENDS"
	OpGreaterThan      = "GREATER_THAN"
	OpGreaterThanEqual = "GREATER_THAN_EQUAL"
	OpLessThan         = "LESS_THAN"
	OpLessThanEqual    = "LESS_THAN_EQUAL"
)

// qnameParam accepts a QName or its string form.
func qnameParam(s *Service, params map[string]interface{}, name string) (qname.QName, error) {
	switch v := params[name].(type) {
	case qname.QName:
		return v, v.Validate()
	case string:
		q, err := qname.Parse(v, s.nodes.QNames().Resolver())
		if err != nil {
			return qname.QName{}, apierrors.ErrInvalidParameter
		}
		return q, nil
	default:
		return qname.QName{}, apierrors.ErrInvalidParameter
	}
}

type addFeatures struct{}

func (*addFeatures) Definition() *Definition {
	return &Definition{
		Name:       "add-features",
		Title:      "Add aspect",
		Parameters: []ParameterDefinition{{Name: ParamAspectName, Mandatory: true}},
	}
}

func (*addFeatures) Execute(ctx context.Context, s *Service, a *Action, n *node.Node) error {
	aspect, err := qnameParam(s, a.Parameters, ParamAspectName)
	if err != nil {
		return err
	}
	return s.nodes.AddAspects(ctx, n.ID, aspect)
}

type removeFeatures struct{}

func (*removeFeatures) Definition() *Definition {
	return &Definition{
		Name:       "remove-features",
		Title:      "Remove aspect",
		Parameters: []ParameterDefinition{{Name: ParamAspectName, Mandatory: true}},
	}
}

func (*removeFeatures) Execute(ctx context.Context, s *Service, a *Action, n *node.Node) error {
	aspect, err := qnameParam(s, a.Parameters, ParamAspectName)
	if err != nil {
		return err
	}
	return s.nodes.RemoveAspects(ctx, n.ID, aspect)
}

type setPropertyValue struct{}

func (*setPropertyValue) Definition() *Definition {
	return &Definition{
		Name:  "set-property-value",
		Title: "Set property value",
		Parameters: []ParameterDefinition{
			{Name: ParamPropName, Mandatory: true},
			{Name: ParamValue, Mandatory: true},
		},
	}
}

func (*setPropertyValue) Execute(ctx context.Context, s *Service, a *Action, n *node.Node) error {
	prop, err := qnameParam(s, a.Parameters, ParamPropName)
	if err != nil {
		return err
	}
	return s.nodes.SetProperty(ctx, n.ID, prop, a.Parameter(ParamValue))
}

// compositeAction runs the sub actions in order, each gated by its own
// conditions.
type compositeAction struct{}

func (*compositeAction) Definition() *Definition {
	return &Definition{Name: CompositeActionName, Title: "Composite action"}
}

func (*compositeAction) Execute(ctx context.Context, s *Service, a *Action, n *node.Node) error {
	for _, sub := range a.Actions {
		ok, err := s.evaluateAction(ctx, sub, n)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err = s.directActionExecution(ctx, sub, n); err != nil {
			return err
		}
	}
	return nil
}

type noCondition struct{}

func (*noCondition) Definition() *Definition {
	return &Definition{Name: "no-condition", Title: "All items"}
}

func (*noCondition) Evaluate(ctx context.Context, s *Service, c *Condition, n *node.Node) (bool, error) {
	return true, nil
}

type hasAspect struct{}

func (*hasAspect) Definition() *Definition {
	return &Definition{
		Name:       "has-aspect",
		Title:      "Has aspect",
		Parameters: []ParameterDefinition{{Name: ParamAspect, Mandatory: true}},
	}
}

func (*hasAspect) Evaluate(ctx context.Context, s *Service, c *Condition, n *node.Node) (bool, error) {
	aspect, err := qnameParam(s, c.Parameters, ParamAspect)
	if err != nil {
		return false, err
	}
	return s.nodes.HasAspect(ctx, n.ID, aspect)
}

// isSubtype matches the node type exactly. Every type counts as a subtype
// of sys:base.
type isSubtype struct{}

func (*isSubtype) Definition() *Definition {
	return &Definition{
		Name:       "is-subtype",
		Title:      "Is subtype",
		Parameters: []ParameterDefinition{{Name: ParamType, Mandatory: true}},
	}
}

func (*isSubtype) Evaluate(ctx context.Context, s *Service, c *Condition, n *node.Node) (bool, error) {
	typ, err := qnameParam(s, c.Parameters, ParamType)
	if err != nil {
		return false, err
	}
	return typ == n.Type || typ == qname.TypeBase, nil
}

// comparePropertyValue compares a node property with the value parameter.
// Text supports EQUALS, CONTAINS, BEGINS and ENDS ignoring case; numbers and
// dates support EQUALS and the ordering operations. A multi-valued
// property matches when any value matches.
type comparePropertyValue struct{}

func (*comparePropertyValue) Definition() *Definition {
	return &Definition{
		Name:  "compare-property-value",
		Title: "Compare property value",
		Parameters: []ParameterDefinition{
			{Name: ParamProperty},
			{Name: ParamOperation},
			{Name: ParamValue, Mandatory: true},
		},
	}
}

func (*comparePropertyValue) Evaluate(ctx context.Context, s *Service, c *Condition, n *node.Node) (bool, error) {
	prop := qname.PropName
	if c.Parameter(ParamProperty) != nil {
		q, err := qnameParam(s, c.Parameters, ParamProperty)
		if err != nil {
			return false, err
		}
		prop = q
	}
	op := OpEquals
	if v, ok := c.Parameter(ParamOperation).(string); ok && v != "" {
		op = strings.ToUpper(v)
	}
	value, err := s.nodes.GetProperty(ctx, n.ID, prop)
	if err != nil {
		return false, err
	}
	return compareValue(value, c.Parameter(ParamValue), op)
}

func compareValue(value, want interface{}, op string) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case []interface{}:
		for _, elem := range v {
			ok, err := compareValue(elem, want, op)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case node.MLText:
		for _, locale := range v.Locales() {
			ok, err := compareText(v[locale], want, op)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case string:
		return compareText(v, want, op)
	case int64:
		w, err := toFloat(want)
		if err != nil {
			return false, err
		}
		return compareOrdered(float64(v), w, op)
	case float64:
		w, err := toFloat(want)
		if err != nil {
			return false, err
		}
		return compareOrdered(v, w, op)
	case time.Time:
		w, err := toTime(want)
		if err != nil {
			return false, err
		}
		return compareOrdered(float64(v.UnixNano()), float64(w.UnixNano()), op)
	case bool:
		if op != OpEquals {
			return false, apierrors.ErrInvalidParameter
		}
		return fmt.Sprint(v) == strings.ToLower(fmt.Sprint(want)), nil
	default:
		return compareText(fmt.Sprint(v), want, op)
	}
}

func compareText(v string, want interface{}, op string) (bool, error) {
	v, w := strings.ToLower(v), strings.ToLower(fmt.Sprint(want))
	switch op {
	case OpEquals:
		return v == w, nil
	case OpContains:
		return strings.Contains(v, w), nil
	case OpBegins:
		return strings.HasPrefix(v, w), nil
	case OpEnds:
		return strings.HasSuffix(v, w), nil
	default:
		return false, apierrors.ErrInvalidParameter
	}
}

func compareOrdered(v, w float64, op string) (bool, error) {
	switch op {
	case OpEquals:
		return v == w, nil
	case OpGreaterThan:
		return v > w, nil
	case OpGreaterThanEqual:
		return v >= w, nil
	case OpLessThan:
		return v < w, nil
	case OpLessThanEqual:
		return v <= w, nil
	default:
		return false, apierrors.ErrInvalidParameter
	}
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, apierrors.ErrInvalidParameter
		}
		return f, nil
	default:
		return 0, apierrors.ErrInvalidParameter
	}
}

func toTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, apierrors.ErrInvalidParameter
		}
		return t, nil
	default:
		return time.Time{}, apierrors.ErrInvalidParameter
	}
}

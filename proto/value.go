package proto

import (
	"strconv"
	"time"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
)

const (
	DatatypeNull    = "null"
	DatatypeString  = "string"
	DatatypeInt     = "int"
	DatatypeFloat   = "float"
	DatatypeBool    = "bool"
	DatatypeDate    = "date"
	DatatypeNodeRef = "noderef"
	DatatypeQName   = "qname"
	DatatypeMLText  = "mltext"
	DatatypeList    = "list"
)

// Value is a typed property value. Scalars are carried as text, MLText per
// locale and lists as nested values.
type Value struct {
	Datatype string            `json:"datatype"`
	Text     string            `json:"text,omitempty"`
	MLText   map[string]string `json:"mltext,omitempty"`
	Values   []Value           `json:"values,omitempty"`
}

func EncodeValue(v interface{}, r *qname.PrefixResolver) Value {
	switch x := v.(type) {
	case nil:
		return Value{Datatype: DatatypeNull}
	case string:
		return Value{Datatype: DatatypeString, Text: x}
	case int64:
		return Value{Datatype: DatatypeInt, Text: strconv.FormatInt(x, 10)}
	case float64:
		return Value{Datatype: DatatypeFloat, Text: strconv.FormatFloat(x, 'g', -1, 64)}
	case bool:
		return Value{Datatype: DatatypeBool, Text: strconv.FormatBool(x)}
	case time.Time:
		return Value{Datatype: DatatypeDate, Text: x.UTC().Format(time.RFC3339Nano)}
	case node.NodeRef:
		return Value{Datatype: DatatypeNodeRef, Text: x.String()}
	case qname.QName:
		return Value{Datatype: DatatypeQName, Text: x.PrefixString(r)}
	case node.MLText:
		return Value{Datatype: DatatypeMLText, MLText: x}
	case []interface{}:
		values := make([]Value, len(x))
		for i := range x {
			values[i] = EncodeValue(x[i], r)
		}
		return Value{Datatype: DatatypeList, Values: values}
	default:
		return Value{Datatype: DatatypeNull}
	}
}

// DecodeValue converts a value back; an empty datatype reads as string.
func DecodeValue(v Value, r *qname.PrefixResolver) (ret interface{}, err error) {
	switch v.Datatype {
	case DatatypeNull:
		return nil, nil
	case DatatypeString, "":
		return v.Text, nil
	case DatatypeInt:
		ret, err = strconv.ParseInt(v.Text, 10, 64)
	case DatatypeFloat:
		ret, err = strconv.ParseFloat(v.Text, 64)
	case DatatypeBool:
		ret, err = strconv.ParseBool(v.Text)
	case DatatypeDate:
		ret, err = time.Parse(time.RFC3339Nano, v.Text)
	case DatatypeNodeRef:
		return node.ParseNodeRef(v.Text)
	case DatatypeQName:
		return qname.Parse(v.Text, r)
	case DatatypeMLText:
		return node.MLText(v.MLText), nil
	case DatatypeList:
		list := make([]interface{}, len(v.Values))
		for i := range v.Values {
			if list[i], err = DecodeValue(v.Values[i], r); err != nil {
				return nil, err
			}
		}
		return list, nil
	default:
		return nil, apierrors.ErrInvalidProperty
	}
	if err != nil {
		return nil, apierrors.ErrInvalidProperty
	}
	return ret, nil
}

func EncodeProperties(props map[qname.QName]interface{}, r *qname.PrefixResolver) map[string]Value {
	ret := make(map[string]Value, len(props))
	for q, v := range props {
		ret[q.PrefixString(r)] = EncodeValue(v, r)
	}
	return ret
}

func DecodeProperties(props map[string]Value, r *qname.PrefixResolver) (map[qname.QName]interface{}, error) {
	ret := make(map[qname.QName]interface{}, len(props))
	for name, v := range props {
		q, err := qname.Parse(name, r)
		if err != nil {
			return nil, err
		}
		if ret[q], err = DecodeValue(v, r); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

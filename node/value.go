package node

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/qname"
)

// MLText holds one string per locale.
type MLText map[string]string

// Locales returns the locales in sorted order.
func (m MLText) Locales() []string {
	ret := make([]string, 0, len(m))
	for l := range m {
		ret = append(ret, l)
	}
	sort.Strings(ret)
	return ret
}

type valueType string

const (
	typeNull    valueType = "null"
	typeString  valueType = "string"
	typeInt     valueType = "int"
	typeFloat   valueType = "float"
	typeBool    valueType = "bool"
	typeDate    valueType = "date"
	typeNodeRef valueType = "noderef"
	typeQName   valueType = "qname"
	typeMLText  valueType = "mltext"
)

type storedValue struct {
	Type  valueType       `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// propertyRow is one persisted value. Multi-valued properties have one row
// per list index, MLText one row per locale.
type propertyRow struct {
	ListIndex int
	Locale    string
	Value     storedValue
}

// Normalize converts supported Go values to the canonical property types:
// string, int64, float64, bool, time.Time, NodeRef, qname.QName, MLText,
// []interface{} and nil.
func Normalize(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, string, int64, float64, bool, time.Time, NodeRef, qname.QName:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case MLText:
		return x, nil
	case map[string]string:
		return MLText(x), nil
	case []string:
		ret := make([]interface{}, len(x))
		for i := range x {
			ret[i] = x[i]
		}
		return ret, nil
	case []interface{}:
		ret := make([]interface{}, len(x))
		for i := range x {
			n, err := Normalize(x[i])
			if err != nil {
				return nil, err
			}
			if _, ok := n.([]interface{}); ok {
				return nil, apierrors.ErrInvalidProperty
			}
			ret[i] = n
		}
		return ret, nil
	default:
		return nil, apierrors.ErrInvalidProperty
	}
}

// encodeProperty flattens a normalized value into rows.
func encodeProperty(v interface{}) ([]propertyRow, error) {
	if list, ok := v.([]interface{}); ok {
		var rows []propertyRow
		for i, elem := range list {
			elemRows, err := encodeScalar(elem, i)
			if err != nil {
				return nil, err
			}
			rows = append(rows, elemRows...)
		}
		return rows, nil
	}
	return encodeScalar(v, -1)
}

func encodeScalar(v interface{}, index int) ([]propertyRow, error) {
	if ml, ok := v.(MLText); ok {
		rows := make([]propertyRow, 0, len(ml))
		for _, locale := range ml.Locales() {
			raw, err := json.Marshal(ml[locale])
			if err != nil {
				return nil, err
			}
			rows = append(rows, propertyRow{ListIndex: index, Locale: locale, Value: storedValue{Type: typeMLText, Value: raw}})
		}
		return rows, nil
	}

	var typ valueType
	switch v.(type) {
	case nil:
		return []propertyRow{{ListIndex: index, Value: storedValue{Type: typeNull}}}, nil
	case string:
		typ = typeString
	case int64:
		typ = typeInt
	case float64:
		typ = typeFloat
	case bool:
		typ = typeBool
	case time.Time:
		typ = typeDate
	case NodeRef:
		typ = typeNodeRef
	case qname.QName:
		typ = typeQName
	default:
		return nil, apierrors.ErrInvalidProperty
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []propertyRow{{ListIndex: index, Value: storedValue{Type: typ, Value: raw}}}, nil
}

// decodeProperty rebuilds a value from its rows, ordered by list index.
func decodeProperty(rows []propertyRow) (interface{}, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	type slot struct {
		index int
		value interface{}
	}
	var slots []*slot
	byIndex := make(map[int]*slot)
	for _, row := range rows {
		sl, ok := byIndex[row.ListIndex]
		if !ok {
			sl = &slot{index: row.ListIndex}
			byIndex[row.ListIndex] = sl
			slots = append(slots, sl)
		}
		if row.Value.Type == typeMLText {
			var text string
			if err := json.Unmarshal(row.Value.Value, &text); err != nil {
				return nil, errors.Info(err, "decode mltext failed")
			}
			ml, _ := sl.value.(MLText)
			if ml == nil {
				ml = MLText{}
				sl.value = ml
			}
			ml[row.Locale] = text
			continue
		}
		v, err := decodeScalar(row.Value)
		if err != nil {
			return nil, err
		}
		sl.value = v
	}
	if len(slots) == 1 && slots[0].index < 0 {
		return slots[0].value, nil
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].index < slots[j].index })
	list := make([]interface{}, 0, len(slots))
	for _, sl := range slots {
		list = append(list, sl.value)
	}
	return list, nil
}

func decodeScalar(sv storedValue) (interface{}, error) {
	var err error
	switch sv.Type {
	case typeNull:
		return nil, nil
	case typeString:
		var v string
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	case typeInt:
		var v int64
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	case typeFloat:
		var v float64
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	case typeBool:
		var v bool
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	case typeDate:
		var v time.Time
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	case typeNodeRef:
		var v NodeRef
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	case typeQName:
		var v qname.QName
		err = json.Unmarshal(sv.Value, &v)
		return v, err
	}
	return nil, apierrors.ErrInvalidProperty
}

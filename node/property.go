package node

import (
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/qname"
)

type encodedProperty struct {
	qnameID uint64
	rows    []propertyRow
	locales []uint64
}

// encode resolves qnames and locales outside the node transaction, they
// are created independently anyway.
func (d *DAO) encode(ctx context.Context, props map[qname.QName]interface{}) ([]encodedProperty, error) {
	ret := make([]encodedProperty, 0, len(props))
	for q, v := range props {
		nv, err := Normalize(v)
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("property %s has unsupported value %T", q, v)
			return nil, err
		}
		rows, err := encodeProperty(nv)
		if err != nil {
			return nil, err
		}
		qid, err := d.qnameID(ctx, q)
		if err != nil {
			return nil, err
		}
		ep := encodedProperty{qnameID: qid, rows: rows, locales: make([]uint64, len(rows))}
		for i := range rows {
			locale := rows[i].Locale
			if locale == "" {
				locale = qname.DefaultLocale
			}
			l, err := d.qnames.GetOrCreateLocale(ctx, locale)
			if err != nil {
				return nil, err
			}
			ep.locales[i] = l.ID
		}
		ret = append(ret, ep)
	}
	return ret, nil
}

func (d *DAO) writeProperty(s *store, nodeID uint64, ep *encodedProperty) error {
	for i := range ep.rows {
		raw, err := json.Marshal(&ep.rows[i].Value)
		if err != nil {
			return err
		}
		if err = s.t.Put(CF, propertyKey(nodeID, ep.qnameID, ep.rows[i].ListIndex, ep.locales[i]), raw); err != nil {
			return err
		}
	}
	return nil
}

func (d *DAO) clearProperty(ctx context.Context, s *store, nodeID, qnameID uint64) error {
	kvs, err := s.t.List(ctx, CF, encodeKey(propertyPrefix, nodeID, qnameID))
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err = s.t.Delete(CF, kv.Key); err != nil {
			return err
		}
	}
	return nil
}

// readProperties decodes every property of the node, or only qnameID's
// when it is non zero.
func (d *DAO) readProperties(ctx context.Context, s *store, nodeID, qnameID uint64) (map[qname.QName]interface{}, error) {
	prefix := encodeKey(propertyPrefix, nodeID)
	if qnameID != 0 {
		prefix = encodeKey(propertyPrefix, nodeID, qnameID)
	}
	kvs, err := s.t.List(ctx, CF, prefix)
	if err != nil {
		return nil, err
	}

	ret := make(map[qname.QName]interface{})
	flush := func(qid uint64, rows []propertyRow) error {
		if len(rows) == 0 {
			return nil
		}
		q, err := d.qnames.GetQName(ctx, qid)
		if err != nil {
			return err
		}
		v, err := decodeProperty(rows)
		if err != nil {
			return err
		}
		ret[q] = v
		return nil
	}

	var (
		current uint64
		rows    []propertyRow
	)
	for _, kv := range kvs {
		qid, index, localeID := decodePropertyKey(kv.Key)
		if qid != current {
			if err = flush(current, rows); err != nil {
				return nil, err
			}
			current, rows = qid, rows[:0:0]
		}
		row := propertyRow{ListIndex: index}
		if err = json.Unmarshal(kv.Value, &row.Value); err != nil {
			return nil, errors.Info(err, "json unmarshal property failed")
		}
		if row.Value.Type == typeMLText {
			l, err := d.qnames.GetLocale(ctx, localeID)
			if err != nil {
				return nil, err
			}
			row.Locale = l.Locale
		}
		rows = append(rows, row)
	}
	if err = flush(current, rows); err != nil {
		return nil, err
	}
	return ret, nil
}

func (d *DAO) GetProperties(ctx context.Context, id uint64) (props map[qname.QName]interface{}, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, id); err != nil {
			return err
		}
		props, err = d.readProperties(ctx, s, id, 0)
		return err
	})
	return
}

// GetProperty returns nil when the property is not set.
func (d *DAO) GetProperty(ctx context.Context, id uint64, q qname.QName) (value interface{}, err error) {
	qid, err := d.qnames.GetQNameID(ctx, q)
	if err == apierrors.ErrQNameNotFound || err == apierrors.ErrNamespaceMissing {
		qid, err = 0, nil
	}
	if err != nil {
		return nil, err
	}
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, id); err != nil {
			return err
		}
		if qid == 0 {
			return nil
		}
		props, err := d.readProperties(ctx, s, id, qid)
		if err != nil {
			return err
		}
		value = props[q]
		return nil
	})
	return
}

// SetProperties replaces every property of the node.
func (d *DAO) SetProperties(ctx context.Context, id uint64, props map[qname.QName]interface{}) error {
	encoded, err := d.encode(ctx, props)
	if err != nil {
		return err
	}
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		kvs, err := s.t.List(ctx, CF, encodeKey(propertyPrefix, id))
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if err = s.t.Delete(CF, kv.Key); err != nil {
				return err
			}
		}
		for i := range encoded {
			if err = d.writeProperty(s, id, &encoded[i]); err != nil {
				return err
			}
		}
		return d.touch(s, row)
	})
}

// AddProperties sets the given properties and keeps the others.
func (d *DAO) AddProperties(ctx context.Context, id uint64, props map[qname.QName]interface{}) error {
	encoded, err := d.encode(ctx, props)
	if err != nil {
		return err
	}
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		for i := range encoded {
			if err = d.clearProperty(ctx, s, id, encoded[i].qnameID); err != nil {
				return err
			}
			if err = d.writeProperty(s, id, &encoded[i]); err != nil {
				return err
			}
		}
		return d.touch(s, row)
	})
}

func (d *DAO) SetProperty(ctx context.Context, id uint64, q qname.QName, value interface{}) error {
	return d.AddProperties(ctx, id, map[qname.QName]interface{}{q: value})
}

func (d *DAO) RemoveProperties(ctx context.Context, id uint64, qnames ...qname.QName) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		for _, q := range qnames {
			qid, err := d.qnames.GetQNameID(ctx, q)
			if err == apierrors.ErrQNameNotFound || err == apierrors.ErrNamespaceMissing {
				continue
			}
			if err != nil {
				return err
			}
			if err = d.clearProperty(ctx, s, id, qid); err != nil {
				return err
			}
		}
		return d.touch(s, row)
	})
}

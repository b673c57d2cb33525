package qname

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/txn"
)

// DefaultLocale stands for values that carry no locale.
const DefaultLocale = ".default"

type (
	Namespace struct {
		ID  uint64 `json:"id"`
		URI string `json:"uri"`
	}
	Entity struct {
		ID          uint64 `json:"id"`
		NamespaceID uint64 `json:"namespace_id"`
		LocalName   string `json:"local_name"`
		QName       QName  `json:"-"`
	}
	Locale struct {
		ID     uint64 `json:"id"`
		Locale string `json:"locale"`
	}
)

// DAO persists namespaces, qnames and locales. Entities are immutable once
// created, so lookups read the latest committed state and creation happens
// in an independent transaction.
type DAO struct {
	store     kvstore.Store
	helper    *txn.Helper
	ids       idgenerator.IDGenerator
	resolver  *PrefixResolver
	singleRun *singleflight.Group

	namespaces sync.Map
	qnames     sync.Map
	locales    sync.Map
}

func NewDAO(store kvstore.Store, helper *txn.Helper, ids idgenerator.IDGenerator, resolver *PrefixResolver) *DAO {
	return &DAO{
		store:     store,
		helper:    helper,
		ids:       ids,
		resolver:  resolver,
		singleRun: &singleflight.Group{},
	}
}

func (d *DAO) Resolver() *PrefixResolver {
	return d.resolver
}

func (d *DAO) GetOrCreateNamespace(ctx context.Context, uri string) (*Namespace, error) {
	key := encodeUniqueKey(namespaceKeyPrefix, 0, uri)
	if v, ok := d.namespaces.Load(string(key)); ok {
		return v.(*Namespace), nil
	}
	v, err, _ := d.singleRun.Do(string(key), func() (interface{}, error) {
		id, err := d.ensure(ctx, namespaceScope, key, func(id uint64) (kvKey, value []byte) {
			return encodeIDKey(namespaceIDPrefix, id), []byte(uri)
		})
		if err != nil {
			return nil, err
		}
		ns, err := d.GetNamespaceByID(ctx, id)
		if err != nil {
			return nil, err
		}
		d.namespaces.Store(string(key), ns)
		return ns, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Namespace), nil
}

func (d *DAO) GetNamespace(ctx context.Context, uri string) (*Namespace, error) {
	key := encodeUniqueKey(namespaceKeyPrefix, 0, uri)
	if v, ok := d.namespaces.Load(string(key)); ok {
		return v.(*Namespace), nil
	}
	id, err := d.lookup(ctx, key)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrNamespaceMissing
	}
	if err != nil {
		return nil, err
	}
	ns, err := d.GetNamespaceByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.namespaces.Store(string(key), ns)
	return ns, nil
}

func (d *DAO) GetNamespaceByID(ctx context.Context, id uint64) (*Namespace, error) {
	cacheKey := "id/" + strconv.FormatUint(id, 10)
	if v, ok := d.namespaces.Load(cacheKey); ok {
		return v.(*Namespace), nil
	}
	raw, err := d.store.GetRaw(ctx, CF, encodeIDKey(namespaceIDPrefix, id), nil)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrNamespaceMissing
	}
	if err != nil {
		return nil, err
	}
	ns := &Namespace{ID: id, URI: string(raw)}
	d.namespaces.Store(cacheKey, ns)
	return ns, nil
}

// GetOrCreateQName returns the entity of q. Names differing only in case
// share one entity.
func (d *DAO) GetOrCreateQName(ctx context.Context, q QName) (*Entity, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ns, err := d.GetOrCreateNamespace(ctx, q.Namespace)
	if err != nil {
		return nil, err
	}
	key := encodeUniqueKey(qnameKeyPrefix, ns.ID, q.LocalName)
	if v, ok := d.qnames.Load(string(key)); ok {
		return v.(*Entity), nil
	}
	v, err, _ := d.singleRun.Do(string(key), func() (interface{}, error) {
		id, err := d.ensure(ctx, qnameScope, key, func(id uint64) (kvKey, value []byte) {
			value, _ = json.Marshal(&Entity{ID: id, NamespaceID: ns.ID, LocalName: q.LocalName})
			return encodeIDKey(qnameIDPrefix, id), value
		})
		if err != nil {
			return nil, err
		}
		e, err := d.GetQNameByID(ctx, id)
		if err != nil {
			return nil, err
		}
		d.qnames.Store(string(key), e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entity), nil
}

// GetQNameID returns the id of an existing qname without creating it.
func (d *DAO) GetQNameID(ctx context.Context, q QName) (uint64, error) {
	ns, err := d.GetNamespace(ctx, q.Namespace)
	if err == apierrors.ErrNamespaceMissing {
		return 0, apierrors.ErrQNameNotFound
	}
	if err != nil {
		return 0, err
	}
	key := encodeUniqueKey(qnameKeyPrefix, ns.ID, q.LocalName)
	if v, ok := d.qnames.Load(string(key)); ok {
		return v.(*Entity).ID, nil
	}
	id, err := d.lookup(ctx, key)
	if err == kvstore.ErrNotFound {
		return 0, apierrors.ErrQNameNotFound
	}
	return id, err
}

func (d *DAO) GetQName(ctx context.Context, id uint64) (QName, error) {
	e, err := d.GetQNameByID(ctx, id)
	if err != nil {
		return QName{}, err
	}
	return e.QName, nil
}

func (d *DAO) GetQNameByID(ctx context.Context, id uint64) (*Entity, error) {
	cacheKey := "id/" + strconv.FormatUint(id, 10)
	if v, ok := d.qnames.Load(cacheKey); ok {
		return v.(*Entity), nil
	}
	raw, err := d.store.GetRaw(ctx, CF, encodeIDKey(qnameIDPrefix, id), nil)
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrQNameNotFound
	}
	if err != nil {
		return nil, err
	}
	e := &Entity{}
	if err = json.Unmarshal(raw, e); err != nil {
		return nil, errors.Info(err, "unmarshal qname entity failed")
	}
	ns, err := d.GetNamespaceByID(ctx, e.NamespaceID)
	if err != nil {
		return nil, err
	}
	e.QName = New(ns.URI, e.LocalName)
	d.qnames.Store(cacheKey, e)
	return e, nil
}

func (d *DAO) GetOrCreateLocale(ctx context.Context, locale string) (*Locale, error) {
	if locale == "" {
		locale = DefaultLocale
	}
	key := encodeUniqueKey(localeKeyPrefix, 0, locale)
	if v, ok := d.locales.Load(string(key)); ok {
		return v.(*Locale), nil
	}
	v, err, _ := d.singleRun.Do(string(key), func() (interface{}, error) {
		id, err := d.ensure(ctx, localeScope, key, func(id uint64) (kvKey, value []byte) {
			return encodeIDKey(localeIDPrefix, id), []byte(locale)
		})
		if err != nil {
			return nil, err
		}
		l, err := d.GetLocale(ctx, id)
		if err != nil {
			return nil, err
		}
		d.locales.Store(string(key), l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Locale), nil
}

func (d *DAO) GetLocale(ctx context.Context, id uint64) (*Locale, error) {
	cacheKey := "id/" + strconv.FormatUint(id, 10)
	if v, ok := d.locales.Load(cacheKey); ok {
		return v.(*Locale), nil
	}
	raw, err := d.store.GetRaw(ctx, CF, encodeIDKey(localeIDPrefix, id), nil)
	if err != nil {
		return nil, err
	}
	l := &Locale{ID: id, Locale: string(raw)}
	d.locales.Store(cacheKey, l)
	return l, nil
}

func (d *DAO) lookup(ctx context.Context, key []byte) (uint64, error) {
	raw, err := d.store.GetRaw(ctx, CF, key, nil)
	if err != nil {
		return 0, err
	}
	return decodeID(raw), nil
}

// ensure returns the id under the unique key, creating the entity in an
// independent transaction. Concurrent creators race on the unique insert
// and the loser finds the winner's entity on retry.
func (d *DAO) ensure(ctx context.Context, scope string, key []byte, build func(id uint64) (kvKey, value []byte)) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	id, err := d.lookup(ctx, key)
	if err != kvstore.ErrNotFound {
		return id, err
	}

	err = d.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		t := txn.FromContext(ctx)
		raw, err := t.Get(ctx, CF, key)
		if err == nil {
			id = decodeID(raw)
			return nil
		}
		if err != kvstore.ErrNotFound {
			return err
		}
		newID, err := d.ids.Next(ctx, scope)
		if err != nil {
			return err
		}
		if err = t.Insert(ctx, CF, key, encodeID(newID)); err != nil {
			return err
		}
		kvKey, value := build(newID)
		if err = t.Put(CF, kvKey, value); err != nil {
			return err
		}
		id = newID
		return nil
	}, false, true)
	if err != nil {
		span.Warnf("create %s entity failed: %s", scope, err)
		return 0, err
	}
	return id, nil
}

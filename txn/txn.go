package txn

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
)

type status int

const (
	statusActive status = iota
	statusCommitting
	statusCommitted
	statusRolledBack
	// the write set was proposed but the apply result never arrived
	statusUnknown
)

const (
	writePut writeType = iota + 1
	writeDelete
	// writeInsert is a put that requires the key to be absent at commit
	writeInsert
)

type (
	writeType int

	txnKey struct{}

	// Listener receives transaction lifecycle callbacks. Listeners are
	// deduplicated by identity, so implementations are pointer types.
	Listener interface {
		Flush(ctx context.Context)
		BeforeCommit(ctx context.Context, readOnly bool) error
		BeforeCompletion(ctx context.Context)
		AfterCommit(ctx context.Context)
		AfterRollback(ctx context.Context)
	}

	// ListenerAdapter implements Listener with no-ops.
	ListenerAdapter struct{}

	KV struct {
		Key   []byte
		Value []byte
	}

	itemKey struct {
		cf  kvstore.CF
		key string
	}
	writeItem struct {
		typ   writeType
		value []byte
	}
	readItem struct {
		value  []byte
		exists bool
	}
)

func (ListenerAdapter) Flush(ctx context.Context)                             {}
func (ListenerAdapter) BeforeCommit(ctx context.Context, readOnly bool) error { return nil }
func (ListenerAdapter) BeforeCompletion(ctx context.Context)                  {}
func (ListenerAdapter) AfterCommit(ctx context.Context)                       {}
func (ListenerAdapter) AfterRollback(ctx context.Context)                     {}

// WithTxn binds t to the returned context.
func WithTxn(ctx context.Context, t *Txn) context.Context {
	return context.WithValue(ctx, txnKey{}, t)
}

// WithoutTxn hides any transaction bound to ctx.
func WithoutTxn(ctx context.Context) context.Context {
	return context.WithValue(ctx, txnKey{}, (*Txn)(nil))
}

// FromContext returns the active transaction bound to ctx, or nil.
func FromContext(ctx context.Context) *Txn {
	t, _ := ctx.Value(txnKey{}).(*Txn)
	if t == nil || !t.Active() {
		return nil
	}
	return t
}

// MustFromContext returns the bound transaction or ErrNoTransaction.
func MustFromContext(ctx context.Context) (*Txn, error) {
	t := FromContext(ctx)
	if t == nil {
		return nil, apierrors.ErrNoTransaction
	}
	return t, nil
}

// Txn buffers writes over a store snapshot until commit. Point reads are
// recorded and validated by the commit applier.
type Txn struct {
	id       string
	readOnly bool
	mgr      *Manager

	snap    kvstore.Snapshot
	readOpt kvstore.ReadOption

	lock        sync.Mutex
	status      status
	writes      map[itemKey]*writeItem
	reads       map[itemKey]*readItem
	resources   map[interface{}]interface{}
	listeners   []Listener
	listenerSet map[Listener]struct{}
}

func (t *Txn) ID() string {
	return t.id
}

func (t *Txn) ReadOnly() bool {
	return t.readOnly
}

func (t *Txn) Active() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.status == statusActive || t.status == statusCommitting
}

func (t *Txn) BindResource(key, value interface{}) {
	t.lock.Lock()
	t.resources[key] = value
	t.lock.Unlock()
}

func (t *Txn) GetResource(key interface{}) interface{} {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.resources[key]
}

func (t *Txn) UnbindResource(key interface{}) {
	t.lock.Lock()
	delete(t.resources, key)
	t.lock.Unlock()
}

// BindListener registers l once; repeated binds of the same listener are ignored.
func (t *Txn) BindListener(l Listener) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.listenerSet[l]; ok {
		return
	}
	t.listenerSet[l] = struct{}{}
	t.listeners = append(t.listeners, l)
}

// Flush asks every bound listener to push its buffered work into the transaction.
func (t *Txn) Flush(ctx context.Context) {
	ctx = WithTxn(ctx, t)
	for _, l := range t.snapshotListeners() {
		l.Flush(ctx)
	}
}

func (t *Txn) Get(ctx context.Context, cf kvstore.CF, key []byte) ([]byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	ik := itemKey{cf: cf, key: string(key)}
	if w, ok := t.writes[ik]; ok {
		if w.typ == writeDelete {
			return nil, kvstore.ErrNotFound
		}
		return w.value, nil
	}
	value, err := t.mgr.store.GetRaw(ctx, cf, key, t.readOpt)
	if err != nil && err != kvstore.ErrNotFound {
		return nil, err
	}
	if _, ok := t.reads[ik]; !ok {
		t.reads[ik] = &readItem{value: value, exists: err == nil}
	}
	return value, err
}

func (t *Txn) Exists(ctx context.Context, cf kvstore.CF, key []byte) (bool, error) {
	_, err := t.Get(ctx, cf, key)
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *Txn) Put(cf kvstore.CF, key, value []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkWritable(); err != nil {
		return err
	}
	ik := itemKey{cf: cf, key: string(key)}
	if w, ok := t.writes[ik]; ok && w.typ == writeInsert {
		w.value = value
		return nil
	}
	t.writes[ik] = &writeItem{typ: writePut, value: value}
	return nil
}

// Insert writes key only if no committed or buffered value exists. A
// concurrent insert of the same key fails one of the commits with
// ErrUniqueConflict.
func (t *Txn) Insert(ctx context.Context, cf kvstore.CF, key, value []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkWritable(); err != nil {
		return err
	}
	ik := itemKey{cf: cf, key: string(key)}
	if w, ok := t.writes[ik]; ok {
		if w.typ != writeDelete {
			return apierrors.ErrUniqueConflict
		}
		t.writes[ik] = &writeItem{typ: writePut, value: value}
		return nil
	}
	_, err := t.mgr.store.GetRaw(ctx, cf, key, t.readOpt)
	if err == nil {
		return apierrors.ErrUniqueConflict
	}
	if err != kvstore.ErrNotFound {
		return err
	}
	t.writes[ik] = &writeItem{typ: writeInsert, value: value}
	return nil
}

func (t *Txn) Delete(cf kvstore.CF, key []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.writes[itemKey{cf: cf, key: string(key)}] = &writeItem{typ: writeDelete}
	return nil
}

// List returns every visible pair under prefix in key order.
func (t *Txn) List(ctx context.Context, cf kvstore.CF, prefix []byte) ([]KV, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, err
	}

	merged := make(map[string][]byte)
	lr := t.mgr.store.List(ctx, cf, prefix, nil, t.readOpt)
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			lr.Close()
			return nil, err
		}
		if key == nil {
			break
		}
		merged[string(key)] = value
	}
	lr.Close()

	for ik, w := range t.writes {
		if ik.cf != cf || !bytes.HasPrefix([]byte(ik.key), prefix) {
			continue
		}
		if w.typ == writeDelete {
			delete(merged, ik.key)
			continue
		}
		merged[ik.key] = w.value
	}

	ret := make([]KV, 0, len(merged))
	for k, v := range merged {
		ret = append(ret, KV{Key: []byte(k), Value: v})
	}
	sort.Slice(ret, func(i, j int) bool {
		return bytes.Compare(ret[i].Key, ret[j].Key) < 0
	})
	return ret, nil
}

// Commit runs the before-commit listeners, proposes the write set and
// notifies the after-completion listeners.
func (t *Txn) Commit(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	t.lock.Lock()
	if t.status != statusActive {
		t.lock.Unlock()
		return apierrors.ErrTransactionClosed
	}
	t.status = statusCommitting
	t.lock.Unlock()

	txnCtx := WithTxn(ctx, t)
	t.Flush(ctx)
	// listeners bound during before-commit are invoked as well
	for i := 0; ; i++ {
		listeners := t.snapshotListeners()
		if i >= len(listeners) {
			break
		}
		if err := listeners[i].BeforeCommit(txnCtx, t.readOnly); err != nil {
			span.Warnf("txn[%s] before commit failed: %s", t.id, err)
			t.rollback(ctx)
			return err
		}
	}
	for _, l := range t.snapshotListeners() {
		l.BeforeCompletion(txnCtx)
	}

	t.lock.Lock()
	record := t.commitRecord()
	t.lock.Unlock()

	var err error
	if len(record.Writes) > 0 {
		err = t.mgr.commit(ctx, record)
	}
	if errors.Is(err, apierrors.ErrCommitUnknown) {
		span.Errorf("txn[%s] commit outcome unknown: %s", t.id, err)
		t.lock.Lock()
		t.status = statusUnknown
		t.writes = nil
		t.lock.Unlock()
		t.release()
		return err
	}
	if err != nil {
		span.Debugf("txn[%s] commit failed: %s", t.id, err)
		t.rollback(ctx)
		return err
	}

	t.lock.Lock()
	t.status = statusCommitted
	t.lock.Unlock()
	t.release()

	doneCtx := WithoutTxn(ctx)
	for _, l := range t.snapshotListeners() {
		l.AfterCommit(doneCtx)
	}
	return nil
}

// Rollback discards the write set. Rolling back a completed transaction is a no-op.
func (t *Txn) Rollback(ctx context.Context) {
	t.lock.Lock()
	if t.status != statusActive {
		t.lock.Unlock()
		return
	}
	t.lock.Unlock()
	t.rollback(ctx)
}

func (t *Txn) rollback(ctx context.Context) {
	t.lock.Lock()
	t.status = statusRolledBack
	t.writes = nil
	t.lock.Unlock()
	t.release()

	doneCtx := WithoutTxn(ctx)
	for _, l := range t.snapshotListeners() {
		l.AfterRollback(doneCtx)
	}
}

func (t *Txn) release() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.snap == nil {
		return
	}
	t.readOpt.Close()
	t.snap.Close()
	t.snap = nil
}

func (t *Txn) snapshotListeners() []Listener {
	t.lock.Lock()
	defer t.lock.Unlock()
	ret := make([]Listener, len(t.listeners))
	copy(ret, t.listeners)
	return ret
}

func (t *Txn) checkActive() error {
	if t.status != statusActive && t.status != statusCommitting {
		return apierrors.ErrTransactionClosed
	}
	return nil
}

func (t *Txn) checkWritable() error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.readOnly {
		return apierrors.ErrReadOnlyTransaction
	}
	return nil
}

func (t *Txn) commitRecord() *commitRecord {
	record := &commitRecord{
		TxnID:  t.id,
		Reads:  make([]readRecord, 0, len(t.reads)),
		Writes: make([]writeRecord, 0, len(t.writes)),
	}
	for ik, r := range t.reads {
		record.Reads = append(record.Reads, readRecord{CF: ik.cf, Key: []byte(ik.key), Value: r.value, Exists: r.exists})
	}
	for ik, w := range t.writes {
		record.Writes = append(record.Writes, writeRecord{CF: ik.cf, Key: []byte(ik.key), Value: w.value, Type: w.typ})
	}
	return record
}

package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
)

const (
	RaftOpCommit raft.Op = iota + 1
)

const module = "txn"

func (m *Manager) Module() string {
	return module
}

func (m *Manager) Apply(ctx context.Context, op raft.Op, data []byte, index uint64) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)
	switch op {
	case RaftOpCommit:
		return m.applyCommit(ctx, data)
	default:
		span.Errorf("unknown op, mod %s, op %d", module, op)
		return nil, errors.New(fmt.Sprintf("unsupported operation type: %d", op))
	}
}

// applyCommit returns a retryable conflict as the result so that a failed
// validation does not count as a state machine failure.
func (m *Manager) applyCommit(ctx context.Context, data []byte) (interface{}, error) {
	span := trace.SpanFromContextSafe(ctx)
	record := &commitRecord{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, errors.Info(err, "json unmarshal failed")
	}

	for i := range record.Writes {
		w := &record.Writes[i]
		if w.Type != writeInsert {
			continue
		}
		_, err := m.store.GetRaw(ctx, w.CF, w.Key, nil)
		if err == nil {
			span.Debugf("txn[%s] unique key %s/%q exists", record.TxnID, w.CF, w.Key)
			return apierrors.ErrUniqueConflict, nil
		}
		if err != kvstore.ErrNotFound {
			return nil, errors.Info(err, "get unique key failed")
		}
	}
	for i := range record.Reads {
		r := &record.Reads[i]
		value, err := m.store.GetRaw(ctx, r.CF, r.Key, nil)
		if err != nil && err != kvstore.ErrNotFound {
			return nil, errors.Info(err, "get read key failed")
		}
		exists := err == nil
		if exists != r.Exists || !bytes.Equal(value, r.Value) {
			span.Debugf("txn[%s] read key %s/%q changed", record.TxnID, r.CF, r.Key)
			return apierrors.ErrConcurrencyFailure, nil
		}
	}

	batch := m.store.NewWriteBatch()
	defer batch.Close()
	for i := range record.Writes {
		w := &record.Writes[i]
		switch w.Type {
		case writePut, writeInsert:
			batch.Put(w.CF, w.Key, w.Value)
		case writeDelete:
			batch.Delete(w.CF, w.Key)
		}
	}
	if err := m.store.Write(ctx, batch, nil); err != nil {
		return nil, errors.Info(err, "write txn batch failed")
	}
	span.Debugf("txn[%s] applied %d writes", record.TxnID, len(record.Writes))
	return nil, nil
}

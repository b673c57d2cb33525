package txn

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/metrics"
)

type (
	commitRecord struct {
		TxnID  string        `json:"txn_id"`
		Reads  []readRecord  `json:"reads"`
		Writes []writeRecord `json:"writes"`
	}
	readRecord struct {
		CF     kvstore.CF `json:"cf"`
		Key    []byte     `json:"key"`
		Value  []byte     `json:"value"`
		Exists bool       `json:"exists"`
	}
	writeRecord struct {
		CF    kvstore.CF `json:"cf"`
		Key   []byte     `json:"key"`
		Value []byte     `json:"value"`
		Type  writeType  `json:"type"`
	}
)

// Manager begins transactions over a store and applies their commits
// through the raft group.
type Manager struct {
	store     kvstore.Store
	raftGroup raft.Group
}

func NewManager(store kvstore.Store, raftGroup raft.Group) *Manager {
	m := &Manager{store: store, raftGroup: raftGroup}
	raftGroup.RegisterApplier(m)
	return m
}

func (m *Manager) Store() kvstore.Store {
	return m.store
}

func (m *Manager) Begin(readOnly bool) *Txn {
	snap := m.store.NewSnapshot()
	readOpt := m.store.NewReadOption()
	readOpt.SetSnapShot(snap)
	return &Txn{
		id:          uuid.NewString(),
		readOnly:    readOnly,
		mgr:         m,
		snap:        snap,
		readOpt:     readOpt,
		writes:      make(map[itemKey]*writeItem),
		reads:       make(map[itemKey]*readItem),
		resources:   make(map[interface{}]interface{}),
		listenerSet: make(map[Listener]struct{}),
	}
}

func (m *Manager) commit(ctx context.Context, record *commitRecord) error {
	span := trace.SpanFromContextSafe(ctx)
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	resp, err := m.raftGroup.Propose(ctx, &raft.ProposeRequest{
		Module:     module,
		Op:         RaftOpCommit,
		Data:       data,
		WithResult: true,
	})
	if err != nil {
		span.Errorf("propose txn[%s] failed: %s", record.TxnID, err)
		metrics.TxnCommits.WithLabelValues("error").Inc()
		if errors.Is(err, raft.ErrProposeTimeout) {
			return apierrors.ErrCommitUnknown
		}
		return err
	}
	if result, ok := resp.Data.(error); ok && result != nil {
		metrics.TxnCommits.WithLabelValues("conflict").Inc()
		return result
	}
	metrics.TxnCommits.WithLabelValues("committed").Inc()
	return nil
}

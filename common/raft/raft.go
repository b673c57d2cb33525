package raft

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/common/kvstore"
)

var (
	defaultApplyIndexPersistInterval = uint64(1000)
	defaultProposeTimeoutMS          = uint32(30000)
	applyIndexKey                    = []byte("apply_index")

	ErrApplierNotFound = errors.New("raft applier not found")
	ErrNoResult        = errors.New("no result return but with result expected")
	ErrGroupClosed     = errors.New("raft group closed")
	// ErrProposeTimeout means the proposal was handed to the log but its
	// apply result did not arrive in time. It may or may not be applied.
	ErrProposeTimeout = errors.New("raft propose result unknown")
)

type (
	Op uint32

	// Applier is the state machine of one module. Apply runs on the single
	// apply goroutine, in log order.
	Applier interface {
		Module() string
		Apply(ctx context.Context, op Op, data []byte, index uint64) (result interface{}, err error)
	}
	Storage interface {
		Get(key []byte) ([]byte, error)
		Set(key, value []byte) error
	}
	Group interface {
		RegisterApplier(a Applier)
		Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error)
		AppliedIndex() uint64
		Stat() *Stat
		Start() error
		Close()
	}
	// Driver orders proposals into a log and hands committed entries back
	// through the apply function.
	Driver interface {
		Start(apply ApplyFunc) error
		Propose(ctx context.Context, data []byte) error
		Stat(stat *Stat)
		Close()
	}
	ApplyFunc func(ctx context.Context, data []byte, index uint64) error

	Stat struct {
		Id          uint64 `json:"nodeId"`
		Term        uint64 `json:"term"`
		Vote        uint64 `json:"vote"`
		Commit      uint64 `json:"commit"`
		Leader      uint64 `json:"leader"`
		RaftState   string `json:"raftState"`
		Applied     uint64 `json:"applied"`
		RaftApplied uint64 `json:"raftApplied"`
	}
	ProposeRequest struct {
		Module     string `json:"module"`
		Op         Op     `json:"op"`
		Data       []byte `json:"data"`
		WithResult bool   `json:"with_result"`

		ReqId   string `json:"req_id"`
		RespKey string `json:"resp_key"`
	}
	ProposeResponse struct {
		Data interface{}

		respKey string
	}

	Config struct {
		// Local applies proposals synchronously without the etcd raft node.
		Local                     bool       `json:"local"`
		Node                      NodeConfig `json:"node"`
		ApplyIndexPersistInterval uint64     `json:"apply_index_persist_interval"`
		ProposeTimeoutMS          uint32     `json:"propose_timeout_ms"`

		Storage Storage `json:"-"`
	}
)

func (req *ProposeRequest) Marshal() ([]byte, error) {
	return json.Marshal(req)
}

func (req *ProposeRequest) Unmarshal(raw []byte) error {
	return json.Unmarshal(raw, req)
}

type proposeResult struct {
	data interface{}
	err  error
}

type notify chan proposeResult

func (n notify) Notify(ret proposeResult) {
	select {
	case n <- ret:
	default:
	}
}

func (n notify) Wait(ctx context.Context) (ret proposeResult, err error) {
	select {
	case <-ctx.Done():
		err = ctx.Err()
		return
	case ret = <-n:
		return
	}
}

type group struct {
	// the log restarts from 1 on every start; indexes are offset by the
	// applied index restored from storage
	baseIndex        uint64
	applyIndex       uint64
	stableApplyIndex uint64
	persistInterval  uint64
	proposeTimeout   time.Duration
	closed           uint32

	appliers sync.Map
	notifies sync.Map
	storage  Storage
	driver   Driver
}

func NewRaftGroup(cfg *Config) Group {
	var driver Driver
	if cfg.Local {
		driver = NewLocalRaft()
	} else {
		driver = NewNode(&cfg.Node)
	}
	return newGroup(cfg, driver)
}

// NewRaftGroupWithDriver builds a group over a custom log driver.
func NewRaftGroupWithDriver(cfg *Config, driver Driver) Group {
	return newGroup(cfg, driver)
}

func newGroup(cfg *Config, driver Driver) *group {
	g := &group{
		persistInterval: cfg.ApplyIndexPersistInterval,
		storage:         cfg.Storage,
		driver:          driver,
	}
	if g.persistInterval == 0 {
		g.persistInterval = defaultApplyIndexPersistInterval
	}
	if cfg.ProposeTimeoutMS == 0 {
		cfg.ProposeTimeoutMS = defaultProposeTimeoutMS
	}
	g.proposeTimeout = time.Duration(cfg.ProposeTimeoutMS) * time.Millisecond
	if g.storage != nil {
		if raw, err := g.storage.Get(applyIndexKey); err == nil && len(raw) == 8 {
			g.baseIndex = binary.BigEndian.Uint64(raw)
			g.applyIndex = g.baseIndex
			g.stableApplyIndex = g.baseIndex
		}
	}
	return g
}

func (r *group) RegisterApplier(a Applier) {
	r.appliers.Store(a.Module(), a)
}

func (r *group) Propose(ctx context.Context, req *ProposeRequest) (*ProposeResponse, error) {
	if atomic.LoadUint32(&r.closed) == 1 {
		return nil, ErrGroupClosed
	}
	span := trace.SpanFromContext(ctx)
	if span != nil {
		req.ReqId = span.TraceID()
	}
	var n notify
	if req.WithResult {
		req.RespKey = uuid.NewString()
		n = make(notify, 1)
		r.notifies.Store(req.RespKey, n)
		defer r.notifies.Delete(req.RespKey)
	}
	data, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// once handed to the log the outcome no longer follows the caller
	proposeCtx, cancel := context.WithTimeout(context.Background(), r.proposeTimeout)
	defer cancel()
	if err := r.driver.Propose(proposeCtx, data); err != nil {
		if proposeCtx.Err() != nil {
			return nil, ErrProposeTimeout
		}
		return nil, err
	}
	if !req.WithResult {
		return nil, nil
	}

	ret, err := n.Wait(proposeCtx)
	if err != nil {
		return nil, ErrProposeTimeout
	}
	if ret.err != nil {
		return nil, ret.err
	}
	return &ProposeResponse{
		Data:    ret.data,
		respKey: req.RespKey,
	}, nil
}

func (r *group) AppliedIndex() uint64 {
	return atomic.LoadUint64(&r.applyIndex)
}

func (r *group) Start() error {
	return r.driver.Start(r.apply)
}

func (r *group) Stat() *Stat {
	stat := &Stat{}
	r.driver.Stat(stat)
	stat.Applied = r.AppliedIndex()
	return stat
}

func (r *group) Close() {
	if !atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		return
	}
	r.driver.Close()
	r.persistApplyIndex(r.AppliedIndex())
}

func (r *group) apply(ctx context.Context, data []byte, index uint64) error {
	index += r.baseIndex
	req := &ProposeRequest{}
	if err := req.Unmarshal(data); err != nil {
		return err
	}
	span, applyCtx := trace.StartSpanFromContextWithTraceID(ctx, "", req.ReqId)

	var ret proposeResult
	if a, ok := r.appliers.Load(req.Module); ok {
		ret.data, ret.err = a.(Applier).Apply(applyCtx, req.Op, req.Data, index)
		if ret.err != nil {
			span.Errorf("apply module[%s] op[%d] at index %d failed: %s", req.Module, req.Op, index, ret.err)
		}
	} else {
		ret.err = ErrApplierNotFound
		span.Errorf("applier of module[%s] not registered", req.Module)
	}
	if req.WithResult {
		if n, ok := r.notifies.Load(req.RespKey); ok {
			n.(notify).Notify(ret)
		}
	}

	atomic.StoreUint64(&r.applyIndex, index)
	// record apply index timely
	if index < atomic.LoadUint64(&r.stableApplyIndex)+r.persistInterval {
		return nil
	}
	return r.persistApplyIndex(index)
}

func (r *group) persistApplyIndex(index uint64) error {
	if r.storage == nil {
		return nil
	}
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, index)
	if err := r.storage.Set(applyIndexKey, raw); err != nil {
		return err
	}
	atomic.StoreUint64(&r.stableApplyIndex, index)
	return nil
}

type kvStorage struct {
	cf    kvstore.CF
	store kvstore.Store
}

// NewKVStorage keeps raft local state in one column family of the store.
func NewKVStorage(store kvstore.Store, cf kvstore.CF) Storage {
	return &kvStorage{cf: cf, store: store}
}

func (s *kvStorage) Get(key []byte) ([]byte, error) {
	return s.store.GetRaw(context.Background(), s.cf, key, nil)
}

func (s *kvStorage) Set(key, value []byte) error {
	wo := s.store.NewWriteOption()
	defer wo.Close()
	wo.SetSync(true)
	return s.store.SetRaw(context.Background(), s.cf, key, value, wo)
}

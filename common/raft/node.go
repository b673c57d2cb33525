package raft

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	etcdraft "go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	defaultTickIntervalMS  = 100
	defaultElectionTick    = 10
	defaultHeartbeatTick   = 1
	defaultMaxSizePerMsg   = 1 << 20
	defaultMaxInflightMsgs = 256
	defaultLeaderWaitMS    = 10000
)

var ErrLeaderTimeout = errors.New("raft node elect leader timeout")

type NodeConfig struct {
	NodeID          uint64 `json:"node_id"`
	TickIntervalMS  uint32 `json:"tick_interval_ms"`
	ElectionTick    int    `json:"election_tick"`
	HeartbeatTick   int    `json:"heartbeat_tick"`
	MaxSizePerMsg   uint64 `json:"max_size_per_msg"`
	MaxInflightMsgs int    `json:"max_inflight_msgs"`
	LeaderWaitMS    uint32 `json:"leader_wait_ms"`
}

// node drives a single member etcd raft group over a memory log. State
// machines persist their own data so the log is not kept across restarts.
type node struct {
	cfg     NodeConfig
	storage *etcdraft.MemoryStorage
	rn      etcdraft.Node
	apply   ApplyFunc

	leaderOnce sync.Once
	leaderC    chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

func NewNode(cfg *NodeConfig) Driver {
	c := *cfg
	if c.NodeID == 0 {
		c.NodeID = 1
	}
	if c.TickIntervalMS == 0 {
		c.TickIntervalMS = defaultTickIntervalMS
	}
	if c.ElectionTick == 0 {
		c.ElectionTick = defaultElectionTick
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = defaultHeartbeatTick
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = defaultMaxSizePerMsg
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = defaultMaxInflightMsgs
	}
	if c.LeaderWaitMS == 0 {
		c.LeaderWaitMS = defaultLeaderWaitMS
	}
	return &node{
		cfg:     c,
		storage: etcdraft.NewMemoryStorage(),
		leaderC: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (n *node) Start(apply ApplyFunc) error {
	n.apply = apply
	c := &etcdraft.Config{
		ID:              n.cfg.NodeID,
		ElectionTick:    n.cfg.ElectionTick,
		HeartbeatTick:   n.cfg.HeartbeatTick,
		Storage:         n.storage,
		MaxSizePerMsg:   n.cfg.MaxSizePerMsg,
		MaxInflightMsgs: n.cfg.MaxInflightMsgs,
	}
	n.rn = etcdraft.StartNode(c, []etcdraft.Peer{{ID: n.cfg.NodeID}})

	n.wg.Add(2)
	go n.tickLoop()
	go n.readyLoop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n.cfg.LeaderWaitMS)*time.Millisecond)
	defer cancel()
	if err := n.rn.Campaign(ctx); err != nil {
		return err
	}
	select {
	case <-n.leaderC:
		return nil
	case <-ctx.Done():
		return ErrLeaderTimeout
	}
}

func (n *node) Propose(ctx context.Context, data []byte) error {
	return n.rn.Propose(ctx, data)
}

func (n *node) Stat(stat *Stat) {
	if n.rn == nil {
		return
	}
	st := n.rn.Status()
	stat.Id = st.ID
	stat.Term = st.Term
	stat.Vote = st.Vote
	stat.Commit = st.Commit
	stat.Leader = st.Lead
	stat.RaftState = st.RaftState.String()
	stat.RaftApplied = st.Applied
}

func (n *node) Close() {
	close(n.done)
	if n.rn != nil {
		n.rn.Stop()
	}
	n.wg.Wait()
}

func (n *node) tickLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.cfg.TickIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.rn.Tick()
		case <-n.done:
			return
		}
	}
}

func (n *node) readyLoop() {
	defer n.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	for {
		select {
		case rd := <-n.rn.Ready():
			if rd.SoftState != nil && rd.SoftState.Lead == n.cfg.NodeID {
				n.leaderOnce.Do(func() { close(n.leaderC) })
			}
			if !etcdraft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					span.Fatalf("set hard state failed: %s", err)
				}
			}
			if !etcdraft.IsEmptySnap(rd.Snapshot) {
				if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
					span.Fatalf("apply snapshot failed: %s", err)
				}
			}
			if err := n.storage.Append(rd.Entries); err != nil {
				span.Fatalf("append entries failed: %s", err)
			}
			if len(rd.Messages) > 0 {
				span.Debugf("drop %d messages of single member group", len(rd.Messages))
			}
			if err := n.applyCommittedEntries(ctx, rd.CommittedEntries); err != nil {
				span.Fatalf("apply committed entries failed: %s", err)
			}
			n.rn.Advance()
		case <-n.done:
			return
		}
	}
}

func (n *node) applyCommittedEntries(ctx context.Context, entries []raftpb.Entry) error {
	for i := range entries {
		switch entries[i].Type {
		case raftpb.EntryNormal:
			if len(entries[i].Data) == 0 {
				continue
			}
			if err := n.apply(ctx, entries[i].Data, entries[i].Index); err != nil {
				return err
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entries[i].Data); err != nil {
				return err
			}
			n.rn.ApplyConfChange(cc)
		}
	}
	return nil
}

// localRaft assigns indexes in call order and applies inline.
type localRaft struct {
	lock  sync.Mutex
	index uint64
	apply ApplyFunc
}

func NewLocalRaft() Driver {
	return &localRaft{}
}

func (l *localRaft) Start(apply ApplyFunc) error {
	l.apply = apply
	return nil
}

func (l *localRaft) Propose(ctx context.Context, data []byte) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.apply == nil {
		return ErrGroupClosed
	}
	l.index++
	return l.apply(ctx, data, l.index)
}

func (l *localRaft) Stat(stat *Stat) {
	l.lock.Lock()
	stat.Commit = l.index
	stat.RaftApplied = l.index
	l.lock.Unlock()
	stat.RaftState = "StateLeader"
}

func (l *localRaft) Close() {
	l.lock.Lock()
	l.apply = nil
	l.lock.Unlock()
}

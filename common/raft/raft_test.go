package raft

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/util"
)

var errOdd = errors.New("odd value")

type counterApplier struct {
	lock    sync.Mutex
	total   int
	indexes []uint64
}

func (c *counterApplier) Module() string { return "counter" }

func (c *counterApplier) Apply(ctx context.Context, op Op, data []byte, index uint64) (interface{}, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.indexes = append(c.indexes, index)
	if op == 2 {
		return nil, errOdd
	}
	c.total += len(data)
	return c.total, nil
}

func TestLocalGroup_Propose(t *testing.T) {
	ctx := context.Background()
	g := newGroup(&Config{}, NewLocalRaft())
	a := &counterApplier{}
	g.RegisterApplier(a)
	require.NoError(t, g.Start())
	defer g.Close()

	resp, err := g.Propose(ctx, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("abc"), WithResult: true})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Data)

	resp, err = g.Propose(ctx, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("de")})
	require.NoError(t, err)
	require.Nil(t, resp)

	_, err = g.Propose(ctx, &ProposeRequest{Module: "counter", Op: 2, WithResult: true})
	require.ErrorIs(t, err, errOdd)

	_, err = g.Propose(ctx, &ProposeRequest{Module: "unknown", WithResult: true})
	require.ErrorIs(t, err, ErrApplierNotFound)

	require.Equal(t, []uint64{1, 2, 3}, a.indexes)
	require.Equal(t, uint64(4), g.AppliedIndex())
	require.Equal(t, uint64(4), g.Stat().Applied)
}

func TestGroup_ApplyIndexPersist(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	store, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{"local"},
	})
	require.NoError(t, err)
	defer store.Close()

	storage := NewKVStorage(store, "local")
	g := newGroup(&Config{Storage: storage, ApplyIndexPersistInterval: 2}, NewLocalRaft())
	g.RegisterApplier(&counterApplier{})
	require.NoError(t, g.Start())
	for i := 0; i < 5; i++ {
		_, err := g.Propose(ctx, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("x")})
		require.NoError(t, err)
	}
	g.Close()

	_, err = g.Propose(ctx, &ProposeRequest{Module: "counter"})
	require.ErrorIs(t, err, ErrGroupClosed)

	reopened := newGroup(&Config{Storage: storage}, NewLocalRaft())
	require.Equal(t, uint64(5), reopened.AppliedIndex())

	// the log restarts from 1, applied indexes continue after the restored one
	a := &counterApplier{}
	reopened.RegisterApplier(a)
	require.NoError(t, reopened.Start())
	_, err = reopened.Propose(ctx, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("x"), WithResult: true})
	require.NoError(t, err)
	require.Equal(t, []uint64{6}, a.indexes)
	require.Equal(t, uint64(6), reopened.AppliedIndex())
	require.Equal(t, uint64(6), reopened.Stat().Applied)
	reopened.Close()

	require.Equal(t, uint64(6), newGroup(&Config{Storage: storage}, NewLocalRaft()).AppliedIndex())
}

type slowDriver struct {
	delay time.Duration
	apply ApplyFunc
	index uint64
	lock  sync.Mutex
	wg    sync.WaitGroup
}

func (d *slowDriver) Start(apply ApplyFunc) error {
	d.apply = apply
	return nil
}

func (d *slowDriver) Propose(ctx context.Context, data []byte) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		time.Sleep(d.delay)
		d.lock.Lock()
		defer d.lock.Unlock()
		d.index++
		d.apply(context.Background(), data, d.index)
	}()
	return nil
}

func (d *slowDriver) Stat(stat *Stat) {}

func (d *slowDriver) Close() { d.wg.Wait() }

func TestGroup_ProposeResult(t *testing.T) {
	g := newGroup(&Config{ProposeTimeoutMS: 5000}, &slowDriver{delay: 50 * time.Millisecond})
	a := &counterApplier{}
	g.RegisterApplier(a)
	require.NoError(t, g.Start())
	defer g.Close()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Propose(cancelled, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("a"), WithResult: true})
	require.ErrorIs(t, err, context.Canceled)

	// the caller giving up after the hand off does not lose the result
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp, err := g.Propose(ctx, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("abc"), WithResult: true})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Data)
	require.Equal(t, []uint64{1}, a.indexes)

	timeout := newGroup(&Config{ProposeTimeoutMS: 10}, &slowDriver{delay: 100 * time.Millisecond})
	timeout.RegisterApplier(a)
	require.NoError(t, timeout.Start())
	_, err = timeout.Propose(context.Background(), &ProposeRequest{Module: "counter", Op: 1, Data: []byte("d"), WithResult: true})
	require.ErrorIs(t, err, ErrProposeTimeout)
	timeout.Close()
	require.Equal(t, 4, a.total)
}

func TestNodeGroup_Propose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g := NewRaftGroup(&Config{Node: NodeConfig{TickIntervalMS: 10}})
	a := &counterApplier{}
	g.RegisterApplier(a)
	require.NoError(t, g.Start())
	defer g.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Propose(ctx, &ProposeRequest{Module: "counter", Op: 1, Data: []byte("ab"), WithResult: true})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	a.lock.Lock()
	require.Equal(t, 20, a.total)
	for i := 1; i < len(a.indexes); i++ {
		require.Greater(t, a.indexes[i], a.indexes[i-1])
	}
	a.lock.Unlock()

	stat := g.Stat()
	require.Equal(t, uint64(1), stat.Leader)
	require.Equal(t, "StateLeader", stat.RaftState)
}

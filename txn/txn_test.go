package txn

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/util"
)

const testCF = kvstore.CF("test")

func newTestManager(t *testing.T) (*Manager, func()) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{testCF},
	})
	require.NoError(t, err)
	group := raft.NewRaftGroup(&raft.Config{Local: true})
	mgr := NewManager(store, group)
	require.NoError(t, group.Start())
	return mgr, func() {
		group.Close()
		store.Close()
		os.RemoveAll(path)
	}
}

type recordListener struct {
	ListenerAdapter
	lock   sync.Mutex
	events []string
	extra  Listener
	fail   error
}

func (l *recordListener) add(e string) {
	l.lock.Lock()
	l.events = append(l.events, e)
	l.lock.Unlock()
}

func (l *recordListener) Flush(ctx context.Context) { l.add("flush") }

func (l *recordListener) BeforeCommit(ctx context.Context, readOnly bool) error {
	l.add("beforeCommit")
	if l.extra != nil {
		FromContext(ctx).BindListener(l.extra)
	}
	return l.fail
}

func (l *recordListener) BeforeCompletion(ctx context.Context) { l.add("beforeCompletion") }
func (l *recordListener) AfterCommit(ctx context.Context) {
	if FromContext(ctx) == nil {
		l.add("afterCommit")
	}
}
func (l *recordListener) AfterRollback(ctx context.Context) { l.add("afterRollback") }

func TestTxn_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	mgr, clean := newTestManager(t)
	defer clean()

	tx := mgr.Begin(false)
	_, err := tx.Get(ctx, testCF, []byte("k1"))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	require.NoError(t, tx.Put(testCF, []byte("k1"), []byte("v1")))
	require.NoError(t, tx.Put(testCF, []byte("k2"), []byte("v2")))
	v, err := tx.Get(ctx, testCF, []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// another transaction does not see uncommitted writes
	other := mgr.Begin(true)
	_, err = other.Get(ctx, testCF, []byte("k1"))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	require.ErrorIs(t, other.Put(testCF, []byte("k1"), nil), apierrors.ErrReadOnlyTransaction)
	require.NoError(t, other.Commit(ctx))

	require.NoError(t, tx.Delete(testCF, []byte("k2")))
	kvs, err := tx.List(ctx, testCF, []byte("k"))
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.NoError(t, tx.Commit(ctx))
	require.ErrorIs(t, tx.Commit(ctx), apierrors.ErrTransactionClosed)
	_, err = tx.Get(ctx, testCF, []byte("k1"))
	require.ErrorIs(t, err, apierrors.ErrTransactionClosed)

	raw, err := mgr.Store().GetRaw(ctx, testCF, []byte("k1"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), raw)
	_, err = mgr.Store().GetRaw(ctx, testCF, []byte("k2"), nil)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestTxn_ListMerge(t *testing.T) {
	ctx := context.Background()
	mgr, clean := newTestManager(t)
	defer clean()

	for _, k := range []string{"a/1", "a/3", "a/5", "b/1"} {
		require.NoError(t, mgr.Store().SetRaw(ctx, testCF, []byte(k), []byte(k), nil))
	}
	tx := mgr.Begin(false)
	require.NoError(t, tx.Put(testCF, []byte("a/2"), []byte("new")))
	require.NoError(t, tx.Put(testCF, []byte("a/3"), []byte("over")))
	require.NoError(t, tx.Delete(testCF, []byte("a/5")))
	kvs, err := tx.List(ctx, testCF, []byte("a/"))
	require.NoError(t, err)
	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, string(kv.Key))
	}
	require.Equal(t, []string{"a/1", "a/2", "a/3"}, keys)
	require.Equal(t, []byte("over"), kvs[2].Value)
	tx.Rollback(ctx)
}

func TestTxn_ConcurrencyFailure(t *testing.T) {
	ctx := context.Background()
	mgr, clean := newTestManager(t)
	defer clean()
	require.NoError(t, mgr.Store().SetRaw(ctx, testCF, []byte("counter"), []byte("0"), nil))

	t1 := mgr.Begin(false)
	t2 := mgr.Begin(false)
	_, err := t1.Get(ctx, testCF, []byte("counter"))
	require.NoError(t, err)
	_, err = t2.Get(ctx, testCF, []byte("counter"))
	require.NoError(t, err)
	require.NoError(t, t1.Put(testCF, []byte("counter"), []byte("1")))
	require.NoError(t, t2.Put(testCF, []byte("counter"), []byte("2")))

	require.NoError(t, t1.Commit(ctx))
	require.ErrorIs(t, t2.Commit(ctx), apierrors.ErrConcurrencyFailure)

	raw, err := mgr.Store().GetRaw(ctx, testCF, []byte("counter"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), raw)
}

func TestTxn_UniqueInsert(t *testing.T) {
	ctx := context.Background()
	mgr, clean := newTestManager(t)
	defer clean()

	t1 := mgr.Begin(false)
	t2 := mgr.Begin(false)
	require.NoError(t, t1.Insert(ctx, testCF, []byte("name"), []byte("a")))
	require.ErrorIs(t, t1.Insert(ctx, testCF, []byte("name"), []byte("a")), apierrors.ErrUniqueConflict)
	require.NoError(t, t2.Insert(ctx, testCF, []byte("name"), []byte("b")))
	require.NoError(t, t1.Commit(ctx))
	require.ErrorIs(t, t2.Commit(ctx), apierrors.ErrUniqueConflict)

	t3 := mgr.Begin(false)
	require.ErrorIs(t, t3.Insert(ctx, testCF, []byte("name"), []byte("c")), apierrors.ErrUniqueConflict)
	t3.Rollback(ctx)
}

func TestTxn_ResourcesAndListeners(t *testing.T) {
	ctx := context.Background()
	mgr, clean := newTestManager(t)
	defer clean()

	late := &recordListener{}
	l := &recordListener{extra: late}
	tx := mgr.Begin(false)
	tx.BindResource("key", 1)
	require.Equal(t, 1, tx.GetResource("key"))
	tx.UnbindResource("key")
	require.Nil(t, tx.GetResource("key"))

	tx.BindListener(l)
	tx.BindListener(l)
	require.NoError(t, tx.Put(testCF, []byte("x"), []byte("y")))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, []string{"flush", "beforeCommit", "beforeCompletion", "afterCommit"}, l.events)
	require.Equal(t, []string{"beforeCommit", "beforeCompletion", "afterCommit"}, late.events)

	failing := &recordListener{fail: errors.New("veto")}
	tx = mgr.Begin(false)
	tx.BindListener(failing)
	require.NoError(t, tx.Put(testCF, []byte("x"), []byte("z")))
	require.Error(t, tx.Commit(ctx))
	require.Equal(t, []string{"flush", "beforeCommit", "afterRollback"}, failing.events)
	raw, err := mgr.Store().GetRaw(ctx, testCF, []byte("x"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("y"), raw)
}

// delayedDriver applies every entry on its own goroutine after a delay.
type delayedDriver struct {
	delay time.Duration
	lock  sync.Mutex
	index uint64
	apply raft.ApplyFunc
	wg    sync.WaitGroup
}

func (d *delayedDriver) Start(apply raft.ApplyFunc) error {
	d.apply = apply
	return nil
}

func (d *delayedDriver) Propose(ctx context.Context, data []byte) error {
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

func (d *delayedDriver) Stat(stat *raft.Stat) {}

func (d *delayedDriver) Close() { d.wg.Wait() }

func newDelayedManager(t *testing.T, delay time.Duration, proposeTimeoutMS uint32) (*Manager, func()) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{testCF},
	})
	require.NoError(t, err)
	group := raft.NewRaftGroupWithDriver(&raft.Config{ProposeTimeoutMS: proposeTimeoutMS}, &delayedDriver{delay: delay})
	mgr := NewManager(store, group)
	require.NoError(t, group.Start())
	return mgr, func() {
		group.Close()
		store.Close()
		os.RemoveAll(path)
	}
}

func TestTxn_CommitCancelledContext(t *testing.T) {
	mgr, clean := newTestManager(t)
	defer clean()

	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		l := &recordListener{}
		tx := mgr.Begin(false)
		tx.BindListener(l)
		require.NoError(t, tx.Put(testCF, []byte("cancelled"), []byte("v")))
		err := tx.Commit(ctx)

		_, gerr := mgr.Store().GetRaw(context.Background(), testCF, []byte("cancelled"), nil)
		if err == nil {
			require.NoError(t, gerr)
			require.Equal(t, []string{"flush", "beforeCommit", "beforeCompletion", "afterCommit"}, l.events)
		} else {
			require.ErrorIs(t, gerr, kvstore.ErrNotFound)
			require.Equal(t, []string{"flush", "beforeCommit", "beforeCompletion", "afterRollback"}, l.events)
		}
	}
}

func TestTxn_CommitOutlivesCaller(t *testing.T) {
	mgr, clean := newDelayedManager(t, 50*time.Millisecond, 5000)
	defer clean()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	l := &recordListener{}
	tx := mgr.Begin(false)
	tx.BindListener(l)
	require.NoError(t, tx.Put(testCF, []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit(ctx))
	require.Error(t, ctx.Err())
	require.Equal(t, []string{"flush", "beforeCommit", "beforeCompletion", "afterCommit"}, l.events)

	raw, err := mgr.Store().GetRaw(context.Background(), testCF, []byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), raw)
}

func TestTxn_CommitOutcomeUnknown(t *testing.T) {
	mgr, clean := newDelayedManager(t, 100*time.Millisecond, 10)
	defer clean()
	ctx := context.Background()

	l := &recordListener{}
	tx := mgr.Begin(false)
	tx.BindListener(l)
	require.NoError(t, tx.Put(testCF, []byte("k"), []byte("v")))
	require.ErrorIs(t, tx.Commit(ctx), apierrors.ErrCommitUnknown)
	require.False(t, IsRetryable(apierrors.ErrCommitUnknown))
	require.Equal(t, []string{"flush", "beforeCommit", "beforeCompletion"}, l.events)
	require.ErrorIs(t, tx.Commit(ctx), apierrors.ErrTransactionClosed)
	tx.Rollback(ctx)
	require.Equal(t, []string{"flush", "beforeCommit", "beforeCompletion"}, l.events)

	// the entry still lands in the log
	require.Eventually(t, func() bool {
		_, err := mgr.Store().GetRaw(ctx, testCF, []byte("k"), nil)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestHelper_DoInTransaction(t *testing.T) {
	ctx := context.Background()
	mgr, clean := newTestManager(t)
	defer clean()
	helper := NewHelper(mgr, RetryConfig{MinRetryWaitMS: 1, MaxRetryWaitMS: 5, RetryWaitIncrementMS: 1})

	// propagation into the outer transaction
	err := helper.DoInTransaction(ctx, func(ctx context.Context) error {
		outer := FromContext(ctx)
		require.NotNil(t, outer)
		require.NoError(t, outer.Put(testCF, []byte("outer"), []byte("1")))
		return helper.DoInTransaction(ctx, func(ctx context.Context) error {
			require.Equal(t, outer.ID(), FromContext(ctx).ID())
			return nil
		}, false, false)
	}, false, false)
	require.NoError(t, err)

	// a new nested transaction does not see outer writes
	err = helper.DoInTransaction(ctx, func(ctx context.Context) error {
		outer := FromContext(ctx)
		require.NoError(t, outer.Put(testCF, []byte("nested"), []byte("1")))
		return helper.DoInTransaction(ctx, func(ctx context.Context) error {
			inner := FromContext(ctx)
			require.NotEqual(t, outer.ID(), inner.ID())
			_, err := inner.Get(ctx, testCF, []byte("nested"))
			require.ErrorIs(t, err, kvstore.ErrNotFound)
			return nil
		}, true, true)
	}, false, false)
	require.NoError(t, err)

	// conflicting increments are retried until all of them land
	require.NoError(t, mgr.Store().SetRaw(ctx, testCF, []byte("n"), []byte{0}, nil))
	var attempts int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := helper.DoInTransaction(ctx, func(ctx context.Context) error {
				atomic.AddInt32(&attempts, 1)
				tx := FromContext(ctx)
				v, err := tx.Get(ctx, testCF, []byte("n"))
				if err != nil {
					return err
				}
				return tx.Put(testCF, []byte("n"), []byte{v[0] + 1})
			}, false, true)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	raw, err := mgr.Store().GetRaw(ctx, testCF, []byte("n"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte{5}, raw)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(5))

	// non retryable errors surface and roll back
	boom := errors.New("boom")
	err = helper.DoInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, FromContext(ctx).Put(testCF, []byte("boom"), []byte("1")))
		return boom
	}, false, false)
	require.ErrorIs(t, err, boom)
	_, err = mgr.Store().GetRaw(ctx, testCF, []byte("boom"), nil)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

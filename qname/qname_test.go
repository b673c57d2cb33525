package qname

import (
	"context"
	"hash/crc32"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/txn"
	"github.com/cubefs/contentrepo/util"
)

func newTestDAO(t *testing.T) (*DAO, func()) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{CF, idgenerator.CF},
	})
	require.NoError(t, err)
	group := raft.NewRaftGroup(&raft.Config{Local: true})
	ids, err := idgenerator.NewIDGenerator(store, group, 0)
	require.NoError(t, err)
	helper := txn.NewHelper(txn.NewManager(store, group), txn.RetryConfig{MinRetryWaitMS: 1, MaxRetryWaitMS: 10})
	require.NoError(t, group.Start())
	return NewDAO(store, helper, ids, NewPrefixResolver()), func() {
		group.Close()
		store.Close()
		os.RemoveAll(path)
	}
}

func TestParse(t *testing.T) {
	r := NewPrefixResolver()
	q, err := Parse("cm:name", r)
	require.NoError(t, err)
	require.Equal(t, PropName, q)
	require.Equal(t, "cm:name", q.PrefixString(r))
	require.Equal(t, "{http://www.alfresco.org/model/content/1.0}name", q.String())

	q, err = Parse("{urn:x}local", r)
	require.NoError(t, err)
	require.Equal(t, New("urn:x", "local"), q)
	require.Equal(t, "{urn:x}local", q.PrefixString(r))

	q, err = Parse("bare", r)
	require.NoError(t, err)
	require.Equal(t, New(DefaultURI, "bare"), q)

	_, err = Parse("zz:name", r)
	require.ErrorIs(t, err, apierrors.ErrUnknownPrefix)
	_, err = Parse("cm:", r)
	require.ErrorIs(t, err, apierrors.ErrInvalidQName)
	_, err = Parse("{urn:x", r)
	require.ErrorIs(t, err, apierrors.ErrInvalidQName)

	c := r.Clone()
	c.Register("x", "urn:x")
	_, err = r.GetNamespaceURI("x")
	require.ErrorIs(t, err, apierrors.ErrUnknownPrefix)
	require.Contains(t, c.Prefixes(), "x")
}

func TestCrcPair(t *testing.T) {
	short, crc := CrcPair("Hello")
	require.Equal(t, "hello", short)
	require.Equal(t, crc32.ChecksumIEEE([]byte("hello")), crc)

	long := strings.Repeat("A", 60)
	short, crc = CrcPair(long)
	require.Len(t, short, ShortStringLength)
	require.True(t, strings.HasSuffix(short, "~~~"))
	require.Equal(t, strings.Repeat("a", 47)+"~~~", short)
	require.Equal(t, crc32.ChecksumIEEE([]byte(strings.ToLower(long))), crc)

	// same short form but different crc
	s1, c1 := CrcPair(strings.Repeat("b", 55) + "1")
	s2, c2 := CrcPair(strings.Repeat("b", 55) + "2")
	require.Equal(t, s1, s2)
	require.NotEqual(t, c1, c2)
}

func TestDAO_QName(t *testing.T) {
	ctx := context.Background()
	dao, clean := newTestDAO(t)
	defer clean()

	_, err := dao.GetQNameID(ctx, PropName)
	require.ErrorIs(t, err, apierrors.ErrQNameNotFound)
	_, err = dao.GetNamespace(ctx, ContentURI)
	require.ErrorIs(t, err, apierrors.ErrNamespaceMissing)

	e, err := dao.GetOrCreateQName(ctx, PropName)
	require.NoError(t, err)
	require.Equal(t, PropName, e.QName)

	// case insensitive
	e2, err := dao.GetOrCreateQName(ctx, New(ContentURI, "NAME"))
	require.NoError(t, err)
	require.Equal(t, e.ID, e2.ID)
	require.Equal(t, "name", e2.QName.LocalName)

	id, err := dao.GetQNameID(ctx, New(ContentURI, "Name"))
	require.NoError(t, err)
	require.Equal(t, e.ID, id)

	q, err := dao.GetQName(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, PropName, q)

	_, err = dao.GetQName(ctx, 999)
	require.ErrorIs(t, err, apierrors.ErrQNameNotFound)
	_, err = dao.GetOrCreateQName(ctx, New(ContentURI, ""))
	require.ErrorIs(t, err, apierrors.ErrInvalidQName)

	ns, err := dao.GetNamespace(ctx, ContentURI)
	require.NoError(t, err)
	require.Equal(t, e.NamespaceID, ns.ID)
}

func TestDAO_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	dao, clean := newTestDAO(t)
	defer clean()

	// separate DAOs share the store but not the cache, so creators race on
	// the unique insert
	other := NewDAO(dao.store, dao.helper, dao.ids, NewPrefixResolver())
	var wg sync.WaitGroup
	ids := make([]uint64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := dao
			if i%2 == 1 {
				d = other
			}
			e, err := d.GetOrCreateQName(ctx, New("urn:race", "Item"))
			require.NoError(t, err)
			ids[i] = e.ID
		}(i)
	}
	wg.Wait()
	for i := range ids {
		require.Equal(t, ids[0], ids[i])
	}
}

func TestDAO_Locale(t *testing.T) {
	ctx := context.Background()
	dao, clean := newTestDAO(t)
	defer clean()

	l1, err := dao.GetOrCreateLocale(ctx, "en_US")
	require.NoError(t, err)
	l2, err := dao.GetOrCreateLocale(ctx, "EN_us")
	require.NoError(t, err)
	require.Equal(t, l1.ID, l2.ID)

	def, err := dao.GetOrCreateLocale(ctx, "")
	require.NoError(t, err)
	require.Equal(t, DefaultLocale, def.Locale)
	require.NotEqual(t, l1.ID, def.ID)

	got, err := dao.GetLocale(ctx, l1.ID)
	require.NoError(t, err)
	require.Equal(t, "en_US", got.Locale)
}

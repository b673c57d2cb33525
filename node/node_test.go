package node

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/common/kvstore"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/txn"
	"github.com/cubefs/contentrepo/util"
)

var testStore = StoreRef{Protocol: ProtocolWorkspace, Identifier: "SpacesStore"}

func newTestDAO(t *testing.T) (*DAO, *txn.Helper, func()) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	store, err := kvstore.NewKVStore(ctx, path, kvstore.RocksdbLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{CF, acl.CF, qname.CF, idgenerator.CF},
	})
	require.NoError(t, err)
	group := raft.NewRaftGroup(&raft.Config{Local: true})
	ids, err := idgenerator.NewIDGenerator(store, group, 0)
	require.NoError(t, err)
	helper := txn.NewHelper(txn.NewManager(store, group), txn.RetryConfig{MinRetryWaitMS: 1, MaxRetryWaitMS: 10})
	require.NoError(t, group.Start())
	qnames := qname.NewDAO(store, helper, ids, qname.NewPrefixResolver())
	acls := acl.NewDAO(helper, ids, qnames)
	return NewDAO(store, helper, ids, qnames, acls), helper, func() {
		group.Close()
		store.Close()
		os.RemoveAll(path)
	}
}

// newChild creates a cm:folder under parent through a primary cm:contains
// association.
func newChild(ctx context.Context, t *testing.T, d *DAO, parent *Node, name string) (*Node, *ChildAssoc) {
	n, err := d.NewNode(ctx, parent.Ref.Store, "", qname.TypeFolder)
	require.NoError(t, err)
	assoc, err := d.NewChildAssoc(ctx, parent.ID, n.ID, true, qname.AssocContains, qname.New(qname.ContentURI, name))
	require.NoError(t, err)
	if name != "" {
		require.NoError(t, d.SetChildNameUnique(ctx, assoc.ID, name))
	}
	n, err = d.GetNodeByID(ctx, n.ID)
	require.NoError(t, err)
	return n, assoc
}

func TestRefs(t *testing.T) {
	ref, err := ParseNodeRef("workspace://SpacesStore/abc-123")
	require.NoError(t, err)
	require.Equal(t, NodeRef{Store: testStore, ID: "abc-123"}, ref)
	require.Equal(t, "workspace://SpacesStore/abc-123", ref.String())

	for _, s := range []string{"", "abc", "workspace://", "workspace://SpacesStore/", "://x/y"} {
		_, err = ParseNodeRef(s)
		require.ErrorIs(t, err, apierrors.ErrNodeRefFormat, s)
	}
	sref, err := ParseStoreRef("archive://SpacesStore")
	require.NoError(t, err)
	require.Equal(t, ProtocolArchive, sref.Protocol)
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(3)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
	v, err = Normalize(float32(1.5))
	require.NoError(t, err)
	require.Equal(t, float64(1.5), v)
	v, err = Normalize([]string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []interface{}{"a", "b"}, v)
	v, err = Normalize(map[string]string{"en": "hi"})
	require.NoError(t, err)
	require.Equal(t, MLText{"en": "hi"}, v)

	_, err = Normalize([]interface{}{[]interface{}{"nested"}})
	require.ErrorIs(t, err, apierrors.ErrInvalidProperty)
	_, err = Normalize(struct{}{})
	require.ErrorIs(t, err, apierrors.ErrInvalidProperty)
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	d, _, clean := newTestDAO(t)
	defer clean()

	_, err := d.GetRootNode(ctx, testStore)
	require.ErrorIs(t, err, apierrors.ErrStoreNotFound)

	root, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, qname.TypeStoreRoot, root.Type)
	require.NotZero(t, root.AclID)
	_, err = d.CreateStore(ctx, testStore)
	require.ErrorIs(t, err, apierrors.ErrStoreExists)
	_, err = d.CreateStore(ctx, StoreRef{Protocol: ProtocolWorkspace})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)

	props, err := d.ACLs().GetAccessControlListProperties(ctx, root.AclID)
	require.NoError(t, err)
	require.Equal(t, acl.ACLTypeDefining, props.Type)
	require.True(t, props.Inherits)

	has, err := d.HasAspect(ctx, root.ID, qname.AspectRoot)
	require.NoError(t, err)
	require.True(t, has)

	got, err := d.GetRootNode(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, root.Ref, got.Ref)

	_, err = d.CreateStore(ctx, StoreRef{Protocol: ProtocolArchive, Identifier: "SpacesStore"})
	require.NoError(t, err)
	stores, err := d.GetStores(ctx)
	require.NoError(t, err)
	require.Len(t, stores, 2)
	require.Contains(t, stores, testStore)

	path, err := d.GetPath(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, "/", path.String())
}

func TestNewNodeAndStatus(t *testing.T) {
	ctx := context.Background()
	d, _, clean := newTestDAO(t)
	defer clean()
	_, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)

	_, err = d.NewNode(ctx, StoreRef{Protocol: "none", Identifier: "x"}, "", qname.TypeFolder)
	require.ErrorIs(t, err, apierrors.ErrStoreNotFound)

	n, err := d.NewNode(ctx, testStore, "fixed-id", qname.TypeFolder)
	require.NoError(t, err)
	require.Equal(t, "fixed-id", n.Ref.ID)
	require.NotEmpty(t, n.TxnID)
	_, err = d.NewNode(ctx, testStore, "fixed-id", qname.TypeContent)
	require.ErrorIs(t, err, apierrors.ErrInvalidNodeRef)

	got, err := d.GetNode(ctx, n.Ref)
	require.NoError(t, err)
	require.Equal(t, n.ID, got.ID)
	require.Equal(t, qname.TypeFolder, got.Type)

	require.NoError(t, d.SetNodeType(ctx, n.ID, qname.TypeContent))
	got, err = d.GetNodeByID(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, qname.TypeContent, got.Type)

	status, err := d.GetNodeStatus(ctx, NodeRef{Store: testStore, ID: "missing"})
	require.NoError(t, err)
	require.Nil(t, status)

	// deleted nodes keep their status and can be revived under the same id
	require.NoError(t, d.DeleteNode(ctx, n.ID))
	_, err = d.GetNode(ctx, n.Ref)
	require.ErrorIs(t, err, apierrors.ErrNodeNotFound)
	status, err = d.GetNodeStatus(ctx, n.Ref)
	require.NoError(t, err)
	require.True(t, status.Deleted)
	require.Equal(t, n.ID, status.NodeID)

	revived, err := d.NewNode(ctx, testStore, "fixed-id", qname.TypeFolder)
	require.NoError(t, err)
	require.Equal(t, n.ID, revived.ID)
	require.False(t, revived.Deleted)
}

func TestAspects(t *testing.T) {
	ctx := context.Background()
	d, _, clean := newTestDAO(t)
	defer clean()
	_, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)
	n, err := d.NewNode(ctx, testStore, "", qname.TypeContent)
	require.NoError(t, err)

	has, err := d.HasAspect(ctx, n.ID, qname.New("http://unknown", "aspect"))
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, d.AddAspects(ctx, n.ID, qname.AspectTitled, qname.AspectActions))
	aspects, err := d.GetAspects(ctx, n.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []qname.QName{qname.AspectTitled, qname.AspectActions}, aspects)

	require.NoError(t, d.RemoveAspects(ctx, n.ID, qname.AspectTitled, qname.New("http://unknown", "aspect")))
	has, err = d.HasAspect(ctx, n.ID, qname.AspectTitled)
	require.NoError(t, err)
	require.False(t, has)
}

func TestProperties(t *testing.T) {
	ctx := context.Background()
	d, _, clean := newTestDAO(t)
	defer clean()
	_, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)
	n, err := d.NewNode(ctx, testStore, "", qname.TypeContent)
	require.NoError(t, err)

	when := time.Date(2023, 5, 1, 10, 30, 0, 0, time.UTC)
	propCount := qname.New(qname.ContentURI, "count")
	propWhen := qname.New(qname.ContentURI, "when")
	propTags := qname.New(qname.ContentURI, "tags")
	propRef := qname.New(qname.ContentURI, "ref")
	propNull := qname.New(qname.ContentURI, "nothing")
	require.NoError(t, d.SetProperties(ctx, n.ID, map[qname.QName]interface{}{
		qname.PropName:  "doc.txt",
		qname.PropTitle: MLText{"en": "Title", "fr": "Titre"},
		propCount:       42,
		propWhen:        when,
		propTags:        []string{"b", "a", "c"},
		propRef:         n.Ref,
		propNull:        nil,
	}))

	props, err := d.GetProperties(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, "doc.txt", props[qname.PropName])
	require.Equal(t, MLText{"en": "Title", "fr": "Titre"}, props[qname.PropTitle])
	require.Equal(t, int64(42), props[propCount])
	require.True(t, when.Equal(props[propWhen].(time.Time)))
	require.Equal(t, []interface{}{"b", "a", "c"}, props[propTags])
	require.Equal(t, n.Ref, props[propRef])
	v, ok := props[propNull]
	require.True(t, ok)
	require.Nil(t, v)

	// multi valued multilingual text keeps both dimensions
	propNotes := qname.New(qname.ContentURI, "notes")
	require.NoError(t, d.SetProperty(ctx, n.ID, propNotes, []interface{}{MLText{"en": "one"}, MLText{"en": "two", "de": "zwei"}}))
	value, err := d.GetProperty(ctx, n.ID, propNotes)
	require.NoError(t, err)
	require.Equal(t, []interface{}{MLText{"en": "one"}, MLText{"en": "two", "de": "zwei"}}, value)

	// add keeps other properties, shrinking a list drops the tail
	require.NoError(t, d.AddProperties(ctx, n.ID, map[qname.QName]interface{}{propTags: []string{"x"}}))
	value, err = d.GetProperty(ctx, n.ID, propTags)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"x"}, value)
	value, err = d.GetProperty(ctx, n.ID, qname.PropName)
	require.NoError(t, err)
	require.Equal(t, "doc.txt", value)

	require.NoError(t, d.RemoveProperties(ctx, n.ID, qname.PropName, qname.New("http://unknown", "p")))
	value, err = d.GetProperty(ctx, n.ID, qname.PropName)
	require.NoError(t, err)
	require.Nil(t, value)
	value, err = d.GetProperty(ctx, n.ID, qname.New("http://unknown", "p"))
	require.NoError(t, err)
	require.Nil(t, value)

	// replace all
	require.NoError(t, d.SetProperties(ctx, n.ID, map[qname.QName]interface{}{propCount: 1.5}))
	props, err = d.GetProperties(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, map[qname.QName]interface{}{propCount: 1.5}, props)

	require.ErrorIs(t, d.SetProperty(ctx, n.ID, propCount, struct{}{}), apierrors.ErrInvalidProperty)
}

func TestChildAssocs(t *testing.T) {
	ctx := context.Background()
	d, _, clean := newTestDAO(t)
	defer clean()
	root, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)

	a, assocA := newChild(ctx, t, d, root, "Alpha")
	b, _ := newChild(ctx, t, d, a, "beta")
	require.True(t, assocA.IsPrimary)

	// primary children take the ACL handed down by the parent
	require.NotZero(t, a.AclID)
	require.NotEqual(t, root.AclID, a.AclID)
	props, err := d.ACLs().GetAccessControlListProperties(ctx, a.AclID)
	require.NoError(t, err)
	require.Equal(t, acl.ACLTypeShared, props.Type)
	require.Equal(t, a.AclID, b.AclID)

	// names are unique per parent and type ignoring case
	got, err := d.GetChildByName(ctx, root.ID, qname.AssocContains, "ALPHA")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, a.ID, got.ChildID)
	got, err = d.GetChildByName(ctx, root.ID, qname.AssocChildren, "alpha")
	require.NoError(t, err)
	require.Nil(t, got)

	other, err := d.NewNode(ctx, testStore, "", qname.TypeFolder)
	require.NoError(t, err)
	otherAssoc, err := d.NewChildAssoc(ctx, root.ID, other.ID, true, qname.AssocContains, qname.New(qname.ContentURI, "other"))
	require.NoError(t, err)
	require.ErrorIs(t, d.SetChildNameUnique(ctx, otherAssoc.ID, "alpha"), apierrors.ErrDuplicateChildName)
	require.NoError(t, d.SetChildNameUnique(ctx, otherAssoc.ID, "gamma"))
	require.NoError(t, d.SetChildNameUnique(ctx, assocA.ID, ""))
	require.NoError(t, d.SetChildNameUnique(ctx, otherAssoc.ID, "alpha"))
	got, err = d.GetChildByName(ctx, root.ID, qname.AssocContains, "gamma")
	require.NoError(t, err)
	require.Nil(t, got)

	// a node has at most one primary parent, cycles are refused
	_, err = d.NewChildAssoc(ctx, other.ID, b.ID, true, qname.AssocContains, qname.New(qname.ContentURI, "b"))
	require.ErrorIs(t, err, apierrors.ErrAssocExists)
	_, err = d.NewChildAssoc(ctx, b.ID, a.ID, false, qname.AssocContains, qname.New(qname.ContentURI, "loop"))
	require.ErrorIs(t, err, apierrors.ErrCyclicAssoc)
	_, err = d.NewChildAssoc(ctx, a.ID, a.ID, false, qname.AssocContains, qname.New(qname.ContentURI, "self"))
	require.ErrorIs(t, err, apierrors.ErrCyclicAssoc)

	secondary, err := d.NewChildAssoc(ctx, other.ID, b.ID, false, qname.AssocChildren, qname.New(qname.ContentURI, "link"))
	require.NoError(t, err)
	parents, err := d.GetParentAssocs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, parents, 2)
	primary, err := d.GetPrimaryParent(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, primary.ParentID)

	children, err := d.GetChildAssocs(ctx, other.ID, &ChildAssocFilter{Type: qname.AssocChildren})
	require.NoError(t, err)
	require.Len(t, children, 1)
	children, err = d.GetChildAssocs(ctx, other.ID, &ChildAssocFilter{PrimaryOnly: true})
	require.NoError(t, err)
	require.Len(t, children, 0)
	children, err = d.GetChildAssocs(ctx, root.ID, nil)
	require.NoError(t, err)
	require.Len(t, children, 2)

	path, err := d.GetPath(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, "/cm:Alpha/cm:beta", path.PrefixString(d.QNames().Resolver()))

	require.NoError(t, d.DeleteChildAssoc(ctx, secondary.ID))
	require.ErrorIs(t, d.DeleteChildAssoc(ctx, secondary.ID), apierrors.ErrAssocNotFound)
	root2, err := d.GetPrimaryParent(ctx, root.ID)
	require.NoError(t, err)
	require.Nil(t, root2)
}

func TestNodeAssocs(t *testing.T) {
	ctx := context.Background()
	d, _, clean := newTestDAO(t)
	defer clean()
	root, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)
	a, _ := newChild(ctx, t, d, root, "a")
	b, _ := newChild(ctx, t, d, root, "b")

	refs := qname.New(qname.ContentURI, "references")
	assoc, err := d.NewNodeAssoc(ctx, a.ID, b.ID, refs)
	require.NoError(t, err)
	require.Equal(t, b.Ref, assoc.Target)
	_, err = d.NewNodeAssoc(ctx, a.ID, b.ID, refs)
	require.ErrorIs(t, err, apierrors.ErrAssocExists)
	_, err = d.NewNodeAssoc(ctx, a.ID, b.ID, qname.New(qname.ContentURI, "other"))
	require.NoError(t, err)

	targets, err := d.GetTargetAssocs(ctx, a.ID, refs)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	targets, err = d.GetTargetAssocs(ctx, a.ID, qname.QName{})
	require.NoError(t, err)
	require.Len(t, targets, 2)
	sources, err := d.GetSourceAssocs(ctx, b.ID, refs)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, a.ID, sources[0].SourceID)

	require.NoError(t, d.DeleteNodeAssoc(ctx, assoc.ID))
	_, err = d.NewNodeAssoc(ctx, a.ID, b.ID, refs)
	require.NoError(t, err)

	// deleting a node drops its peer associations
	require.NoError(t, d.DeleteNode(ctx, b.ID))
	targets, err = d.GetTargetAssocs(ctx, a.ID, qname.QName{})
	require.NoError(t, err)
	require.Len(t, targets, 0)
}

func TestDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	d, helper, clean := newTestDAO(t)
	defer clean()
	root, err := d.CreateStore(ctx, testStore)
	require.NoError(t, err)
	a, _ := newChild(ctx, t, d, root, "a")
	b, _ := newChild(ctx, t, d, a, "b")
	c, _ := newChild(ctx, t, d, root, "c")
	_, err = d.NewChildAssoc(ctx, c.ID, b.ID, false, qname.AssocContains, qname.New(qname.ContentURI, "link"))
	require.NoError(t, err)
	require.NoError(t, d.SetProperty(ctx, b.ID, qname.PropName, "b"))

	require.ErrorIs(t, d.PurgeNode(ctx, a.ID), apierrors.ErrInvalidArgs)

	// one transaction for the whole subtree
	require.NoError(t, helper.DoInTransaction(ctx, func(ctx context.Context) error {
		return d.DeleteNode(ctx, a.ID)
	}, false, false))
	for _, n := range []*Node{a, b} {
		_, err = d.GetNodeByID(ctx, n.ID)
		require.ErrorIs(t, err, apierrors.ErrNodeNotFound)
	}
	children, err := d.GetChildAssocs(ctx, c.ID, nil)
	require.NoError(t, err)
	require.Len(t, children, 0)
	children, err = d.GetChildAssocs(ctx, root.ID, nil)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.ErrorIs(t, d.DeleteNode(ctx, a.ID), apierrors.ErrNodeNotFound)

	purged, err := d.PurgeDeleted(ctx, testStore)
	require.NoError(t, err)
	require.Equal(t, 2, purged)
	status, err := d.GetNodeStatus(ctx, b.Ref)
	require.NoError(t, err)
	require.Nil(t, status)

	// a purged id is free again
	n, err := d.NewNode(ctx, testStore, b.Ref.ID, qname.TypeFolder)
	require.NoError(t, err)
	require.NotEqual(t, b.ID, n.ID)
}

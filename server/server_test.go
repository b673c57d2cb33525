package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cubefs/contentrepo/action"
	"github.com/cubefs/contentrepo/client"
	"github.com/cubefs/contentrepo/common/auth"
	"github.com/cubefs/contentrepo/common/raft"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/proto"
	"github.com/cubefs/contentrepo/rule"
	"github.com/cubefs/contentrepo/txn"
	"github.com/cubefs/contentrepo/util"
	"github.com/cubefs/contentrepo/util/limiter"
)

func newTestServer(t *testing.T) (*Server, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s := NewServer(&Config{
		StoreConfig: StoreConfig{Path: path + "/store"},
		RaftConfig:  raft.Config{Local: true},
		RetryConfig: txn.RetryConfig{MinRetryWaitMS: 1, MaxRetryWaitMS: 10},
	})
	return s, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func newTestRoot(ctx context.Context, t *testing.T, s *Server) *proto.NodeInfo {
	root, err := s.CreateStore(ctx, &proto.StoreArgs{Protocol: "workspace", Identifier: "SpacesStore"})
	require.NoError(t, err)
	require.Equal(t, "/", root.Path)
	return root
}

func TestServerNodes(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestServer(t)
	defer clean()
	root := newTestRoot(ctx, t, s)

	stores, err := s.GetStores(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"workspace://SpacesStore"}, stores.Stores)

	_, err = s.CreateStore(ctx, &proto.StoreArgs{Protocol: "workspace", Identifier: "SpacesStore"})
	require.ErrorIs(t, err, apierrors.ErrStoreExists)

	folder, err := s.CreateNode(ctx, &proto.CreateNodeArgs{
		Parent:  root.Ref,
		Type:    "cm:folder",
		Name:    "docs",
		Aspects: []string{"cm:titled"},
		Properties: map[string]proto.Value{
			"cm:title": {Datatype: proto.DatatypeString, Text: "Documents"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "cm:folder", folder.Type)
	require.Equal(t, "/cm:docs", folder.Path)
	require.Equal(t, []string{"cm:titled"}, folder.Aspects)
	require.Equal(t, "docs", folder.Properties["cm:name"].Text)
	require.Equal(t, "Documents", folder.Properties["cm:title"].Text)

	_, err = s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "docs"})
	require.ErrorIs(t, err, apierrors.ErrDuplicateChildName)
	_, err = s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "", Name: "empty"})
	require.ErrorIs(t, err, apierrors.ErrInvalidQName)
	_, err = s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "nope:folder", Name: "x"})
	require.Error(t, err)

	doc, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: folder.Ref, Type: "cm:content", Name: "a.txt"})
	require.NoError(t, err)
	require.Equal(t, "/cm:docs/cm:a.txt", doc.Path)

	info, err := s.SetProperties(ctx, &proto.SetPropertiesArgs{
		Ref: doc.Ref,
		Properties: map[string]proto.Value{
			"cm:description":  {Datatype: proto.DatatypeMLText, MLText: map[string]string{"en": "hello", "fr": "bonjour"}},
			"cm:versionCount": {Datatype: proto.DatatypeInt, Text: "3"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "bonjour", info.Properties["cm:description"].MLText["fr"])
	require.Equal(t, "3", info.Properties["cm:versionCount"].Text)

	info, err = s.SetProperties(ctx, &proto.SetPropertiesArgs{Ref: doc.Ref, Remove: []string{"cm:versionCount"}})
	require.NoError(t, err)
	require.NotContains(t, info.Properties, "cm:versionCount")
	require.Contains(t, info.Properties, "cm:description")

	_, err = s.SetProperties(ctx, &proto.SetPropertiesArgs{
		Ref:        doc.Ref,
		Properties: map[string]proto.Value{"cm:versionCount": {Datatype: proto.DatatypeInt, Text: "three"}},
	})
	require.ErrorIs(t, err, apierrors.ErrInvalidProperty)

	info, err = s.UpdateAspects(ctx, &proto.AspectsArgs{Ref: folder.Ref, Remove: []string{"cm:titled"}})
	require.NoError(t, err)
	require.Empty(t, info.Aspects)

	children, err := s.GetChildren(ctx, &proto.NodeArgs{Ref: folder.Ref})
	require.NoError(t, err)
	require.Len(t, children.Children, 1)
	require.Equal(t, doc.Ref, children.Children[0].Ref)
	require.Equal(t, "cm:contains", children.Children[0].AssocType)
	require.Equal(t, "cm:a.txt", children.Children[0].QName)
	require.True(t, children.Children[0].IsPrimary)

	require.NoError(t, s.DeleteNode(ctx, &proto.NodeArgs{Ref: folder.Ref}))
	_, err = s.GetNode(ctx, &proto.NodeArgs{Ref: folder.Ref})
	require.ErrorIs(t, err, apierrors.ErrNodeNotFound)
	_, err = s.GetNode(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.ErrorIs(t, err, apierrors.ErrNodeNotFound)
	_, err = s.GetNode(ctx, &proto.NodeArgs{Ref: "no-ref"})
	require.ErrorIs(t, err, apierrors.ErrNodeRefFormat)
}

func TestServerPermissions(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestServer(t)
	defer clean()
	root := newTestRoot(ctx, t, s)
	folder, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "shared"})
	require.NoError(t, err)

	check := func(ref, authority, perm string) bool {
		ret, err := s.HasPermission(ctx, &proto.PermissionArgs{Ref: ref, Authority: authority, Permission: perm})
		require.NoError(t, err)
		return ret.Allowed
	}

	require.NoError(t, s.SetPermission(ctx, &proto.PermissionArgs{Ref: folder.Ref, Authority: "bob", Permission: "Read", Allow: true}))
	require.True(t, check(folder.Ref, "bob", "Read"))
	require.True(t, check(folder.Ref, "bob", "sys:base.Read"))
	require.False(t, check(folder.Ref, "alice", "Read"))
	require.False(t, check(root.Ref, "bob", "Read"))
	require.True(t, check(root.Ref, auth.SystemUser, "Write"))

	// the acting user is checked when no authority is given
	ret, err := s.HasPermission(auth.WithUser(ctx, "bob"), &proto.PermissionArgs{Ref: folder.Ref, Permission: "Read"})
	require.NoError(t, err)
	require.True(t, ret.Allowed)

	perms, err := s.GetPermissions(ctx, &proto.NodeArgs{Ref: folder.Ref})
	require.NoError(t, err)
	require.True(t, perms.Inherit)
	require.Len(t, perms.Entries, 1)
	require.Equal(t, "bob", perms.Entries[0].Authority)
	require.Equal(t, "Read", perms.Entries[0].Permission.Name)

	require.NoError(t, s.SetPermission(ctx, &proto.PermissionArgs{Ref: root.Ref, Authority: "alice", Permission: "Read", Allow: true}))
	require.True(t, check(folder.Ref, "alice", "Read"))
	require.NoError(t, s.SetInheritParentPermissions(ctx, &proto.InheritArgs{Ref: folder.Ref, Inherit: false}))
	require.False(t, check(folder.Ref, "alice", "Read"))
	perms, err = s.GetPermissions(ctx, &proto.NodeArgs{Ref: folder.Ref})
	require.NoError(t, err)
	require.False(t, perms.Inherit)

	require.NoError(t, s.SetPermission(ctx, &proto.PermissionArgs{Ref: folder.Ref, Authority: "bob", Permission: "Read", Delete: true}))
	require.False(t, check(folder.Ref, "bob", "Read"))

	err = s.SetPermission(ctx, &proto.PermissionArgs{Ref: folder.Ref, Permission: "Read", Allow: true})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)
	_, err = s.HasPermission(ctx, &proto.PermissionArgs{Ref: folder.Ref, Authority: "bob"})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)
}

func TestServerActions(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestServer(t)
	defer clean()
	root := newTestRoot(ctx, t, s)
	doc, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:content", Name: "doc"})
	require.NoError(t, err)

	async := false
	addTitled := &action.Action{
		DefinitionName: "add-features",
		Parameters:     map[string]interface{}{action.ParamAspectName: "cm:titled"},
	}
	ret, err := s.ExecuteAction(ctx, &proto.ExecuteArgs{Ref: doc.Ref, Action: addTitled, CheckConditions: true, Async: &async})
	require.NoError(t, err)
	require.NotEmpty(t, ret.ID)

	info, err := s.GetNode(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.NoError(t, err)
	require.Contains(t, info.Aspects, "cm:titled")

	history, err := s.GetExecutionHistory(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.NoError(t, err)
	require.Len(t, history.Executions, 1)
	require.Equal(t, ret.ID, history.Executions[0].ActionID)
	require.Equal(t, action.StatusSucceeded, history.Executions[0].Status)

	_, err = s.ExecuteAction(ctx, &proto.ExecuteArgs{Ref: doc.Ref, Action: &action.Action{DefinitionName: "no-such-action"}})
	require.ErrorIs(t, err, apierrors.ErrActionDefinition)
	_, err = s.ExecuteAction(ctx, &proto.ExecuteArgs{Ref: doc.Ref})
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)

	saved, err := s.SaveAction(ctx, &proto.SaveActionArgs{Ref: doc.Ref, Action: &action.Action{
		DefinitionName: "set-property-value",
		Title:          "stamp",
		Parameters:     map[string]interface{}{action.ParamPropName: "cm:title", action.ParamValue: "stamped"},
		Conditions:     []*action.Condition{{DefinitionName: "no-condition"}},
	}})
	require.NoError(t, err)
	actions, err := s.GetActions(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.NoError(t, err)
	require.Len(t, actions.Actions, 1)
	require.Equal(t, saved.ID, actions.Actions[0].ID)
	require.Equal(t, "stamp", actions.Actions[0].Title)
	require.Len(t, actions.Actions[0].Conditions, 1)
	require.NotEmpty(t, actions.Actions[0].Conditions[0].ID)

	require.NoError(t, s.RemoveAction(ctx, &proto.ActionIDArgs{Ref: doc.Ref, ID: saved.ID}))
	actions, err = s.GetActions(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.NoError(t, err)
	require.Empty(t, actions.Actions)
}

func TestServerRules(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestServer(t)
	defer clean()
	root := newTestRoot(ctx, t, s)
	folder, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "inbox"})
	require.NoError(t, err)

	_, err = s.SaveRule(ctx, &proto.SaveRuleArgs{Ref: folder.Ref, Rule: &rule.Rule{RuleTypes: []string{rule.TypeInbound}}})
	require.ErrorIs(t, err, apierrors.ErrInvalidRule)

	inbound, err := s.SaveRule(ctx, &proto.SaveRuleArgs{Ref: folder.Ref, Rule: &rule.Rule{
		Title:           "title arrivals",
		RuleTypes:       []string{rule.TypeInbound},
		ApplyToChildren: true,
		Action: &action.Action{
			DefinitionName: "add-features",
			Parameters:     map[string]interface{}{action.ParamAspectName: "cm:titled"},
		},
	}})
	require.NoError(t, err)
	require.Equal(t, folder.Ref, inbound.Owner)
	_, err = s.SaveRule(ctx, &proto.SaveRuleArgs{Ref: folder.Ref, Rule: &rule.Rule{
		Title:     "stamp updates",
		RuleTypes: []string{rule.TypeUpdate},
		Action: &action.Action{
			DefinitionName: "set-property-value",
			Parameters:     map[string]interface{}{action.ParamPropName: "cm:title", action.ParamValue: "stamped"},
		},
	}})
	require.NoError(t, err)

	doc, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: folder.Ref, Type: "cm:content", Name: "a.txt"})
	require.NoError(t, err)
	info, err := s.GetNode(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.NoError(t, err)
	require.Contains(t, info.Aspects, "cm:titled")
	require.NotContains(t, info.Properties, "cm:title")

	info, err = s.SetProperties(ctx, &proto.SetPropertiesArgs{
		Ref:        doc.Ref,
		Properties: map[string]proto.Value{"cm:description": {Datatype: proto.DatatypeString, Text: "changed"}},
	})
	require.NoError(t, err)
	info, err = s.GetNode(ctx, &proto.NodeArgs{Ref: doc.Ref})
	require.NoError(t, err)
	require.Equal(t, "stamped", info.Properties["cm:title"].Text)

	sub, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: folder.Ref, Type: "cm:folder", Name: "sub"})
	require.NoError(t, err)
	rules, err := s.GetRules(ctx, &proto.RulesArgs{Ref: sub.Ref, IncludeInherited: true})
	require.NoError(t, err)
	require.Len(t, rules.Rules, 1)
	require.Equal(t, inbound.ID, rules.Rules[0].ID)
	_, err = s.UpdateAspects(ctx, &proto.AspectsArgs{Ref: sub.Ref, Add: []string{"rule:ignoreInheritedRules"}})
	require.NoError(t, err)
	rules, err = s.GetRules(ctx, &proto.RulesArgs{Ref: sub.Ref, IncludeInherited: true})
	require.NoError(t, err)
	require.Empty(t, rules.Rules)
	inner, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: sub.Ref, Type: "cm:content", Name: "b.txt"})
	require.NoError(t, err)
	info, err = s.GetNode(ctx, &proto.NodeArgs{Ref: inner.Ref})
	require.NoError(t, err)
	require.NotContains(t, info.Aspects, "cm:titled")

	got, err := s.GetRule(ctx, &proto.NodeArgs{Ref: folder.Ref[:strings.LastIndex(folder.Ref, "/")+1] + inbound.ID})
	require.NoError(t, err)
	require.Equal(t, "title arrivals", got.Title)
	require.Equal(t, folder.Ref, got.Owner.String())

	require.NoError(t, s.RemoveRule(ctx, &proto.RuleIDArgs{Ref: folder.Ref, ID: inbound.ID}))
	require.ErrorIs(t, s.RemoveRule(ctx, &proto.RuleIDArgs{Ref: folder.Ref, ID: inbound.ID}), apierrors.ErrRuleNotFound)
	rules, err = s.GetRules(ctx, &proto.RulesArgs{Ref: folder.Ref})
	require.NoError(t, err)
	require.Len(t, rules.Rules, 1)
	require.NoError(t, s.RemoveRule(ctx, &proto.RuleIDArgs{Ref: folder.Ref}))
	rules, err = s.GetRules(ctx, &proto.RulesArgs{Ref: folder.Ref})
	require.NoError(t, err)
	require.Empty(t, rules.Rules)
}

func TestServerExportImport(t *testing.T) {
	ctx := auth.WithUser(context.Background(), auth.AdminUser)
	s, clean := newTestServer(t)
	defer clean()
	root := newTestRoot(ctx, t, s)
	src, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "src"})
	require.NoError(t, err)
	_, err = s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: src.Ref, Type: "cm:content", Name: "a.txt"})
	require.NoError(t, err)
	dst, err := s.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "dst"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Export(ctx, &buf, &proto.ExportArgs{Ref: src.Ref, CrawlChildren: true}))
	require.Contains(t, buf.String(), "<view:exportBy>admin</view:exportBy>")

	refs, err := s.Import(ctx, &buf, &proto.ImportArgs{Ref: dst.Ref})
	require.NoError(t, err)
	require.Len(t, refs.Refs, 1)

	children, err := s.GetChildren(ctx, &proto.NodeArgs{Ref: dst.Ref})
	require.NoError(t, err)
	require.Len(t, children.Children, 1)
	require.Equal(t, "cm:src", children.Children[0].QName)
	require.Equal(t, refs.Refs[0], children.Children[0].Ref)

	children, err = s.GetChildren(ctx, &proto.NodeArgs{Ref: refs.Refs[0]})
	require.NoError(t, err)
	require.Len(t, children.Children, 1)
	info, err := s.GetNode(ctx, &proto.NodeArgs{Ref: children.Children[0].Ref})
	require.NoError(t, err)
	require.Equal(t, "/cm:dst/cm:src/cm:a.txt", info.Path)

	_, err = s.Import(ctx, strings.NewReader("<bad"), &proto.ImportArgs{Ref: dst.Ref})
	require.ErrorIs(t, err, apierrors.ErrImport)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Raft)
}

func TestErrorCodes(t *testing.T) {
	err := grpcError(apierrors.ErrNodeNotFound)
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, codes.ResourceExhausted, status.Code(grpcError(apierrors.ErrLimitExceeded)))
	require.Equal(t, codes.Internal, status.Code(grpcError(os.ErrClosed)))
	require.Nil(t, grpcError(nil))

	herr, ok := httpError(apierrors.ErrDuplicateChildName).(*rpc.Error)
	require.True(t, ok)
	require.Equal(t, http.StatusConflict, herr.StatusCode())
	require.Equal(t, os.ErrClosed, httpError(os.ErrClosed))
}

func TestHttpServer(t *testing.T) {
	s, clean := newTestServer(t)
	defer clean()
	h := NewHttpServer(s)
	ts := httptest.NewServer(rpc.MiddlewareHandlerWith(h.newHandler()))
	defer ts.Close()

	post := func(path string, args interface{}) *http.Response {
		body, err := json.Marshal(args)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(proto.UserKey, auth.AdminUser)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/stores", &proto.StoreArgs{Protocol: "workspace", Identifier: "SpacesStore"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root := new(proto.NodeInfo)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(root))
	resp.Body.Close()

	resp = post("/node/create", &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "f"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	folder := new(proto.NodeInfo)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(folder))
	resp.Body.Close()
	require.Equal(t, "/cm:f", folder.Path)

	resp = post("/node/create", &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "f"})
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/node/get?ref=" + folder.Ref)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = post("/export", &proto.ExportArgs{Ref: folder.Ref})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(view), "<view:exportBy>admin</view:exportBy>")

	resp, err = http.Post(ts.URL+"/import?ref="+root.Ref+"&bind.unused=x", "application/xml", bytes.NewReader(view))
	require.NoError(t, err)
	resp.Body.Close()
	// cm:f exists below the root already
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	one, zero, negative := 1, 0, -1
	resp = post("/limit", &proto.LimitArgs{ExportConcurrency: &one, ImportMBPS: &zero})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := new(limiter.Status)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(st))
	resp.Body.Close()
	require.Equal(t, 1, st.Config.ExportConcurrency)
	require.NoError(t, s.limit.AcquireExport())
	resp = post("/export", &proto.ExportArgs{Ref: folder.Ref})
	resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	s.limit.ReleaseExport()
	resp = post("/limit", &proto.LimitArgs{ImportConcurrency: &negative})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := new(Stats)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(stats))
	resp.Body.Close()
	require.Equal(t, 1, stats.Limiter.Config.ExportConcurrency)
}

func TestRPCServer(t *testing.T) {
	ctx := context.Background()
	s, clean := newTestServer(t)
	defer clean()
	rs := NewRPCServer(s)
	lis := bufconn.Listen(1 << 20)
	rs.ServeListener(lis)
	defer rs.Stop()

	c, err := client.NewClient(ctx, &client.Config{Addr: "bufnet", User: auth.AdminUser},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer c.Close()

	root, err := c.CreateStore(ctx, "workspace", "SpacesStore")
	require.NoError(t, err)
	stores, err := c.GetStores(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"workspace://SpacesStore"}, stores)

	folder, err := c.CreateNode(ctx, &proto.CreateNodeArgs{
		Parent:     root.Ref,
		Type:       "cm:folder",
		Name:       "remote",
		Properties: map[string]proto.Value{"cm:title": {Datatype: proto.DatatypeString, Text: "Remote"}},
	})
	require.NoError(t, err)
	require.Equal(t, "/cm:remote", folder.Path)
	require.Equal(t, "Remote", folder.Properties["cm:title"].Text)

	_, err = c.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "remote"})
	require.Equal(t, codes.AlreadyExists, status.Code(err))
	_, err = c.GetNode(ctx, "workspace://SpacesStore/missing")
	require.Equal(t, codes.NotFound, status.Code(err))

	require.NoError(t, c.SetPermission(ctx, &proto.PermissionArgs{Ref: folder.Ref, Authority: "bob", Permission: "Read", Allow: true}))
	allowed, err := c.HasPermission(ctx, folder.Ref, "bob", "Read")
	require.NoError(t, err)
	require.True(t, allowed)
	// the client's user is checked when no authority is given
	allowed, err = c.HasPermission(ctx, folder.Ref, "", "Read")
	require.NoError(t, err)
	require.False(t, allowed)
	allowed, err = c.HasPermission(auth.WithUser(ctx, "bob"), folder.Ref, "", "Read")
	require.NoError(t, err)
	require.True(t, allowed)
	perms, err := c.GetPermissions(ctx, folder.Ref)
	require.NoError(t, err)
	require.Len(t, perms.Entries, 1)

	async := false
	id, err := c.ExecuteAction(ctx, &proto.ExecuteArgs{
		Ref:   folder.Ref,
		Async: &async,
		Action: &action.Action{
			DefinitionName: "add-features",
			Parameters:     map[string]interface{}{action.ParamAspectName: "cm:titled"},
		},
	})
	require.NoError(t, err)
	history, err := c.GetExecutionHistory(ctx, folder.Ref)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, id, history[0].ActionID)

	view, err := c.Export(ctx, &proto.ExportArgs{Ref: folder.Ref, CrawlChildren: true})
	require.NoError(t, err)
	require.Contains(t, view, "<view:exportBy>admin</view:exportBy>")
	target, err := c.CreateNode(ctx, &proto.CreateNodeArgs{Parent: root.Ref, Type: "cm:folder", Name: "target"})
	require.NoError(t, err)
	refs, err := c.Import(ctx, &proto.ImportArgs{Ref: target.Ref, View: view})
	require.NoError(t, err)
	require.Len(t, refs, 1)

	children, err := c.GetChildren(ctx, target.Ref)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, refs[0], children[0].Ref)

	require.NoError(t, c.DeleteNode(ctx, target.Ref))
	_, err = c.GetChildren(ctx, target.Ref)
	require.Equal(t, codes.NotFound, status.Code(err))
}

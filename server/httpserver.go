package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/contentrepo/common/auth"
	"github.com/cubefs/contentrepo/metrics"
	"github.com/cubefs/contentrepo/proto"
	"github.com/cubefs/contentrepo/util"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30

	exportBufferSize = 64 << 10
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.auditLogHandler != nil {
		handlers = append(handlers, h.auditLogHandler)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), handlers...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stores", h.getStores)
	r.Handle(http.MethodPost, "/stores", h.createStore, rpc.OptArgsBody())

	r.Handle(http.MethodPost, "/node/create", h.createNode, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/node/get", h.getNode, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/node/delete", h.deleteNode, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/node/properties", h.setProperties, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/node/aspects", h.updateAspects, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/node/children", h.getChildren, rpc.OptArgsQuery())

	r.Handle(http.MethodPost, "/acl/set", h.setPermission, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/acl/inherit", h.setInherit, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/acl/get", h.getPermissions, rpc.OptArgsQuery())
	r.Handle(http.MethodGet, "/acl/check", h.hasPermission, rpc.OptArgsQuery())

	r.Handle(http.MethodPost, "/action/execute", h.executeAction, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/action/history", h.getExecutionHistory, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/action/save", h.saveAction, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/action/remove", h.removeAction, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/actions", h.getActions, rpc.OptArgsQuery())

	r.Handle(http.MethodPost, "/rule/save", h.saveRule, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/rule/get", h.getRule, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/rule/remove", h.removeRule, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/rules", h.getRules, rpc.OptArgsQuery())

	r.Handle(http.MethodPost, "/export", h.export, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/import", h.importView)

	r.Handle(http.MethodGet, "/stats", h.stats)
	r.Handle(http.MethodPost, "/limit", h.setLimits, rpc.OptArgsBody())
	r.Handle(http.MethodGet, "/metrics", h.metrics)
	return r
}

// context carries the request id and the acting user of a request.
func (h *HttpServer) context(c *rpc.Context) context.Context {
	_, ctx := trace.StartSpanFromHTTPHeaderSafe(c.Request, "")
	return auth.WithUser(ctx, c.Request.Header.Get(proto.UserKey))
}

func (h *HttpServer) respond(c *rpc.Context, ret interface{}, err error) {
	if err != nil {
		trace.SpanFromContextSafe(c.Request.Context()).Debugf("%s failed: %s", c.Request.URL.Path, err)
		c.RespondError(httpError(err))
		return
	}
	if ret == nil {
		c.RespondStatus(http.StatusOK)
		return
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) getStores(c *rpc.Context) {
	ret, err := h.GetStores(h.context(c))
	h.respond(c, ret, err)
}

func (h *HttpServer) createStore(c *rpc.Context) {
	args := new(proto.StoreArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.CreateStore(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) createNode(c *rpc.Context) {
	args := new(proto.CreateNodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.CreateNode(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) getNode(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetNode(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) deleteNode(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	h.respond(c, nil, h.DeleteNode(h.context(c), args))
}

func (h *HttpServer) setProperties(c *rpc.Context) {
	args := new(proto.SetPropertiesArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.SetProperties(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) updateAspects(c *rpc.Context) {
	args := new(proto.AspectsArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.UpdateAspects(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) getChildren(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetChildren(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) setPermission(c *rpc.Context) {
	args := new(proto.PermissionArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	h.respond(c, nil, h.SetPermission(h.context(c), args))
}

func (h *HttpServer) setInherit(c *rpc.Context) {
	args := new(proto.InheritArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	h.respond(c, nil, h.SetInheritParentPermissions(h.context(c), args))
}

func (h *HttpServer) getPermissions(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetPermissions(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) hasPermission(c *rpc.Context) {
	args := new(proto.PermissionArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.HasPermission(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) executeAction(c *rpc.Context) {
	args := new(proto.ExecuteArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.ExecuteAction(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) getExecutionHistory(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetExecutionHistory(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) saveAction(c *rpc.Context) {
	args := new(proto.SaveActionArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.SaveAction(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) removeAction(c *rpc.Context) {
	args := new(proto.ActionIDArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	h.respond(c, nil, h.RemoveAction(h.context(c), args))
}

func (h *HttpServer) getActions(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetActions(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) saveRule(c *rpc.Context) {
	args := new(proto.SaveRuleArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.SaveRule(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) getRule(c *rpc.Context) {
	args := new(proto.NodeArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetRule(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) removeRule(c *rpc.Context) {
	args := new(proto.RuleIDArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	h.respond(c, nil, h.RemoveRule(h.context(c), args))
}

func (h *HttpServer) getRules(c *rpc.Context) {
	args := new(proto.RulesArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.GetRules(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) export(c *rpc.Context) {
	args := new(proto.ExportArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	buf := util.GetBufferWriter(exportBufferSize)
	defer util.PutBufferWriter(buf)
	if err := h.Export(h.context(c), buf, args); err != nil {
		h.respond(c, nil, err)
		return
	}
	c.RespondWith(http.StatusOK, "application/xml", buf.Bytes())
}

// importView reads the view from the body; the location and the binding
// come from the query, binding keys prefixed with bind.
func (h *HttpServer) importView(c *rpc.Context) {
	query := c.Request.URL.Query()
	args := &proto.ImportArgs{
		Ref:       query.Get("ref"),
		Path:      query.Get("path"),
		AssocType: query.Get("assoc_type"),
	}
	for key := range query {
		if strings.HasPrefix(key, proto.BindPrefix) {
			if args.Binding == nil {
				args.Binding = make(map[string]string)
			}
			args.Binding[strings.TrimPrefix(key, proto.BindPrefix)] = query.Get(key)
		}
	}
	ret, err := h.Import(h.context(c), c.Request.Body, args)
	h.respond(c, ret, err)
}

func (h *HttpServer) setLimits(c *rpc.Context) {
	args := new(proto.LimitArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ret, err := h.SetLimits(h.context(c), args)
	h.respond(c, ret, err)
}

func (h *HttpServer) stats(c *rpc.Context) {
	ret, err := h.Stats(h.context(c))
	h.respond(c, ret, err)
}

func (h *HttpServer) metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

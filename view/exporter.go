package view

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/auth"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/util"
)

type (
	exportProperty struct {
		name  qname.QName
		value interface{}
	}

	exportAssoc struct {
		typ      qname.QName
		children []*exportNode
	}

	exportNode struct {
		typ        qname.QName
		childName  qname.QName
		aspects    []qname.QName
		properties []exportProperty
		assocs     []*exportAssoc
	}

	exportView struct {
		exportBy   string
		exportDate time.Time
		exportOf   string
		root       *exportNode
	}
)

// Export writes the node, and its primary children when asked, as a view.
func (s *Service) Export(ctx context.Context, w io.Writer, params ExportParams) error {
	span := trace.SpanFromContextSafe(ctx)
	if err := s.limit.AcquireExport(); err != nil {
		span.Warnf("export of %s rejected: %s", params.Ref, err)
		return apierrors.ErrLimitExceeded
	}
	defer s.limit.ReleaseExport()

	resolver := s.nodes.QNames().Resolver().Clone()
	v := &exportView{exportBy: auth.User(ctx), exportDate: time.Now().UTC()}
	err := s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, params.Ref)
		if err != nil {
			return err
		}
		path, err := s.nodes.GetPath(ctx, n.ID)
		if err != nil {
			return err
		}
		v.exportOf = path.PrefixString(resolver)
		excluded := make(map[qname.QName]bool, len(params.ExcludeAssocs))
		for _, q := range params.ExcludeAssocs {
			excluded[q] = true
		}
		v.root, err = s.crawl(ctx, n, params.CrawlChildren, excluded)
		if err != nil {
			return err
		}
		if len(path) > 0 {
			v.root.childName = path[len(path)-1].QName
		}
		return nil
	}, true, false)
	if err != nil {
		return err
	}

	declareNamespaces(v, resolver)
	cw := &util.CostWriter{W: s.limit.Writer(ctx, w)}
	if err = writeView(cw, v, resolver); err != nil {
		span.Errorf("write view of %s failed: %s", params.Ref, errors.Detail(err))
		return apierrors.ErrExport
	}
	span.Debugf("wrote view of %s, %d bytes in %s", params.Ref, cw.Count(), cw.Cost())
	return nil
}

func (s *Service) crawl(ctx context.Context, n *node.Node, children bool, excluded map[qname.QName]bool) (*exportNode, error) {
	en := &exportNode{typ: n.Type}
	aspects, err := s.nodes.GetAspects(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(aspects, func(i, j int) bool { return aspects[i].String() < aspects[j].String() })
	en.aspects = aspects

	props, err := s.nodes.GetProperties(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	for q, v := range props {
		en.properties = append(en.properties, exportProperty{name: q, value: v})
	}
	sort.Slice(en.properties, func(i, j int) bool {
		return en.properties[i].name.String() < en.properties[j].name.String()
	})
	if !children {
		return en, nil
	}

	assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{PrimaryOnly: true})
	if err != nil {
		return nil, err
	}
	byType := make(map[qname.QName]*exportAssoc)
	for _, assoc := range assocs {
		if excluded[assoc.Type] {
			continue
		}
		child, err := s.nodes.GetNodeByID(ctx, assoc.ChildID)
		if err != nil {
			return nil, err
		}
		ec, err := s.crawl(ctx, child, true, excluded)
		if err != nil {
			return nil, err
		}
		ec.childName = assoc.QName
		ea, ok := byType[assoc.Type]
		if !ok {
			ea = &exportAssoc{typ: assoc.Type}
			byType[assoc.Type] = ea
			en.assocs = append(en.assocs, ea)
		}
		ea.children = append(ea.children, ec)
	}
	return en, nil
}

// declareNamespaces gives every namespace used by the view a prefix.
func declareNamespaces(v *exportView, r *qname.PrefixResolver) {
	n := 0
	use := func(q qname.QName) {
		if _, ok := r.GetPrefix(q.Namespace); ok {
			return
		}
		for {
			n++
			prefix := "ns" + strconv.Itoa(n)
			if _, err := r.GetNamespaceURI(prefix); err != nil {
				r.Register(prefix, q.Namespace)
				return
			}
		}
	}
	var walk func(en *exportNode)
	walk = func(en *exportNode) {
		use(en.typ)
		if !en.childName.IsZero() {
			use(en.childName)
		}
		for _, a := range en.aspects {
			use(a)
		}
		for _, p := range en.properties {
			use(p.name)
			forEachQName(p.value, use)
		}
		for _, ea := range en.assocs {
			use(ea.typ)
			for _, c := range ea.children {
				walk(c)
			}
		}
	}
	walk(v.root)
}

func forEachQName(v interface{}, fn func(q qname.QName)) {
	switch x := v.(type) {
	case qname.QName:
		fn(x)
	case []interface{}:
		for _, e := range x {
			forEachQName(e, fn)
		}
	}
}

type viewWriter struct {
	enc *xml.Encoder
	r   *qname.PrefixResolver
	err error
}

func (vw *viewWriter) name(q qname.QName) xml.Name {
	return xml.Name{Local: q.PrefixString(vw.r)}
}

func (vw *viewWriter) start(q qname.QName, attrs ...xml.Attr) {
	if vw.err == nil {
		vw.err = vw.enc.EncodeToken(xml.StartElement{Name: vw.name(q), Attr: attrs})
	}
}

func (vw *viewWriter) end(q qname.QName) {
	if vw.err == nil {
		vw.err = vw.enc.EncodeToken(xml.EndElement{Name: vw.name(q)})
	}
}

func (vw *viewWriter) text(s string) {
	if vw.err == nil && s != "" {
		vw.err = vw.enc.EncodeToken(xml.CharData(s))
	}
}

func (vw *viewWriter) element(q qname.QName, text string, attrs ...xml.Attr) {
	vw.start(q, attrs...)
	vw.text(text)
	vw.end(q)
}

func (vw *viewWriter) attr(q qname.QName, value string) xml.Attr {
	return xml.Attr{Name: vw.name(q), Value: value}
}

func writeView(w io.Writer, v *exportView, r *qname.PrefixResolver) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	vw := &viewWriter{enc: enc, r: r}
	vw.err = enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)})

	var decls []xml.Attr
	for _, prefix := range r.Prefixes() {
		if prefix == "" {
			continue
		}
		uri, _ := r.GetNamespaceURI(prefix)
		decls = append(decls, xml.Attr{Name: xml.Name{Local: "xmlns:" + prefix}, Value: uri})
	}
	vw.start(qname.ViewRoot, decls...)
	vw.start(qname.ViewMetadata)
	vw.element(qname.ViewExportBy, v.exportBy)
	vw.element(qname.ViewExportDate, v.exportDate.Format(time.RFC3339Nano))
	vw.element(qname.ViewExporterVersion, ExporterVersion)
	vw.element(qname.ViewExportOf, v.exportOf)
	vw.end(qname.ViewMetadata)
	vw.writeNode(v.root)
	vw.end(qname.ViewRoot)
	if vw.err != nil {
		return vw.err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func (vw *viewWriter) writeNode(en *exportNode) {
	var attrs []xml.Attr
	if !en.childName.IsZero() {
		attrs = append(attrs, vw.attr(qname.ViewChildName, en.childName.PrefixString(vw.r)))
	}
	vw.start(en.typ, attrs...)
	if len(en.aspects) > 0 {
		vw.start(qname.ViewAspects)
		for _, a := range en.aspects {
			vw.element(a, "")
		}
		vw.end(qname.ViewAspects)
	}
	if len(en.properties) > 0 {
		vw.start(qname.ViewProperties)
		for _, p := range en.properties {
			vw.start(p.name)
			vw.writeValue(p.value, true)
			vw.end(p.name)
		}
		vw.end(qname.ViewProperties)
	}
	if len(en.assocs) > 0 {
		vw.start(qname.ViewAssociations)
		for _, ea := range en.assocs {
			vw.start(ea.typ)
			for _, c := range ea.children {
				vw.writeNode(c)
			}
			vw.end(ea.typ)
		}
		vw.end(qname.ViewAssociations)
	}
	vw.end(en.typ)
}

// writeValue writes one property value. MLText at the top level is written
// as bare view:mlvalue elements, inside a list it is wrapped in a
// view:value of datatype mltext.
func (vw *viewWriter) writeValue(v interface{}, top bool) {
	switch x := v.(type) {
	case nil:
		vw.element(qname.ViewValue, "", vw.attr(qname.ViewIsNull, "true"))
	case []interface{}:
		vw.start(qname.ViewValues)
		for _, e := range x {
			vw.writeValue(e, false)
		}
		vw.end(qname.ViewValues)
	case node.MLText:
		if !top {
			vw.start(qname.ViewValue, vw.attr(qname.ViewDatatype, datatypeMLText))
		}
		for _, locale := range x.Locales() {
			vw.element(qname.ViewMLValue, x[locale], vw.attr(qname.ViewLocale, locale))
		}
		if !top {
			vw.end(qname.ViewValue)
		}
	default:
		datatype, text := formatScalar(x, vw.r)
		vw.element(qname.ViewValue, text, vw.attr(qname.ViewDatatype, datatype))
	}
}

func formatScalar(v interface{}, r *qname.PrefixResolver) (datatype, text string) {
	switch x := v.(type) {
	case string:
		return datatypeString, x
	case int64:
		return datatypeInt, strconv.FormatInt(x, 10)
	case float64:
		return datatypeFloat, strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return datatypeBool, strconv.FormatBool(x)
	case time.Time:
		return datatypeDate, x.UTC().Format(time.RFC3339Nano)
	case node.NodeRef:
		return datatypeNodeRef, x.String()
	case qname.QName:
		return datatypeQName, x.PrefixString(r)
	default:
		return datatypeString, fmt.Sprint(x)
	}
}

package view

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"io/ioutil"
	"strconv"
	"strings"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/util"
)

// Import reads a view and creates its nodes below the location in one
// transaction. It returns the top level nodes of the view.
func (s *Service) Import(ctx context.Context, r io.Reader, loc Location, binding map[string]string) (refs []node.NodeRef, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if err = s.limit.AcquireImport(); err != nil {
		span.Warnf("import into %s rejected: %s", loc.Ref, err)
		return nil, apierrors.ErrLimitExceeded
	}
	defer s.limit.ReleaseImport()

	// the transaction may be retried, so the stream is consumed up front
	cr := &util.CostReader{R: s.limit.Reader(ctx, r)}
	data, err := ioutil.ReadAll(cr)
	if err != nil {
		span.Errorf("read view failed: %s", err)
		return nil, apierrors.ErrImport
	}
	span.Debugf("read view of %d bytes in %s", cr.Count(), cr.Cost())
	assocType := loc.AssocType
	if assocType.IsZero() {
		assocType = qname.AssocContains
	}

	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		parent, err := s.resolveLocation(ctx, loc)
		if err != nil {
			return err
		}
		im := &importer{
			s:        s,
			dec:      xml.NewDecoder(bytes.NewReader(data)),
			resolver: s.nodes.QNames().Resolver().Clone(),
			binding:  binding,
			store:    parent.Ref.Store,
		}
		refs, err = im.importView(ctx, parent.ID, assocType)
		if err == nil {
			span.Infof("imported %d nodes into %s", im.count, parent.Ref)
		}
		return err
	}, false, false)
	return
}

func (s *Service) resolveLocation(ctx context.Context, loc Location) (*node.Node, error) {
	n, err := s.nodes.GetNode(ctx, loc.Ref)
	if err != nil {
		return nil, err
	}
	for _, seg := range strings.Split(strings.Trim(loc.Path, "/"), "/") {
		if seg == "" {
			continue
		}
		q, err := qname.Parse(seg, s.nodes.QNames().Resolver())
		if err != nil {
			return nil, apierrors.ErrImportLocation
		}
		assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{QName: q})
		if err != nil {
			return nil, err
		}
		if len(assocs) != 1 {
			trace.SpanFromContextSafe(ctx).Warnf("import location %s matches %d nodes at %s", loc.Path, len(assocs), seg)
			return nil, apierrors.ErrImportLocation
		}
		if n, err = s.nodes.GetNodeByID(ctx, assocs[0].ChildID); err != nil {
			return nil, err
		}
	}
	return n, nil
}

type importer struct {
	s        *Service
	dec      *xml.Decoder
	resolver *qname.PrefixResolver
	binding  map[string]string
	store    node.StoreRef
	count    int
}

func (im *importer) next(ctx context.Context) (xml.Token, error) {
	tok, err := im.dec.Token()
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("malformed view: %s", errors.Detail(err))
		return nil, apierrors.ErrImport
	}
	return tok, nil
}

// declare registers the prefixes a start element declares.
func (im *importer) declare(start xml.StartElement) {
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" {
			im.resolver.Register(a.Name.Local, a.Value)
		}
	}
}

func (im *importer) qname(name xml.Name) (qname.QName, error) {
	ns := name.Space
	if _, ok := im.resolver.GetPrefix(ns); !ok {
		// an undeclared prefix is left in place by the decoder
		uri, err := im.resolver.GetNamespaceURI(ns)
		if err != nil {
			return qname.QName{}, apierrors.ErrImport
		}
		ns = uri
	}
	q := qname.New(ns, name.Local)
	if q.Validate() != nil {
		return qname.QName{}, apierrors.ErrImport
	}
	return q, nil
}

func isView(name xml.Name, q qname.QName) bool {
	return name.Space == qname.ViewURI && name.Local == q.LocalName
}

func (im *importer) attr(start xml.StartElement, q qname.QName) (string, bool, error) {
	for _, a := range start.Attr {
		if isView(a.Name, q) {
			v, err := bind(a.Value, im.binding)
			return v, true, err
		}
	}
	return "", false, nil
}

func (im *importer) importView(ctx context.Context, parentID uint64, assocType qname.QName) ([]node.NodeRef, error) {
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			im.declare(start)
			if !isView(start.Name, qname.ViewRoot) {
				return nil, apierrors.ErrImport
			}
			break
		}
	}

	var refs []node.NodeRef
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			if isView(t.Name, qname.ViewMetadata) {
				if err = im.dec.Skip(); err != nil {
					return nil, apierrors.ErrImport
				}
				continue
			}
			n, err := im.importNode(ctx, t, parentID, assocType)
			if err != nil {
				return nil, err
			}
			refs = append(refs, n.Ref)
		case xml.EndElement:
			return refs, nil
		}
	}
}

// importNode creates the node of a type element. The node is linked to its
// parent before its own children are imported so that they inherit its ACL.
func (im *importer) importNode(ctx context.Context, start xml.StartElement, parentID uint64,
	assocType qname.QName) (*node.Node, error) {
	typ, err := im.qname(start.Name)
	if err != nil {
		return nil, err
	}
	nodes := im.s.nodes
	n, err := nodes.NewNode(ctx, im.store, "", typ)
	if err != nil {
		return nil, err
	}
	im.count++

	var childName qname.QName
	v, ok, err := im.attr(start, qname.ViewChildName)
	if err != nil {
		return nil, err
	}
	if ok {
		if childName, err = qname.Parse(v, im.resolver); err != nil {
			return nil, apierrors.ErrImport
		}
	}

	var aspects []qname.QName
	props := make(map[qname.QName]interface{})
	linked := false
	link := func() error {
		if linked {
			return nil
		}
		linked = true
		name, _ := props[qname.PropName].(string)
		if childName.IsZero() {
			if name == "" {
				return apierrors.ErrImportNoName
			}
			childName = qname.New(qname.ContentURI, name)
		}
		assoc, err := nodes.NewChildAssoc(ctx, parentID, n.ID, true, assocType, childName)
		if err != nil {
			return err
		}
		if name != "" {
			return nodes.SetChildNameUnique(ctx, assoc.ID, name)
		}
		return nil
	}

loop:
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			switch {
			case isView(t.Name, qname.ViewAspects):
				if aspects, err = im.parseAspects(ctx); err != nil {
					return nil, err
				}
			case isView(t.Name, qname.ViewProperties):
				if err = im.parseProperties(ctx, props); err != nil {
					return nil, err
				}
			case isView(t.Name, qname.ViewAssociations):
				if err = link(); err != nil {
					return nil, err
				}
				if err = im.importAssocs(ctx, n.ID); err != nil {
					return nil, err
				}
			default:
				return nil, apierrors.ErrImport
			}
		case xml.EndElement:
			break loop
		}
	}
	if err = link(); err != nil {
		return nil, err
	}
	if len(aspects) > 0 {
		if err = nodes.AddAspects(ctx, n.ID, aspects...); err != nil {
			return nil, err
		}
	}
	if len(props) > 0 {
		if err = nodes.AddProperties(ctx, n.ID, props); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (im *importer) parseAspects(ctx context.Context) ([]qname.QName, error) {
	var aspects []qname.QName
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			q, err := im.qname(t.Name)
			if err != nil {
				return nil, err
			}
			aspects = append(aspects, q)
			if err = im.dec.Skip(); err != nil {
				return nil, apierrors.ErrImport
			}
		case xml.EndElement:
			return aspects, nil
		}
	}
}

func (im *importer) importAssocs(ctx context.Context, parentID uint64) error {
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			assocType, err := im.qname(t.Name)
			if err != nil {
				return err
			}
			if err = im.importChildren(ctx, parentID, assocType); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (im *importer) importChildren(ctx context.Context, parentID uint64, assocType qname.QName) error {
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			if _, err = im.importNode(ctx, t, parentID, assocType); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

func (im *importer) parseProperties(ctx context.Context, props map[qname.QName]interface{}) error {
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			q, err := im.qname(t.Name)
			if err != nil {
				return err
			}
			if props[q], err = im.parsePropertyValue(ctx); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// parsePropertyValue reads the content of a property element: plain text,
// one view:value, view:mlvalue per locale or a view:values list.
func (im *importer) parsePropertyValue(ctx context.Context) (interface{}, error) {
	var (
		text     strings.Builder
		value    interface{}
		hasValue bool
		ml       node.MLText
	)
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			im.declare(t)
			switch {
			case isView(t.Name, qname.ViewValue):
				value, err = im.parseValue(ctx, t)
				hasValue = true
			case isView(t.Name, qname.ViewValues):
				value, err = im.parseValues(ctx)
				hasValue = true
			case isView(t.Name, qname.ViewMLValue):
				if ml == nil {
					ml = node.MLText{}
				}
				err = im.parseMLValue(ctx, t, ml)
			default:
				err = apierrors.ErrImport
			}
			if err != nil {
				return nil, err
			}
		case xml.EndElement:
			switch {
			case ml != nil:
				return ml, nil
			case hasValue:
				return value, nil
			default:
				return bind(text.String(), im.binding)
			}
		}
	}
}

func (im *importer) parseValues(ctx context.Context) ([]interface{}, error) {
	list := make([]interface{}, 0)
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			im.declare(t)
			if !isView(t.Name, qname.ViewValue) {
				return nil, apierrors.ErrImport
			}
			v, err := im.parseValue(ctx, t)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		case xml.EndElement:
			return list, nil
		}
	}
}

func (im *importer) parseValue(ctx context.Context, start xml.StartElement) (interface{}, error) {
	if isNull, _, _ := im.attr(start, qname.ViewIsNull); isNull == "true" {
		return nil, im.skip()
	}
	datatype, ok, err := im.attr(start, qname.ViewDatatype)
	if err != nil {
		return nil, err
	}
	if !ok {
		datatype = datatypeString
	}
	if datatype == datatypeMLText {
		ml := node.MLText{}
		for {
			tok, err := im.next(ctx)
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				im.declare(t)
				if !isView(t.Name, qname.ViewMLValue) {
					return nil, apierrors.ErrImport
				}
				if err = im.parseMLValue(ctx, t, ml); err != nil {
					return nil, err
				}
			case xml.EndElement:
				return ml, nil
			}
		}
	}

	text, err := im.readText(ctx)
	if err != nil {
		return nil, err
	}
	return im.convert(ctx, datatype, text)
}

func (im *importer) parseMLValue(ctx context.Context, start xml.StartElement, ml node.MLText) error {
	locale, ok, err := im.attr(start, qname.ViewLocale)
	if err != nil {
		return err
	}
	if !ok || locale == "" {
		locale = qname.DefaultLocale
	}
	text, err := im.readText(ctx)
	if err != nil {
		return err
	}
	ml[locale] = text
	return nil
}

// readText reads bound character data up to the end of the current element.
func (im *importer) readText(ctx context.Context) (string, error) {
	var text strings.Builder
	for {
		tok, err := im.next(ctx)
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			return "", apierrors.ErrImport
		case xml.EndElement:
			return bind(text.String(), im.binding)
		}
	}
}

func (im *importer) skip() error {
	if err := im.dec.Skip(); err != nil {
		return apierrors.ErrImport
	}
	return nil
}

func (im *importer) convert(ctx context.Context, datatype, text string) (v interface{}, err error) {
	switch datatype {
	case datatypeString:
		return text, nil
	case datatypeInt:
		v, err = strconv.ParseInt(text, 10, 64)
	case datatypeFloat:
		v, err = strconv.ParseFloat(text, 64)
	case datatypeBool:
		v, err = strconv.ParseBool(text)
	case datatypeDate:
		v, err = time.Parse(time.RFC3339Nano, text)
	case datatypeNodeRef:
		v, err = node.ParseNodeRef(text)
	case datatypeQName:
		v, err = qname.Parse(text, im.resolver)
	default:
		trace.SpanFromContextSafe(ctx).Warnf("unknown datatype %q", datatype)
		return nil, apierrors.ErrImport
	}
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("convert %q to %s failed: %s", text, datatype, err)
		return nil, apierrors.ErrImport
	}
	return v, nil
}

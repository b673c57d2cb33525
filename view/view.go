// Package view exports node trees as repository view XML and imports them
// back.
//
// A view looks like
//
//	<view:view xmlns:view="http://www.alfresco.org/view/repository/1.0" xmlns:cm="...">
//	  <view:metadata>...</view:metadata>
//	  <cm:folder view:childName="cm:a">
//	    <view:aspects><cm:titled/></view:aspects>
//	    <view:properties>
//	      <cm:name><view:value view:datatype="string">a</view:value></cm:name>
//	      <cm:title><view:mlvalue view:locale="en">A</view:mlvalue></cm:title>
//	      <cm:tags><view:values><view:value>x</view:value></view:values></cm:tags>
//	    </view:properties>
//	    <view:associations>
//	      <cm:contains><cm:content view:childName="cm:b">...</cm:content></cm:contains>
//	    </view:associations>
//	  </cm:folder>
//	</view:view>
package view

import (
	"strings"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/txn"
	"github.com/cubefs/contentrepo/util/limiter"
)

const ExporterVersion = "1.0"

// Data types written to view:datatype.
const (
	datatypeString  = "string"
	datatypeInt     = "int"
	datatypeFloat   = "float"
	datatypeBool    = "bool"
	datatypeDate    = "date"
	datatypeNodeRef = "noderef"
	datatypeQName   = "qname"
	datatypeMLText  = "mltext"
)

type (
	ExportParams struct {
		Ref           node.NodeRef  `json:"ref"`
		CrawlChildren bool          `json:"crawl_children"`
		ExcludeAssocs []qname.QName `json:"exclude_assocs,omitempty"`
	}

	// Location is where imported nodes are attached: the node at Path below
	// Ref, linked with AssocType (cm:contains by default).
	Location struct {
		Ref       node.NodeRef `json:"ref"`
		Path      string       `json:"path,omitempty"`
		AssocType qname.QName  `json:"assoc_type,omitempty"`
	}
)

type Service struct {
	helper *txn.Helper
	nodes  *node.DAO
	limit  limiter.Limiter
}

func NewService(helper *txn.Helper, nodes *node.DAO, limit limiter.Limiter) *Service {
	return &Service{helper: helper, nodes: nodes, limit: limit}
}

// bind replaces ${key} markers with values from binding. Unknown keys bind
// to the empty string. Without a binding the value is kept as is.
func bind(s string, binding map[string]string) (string, error) {
	if binding == nil || !strings.Contains(s, "${") {
		return s, nil
	}
	var b strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		end := strings.Index(s[start+2:], "}")
		if end < 0 {
			return "", apierrors.ErrBindingMarker
		}
		b.WriteString(s[:start])
		b.WriteString(binding[s[start+2:start+2+end]])
		s = s[start+2+end+1:]
	}
}

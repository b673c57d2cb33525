package node

import (
	"strings"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/qname"
)

const (
	ProtocolWorkspace = "workspace"
	ProtocolArchive   = "archive"
)

type StoreRef struct {
	Protocol   string `json:"protocol"`
	Identifier string `json:"identifier"`
}

func (r StoreRef) String() string {
	return r.Protocol + "://" + r.Identifier
}

func ParseStoreRef(s string) (StoreRef, error) {
	idx := strings.Index(s, "://")
	if idx <= 0 || idx+3 >= len(s) {
		return StoreRef{}, apierrors.ErrNodeRefFormat
	}
	return StoreRef{Protocol: s[:idx], Identifier: s[idx+3:]}, nil
}

type NodeRef struct {
	Store StoreRef `json:"store"`
	ID    string   `json:"id"`
}

func (r NodeRef) String() string {
	return r.Store.String() + "/" + r.ID
}

func (r NodeRef) IsZero() bool {
	return r.ID == ""
}

// ParseNodeRef parses protocol://identifier/id.
func ParseNodeRef(s string) (NodeRef, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return NodeRef{}, apierrors.ErrNodeRefFormat
	}
	store, err := ParseStoreRef(s[:idx])
	if err != nil || idx+1 >= len(s) || strings.HasSuffix(store.Identifier, "/") {
		return NodeRef{}, apierrors.ErrNodeRefFormat
	}
	return NodeRef{Store: store, ID: s[idx+1:]}, nil
}

type (
	Node struct {
		ID      uint64      `json:"id"`
		Ref     NodeRef     `json:"ref"`
		Type    qname.QName `json:"type"`
		AclID   uint64      `json:"acl_id"`
		Deleted bool        `json:"deleted"`
		TxnID   string      `json:"txn_id"`
	}

	// Status is what is known about a reference whether or not the node is
	// still alive.
	Status struct {
		Ref     NodeRef `json:"ref"`
		NodeID  uint64  `json:"node_id"`
		TxnID   string  `json:"txn_id"`
		Deleted bool    `json:"deleted"`
	}

	ChildAssoc struct {
		ID        uint64      `json:"id"`
		Parent    NodeRef     `json:"parent"`
		ParentID  uint64      `json:"parent_id"`
		Child     NodeRef     `json:"child"`
		ChildID   uint64      `json:"child_id"`
		Type      qname.QName `json:"type"`
		QName     qname.QName `json:"qname"`
		IsPrimary bool        `json:"is_primary"`
		Index     int         `json:"index"`
	}

	NodeAssoc struct {
		ID       uint64      `json:"id"`
		Source   NodeRef     `json:"source"`
		SourceID uint64      `json:"source_id"`
		Target   NodeRef     `json:"target"`
		TargetID uint64      `json:"target_id"`
		Type     qname.QName `json:"type"`
	}

	// ChildAssocFilter selects child associations. Zero fields match all.
	ChildAssocFilter struct {
		Type        qname.QName
		QName       qname.QName
		PrimaryOnly bool
	}

	// Path lists the primary associations from the store root down to a
	// node. The root itself has an empty path.
	Path []*ChildAssoc
)

func (f *ChildAssocFilter) match(a *ChildAssoc) bool {
	if f == nil {
		return true
	}
	if !f.Type.IsZero() && f.Type != a.Type {
		return false
	}
	if !f.QName.IsZero() && f.QName != a.QName {
		return false
	}
	return !f.PrimaryOnly || a.IsPrimary
}

// PrefixString renders the path with prefixed qnames, /cm:a/cm:b.
func (p Path) PrefixString(r *qname.PrefixResolver) string {
	if len(p) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, a := range p {
		b.WriteString("/")
		b.WriteString(a.QName.PrefixString(r))
	}
	return b.String()
}

func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, a := range p {
		b.WriteString("/")
		b.WriteString(a.QName.String())
	}
	return b.String()
}

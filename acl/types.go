package acl

import (
	"fmt"
	"sort"

	"github.com/cubefs/contentrepo/qname"
)

type ACLType int

const (
	ACLTypeOld ACLType = iota + 1
	ACLTypeDefining
	ACLTypeShared
	ACLTypeFixed
	ACLTypeGlobal
	ACLTypeLayered
)

func (t ACLType) String() string {
	switch t {
	case ACLTypeOld:
		return "OLD"
	case ACLTypeDefining:
		return "DEFINING"
	case ACLTypeShared:
		return "SHARED"
	case ACLTypeFixed:
		return "FIXED"
	case ACLTypeGlobal:
		return "GLOBAL"
	case ACLTypeLayered:
		return "LAYERED"
	default:
		return fmt.Sprintf("ACLType(%d)", int(t))
	}
}

type AccessStatus int

const (
	Allowed AccessStatus = iota + 1
	Denied
)

func (s AccessStatus) String() string {
	if s == Allowed {
		return "ALLOWED"
	}
	return "DENIED"
}

type AceType int

const (
	AceTypeAll AceType = iota
	AceTypeObject
	AceTypeProperty
)

type writeMode int

const (
	modeTruncateInherited writeMode = iota + 1
	modeAddInherited
	modeChangeInherited
	modeRemoveInherited
	modeInsertInherited
	modeCopyUpdateAndInherit
	modeCopyOnly
)

type (
	PermissionReference struct {
		QName qname.QName `json:"qname"`
		Name  string      `json:"name"`
	}

	// Entry is an access control entry as seen through one ACL. Position 0
	// is local; a greater position is the inheritance depth it came from.
	Entry struct {
		Authority    string              `json:"authority"`
		Permission   PermissionReference `json:"permission"`
		AccessStatus AccessStatus        `json:"access_status"`
		AceType      AceType             `json:"ace_type"`
		Position     int                 `json:"position"`
	}

	// Pattern selects entries; nil and empty fields match anything. A
	// position >= 0 matches entries at the depth being written, -1 matches
	// inherited entries only.
	Pattern struct {
		AccessStatus *AccessStatus
		AceType      *AceType
		Authority    string
		Permission   *PermissionReference
		Position     *int
	}

	// Properties describe a new ACL. Nil flags take the type's default.
	Properties struct {
		AclID     string
		Type      ACLType
		Inherits  *bool
		Versioned *bool
	}

	ListProperties struct {
		ID             uint64  `json:"id"`
		AclID          string  `json:"acl_id"`
		Type           ACLType `json:"type"`
		Version        uint64  `json:"version"`
		Inherits       bool    `json:"inherits"`
		Latest         bool    `json:"latest"`
		Versioned      bool    `json:"versioned"`
		InheritsFrom   uint64  `json:"inherits_from"`
		InheritedAclID uint64  `json:"inherited_acl_id"`
	}

	AccessControlList struct {
		Properties ListProperties `json:"properties"`
		Entries    []Entry        `json:"entries"`
	}

	// AclChange maps an ACL id before a write to the id holding the result.
	// After is 0 when the ACL was deleted and Before is 0 when it was created.
	AclChange struct {
		Before     uint64  `json:"before"`
		After      uint64  `json:"after"`
		TypeBefore ACLType `json:"type_before"`
		TypeAfter  ACLType `json:"type_after"`
	}
)

func BoolPtr(b bool) *bool { return &b }

func IntPtr(i int) *int { return &i }

func (p PermissionReference) String() string {
	return p.QName.String() + "." + p.Name
}

// SortEntries orders entries by position, denials first within a position.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.AccessStatus != b.AccessStatus {
			return a.AccessStatus == Denied
		}
		if a.Authority != b.Authority {
			return a.Authority < b.Authority
		}
		return a.Permission.String() < b.Permission.String()
	})
}

// Matches reports whether e, found at memberPosition while writing at
// depth, is selected by the pattern.
func (p *Pattern) Matches(e *Entry, depth, memberPosition int) bool {
	if p == nil {
		return true
	}
	if p.AccessStatus != nil && *p.AccessStatus != e.AccessStatus {
		return false
	}
	if p.AceType != nil && *p.AceType != e.AceType {
		return false
	}
	if p.Authority != "" && p.Authority != e.Authority {
		return false
	}
	if p.Permission != nil {
		if !p.Permission.QName.IsZero() && p.Permission.QName != e.Permission.QName {
			return false
		}
		if p.Permission.Name != "" && p.Permission.Name != e.Permission.Name {
			return false
		}
	}
	if p.Position != nil {
		if *p.Position >= 0 {
			if memberPosition != depth {
				return false
			}
		} else if *p.Position == -1 {
			if memberPosition <= depth {
				return false
			}
		}
	}
	return true
}

// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package proto holds the wire types shared by the http api, the grpc
// Repository service and its client.
package proto

import (
	"github.com/cubefs/contentrepo/action"
	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/rule"
)

const (
	ReqIdKey = "req-id"
	// UserKey names the acting user, as grpc metadata and http header.
	UserKey = "x-repo-user"
	// BindPrefix marks import query parameters that are binding values.
	BindPrefix = "bind."
)

type (
	StoreArgs struct {
		Protocol   string `json:"protocol"`
		Identifier string `json:"identifier"`
	}
	StoresResult struct {
		Stores []string `json:"stores"`
	}

	NodeArgs struct {
		Ref string `json:"ref"`
	}
	CreateNodeArgs struct {
		Parent string `json:"parent"`
		// ID reuses a deleted node uuid, empty creates a new one.
		ID         string           `json:"id,omitempty"`
		Type       string           `json:"type"`
		AssocType  string           `json:"assoc_type,omitempty"`
		Name       string           `json:"name"`
		Properties map[string]Value `json:"properties,omitempty"`
		Aspects    []string         `json:"aspects,omitempty"`
	}
	NodeInfo struct {
		Ref        string           `json:"ref"`
		Type       string           `json:"type"`
		Path       string           `json:"path"`
		AclID      uint64           `json:"acl_id,omitempty"`
		Aspects    []string         `json:"aspects,omitempty"`
		Properties map[string]Value `json:"properties,omitempty"`
	}
	SetPropertiesArgs struct {
		Ref        string           `json:"ref"`
		Properties map[string]Value `json:"properties"`
		// Replace drops the properties not named.
		Replace bool     `json:"replace,omitempty"`
		Remove  []string `json:"remove,omitempty"`
	}
	AspectsArgs struct {
		Ref    string   `json:"ref"`
		Add    []string `json:"add,omitempty"`
		Remove []string `json:"remove,omitempty"`
	}
	ChildInfo struct {
		AssocID   uint64 `json:"assoc_id"`
		Ref       string `json:"ref"`
		Type      string `json:"type"`
		AssocType string `json:"assoc_type"`
		QName     string `json:"qname"`
		IsPrimary bool   `json:"is_primary"`
	}
	ChildrenResult struct {
		Children []ChildInfo `json:"children"`
	}

	PermissionArgs struct {
		Ref        string `json:"ref"`
		Authority  string `json:"authority"`
		Permission string `json:"permission"`
		Allow      bool   `json:"allow"`
		// Delete removes the entry instead of setting it.
		Delete bool `json:"delete,omitempty"`
	}
	InheritArgs struct {
		Ref     string `json:"ref"`
		Inherit bool   `json:"inherit"`
	}
	PermissionsResult struct {
		Inherit bool        `json:"inherit"`
		Entries []acl.Entry `json:"entries"`
	}
	CheckResult struct {
		Allowed bool `json:"allowed"`
	}

	ExecuteArgs struct {
		Ref             string         `json:"ref"`
		Action          *action.Action `json:"action"`
		CheckConditions bool           `json:"check_conditions"`
		// Async overrides the action's own flag when set.
		Async *bool `json:"async,omitempty"`
	}
	SaveActionArgs struct {
		Ref    string         `json:"ref"`
		Action *action.Action `json:"action"`
	}
	ActionIDArgs struct {
		Ref string `json:"ref"`
		ID  string `json:"id"`
	}
	ActionsResult struct {
		Actions []*action.Action `json:"actions"`
	}
	HistoryResult struct {
		Executions []*action.ExecutionDetails `json:"executions"`
	}
	ActionResult struct {
		ID string `json:"id"`
	}

	SaveRuleArgs struct {
		Ref  string     `json:"ref"`
		Rule *rule.Rule `json:"rule"`
	}
	RulesArgs struct {
		Ref              string `json:"ref"`
		IncludeInherited bool   `json:"include_inherited"`
	}
	// RuleIDArgs without an id removes all rules of the node.
	RuleIDArgs struct {
		Ref string `json:"ref"`
		ID  string `json:"id"`
	}
	RulesResult struct {
		Rules []*rule.Rule `json:"rules"`
	}
	RuleResult struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
	}

	ExportArgs struct {
		Ref           string   `json:"ref"`
		CrawlChildren bool     `json:"crawl_children"`
		ExcludeAssocs []string `json:"exclude_assocs,omitempty"`
	}
	ExportResult struct {
		View string `json:"view"`
	}
	ImportArgs struct {
		Ref       string            `json:"ref"`
		Path      string            `json:"path,omitempty"`
		AssocType string            `json:"assoc_type,omitempty"`
		Binding   map[string]string `json:"binding,omitempty"`
		View      string            `json:"view,omitempty"`
	}
	ImportResult struct {
		Refs []string `json:"refs"`
	}

	// LimitArgs changes view stream limits at runtime. Absent fields are
	// kept, zero lifts a limit.
	LimitArgs struct {
		ImportConcurrency *int `json:"import_concurrency,omitempty"`
		ExportConcurrency *int `json:"export_concurrency,omitempty"`
		ImportMBPS        *int `json:"import_mbps,omitempty"`
		ExportMBPS        *int `json:"export_mbps,omitempty"`
	}
)

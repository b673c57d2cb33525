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

package errors

import "errors"

var (
	ErrNoTransaction       = errors.New("no transaction bound to context")
	ErrTransactionClosed   = errors.New("transaction already completed")
	ErrReadOnlyTransaction = errors.New("write in read-only transaction")
	ErrConcurrencyFailure  = errors.New("concurrent modification detected")
	ErrUniqueConflict      = errors.New("unique key already exists")
	ErrRetryExhausted      = errors.New("transaction retries exhausted")
	ErrCommitUnknown       = errors.New("transaction commit outcome unknown")

	ErrInvalidQName     = errors.New("invalid qname")
	ErrUnknownPrefix    = errors.New("namespace prefix is not mapped")
	ErrQNameNotFound    = errors.New("qname not found")
	ErrNamespaceMissing = errors.New("namespace not found")

	ErrStoreExists        = errors.New("store already exists")
	ErrStoreNotFound      = errors.New("store not found")
	ErrStoreHasNoRoot     = errors.New("store does not have a root node")
	ErrNodeNotFound       = errors.New("node not found")
	ErrInvalidNodeRef     = errors.New("live node exists")
	ErrNodeRefFormat      = errors.New("malformed node reference")
	ErrAssocNotFound      = errors.New("association not found")
	ErrDuplicateChildName = errors.New("duplicate child node name")
	ErrCyclicAssoc        = errors.New("cyclic child association")
	ErrAssocExists        = errors.New("association already exists")
	ErrInvalidProperty    = errors.New("unsupported property value")

	ErrAclNotFound         = errors.New("acl not found")
	ErrAclImmutable        = errors.New("shared acl can not be changed directly")
	ErrSharedAclCreate     = errors.New("shared acl can not be created directly")
	ErrOldAclVersioned     = errors.New("old acl can not be versioned")
	ErrAclNotLatest        = errors.New("acl is not the latest version")
	ErrCyclicalAcl         = errors.New("cyclical acl detected")
	ErrInvalidAclType      = errors.New("invalid acl type for operation")
	ErrUnsupportedAclType  = errors.New("acl type not supported")
	ErrInvalidAcePosition  = errors.New("ace position must be local")
	ErrAceContextSupported = errors.New("ace context not supported")

	ErrActionNotFound          = errors.New("action not found")
	ErrActionDefinition        = errors.New("no executer registered for action definition")
	ErrConditionDefinition     = errors.New("no evaluator registered for condition definition")
	ErrCompositeConditionEmpty = errors.New("composite condition has no sub conditions")
	ErrNoQueue                 = errors.New("no async action queue registered")
	ErrQueueClosed             = errors.New("async action queue closed")
	ErrNoRunAsUser             = errors.New("no run-as user for async action")
	ErrInvalidParameter        = errors.New("invalid action parameter")
	ErrActionChain             = errors.New("action already running in this chain")

	ErrRuleNotFound    = errors.New("rule not found")
	ErrInvalidRule     = errors.New("rule needs a rule type and an action")
	ErrInvalidRuleType = errors.New("unknown rule type")

	ErrImport         = errors.New("import failed")
	ErrExport         = errors.New("export failed")
	ErrBindingMarker  = errors.New("binding end marker not found")
	ErrImportLocation = errors.New("import location does not resolve to exactly one node")
	ErrImportNoName   = errors.New("imported node has no name")

	ErrLimitExceeded = errors.New("limit exceeded")
	ErrInvalidArgs   = errors.New("invalid arguments")
)

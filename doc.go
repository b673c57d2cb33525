/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ContentRepo: a content repository over rocksdb

## Data Model

* Store, a named tree of nodes, protocol://identifier, with one root node.

* Node, a typed object with aspects and properties, referenced by store and uuid.

* Child association, a typed and named parent to child link. Every node but a root has one primary parent.

* ACL, an ordered list of access control entries. A node's ACL either stands alone or inherits the entries of its parent's ACL.

* Action, a unit of work run on a node, either synchronously in the caller's transaction or from an asynchronous queue. Every execution leaves a history record below the node.

* View, the XML export of a node subtree, importable below another node with ${name} bindings.

## Architecture

A single process serves the repository through a RESTful API and gRPC.

Every write runs in a transaction over one rocksdb instance. A transaction reads a snapshot, validates the keys it read at commit and proposes its write batch through a raft group before it is applied.

## Building Blocks

* Rocksdb
* etcd raft
* gRPC
* Prometheus

*/

package contentrepo

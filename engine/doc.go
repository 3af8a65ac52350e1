// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine implements a memoized, content-addressed computation
// engine for incremental build orchestration.
//
// The engine evaluates a graph of Nodes, where each Node is one invocation
// of a registered Rule against an immutable set of Params. Results are
// memoized in a Graph shared across Sessions and invalidated lazily when
// watched files change. Rule bodies are ordinary Go functions; they request
// dependency products with Get and MultiGet, which suspend the body without
// holding a worker slot until the dependency resolves.
//
// Rules are registered once at startup and compiled into a static lookup
// table (see Compile). Compilation validates that every requested product
// is reachable and unambiguous, reporting all problems in one batch rather
// than failing at runtime mid-build.
package engine

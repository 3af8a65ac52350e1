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

package cas

import (
	"strings"
)

// PathGlobs selects files by doublestar patterns, relative to the build
// root. It is the subject of the snapshot intrinsic: requesting a Snapshot
// for a PathGlobs captures the matched files into the store.
type PathGlobs struct {
	Includes []string
}

// ParamKey implements engine.Keyed.
func (g PathGlobs) ParamKey() string {
	return strings.Join(g.Includes, "\x00")
}

// Snapshot is a tree Digest plus the concrete list of file paths the tree
// contains, sorted. It is what rule bodies pass around when they care about
// which files they have, not just the opaque content identity.
type Snapshot struct {
	Digest Digest
	Files  []string
}

// ParamKey implements engine.Keyed. The file list is fully determined by
// the digest, so the digest alone identifies the snapshot.
func (s Snapshot) ParamKey() string { return s.Digest.String() }

// MergeDigests asks for the union of several directory trees. It is the
// subject of the merge intrinsic. Merging is commutative over disjoint
// paths; the same path with different content digests is an error.
type MergeDigests struct {
	Digests []Digest
}

// ParamKey implements engine.Keyed.
func (m MergeDigests) ParamKey() string {
	parts := make([]string, len(m.Digests))
	for i, d := range m.Digests {
		parts[i] = d.String()
	}
	return strings.Join(parts, "\x00")
}

// DigestSubset asks for the subset of an existing tree matching include
// patterns, as a Snapshot. It is the subject of the subset intrinsic.
type DigestSubset struct {
	Digest   Digest
	Includes []string
}

// ParamKey implements engine.Keyed.
func (d DigestSubset) ParamKey() string {
	return d.Digest.String() + "\x00" + strings.Join(d.Includes, "\x00")
}

// FileContent is one file's bytes and metadata, as returned when a rule
// body asks for the concrete contents behind a Digest.
type FileContent struct {
	Path       string
	Content    []byte
	Executable bool
}

// DigestContents is the product carrying the expanded contents of a tree
// digest, in path order.
type DigestContents struct {
	Files []FileContent
}

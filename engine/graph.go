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

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"go.chromium.org/luci/common/data/stringset"
)

// isCancel recognizes context cancellation, which is session state rather
// than a memoizable outcome.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Graph is the cross-session store of memoized Node results.
//
// It lives for the lifetime of the hosting process, which may outlive any
// single Session (e.g. a long-running daemon serving many invocations).
// Writes are scoped to a single NodeKey with an at-most-once-write
// guarantee: the first requester of a key starts the computation, later
// requesters observe the in-flight computation and share its result.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
	rdeps map[string]stringset.Set // node fp -> fps of nodes depending on it
	files map[string]stringset.Set // watched path -> fps of nodes reading it
}

// node tracks one computation, in-flight or completed.
type node struct {
	key    NodeKey
	done   chan struct{} // closed once result is set
	cancel context.CancelFunc

	mu    sync.Mutex
	deps  []string
	files []string

	result    Result
	completed bool
	waiters   int
}

// recordDep notes that this node requested the given dependency node.
func (n *node) recordDep(fp string) {
	n.mu.Lock()
	n.deps = append(n.deps, fp)
	n.mu.Unlock()
}

// recordFiles notes the filesystem paths whose content this node read.
func (n *node) recordFiles(paths []string) {
	n.mu.Lock()
	n.files = append(n.files, paths...)
	n.mu.Unlock()
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: map[string]*node{},
		rdeps: map[string]stringset.Set{},
		files: map[string]stringset.Set{},
	}
}

// Len returns the number of nodes currently memoized or in flight.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// evaluate returns the memoized result for key, starting the computation if
// nobody has yet.
//
// run executes the rule body; it receives a work context that is detached
// from any single session's cancellation and is cancelled only when every
// interested session has walked away (or the node is invalidated mid-run).
// ctx is the requesting session's context; if it is cancelled while
// waiting, the caller unwinds without disturbing the shared computation
// unless it was its last remaining waiter.
func (g *Graph) evaluate(ctx context.Context, key NodeKey, run func(ctx context.Context, n *node) Result) (Result, error) {
	fp := key.fingerprint()

	g.mu.Lock()
	n := g.nodes[fp]
	if n == nil {
		workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		n = &node{key: key, done: make(chan struct{}), cancel: cancel, waiters: 1}
		g.nodes[fp] = n
		g.mu.Unlock()
		go func() {
			res := run(workCtx, n)
			g.commit(fp, n, res)
		}()
	} else {
		n.waiters++
		g.mu.Unlock()
	}

	select {
	case <-n.done:
		g.mu.Lock()
		n.waiters--
		g.mu.Unlock()
		return n.result, nil
	case <-ctx.Done():
		g.mu.Lock()
		n.waiters--
		if n.waiters == 0 && !n.completed {
			// The last interested session walked away: abandon the work and
			// forget the node so a later request starts fresh.
			n.cancel()
			g.removeLocked(fp)
		}
		g.mu.Unlock()
		return Result{}, ctx.Err()
	}
}

// commit publishes a finished computation and records its edges.
//
// A computation that ended because its work context was cancelled is not a
// result at all; its entry is dropped instead of being memoized.
func (g *Graph) commit(fp string, n *node, res Result) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nodes[fp] != n {
		// Invalidated (or abandoned) while running: the result is not
		// memoized, but sessions still waiting on the node must observe
		// it rather than a zero Result.
		n.result = res
		n.completed = true
		close(n.done)
		return
	}
	if isCancel(res.Err) {
		g.removeLocked(fp)
		n.result = res
		n.completed = true
		close(n.done)
		return
	}

	n.result = res
	n.completed = true
	for _, dep := range n.deps {
		set, ok := g.rdeps[dep]
		if !ok {
			set = stringset.New(1)
			g.rdeps[dep] = set
		}
		set.Add(fp)
	}
	for _, p := range n.files {
		p = filepath.Clean(p)
		set, ok := g.files[p]
		if !ok {
			set = stringset.New(1)
			g.files[p] = set
		}
		set.Add(fp)
	}
	close(n.done)
}

// InvalidatePaths drops every memoized node whose recorded file inputs
// intersect the changed paths, plus all transitive dependents.
//
// Invalidation is lazy: nothing is recomputed here. The next request for a
// dropped node (or a dependent of one) recomputes it and observes current
// file content. Returns the number of nodes dropped.
func (g *Graph) InvalidatePaths(paths []string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	dirty := stringset.New(8)
	for _, p := range paths {
		p = filepath.Clean(p)
		for watched, fps := range g.files {
			if pathsOverlap(watched, p) {
				fps.Iter(func(fp string) bool {
					dirty.Add(fp)
					return true
				})
			}
		}
	}

	// Transitive closure over reverse dependency edges.
	queue := dirty.ToSlice()
	for len(queue) > 0 {
		fp := queue[0]
		queue = queue[1:]
		if deps := g.rdeps[fp]; deps != nil {
			deps.Iter(func(d string) bool {
				if dirty.Add(d) {
					queue = append(queue, d)
				}
				return true
			})
		}
	}

	dropped := 0
	dirty.Iter(func(fp string) bool {
		if n := g.nodes[fp]; n != nil {
			if !n.completed {
				n.cancel()
			}
			g.removeLocked(fp)
			dropped++
		}
		return true
	})
	return dropped
}

// Clear drops every memoized node. In-flight computations are cancelled.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for fp, n := range g.nodes {
		if !n.completed {
			n.cancel()
		}
		delete(g.nodes, fp)
	}
	g.rdeps = map[string]stringset.Set{}
	g.files = map[string]stringset.Set{}
}

// removeLocked forgets a node and prunes its edge bookkeeping.
func (g *Graph) removeLocked(fp string) {
	delete(g.nodes, fp)
	delete(g.rdeps, fp)
	for watched, fps := range g.files {
		fps.Del(fp)
		if fps.Len() == 0 {
			delete(g.files, watched)
		}
	}
}

// pathsOverlap reports whether a change at p affects content recorded under
// watched: the same path, or either one inside the other (a changed file
// under a watched directory, a changed directory above a watched file).
func pathsOverlap(watched, p string) bool {
	if watched == p {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(watched, p+sep) || strings.HasPrefix(p, watched+sep)
}

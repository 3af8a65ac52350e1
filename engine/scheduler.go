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
	"reflect"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Request is one root request: a desired product type plus the params the
// caller supplies to compute it from.
type Request struct {
	Output reflect.Type
	Params Params
}

// NewRequest builds a Request for product type Out.
func NewRequest[Out any](params Params) Request {
	return Request{Output: TypeOf[Out](), Params: params}
}

// SchedulerOptions tune a Scheduler.
type SchedulerOptions struct {
	// Parallelism bounds the number of rule bodies actively executing at
	// once. Suspended bodies do not count. Defaults to runtime.NumCPU().
	Parallelism int
}

// Scheduler lazily expands and executes the dependency graph of Nodes for
// root requests, memoizing results in the shared Graph and running
// independent work in parallel on a bounded worker pool.
type Scheduler struct {
	rg      *RuleGraph
	graph   *Graph
	workers *semaphore.Weighted
	effects *semaphore.Weighted // serializes side-effecting nodes engine-wide
}

// NewScheduler builds a Scheduler over a compiled rule graph and a shared
// memoization Graph.
func NewScheduler(rg *RuleGraph, graph *Graph, opts *SchedulerOptions) *Scheduler {
	par := 0
	if opts != nil {
		par = opts.Parallelism
	}
	if par <= 0 {
		par = runtime.NumCPU()
	}
	return &Scheduler{
		rg:      rg,
		graph:   graph,
		workers: semaphore.NewWeighted(int64(par)),
		effects: semaphore.NewWeighted(1),
	}
}

// Graph returns the shared memoization graph.
func (s *Scheduler) Graph() *Graph { return s.graph }

// RuleGraph returns the compiled rule graph.
func (s *Scheduler) RuleGraph() *RuleGraph { return s.rg }

// Execute satisfies the given root requests for one Session.
//
// Requests are evaluated concurrently and independently: the returned slice
// matches the request order, and a failure in one request never aborts the
// others (partial-failure semantics). A request fails with a *Failure
// carrying the rule-name chain from the root to the failing computation.
func (s *Scheduler) Execute(sess *Session, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			results[i] = s.executeOne(sess, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) executeOne(sess *Session, req Request) Result {
	rule, err := s.rg.Lookup(req.Output, req.Params.Types())
	if err != nil {
		return Result{Err: err}
	}
	return s.eval(sess.ctx, sess, NodeKey{rule: rule, params: req.Params}, nil)
}

// evalState travels in the context of a running rule body, linking it back
// to its scheduler, session and node bookkeeping.
type evalState struct {
	sch  *Scheduler
	sess *Session
	node *node // nil for side-effecting rules (nothing is recorded)
	key  NodeKey
}

type stateCtxKey struct{}

func stateFrom(ctx context.Context) *evalState {
	st, _ := ctx.Value(stateCtxKey{}).(*evalState)
	return st
}

// eval resolves one NodeKey, consulting the appropriate memo scope.
//
// ctx is the requester's context: the session context for roots, the
// requesting node's work context for Gets.
func (s *Scheduler) eval(ctx context.Context, sess *Session, key NodeKey, from *node) Result {
	if from != nil {
		from.recordDep(key.fingerprint())
	}
	switch {
	case key.rule.sideEffecting:
		return s.runEffect(ctx, sess, key)
	case key.rule.perSession:
		res, err := sess.evaluate(ctx, key, func(workCtx context.Context, n *node) Result {
			return s.runNode(workCtx, sess, key, n)
		})
		if err != nil {
			return Result{Err: err}
		}
		return res
	default:
		res, err := s.graph.evaluate(ctx, key, func(workCtx context.Context, n *node) Result {
			return s.runNode(workCtx, sess, key, n)
		})
		if err != nil {
			return Result{Err: err}
		}
		return res
	}
}

// runNode executes a rule body on the worker pool.
func (s *Scheduler) runNode(ctx context.Context, sess *Session, key NodeKey, n *node) Result {
	params, err := s.resolveParams(ctx, sess, key, n)
	if err != nil {
		return Result{Err: failAt(key.rule.name, err)}
	}
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return Result{Err: err}
	}
	defer s.workers.Release(1)
	return s.invoke(ctx, sess, key, params, n)
}

// runEffect executes a side-effecting rule body: unmemoized, and serialized
// so at most one side-effecting node is active engine-wide.
func (s *Scheduler) runEffect(ctx context.Context, sess *Session, key NodeKey) Result {
	params, err := s.resolveParams(ctx, sess, key, nil)
	if err != nil {
		return Result{Err: failAt(key.rule.name, err)}
	}
	if err := s.effects.Acquire(ctx, 1); err != nil {
		return Result{Err: err}
	}
	defer s.effects.Release(1)
	if err := s.workers.Acquire(ctx, 1); err != nil {
		return Result{Err: err}
	}
	defer s.workers.Release(1)
	return s.invoke(ctx, sess, key, params, nil)
}

// resolveParams computes any positional parameter of the rule that is not
// present in the node's Params by evaluating the rule that provides it, as
// chosen by the compiled table. Runs before the body takes a worker slot.
func (s *Scheduler) resolveParams(ctx context.Context, sess *Session, key NodeKey, n *node) (Params, error) {
	params := key.params
	for _, pt := range key.rule.params {
		if _, ok := params.Get(pt); ok {
			continue
		}
		provider, err := s.rg.Lookup(pt, key.params.Types())
		if err != nil {
			return Params{}, err
		}
		res := s.eval(ctx, sess, NodeKey{rule: provider, params: key.params}, n)
		if res.Err != nil {
			return Params{}, res.Err
		}
		if params, err = params.With(res.Value); err != nil {
			return Params{}, err
		}
	}
	return params, nil
}

// invoke calls the rule body with the evalState installed.
func (s *Scheduler) invoke(ctx context.Context, sess *Session, key NodeKey, params Params, n *node) Result {
	st := &evalState{sch: s, sess: sess, node: n, key: key}
	bodyCtx := context.WithValue(ctx, stateCtxKey{}, st)

	if sess.reporter != nil {
		sess.reporter.NodeStarted(bodyCtx, key.rule.name)
	}
	val, err := key.rule.call(bodyCtx, params)
	err = failAt(key.rule.name, err)
	if sess.reporter != nil {
		sess.reporter.NodeFinished(bodyCtx, key.rule.name, err)
	}
	if err != nil && !isCancel(err) {
		logging.Debugf(bodyCtx, "node %s failed: %s", key, err)
	}
	return Result{Value: val, Err: err}
}

// RecordFileDeps notes filesystem paths whose content the current rule body
// depends on, registering them for change-driven invalidation.
//
// Intrinsic filesystem rules call this; ordinary rules that read the
// filesystem directly (rather than through Snapshot products) may call it
// too.
func RecordFileDeps(ctx context.Context, paths []string) error {
	st := stateFrom(ctx)
	if st == nil {
		return errors.New("engine: RecordFileDeps called outside a rule body")
	}
	if st.node != nil {
		st.node.recordFiles(paths)
	}
	return nil
}

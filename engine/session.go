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
	"sync"
	"sync/atomic"

	"go.chromium.org/luci/common/errors"
)

var sessionCounter atomic.Int64

// Reporter receives progress callbacks from the scheduler.
//
// Implementations must be safe for concurrent use; callbacks arrive from
// many worker goroutines.
type Reporter interface {
	NodeStarted(ctx context.Context, rule string)
	NodeFinished(ctx context.Context, rule string, err error)
}

// Session is the context of one top-level engine run.
//
// It carries typed singleton values that any rule body can retrieve via
// SessionValue without explicit threading, a cancellation scope, a
// monotonic run identifier, and an optional Reporter. Sessions share one
// Graph; cancelling a Session unwinds only its own in-flight work.
type Session struct {
	id       int64
	ctx      context.Context
	cancel   context.CancelFunc
	values   Params
	reporter Reporter

	mu   sync.Mutex
	memo map[string]*node // per-session rules only
}

// SessionOption configures NewSession.
type SessionOption func(*Session)

// WithSessionValues sets the session's typed singleton values.
func WithSessionValues(values Params) SessionOption {
	return func(s *Session) { s.values = values }
}

// WithReporter sets the session's progress reporter.
func WithReporter(r Reporter) SessionOption {
	return func(s *Session) { s.reporter = r }
}

// NewSession creates a Session for one logical invocation.
//
// The session is cancelled when ctx is cancelled or when Cancel is called,
// whichever comes first.
func NewSession(ctx context.Context, opts ...SessionOption) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     sessionCounter.Add(1),
		ctx:    sctx,
		cancel: cancel,
		memo:   map[string]*node{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the monotonic run identifier.
func (s *Session) ID() int64 { return s.id }

// Cancel cancels the session. In-flight rule bodies belonging to this
// session observe the cancellation at their next suspension point and
// unwind; memoized results already committed to the shared Graph stay.
func (s *Session) Cancel() { s.cancel() }

// Context returns the session's cancellation context.
func (s *Session) Context() context.Context { return s.ctx }

// evaluate is the session-scoped analog of Graph.evaluate, used for rules
// marked PerSession: single-flight within the session, recomputed by the
// next one.
func (s *Session) evaluate(ctx context.Context, key NodeKey, run func(ctx context.Context, n *node) Result) (Result, error) {
	fp := key.fingerprint()

	s.mu.Lock()
	n := s.memo[fp]
	if n == nil {
		workCtx, cancel := context.WithCancel(ctx)
		n = &node{key: key, done: make(chan struct{}), cancel: cancel}
		s.memo[fp] = n
		s.mu.Unlock()
		go func() {
			n.result = run(workCtx, n)
			n.completed = true
			close(n.done)
		}()
	} else {
		s.mu.Unlock()
	}

	select {
	case <-n.done:
		return n.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// RunID returns the identifier of the session driving the current rule
// body. It may only be called from inside a rule body.
func RunID(ctx context.Context) (int64, error) {
	st := stateFrom(ctx)
	if st == nil {
		return 0, errors.New("engine: RunID called outside a rule body")
	}
	return st.sess.id, nil
}

// SessionValue returns the session's singleton value of type T.
//
// It may only be called from inside a rule body.
func SessionValue[T any](ctx context.Context) (T, error) {
	var zero T
	st := stateFrom(ctx)
	if st == nil {
		return zero, errors.New("engine: SessionValue called outside a rule body")
	}
	v, ok := st.sess.values.Get(TypeOf[T]())
	if !ok {
		return zero, errors.Fmt("engine: no session value of type %s", typeName(TypeOf[T]()))
	}
	return v.(T), nil
}

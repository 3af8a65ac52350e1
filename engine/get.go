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

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/parallel"
)

// Get requests the product of type Out computed for the given subject.
//
// It is the dependency primitive of rule bodies: the body suspends here
// (releasing its worker slot) until the dependency Node resolves, then
// resumes with the value. The (Out, subject type) pair must have been
// declared on the rule via WithGets; undeclared requests fail immediately.
//
// The dependency's Params are the requesting Node's Params with the subject
// added, replacing any existing value of the subject's type.
func Get[Out any](ctx context.Context, subject any) (Out, error) {
	var zero Out
	st := stateFrom(ctx)
	if st == nil {
		return zero, errors.New("engine: Get called outside a rule body")
	}
	key, err := st.depKey(TypeOf[Out](), subject)
	if err != nil {
		return zero, err
	}

	// Suspend: give the worker slot back while the dependency resolves.
	st.suspend()
	res := st.sch.eval(ctx, st.sess, key, st.node)
	st.resume(ctx)
	if cerr := ctx.Err(); cerr != nil {
		return zero, cerr
	}

	if res.Err != nil {
		return zero, res.Err
	}
	v, ok := res.Value.(Out)
	if !ok {
		return zero, errors.Fmt("engine: rule %q produced %T, not %s",
			key.rule.name, res.Value, typeName(TypeOf[Out]()))
	}
	return v, nil
}

// MultiGet requests the product of type Out for several subjects at once.
//
// The requests resolve concurrently; results are returned in subject order.
// If any request fails, MultiGet waits for the rest and returns the first
// failure.
func MultiGet[Out any](ctx context.Context, subjects ...any) ([]Out, error) {
	st := stateFrom(ctx)
	if st == nil {
		return nil, errors.New("engine: MultiGet called outside a rule body")
	}
	keys := make([]NodeKey, len(subjects))
	for i, subj := range subjects {
		key, err := st.depKey(TypeOf[Out](), subj)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	out := make([]Out, len(subjects))
	st.suspend()
	err := parallel.FanOutIn(func(work chan<- func() error) {
		for i, key := range keys {
			work <- func() error {
				res := st.sch.eval(ctx, st.sess, key, st.node)
				if res.Err != nil {
					return res.Err
				}
				v, ok := res.Value.(Out)
				if !ok {
					return errors.Fmt("engine: rule %q produced %T, not %s",
						key.rule.name, res.Value, typeName(TypeOf[Out]()))
				}
				out[i] = v
				return nil
			}
		}
	})
	st.resume(ctx)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, errors.SingleError(err)
	}
	return out, nil
}

// suspend gives the body's worker slot back while a dependency resolves.
func (st *evalState) suspend() {
	st.sch.workers.Release(1)
}

// resume takes the worker slot back after a suspension.
//
// The body's caller releases the slot when the body unwinds, so resume
// must leave the slot held no matter what happened to ctx; cancellation
// is surfaced by the caller only after the slot is back.
func (st *evalState) resume(ctx context.Context) {
	_ = st.sch.workers.Acquire(context.WithoutCancel(ctx), 1)
}

// depKey validates a dependency request against the rule's declared Gets
// and resolves the Node that satisfies it.
func (st *evalState) depKey(out reflect.Type, subject any) (NodeKey, error) {
	if subject == nil {
		return NodeKey{}, errors.Fmt("engine: rule %q: Get with nil subject", st.key.rule.name)
	}
	subjT := reflect.TypeOf(subject)
	if !st.declaredGet(out, subjT) {
		return NodeKey{}, errors.Fmt("engine: rule %q did not declare Get[%s] for subject type %s",
			st.key.rule.name, typeName(out), typeName(subjT))
	}
	depParams, err := st.key.params.With(subject)
	if err != nil {
		return NodeKey{}, err
	}
	rule, err := st.sch.rg.Lookup(out, depParams.Types())
	if err != nil {
		return NodeKey{}, err
	}
	// Side effects are serialized engine-wide, so a side-effecting body
	// requesting another side-effecting rule would wait on itself.
	if st.key.rule.sideEffecting && rule.sideEffecting {
		return NodeKey{}, errors.Fmt("engine: side-effecting rule %q cannot request side-effecting rule %q",
			st.key.rule.name, rule.name)
	}
	return NodeKey{rule: rule, params: depParams}, nil
}

// declaredGet checks the (out, subject) pair against declared constraints,
// expanding registered union bases to their implementers.
func (st *evalState) declaredGet(out, subjT reflect.Type) bool {
	if st.key.rule.declares(out, subjT) {
		return true
	}
	for _, c := range st.key.rule.gets {
		if c.Output != out || c.Subject.Kind() != reflect.Interface || !subjT.Implements(c.Subject) {
			continue
		}
		for _, m := range st.sch.rg.Members(c.Subject) {
			if m == subjT {
				return true
			}
		}
	}
	return false
}

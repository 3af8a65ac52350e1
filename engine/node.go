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
	"fmt"
	"strings"
)

// NodeKey is the runtime identity of one computation: a Rule applied to a
// Params collection. Structural equality over the pair is the memoization
// key.
type NodeKey struct {
	rule   *Rule
	params Params
}

// Rule returns the rule this key invokes.
func (k NodeKey) Rule() *Rule { return k.rule }

// Params returns the params this key carries.
func (k NodeKey) Params() Params { return k.params }

func (k NodeKey) fingerprint() string {
	return k.rule.name + "\x02" + k.params.Fingerprint()
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s(%s)", k.rule.name, k.params)
}

// Result is the outcome of evaluating a NodeKey: a produced value, or an
// error (usually a *Failure).
type Result struct {
	Value any
	Err   error
}

// Failure is the typed failure of a Node.
//
// It wraps the underlying error and records the chain of rule names from the
// failing computation back to the root that requested it, so a failed root
// request can report where in the rule graph things went wrong.
type Failure struct {
	// Chain holds rule names, failing rule first, root-most rule last.
	Chain []string

	wrapped error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("in %s: %s", f.Chain[0], f.wrapped)
}

func (f *Failure) Unwrap() error { return f.wrapped }

// Traceback renders the full rule chain, root first, one frame per line.
func (f *Failure) Traceback() string {
	var sb strings.Builder
	sb.WriteString("engine traceback:\n")
	for i := len(f.Chain) - 1; i >= 0; i-- {
		sb.WriteString("  in ")
		sb.WriteString(f.Chain[i])
		sb.WriteByte('\n')
	}
	sb.WriteString(f.wrapped.Error())
	return sb.String()
}

// failAt wraps err as a *Failure observed in the named rule.
//
// Cancellation passes through untouched: it is session state, not an
// application failure. An existing *Failure gets the rule appended to its
// chain; anything else starts a new chain.
func failAt(rule string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	if f, ok := err.(*Failure); ok {
		if len(f.Chain) > 0 && f.Chain[len(f.Chain)-1] == rule {
			return f
		}
		return &Failure{Chain: append(append([]string(nil), f.Chain...), rule), wrapped: f.wrapped}
	}
	return &Failure{Chain: []string{rule}, wrapped: err}
}

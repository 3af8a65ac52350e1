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
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Rule is an immutable computation descriptor registered at startup.
//
// A Rule declares one output type and consumes its inputs two ways:
//   - positional parameters of the body function, satisfied from the Params
//     of the Node being evaluated;
//   - Get requests issued by the body while running, each of which must be
//     declared up front via WithGets so the rule graph compiler can validate
//     reachability before anything executes.
//
// Rules never change after registration.
type Rule struct {
	name          string
	output        reflect.Type
	params        []reflect.Type
	gets          []GetConstraint
	fn            reflect.Value
	sideEffecting bool
	perSession    bool
}

// GetConstraint declares one dependency request a rule body may issue:
// "the product of type Output, computed for a subject of type Subject".
type GetConstraint struct {
	Output  reflect.Type
	Subject reflect.Type
}

// GetDep builds the GetConstraint for Get[Out] with a Subject-typed subject.
func GetDep[Out, Subject any]() GetConstraint {
	return GetConstraint{Output: TypeOf[Out](), Subject: TypeOf[Subject]()}
}

// TypeOf returns the reflect.Type of T without needing a value of it.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// RuleOption customizes a Rule at construction time.
type RuleOption func(*Rule)

// WithGets declares the dependency requests the rule body may issue.
//
// A Get or MultiGet at runtime whose (output, subject) pair was not declared
// here fails immediately.
func WithGets(cs ...GetConstraint) RuleOption {
	return func(r *Rule) { r.gets = append(r.gets, cs...) }
}

// SideEffecting marks the rule as observably side-effecting.
//
// Side-effecting rules are never memoized, and at most one side-effecting
// Node is active engine-wide at any moment. Because of that exclusivity, a
// side-effecting rule must not request another side-effecting rule: direct
// requests are rejected at Get time, and a transitive request through a
// pure intermediary rule deadlocks and is the registrant's responsibility
// to avoid.
func SideEffecting() RuleOption {
	return func(r *Rule) { r.sideEffecting = true }
}

// PerSession marks the rule as memoizable only within a single Session.
//
// Its Nodes are recomputed by each new Session but at most once per Session.
func PerSession() RuleOption {
	return func(r *Rule) { r.perSession = true }
}

// NewRule registers a computation under the given name.
//
// fn must have the shape
//
//	func(ctx context.Context, p1 T1, ..., pN TN) (Out, error)
//
// The output type and the positional parameter types are derived from the
// signature. Parameter types must be distinct (Params hold one value per
// type).
func NewRule(name string, fn any, opts ...RuleOption) (*Rule, error) {
	if name == "" {
		return nil, errors.New("rule: empty name")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	switch {
	case t.Kind() != reflect.Func:
		return nil, errors.Fmt("rule %q: body is %s, not a function", name, t)
	case t.NumIn() < 1 || t.In(0) != ctxType:
		return nil, errors.Fmt("rule %q: first argument must be context.Context", name)
	case t.NumOut() != 2 || t.Out(1) != errType:
		return nil, errors.Fmt("rule %q: body must return (value, error)", name)
	case t.IsVariadic():
		return nil, errors.Fmt("rule %q: body must not be variadic", name)
	}
	r := &Rule{
		name:   name,
		output: t.Out(0),
		fn:     v,
	}
	seen := make(map[string]struct{}, t.NumIn()-1)
	for i := 1; i < t.NumIn(); i++ {
		pt := t.In(i)
		n := typeName(pt)
		if _, dup := seen[n]; dup {
			return nil, errors.Fmt("rule %q: duplicate parameter type %s", name, n)
		}
		seen[n] = struct{}{}
		r.params = append(r.params, pt)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sideEffecting && r.perSession {
		return nil, errors.Fmt("rule %q: SideEffecting rules are already unmemoized; PerSession is redundant", name)
	}
	return r, nil
}

// MustRule is NewRule that panics on error. For startup registration.
func MustRule(name string, fn any, opts ...RuleOption) *Rule {
	r, err := NewRule(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Name returns the rule's registered name.
func (r *Rule) Name() string { return r.name }

// Output returns the rule's declared product type.
func (r *Rule) Output() reflect.Type { return r.output }

// ParamTypes returns the positional parameter types of the rule body.
func (r *Rule) ParamTypes() []reflect.Type { return r.params }

// Gets returns the declared dependency requests.
func (r *Rule) Gets() []GetConstraint { return r.gets }

func (r *Rule) declares(out, subject reflect.Type) bool {
	for _, c := range r.gets {
		if c.Output == out && c.Subject == subject {
			return true
		}
	}
	return false
}

// call invokes the rule body with values resolved from params.
func (r *Rule) call(ctx context.Context, params Params) (any, error) {
	args := make([]reflect.Value, 0, len(r.params)+1)
	args = append(args, reflect.ValueOf(ctx))
	for _, pt := range r.params {
		v, ok := params.Get(pt)
		if !ok {
			return nil, errors.Fmt("rule %q: no value of type %s in params", r.name, typeName(pt))
		}
		args = append(args, reflect.ValueOf(v))
	}
	out := r.fn.Call(args)
	if !out[1].IsNil() {
		return nil, out[1].Interface().(error)
	}
	return out[0].Interface(), nil
}

// Query declares an entry point: a product type the embedder will request
// from the scheduler, together with the param types it will supply.
//
// Every Query must be registered before Compile so reachability is verified
// up front.
type Query struct {
	Output reflect.Type
	Params []reflect.Type
}

// NewQuery builds a Query for product type Out with the given param types.
func NewQuery[Out any](paramTypes ...reflect.Type) Query {
	return Query{Output: TypeOf[Out](), Params: paramTypes}
}

// Union registers the implementers of a capability type.
//
// Base is an interface type; Members are the concrete types plugins have
// registered as implementing it. A declared Get whose subject type is Base
// accepts any Member value at runtime, resolved through the static table
// built at Compile time.
type Union struct {
	Base    reflect.Type
	Members []reflect.Type
}

// NewUnion builds a Union for interface type Base.
func NewUnion[Base any](members ...reflect.Type) Union {
	return Union{Base: TypeOf[Base](), Members: members}
}

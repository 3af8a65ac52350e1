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
	"reflect"
	"sort"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// RuleSet accumulates rule, query and union registrations before Compile.
type RuleSet struct {
	rules   []*Rule
	queries []Query
	unions  []Union
}

// NewRuleSet returns an empty RuleSet.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Register adds rules to the set.
func (rs *RuleSet) Register(rules ...*Rule) *RuleSet {
	rs.rules = append(rs.rules, rules...)
	return rs
}

// RegisterQuery adds entry-point queries to the set.
func (rs *RuleSet) RegisterQuery(qs ...Query) *RuleSet {
	rs.queries = append(rs.queries, qs...)
	return rs
}

// RegisterUnion adds capability registrations to the set.
func (rs *RuleSet) RegisterUnion(us ...Union) *RuleSet {
	rs.unions = append(rs.unions, us...)
	return rs
}

// RuleGraph is the compiled, immutable mapping from (desired product type,
// available param types) to the rule that computes it.
//
// It is built once at startup by Compile and consulted, never mutated, by
// the scheduler.
type RuleGraph struct {
	byOutput map[reflect.Type][]*Rule
	unions   map[reflect.Type][]reflect.Type
}

// typeset is an immutable set of param types keyed by unique type name.
type typeset map[string]reflect.Type

func newTypeset(types []reflect.Type) typeset {
	s := make(typeset, len(types))
	for _, t := range types {
		s[typeName(t)] = t
	}
	return s
}

func (s typeset) with(t reflect.Type) typeset {
	out := make(typeset, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[typeName(t)] = t
	return out
}

func (s typeset) render() string {
	if len(s) == 0 {
		return "()"
	}
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return "(" + strings.Join(names, ", ") + ")"
}

// Compile validates the rule set and builds the lookup table.
//
// Every registered Query and, transitively, every declared Get of every
// reachable rule is checked: the requested product type must be computable
// from the available param types by exactly one most-specific rule. All
// problems are gathered into a single batched error so that nothing fails
// at runtime mid-build.
func Compile(rs *RuleSet) (*RuleGraph, error) {
	g := &RuleGraph{
		byOutput: make(map[reflect.Type][]*Rule, len(rs.rules)),
		unions:   make(map[reflect.Type][]reflect.Type, len(rs.unions)),
	}

	var merr errors.MultiError
	names := stringset.New(len(rs.rules))
	for _, r := range rs.rules {
		if !names.Add(r.name) {
			merr = append(merr, errors.Fmt("duplicate rule name %q", r.name))
			continue
		}
		g.byOutput[r.output] = append(g.byOutput[r.output], r)
	}
	for _, u := range rs.unions {
		if u.Base.Kind() != reflect.Interface {
			merr = append(merr, errors.Fmt("union base %s is not an interface type", typeName(u.Base)))
			continue
		}
		for _, m := range u.Members {
			if !m.Implements(u.Base) {
				merr = append(merr, errors.Fmt("union member %s does not implement %s", typeName(m), typeName(u.Base)))
				continue
			}
			g.unions[u.Base] = append(g.unions[u.Base], m)
		}
	}

	if len(rs.queries) == 0 {
		merr = append(merr, errors.New("no queries registered: the engine would be unreachable"))
	}

	// Walk every query and every transitively reachable (output, params)
	// combination once.
	visited := stringset.New(16)
	for _, q := range rs.queries {
		g.validate(q.Output, newTypeset(q.Params), visited, &merr)
	}

	if len(merr) > 0 {
		return nil, merr.AsError()
	}
	return g, nil
}

// Lookup resolves the rule that computes output from the given params.
//
// A rule is a candidate if every positional parameter type it declares is
// either present in the params or itself computable from them by another
// rule, recursively (rules act as providers for each other's parameters).
// Among candidates the one consuming the most params directly wins
// (most-specific); a tie is an ambiguity error, reported at Compile time
// for every declared combination.
func (g *RuleGraph) Lookup(output reflect.Type, available []reflect.Type) (*Rule, error) {
	return g.lookup(output, newTypeset(available))
}

func (g *RuleGraph) lookup(output reflect.Type, avail typeset) (*Rule, error) {
	return g.lookupRec(output, avail, stringset.New(4))
}

// lookupRec is lookup with the set of output types currently being
// resolved, guarding against provider cycles.
func (g *RuleGraph) lookupRec(output reflect.Type, avail typeset, path stringset.Set) (*Rule, error) {
	outName := typeName(output)
	if !path.Add(outName) {
		return nil, errors.Fmt("rule cycle while computing %s from %s", outName, avail.render())
	}
	defer path.Del(outName)

	var best []*Rule
	bestN := -1
	for _, r := range g.byOutput[output] {
		direct, ok := 0, true
		for _, pt := range r.params {
			if _, found := avail[typeName(pt)]; found {
				direct++
				continue
			}
			// Not in the params; usable only if another rule provides it.
			if _, err := g.lookupRec(pt, avail, path); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		switch {
		case direct > bestN:
			best, bestN = []*Rule{r}, direct
		case direct == bestN:
			best = append(best, r)
		}
	}
	switch len(best) {
	case 0:
		return nil, errors.Fmt("no rule computes %s from %s", typeName(output), avail.render())
	case 1:
		return best[0], nil
	default:
		names := make([]string, len(best))
		for i, r := range best {
			names[i] = r.name
		}
		sort.Strings(names)
		return nil, errors.Fmt("ambiguous: rules %s all compute %s from %s",
			strings.Join(names, ", "), typeName(output), avail.render())
	}
}

// Members returns the registered implementers of a union base type, or nil
// if the type is not a registered union.
func (g *RuleGraph) Members(base reflect.Type) []reflect.Type {
	return g.unions[base]
}

// validate resolves (output, avail) and recurses into the chosen rule's
// declared Gets, accumulating every problem found into merr.
func (g *RuleGraph) validate(output reflect.Type, avail typeset, visited stringset.Set, merr *errors.MultiError) {
	if !visited.Add(typeName(output) + " <- " + avail.render()) {
		return
	}
	r, err := g.lookup(output, avail)
	if err != nil {
		*merr = append(*merr, err)
		return
	}
	// Provided parameters are dependencies of their own: the provider rule
	// (and its Gets) must be fully satisfiable too.
	for _, pt := range r.params {
		if _, found := avail[typeName(pt)]; !found {
			g.validate(pt, avail, visited, merr)
		}
	}
	for _, c := range r.gets {
		subjects := []reflect.Type{c.Subject}
		if members := g.unions[c.Subject]; members != nil {
			subjects = members
		}
		for _, subj := range subjects {
			g.validate(c.Output, avail.with(subj), visited, merr)
		}
	}
}

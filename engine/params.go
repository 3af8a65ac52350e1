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
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// Keyed is implemented by param values whose Go representation is not a
// stable identity on its own (e.g. values containing slices or maps).
//
// ParamKey must return a string that is equal for equal values and distinct
// for distinct values. It becomes part of the memoization key of every Node
// the value participates in.
type Keyed interface {
	ParamKey() string
}

// Params is an immutable, type-keyed collection of context values.
//
// It holds at most one value per distinct Go type. Two Params are equal iff
// they hold the same type->value pairs; this equality (via Fingerprint) is
// the basis of Node memoization.
//
// The zero Params is valid and empty.
type Params struct {
	entries []paramEntry // sorted by type name
	fp      string
}

type paramEntry struct {
	name string // full type name, unique per type
	typ  reflect.Type
	val  any
}

// NewParams builds a Params from the given values.
//
// Returns an error if two values share the same dynamic type, if a value
// is nil, or if a value is neither a pure value type nor Keyed (its
// fingerprint would not be a stable identity).
func NewParams(values ...any) (Params, error) {
	entries := make([]paramEntry, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == nil {
			return Params{}, errors.New("params: nil value")
		}
		t := reflect.TypeOf(v)
		name := typeName(t)
		if _, keyed := v.(Keyed); !keyed && !fingerprintable(t) {
			return Params{}, errors.Fmt("params: %s has no stable value identity; implement Keyed", name)
		}
		if _, dup := seen[name]; dup {
			return Params{}, errors.Fmt("params: duplicate value for type %s", name)
		}
		seen[name] = struct{}{}
		entries = append(entries, paramEntry{name: name, typ: t, val: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return Params{entries: entries, fp: fingerprintEntries(entries)}, nil
}

// MustParams is NewParams that panics on error. For startup wiring and tests.
func MustParams(values ...any) Params {
	p, err := NewParams(values...)
	if err != nil {
		panic(err)
	}
	return p
}

// With returns a new Params with the given values added, replacing any
// existing values of the same types. The receiver is unchanged.
func (p Params) With(values ...any) (Params, error) {
	replaced := make(map[string]any, len(values))
	extra := make([]any, 0, len(values))
	for _, v := range values {
		if v == nil {
			return Params{}, errors.New("params: nil value")
		}
		name := typeName(reflect.TypeOf(v))
		if _, dup := replaced[name]; dup {
			return Params{}, errors.Fmt("params: duplicate value for type %s", name)
		}
		replaced[name] = v
		extra = append(extra, v)
	}
	merged := make([]any, 0, len(p.entries)+len(extra))
	for _, e := range p.entries {
		if _, over := replaced[e.name]; !over {
			merged = append(merged, e.val)
		}
	}
	merged = append(merged, extra...)
	return NewParams(merged...)
}

// Get returns the value of the given type, if present.
func (p Params) Get(t reflect.Type) (any, bool) {
	name := typeName(t)
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].name >= name })
	if i < len(p.entries) && p.entries[i].name == name {
		return p.entries[i].val, true
	}
	return nil, false
}

// Types returns the set of types present, sorted by name.
func (p Params) Types() []reflect.Type {
	out := make([]reflect.Type, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.typ
	}
	return out
}

// Len returns the number of values held.
func (p Params) Len() int { return len(p.entries) }

// Fingerprint returns a stable identity string for the collection.
func (p Params) Fingerprint() string { return p.fp }

func (p Params) String() string {
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.name
	}
	return "Params(" + strings.Join(names, ", ") + ")"
}

func fingerprintEntries(entries []paramEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.name)
		sb.WriteByte(0)
		sb.WriteString(valueKey(e.val))
		sb.WriteByte(1)
	}
	return sb.String()
}

// valueKey derives the identity of a single param value.
//
// NewParams rejects values that are neither Keyed nor fingerprintable, so
// the %#v rendering here only ever sees pure value shapes.
func valueKey(v any) string {
	if k, ok := v.(Keyed); ok {
		return k.ParamKey()
	}
	return fmt.Sprintf("%#v", v)
}

// fingerprintable reports whether %#v of a value of type t is a stable
// identity: pure value shapes only. Pointers render as addresses, maps are
// unordered, and slices, channels and funcs have no value rendering at
// all; values containing any of those must implement Keyed instead.
func fingerprintable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return fingerprintable(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !fingerprintable(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// typeName returns a globally unique name for a type.
func typeName(t reflect.Type) string {
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

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
	"strings"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

type fullName struct{ Name string }

type firstName struct{ Name string }

type keyedSubject struct{ Parts []string }

func (k keyedSubject) ParamKey() string { return strings.Join(k.Parts, "\x00") }

type ptrSubject struct{ Name *string }

type keyedPtrSubject struct{ Name *string }

func (k keyedPtrSubject) ParamKey() string { return *k.Name }

func TestParams(t *testing.T) {
	t.Parallel()

	ftt.Run("equality is order independent", t, func(t *ftt.Test) {
		a := MustParams(fullName{"Ada"}, 42)
		b := MustParams(42, fullName{"Ada"})
		assert.Loosely(t, a.Fingerprint(), should.Equal(b.Fingerprint()))
	})

	ftt.Run("distinct values differ", t, func(t *ftt.Test) {
		a := MustParams(fullName{"Ada"})
		b := MustParams(fullName{"Grace"})
		assert.Loosely(t, a.Fingerprint(), should.NotEqual(b.Fingerprint()))
	})

	ftt.Run("duplicate types rejected", t, func(t *ftt.Test) {
		_, err := NewParams(fullName{"Ada"}, fullName{"Grace"})
		assert.Loosely(t, err, should.ErrLike("duplicate value for type"))
	})

	ftt.Run("nil rejected", t, func(t *ftt.Test) {
		_, err := NewParams(nil)
		assert.Loosely(t, err, should.ErrLike("nil value"))
	})

	ftt.Run("With replaces same type and keeps the rest", t, func(t *ftt.Test) {
		a := MustParams(fullName{"Ada"}, 42)
		b, err := a.With(fullName{"Grace"})
		assert.Loosely(t, err, should.BeNil)

		v, ok := b.Get(TypeOf[fullName]())
		assert.Loosely(t, ok, should.BeTrue)
		assert.Loosely(t, v, should.Equal(fullName{"Grace"}))

		v, ok = b.Get(TypeOf[int]())
		assert.Loosely(t, ok, should.BeTrue)
		assert.Loosely(t, v, should.Equal(42))

		// Receiver unchanged.
		v, _ = a.Get(TypeOf[fullName]())
		assert.Loosely(t, v, should.Equal(fullName{"Ada"}))
	})

	ftt.Run("values without a stable identity are rejected", t, func(t *ftt.Test) {
		// A pointer field would fingerprint as an address: two equal param
		// values would key different Nodes. Only Keyed can carry one.
		name := "Ada"
		_, err := NewParams(ptrSubject{Name: &name})
		assert.Loosely(t, err, should.ErrLike("no stable value identity"))
		assert.Loosely(t, err, should.ErrLike("implement Keyed"))

		_, err = NewParams(fullName{"Ada"}, []string{"a"})
		assert.Loosely(t, err, should.ErrLike("no stable value identity"))

		a := MustParams(keyedPtrSubject{Name: &name})
		other := "Ada"
		b := MustParams(keyedPtrSubject{Name: &other})
		assert.Loosely(t, a.Fingerprint(), should.Equal(b.Fingerprint()))
	})

	ftt.Run("Keyed values use ParamKey", t, func(t *ftt.Test) {
		a := MustParams(keyedSubject{Parts: []string{"a", "b"}})
		b := MustParams(keyedSubject{Parts: []string{"a", "b"}})
		c := MustParams(keyedSubject{Parts: []string{"a", "c"}})
		assert.Loosely(t, a.Fingerprint(), should.Equal(b.Fingerprint()))
		assert.Loosely(t, a.Fingerprint(), should.NotEqual(c.Fingerprint()))
	})

	ftt.Run("Types are sorted by name", t, func(t *ftt.Test) {
		p := MustParams(fullName{"Ada"}, firstName{"Ada"})
		types := p.Types()
		assert.Loosely(t, types, should.HaveLength(2))
		assert.Loosely(t, typeName(types[0]) < typeName(types[1]), should.BeTrue)
	})

	ftt.Run("zero Params is empty", t, func(t *ftt.Test) {
		var p Params
		assert.Loosely(t, p.Len(), should.BeZero)
		assert.Loosely(t, p.Fingerprint(), should.BeEmpty)
	})
}

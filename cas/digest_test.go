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
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestDigest(t *testing.T) {
	t.Parallel()

	ftt.Run("equal bytes, equal digest", t, func(t *ftt.Test) {
		a := NewDigest([]byte("hello"))
		b := NewDigest([]byte("hello"))
		c := NewDigest([]byte("world"))
		assert.Loosely(t, a, should.Equal(b))
		assert.Loosely(t, a, should.NotEqual(c))
		assert.Loosely(t, a.SizeBytes, should.Equal(int64(5)))
	})

	ftt.Run("empty is not zero", t, func(t *ftt.Test) {
		assert.Loosely(t, Empty.IsZero(), should.BeFalse)
		assert.Loosely(t, Empty.SizeBytes, should.BeZero)
		var zero Digest
		assert.Loosely(t, zero.IsZero(), should.BeTrue)
	})

	ftt.Run("proto round trip", t, func(t *ftt.Test) {
		d := NewDigest([]byte("hello"))
		got, err := DigestFromProto(d.ToProto())
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, got, should.Equal(d))
	})

	ftt.Run("malformed protos rejected", t, func(t *ftt.Test) {
		_, err := DigestFromProto(nil)
		assert.Loosely(t, err, should.ErrLike("malformed digest"))
		_, err = DigestFromProto(&repb.Digest{Hash: "abc", SizeBytes: 3})
		assert.Loosely(t, err, should.ErrLike("malformed digest"))
	})
}

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

package execution

import (
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/foundry/cas"
)

func TestProcessDigest(t *testing.T) {
	t.Parallel()

	base := Process{
		Argv:        []string{"echo", "hello"},
		Env:         map[string]string{"A": "1", "B": "2"},
		InputDigest: cas.Empty,
		OutputFiles: []string{"out.txt"},
		Description: "say hello",
	}

	ftt.Run("digest is deterministic", t, func(t *ftt.Test) {
		d1, err := base.Digest()
		assert.Loosely(t, err, should.BeNil)
		d2, err := base.Digest()
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, d1, should.Equal(d2))
	})

	ftt.Run("env order does not matter", t, func(t *ftt.Test) {
		other := base
		other.Env = map[string]string{"B": "2", "A": "1"}
		d1, err := base.Digest()
		assert.Loosely(t, err, should.BeNil)
		d2, err := other.Digest()
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, d1, should.Equal(d2))
	})

	ftt.Run("every identity field affects the digest", t, func(t *ftt.Test) {
		d0, err := base.Digest()
		assert.Loosely(t, err, should.BeNil)

		mutants := []Process{base, base, base, base}
		mutants[0].Argv = []string{"echo", "goodbye"}
		mutants[1].Env = map[string]string{"A": "1", "B": "changed"}
		mutants[2].InputDigest = cas.NewDigest([]byte("other tree"))
		mutants[3].OutputFiles = []string{"different.txt"}
		for _, m := range mutants {
			d, err := m.Digest()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, d, should.NotEqual(d0))
		}
	})

	ftt.Run("description does not affect the digest", t, func(t *ftt.Test) {
		other := base
		other.Description = "different label"
		d1, err := base.Digest()
		assert.Loosely(t, err, should.BeNil)
		d2, err := other.Digest()
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, d1, should.Equal(d2))
	})

	ftt.Run("Command sorts env vars", t, func(t *ftt.Test) {
		cmd := base.Command()
		assert.Loosely(t, cmd.EnvironmentVariables, should.HaveLength(2))
		assert.Loosely(t, cmd.EnvironmentVariables[0].Name, should.Equal("A"))
		assert.Loosely(t, cmd.EnvironmentVariables[1].Name, should.Equal("B"))
	})

	ftt.Run("ParamKey equals the action digest", t, func(t *ftt.Test) {
		d, err := base.Digest()
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, base.ParamKey(), should.Equal(d.String()))
	})
}

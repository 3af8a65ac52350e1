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
	"context"
	"runtime"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/foundry/cas"
)

func newTestRunner(t testing.TB) (*LocalRunner, *cas.Store) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests use /bin/sh")
	}
	store, err := cas.NewStore(context.Background(), t.TempDir(), cas.Policy{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &LocalRunner{Store: store, SandboxRoot: t.TempDir()}, store
}

func sh(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestLocalRunner(t *testing.T) {
	t.Parallel()

	ftt.Run("captures stdout, stderr and exit code", t, func(t *ftt.Test) {
		ctx := context.Background()
		runner, store := newTestRunner(t)

		res, err := runner.Run(ctx, Process{
			Argv:        sh("echo out; echo err >&2; exit 3"),
			Description: "mixed output",
		})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, res.ExitCode, should.Equal(int32(3)))

		stdout, err := store.Bytes(ctx, res.StdoutDigest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, stdout, should.Match([]byte("out\n")))
		stderr, err := store.Bytes(ctx, res.StderrDigest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, stderr, should.Match([]byte("err\n")))
	})

	ftt.Run("materializes inputs and captures outputs", t, func(t *ftt.Test) {
		ctx := context.Background()
		runner, store := newTestRunner(t)

		in, err := store.Put(ctx, []byte("hello input"))
		assert.Loosely(t, err, should.BeNil)
		tree, err := store.PutFileSet(ctx, map[string]cas.FileEntry{
			"in.txt": {Digest: in},
		})
		assert.Loosely(t, err, should.BeNil)

		res, err := runner.Run(ctx, Process{
			Argv:        sh("tr a-z A-Z <in.txt >out.txt"),
			InputDigest: tree,
			OutputFiles: []string{"out.txt"},
			Description: "upcase",
		})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, res.ExitCode, should.BeZero)

		contents, err := store.Contents(ctx, res.OutputDigest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, contents.Files, should.HaveLength(1))
		assert.Loosely(t, contents.Files[0].Path, should.Equal("out.txt"))
		assert.Loosely(t, contents.Files[0].Content, should.Match([]byte("HELLO INPUT")))
	})

	ftt.Run("undeclared outputs do not leak", t, func(t *ftt.Test) {
		ctx := context.Background()
		runner, store := newTestRunner(t)

		res, err := runner.Run(ctx, Process{
			Argv:        sh("echo wanted >a.txt; echo stray >b.txt"),
			OutputFiles: []string{"a.txt"},
			Description: "stray output",
		})
		assert.Loosely(t, err, should.BeNil)

		contents, err := store.Contents(ctx, res.OutputDigest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, contents.Files, should.HaveLength(1))
		assert.Loosely(t, contents.Files[0].Path, should.Equal("a.txt"))
	})

	ftt.Run("timeout kills the process", t, func(t *ftt.Test) {
		ctx := context.Background()
		runner, _ := newTestRunner(t)

		_, err := runner.Run(ctx, Process{
			Argv:        sh("sleep 30"),
			Timeout:     50 * time.Millisecond,
			Description: "sleeper",
		})
		assert.Loosely(t, err, should.ErrLike("timed out after"))
	})

	ftt.Run("platform mismatch is rejected", t, func(t *ftt.Test) {
		ctx := context.Background()
		runner, _ := newTestRunner(t)

		_, err := runner.Run(ctx, Process{
			Argv:        sh("true"),
			Platform:    "plan9",
			Description: "wrong os",
		})
		assert.Loosely(t, err, should.ErrLike("requires platform"))
	})

	ftt.Run("empty argv is rejected", t, func(t *ftt.Test) {
		ctx := context.Background()
		runner, _ := newTestRunner(t)
		_, err := runner.Run(ctx, Process{Description: "nothing"})
		assert.Loosely(t, err, should.ErrLike("empty argv"))
	})
}

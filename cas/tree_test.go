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
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

// writeFiles populates dir with the given relative path -> content pairs.
func writeFiles(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCaptureGlobs(t *testing.T) {
	t.Parallel()

	ftt.Run("captures matching files only", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"main.go":     "package main",
			"lib/util.go": "package lib",
			"README.md":   "readme",
		})

		snap, err := s.CaptureGlobs(ctx, root, []string{"**/*.go", "*.go"})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, snap.Files, should.Match([]string{"lib/util.go", "main.go"}))
	})

	ftt.Run("equal content gives equal digests regardless of location", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		rootA := t.TempDir()
		writeFiles(t, rootA, map[string]string{"a.txt": "same", "b.txt": "same"})
		rootB := t.TempDir()
		writeFiles(t, rootB, map[string]string{"a.txt": "same", "b.txt": "same"})

		snapA, err := s.CaptureGlobs(ctx, rootA, []string{"*.txt"})
		assert.Loosely(t, err, should.BeNil)
		snapB, err := s.CaptureGlobs(ctx, rootB, []string{"*.txt"})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, snapA.Digest, should.Equal(snapB.Digest))
	})

	ftt.Run("no matches is the empty tree", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"a.txt": "hi"})

		snap, err := s.CaptureGlobs(ctx, root, []string{"*.nope"})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, snap.Files, should.BeEmpty)
	})
}

func TestContainsTree(t *testing.T) {
	t.Parallel()

	ftt.Run("holds only while every nested blob is present", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"sub/f.txt": "payload"})

		snap, err := s.CaptureGlobs(ctx, root, []string{"**"})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.ContainsTree(ctx, snap.Digest), should.BeTrue)

		dir, err := s.Tree(ctx, snap.Digest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, dir.GetDirectories(), should.HaveLength(1))
		subDigest, err := DigestFromProto(dir.GetDirectories()[0].GetDigest())
		assert.Loosely(t, err, should.BeNil)

		// Evict the file blob but keep both directory protos.
		s.Pin(snap.Digest, subDigest)
		s.Trim(ctx, 1)
		assert.Loosely(t, s.Contains(snap.Digest), should.BeTrue)
		assert.Loosely(t, s.ContainsTree(ctx, snap.Digest), should.BeFalse)
	})
}

func TestMerge(t *testing.T) {
	t.Parallel()

	ftt.Run("merge is commutative over disjoint paths", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		rootA := t.TempDir()
		writeFiles(t, rootA, map[string]string{"a/one.txt": "1"})
		rootB := t.TempDir()
		writeFiles(t, rootB, map[string]string{"b/two.txt": "2"})

		snapA, err := s.CaptureGlobs(ctx, rootA, []string{"**/*"})
		assert.Loosely(t, err, should.BeNil)
		snapB, err := s.CaptureGlobs(ctx, rootB, []string{"**/*"})
		assert.Loosely(t, err, should.BeNil)

		ab, err := s.Merge(ctx, snapA.Digest, snapB.Digest)
		assert.Loosely(t, err, should.BeNil)
		ba, err := s.Merge(ctx, snapB.Digest, snapA.Digest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, ab, should.Equal(ba))

		contents, err := s.Contents(ctx, ab)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, contents.Files, should.HaveLength(2))
		assert.Loosely(t, contents.Files[0].Path, should.Equal("a/one.txt"))
		assert.Loosely(t, contents.Files[1].Path, should.Equal("b/two.txt"))
	})

	ftt.Run("identical duplicate paths deduplicate", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		root := t.TempDir()
		writeFiles(t, root, map[string]string{"shared.txt": "same"})
		snap, err := s.CaptureGlobs(ctx, root, []string{"*"})
		assert.Loosely(t, err, should.BeNil)

		merged, err := s.Merge(ctx, snap.Digest, snap.Digest)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, merged, should.Equal(snap.Digest))
	})

	ftt.Run("conflicting content is an error", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		rootA := t.TempDir()
		writeFiles(t, rootA, map[string]string{"shared.txt": "from A"})
		rootB := t.TempDir()
		writeFiles(t, rootB, map[string]string{"shared.txt": "from B"})

		snapA, err := s.CaptureGlobs(ctx, rootA, []string{"*"})
		assert.Loosely(t, err, should.BeNil)
		snapB, err := s.CaptureGlobs(ctx, rootB, []string{"*"})
		assert.Loosely(t, err, should.BeNil)

		_, err = s.Merge(ctx, snapA.Digest, snapB.Digest)
		assert.Loosely(t, err, should.ErrLike(`merge conflict at "shared.txt"`))
	})
}

func TestFilter(t *testing.T) {
	t.Parallel()

	ftt.Run("keeps the matching subset", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"src/a.go":  "a",
			"src/b.go":  "b",
			"doc/c.md":  "c",
			"README.md": "readme",
		})

		snap, err := s.CaptureGlobs(ctx, root, []string{"**/*", "*"})
		assert.Loosely(t, err, should.BeNil)

		sub, err := s.Filter(ctx, snap.Digest, []string{"src/**"})
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, sub.Files, should.Match([]string{"src/a.go", "src/b.go"}))
	})
}

func TestMaterialize(t *testing.T) {
	t.Parallel()

	ftt.Run("round trips content and layout", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"main.go":     "package main",
			"lib/util.go": "package lib",
		})

		snap, err := s.CaptureGlobs(ctx, root, []string{"**/*", "*"})
		assert.Loosely(t, err, should.BeNil)

		out := t.TempDir()
		assert.Loosely(t, s.Materialize(ctx, snap.Digest, out), should.BeNil)

		blob, err := os.ReadFile(filepath.Join(out, "main.go"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, blob, should.Match([]byte("package main")))
		blob, err = os.ReadFile(filepath.Join(out, "lib", "util.go"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, blob, should.Match([]byte("package lib")))
	})

	ftt.Run("executable bit is preserved", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		root := t.TempDir()
		script := filepath.Join(root, "run.sh")
		assert.Loosely(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755), should.BeNil)

		snap, err := s.CaptureGlobs(ctx, root, []string{"*"})
		assert.Loosely(t, err, should.BeNil)

		out := t.TempDir()
		assert.Loosely(t, s.Materialize(ctx, snap.Digest, out), should.BeNil)
		info, err := os.Stat(filepath.Join(out, "run.sh"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, info.Mode()&0o111, should.NotBeZero)
	})
}

func TestCaptureOutputs(t *testing.T) {
	t.Parallel()

	ftt.Run("captures declared files and directories", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})
		sandbox := t.TempDir()
		writeFiles(t, sandbox, map[string]string{
			"out.txt":        "result",
			"gen/a.h":        "a",
			"gen/sub/b.h":    "b",
			"scratch/temp":   "ignore",
			"other/unwanted": "ignore",
		})

		d, err := s.CaptureOutputs(ctx, sandbox, []string{"out.txt", "missing.txt"}, []string{"gen", "absent"})
		assert.Loosely(t, err, should.BeNil)

		contents, err := s.Contents(ctx, d)
		assert.Loosely(t, err, should.BeNil)
		var paths []string
		for _, f := range contents.Files {
			paths = append(paths, f.Path)
		}
		assert.Loosely(t, paths, should.Match([]string{"gen/a.h", "gen/sub/b.h", "out.txt"}))
	})
}

func TestPutFileSet(t *testing.T) {
	t.Parallel()

	ftt.Run("assembles a tree from stored blobs", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		d1, err := s.Put(ctx, []byte("one"))
		assert.Loosely(t, err, should.BeNil)
		d2, err := s.Put(ctx, []byte("two"))
		assert.Loosely(t, err, should.BeNil)

		tree, err := s.PutFileSet(ctx, map[string]FileEntry{
			"a/one.txt": {Digest: d1},
			"two.txt":   {Digest: d2, Executable: true},
		})
		assert.Loosely(t, err, should.BeNil)

		contents, err := s.Contents(ctx, tree)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, contents.Files, should.HaveLength(2))
		assert.Loosely(t, contents.Files[0].Content, should.Match([]byte("one")))
		assert.Loosely(t, contents.Files[1].Executable, should.BeTrue)
	})
}

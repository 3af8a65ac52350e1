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
	"path"
	"path/filepath"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bmatcuk/doublestar"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/system/filesystem"
)

// Directory trees are stored as canonical REAPI Directory protos: entries
// sorted by name, deterministic marshaling, children referenced by digest.
// Equal trees therefore get equal digests wherever they appear, which is
// what makes merging and deduplication safe.

// fileRef is one file inside a tree under construction.
type fileRef struct {
	digest     Digest
	executable bool
}

// PutTree canonicalizes and stores a Directory proto, returning its digest.
func (s *Store) PutTree(ctx context.Context, dir *repb.Directory) (Digest, error) {
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	blob, err := proto.MarshalOptions{Deterministic: true}.Marshal(dir)
	if err != nil {
		return Digest{}, errors.Fmt("cas: marshaling tree: %w", err)
	}
	return s.Put(ctx, blob)
}

// Tree fetches and decodes the Directory proto for a tree digest.
func (s *Store) Tree(ctx context.Context, d Digest) (*repb.Directory, error) {
	blob, err := s.Bytes(ctx, d)
	if err != nil {
		return nil, err
	}
	dir := &repb.Directory{}
	if err := proto.Unmarshal(blob, dir); err != nil {
		return nil, errors.Fmt("cas: %s is not a tree: %w", d, err)
	}
	return dir, nil
}

// ContainsTree reports whether the whole tree rooted at d is present: the
// root Directory proto, every subdirectory proto, and every file blob any
// of them reference. Contains alone is not enough for a tree digest, since
// eviction drops inner blobs independently of the root.
func (s *Store) ContainsTree(ctx context.Context, d Digest) bool {
	if !s.Contains(d) {
		return false
	}
	dir, err := s.Tree(ctx, d)
	if err != nil {
		return false
	}
	for _, f := range dir.GetFiles() {
		fd, err := DigestFromProto(f.GetDigest())
		if err != nil || !s.Contains(fd) {
			return false
		}
	}
	for _, sub := range dir.GetDirectories() {
		sd, err := DigestFromProto(sub.GetDigest())
		if err != nil || !s.ContainsTree(ctx, sd) {
			return false
		}
	}
	return true
}

// putFileTree builds and stores the nested Directory protos for a flat
// path->file mapping.
func (s *Store) putFileTree(ctx context.Context, files map[string]fileRef) (Digest, error) {
	dir := &repb.Directory{}
	children := map[string]map[string]fileRef{}
	for p, ref := range files {
		head, rest, nested := strings.Cut(p, "/")
		if !nested {
			dir.Files = append(dir.Files, &repb.FileNode{
				Name:         head,
				Digest:       ref.digest.ToProto(),
				IsExecutable: ref.executable,
			})
			continue
		}
		child := children[head]
		if child == nil {
			child = map[string]fileRef{}
			children[head] = child
		}
		child[rest] = ref
	}
	for name, child := range children {
		cd, err := s.putFileTree(ctx, child)
		if err != nil {
			return Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{
			Name:   name,
			Digest: cd.ToProto(),
		})
	}
	return s.PutTree(ctx, dir)
}

// walkTree visits every file in a tree in sorted path order.
func (s *Store) walkTree(ctx context.Context, d Digest, prefix string, fn func(path string, f *repb.FileNode) error) error {
	dir, err := s.Tree(ctx, d)
	if err != nil {
		return err
	}
	for _, f := range dir.Files {
		if err := fn(path.Join(prefix, f.Name), f); err != nil {
			return err
		}
	}
	for _, sub := range dir.Directories {
		cd, err := DigestFromProto(sub.Digest)
		if err != nil {
			return err
		}
		if err := s.walkTree(ctx, cd, path.Join(prefix, sub.Name), fn); err != nil {
			return err
		}
	}
	return nil
}

// treeFiles flattens a tree into a path->file mapping.
func (s *Store) treeFiles(ctx context.Context, d Digest) (map[string]fileRef, error) {
	out := map[string]fileRef{}
	err := s.walkTree(ctx, d, "", func(p string, f *repb.FileNode) error {
		fd, err := DigestFromProto(f.Digest)
		if err != nil {
			return err
		}
		out[p] = fileRef{digest: fd, executable: f.IsExecutable}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FileEntry describes one file when assembling a tree out of blobs that
// are already in the store.
type FileEntry struct {
	Digest     Digest
	Executable bool
}

// PutFileSet builds and stores the tree for a flat path->entry mapping.
// Paths are slash-separated and relative.
func (s *Store) PutFileSet(ctx context.Context, files map[string]FileEntry) (Digest, error) {
	refs := make(map[string]fileRef, len(files))
	for p, e := range files {
		refs[path.Clean(p)] = fileRef{digest: e.Digest, executable: e.Executable}
	}
	return s.putFileTree(ctx, refs)
}

// CaptureGlobs hashes the files under root matching the include patterns
// into the store and returns the resulting Snapshot. Patterns use
// doublestar syntax against slash-separated paths relative to root.
func (s *Store) CaptureGlobs(ctx context.Context, root string, includes []string) (Snapshot, error) {
	files := map[string]fileRef{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		matched := false
		for _, pat := range includes {
			ok, merr := doublestar.Match(pat, rel)
			if merr != nil {
				return errors.Fmt("cas: bad pattern %q: %w", pat, merr)
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}
		d, err := s.PutFile(ctx, p)
		if err != nil {
			return err
		}
		files[rel] = fileRef{digest: d, executable: info.Mode()&0o111 != 0}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshotFromFiles(ctx, files)
}

// CaptureOutputs captures the declared outputs of a finished process out of
// its sandbox: exact file paths plus everything under the declared output
// directories. Declared outputs that were not produced are skipped.
func (s *Store) CaptureOutputs(ctx context.Context, root string, outputFiles, outputDirs []string) (Digest, error) {
	files := map[string]fileRef{}
	addFile := func(rel, abs string, info os.FileInfo) error {
		d, err := s.PutFile(ctx, abs)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = fileRef{digest: d, executable: info.Mode()&0o111 != 0}
		return nil
	}
	for _, f := range outputFiles {
		abs := filepath.Join(root, f)
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := addFile(f, abs, info); err != nil {
			return Digest{}, err
		}
	}
	for _, dir := range outputDirs {
		base := filepath.Join(root, dir)
		err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			return addFile(rel, p, info)
		})
		if err != nil {
			return Digest{}, err
		}
	}
	return s.putFileTree(ctx, files)
}

// Merge combines directory trees into one.
//
// Merging is commutative over disjoint paths. The same path appearing with
// the same content digest deduplicates silently; with different digests it
// is an error.
func (s *Store) Merge(ctx context.Context, digests ...Digest) (Digest, error) {
	merged := map[string]fileRef{}
	for _, d := range digests {
		files, err := s.treeFiles(ctx, d)
		if err != nil {
			return Digest{}, err
		}
		for p, ref := range files {
			if prev, clash := merged[p]; clash && prev.digest != ref.digest {
				return Digest{}, errors.Fmt("cas: merge conflict at %q: %s vs %s", p, prev.digest, ref.digest)
			}
			merged[p] = ref
		}
	}
	return s.putFileTree(ctx, merged)
}

// Filter applies include patterns to an existing tree, producing a Snapshot
// of the matching subset.
func (s *Store) Filter(ctx context.Context, d Digest, includes []string) (Snapshot, error) {
	files, err := s.treeFiles(ctx, d)
	if err != nil {
		return Snapshot{}, err
	}
	kept := map[string]fileRef{}
	for p, ref := range files {
		for _, pat := range includes {
			ok, merr := doublestar.Match(pat, p)
			if merr != nil {
				return Snapshot{}, errors.Fmt("cas: bad pattern %q: %w", pat, merr)
			}
			if ok {
				kept[p] = ref
				break
			}
		}
	}
	return s.snapshotFromFiles(ctx, kept)
}

func (s *Store) snapshotFromFiles(ctx context.Context, files map[string]fileRef) (Snapshot, error) {
	d, err := s.putFileTree(ctx, files)
	if err != nil {
		return Snapshot{}, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return Snapshot{Digest: d, Files: paths}, nil
}

// Materialize writes the tree for d under dir, creating directories as
// needed. Every referenced blob is pinned for the duration so eviction
// cannot race the copy.
func (s *Store) Materialize(ctx context.Context, d Digest, dir string) error {
	files, err := s.treeFiles(ctx, d)
	if err != nil {
		return err
	}
	pinned := make([]Digest, 0, len(files)+1)
	pinned = append(pinned, d)
	for _, ref := range files {
		pinned = append(pinned, ref.digest)
	}
	s.Pin(pinned...)
	defer s.Unpin(pinned...)

	for p, ref := range files {
		abs := filepath.Join(dir, filepath.FromSlash(p))
		if err := filesystem.MakeDirs(filepath.Dir(abs)); err != nil {
			return errors.Fmt("cas: %w", err)
		}
		blob, err := s.Bytes(ctx, ref.digest)
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if ref.executable {
			mode = 0o755
		}
		if err := os.WriteFile(abs, blob, mode); err != nil {
			return errors.Fmt("cas: materializing %q: %w", p, err)
		}
	}
	return nil
}

// Contents expands a tree digest into the concrete bytes of every file it
// references, in path order.
func (s *Store) Contents(ctx context.Context, d Digest) (DigestContents, error) {
	files, err := s.treeFiles(ctx, d)
	if err != nil {
		return DigestContents{}, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := DigestContents{Files: make([]FileContent, 0, len(paths))}
	for _, p := range paths {
		ref := files[p]
		blob, err := s.Bytes(ctx, ref.digest)
		if err != nil {
			return DigestContents{}, err
		}
		out.Files = append(out.Files, FileContent{Path: p, Content: blob, Executable: ref.executable})
	}
	return out, nil
}

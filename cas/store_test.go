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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func newTestStore(t testing.TB, policy Policy) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), t.TempDir(), policy)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()

	ftt.Run("put and read back", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		d, err := s.Put(ctx, []byte("hello"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.Contains(d), should.BeTrue)

		blob, err := s.Bytes(ctx, d)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, blob, should.Match([]byte("hello")))

		_, err = s.Bytes(ctx, NewDigest([]byte("absent")))
		assert.Loosely(t, err, should.ErrLike("no blob"))
	})

	ftt.Run("putting the same bytes twice is stable", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		d1, err := s.Put(ctx, []byte("hello"))
		assert.Loosely(t, err, should.BeNil)
		d2, err := s.Put(ctx, []byte("hello"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, d1, should.Equal(d2))
		assert.Loosely(t, s.TotalSize(), should.Equal(int64(5)))
	})

	ftt.Run("LRU eviction", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{MaxSize: 30})

		var digests []Digest
		for i := range 3 {
			d, err := s.Put(ctx, []byte(fmt.Sprintf("blob-%d----", i))) // 10 bytes each
			assert.Loosely(t, err, should.BeNil)
			digests = append(digests, d)
		}
		assert.Loosely(t, s.TotalSize(), should.Equal(int64(30)))

		// Refresh blob 0 so blob 1 is the coldest, then overflow.
		_, err := s.Bytes(ctx, digests[0])
		assert.Loosely(t, err, should.BeNil)
		_, err = s.Put(ctx, []byte("blob-3----"))
		assert.Loosely(t, err, should.BeNil)

		assert.Loosely(t, s.TotalSize(), should.Equal(int64(30)))
		assert.Loosely(t, s.Contains(digests[0]), should.BeTrue)
		assert.Loosely(t, s.Contains(digests[1]), should.BeFalse)
		assert.Loosely(t, s.Contains(digests[2]), should.BeTrue)
	})

	ftt.Run("pinned blobs survive eviction", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{MaxSize: 20})

		cold, err := s.Put(ctx, []byte("cold------"))
		assert.Loosely(t, err, should.BeNil)
		s.Pin(cold)

		warm, err := s.Put(ctx, []byte("warm------"))
		assert.Loosely(t, err, should.BeNil)
		_, err = s.Put(ctx, []byte("new-------"))
		assert.Loosely(t, err, should.BeNil)

		// The pinned coldest entry is skipped; the next coldest goes.
		assert.Loosely(t, s.Contains(cold), should.BeTrue)
		assert.Loosely(t, s.Contains(warm), should.BeFalse)

		s.Unpin(cold)
		_, err = s.Put(ctx, []byte("newer-----"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.Contains(cold), should.BeFalse)
	})

	ftt.Run("journal survives reopen", t, func(t *ftt.Test) {
		ctx := context.Background()
		root := t.TempDir()

		s, err := NewStore(ctx, root, Policy{})
		assert.Loosely(t, err, should.BeNil)
		d, err := s.Put(ctx, []byte("hello"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.Close(), should.BeNil)

		s2, err := NewStore(ctx, root, Policy{})
		assert.Loosely(t, err, should.BeNil)
		defer s2.Close()
		assert.Loosely(t, s2.Contains(d), should.BeTrue)
		assert.Loosely(t, s2.TotalSize(), should.Equal(int64(5)))

		blob, err := s2.Bytes(ctx, d)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, blob, should.Match([]byte("hello")))
	})

	ftt.Run("second process is locked out", t, func(t *ftt.Test) {
		ctx := context.Background()
		root := t.TempDir()

		s, err := NewStore(ctx, root, Policy{})
		assert.Loosely(t, err, should.BeNil)
		defer s.Close()

		_, err = NewStore(ctx, root, Policy{})
		assert.Loosely(t, err, should.ErrLike("locked by another process"))
	})

	ftt.Run("Trim shrinks to the requested size", t, func(t *ftt.Test) {
		ctx := context.Background()
		s := newTestStore(t, Policy{})

		for i := range 5 {
			_, err := s.Put(ctx, []byte(fmt.Sprintf("blob-%d----", i)))
			assert.Loosely(t, err, should.BeNil)
		}
		assert.Loosely(t, s.TotalSize(), should.Equal(int64(50)))
		assert.Loosely(t, s.Trim(ctx, 20), should.Equal(int64(20)))
		assert.Loosely(t, s.TotalSize(), should.Equal(int64(20)))
	})

	ftt.Run("corrupt journal falls back to rescan", t, func(t *ftt.Test) {
		ctx := context.Background()
		root := t.TempDir()

		s, err := NewStore(ctx, root, Policy{})
		assert.Loosely(t, err, should.BeNil)
		d, err := s.Put(ctx, []byte("hello"))
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, s.Close(), should.BeNil)

		assert.Loosely(t, os.WriteFile(filepath.Join(root, "state.json"), []byte("not json"), 0o600), should.BeNil)

		s2, err := NewStore(ctx, root, Policy{})
		assert.Loosely(t, err, should.BeNil)
		defer s2.Close()
		assert.Loosely(t, s2.Contains(d), should.BeTrue)
		assert.Loosely(t, s2.TotalSize(), should.Equal(int64(5)))
	})
}

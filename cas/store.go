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
	"container/list"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/danjacques/gofslock/fslock"
	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"
)

// Policy bounds the on-disk store.
type Policy struct {
	// MaxSize caps the total size of stored blobs in bytes. Once exceeded,
	// least-recently-used unpinned entries are evicted. 0 means unbounded.
	MaxSize int64
}

// Store is an on-disk content-addressed store keyed by Digest.
//
// It survives process restarts: blobs live under objects/<xx>/<hash> and an
// LRU journal is persisted alongside them. A file lock guards the directory
// against concurrent processes. All operations are pure functions of their
// Digest inputs, so anything computed from a Digest can be cached safely.
type Store struct {
	root   string
	policy Policy
	lock   fslock.Handle

	mu   sync.Mutex
	lru  lruDict
	pins map[string]int
}

const (
	objectsDirName = "objects"
	journalName    = "state.json"
	lockName       = ".lock"
)

// NewStore opens (creating if needed) the store rooted at root.
func NewStore(ctx context.Context, root string, policy Policy) (*Store, error) {
	if err := filesystem.MakeDirs(filepath.Join(root, objectsDirName)); err != nil {
		return nil, errors.Fmt("cas: creating store root: %w", err)
	}
	lock, err := fslock.Lock(filepath.Join(root, lockName))
	if err != nil {
		return nil, errors.Fmt("cas: store %s is locked by another process: %w", root, err)
	}
	s := &Store{
		root:   root,
		policy: policy,
		lock:   lock,
		lru:    makeLRUDict(),
		pins:   map[string]int{},
	}
	if err := s.loadJournal(ctx); err != nil {
		lock.Unlock()
		return nil, err
	}
	return s, nil
}

// Close persists the LRU journal and releases the store lock.
func (s *Store) Close() error {
	s.mu.Lock()
	err := s.saveJournalLocked()
	s.mu.Unlock()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Root returns the store's directory.
func (s *Store) Root() string { return s.root }

// TotalSize returns the summed size of stored blobs.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.total
}

// Contains reports whether the blob for d is present.
func (s *Store) Contains(d Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.touch(d.Hash) != nil
}

// Put stores a blob and returns its Digest. Storing bytes already present
// is a no-op beyond refreshing their recency.
func (s *Store) Put(ctx context.Context, blob []byte) (Digest, error) {
	d := NewDigest(blob)

	s.mu.Lock()
	if s.lru.touch(d.Hash) != nil {
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	path := s.objectPath(d.Hash)
	if err := filesystem.MakeDirs(filepath.Dir(path)); err != nil {
		return Digest{}, errors.Fmt("cas: %w", err)
	}
	// Write-then-rename so a crash never leaves a torn object behind.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return Digest{}, errors.Fmt("cas: writing %s: %w", d, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Digest{}, errors.Fmt("cas: committing %s: %w", d, err)
	}

	s.mu.Lock()
	s.lru.pushFront(d.Hash, d.SizeBytes)
	s.evictLocked(ctx)
	s.mu.Unlock()
	return d, nil
}

// PutFile stores the contents of a file on disk.
func (s *Store) PutFile(ctx context.Context, path string) (Digest, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Digest{}, errors.Fmt("cas: %w", err)
	}
	return s.Put(ctx, blob)
}

// Bytes returns the blob for d.
func (s *Store) Bytes(ctx context.Context, d Digest) ([]byte, error) {
	s.mu.Lock()
	s.lru.touch(d.Hash)
	s.mu.Unlock()

	blob, err := os.ReadFile(s.objectPath(d.Hash))
	if err != nil {
		return nil, errors.Fmt("cas: no blob for %s: %w", d, err)
	}
	got := NewDigest(blob)
	if got != d {
		return nil, errors.Fmt("cas: blob for %s is corrupt (got %s)", d, got)
	}
	return blob, nil
}

// Pin protects a digest from eviction until a matching Unpin. Pins nest.
func (s *Store) Pin(digests ...Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range digests {
		s.pins[d.Hash]++
	}
}

// Unpin releases pins taken by Pin.
func (s *Store) Unpin(digests ...Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range digests {
		if s.pins[d.Hash] <= 1 {
			delete(s.pins, d.Hash)
		} else {
			s.pins[d.Hash]--
		}
	}
}

// evictLocked drops least-recently-used unpinned entries until the store
// fits the policy again. Pinned entries are skipped: eviction never breaks
// an in-progress computation still referencing them.
func (s *Store) evictLocked(ctx context.Context) {
	if s.policy.MaxSize <= 0 {
		return
	}
	var skipped []lruEntry
	var skippedSize int64
	for s.lru.total+skippedSize > s.policy.MaxSize {
		hash, size, ok := s.lru.popOldest()
		if !ok {
			break
		}
		if s.pins[hash] > 0 {
			skipped = append(skipped, lruEntry{hash, size})
			skippedSize += size
			continue
		}
		if err := os.Remove(s.objectPath(hash)); err != nil && !os.IsNotExist(err) {
			logging.Warningf(ctx, "cas: evicting %s: %s", hash, err)
		}
		logging.Debugf(ctx, "cas: evicted %s (%s)", hash, humanize.Bytes(uint64(size)))
	}
	// Pinned entries go back as the coldest candidates for next time.
	for i := len(skipped) - 1; i >= 0; i-- {
		s.lru.pushBack(skipped[i].hash, skipped[i].size)
	}
}

// Trim evicts least-recently-used unpinned entries until the store holds
// at most maxSize bytes, and returns the resulting total. It ignores the
// configured policy; maxSize must be positive.
func (s *Store) Trim(ctx context.Context, maxSize int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.policy.MaxSize
	s.policy.MaxSize = maxSize
	s.evictLocked(ctx)
	s.policy.MaxSize = saved
	return s.lru.total
}

func (s *Store) objectPath(hash string) string {
	return filepath.Join(s.root, objectsDirName, hash[:2], hash)
}

// loadJournal restores LRU state, rebuilding it by scanning the objects
// directory if the journal is missing or unreadable.
func (s *Store) loadJournal(ctx context.Context) error {
	blob, err := os.ReadFile(filepath.Join(s.root, journalName))
	if err == nil {
		if jerr := json.Unmarshal(blob, &s.lru); jerr == nil {
			return nil
		}
		logging.Warningf(ctx, "cas: corrupt LRU journal, rescanning store")
	}
	s.lru = makeLRUDict()
	objects := filepath.Join(s.root, objectsDirName)
	return filepath.Walk(objects, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		s.lru.pushBack(filepath.Base(path), info.Size())
		return nil
	})
}

func (s *Store) saveJournalLocked() error {
	blob, err := json.Marshal(&s.lru)
	if err != nil {
		return errors.Fmt("cas: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, journalName), blob, 0o600); err != nil {
		return errors.Fmt("cas: saving LRU journal: %w", err)
	}
	return nil
}

// lruDict tracks stored blobs in recency order, hottest first.
type lruDict struct {
	ll      *list.List
	entries map[string]*list.Element
	total   int64
}

type lruEntry struct {
	hash string
	size int64
}

func (e *lruEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.hash, e.size})
}

func (e *lruEntry) UnmarshalJSON(data []byte) error {
	var elems []any
	if err := json.Unmarshal(data, &elems); err != nil {
		return err
	}
	if len(elems) != 2 {
		return errors.Fmt("cas: invalid journal entry %q", string(data))
	}
	hash, ok := elems[0].(string)
	if !ok {
		return errors.Fmt("cas: invalid journal entry %q", string(data))
	}
	size, ok := elems[1].(float64)
	if !ok {
		return errors.Fmt("cas: invalid journal entry %q", string(data))
	}
	e.hash = hash
	e.size = int64(size)
	return nil
}

func makeLRUDict() lruDict {
	return lruDict{ll: list.New(), entries: map[string]*list.Element{}}
}

// touch moves an entry to the front and returns it, or nil if absent.
func (l *lruDict) touch(hash string) *lruEntry {
	e, ok := l.entries[hash]
	if !ok {
		return nil
	}
	l.ll.MoveToFront(e)
	return e.Value.(*lruEntry)
}

func (l *lruDict) pushFront(hash string, size int64) {
	if l.touch(hash) != nil {
		return
	}
	l.entries[hash] = l.ll.PushFront(&lruEntry{hash, size})
	l.total += size
}

func (l *lruDict) pushBack(hash string, size int64) {
	if _, ok := l.entries[hash]; ok {
		return
	}
	l.entries[hash] = l.ll.PushBack(&lruEntry{hash, size})
	l.total += size
}

func (l *lruDict) popOldest() (hash string, size int64, ok bool) {
	back := l.ll.Back()
	if back == nil {
		return "", 0, false
	}
	e := back.Value.(*lruEntry)
	l.ll.Remove(back)
	delete(l.entries, e.hash)
	l.total -= e.size
	return e.hash, e.size, true
}

// MarshalJSON persists entries hottest-first.
func (l *lruDict) MarshalJSON() ([]byte, error) {
	entries := make([]*lruEntry, 0, l.ll.Len())
	for e := l.ll.Front(); e != nil; e = e.Next() {
		entries = append(entries, e.Value.(*lruEntry))
	}
	return json.Marshal(map[string]any{"version": 1, "entries": entries})
}

func (l *lruDict) UnmarshalJSON(data []byte) error {
	var state struct {
		Version int         `json:"version"`
		Entries []*lruEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Version != 1 {
		return errors.Fmt("cas: unknown journal version %d", state.Version)
	}
	*l = makeLRUDict()
	for _, e := range state.Entries {
		l.entries[e.hash] = l.ll.PushBack(e)
		l.total += e.size
	}
	return nil
}

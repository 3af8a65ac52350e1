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

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dgraph-io/badger/v3"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/foundry/cas"
)

// cachedRunner wraps a Runner with a persistent action cache.
//
// Results are keyed by the process's action digest and stored as REAPI
// ActionResult protos in a badger database, so cached process results
// survive restarts alongside the content store. A cache entry is only
// served if every blob it references is still present in the store.
type cachedRunner struct {
	runner Runner
	store  *cas.Store
	db     *badger.DB
}

// NewCachedRunner wraps runner with the action cache persisted in db.
func NewCachedRunner(runner Runner, store *cas.Store, db *badger.DB) Runner {
	return &cachedRunner{runner: runner, store: store, db: db}
}

// OpenCache opens (creating if needed) the action cache database at dir.
func OpenCache(ctx context.Context, dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Fmt("execution: opening action cache: %w", err)
	}
	return db, nil
}

// Run implements Runner.
func (r *cachedRunner) Run(ctx context.Context, p Process) (FallibleProcessResult, error) {
	if p.CacheScope == CacheNever {
		return r.runner.Run(ctx, p)
	}
	key, err := p.Digest()
	if err != nil {
		return FallibleProcessResult{}, err
	}

	if res, ok := r.lookup(ctx, key); ok {
		logging.Debugf(ctx, "execution: action cache hit for %q", p.Description)
		return res, nil
	}

	res, err := r.runner.Run(ctx, p)
	if err != nil {
		return res, err
	}
	if res.ExitCode == 0 || p.CacheScope == CacheAlways {
		if err := r.insert(ctx, key, res); err != nil {
			// A broken cache write degrades to a cache miss next time.
			logging.Warningf(ctx, "execution: caching result for %q: %s", p.Description, err)
		}
	}
	return res, nil
}

func (r *cachedRunner) lookup(ctx context.Context, key cas.Digest) (FallibleProcessResult, bool) {
	var blob []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.Hash))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return FallibleProcessResult{}, false
	}
	ar := &repb.ActionResult{}
	if err := proto.Unmarshal(blob, ar); err != nil {
		logging.Warningf(ctx, "execution: corrupt action cache entry %s", key)
		return FallibleProcessResult{}, false
	}
	res, err := resultFromProto(ar)
	if err != nil {
		return FallibleProcessResult{}, false
	}
	// All referenced blobs must still exist; eviction may have raced us.
	for _, d := range []cas.Digest{res.StdoutDigest, res.StderrDigest} {
		if !d.IsZero() && !r.store.Contains(d) {
			return FallibleProcessResult{}, false
		}
	}
	// The output digest names a tree: every nested directory proto and
	// file blob must be present too, or materialization fails later.
	if !res.OutputDigest.IsZero() && !r.store.ContainsTree(ctx, res.OutputDigest) {
		return FallibleProcessResult{}, false
	}
	return res, true
}

func (r *cachedRunner) insert(ctx context.Context, key cas.Digest, res FallibleProcessResult) error {
	blob, err := proto.Marshal(resultToProto(res))
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.Hash), blob)
	})
}

func resultToProto(res FallibleProcessResult) *repb.ActionResult {
	return &repb.ActionResult{
		ExitCode:     res.ExitCode,
		StdoutDigest: res.StdoutDigest.ToProto(),
		StderrDigest: res.StderrDigest.ToProto(),
		OutputDirectories: []*repb.OutputDirectory{
			{Path: "", TreeDigest: res.OutputDigest.ToProto()},
		},
	}
}

func resultFromProto(ar *repb.ActionResult) (FallibleProcessResult, error) {
	res := FallibleProcessResult{ExitCode: ar.ExitCode}
	var err error
	if res.StdoutDigest, err = cas.DigestFromProto(ar.StdoutDigest); err != nil {
		return res, err
	}
	if res.StderrDigest, err = cas.DigestFromProto(ar.StderrDigest); err != nil {
		return res, err
	}
	if len(ar.OutputDirectories) != 1 {
		return res, errors.Fmt("execution: malformed cached ActionResult")
	}
	if res.OutputDigest, err = cas.DigestFromProto(ar.OutputDirectories[0].TreeDigest); err != nil {
		return res, err
	}
	return res, nil
}

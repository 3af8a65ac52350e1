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
	"context"
	"strconv"

	"go.chromium.org/foundry/cas"
	"go.chromium.org/foundry/execution"
)

// Intrinsics binds the content store and the process executor into the
// rule universe, so user rules compose filesystem and process products
// exactly like computed products.
//
// Register Rules() alongside user rules before Compile.
type Intrinsics struct {
	// BuildRoot is the directory PathGlobs are resolved against.
	BuildRoot string
	Store     *cas.Store
	Runner    execution.Runner
}

// Rules returns the intrinsic rules.
func (in Intrinsics) Rules() []*Rule {
	return []*Rule{
		MustRule("capture_snapshot", in.captureSnapshot),
		MustRule("digest_subset", in.digestSubset),
		MustRule("merge_digests", in.mergeDigests),
		MustRule("digest_contents", in.digestContents),
		// Process rules are session-scoped: cross-session reuse is the
		// action cache's job, and per-session cache scopes salt the action
		// with the run identifier, which only works if each session
		// re-enters the rule body.
		MustRule("execute_process", in.executeProcess, PerSession()),
		MustRule("successful_process", in.successfulProcess, PerSession(),
			WithGets(GetDep[execution.FallibleProcessResult, execution.Process]())),
		MustRule("interactive_process", in.interactiveProcess, SideEffecting()),
	}
}

// captureSnapshot hashes the build-root files matching the globs into the
// store. The walked directory tree is recorded as the file dependency (not
// just the paths that matched): a file created later can change what the
// globs match, so any change under the root must invalidate this Node and
// everything downstream of it.
func (in Intrinsics) captureSnapshot(ctx context.Context, globs cas.PathGlobs) (cas.Snapshot, error) {
	snap, err := in.Store.CaptureGlobs(ctx, in.BuildRoot, globs.Includes)
	if err != nil {
		return cas.Snapshot{}, err
	}
	if err := RecordFileDeps(ctx, []string{in.BuildRoot}); err != nil {
		return cas.Snapshot{}, err
	}
	return snap, nil
}

func (in Intrinsics) digestSubset(ctx context.Context, req cas.DigestSubset) (cas.Snapshot, error) {
	return in.Store.Filter(ctx, req.Digest, req.Includes)
}

func (in Intrinsics) mergeDigests(ctx context.Context, req cas.MergeDigests) (cas.Digest, error) {
	return in.Store.Merge(ctx, req.Digests...)
}

func (in Intrinsics) digestContents(ctx context.Context, d cas.Digest) (cas.DigestContents, error) {
	return in.Store.Contents(ctx, d)
}

// executeProcess runs a process through the configured Runner.
//
// A CachePerSession process gets the session's run identifier folded into
// its environment, which changes its action digest and therefore scopes
// every cache (memoization and the persistent action cache) to the
// session.
func (in Intrinsics) executeProcess(ctx context.Context, p execution.Process) (execution.FallibleProcessResult, error) {
	if p.CacheScope == execution.CachePerSession {
		id, err := RunID(ctx)
		if err != nil {
			return execution.FallibleProcessResult{}, err
		}
		env := make(map[string]string, len(p.Env)+1)
		for k, v := range p.Env {
			env[k] = v
		}
		env["FOUNDRY_RUN_ID"] = strconv.FormatInt(id, 10)
		p.Env = env
	}
	return in.Runner.Run(ctx, p)
}

// successfulProcess demands a zero exit code, converting failure into an
// ExecutionError carrying the captured stderr.
func (in Intrinsics) successfulProcess(ctx context.Context, p execution.Process) (execution.ProcessResult, error) {
	res, err := Get[execution.FallibleProcessResult](ctx, p)
	if err != nil {
		return execution.ProcessResult{}, err
	}
	if res.ExitCode != 0 {
		stderr, _ := in.Store.Bytes(ctx, res.StderrDigest)
		return execution.ProcessResult{}, &execution.ExecutionError{
			Description: p.Description,
			ExitCode:    res.ExitCode,
			Stderr:      string(stderr),
		}
	}
	return execution.ProcessResult{
		StdoutDigest: res.StdoutDigest,
		StderrDigest: res.StderrDigest,
		OutputDigest: res.OutputDigest,
	}, nil
}

// interactiveProcess runs a process outside all caches; the engine
// additionally guarantees no other side-effecting Node runs concurrently.
func (in Intrinsics) interactiveProcess(ctx context.Context, p execution.InteractiveProcess) (execution.FallibleProcessResult, error) {
	proc := p.Process
	proc.CacheScope = execution.CacheNever
	return in.Runner.Run(ctx, proc)
}

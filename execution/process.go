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

// Package execution runs external commands in sandboxes built from
// content-addressed input digests, locally or against a remote execution
// backend, capturing declared outputs back into the content store.
//
// The request/response shape is REAPI-compatible: a Process canonicalizes
// to a remote-execution Action, whose digest doubles as the cache key for
// the persistent action cache.
package execution

import (
	"context"
	"fmt"
	"sort"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/foundry/cas"
)

// CacheScope controls when a process result may be served from cache.
type CacheScope int

const (
	// CacheSuccessful caches the result only if the process exited 0.
	CacheSuccessful CacheScope = iota
	// CacheAlways caches the result regardless of exit code.
	CacheAlways
	// CacheNever bypasses the persistent cache entirely, for genuinely
	// non-deterministic commands.
	CacheNever
	// CachePerSession keeps the result for the current Session only. The
	// engine realizes this by salting the process environment with the
	// session identity, so the action digest differs across sessions.
	CachePerSession
)

// Process fully describes one external command: what to run, the sandbox
// contents to run it against, which outputs to keep, and how long to wait.
//
// Description is human-readable only and deliberately excluded from the
// process identity: two processes differing only in description are the
// same work.
type Process struct {
	Argv              []string
	Env               map[string]string
	InputDigest       cas.Digest
	OutputFiles       []string
	OutputDirectories []string
	Timeout           time.Duration
	Platform          string // GOOS constraint; empty means any
	Description       string
	CacheScope        CacheScope
}

// Command converts to the canonical REAPI Command proto (sorted env).
func (p Process) Command() *repb.Command {
	cmd := &repb.Command{
		Arguments:         p.Argv,
		OutputFiles:       append([]string(nil), p.OutputFiles...),
		OutputDirectories: append([]string(nil), p.OutputDirectories...),
	}
	sort.Strings(cmd.OutputFiles)
	sort.Strings(cmd.OutputDirectories)
	names := make([]string, 0, len(p.Env))
	for k := range p.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{
			Name: k, Value: p.Env[k],
		})
	}
	if p.Platform != "" {
		cmd.Platform = &repb.Platform{
			Properties: []*repb.Platform_Property{{Name: "OSFamily", Value: p.Platform}},
		}
	}
	return cmd
}

// Action canonicalizes the process into an REAPI Action plus the marshaled
// command and action blobs. The returned digest identifies the process for
// caching and remote execution.
func (p Process) Action() (action *repb.Action, commandBlob, actionBlob []byte, d cas.Digest, err error) {
	mo := proto.MarshalOptions{Deterministic: true}
	commandBlob, err = mo.Marshal(p.Command())
	if err != nil {
		return nil, nil, nil, cas.Digest{}, errors.Fmt("execution: marshaling command: %w", err)
	}
	input := p.InputDigest
	if input.IsZero() {
		input = cas.Empty
	}
	action = &repb.Action{
		CommandDigest:   cas.NewDigest(commandBlob).ToProto(),
		InputRootDigest: input.ToProto(),
	}
	if p.Timeout > 0 {
		action.Timeout = durationpb.New(p.Timeout)
	}
	actionBlob, err = mo.Marshal(action)
	if err != nil {
		return nil, nil, nil, cas.Digest{}, errors.Fmt("execution: marshaling action: %w", err)
	}
	return action, commandBlob, actionBlob, cas.NewDigest(actionBlob), nil
}

// Digest returns the action digest identifying this process.
func (p Process) Digest() (cas.Digest, error) {
	_, _, _, d, err := p.Action()
	return d, err
}

// ParamKey implements engine.Keyed: process identity is the action digest.
func (p Process) ParamKey() string {
	d, err := p.Digest()
	if err != nil {
		// Malformed processes still need a stable identity; the execution
		// intrinsic will surface the real error.
		return fmt.Sprintf("invalid:%v", p.Argv)
	}
	return d.String()
}

// FallibleProcessResult is the outcome of a process that was executed to
// completion, whatever its exit code.
type FallibleProcessResult struct {
	ExitCode     int32
	StdoutDigest cas.Digest
	StderrDigest cas.Digest
	OutputDigest cas.Digest
}

// ProcessResult is the outcome of a process that exited 0. Requesting one
// for a process that fails turns the non-zero exit into a node failure.
type ProcessResult struct {
	StdoutDigest cas.Digest
	StderrDigest cas.Digest
	OutputDigest cas.Digest
}

// ExecutionError is the failure produced when a process required to
// succeed exits non-zero.
type ExecutionError struct {
	Description string
	ExitCode    int32
	Stderr      string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("process %q failed with exit code %d", e.Description, e.ExitCode)
	if e.Stderr != "" {
		msg += "\nstderr:\n" + e.Stderr
	}
	return msg
}

// InteractiveProcess is a Process that interacts with the user or the
// outside world. Running one is a side effect: it is never cached and the
// engine serializes such runs system-wide.
type InteractiveProcess struct {
	Process
}

// Runner executes processes. Implementations: LocalRunner, RemoteRunner,
// and the caching wrapper returned by NewCachedRunner.
type Runner interface {
	Run(ctx context.Context, p Process) (FallibleProcessResult, error)
}

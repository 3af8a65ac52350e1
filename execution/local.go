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
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/filesystem"

	"go.chromium.org/foundry/cas"
)

// LocalRunner executes processes in ephemeral sandbox directories on the
// local machine.
//
// For each run it materializes the input digest into a fresh temporary
// directory, executes the command there under its timeout, captures the
// declared outputs plus stdout/stderr into the store, and deletes the
// sandbox. Nothing outside the declared outputs leaks back into the build.
type LocalRunner struct {
	Store *cas.Store

	// SandboxRoot is the parent directory for sandboxes. Defaults to the
	// system temp directory.
	SandboxRoot string
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, p Process) (FallibleProcessResult, error) {
	if len(p.Argv) == 0 {
		return FallibleProcessResult{}, errors.New("execution: empty argv")
	}
	if p.Platform != "" && p.Platform != runtime.GOOS {
		return FallibleProcessResult{}, errors.Fmt("execution: process requires platform %q, host is %q", p.Platform, runtime.GOOS)
	}

	sandbox, err := os.MkdirTemp(r.SandboxRoot, "foundry-sandbox-")
	if err != nil {
		return FallibleProcessResult{}, errors.Fmt("execution: creating sandbox: %w", err)
	}
	defer func() {
		if rerr := filesystem.RemoveAll(sandbox); rerr != nil {
			logging.Warningf(ctx, "execution: leaked sandbox %s: %s", sandbox, rerr)
		}
	}()

	if !p.InputDigest.IsZero() && p.InputDigest != cas.Empty {
		r.Store.Pin(p.InputDigest)
		defer r.Store.Unpin(p.InputDigest)
		if err := r.Store.Materialize(ctx, p.InputDigest, sandbox); err != nil {
			return FallibleProcessResult{}, errors.Fmt("execution: populating sandbox: %w", err)
		}
	}

	// The process timeout is independent of session cancellation: both
	// cancel the command, only the former is a process-level outcome.
	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = clock.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, p.Argv[0], p.Argv[1:]...)
	cmd.Dir = sandbox
	cmd.Env = flattenEnv(p.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := clock.Now(ctx)
	logging.Debugf(ctx, "execution: running %q in %s", p.Argv, sandbox)
	err = cmd.Run()

	exitCode := int32(0)
	switch {
	case err == nil:
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return FallibleProcessResult{}, errors.Fmt("execution: process %q timed out after %s", p.Description, p.Timeout)
	case ctx.Err() != nil:
		return FallibleProcessResult{}, ctx.Err()
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return FallibleProcessResult{}, errors.Fmt("execution: spawning %q: %w", p.Argv[0], err)
		}
		exitCode = int32(exitErr.ExitCode())
	}
	logging.Debugf(ctx, "execution: %q exited %d in %s", p.Description, exitCode, clock.Since(ctx, started).Round(time.Millisecond))

	res := FallibleProcessResult{ExitCode: exitCode}
	if res.StdoutDigest, err = r.Store.Put(ctx, stdout.Bytes()); err != nil {
		return FallibleProcessResult{}, err
	}
	if res.StderrDigest, err = r.Store.Put(ctx, stderr.Bytes()); err != nil {
		return FallibleProcessResult{}, err
	}
	if res.OutputDigest, err = r.Store.CaptureOutputs(ctx, sandbox, p.OutputFiles, p.OutputDirectories); err != nil {
		return FallibleProcessResult{}, err
	}
	return res, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

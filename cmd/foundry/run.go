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

package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/maruel/subcommands"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	luciflag "go.chromium.org/luci/common/flag"

	"go.chromium.org/foundry/cas"
	"go.chromium.org/foundry/engine"
	"go.chromium.org/foundry/execution"
)

func cmdRun() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "run <options> -- command...",
		ShortDesc: "runs a command through the memoizing executor",
		LongDesc: `Runs a command in a sandbox populated from the given input globs.

The process result is cached by the digest of its inputs and command line,
so re-running with unchanged inputs replays the stored result instead of
spawning the process. Stdout and stderr are replayed to the terminal and
output files are materialized back into the build root.`,
		CommandRun: func() subcommands.CommandRun {
			r := &runRun{}
			r.Init()
			r.Flags.StringVar(&r.buildRoot, "build-root", ".", "Directory input globs are resolved against.")
			r.Flags.Var(luciflag.StringSlice(&r.includes), "include", "Input glob (doublestar syntax, relative to the build root). May be repeated.")
			r.Flags.Var(luciflag.StringSlice(&r.outputFiles), "output-file", "File the command produces, relative to the sandbox. May be repeated.")
			r.Flags.Var(luciflag.StringSlice(&r.outputDirs), "output-dir", "Directory the command produces, relative to the sandbox. May be repeated.")
			r.Flags.DurationVar(&r.timeout, "timeout", 0, "Kill the command after this long (0 for no limit).")
			r.Flags.IntVar(&r.parallelism, "parallelism", runtime.NumCPU(), "Worker pool size.")
			r.Flags.StringVar(&r.remote, "remote", "", "host:port of a Remote Execution API endpoint. Empty runs locally.")
			r.Flags.StringVar(&r.instance, "remote-instance", "", "Remote execution instance name.")
			r.Flags.BoolVar(&r.localFallback, "local-fallback", false, "Run locally when the remote endpoint keeps failing.")
			return r
		},
	}
}

type runRun struct {
	commonFlags

	buildRoot     string
	includes      []string
	outputFiles   []string
	outputDirs    []string
	timeout       time.Duration
	parallelism   int
	remote        string
	instance      string
	localFallback bool
}

func (r *runRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) == 0 {
		return fatal(errors.New("no command given"))
	}
	if err := r.run(ctx, args); err != nil {
		var execErr *execution.ExecutionError
		if errors.As(err, &execErr) {
			os.Stderr.WriteString(execErr.Stderr)
			return int(execErr.ExitCode)
		}
		return fatal(err)
	}
	return 0
}

func (r *runRun) run(ctx context.Context, argv []string) error {
	buildRoot, err := filepath.Abs(r.buildRoot)
	if err != nil {
		return err
	}
	store, err := r.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runner, cleanup, err := r.makeRunner(ctx, store)
	if err != nil {
		return err
	}
	defer cleanup()

	intr := engine.Intrinsics{BuildRoot: buildRoot, Store: store, Runner: runner}
	rs := engine.NewRuleSet().
		Register(intr.Rules()...).
		RegisterQuery(
			engine.NewQuery[cas.Snapshot](engine.TypeOf[cas.PathGlobs]()),
			engine.NewQuery[execution.ProcessResult](engine.TypeOf[execution.Process]()),
		)
	rg, err := engine.Compile(rs)
	if err != nil {
		return err
	}
	sch := engine.NewScheduler(rg, engine.NewGraph(), &engine.SchedulerOptions{Parallelism: r.parallelism})
	sess := engine.NewSession(ctx)
	defer sess.Cancel()

	input := cas.Empty
	if len(r.includes) > 0 {
		res := sch.Execute(sess, []engine.Request{
			engine.NewRequest[cas.Snapshot](engine.MustParams(cas.PathGlobs{Includes: r.includes})),
		})[0]
		if res.Err != nil {
			return res.Err
		}
		input = res.Value.(cas.Snapshot).Digest
	}

	proc := execution.Process{
		Argv:              argv,
		InputDigest:       input,
		OutputFiles:       r.outputFiles,
		OutputDirectories: r.outputDirs,
		Timeout:           r.timeout,
		Description:       argv[0],
	}
	res := sch.Execute(sess, []engine.Request{
		engine.NewRequest[execution.ProcessResult](engine.MustParams(proc)),
	})[0]
	if res.Err != nil {
		return res.Err
	}
	pr := res.Value.(execution.ProcessResult)

	if stdout, err := store.Bytes(ctx, pr.StdoutDigest); err == nil {
		os.Stdout.Write(stdout)
	}
	if stderr, err := store.Bytes(ctx, pr.StderrDigest); err == nil {
		os.Stderr.Write(stderr)
	}
	if !pr.OutputDigest.IsZero() && pr.OutputDigest != cas.Empty {
		if err := store.Materialize(ctx, pr.OutputDigest, buildRoot); err != nil {
			return errors.Fmt("materializing outputs: %w", err)
		}
	}
	return nil
}

// makeRunner assembles the runner stack: a local sandbox runner, wrapped by
// the persistent action cache, optionally fronted by remote execution.
func (r *runRun) makeRunner(ctx context.Context, store *cas.Store) (execution.Runner, func(), error) {
	cleanup := func() {}

	var runner execution.Runner = &execution.LocalRunner{Store: store}
	db, err := execution.OpenCache(ctx, filepath.Join(store.Root(), "actions"))
	if err != nil {
		return nil, nil, err
	}
	cleanup = func() { db.Close() }
	runner = execution.NewCachedRunner(runner, store, db)

	if r.remote != "" {
		cc, err := grpc.NewClient(r.remote, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			cleanup()
			return nil, nil, errors.Fmt("dialing %s: %w", r.remote, err)
		}
		prev := cleanup
		cleanup = func() { cc.Close(); prev() }
		var fallback execution.Runner
		if r.localFallback {
			fallback = runner
		}
		runner = execution.NewRemoteRunner(cc, store, r.instance, fallback)
	}
	return runner, cleanup, nil
}

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
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
)

func cmdGC() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "gc <options>",
		ShortDesc: "trims the content store to its size cap",
		LongDesc: `Evicts least-recently-used blobs until the store fits -max-store-size.

Pinned blobs and blobs referenced by in-flight work are never evicted, so
gc is safe to run at any time the store is not locked by another process.`,
		CommandRun: func() subcommands.CommandRun {
			g := &gcRun{}
			g.Init()
			return g
		},
	}
}

type gcRun struct {
	commonFlags
}

func (g *gcRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, g, env)
	if len(args) != 0 {
		return fatal(errors.New("gc takes no positional arguments"))
	}
	if err := g.run(ctx); err != nil {
		return fatal(err)
	}
	return 0
}

func (g *gcRun) run(ctx context.Context) error {
	if g.maxSize <= 0 {
		return errors.New("-max-store-size must be positive for gc")
	}
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	before := store.TotalSize()
	after := store.Trim(ctx, g.maxSize)
	fmt.Printf("%s -> %s (freed %s)\n",
		humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)), humanize.Bytes(uint64(before-after)))
	return nil
}

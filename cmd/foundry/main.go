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

// Command foundry runs commands through the memoizing execution engine
// and manages its on-disk content store.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/client/versioncli"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"
)

const version = "0.1.0"

func getApplication() *cli.Application {
	return &cli.Application{
		Name:  "foundry",
		Title: "Memoizing build executor",
		Context: func(ctx context.Context) context.Context {
			return logging.SetLevel(gologger.StdConfig.Use(ctx), logging.Info)
		},
		// Keep in alphabetical order of their name.
		Commands: []*subcommands.Command{
			cmdGC(),
			subcommands.CmdHelp,
			cmdRun(),
			versioncli.CmdVersion(version),
		},
	}
}

func main() {
	os.Exit(subcommands.Run(getApplication(), nil))
}

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
	"os"
	"path/filepath"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/foundry/cas"
)

type commonFlags struct {
	subcommands.CommandRunBase

	storeDir string
	maxSize  int64
}

func (c *commonFlags) Init() {
	def := ""
	if cache, err := os.UserCacheDir(); err == nil {
		def = filepath.Join(cache, "foundry")
	}
	c.Flags.StringVar(&c.storeDir, "store", def, "Directory of the content store.")
	c.Flags.Int64Var(&c.maxSize, "max-store-size", 10<<30, "Content store size cap in bytes (0 for unbounded).")
}

func (c *commonFlags) openStore(ctx context.Context) (*cas.Store, error) {
	if c.storeDir == "" {
		return nil, errors.New("-store is required")
	}
	return cas.NewStore(ctx, c.storeDir, cas.Policy{MaxSize: c.maxSize})
}

func fatal(err error) int {
	fmt.Fprintf(os.Stderr, "foundry: %s\n", err)
	return 1
}

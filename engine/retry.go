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

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry"
)

// Retry re-invokes fn until it succeeds, up to tries attempts.
//
// The engine never retries implicitly; a rule body that wants retry
// semantics wraps a sub-request (typically a Get) in this combinator. After
// all attempts are exhausted the returned error names the attempt count and
// wraps the last underlying error.
//
// Cancellation is not retried: if ctx is cancelled, the context error is
// returned as-is.
func Retry[T any](ctx context.Context, tries int, fn func(context.Context) (T, error)) (T, error) {
	var out T
	if tries < 1 {
		return out, errors.Fmt("engine: Retry with tries=%d", tries)
	}
	attempts := 0
	err := retry.Retry(ctx, func() retry.Iterator {
		return &retry.Limited{Retries: tries - 1}
	}, func() error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		attempts++
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	}, nil)
	switch {
	case err == nil:
		return out, nil
	case isCancel(err):
		return out, err
	default:
		return out, errors.Fmt("failed after %d attempts: %w", attempts, err)
	}
}

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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"go.chromium.org/luci/common/errors"
)

// Digest identifies immutable content: the SHA-256 of the bytes plus their
// length. Identical bytes always produce an identical Digest; distinct
// content yields a distinct Digest with overwhelming probability.
//
// A Digest may identify a plain blob or the canonical encoding of a
// directory tree (see Store.PutTree). The encoding is REAPI-compatible so
// the same digests are valid against a remote execution backend.
type Digest struct {
	Hash      string // lowercase hex SHA-256
	SizeBytes int64
}

// Empty is the digest of zero bytes.
var Empty = NewDigest(nil)

// NewDigest hashes the given bytes.
func NewDigest(b []byte) Digest {
	h := sha256.Sum256(b)
	return Digest{Hash: hex.EncodeToString(h[:]), SizeBytes: int64(len(b))}
}

// IsZero reports whether d is the zero value (not the empty-content digest).
func (d Digest) IsZero() bool { return d.Hash == "" }

func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// ToProto converts to the REAPI wire form.
func (d Digest) ToProto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

// DigestFromProto converts from the REAPI wire form.
func DigestFromProto(p *repb.Digest) (Digest, error) {
	if p == nil || len(p.Hash) != sha256.Size*2 {
		return Digest{}, errors.Fmt("cas: malformed digest proto %v", p)
	}
	return Digest{Hash: p.Hash, SizeBytes: p.SizeBytes}, nil
}

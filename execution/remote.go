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
	"path"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/foundry/cas"
)

// RemoteRunner sends the same Process request/response shape to an REAPI
// remote execution service.
//
// Transient backend failures are retried a bounded number of times with
// exponential backoff; if a fallback Runner is configured, the process
// falls back to it (normally local execution) once retries are exhausted.
type RemoteRunner struct {
	store      *cas.Store
	execClient repb.ExecutionClient
	casClient  repb.ContentAddressableStorageClient
	instance   string
	fallback   Runner
}

// NewRemoteRunner builds a RemoteRunner over an established gRPC channel.
//
// instance is the REAPI instance name (may be empty). fallback, if non-nil,
// handles processes whose remote execution failed non-transiently or
// exhausted its retries.
func NewRemoteRunner(cc grpc.ClientConnInterface, store *cas.Store, instance string, fallback Runner) *RemoteRunner {
	return &RemoteRunner{
		store:      store,
		execClient: repb.NewExecutionClient(cc),
		casClient:  repb.NewContentAddressableStorageClient(cc),
		instance:   instance,
		fallback:   fallback,
	}
}

func remoteRetryFactory() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   100 * time.Millisecond,
			Retries: 4,
		},
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
	}
}

// Run implements Runner.
func (r *RemoteRunner) Run(ctx context.Context, p Process) (FallibleProcessResult, error) {
	var res FallibleProcessResult
	err := retry.Retry(ctx, transient.Only(remoteRetryFactory), func() error {
		var rerr error
		res, rerr = r.runOnce(ctx, p)
		return rerr
	}, retry.LogCallback(ctx, "remote-execute"))
	if err == nil {
		return res, nil
	}
	if r.fallback != nil && ctx.Err() == nil {
		logging.Warningf(ctx, "execution: remote execution of %q failed (%s), falling back to local", p.Description, err)
		return r.fallback.Run(ctx, p)
	}
	return FallibleProcessResult{}, err
}

func (r *RemoteRunner) runOnce(ctx context.Context, p Process) (FallibleProcessResult, error) {
	_, commandBlob, actionBlob, actionDigest, err := p.Action()
	if err != nil {
		return FallibleProcessResult{}, err
	}
	// Everything the remote side needs must be uploadable, so the action
	// and command blobs join the input tree in the local store first.
	if _, err := r.store.Put(ctx, commandBlob); err != nil {
		return FallibleProcessResult{}, err
	}
	if _, err := r.store.Put(ctx, actionBlob); err != nil {
		return FallibleProcessResult{}, err
	}
	if _, err := r.store.Put(ctx, nil); err != nil { // the empty tree
		return FallibleProcessResult{}, err
	}
	if err := r.uploadMissing(ctx, p, actionDigest); err != nil {
		return FallibleProcessResult{}, err
	}

	stream, err := r.execClient.Execute(ctx, &repb.ExecuteRequest{
		InstanceName:    r.instance,
		ActionDigest:    actionDigest.ToProto(),
		SkipCacheLookup: p.CacheScope == CacheNever,
	})
	if err != nil {
		return FallibleProcessResult{}, rpcErr("Execute", err)
	}
	resp := &repb.ExecuteResponse{}
	for {
		op, rerr := stream.Recv()
		if rerr != nil {
			return FallibleProcessResult{}, rpcErr("Execute", rerr)
		}
		if !op.GetDone() {
			continue
		}
		if operr := op.GetError(); operr != nil {
			return FallibleProcessResult{}, rpcErr("Execute", status.ErrorProto(operr))
		}
		if err := op.GetResponse().UnmarshalTo(resp); err != nil {
			return FallibleProcessResult{}, errors.Fmt("execution: decoding ExecuteResponse: %w", err)
		}
		break
	}
	if st := resp.GetStatus(); st != nil && st.GetCode() != 0 {
		return FallibleProcessResult{}, rpcErr("Execute", status.ErrorProto(st))
	}
	return r.ingestResult(ctx, resp.GetResult())
}

// blobRefs collects every digest the remote side needs: the input tree's
// directories and files, plus the command and action blobs.
func (r *RemoteRunner) blobRefs(ctx context.Context, p Process, actionDigest cas.Digest) ([]cas.Digest, error) {
	_, commandBlob, _, _, err := p.Action()
	if err != nil {
		return nil, err
	}
	refs := []cas.Digest{actionDigest, cas.NewDigest(commandBlob)}
	input := p.InputDigest
	if input.IsZero() {
		input = cas.Empty
	}
	seen := map[cas.Digest]struct{}{}
	var walk func(d cas.Digest) error
	walk = func(d cas.Digest) error {
		if _, ok := seen[d]; ok {
			return nil
		}
		seen[d] = struct{}{}
		refs = append(refs, d)
		dir, err := r.store.Tree(ctx, d)
		if err != nil {
			return err
		}
		for _, f := range dir.GetFiles() {
			fd, err := cas.DigestFromProto(f.GetDigest())
			if err != nil {
				return err
			}
			if _, ok := seen[fd]; !ok {
				seen[fd] = struct{}{}
				refs = append(refs, fd)
			}
		}
		for _, sub := range dir.GetDirectories() {
			sd, err := cas.DigestFromProto(sub.GetDigest())
			if err != nil {
				return err
			}
			if err := walk(sd); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(input); err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *RemoteRunner) uploadMissing(ctx context.Context, p Process, actionDigest cas.Digest) error {
	refs, err := r.blobRefs(ctx, p, actionDigest)
	if err != nil {
		return err
	}
	byProto := make([]*repb.Digest, len(refs))
	for i, d := range refs {
		byProto[i] = d.ToProto()
	}
	missing, err := r.casClient.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
		InstanceName: r.instance,
		BlobDigests:  byProto,
	})
	if err != nil {
		return rpcErr("FindMissingBlobs", err)
	}
	if len(missing.GetMissingBlobDigests()) == 0 {
		return nil
	}

	req := &repb.BatchUpdateBlobsRequest{InstanceName: r.instance}
	for _, dp := range missing.GetMissingBlobDigests() {
		d, err := cas.DigestFromProto(dp)
		if err != nil {
			return err
		}
		blob, err := r.store.Bytes(ctx, d)
		if err != nil {
			return err
		}
		req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
			Digest: dp,
			Data:   blob,
		})
	}
	resp, err := r.casClient.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return rpcErr("BatchUpdateBlobs", err)
	}
	for _, br := range resp.GetResponses() {
		if br.GetStatus().GetCode() != 0 {
			return rpcErr("BatchUpdateBlobs", status.ErrorProto(br.GetStatus()))
		}
	}
	return nil
}

// ingestResult downloads everything an ActionResult references into the
// local store and converts it to the local result shape.
func (r *RemoteRunner) ingestResult(ctx context.Context, ar *repb.ActionResult) (FallibleProcessResult, error) {
	if ar == nil {
		return FallibleProcessResult{}, errors.New("execution: remote returned no ActionResult")
	}
	res := FallibleProcessResult{ExitCode: ar.GetExitCode()}

	var err error
	if res.StdoutDigest, err = r.fetchBlob(ctx, ar.GetStdoutDigest(), ar.GetStdoutRaw()); err != nil {
		return res, err
	}
	if res.StderrDigest, err = r.fetchBlob(ctx, ar.GetStderrDigest(), ar.GetStderrRaw()); err != nil {
		return res, err
	}

	files := map[string]cas.FileEntry{}
	for _, f := range ar.GetOutputFiles() {
		d, err := r.fetchBlob(ctx, f.GetDigest(), nil)
		if err != nil {
			return res, err
		}
		files[f.GetPath()] = cas.FileEntry{Digest: d, Executable: f.GetIsExecutable()}
	}
	for _, od := range ar.GetOutputDirectories() {
		if err := r.fetchTree(ctx, od, files); err != nil {
			return res, err
		}
	}
	if res.OutputDigest, err = r.store.PutFileSet(ctx, files); err != nil {
		return res, err
	}
	return res, nil
}

// fetchBlob ensures one remote blob exists in the local store.
func (r *RemoteRunner) fetchBlob(ctx context.Context, dp *repb.Digest, raw []byte) (cas.Digest, error) {
	if raw != nil {
		return r.store.Put(ctx, raw)
	}
	if dp == nil {
		return r.store.Put(ctx, nil)
	}
	d, err := cas.DigestFromProto(dp)
	if err != nil {
		return cas.Digest{}, err
	}
	if r.store.Contains(d) {
		return d, nil
	}
	resp, err := r.casClient.BatchReadBlobs(ctx, &repb.BatchReadBlobsRequest{
		InstanceName: r.instance,
		Digests:      []*repb.Digest{dp},
	})
	if err != nil {
		return cas.Digest{}, rpcErr("BatchReadBlobs", err)
	}
	for _, br := range resp.GetResponses() {
		if br.GetStatus().GetCode() != 0 {
			return cas.Digest{}, rpcErr("BatchReadBlobs", status.ErrorProto(br.GetStatus()))
		}
		return r.store.Put(ctx, br.GetData())
	}
	return cas.Digest{}, errors.Fmt("execution: remote returned no data for %s", dp.GetHash())
}

// fetchTree expands one remote OutputDirectory (an repb.Tree) into file
// entries rooted at its path, downloading file blobs as needed.
func (r *RemoteRunner) fetchTree(ctx context.Context, od *repb.OutputDirectory, files map[string]cas.FileEntry) error {
	td, err := cas.DigestFromProto(od.GetTreeDigest())
	if err != nil {
		return err
	}
	blob, err := r.fetchBlobBytes(ctx, td)
	if err != nil {
		return err
	}
	tree := &repb.Tree{}
	if err := proto.Unmarshal(blob, tree); err != nil {
		return errors.Fmt("execution: decoding output tree: %w", err)
	}

	// Children are keyed by the digest of their canonical encoding.
	children := map[string]*repb.Directory{}
	for _, child := range tree.GetChildren() {
		cb, err := proto.MarshalOptions{Deterministic: true}.Marshal(child)
		if err != nil {
			return err
		}
		children[cas.NewDigest(cb).Hash] = child
	}

	var expand func(dir *repb.Directory, prefix string) error
	expand = func(dir *repb.Directory, prefix string) error {
		for _, f := range dir.GetFiles() {
			d, err := r.fetchBlob(ctx, f.GetDigest(), nil)
			if err != nil {
				return err
			}
			files[path.Join(prefix, f.GetName())] = cas.FileEntry{Digest: d, Executable: f.GetIsExecutable()}
		}
		for _, sub := range dir.GetDirectories() {
			child := children[sub.GetDigest().GetHash()]
			if child == nil {
				return errors.Fmt("execution: output tree is missing child %s", sub.GetDigest().GetHash())
			}
			if err := expand(child, path.Join(prefix, sub.GetName())); err != nil {
				return err
			}
		}
		return nil
	}
	return expand(tree.GetRoot(), od.GetPath())
}

func (r *RemoteRunner) fetchBlobBytes(ctx context.Context, d cas.Digest) ([]byte, error) {
	if r.store.Contains(d) {
		return r.store.Bytes(ctx, d)
	}
	if _, err := r.fetchBlob(ctx, d.ToProto(), nil); err != nil {
		return nil, err
	}
	return r.store.Bytes(ctx, d)
}

// rpcErr tags backend errors that are worth retrying as transient.
func rpcErr(call string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return transient.Tag.Apply(errors.Fmt("execution: %s: %w", call, err))
	default:
		return errors.Fmt("execution: %s: %w", call, err)
	}
}

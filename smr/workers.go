package smr

import (
	"context"

	"github.com/cryptape/overlord/eventagent"
)

// RunFetchWorker drains EventAgent's fetch-request channel, resolves
// each one via the configured BlockFetcher, and forwards the outcome on
// fromFetch. The caller is expected to run this as its own goroutine
// alongside Run, both started once New has returned; a fetch triggered
// during crash recovery waits in toFetch's buffer until then.
// toFetch/fromFetch must be the same channels given to
// eventagent.New/Driver.Run.
func (d *Driver) RunFetchWorker(ctx context.Context, toFetch <-chan eventagent.FetchRequest, fromFetch chan<- eventagent.FetchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-toFetch:
			if !ok {
				return
			}
			payload, err := d.fetcher.FetchFullBlock(ctx, req.Block)
			result := eventagent.FetchResult{Height: req.Height, Hash: req.Hash, Payload: payload, Err: err}
			select {
			case fromFetch <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

// RunExecWorker drains EventAgent's execution-dispatch channel and hands
// each request to the configured Executor. Per adapter.Executor's
// contract, the resulting ExecResult is not produced by this call; it is
// expected to arrive later on the driver's from_exec channel via
// whatever subscription the host application holds on its execution
// engine.
func (d *Driver) RunExecWorker(ctx context.Context, toExec <-chan eventagent.ExecRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-toExec:
			if !ok {
				return
			}
			if err := d.exec.SaveAndExecBlockWithProof(ctx, req.Height, req.Payload, req.Proof); err != nil {
				d.logErr("smr: save_and_exec_block_with_proof", err)
			}
		}
	}
}

// Package smr implements the top-level SMR driver: the single-threaded
// event loop that owns every other component and is the sole point at
// which shared state is mutated. Nothing here runs concurrently with
// itself; the driver suspends only at channel reads, at awaits on the
// adapter-backed collaborators, and around WAL writes.
package smr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cryptape/overlord/adapter"
	"github.com/cryptape/overlord/auth"
	"github.com/cryptape/overlord/cabinet"
	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/eventagent"
	"github.com/cryptape/overlord/internal/gchan"
	"github.com/cryptape/overlord/prepare"
	"github.com/cryptape/overlord/smrerr"
	"github.com/cryptape/overlord/stateinfo"
)

// Inbound is the sum of every message class the driver accepts on its
// from_net channel.
type Inbound struct {
	Proposal    *consensus.SignedProposal
	PreVote     *consensus.SignedVote
	PreCommit   *consensus.SignedVote
	Choke       *consensus.SignedChoke
	PreVoteQC   *consensus.PreVoteQC
	PreCommitQC *consensus.PreCommitQC
	ChokeQC     *consensus.ChokeQC
	SyncHint    *adapter.SyncHint
}

// Config bundles every collaborator the driver orchestrates. All fields
// are required except WAL, which may be nil only for tests that don't
// exercise crash recovery or persistence, and Log, which defaults to
// slog.Default() when nil.
type Config struct {
	Log *slog.Logger

	Auth    *auth.Manager
	Cabinet *cabinet.Cabinet
	Prepare *prepare.ProposePrepare
	Agent   *eventagent.EventAgent
	WAL     WAL

	Blocks  adapter.BlockSource
	Fetcher adapter.BlockFetcher
	Exec    adapter.Executor
	Net     adapter.Network
}

// Driver is the SMR component: the single-threaded event loop that owns
// every collaborator. A Driver is not safe for concurrent use; it is
// designed to run its Run loop on a single goroutine for its entire
// lifetime.
type Driver struct {
	log *slog.Logger

	auth  *auth.Manager
	cab   *cabinet.Cabinet
	state *stateinfo.StateInfo
	prep  *prepare.ProposePrepare
	agent *eventagent.EventAgent
	wal   WAL

	blocks  adapter.BlockSource
	fetcher adapter.BlockFetcher
	exec    adapter.Executor
	net     adapter.Network

	// pendingPreVoteQC/pendingPreCommitQC hold QCs seen before their full
	// block payload arrived; handleFetchResult replays them once the
	// block lands. The QC is verified on arrival either way; only the
	// step transition it drives is deferred.
	pendingPreVoteQC   map[consensus.Hash]consensus.PreVoteQC
	pendingPreCommitQC map[consensus.Hash]consensus.PreCommitQC

	// lastChokeQC is the strongest ChokeQC this replica has itself
	// observed for the current height, used as the update_from fallback
	// when no stronger local evidence exists (see StrongestUpdateFrom).
	lastChokeQC *consensus.ChokeQC

	// statusReq services Status from outside the Run goroutine: the only
	// sanctioned way to read StateInfo without racing the event loop.
	statusReq chan chan Status
}

// Status is a read-only snapshot of a replica's current position,
// suitable for a debug endpoint or CLI inspection command.
type Status struct {
	Height     consensus.Height
	Round      consensus.Round
	Step       consensus.Step
	Locked     bool
	CanVote    bool
	IsLeader   bool
	ExecHeight consensus.Height
}

// Status reports a point-in-time snapshot of the driver's state. It is
// safe to call from any goroutine: the request is serviced by the Run
// loop itself on its next iteration, the same way every other state
// read happens, so Status never observes a torn StateInfo.
func (d *Driver) Status(ctx context.Context) (Status, error) {
	resp := make(chan Status, 1)
	st, ok := gchan.ReqResp(ctx, d.statusReq, resp, resp)
	if !ok {
		return Status{}, ctx.Err()
	}
	return st, nil
}

// New constructs a Driver and runs crash recovery: if cfg.WAL holds a
// prior StateInfo snapshot, it becomes the starting point and its full
// blocks are replayed into Cabinet; otherwise a fresh StateInfo is
// created at the adapter's reported latest height + 1.
//
// Recovery can itself dispatch a proposal, a fetch, or a timer arm
// before New returns. RunFetchWorker and RunExecWorker are methods on
// the returned Driver, so they cannot be running yet, and Run is not yet
// reading from_timeout: the channels given to eventagent.New need buffer
// room for whatever recovery sends, otherwise a send from recovery
// blocks until ctx is canceled.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Auth == nil || cfg.Cabinet == nil || cfg.Prepare == nil || cfg.Agent == nil {
		return nil, fmt.Errorf("smr: Auth, Cabinet, Prepare and Agent are required")
	}
	if cfg.Blocks == nil || cfg.Fetcher == nil || cfg.Exec == nil || cfg.Net == nil {
		return nil, fmt.Errorf("smr: Blocks, Fetcher, Exec and Net are required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	d := &Driver{
		log:                log,
		auth:               cfg.Auth,
		cab:                cfg.Cabinet,
		prep:               cfg.Prepare,
		agent:              cfg.Agent,
		wal:                cfg.WAL,
		blocks:             cfg.Blocks,
		fetcher:            cfg.Fetcher,
		exec:               cfg.Exec,
		net:                cfg.Net,
		pendingPreVoteQC:   make(map[consensus.Hash]consensus.PreVoteQC),
		pendingPreCommitQC: make(map[consensus.Hash]consensus.PreCommitQC),
		statusReq:          make(chan chan Status),
	}

	if err := d.recover(ctx); err != nil {
		return nil, fmt.Errorf("smr: recovery: %w", err)
	}
	return d, nil
}

// Run is the event loop. It returns only when ctx is canceled or one of
// the inbound channels is closed.
func (d *Driver) Run(
	ctx context.Context,
	fromNet <-chan Inbound,
	fromExec <-chan consensus.ExecResult,
	fromFetch <-chan eventagent.FetchResult,
	fromTimeout <-chan eventagent.TimeoutEvent,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-fromNet:
			if !ok {
				return fmt.Errorf("smr: from_net closed")
			}
			d.handleInbound(ctx, msg)

		case r, ok := <-fromExec:
			if !ok {
				return fmt.Errorf("smr: from_exec closed")
			}
			d.prep.HandleExecResult(r)
			d.log.Debug("exec result recorded", "height", r.Height, "exec_height", d.prep.ExecHeight())

		case fr, ok := <-fromFetch:
			if !ok {
				return fmt.Errorf("smr: from_fetch closed")
			}
			d.handleFetchResult(ctx, fr)

		case ev, ok := <-fromTimeout:
			if !ok {
				return fmt.Errorf("smr: from_timeout closed")
			}
			d.handleTimeout(ctx, ev)

		case resp := <-d.statusReq:
			resp <- d.snapshotStatus()
		}
	}
}

func (d *Driver) snapshotStatus() Status {
	return Status{
		Height:     d.state.Height,
		Round:      d.state.Round,
		Step:       d.state.Step,
		Locked:     d.state.Lock != nil,
		CanVote:    d.auth.CanIVote(),
		IsLeader:   d.auth.AmILeader(d.state.Height, d.state.Round),
		ExecHeight: d.prep.ExecHeight(),
	}
}

// saveState persists the current StateInfo snapshot. A failure here is
// local-class and fatal: the driver cannot safely continue once it
// cannot account for its own crash-recovery state.
func (d *Driver) saveState() error {
	if d.wal == nil {
		return nil
	}
	if err := d.wal.SaveState(d.state.Snapshot()); err != nil {
		return smrerr.Local(fmt.Errorf("smr: save state: %w", err))
	}
	return nil
}

func (d *Driver) logErr(context string, err error) {
	if err == nil {
		return
	}
	class := smrerr.ClassOf(err)
	switch class {
	case smrerr.ClassDebug:
		d.log.Debug(context, "err", err)
	case smrerr.ClassByzantine:
		d.log.Warn(context, "err", err, "class", class.String())
	case smrerr.ClassLocal:
		d.log.Error(context, "err", err, "class", class.String())
		panic(err)
	default:
		d.log.Warn(context, "err", err, "class", class.String())
	}
}

// Package eventagent implements EventAgent: the boundary for the SMR
// driver's timers, full-block fetches and execution dispatch. Outbound
// transmit/broadcast does not pass through EventAgent: the driver calls
// adapter.Network directly. Nothing in this
// package mutates StateInfo, Cabinet or AuthManage; it only arms timers
// and hands requests to adapter-backed channels, then lets their
// replies rejoin the driver's main loop.
package eventagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryptape/overlord/consensus"
)

// FetchRequest asks the adapter to fetch the full block behind a header.
type FetchRequest struct {
	Height consensus.Height
	Hash   consensus.Hash
	Block  consensus.Block
}

// FetchResult is delivered on from_fetch once a request resolves (or
// fails; Err is non-nil in that case and the fetch may be retried the
// next time a proposal referencing the same hash is seen).
type FetchResult struct {
	Height  consensus.Height
	Hash    consensus.Hash
	Payload []byte
	Err     error
}

// ExecRequest asks the adapter/executor to persist and execute a
// committed full block.
type ExecRequest struct {
	Height  consensus.Height
	Payload []byte
	Proof   consensus.PreCommitQC
}

// TimeoutEvent is delivered on from_timeout when an armed timer fires.
// Stage is the stage the timer was armed for; the driver must discard
// the event if Stage no longer matches its current stage.
type TimeoutEvent struct {
	Stage consensus.Stage
}

// EventAgent is the driver's I/O multiplexer for timers and outbound
// requests.
type EventAgent struct {
	mu sync.Mutex

	toFetch chan<- FetchRequest
	toExec  chan<- ExecRequest

	fromTimeout chan<- TimeoutEvent

	timeCfg consensus.TimeConfig

	// fetchSet deduplicates in-flight fetch requests within a height.
	fetchSet map[consensus.Hash]bool

	startTime time.Time

	timer      *time.Timer
	timerStage consensus.Stage
}

// Config bundles the channels EventAgent sends on; from_net/from_exec/
// from_fetch/from_timeout are owned and read by the SMR driver itself,
// not by EventAgent, since EventAgent's whole job is producing outbound
// effects, not consuming inbound messages.
type Config struct {
	ToFetch     chan<- FetchRequest
	ToExec      chan<- ExecRequest
	FromTimeout chan<- TimeoutEvent
}

// New returns an EventAgent using the given initial time configuration.
func New(cfg Config, timeCfg consensus.TimeConfig) *EventAgent {
	return &EventAgent{
		toFetch:     cfg.ToFetch,
		toExec:      cfg.ToExec,
		fromTimeout: cfg.FromTimeout,
		timeCfg:     timeCfg,
		fetchSet:    make(map[consensus.Hash]bool),
		startTime:   time.Now(),
	}
}

// RequestFullBlock spawns a fetch for block's hash unless one is already
// outstanding for this height. It reports whether a new fetch was
// started.
func (e *EventAgent) RequestFullBlock(ctx context.Context, height consensus.Height, hash consensus.Hash, block consensus.Block) bool {
	e.mu.Lock()
	if e.fetchSet[hash] {
		e.mu.Unlock()
		return false
	}
	e.fetchSet[hash] = true
	e.mu.Unlock()

	req := FetchRequest{Height: height, Hash: hash, Block: block}
	select {
	case e.toFetch <- req:
		return true
	case <-ctx.Done():
		return false
	}
}

// ClearFetch allows a later retry of the same hash, e.g. after a failed
// fetch result is observed.
func (e *EventAgent) ClearFetch(hash consensus.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fetchSet, hash)
}

// SaveAndExecBlock dispatches a fire-and-forget execution request; its
// result is delivered out of band via whatever channel the driver reads
// from_exec on.
func (e *EventAgent) SaveAndExecBlock(ctx context.Context, req ExecRequest) error {
	select {
	case e.toExec <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTimeout arms a timer for stage, replacing any previously armed
// timer. It reports whether a timer was armed (duration > 0).
func (e *EventAgent) SetTimeout(stage consensus.Stage, round consensus.Round) bool {
	d := e.timeoutFor(stage.Step, round)
	if d <= 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerStage = stage
	e.timer = time.AfterFunc(d, func() {
		select {
		case e.fromTimeout <- TimeoutEvent{Stage: stage}:
		default:
			// If the driver isn't ready to receive, block until it is
			// instead of dropping the only signal that would otherwise
			// move the round forward.
			e.fromTimeout <- TimeoutEvent{Stage: stage}
		}
	})
	return true
}

// CancelTimeout stops any currently armed timer.
func (e *EventAgent) CancelTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// timeoutFor computes the armed duration for a timer at (step, round).
// Propose/PreVote/PreCommit scale exponentially with round, capped at
// 2^5; Brake does not scale with round; Commit's next-height throttle is
// computed separately via CommitThrottle since it depends on elapsed
// wall time rather than round.
func (e *EventAgent) timeoutFor(step consensus.Step, round consensus.Round) time.Duration {
	e.mu.Lock()
	tc := e.timeCfg
	e.mu.Unlock()

	interval := time.Duration(tc.IntervalMillis) * time.Millisecond

	shift := uint(round)
	if shift > 5 {
		shift = 5
	}
	scale := uint64(1) << shift

	switch step {
	case consensus.StepPropose:
		return interval * time.Duration(tc.ProposeRatio) / 10 * time.Duration(scale)
	case consensus.StepPreVote:
		return interval * time.Duration(tc.PreVoteRatio) / 10 * time.Duration(scale)
	case consensus.StepPreCommit:
		return interval * time.Duration(tc.PreCommitRatio) / 10 * time.Duration(scale)
	case consensus.StepBrake:
		return interval * time.Duration(tc.BrakeRatio) / 10
	default:
		return 0
	}
}

// CommitThrottle computes how long to wait before starting the next
// height: max(0, interval - elapsed since this height's start), skipped
// entirely (0) if the local replica is the next leader.
func (e *EventAgent) CommitThrottle(amINextLeader bool) time.Duration {
	if amINextLeader {
		return 0
	}

	e.mu.Lock()
	interval := time.Duration(e.timeCfg.IntervalMillis) * time.Millisecond
	elapsed := time.Since(e.startTime)
	e.mu.Unlock()

	remaining := interval - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NextHeight rotates the time configuration (since execution of the
// previous height may have changed it) and clears all per-height state:
// the fetch-dedup set and the height-start clock used by CommitThrottle.
func (e *EventAgent) NextHeight(timeCfg consensus.TimeConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeCfg = timeCfg
	e.fetchSet = make(map[consensus.Hash]bool)
	e.startTime = time.Now()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// String renders the agent's current time configuration for logging.
func (e *EventAgent) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("interval=%dms propose=%d/10 prevote=%d/10 precommit=%d/10 brake=%d/10",
		e.timeCfg.IntervalMillis, e.timeCfg.ProposeRatio, e.timeCfg.PreVoteRatio,
		e.timeCfg.PreCommitRatio, e.timeCfg.BrakeRatio)
}

// Package cabinet implements Cabinet: the content-addressed store of
// in-flight consensus messages, keyed by (height, round), with per-step
// per-hash vote-weight accumulation used to detect quorum crossings.
package cabinet

import (
	"sync"

	"github.com/cryptape/overlord/consensus"
)

// Weigher answers the weight questions Cabinet needs to decide whether
// an aggregation threshold has been crossed, without owning validator
// bookkeeping itself. The SMR driver backs this with auth.Manager.
type Weigher interface {
	// Weight returns the voting weight of addr at height, and whether
	// addr is a validator at that height at all.
	Weight(height consensus.Height, addr consensus.Address) (weight uint64, ok bool)
	// BeyondMajority reports whether cumulative weight w at height
	// exceeds 2/3 of that height's total validator weight.
	BeyondMajority(height consensus.Height, w uint64) bool
}

// InsertOutcome reports what happened when a vote or choke was inserted.
type InsertOutcome uint8

const (
	// InsertRedundant means the exact (voter, vote) pair was already
	// present; the insert was a no-op.
	InsertRedundant InsertOutcome = iota
	// InsertAccepted means new weight was recorded but no threshold was
	// newly crossed.
	InsertAccepted
	// InsertQuorum means this insert is the one that pushed the
	// cumulative weight for (round, kind, hash) beyond majority for the
	// first time in this round+kind.
	InsertQuorum
)

type voteBucket struct {
	// voters by hash.
	byHash map[consensus.Hash]map[consensus.Address]consensus.SignedVote
	// weight accumulated by hash.
	weight map[consensus.Hash]uint64
	// set once any hash in this bucket has crossed majority; further
	// crossings for a different hash in the same bucket are ignored
	// (first-to-cross wins; only possible with byzantine voters).
	crossedHash *consensus.Hash
}

func newVoteBucket() *voteBucket {
	return &voteBucket{
		byHash: make(map[consensus.Hash]map[consensus.Address]consensus.SignedVote),
		weight: make(map[consensus.Hash]uint64),
	}
}

type chokeBucket struct {
	byVoter map[consensus.Address]consensus.SignedChoke
	weight  uint64
	crossed bool
}

type heightEntry struct {
	proposals map[consensus.Round]consensus.SignedProposal

	preVotes   map[consensus.Round]*voteBucket
	preCommits map[consensus.Round]*voteBucket
	chokes     map[consensus.Round]*chokeBucket

	fullBlocks map[consensus.Hash][]byte

	// future holds raw inbound envelopes received for a height still
	// ahead of the replica's own, per the filter_msg buffering rule.
	// They are opaque to Cabinet (the driver owns their concrete type)
	// and are replayed once the replica reaches that height.
	future []any
}

func newHeightEntry() *heightEntry {
	return &heightEntry{
		proposals:  make(map[consensus.Round]consensus.SignedProposal),
		preVotes:   make(map[consensus.Round]*voteBucket),
		preCommits: make(map[consensus.Round]*voteBucket),
		chokes:     make(map[consensus.Round]*chokeBucket),
		fullBlocks: make(map[consensus.Hash][]byte),
	}
}

// Cabinet is the per-(height,round) message store. It is mutated only by
// the SMR driver and is never accessed concurrently with itself.
type Cabinet struct {
	mu      sync.Mutex
	heights map[consensus.Height]*heightEntry
}

// New returns an empty Cabinet.
func New() *Cabinet {
	return &Cabinet{heights: make(map[consensus.Height]*heightEntry)}
}

func (c *Cabinet) entry(height consensus.Height) *heightEntry {
	e, ok := c.heights[height]
	if !ok {
		e = newHeightEntry()
		c.heights[height] = e
	}
	return e
}

// InsertProposal buffers sp for later retrieval by TakeSignedProposal.
// Only one proposal is retained per (height, round); a later insert for
// the same slot replaces the earlier one, mirroring that a round has at
// most one honest proposer.
func (c *Cabinet) InsertProposal(sp consensus.SignedProposal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(sp.Proposal.Height)
	e.proposals[sp.Proposal.Round] = sp
}

// TakeSignedProposal drains and returns any buffered proposal for
// (height, round), e.g. at round start, so it is only consumed once.
func (c *Cabinet) TakeSignedProposal(height consensus.Height, round consensus.Round) (consensus.SignedProposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.heights[height]
	if !ok {
		return consensus.SignedProposal{}, false
	}
	sp, ok := e.proposals[round]
	if ok {
		delete(e.proposals, round)
	}
	return sp, ok
}

// InsertPreVote inserts a signed pre-vote, updating cumulative weight
// for its (round, hash). Duplicate (voter, vote) inserts are idempotent.
func (c *Cabinet) InsertPreVote(sv consensus.SignedVote, w Weigher) (InsertOutcome, error) {
	return c.insertVote(sv, w, false)
}

// InsertPreCommit is the pre-commit analogue of InsertPreVote.
func (c *Cabinet) InsertPreCommit(sv consensus.SignedVote, w Weigher) (InsertOutcome, error) {
	return c.insertVote(sv, w, true)
}

func (c *Cabinet) insertVote(sv consensus.SignedVote, w Weigher, precommit bool) (InsertOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	weight, ok := w.Weight(sv.Vote.Height, sv.Voter)
	if !ok {
		return InsertAccepted, errUnknownVoter{sv.Voter}
	}

	e := c.entry(sv.Vote.Height)
	buckets := e.preVotes
	if precommit {
		buckets = e.preCommits
	}

	b, ok := buckets[sv.Vote.Round]
	if !ok {
		b = newVoteBucket()
		buckets[sv.Vote.Round] = b
	}

	byAddr, ok := b.byHash[sv.Vote.BlockHash]
	if !ok {
		byAddr = make(map[consensus.Address]consensus.SignedVote)
		b.byHash[sv.Vote.BlockHash] = byAddr
	}
	if _, dup := byAddr[sv.Voter]; dup {
		return InsertRedundant, nil
	}

	byAddr[sv.Voter] = sv
	b.weight[sv.Vote.BlockHash] += weight

	if b.crossedHash != nil {
		// Some hash in this round+kind already reached quorum; later
		// crossings for a different hash are possible only with
		// byzantine double-voting and must not be reported again.
		return InsertAccepted, nil
	}

	if w.BeyondMajority(sv.Vote.Height, b.weight[sv.Vote.BlockHash]) {
		h := sv.Vote.BlockHash
		b.crossedHash = &h
		return InsertQuorum, nil
	}

	return InsertAccepted, nil
}

// InsertChoke inserts a signed choke, updating cumulative weight for its
// round.
func (c *Cabinet) InsertChoke(sc consensus.SignedChoke, w Weigher) (InsertOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	weight, ok := w.Weight(sc.Choke.Height, sc.Signer)
	if !ok {
		return InsertAccepted, errUnknownVoter{sc.Signer}
	}

	e := c.entry(sc.Choke.Height)
	b, ok := e.chokes[sc.Choke.Round]
	if !ok {
		b = &chokeBucket{byVoter: make(map[consensus.Address]consensus.SignedChoke)}
		e.chokes[sc.Choke.Round] = b
	}

	if _, dup := b.byVoter[sc.Signer]; dup {
		return InsertRedundant, nil
	}

	b.byVoter[sc.Signer] = sc
	b.weight += weight

	if b.crossed {
		return InsertAccepted, nil
	}
	if w.BeyondMajority(sc.Choke.Height, b.weight) {
		b.crossed = true
		return InsertQuorum, nil
	}
	return InsertAccepted, nil
}

// GetSignedPreVotesByHash returns the signed pre-votes recorded for
// (height, round, hash).
func (c *Cabinet) GetSignedPreVotesByHash(height consensus.Height, round consensus.Round, hash consensus.Hash) []consensus.SignedVote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.votesByHash(height, round, hash, false)
}

// GetSignedPreCommitsByHash is the pre-commit analogue of
// GetSignedPreVotesByHash.
func (c *Cabinet) GetSignedPreCommitsByHash(height consensus.Height, round consensus.Round, hash consensus.Hash) []consensus.SignedVote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.votesByHash(height, round, hash, true)
}

func (c *Cabinet) votesByHash(height consensus.Height, round consensus.Round, hash consensus.Hash, precommit bool) []consensus.SignedVote {
	e, ok := c.heights[height]
	if !ok {
		return nil
	}
	buckets := e.preVotes
	if precommit {
		buckets = e.preCommits
	}
	b, ok := buckets[round]
	if !ok {
		return nil
	}
	byAddr, ok := b.byHash[hash]
	if !ok {
		return nil
	}
	out := make([]consensus.SignedVote, 0, len(byAddr))
	for _, sv := range byAddr {
		out = append(out, sv)
	}
	return out
}

// GetSignedChokes returns the signed chokes recorded for (height, round).
func (c *Cabinet) GetSignedChokes(height consensus.Height, round consensus.Round) []consensus.SignedChoke {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.heights[height]
	if !ok {
		return nil
	}
	b, ok := e.chokes[round]
	if !ok {
		return nil
	}
	out := make([]consensus.SignedChoke, 0, len(b.byVoter))
	for _, sc := range b.byVoter {
		out = append(out, sc)
	}
	return out
}

// InsertFullBlock stores a fetched full block payload, keyed by height
// and hash.
func (c *Cabinet) InsertFullBlock(fb consensus.FetchedFullBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(fb.Height)
	e.fullBlocks[fb.Hash] = fb.Payload
}

// GetFullBlock returns the payload for (height, hash), if present. Its
// presence gates vote emission per the state machine's transition rules.
func (c *Cabinet) GetFullBlock(height consensus.Height, hash consensus.Hash) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.heights[height]
	if !ok {
		return nil, false
	}
	payload, ok := e.fullBlocks[hash]
	return payload, ok
}

// BufferFuture stashes msg (an inbound envelope the driver could not yet
// act on, per filter_msg's debug_high branch) against height, to be
// replayed via DrainFuture once the replica reaches that height.
func (c *Cabinet) BufferFuture(height consensus.Height, msg any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(height)
	e.future = append(e.future, msg)
}

// DrainFuture removes and returns every envelope previously buffered for
// height via BufferFuture.
func (c *Cabinet) DrainFuture(height consensus.Height) []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.heights[height]
	if !ok || len(e.future) == 0 {
		return nil
	}
	out := e.future
	e.future = nil
	return out
}

// HandleCommit purges all entries strictly below nextHeight. Nothing is
// kept for a Lock: StateInfo clears its Lock when it advances height.
func (c *Cabinet) HandleCommit(nextHeight consensus.Height) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for h := range c.heights {
		if h < nextHeight {
			delete(c.heights, h)
		}
	}
}

type errUnknownVoter struct {
	addr consensus.Address
}

func (e errUnknownVoter) Error() string {
	return "cabinet: signer is not a validator at the claimed height"
}

// Package auth implements AuthManage: the validator set, weights,
// leader schedule, and all signing/verification/aggregation of
// consensus artifacts. It is the only component that touches the
// Crypto collaborator directly.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/crypto"
)

// Validator is one entry of a ValidatorSet: an address (the validator's
// compressed BLS public key bytes), its voting weight, and the parsed
// public key used for verification.
type Validator struct {
	Address consensus.Address
	Weight  uint64
	PubKey  crypto.PubKey
}

// ValidatorSet is a sorted, immutable snapshot of validators effective
// at some generation of the chain. Sorting by address makes the
// validator-set hash, the leader schedule and the voter bitmap ordering
// deterministic across replicas that agree on membership.
type ValidatorSet struct {
	validators  []Validator
	index       map[consensus.Address]int
	totalWeight uint64
	hash        [32]byte
}

// NewValidatorSet builds a ValidatorSet from AuthConfig entries. Each
// entry's Address must be valid BLS public key bytes, since address
// derivation is defined as the public key's compressed encoding.
func NewValidatorSet(cfg consensus.AuthConfig) (*ValidatorSet, error) {
	if len(cfg.Validators) == 0 {
		return nil, fmt.Errorf("auth: validator set must not be empty")
	}

	vs := make([]Validator, len(cfg.Validators))
	for i, vi := range cfg.Validators {
		pk, err := crypto.ParsePubKey([]byte(vi.Address))
		if err != nil {
			return nil, fmt.Errorf("auth: invalid validator address %x: %w", vi.Address, err)
		}
		vs[i] = Validator{Address: vi.Address, Weight: vi.Weight, PubKey: pk}
	}

	sort.Slice(vs, func(i, j int) bool { return vs[i].Address < vs[j].Address })

	index := make(map[consensus.Address]int, len(vs))
	var total uint64
	h := sha256.New()
	for i, v := range vs {
		if _, dup := index[v.Address]; dup {
			return nil, fmt.Errorf("auth: duplicate validator address %x", v.Address)
		}
		index[v.Address] = i
		total += v.Weight
		h.Write([]byte(v.Address))
		var wb [8]byte
		binary.BigEndian.PutUint64(wb[:], v.Weight)
		h.Write(wb[:])
	}
	if total == 0 {
		return nil, fmt.Errorf("auth: total validator weight must be > 0")
	}

	var hashArr [32]byte
	copy(hashArr[:], h.Sum(nil))

	return &ValidatorSet{validators: vs, index: index, totalWeight: total, hash: hashArr}, nil
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int { return len(vs.validators) }

// TotalWeight returns the sum of all validator weights.
func (vs *ValidatorSet) TotalWeight() uint64 { return vs.totalWeight }

// ByAddress returns the validator at the given address, if present.
func (vs *ValidatorSet) ByAddress(addr consensus.Address) (Validator, bool) {
	i, ok := vs.index[addr]
	if !ok {
		return Validator{}, false
	}
	return vs.validators[i], true
}

// Contains reports whether addr is in the set.
func (vs *ValidatorSet) Contains(addr consensus.Address) bool {
	_, ok := vs.index[addr]
	return ok
}

// BeyondMajority reports whether cumulative weight w exceeds 2/3 of the
// set's total weight: 3*w > 2*total.
func (vs *ValidatorSet) BeyondMajority(w uint64) bool {
	return 3*w > 2*vs.totalWeight
}

// Leader deterministically selects the validator for (height, round),
// using a weighted round-robin seeded by the validator set's hash.
// Every replica holding the same ValidatorSet snapshot must compute the
// same result for the same (height, round).
func (vs *ValidatorSet) Leader(height consensus.Height, round consensus.Round) Validator {
	h := sha256.New()
	h.Write(vs.hash[:])
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], uint64(height))
	h.Write(hb[:])
	var rb [4]byte
	binary.BigEndian.PutUint32(rb[:], uint32(round))
	h.Write(rb[:])
	sum := h.Sum(nil)
	seed := binary.BigEndian.Uint64(sum[:8])

	target := seed % vs.totalWeight
	var acc uint64
	for _, v := range vs.validators {
		acc += v.Weight
		if target < acc {
			return v
		}
	}
	// Unreachable: acc == totalWeight > target by construction.
	return vs.validators[len(vs.validators)-1]
}

// Bitmap builds a bitset marking which validators in vs are present in
// addrs, in ValidatorSet order.
func (vs *ValidatorSet) Bitmap(addrs []consensus.Address) *bitset.BitSet {
	bs := bitset.New(uint(len(vs.validators)))
	for _, a := range addrs {
		if i, ok := vs.index[a]; ok {
			bs.Set(uint(i))
		}
	}
	return bs
}

// Voters returns the validators whose bit is set in bs, and their
// cumulative weight.
func (vs *ValidatorSet) Voters(bs *bitset.BitSet) ([]Validator, uint64) {
	var (
		out  []Validator
		wsum uint64
	)
	for i, v := range vs.validators {
		if bs.Test(uint(i)) {
			out = append(out, v)
			wsum += v.Weight
		}
	}
	return out, wsum
}

// Manager is AuthManage: the component owning the current and prior
// validator-set generations, the local signing key, and all
// verification/aggregation of consensus artifacts. It is only ever
// mutated by the SMR driver.
type Manager struct {
	mu sync.Mutex

	// currentHeight is the height whose validator set is Current; Last
	// is the validator set of currentHeight-1, kept around only to
	// verify straggling messages for the previous height.
	currentHeight consensus.Height
	current       *ValidatorSet
	last          *ValidatorSet

	myAddress consensus.Address
	signer    *crypto.Signer

	byzantineCounts map[consensus.Address]uint64
}

// NewManager constructs a Manager for the genesis validator set, which
// is effective starting at initialHeight. signer may be nil for a
// read-only / observer replica that never votes.
func NewManager(initialHeight consensus.Height, genesis consensus.AuthConfig, myAddress consensus.Address, signer *crypto.Signer) (*Manager, error) {
	vs, err := NewValidatorSet(genesis)
	if err != nil {
		return nil, err
	}
	return &Manager{
		currentHeight:   initialHeight,
		current:         vs,
		myAddress:       myAddress,
		signer:          signer,
		byzantineCounts: make(map[consensus.Address]uint64),
	}, nil
}

// CurrentHeight returns the height whose validator set is the current
// one (i.e. the height the replica is working on).
func (m *Manager) CurrentHeight() consensus.Height {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentHeight
}

// Resync aligns currentHeight with a height recovered from chain
// history or the WAL, without rotating current/last: Resync is only
// ever appropriate once, right after construction and before the
// replica starts voting, since it has no real prior validator-set
// generation to install as last. A construction-time initialHeight that
// never matches the replica's actual recovered height would otherwise
// make every applicableSet lookup fail once the replica resumes past
// that height.
func (m *Manager) Resync(height consensus.Height) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentHeight = height
}

// applicableSet returns the validator set that should be used to verify
// a message claiming the given height: the current set for the current
// height, or the prior set for current height minus one.
func (m *Manager) applicableSet(height consensus.Height) (*ValidatorSet, error) {
	switch height {
	case m.currentHeight:
		return m.current, nil
	case m.currentHeight - 1:
		if m.last == nil {
			return nil, fmt.Errorf("auth: no prior validator set available for height %d", height)
		}
		return m.last, nil
	default:
		return nil, fmt.Errorf("auth: height %d is not current (%d) or prior", height, m.currentHeight)
	}
}

// CanIVote reports whether the local address is a voting member of the
// current validator set.
func (m *Manager) CanIVote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Contains(m.myAddress)
}

// AmILeader reports whether the local address is the leader for
// (height, round) under the current validator set.
func (m *Manager) AmILeader(height consensus.Height, round consensus.Round) bool {
	return m.GetLeader(height, round) == m.myAddress
}

// GetLeader returns the deterministic leader address for (height, round).
func (m *Manager) GetLeader(height consensus.Height, round consensus.Round) consensus.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, err := m.applicableSet(height)
	if err != nil {
		// Fall back to current; callers filtering by height should never
		// reach here for a height outside [currentHeight-1, currentHeight].
		vs = m.current
	}
	return vs.Leader(height, round).Address
}

// MyAddress returns the local replica's address.
func (m *Manager) MyAddress() consensus.Address { return m.myAddress }

// Weight implements cabinet.Weigher: the voting weight of addr at height,
// under whichever validator-set generation applies there.
func (m *Manager) Weight(height consensus.Height, addr consensus.Address) (uint64, bool) {
	m.mu.Lock()
	vs, err := m.applicableSet(height)
	m.mu.Unlock()
	if err != nil {
		return 0, false
	}
	v, ok := vs.ByAddress(addr)
	if !ok {
		return 0, false
	}
	return v.Weight, true
}

// BeyondMajority implements cabinet.Weigher for the validator-set
// generation applicable at height.
func (m *Manager) BeyondMajority(height consensus.Height, w uint64) bool {
	m.mu.Lock()
	vs, err := m.applicableSet(height)
	m.mu.Unlock()
	if err != nil {
		return false
	}
	return vs.BeyondMajority(w)
}

// --- signing ---------------------------------------------------------

// SignProposal signs p as the local replica (intended for use only when
// AmILeader is true).
func (m *Manager) SignProposal(ctx context.Context, p consensus.Proposal) (consensus.SignedProposal, error) {
	if m.signer == nil {
		return consensus.SignedProposal{}, fmt.Errorf("auth: replica has no signing key")
	}
	sig, err := m.signer.Sign(ctx, consensus.ProposalSignBytes(p))
	if err != nil {
		return consensus.SignedProposal{}, fmt.Errorf("auth: sign proposal: %w", err)
	}
	return consensus.SignedProposal{Proposal: p, Signature: sig}, nil
}

// SignVote signs v as the local replica.
func (m *Manager) SignVote(ctx context.Context, v consensus.Vote) (consensus.SignedVote, error) {
	if m.signer == nil {
		return consensus.SignedVote{}, fmt.Errorf("auth: replica has no signing key")
	}
	sig, err := m.signer.Sign(ctx, consensus.VoteSignBytes(v))
	if err != nil {
		return consensus.SignedVote{}, fmt.Errorf("auth: sign vote: %w", err)
	}
	return consensus.SignedVote{Vote: v, Voter: m.myAddress, Signature: sig}, nil
}

// SignChoke signs c as the local replica.
func (m *Manager) SignChoke(ctx context.Context, c consensus.Choke) (consensus.SignedChoke, error) {
	if m.signer == nil {
		return consensus.SignedChoke{}, fmt.Errorf("auth: replica has no signing key")
	}
	sig, err := m.signer.Sign(ctx, consensus.ChokeSignBytes(c))
	if err != nil {
		return consensus.SignedChoke{}, fmt.Errorf("auth: sign choke: %w", err)
	}
	return consensus.SignedChoke{Choke: c, Signer: m.myAddress, Signature: sig}, nil
}

// --- verification ------------------------------------------------------
//
// All Verify* methods return a plain error; callers (the SMR driver) are
// responsible for classifying verification failures as byzantine-class
// via smrerr and dropping the message.

func (m *Manager) validatorFor(height consensus.Height, addr consensus.Address) (Validator, error) {
	m.mu.Lock()
	vs, err := m.applicableSet(height)
	m.mu.Unlock()
	if err != nil {
		return Validator{}, err
	}
	v, ok := vs.ByAddress(addr)
	if !ok {
		return Validator{}, fmt.Errorf("auth: %x is not a validator at height %d", addr, height)
	}
	return v, nil
}

// VerifySignedProposal checks that sp's signature was produced by its
// claimed proposer, who must be a validator for sp's height.
func (m *Manager) VerifySignedProposal(sp consensus.SignedProposal) error {
	v, err := m.validatorFor(sp.Proposal.Height, sp.Proposal.Proposer)
	if err != nil {
		return err
	}
	if !v.PubKey.Verify(consensus.ProposalSignBytes(sp.Proposal), sp.Signature) {
		return fmt.Errorf("auth: invalid proposal signature from %x", sp.Proposal.Proposer)
	}
	return nil
}

// VerifySignedPreVote checks sv's signature for a pre-vote.
func (m *Manager) VerifySignedPreVote(sv consensus.SignedVote) error {
	return m.verifySignedVote(sv, consensus.VotePreVote)
}

// VerifySignedPreCommit checks sv's signature for a pre-commit.
func (m *Manager) VerifySignedPreCommit(sv consensus.SignedVote) error {
	return m.verifySignedVote(sv, consensus.VotePreCommit)
}

func (m *Manager) verifySignedVote(sv consensus.SignedVote, want consensus.VoteKind) error {
	if sv.Vote.Kind != want {
		return fmt.Errorf("auth: expected %s vote, got %s", want, sv.Vote.Kind)
	}
	v, err := m.validatorFor(sv.Vote.Height, sv.Voter)
	if err != nil {
		return err
	}
	if !v.PubKey.Verify(consensus.VoteSignBytes(sv.Vote), sv.Signature) {
		return fmt.Errorf("auth: invalid %s signature from %x", want, sv.Voter)
	}
	return nil
}

// VerifySignedChoke checks sc's signature.
func (m *Manager) VerifySignedChoke(sc consensus.SignedChoke) error {
	v, err := m.validatorFor(sc.Choke.Height, sc.Signer)
	if err != nil {
		return err
	}
	if !v.PubKey.Verify(consensus.ChokeSignBytes(sc.Choke), sc.Signature) {
		return fmt.Errorf("auth: invalid choke signature from %x", sc.Signer)
	}
	return nil
}

// --- aggregation and QC verification ------------------------------------

// AggregatePreVotes combines signed pre-votes for the same
// (height, round, hash) into a PreVoteQC. Callers must have already
// verified each individual signature (e.g. on insert into Cabinet) and
// must supply a set whose cumulative weight exceeds the majority
// threshold; AggregatePreVotes does not re-verify individual signatures.
func (m *Manager) AggregatePreVotes(height consensus.Height, round consensus.Round, hash consensus.Hash, votes []consensus.SignedVote) (consensus.PreVoteQC, error) {
	qc, err := m.aggregateVotes(height, round, hash, consensus.VotePreVote, votes)
	if err != nil {
		return consensus.PreVoteQC{}, err
	}
	return consensus.PreVoteQC{
		Height: height, Round: round, BlockHash: hash,
		AggregateSignature: qc.sig, VoterBitmap: qc.bitmap,
	}, nil
}

// AggregatePreCommits is the pre-commit analogue of AggregatePreVotes.
func (m *Manager) AggregatePreCommits(height consensus.Height, round consensus.Round, hash consensus.Hash, votes []consensus.SignedVote) (consensus.PreCommitQC, error) {
	qc, err := m.aggregateVotes(height, round, hash, consensus.VotePreCommit, votes)
	if err != nil {
		return consensus.PreCommitQC{}, err
	}
	return consensus.PreCommitQC{
		Height: height, Round: round, BlockHash: hash,
		AggregateSignature: qc.sig, VoterBitmap: qc.bitmap,
	}, nil
}

type aggregateResult struct {
	sig    []byte
	bitmap []byte
}

func (m *Manager) aggregateVotes(height consensus.Height, round consensus.Round, hash consensus.Hash, kind consensus.VoteKind, votes []consensus.SignedVote) (aggregateResult, error) {
	m.mu.Lock()
	vs, err := m.applicableSet(height)
	m.mu.Unlock()
	if err != nil {
		return aggregateResult{}, err
	}

	addrs := make([]consensus.Address, 0, len(votes))
	sigs := make([][]byte, 0, len(votes))
	var weight uint64
	seen := make(map[consensus.Address]bool, len(votes))
	for _, sv := range votes {
		if sv.Vote.Height != height || sv.Vote.Round != round || sv.Vote.BlockHash != hash || sv.Vote.Kind != kind {
			return aggregateResult{}, fmt.Errorf("auth: aggregation input does not match target vote")
		}
		if seen[sv.Voter] {
			continue
		}
		v, ok := vs.ByAddress(sv.Voter)
		if !ok {
			return aggregateResult{}, fmt.Errorf("auth: aggregation input from non-validator %x", sv.Voter)
		}
		seen[sv.Voter] = true
		addrs = append(addrs, sv.Voter)
		sigs = append(sigs, sv.Signature)
		weight += v.Weight
	}

	if !vs.BeyondMajority(weight) {
		return aggregateResult{}, fmt.Errorf(
			"auth: aggregation bug: insufficient weight %d/%d for quorum", weight, vs.TotalWeight(),
		)
	}

	aggSig, err := crypto.Aggregate(sigs)
	if err != nil {
		return aggregateResult{}, fmt.Errorf("auth: aggregate signatures: %w", err)
	}

	bs := vs.Bitmap(addrs)
	return aggregateResult{sig: aggSig, bitmap: bitmapBytes(bs)}, nil
}

// AggregateChokes combines signed chokes for (height, round) into a
// ChokeQC, analogous to AggregatePreVotes/AggregatePreCommits.
func (m *Manager) AggregateChokes(height consensus.Height, round consensus.Round, chokes []consensus.SignedChoke) (consensus.ChokeQC, error) {
	m.mu.Lock()
	vs, err := m.applicableSet(height)
	m.mu.Unlock()
	if err != nil {
		return consensus.ChokeQC{}, err
	}

	addrs := make([]consensus.Address, 0, len(chokes))
	sigs := make([][]byte, 0, len(chokes))
	var weight uint64
	seen := make(map[consensus.Address]bool, len(chokes))
	for _, sc := range chokes {
		if sc.Choke.Height != height || sc.Choke.Round != round {
			return consensus.ChokeQC{}, fmt.Errorf("auth: aggregation input does not match target choke")
		}
		if seen[sc.Signer] {
			continue
		}
		v, ok := vs.ByAddress(sc.Signer)
		if !ok {
			return consensus.ChokeQC{}, fmt.Errorf("auth: aggregation input from non-validator %x", sc.Signer)
		}
		seen[sc.Signer] = true
		addrs = append(addrs, sc.Signer)
		sigs = append(sigs, sc.Signature)
		weight += v.Weight
	}

	if !vs.BeyondMajority(weight) {
		return consensus.ChokeQC{}, fmt.Errorf(
			"auth: aggregation bug: insufficient weight %d/%d for choke quorum", weight, vs.TotalWeight(),
		)
	}

	aggSig, err := crypto.Aggregate(sigs)
	if err != nil {
		return consensus.ChokeQC{}, fmt.Errorf("auth: aggregate choke signatures: %w", err)
	}

	bs := vs.Bitmap(addrs)
	return consensus.ChokeQC{Height: height, Round: round, AggregateSignature: aggSig, VoterBitmap: bitmapBytes(bs)}, nil
}

// VerifyPreVoteQC reconstructs the voter set from qc's bitmap against
// the applicable validator set, checks cumulative weight exceeds the
// majority threshold, and verifies the aggregate signature.
func (m *Manager) VerifyPreVoteQC(qc consensus.PreVoteQC) error {
	msg := consensus.VoteSignBytes(consensus.Vote{
		Height: qc.Height, Round: qc.Round, BlockHash: qc.BlockHash, Kind: consensus.VotePreVote,
	})
	return m.verifyQC(qc.Height, msg, qc.AggregateSignature, qc.VoterBitmap)
}

// VerifyPreCommitQC is the pre-commit analogue of VerifyPreVoteQC.
func (m *Manager) VerifyPreCommitQC(qc consensus.PreCommitQC) error {
	msg := consensus.VoteSignBytes(consensus.Vote{
		Height: qc.Height, Round: qc.Round, BlockHash: qc.BlockHash, Kind: consensus.VotePreCommit,
	})
	return m.verifyQC(qc.Height, msg, qc.AggregateSignature, qc.VoterBitmap)
}

// VerifyChokeQC verifies a ChokeQC.
func (m *Manager) VerifyChokeQC(qc consensus.ChokeQC) error {
	msg := consensus.ChokeSignBytes(consensus.Choke{Height: qc.Height, Round: qc.Round})
	return m.verifyQC(qc.Height, msg, qc.AggregateSignature, qc.VoterBitmap)
}

func (m *Manager) verifyQC(height consensus.Height, msg, aggSig, bitmap []byte) error {
	m.mu.Lock()
	vs, err := m.applicableSet(height)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	bs := bitsetFromBytes(bitmap, vs.Len())
	voters, weight := vs.Voters(bs)
	if len(voters) == 0 {
		return fmt.Errorf("auth: QC bitmap names no validators")
	}
	if !vs.BeyondMajority(weight) {
		return fmt.Errorf("auth: QC voter weight %d/%d does not exceed 2/3", weight, vs.TotalWeight())
	}

	pubs := make([]crypto.PubKey, len(voters))
	for i, v := range voters {
		pubs[i] = v.PubKey
	}
	if !crypto.VerifyAggregate(msg, aggSig, pubs) {
		return fmt.Errorf("auth: invalid aggregate signature")
	}
	return nil
}

// HandleCommit rotates the validator-set generations on a successful
// commit: the current set becomes the prior set, and newAuth (from the
// committed block's execution result, when non-empty) becomes current.
// An empty AuthConfig means the validator set is unchanged.
func (m *Manager) HandleCommit(nextHeight consensus.Height, newAuth *consensus.AuthConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = m.current
	if newAuth != nil && len(newAuth.Validators) > 0 {
		vs, err := NewValidatorSet(*newAuth)
		if err != nil {
			return fmt.Errorf("auth: handle commit: %w", err)
		}
		m.current = vs
	}
	m.currentHeight = nextHeight
	return nil
}

// RecordByzantine increments the suspected-byzantine tally for addr.
// This is advisory bookkeeping only (logging/metrics); no slashing
// decision is made by this core.
func (m *Manager) RecordByzantine(addr consensus.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byzantineCounts[addr]++
}

// ByzantineCount returns the current suspected-byzantine tally for addr.
func (m *Manager) ByzantineCount(addr consensus.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byzantineCounts[addr]
}

func bitmapBytes(bs *bitset.BitSet) []byte {
	buf := new(bytes.Buffer)
	if _, err := bs.WriteTo(buf); err != nil {
		// bitset.WriteTo only fails on an underlying io error; bytes.Buffer
		// never returns one.
		panic(fmt.Errorf("auth: unreachable: bitset write failed: %w", err))
	}
	return buf.Bytes()
}

func bitsetFromBytes(b []byte, n int) *bitset.BitSet {
	bs := bitset.New(uint(n))
	if len(b) == 0 {
		return bs
	}
	if _, err := bs.ReadFrom(bytes.NewReader(b)); err != nil {
		return bitset.New(uint(n))
	}
	return bs
}

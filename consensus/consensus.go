// Package consensus defines the wire-level data model shared by every
// component of the replica: heights, rounds, steps, proposals, votes,
// quorum certificates and chokes. It holds no behavior beyond canonical
// encoding and simple structural invariants; verification, aggregation
// and state transitions live in the auth, cabinet and stateinfo packages.
package consensus

import (
	"encoding/binary"
	"fmt"
)

// Height is a monotonically increasing index of a committed block.
type Height uint64

// Round is a per-height retry index, starting at zero.
type Round uint32

// Step is one of the ordered per-height consensus steps.
type Step uint8

const (
	StepPropose Step = iota
	StepPreVote
	StepPreCommit
	StepBrake
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPreVote:
		return "prevote"
	case StepPreCommit:
		return "precommit"
	case StepBrake:
		return "brake"
	case StepCommit:
		return "commit"
	default:
		return fmt.Sprintf("Step(%d)", uint8(s))
	}
}

// Stage is the (height, round, step) tuple identifying a point in the
// protocol. Timers carry their originating Stage so that late arrivals
// can be discarded by comparison against the current stage.
type Stage struct {
	Height Height
	Round  Round
	Step   Step
}

func (s Stage) String() string {
	return fmt.Sprintf("%d/%d/%s", s.Height, s.Round, s.Step)
}

// Hash is an opaque, collision-resistant content identifier for a block.
// It is produced and interpreted entirely by the Adapter; the core never
// hashes block content itself.
type Hash string

// Address identifies a validator. It is the validator's public key in
// the encoding package crypto produces.
type Address string

// VoteKind distinguishes the two rounds of voting.
type VoteKind uint8

const (
	VotePreVote VoteKind = iota
	VotePreCommit
)

func (k VoteKind) String() string {
	if k == VotePreVote {
		return "prevote"
	}
	return "precommit"
}

// Block is the opaque content unit produced by create_block and consumed
// by check_block/exec_block. The core only inspects the fields named
// here; everything else about a block's payload is adapter-defined.
type Block struct {
	Height      Height
	ExecHeight  Height
	PreHash     Hash
	PreProof    PreCommitQC
	Payload     []byte
}

// Lock is a replica's binding to a specific block hash at a specific
// round, justified by a PreVoteQC observed in that round. Locks survive
// round changes within a height and are discarded on height change.
type Lock struct {
	Round Round
	Hash  Hash
	QC    PreVoteQC
}

// Proposal is what a leader proposes for (Height, Round).
type Proposal struct {
	Height    Height
	Round     Round
	Block     Block
	BlockHash Hash
	Lock      *Lock // non-nil iff the proposer carries a PoLC to justify unlocking.
	Proposer  Address
}

// SignedProposal is a Proposal plus the proposer's signature over its
// canonical sign bytes.
type SignedProposal struct {
	Proposal  Proposal
	Signature []byte
}

// Vote is the unsigned content of a pre-vote or pre-commit.
type Vote struct {
	Height    Height
	Round     Round
	BlockHash Hash
	Kind      VoteKind
}

// SignedVote is a Vote plus the voter's address and signature.
type SignedVote struct {
	Vote      Vote
	Voter     Address
	Signature []byte
}

// PreVoteQC is an aggregated, quorum-weighted certificate that a set of
// voters whose cumulative weight exceeds 2/3 of total weight pre-voted
// for the same (height, round, hash).
type PreVoteQC struct {
	Height    Height
	Round     Round
	BlockHash Hash

	AggregateSignature []byte
	VoterBitmap        []byte // bitset.BitSet WriteTo serialization over the applicable validator set snapshot
}

// PreCommitQC is the pre-commit analogue of PreVoteQC.
type PreCommitQC struct {
	Height    Height
	Round     Round
	BlockHash Hash

	AggregateSignature []byte
	VoterBitmap        []byte
}

func (qc PreCommitQC) IsZero() bool {
	return qc.Height == 0 && qc.Round == 0 && qc.BlockHash == "" && qc.AggregateSignature == nil
}

// UpdateFromKind identifies which QC justifies a Choke.
type UpdateFromKind uint8

const (
	UpdateFromNone UpdateFromKind = iota
	UpdateFromPreVoteQC
	UpdateFromPreCommitQC
	UpdateFromChokeQC
)

// UpdateFrom carries the strongest QC a replica knows of when it gives
// up on a round, so the round change is itself auditable.
type UpdateFrom struct {
	Kind        UpdateFromKind
	PreVoteQC   *PreVoteQC
	PreCommitQC *PreCommitQC
	ChokeQC     *ChokeQC
}

// Choke is a signal that the signer has given up on (Height, Round).
type Choke struct {
	Height     Height
	Round      Round
	UpdateFrom UpdateFrom
}

// SignedChoke is a Choke plus the signer's address and signature.
type SignedChoke struct {
	Choke     Choke
	Signer    Address
	Signature []byte
}

// ChokeQC aggregates signed chokes for (Height, Round) once their
// cumulative weight exceeds 2/3 of total weight, driving a round change.
type ChokeQC struct {
	Height Height
	Round  Round

	AggregateSignature []byte
	VoterBitmap        []byte
}

// AuthConfig describes the validator set and weights effective starting
// at some height, as carried inside an ExecResult's consensus_config.
type AuthConfig struct {
	Validators []ValidatorInfo
}

// ValidatorInfo is one entry of an AuthConfig.
type ValidatorInfo struct {
	Address Address
	Weight  uint64
}

// TimeConfig is the set of timeout-shaping options, also carried inside
// an ExecResult's consensus_config (see eventagent for how it is used).
type TimeConfig struct {
	IntervalMillis    uint64
	ProposeRatio      uint64
	PreVoteRatio      uint64
	PreCommitRatio    uint64
	BrakeRatio        uint64
}

// ConsensusConfig bundles the two pieces of configuration an execution
// result may update for the following height.
type ConsensusConfig struct {
	Auth AuthConfig
	Time TimeConfig
}

// BlockState is the per-height state artifact produced by executing a
// block; it feeds future create_block/check_block calls.
type BlockState struct {
	Height Height
	Data   []byte
}

// ExecResult is the outcome of executing a committed block.
type ExecResult struct {
	Height          Height
	ConsensusConfig ConsensusConfig
	BlockStates     []BlockState
}

// FetchedFullBlock is the payload returned by fetch_full_block, keyed by
// the hash it was requested for.
type FetchedFullBlock struct {
	Height  Height
	Hash    Hash
	Payload []byte
}

// --- canonical sign bytes -------------------------------------------------
//
// These are the byte strings that get signed and verified for each
// artifact kind. They are deliberately simple (big-endian integers
// concatenated with field bytes) rather than a general serialization
// format, mirroring the *SignBytes helpers a BFT core typically owns
// so that the signature domain is unambiguous and stable.

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// ProposalSignBytes returns the canonical bytes signed by a proposer.
func ProposalSignBytes(p Proposal) []byte {
	buf := make([]byte, 0, 32+len(p.BlockHash))
	buf = appendUint64(buf, uint64(p.Height))
	buf = appendUint32(buf, uint32(p.Round))
	buf = append(buf, []byte(p.BlockHash)...)
	if p.Lock != nil {
		buf = appendUint32(buf, uint32(p.Lock.Round))
		buf = append(buf, []byte(p.Lock.Hash)...)
	}
	return buf
}

// VoteSignBytes returns the canonical bytes signed by a voter.
func VoteSignBytes(v Vote) []byte {
	buf := make([]byte, 0, 13+len(v.BlockHash))
	buf = appendUint64(buf, uint64(v.Height))
	buf = appendUint32(buf, uint32(v.Round))
	buf = append(buf, byte(v.Kind))
	buf = append(buf, []byte(v.BlockHash)...)
	return buf
}

// ChokeSignBytes returns the canonical bytes signed for a choke.
func ChokeSignBytes(c Choke) []byte {
	buf := make([]byte, 0, 12)
	buf = appendUint64(buf, uint64(c.Height))
	buf = appendUint32(buf, uint32(c.Round))
	return buf
}

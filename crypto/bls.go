// Package crypto implements the Crypto collaborator described by the
// core specification: signing, verification and signature aggregation
// for consensus artifacts. The auth package calls these functions
// directly; this file provides the BLS12-381 minimized-signature scheme.
package crypto

import (
	"context"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/cryptape/overlord/consensus"
)

// DomainSeparationTag pins the hash-to-curve suite for every signature
// produced by this package, per RFC9380 and the BLS signature draft.
// All replicas must agree on this value; changing it is a hard fork.
var DomainSeparationTag = []byte("OVERLORD_BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

// PubKey wraps a compressed BLS12-381 G2 point.
type PubKey struct {
	p2 blst.P2Affine
}

// ParsePubKey decodes a compressed G2 point into a PubKey.
func ParsePubKey(b []byte) (PubKey, error) {
	if len(b) != blst.BLST_P2_COMPRESS_BYTES {
		return PubKey{}, fmt.Errorf(
			"expected %d compressed bytes, got %d", blst.BLST_P2_COMPRESS_BYTES, len(b),
		)
	}
	p2a := new(blst.P2Affine).Uncompress(b)
	if p2a == nil {
		return PubKey{}, errors.New("failed to decompress public key")
	}
	if !p2a.KeyValidate() {
		return PubKey{}, errors.New("public key failed validation")
	}
	return PubKey{p2: *p2a}, nil
}

// Bytes returns the compressed point.
func (k PubKey) Bytes() []byte { return k.p2.Compress() }

// Address is the canonical consensus.Address derived from a public key.
func (k PubKey) Address() consensus.Address { return consensus.Address(k.Bytes()) }

// Verify reports whether sig is a valid signature over msg by k.
func (k PubKey) Verify(msg, sig []byte) bool {
	p1a := new(blst.P1Affine).Uncompress(sig)
	if p1a == nil {
		return false
	}
	if !p1a.SigValidate(false) {
		return false
	}
	return p1a.Verify(false, &k.p2, false, blst.Message(msg), DomainSeparationTag)
}

// Signer holds a BLS secret scalar and can produce signatures and the
// corresponding PubKey.
type Signer struct {
	secret blst.SecretKey
	pub    blst.P2Affine
}

// NewSigner derives a Signer from at least 32 bytes of cryptographically
// random key material.
func NewSigner(ikm []byte) (Signer, error) {
	if len(ikm) < blst.BLST_SCALAR_BYTES {
		return Signer{}, fmt.Errorf(
			"key material too short: got %d bytes, need at least %d",
			len(ikm), blst.BLST_SCALAR_BYTES,
		)
	}
	sk := blst.KeyGenV5(ikm, []byte("overlord-signer-salt"))
	pub := new(blst.P2Affine).From(sk)
	return Signer{secret: *sk, pub: *pub}, nil
}

// PubKey returns the signer's public key.
func (s Signer) PubKey() PubKey { return PubKey{p2: s.pub} }

// Sign produces a compressed signature over msg. The context is accepted
// for symmetry with adapter-bound signing calls but is unused: BLS
// signing here is a pure, non-blocking computation.
func (s Signer) Sign(_ context.Context, msg []byte) ([]byte, error) {
	sig := new(blst.P1Affine).Sign(&s.secret, msg, DomainSeparationTag, true)
	if sig == nil {
		return nil, errors.New("bls sign failed")
	}
	return sig.Compress(), nil
}

// Aggregate combines signatures produced over the same message into a
// single aggregate signature. It does not itself verify the inputs;
// callers must have already verified each signature individually, or
// verify the aggregate against the matching aggregate public key.
func Aggregate(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("cannot aggregate zero signatures")
	}
	agg := new(blst.P1Aggregate)
	if !agg.AggregateCompressed(sigs, true) {
		return nil, errors.New("failed to aggregate signatures: invalid point encountered")
	}
	return agg.ToAffine().Compress(), nil
}

// VerifyAggregate reports whether aggSig is a valid aggregate of
// signatures by exactly the public keys in signers, all over msg
// (the "fast aggregate verify" case, since every signer signs the same
// vote/choke/proposal content).
func VerifyAggregate(msg []byte, aggSig []byte, signers []PubKey) bool {
	if len(signers) == 0 {
		return false
	}
	p1a := new(blst.P1Affine).Uncompress(aggSig)
	if p1a == nil {
		return false
	}

	pubs := make([]*blst.P2Affine, len(signers))
	for i := range signers {
		p := signers[i].p2
		pubs[i] = &p
	}

	return p1a.FastAggregateVerify(true, pubs, blst.Message(msg), DomainSeparationTag)
}

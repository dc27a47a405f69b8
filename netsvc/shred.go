package netsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrIncompleteSet reports that a shred was accepted but more are needed
// before the original payload can be reconstructed.
var ErrIncompleteSet = errors.New("netsvc: insufficient shreds received to reconstruct payload")

// shredEncoder erasure-codes a full block payload into data and parity
// shreds for gossip, grounded on the reed-solomon wrapper pattern used
// for turbine-style block propagation.
type shredEncoder struct {
	rs reedsolomon.Encoder
}

func newShredEncoder(dataShreds, parityShreds int) (*shredEncoder, error) {
	if dataShreds <= 0 || parityShreds <= 0 {
		return nil, fmt.Errorf("netsvc: data and parity shred counts must both be > 0")
	}
	rs, err := reedsolomon.New(dataShreds, parityShreds)
	if err != nil {
		return nil, fmt.Errorf("netsvc: new reed-solomon encoder: %w", err)
	}
	return &shredEncoder{rs: rs}, nil
}

// encode splits payload into data+parity shreds, taking ownership of the
// given slice as the reed-solomon library requires.
func (e *shredEncoder) encode(_ context.Context, payload []byte) ([][]byte, error) {
	shreds, err := e.rs.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("netsvc: split payload: %w", err)
	}
	if err := e.rs.Encode(shreds); err != nil {
		return nil, fmt.Errorf("netsvc: encode parity shreds: %w", err)
	}
	return shreds, nil
}

// shredReconstructor accumulates shreds for one in-flight full block
// fetch until enough have arrived to recover the original payload.
type shredReconstructor struct {
	rs        reedsolomon.Encoder
	allShreds [][]byte
	shredSize int
}

func newShredReconstructor(dataShreds, parityShreds, shredSize int) (*shredReconstructor, error) {
	rs, err := reedsolomon.New(dataShreds, parityShreds)
	if err != nil {
		return nil, fmt.Errorf("netsvc: new reed-solomon reconstructor: %w", err)
	}
	all := rs.(reedsolomon.Extensions).AllocAligned(shredSize)
	for i, s := range all {
		all[i] = s[:0]
	}
	return &shredReconstructor{rs: rs, allShreds: all, shredSize: shredSize}, nil
}

// reconstruct records shred at idx and attempts reconstruction, returning
// ErrIncompleteSet until enough shreds have arrived.
func (r *shredReconstructor) reconstruct(idx int, shred []byte) error {
	if len(shred) != r.shredSize {
		return fmt.Errorf("netsvc: shred %d has size %d, want %d", idx, len(shred), r.shredSize)
	}
	r.allShreds[idx] = r.allShreds[idx][:r.shredSize]
	copy(r.allShreds[idx], shred)

	if err := r.rs.ReconstructData(r.allShreds); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrIncompleteSet
		}
		return fmt.Errorf("netsvc: reconstruct data shreds: %w", err)
	}
	return nil
}

// payload returns the reconstructed original payload of dataSize bytes,
// valid only after reconstruct has returned nil.
func (r *shredReconstructor) payload(dataSize int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, dataSize))
	if err := r.rs.Join(buf, r.allShreds, dataSize); err != nil {
		return nil, fmt.Errorf("netsvc: join reconstructed shreds: %w", err)
	}
	return buf.Bytes(), nil
}

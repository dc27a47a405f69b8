package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cryptape/overlord/adapter"
	"github.com/cryptape/overlord/consensus"
)

// demoApp is a minimal adapter.BlockSource/BlockFetcher/Executor: it
// proposes a block whose payload is just its height, exec_height,
// pre_hash and state count, and
// accepts any proposal whose claimed hash matches what it would itself
// compute. It never rotates the validator set, only the timing config
// (every ExecResult reports its fixed timeCfg unchanged). A stand-in
// application so the consensus core can be exercised end to end without
// a real execution engine behind it.
type demoApp struct {
	log     *slog.Logger
	timeCfg consensus.TimeConfig

	mu     sync.Mutex
	blocks map[consensus.Height]adapter.BlockWithProof

	// results carries one ExecResult per executed block, standing in for
	// whatever asynchronous pipeline a real execution engine would use
	// to report back on the driver's from_exec channel.
	results chan consensus.ExecResult
}

// newDemoApp returns a demoApp that never rotates the validator set and
// always reports timeCfg as the active timing for the next height
// (rather than an empty TimeConfig, which eventagent.NextHeight would
// otherwise adopt literally and disarm every timer).
func newDemoApp(log *slog.Logger, timeCfg consensus.TimeConfig) *demoApp {
	return &demoApp{
		log:     log,
		timeCfg: timeCfg,
		blocks:  make(map[consensus.Height]adapter.BlockWithProof),
		results: make(chan consensus.ExecResult, 16),
	}
}

// Results exposes the channel of ExecResults produced by
// SaveAndExecBlockWithProof; the caller forwards these onto the
// driver's from_exec channel.
func (a *demoApp) Results() <-chan consensus.ExecResult { return a.results }

func (a *demoApp) CreateBlock(
	_ context.Context,
	height consensus.Height,
	execHeight consensus.Height,
	preHash consensus.Hash,
	preProof consensus.PreCommitQC,
	states []consensus.BlockState,
) (consensus.Block, consensus.Hash, error) {
	payload := fmt.Sprintf("height=%d exec_height=%d pre_hash=%s states=%d", height, execHeight, preHash, len(states))
	block := consensus.Block{
		Height:     height,
		ExecHeight: execHeight,
		PreHash:    preHash,
		PreProof:   preProof,
		Payload:    []byte(payload),
	}
	return block, demoHash(block), nil
}

func (a *demoApp) CheckBlock(_ context.Context, block consensus.Block, hash consensus.Hash, _ []consensus.BlockState) error {
	if want := demoHash(block); want != hash {
		return fmt.Errorf("demoapp: claimed hash %q does not match recomputed %q", hash, want)
	}
	return nil
}

func (a *demoApp) GetBlockWithProofs(_ context.Context, from, to consensus.Height) ([]adapter.BlockWithProof, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []adapter.BlockWithProof
	for h := from; h <= to; h++ {
		bp, ok := a.blocks[h]
		if !ok {
			return nil, fmt.Errorf("demoapp: no committed block recorded for height %d", h)
		}
		out = append(out, bp)
	}
	return out, nil
}

func (a *demoApp) GetLatestHeight(_ context.Context) (consensus.Height, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var latest consensus.Height
	for h := range a.blocks {
		if h > latest {
			latest = h
		}
	}
	return latest, nil
}

func (a *demoApp) FetchFullBlock(_ context.Context, block consensus.Block) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(block); err != nil {
		return nil, fmt.Errorf("demoapp: encode block for fetch: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *demoApp) SaveAndExecBlockWithProof(_ context.Context, height consensus.Height, fullBlock []byte, proof consensus.PreCommitQC) error {
	var block consensus.Block
	if err := gob.NewDecoder(bytes.NewReader(fullBlock)).Decode(&block); err != nil {
		return fmt.Errorf("demoapp: decode full block: %w", err)
	}

	a.mu.Lock()
	a.blocks[height] = adapter.BlockWithProof{Block: block, Proof: proof}
	a.mu.Unlock()

	a.log.Info("demoapp: executed block", "height", height, "payload_len", len(block.Payload))

	result := consensus.ExecResult{
		Height:          height,
		ConsensusConfig: consensus.ConsensusConfig{Time: a.timeCfg},
		BlockStates:     []consensus.BlockState{{Height: height, Data: block.Payload}},
	}
	select {
	case a.results <- result:
	default:
		a.log.Warn("demoapp: results channel full, dropping exec result", "height", height)
	}
	return nil
}

func demoHash(block consensus.Block) consensus.Hash {
	h := sha256.New()
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], uint64(block.Height))
	h.Write(heightBuf[:])
	h.Write([]byte(block.PreHash))
	h.Write(block.Payload)
	return consensus.Hash(h.Sum(nil))
}

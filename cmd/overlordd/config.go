package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cryptape/overlord/consensus"
)

// nodeConfig is the on-disk, JSON-encoded configuration a home directory
// holds: genesis validator set, timing, and this node's own network
// identity. No library in the pack's dependency surface demonstrates a
// config file format, so this is plain encoding/json, same as the
// genesis/node-key files a cobra-based devnet CLI writes elsewhere in
// the corpus.
type nodeConfig struct {
	ListenAddr string   `json:"listen_addr"`
	Bootstrap  []string `json:"bootstrap"`

	// DebugAddr is the HTTP listen address for the debug status route;
	// empty disables it.
	DebugAddr string `json:"debug_addr"`

	Validators []validatorEntry `json:"validators"`

	Time consensus.TimeConfig `json:"time"`
}

// validatorEntry names one genesis validator: its BLS address (hex),
// voting weight, and the libp2p peer ID its host identity resolves to,
// so a PeerResolver can be built straight from genesis without a
// separate discovery step.
type validatorEntry struct {
	Address string `json:"address"`
	Weight  uint64 `json:"weight"`
	PeerID  string `json:"peer_id"`
}

func defaultTimeConfig() consensus.TimeConfig {
	return consensus.TimeConfig{
		IntervalMillis: 3000,
		ProposeRatio:   10,
		PreVoteRatio:   5,
		PreCommitRatio: 5,
		BrakeRatio:     20,
	}
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		ListenAddr: "/ip4/0.0.0.0/tcp/26656",
		DebugAddr:  "127.0.0.1:26660",
		Time:       defaultTimeConfig(),
	}
}

func loadNodeConfig(path string) (nodeConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nodeConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg nodeConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nodeConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func writeNodeConfig(path string, cfg nodeConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func (cfg nodeConfig) authConfig() consensus.AuthConfig {
	vals := make([]consensus.ValidatorInfo, len(cfg.Validators))
	for i, v := range cfg.Validators {
		vals[i] = consensus.ValidatorInfo{Address: consensus.Address(mustHexDecode(v.Address)), Weight: v.Weight}
	}
	return consensus.AuthConfig{Validators: vals}
}

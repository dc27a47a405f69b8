package main

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cryptape/overlord/consensus"
)

// configResolver is netsvc.PeerResolver backed by the validator table
// loaded from config.json: each genesis entry pairs a BLS address with
// the libp2p peer ID its operator reported at init time.
type configResolver struct {
	byAddress map[consensus.Address]peer.ID
}

func newConfigResolver(validators []validatorEntry) (*configResolver, error) {
	m := make(map[consensus.Address]peer.ID, len(validators))
	for _, v := range validators {
		pid, err := peer.Decode(v.PeerID)
		if err != nil {
			return nil, fmt.Errorf("config: invalid peer_id for validator %s: %w", v.Address, err)
		}
		m[consensus.Address(mustHexDecode(v.Address))] = pid
	}
	return &configResolver{byAddress: m}, nil
}

func (r *configResolver) PeerID(addr consensus.Address) (peer.ID, error) {
	pid, ok := r.byAddress[addr]
	if !ok {
		return "", fmt.Errorf("peers: no peer id known for validator address %x", addr)
	}
	return pid, nil
}

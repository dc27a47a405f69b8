// Package netsvc is the reference adapter.Network transport: a
// libp2p-pubsub overlay with one gossipsub topic per consensus message
// kind, a Kademlia DHT handle that is held but never queried (peers come
// from PeerResolver), and reed-solomon shredding for full
// block payloads too large to gossip as a single message.
package netsvc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cryptape/overlord/consensus"
)

// topic names, one gossipsub topic per message kind so a node can
// subscribe only to the kinds it cares about.
const (
	topicProposal    = "/overlord/1/proposal"
	topicPreVote     = "/overlord/1/prevote"
	topicPreCommit   = "/overlord/1/precommit"
	topicChoke       = "/overlord/1/choke"
	topicPreVoteQC   = "/overlord/1/prevote-qc"
	topicPreCommitQC = "/overlord/1/precommit-qc"
	topicChokeQC     = "/overlord/1/choke-qc"
	topicFullBlock   = "/overlord/1/full-block"

	// shredDataShreds/shredParityShreds bound the reed-solomon encoding
	// used for full block gossip; a block reconstructs from any
	// shredDataShreds of the shredDataShreds+shredParityShreds shreds
	// sent.
	shredDataShreds   = 6
	shredParityShreds = 4
)

// PeerResolver maps a validator's consensus address to its libp2p peer
// identity. Address is a BLS public key, a different keyspace from the
// Ed25519/RSA identity libp2p hosts use, so this mapping cannot be
// derived and must be supplied (typically from the same AuthConfig that
// seeds auth.NewValidatorSet, extended with a peer ID column).
type PeerResolver interface {
	PeerID(addr consensus.Address) (peer.ID, error)
}

// Envelope is the gob-encoded wrapper published on every topic except
// full-block shreds, which carry their own framing (see fullBlockMsg).
type Envelope struct {
	Proposal    *consensus.SignedProposal
	PreVote     *consensus.SignedVote
	PreCommit   *consensus.SignedVote
	Choke       *consensus.SignedChoke
	PreVoteQC   *consensus.PreVoteQC
	PreCommitQC *consensus.PreCommitQC
	ChokeQC     *consensus.ChokeQC
}

type fullBlockMsg struct {
	Height   consensus.Height
	Hash     consensus.Hash
	Index    int
	DataSize int
	Shred    []byte
}

// Network implements adapter.Network over libp2p-pubsub.
type Network struct {
	host     host.Host
	ps       *pubsub.PubSub
	dht      *dht.IpfsDHT
	resolver PeerResolver

	topics map[string]*pubsub.Topic

	mu       sync.Mutex
	inFlight map[consensus.Hash]*shredReconstructor
}

// New wraps an already-constructed libp2p host and DHT (host
// construction, identity, and bootstrap peer configuration are left to
// the caller, e.g. cmd/overlordd, since they are deployment concerns
// rather than protocol ones) with a gossipsub router joined to every
// consensus topic.
func New(ctx context.Context, h host.Host, kad *dht.IpfsDHT, resolver PeerResolver) (*Network, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("netsvc: new gossipsub: %w", err)
	}

	n := &Network{
		host:     h,
		ps:       ps,
		dht:      kad,
		resolver: resolver,
		topics:   make(map[string]*pubsub.Topic),
		inFlight: make(map[consensus.Hash]*shredReconstructor),
	}

	for _, name := range []string{
		topicProposal, topicPreVote, topicPreCommit, topicChoke,
		topicPreVoteQC, topicPreCommitQC, topicChokeQC, topicFullBlock,
	} {
		t, err := ps.Join(name)
		if err != nil {
			return nil, fmt.Errorf("netsvc: join topic %s: %w", name, err)
		}
		n.topics[name] = t
	}

	return n, nil
}

// Host returns the libp2p host this Network was built on, so a caller
// can dial bootstrap peers or inspect its own listen addresses without
// Network needing to expose a bootstrap mechanism of its own.
func (n *Network) Host() host.Host { return n.host }

// Broadcast implements adapter.Network by publishing msg on the topic
// matching its concrete type.
func (n *Network) Broadcast(ctx context.Context, msg any) error {
	env, topic, err := wrap(msg)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("netsvc: encode Envelope: %w", err)
	}

	t, ok := n.topics[topic]
	if !ok {
		return fmt.Errorf("netsvc: unknown topic %s", topic)
	}
	if err := t.Publish(ctx, buf.Bytes()); err != nil {
		return fmt.Errorf("netsvc: publish to %s: %w", topic, err)
	}
	return nil
}

// Transmit implements adapter.Network by opening a direct stream to to's
// resolved peer and writing the same Envelope framing Broadcast uses.
// Direct transmission is used for unicast traffic such as a pre-vote
// sent only to the round's leader.
func (n *Network) Transmit(ctx context.Context, to consensus.Address, msg any) error {
	env, _, err := wrap(msg)
	if err != nil {
		return err
	}

	pid, err := n.resolver.PeerID(to)
	if err != nil {
		return fmt.Errorf("netsvc: resolve peer for %x: %w", to, err)
	}

	s, err := n.host.NewStream(ctx, pid, directProtocolID)
	if err != nil {
		return fmt.Errorf("netsvc: open stream to %x: %w", to, err)
	}
	defer s.Close()

	if err := gob.NewEncoder(s).Encode(env); err != nil {
		return fmt.Errorf("netsvc: write Envelope to %x: %w", to, err)
	}
	return nil
}

const directProtocolID = "/overlord/1/direct"

// HandleDirect registers the stream handler for unicast messages sent
// via Transmit; the caller wires deliver into whatever channel feeds the
// driver's from_net.
func (n *Network) HandleDirect(deliver func(Envelope)) {
	n.host.SetStreamHandler(directProtocolID, func(s network.Stream) {
		defer s.Close()
		var env Envelope
		if err := gob.NewDecoder(s).Decode(&env); err != nil {
			return
		}
		deliver(env)
	})
}

// Subscribe joins every consensus topic's subscription loop, decoding
// each arriving message and handing it to deliver (for the seven
// Envelope-framed topics) or onFullBlock (for shredded full-block
// gossip, routed through HandleFullBlockShred). Messages published by
// this host itself are skipped: the driver already processes its own
// outbound messages synchronously, so re-delivering them here would
// double-count its own vote.
// Subscribe returns once every topic's subscription loop has been
// started; each loop runs until ctx is canceled.
func (n *Network) Subscribe(ctx context.Context, deliver func(Envelope), onFullBlock func(consensus.FetchedFullBlock)) error {
	self := n.host.ID()

	for name, t := range n.topics {
		sub, err := t.Subscribe()
		if err != nil {
			return fmt.Errorf("netsvc: subscribe to %s: %w", name, err)
		}

		name, sub := name, sub
		go func() {
			for {
				msg, err := sub.Next(ctx)
				if err != nil {
					return
				}
				if msg.ReceivedFrom == self {
					continue
				}

				if name == topicFullBlock {
					if err := n.HandleFullBlockShred(msg.Data, onFullBlock); err != nil {
						continue
					}
					continue
				}

				var env Envelope
				if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&env); err != nil {
					continue
				}
				deliver(env)
			}
		}()
	}
	return nil
}

func wrap(msg any) (Envelope, string, error) {
	switch v := msg.(type) {
	case consensus.SignedProposal:
		return Envelope{Proposal: &v}, topicProposal, nil
	case consensus.SignedVote:
		if v.Vote.Kind == consensus.VotePreCommit {
			return Envelope{PreCommit: &v}, topicPreCommit, nil
		}
		return Envelope{PreVote: &v}, topicPreVote, nil
	case consensus.SignedChoke:
		return Envelope{Choke: &v}, topicChoke, nil
	case consensus.PreVoteQC:
		return Envelope{PreVoteQC: &v}, topicPreVoteQC, nil
	case consensus.PreCommitQC:
		return Envelope{PreCommitQC: &v}, topicPreCommitQC, nil
	case consensus.ChokeQC:
		return Envelope{ChokeQC: &v}, topicChokeQC, nil
	default:
		return Envelope{}, "", fmt.Errorf("netsvc: unrecognized outbound message type %T", msg)
	}
}

// BroadcastFullBlock shreds payload via reed-solomon and publishes each
// shred on the full-block topic, for blocks too large to send whole.
func (n *Network) BroadcastFullBlock(ctx context.Context, height consensus.Height, hash consensus.Hash, payload []byte) error {
	enc, err := newShredEncoder(shredDataShreds, shredParityShreds)
	if err != nil {
		return err
	}
	shreds, err := enc.encode(ctx, payload)
	if err != nil {
		return err
	}

	t := n.topics[topicFullBlock]
	for i, shred := range shreds {
		var buf bytes.Buffer
		m := fullBlockMsg{Height: height, Hash: hash, Index: i, DataSize: len(payload), Shred: shred}
		if err := gob.NewEncoder(&buf).Encode(m); err != nil {
			return fmt.Errorf("netsvc: encode full block shred %d: %w", i, err)
		}
		if err := t.Publish(ctx, buf.Bytes()); err != nil {
			return fmt.Errorf("netsvc: publish full block shred %d: %w", i, err)
		}
	}
	return nil
}

// HandleFullBlockShred feeds one received shred into the reconstructor
// for its (height, hash), calling onComplete once enough shreds have
// arrived to recover the original payload.
func (n *Network) HandleFullBlockShred(raw []byte, onComplete func(consensus.FetchedFullBlock)) error {
	var m fullBlockMsg
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return fmt.Errorf("netsvc: decode full block shred: %w", err)
	}

	n.mu.Lock()
	r, ok := n.inFlight[m.Hash]
	if !ok {
		var err error
		r, err = newShredReconstructor(shredDataShreds, shredParityShreds, len(m.Shred))
		if err != nil {
			n.mu.Unlock()
			return err
		}
		n.inFlight[m.Hash] = r
	}
	n.mu.Unlock()

	if err := r.reconstruct(m.Index, m.Shred); err != nil {
		if err == ErrIncompleteSet {
			return nil
		}
		return err
	}

	payload, err := r.payload(m.DataSize)
	if err != nil {
		return err
	}

	n.mu.Lock()
	delete(n.inFlight, m.Hash)
	n.mu.Unlock()

	onComplete(consensus.FetchedFullBlock{Height: m.Height, Hash: m.Hash, Payload: payload})
	return nil
}

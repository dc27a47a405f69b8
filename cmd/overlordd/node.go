package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/cryptape/overlord/auth"
	"github.com/cryptape/overlord/cabinet"
	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/eventagent"
	"github.com/cryptape/overlord/netsvc"
	"github.com/cryptape/overlord/prepare"
	"github.com/cryptape/overlord/smr"
	"github.com/cryptape/overlord/walstore"
)

// node bundles every collaborator a running replica needs and the
// channels wiring them to the driver's event loop, the same set New
// assembles for a teacher-style devnet command but grounded on this
// repo's own package boundaries rather than gcosmos's.
type node struct {
	log    *slog.Logger
	driver *smr.Driver
	net    *netsvc.Network
	store  *walstore.Store
	app    *demoApp

	fromNet     chan smr.Inbound
	fromExec    chan consensus.ExecResult
	fromFetch   chan eventagent.FetchResult
	fromTimeout chan eventagent.TimeoutEvent
	toFetch     chan eventagent.FetchRequest
	toExec      chan eventagent.ExecRequest
}

// newNode constructs the libp2p host and DHT, the gossipsub transport,
// the WAL, every SMR collaborator, and the Driver itself, running crash
// recovery as a side effect of smr.New. The returned node is ready for
// run to start its goroutines; nothing here begins consensus activity
// on its own.
func newNode(ctx context.Context, log *slog.Logger, homeDir string, cfg nodeConfig, kf nodeKeyFile) (*node, error) {
	priv, err := kf.libp2pIdentity()
	if err != nil {
		return nil, err
	}

	h, kad, err := newLibp2pHost(ctx, priv, cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	resolver, err := newConfigResolver(cfg.Validators)
	if err != nil {
		return nil, fmt.Errorf("build peer resolver: %w", err)
	}

	net, err := netsvc.New(ctx, h, kad, resolver)
	if err != nil {
		return nil, fmt.Errorf("start network: %w", err)
	}

	store, err := walstore.Open(ctx, filepath.Join(homeDir, "wal.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	signer, err := kf.signer()
	if err != nil {
		return nil, err
	}
	myAddress := signer.PubKey().Address()

	authCfg := cfg.authConfig()
	authMgr, err := auth.NewManager(1, authCfg, myAddress, &signer)
	if err != nil {
		return nil, fmt.Errorf("build auth manager: %w", err)
	}

	cab := cabinet.New()
	// authMgr's initialHeight and prep's genesis values only hold for a
	// from-genesis boot: smr.New's recovery pass reconciles both against
	// n.app's chain history (via Auth.Resync / prepare.Recovered) once it
	// knows what height the replica is actually resuming at.
	prep := prepare.New(consensus.Hash{}, consensus.PreCommitQC{})

	n := &node{
		log:         log,
		net:         net,
		store:       store,
		fromNet:     make(chan smr.Inbound, 64),
		fromExec:    make(chan consensus.ExecResult, 16),
		fromFetch:   make(chan eventagent.FetchResult, 16),
		fromTimeout: make(chan eventagent.TimeoutEvent, 16),
		toFetch:     make(chan eventagent.FetchRequest, 16),
		toExec:      make(chan eventagent.ExecRequest, 16),
	}

	n.app = newDemoApp(log, cfg.Time)

	agent := eventagent.New(eventagent.Config{
		ToFetch:     n.toFetch,
		ToExec:      n.toExec,
		FromTimeout: n.fromTimeout,
	}, cfg.Time)

	driver, err := smr.New(ctx, smr.Config{
		Log:     log,
		Auth:    authMgr,
		Cabinet: cab,
		Prepare: prep,
		Agent:   agent,
		WAL:     store,
		Blocks:  n.app,
		Fetcher: n.app,
		Exec:    n.app,
		Net:     net,
	})
	if err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}
	n.driver = driver

	return n, nil
}

// run launches every background goroutine the node needs: the driver's
// event loop, its fetch/exec worker pools, the libp2p subscription and
// direct-stream listeners feeding from_net, and a forwarder turning
// demoApp's asynchronous results into from_exec deliveries. run blocks
// until ctx is canceled.
func (n *node) run(ctx context.Context) {
	n.net.HandleDirect(func(env netsvc.Envelope) {
		deliverEnvelope(ctx, n.fromNet, env)
	})

	if err := n.net.Subscribe(ctx, func(env netsvc.Envelope) {
		deliverEnvelope(ctx, n.fromNet, env)
	}, func(fb consensus.FetchedFullBlock) {
		select {
		case n.fromFetch <- eventagent.FetchResult{Height: fb.Height, Hash: fb.Hash, Payload: fb.Payload}:
		case <-ctx.Done():
		}
	}); err != nil {
		n.log.Error("subscribe to network topics", "err", err)
		return
	}

	go n.driver.RunFetchWorker(ctx, n.toFetch, n.fromFetch)
	go n.driver.RunExecWorker(ctx, n.toExec)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-n.app.Results():
				select {
				case n.fromExec <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	n.driver.Run(ctx, n.fromNet, n.fromExec, n.fromFetch, n.fromTimeout)
}

// deliverEnvelope translates a netsvc.Envelope into the smr.Inbound it
// carries and sends it on fromNet, dropping it if ctx is canceled first
// rather than blocking a subscription goroutine forever.
func deliverEnvelope(ctx context.Context, fromNet chan<- smr.Inbound, env netsvc.Envelope) {
	in := smr.Inbound{
		Proposal:    env.Proposal,
		PreVote:     env.PreVote,
		PreCommit:   env.PreCommit,
		Choke:       env.Choke,
		PreVoteQC:   env.PreVoteQC,
		PreCommitQC: env.PreCommitQC,
		ChokeQC:     env.ChokeQC,
	}
	select {
	case fromNet <- in:
	case <-ctx.Done():
	}
}

// newLibp2pHost builds the libp2p host and Kademlia DHT shared by
// netsvc.Network: identity and listen address are the only
// caller-controlled knobs, with the DHT run in server mode so this
// replica also serves other peers' lookups.
func newLibp2pHost(ctx context.Context, priv libp2pcrypto.PrivKey, listenAddr string) (host.Host, *dht.IpfsDHT, error) {
	addr, err := multiaddr.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse listen addr %q: %w", listenAddr, err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addr),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("new libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, nil, fmt.Errorf("new kademlia dht: %w", err)
	}
	return h, kad, nil
}

// dialBootstrap connects to every configured bootstrap peer, logging
// (rather than failing) on any individual dial error since a fresh
// devnet's first node has none to reach yet.
func dialBootstrap(ctx context.Context, log *slog.Logger, h host.Host, addrs []string) {
	for _, raw := range addrs {
		ma, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			log.Warn("invalid bootstrap addr", "addr", raw, "err", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Warn("invalid bootstrap peer info", "addr", raw, "err", err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.Warn("connect to bootstrap peer", "addr", raw, "err", err)
			continue
		}
		log.Info("connected to bootstrap peer", "peer", info.ID)
	}
}

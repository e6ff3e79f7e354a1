// Package node is the composition root: it builds every component a
// PoAIP node needs, wires their callbacks together, and drives the
// bootstrap-then-consensus startup sequence (spec §4.9, §6). It is
// grounded on the teacher's cmd/empower1d/main.go top-level wiring
// order (construct stores, construct engines, start networking, start
// the block loop), generalized from the teacher's manual
// sync.WaitGroup bookkeeping to an errgroup.Group plus multierr for
// structured start/stop.
package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/poaip/poaipd/internal/bootstrap"
	"github.com/poaip/poaipd/internal/config"
	"github.com/poaip/poaipd/internal/consensus"
	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/directory"
	"github.com/poaip/poaipd/internal/halving"
	"github.com/poaip/poaipd/internal/ledger"
	"github.com/poaip/poaipd/internal/logging"
	"github.com/poaip/poaipd/internal/mempool"
	"github.com/poaip/poaipd/internal/metrics"
	"github.com/poaip/poaipd/internal/p2p"
	"github.com/poaip/poaipd/internal/producer"
	"github.com/poaip/poaipd/internal/reputation"
	"github.com/poaip/poaipd/internal/solver"
	"github.com/poaip/poaipd/internal/types"
)

// Node owns every long-lived component of one running PoAIP process and
// is the only thing cmd/poaipd talks to directly.
type Node struct {
	cfg *config.Config
	log *zap.SugaredLogger

	priv   *ecdsa.PrivateKey
	selfId types.Address

	ledger  *ledger.Store
	pool    *mempool.Pool
	sysAddr consensus.SystemAddresses
	hal     *halving.Engine
	rep    *reputation.Engine
	boot   *bootstrap.Manager
	engine *consensus.Engine
	prod   *producer.Producer
	p2p    *p2p.Server

	// dir and slv are the optional external collaborators of spec §6.
	// slv is retained but never called on the commit path; it exists so
	// an operator can wire a model-serving endpoint in without touching
	// internal/consensus.
	dir directory.PeerDirectory
	slv solver.ChallengeSolver

	hub *blockHub

	httpServer *http.Server

	genesisOnce sync.Once
	commitOnce  sync.Once
	consensusUp atomic.Bool

	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs every component a node needs, in dependency order, but
// starts nothing; call Start to bring the node up.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	priv, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	selfId, err := crypto.AddressFromPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("node: derive self address: %w", err)
	}

	rep, err := newReputationEngine(cfg)
	if err != nil {
		return nil, err
	}

	hal, err := newHalvingEngine(cfg)
	if err != nil {
		return nil, err
	}

	store, err := ledger.Open(filepath.Join(cfg.DataDir, "chain.db"), hal, rep)
	if err != nil {
		return nil, fmt.Errorf("node: open ledger: %w", err)
	}

	pool, err := mempool.New(cfg.PoolCapacityTxs, store, rep, logging.New("mempool"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: build mempool: %w", err)
	}

	p2pServer, err := p2p.New(p2p.Config{
		NetworkId:         cfg.NetworkId,
		SelfId:            selfId,
		SelfPriv:          priv,
		SelfRole:          cfg.Role,
		ListenAddr:        cfg.ListenAddr,
		Bootstrap:         cfg.Bootstrap,
		MaxPeers:          cfg.MaxPeers,
		LowWaterMark:      cfg.PeerLowWaterMark,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
	}, clock.New(), logging.New("p2p"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: build p2p server: %w", err)
	}
	p2pServer.HeightProvider = func() types.Height {
		if _, err := store.BlockAt(0); err != nil {
			return 0
		}
		return store.Tip().Height
	}
	p2pServer.BlocksSince = func(from types.Height) ([]*types.Block, error) {
		return blocksSince(store, from)
	}

	bootMgr := bootstrap.New(selfId, cfg.PioneerCount, logging.New("bootstrap"))

	sysAddr := cfg.SystemAddresses()
	engine, err := consensus.New(selfId, priv, store, hal, p2pServer, p2pServer, clock.New(), consensus.Config{
		BlockPeriod:  time.Duration(cfg.BlockPeriodMs) * time.Millisecond,
		RoundTimeout: time.Duration(cfg.RoundTimeoutMs) * time.Millisecond,
		RestartDelay: time.Duration(cfg.RoundRestartMs) * time.Millisecond,
	}, consensus.SystemAddresses{
		Liquidity:   sysAddr[0],
		Burn:        sysAddr[1],
		Maintenance: sysAddr[2],
	}, logging.New("consensus"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: build consensus engine: %w", err)
	}

	prod, err := producer.New(selfId, priv, pool, store, hal, engine, p2pServer, producer.SystemAddresses{
		Liquidity:   sysAddr[0],
		Burn:        sysAddr[1],
		Maintenance: sysAddr[2],
	}, cfg.MaxTxsPerBlock, logging.New("producer"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("node: build producer: %w", err)
	}

	dir, err := newDirectoryClient(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	var slv solver.ChallengeSolver
	if cfg.SolverURL != "" {
		slv = solver.NewHTTPClient(cfg.SolverURL, 30*time.Second)
	}

	n := &Node{
		cfg:     cfg,
		log:     log,
		priv:    priv,
		selfId:  selfId,
		ledger:  store,
		pool:    pool,
		sysAddr: consensus.SystemAddresses{Liquidity: sysAddr[0], Burn: sysAddr[1], Maintenance: sysAddr[2]},
		hal:     hal,
		rep:     rep,
		boot:    bootMgr,
		engine:  engine,
		prod:    prod,
		p2p:     p2pServer,
		dir:     dir,
		slv:     slv,
		hub:     newBlockHub(),
	}
	n.wireP2P()
	n.httpServer = n.buildAPIServer()
	return n, nil
}

func loadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	priv, err := crypto.LoadPrivateKeyPEM(path)
	if err == nil {
		return priv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("node: load node key: %w", err)
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("node: generate node key: %w", err)
	}
	if err := crypto.SavePrivateKeyPEM(kp.Private, path); err != nil {
		return nil, fmt.Errorf("node: persist node key: %w", err)
	}
	return kp.Private, nil
}

// syncBatchSize bounds how many blocks one sync response carries, so a
// node that is thousands of blocks behind doesn't force its peer to
// gob-encode the entire remaining chain into a single frame.
const syncBatchSize = 500

// blocksSince returns up to syncBatchSize committed blocks starting at
// from, stopping early at the local tip.
func blocksSince(store *ledger.Store, from types.Height) ([]*types.Block, error) {
	if _, err := store.BlockAt(0); err != nil {
		return nil, nil
	}
	tip := store.Tip().Height
	if from > tip {
		return nil, nil
	}
	out := make([]*types.Block, 0, syncBatchSize)
	for h := from; h <= tip && len(out) < syncBatchSize; h++ {
		blk, err := store.BlockAt(h)
		if err != nil {
			return nil, err
		}
		out = append(out, blk)
	}
	return out, nil
}

// OpenLedgerReadOnly opens a node's chain database for inspection without
// constructing the rest of the node (cmd/poaipd's printchain command).
func OpenLedgerReadOnly(cfg *config.Config) (*ledger.Store, error) {
	hal, err := newHalvingEngine(cfg)
	if err != nil {
		return nil, err
	}
	rep, err := newReputationEngine(cfg)
	if err != nil {
		return nil, err
	}
	return ledger.Open(filepath.Join(cfg.DataDir, "chain.db"), hal, rep)
}

func newReputationEngine(cfg *config.Config) (*reputation.Engine, error) {
	decay, err := strconv.ParseFloat(cfg.ReputationDecayPerDay, 64)
	if err != nil {
		return nil, fmt.Errorf("node: parse reputation_decay_per_day: %w", err)
	}
	repCfg := reputation.DefaultConfig()
	repCfg.DecayPerDay = decay
	return reputation.New(repCfg), nil
}

func newHalvingEngine(cfg *config.Config) (*halving.Engine, error) {
	reward, err := types.NewAmountFromString(cfg.InitialReward)
	if err != nil {
		return nil, fmt.Errorf("node: parse initial_reward: %w", err)
	}
	burn, err := decimal.NewFromString(cfg.InitialSplitBurn)
	if err != nil {
		return nil, fmt.Errorf("node: parse initial_split_burn: %w", err)
	}
	maint, err := decimal.NewFromString(cfg.InitialSplitMaintenance)
	if err != nil {
		return nil, fmt.Errorf("node: parse initial_split_maintenance: %w", err)
	}
	liq, err := decimal.NewFromString(cfg.InitialSplitLiquidity)
	if err != nil {
		return nil, fmt.Errorf("node: parse initial_split_liquidity: %w", err)
	}
	decrement, err := decimal.NewFromString(cfg.SplitDecrementPerHalving)
	if err != nil {
		return nil, fmt.Errorf("node: parse split_decrement_per_halving: %w", err)
	}
	return halving.New(halving.Config{
		InitialReward:       reward,
		InitialSplit:        halving.Split{Burn: burn, Maintenance: maint, Liquidity: liq},
		DecrementPerHalving: decrement,
		PeriodBlocks:        cfg.HalvingPeriod,
	})
}

func newDirectoryClient(cfg *config.Config) (directory.PeerDirectory, error) {
	if cfg.DirectoryURL == "" {
		return nil, nil
	}
	var coordKey *ecdsa.PublicKey
	if cfg.CoordinatorAddress != "" {
		key, err := crypto.PublicKeyFromAddress(types.Address(cfg.CoordinatorAddress))
		if err != nil {
			return nil, fmt.Errorf("node: resolve coordinator_address: %w", err)
		}
		coordKey = key
	}
	return directory.NewHTTPClient(cfg.DirectoryURL, coordKey), nil
}

// wireP2P connects inbound network events to the rest of the node.
func (n *Node) wireP2P() {
	n.p2p.OnPeerConnected = func(entry types.PeerEntry) {
		n.log.Infow("peer connected", "id", entry.NodeId, "role", entry.Role, "height", entry.Height)
		n.maybeRequestSync(entry.NodeId, entry.Height)
		if entry.Role != types.RoleAINode {
			return
		}
		n.boot.OnPioneerConnected(entry.NodeId)
		n.maybeSubmitOwnBootstrapCommit()
	}
	n.p2p.OnSyncResponse = func(from types.Address, blocks []*types.Block, tipHeight types.Height) {
		n.handleSyncResponse(from, blocks, tipHeight)
	}
	n.p2p.OnPeerHeightUpdated = func(peerId types.Address, height types.Height) {
		n.maybeRequestSync(peerId, height)
	}
	n.p2p.OnCommittedBlock = func(from types.Address, block *types.Block) {
		n.adoptGossipedBlock(from, block)
	}
	n.p2p.OnPeerDisconnected = func(id types.Address) {
		n.log.Infow("peer disconnected", "id", id)
		n.boot.OnPioneerDisconnected(id)
	}
	n.p2p.OnProposal = func(from types.Address, block *types.Block) {
		if n.consensusUp.Load() {
			n.engine.SubmitProposal(from, block)
		}
	}
	n.p2p.OnVote = func(v *types.Vote) {
		if n.consensusUp.Load() {
			n.engine.SubmitVote(v)
		}
	}
	n.p2p.OnTransaction = func(tx *types.Transaction) {
		n.admitTransaction(tx, true)
	}
	n.p2p.OnBootstrapCommit = func(from types.Address, payload p2p.BootstrapCommitPayload) {
		n.handleBootstrapCommit(bootstrap.Commit{
			PioneerId:         payload.PioneerId,
			SystemAddresses:   payload.SystemAddresses,
			InitialLiquidity:  payload.InitialLiquidity,
			ProposedTimestamp: payload.ProposedTimestamp,
		})
	}
}

// Start brings the node up: opens the P2P listener, resumes or forms
// genesis, and starts the wallet/API surface and committed-block
// watcher under one errgroup (spec §4.9).
func (n *Node) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	n.cancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	n.eg = eg
	n.ctx = egCtx

	if err := n.p2p.Start(egCtx); err != nil {
		cancel()
		return fmt.Errorf("node: start p2p: %w", err)
	}

	if n.dir != nil {
		if _, err := n.dir.Register(egCtx, directory.NodeDescriptor{
			NodeId:    n.selfId,
			Address:   n.cfg.ListenAddr,
			NetworkId: n.cfg.NetworkId,
			Role:      n.cfg.Role,
		}); err != nil {
			n.log.Warnw("directory registration failed", "err", err)
		}
		eg.Go(func() error {
			n.directoryLoop(egCtx)
			return nil
		})
	}

	eg.Go(func() error {
		n.watchCommits(egCtx)
		return nil
	})

	if n.cfg.APIAddr != "" {
		eg.Go(func() error {
			if err := n.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("node: api server: %w", err)
			}
			return nil
		})
	}

	if _, err := n.ledger.BlockAt(0); err == nil {
		tip := n.ledger.Tip()
		n.startConsensus(tip.Height + 1)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		cancel()
		return fmt.Errorf("node: check genesis: %w", err)
	} else {
		n.boot.OnPioneerConnected(n.selfId)
		n.maybeSubmitOwnBootstrapCommit()
	}

	return nil
}

// Stop cooperatively shuts every component down and releases the
// ledger's file handle.
func (n *Node) Stop() error {
	var err error
	if n.cancel != nil {
		n.cancel()
	}
	if n.httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, n.httpServer.Shutdown(shutdownCtx))
		cancelShutdown()
	}
	n.engine.Stop()
	n.prod.Stop()
	n.p2p.Stop()
	if n.eg != nil {
		err = multierr.Append(err, n.eg.Wait())
	}
	err = multierr.Append(err, n.ledger.Close())
	return err
}

// maybeSubmitOwnBootstrapCommit proposes this node's genesis parameters
// once the pioneer set is complete, exactly once per process lifetime.
func (n *Node) maybeSubmitOwnBootstrapCommit() {
	if n.boot.State() != bootstrap.Ready {
		return
	}
	n.commitOnce.Do(func() {
		liquidity, err := types.NewAmountFromString(n.cfg.InitialLiquidityAmount)
		if err != nil {
			n.log.Errorw("invalid initial_liquidity_amount", "err", err)
			return
		}
		commit := bootstrap.Commit{
			PioneerId:         n.selfId,
			SystemAddresses:   n.cfg.SystemAddresses(),
			InitialLiquidity:  liquidity,
			ProposedTimestamp: types.Timestamp(time.Now().UnixMilli()),
		}
		n.handleBootstrapCommit(commit)
		if err := n.p2p.BroadcastBootstrapCommit(p2p.BootstrapCommitPayload{
			PioneerId:         commit.PioneerId,
			SystemAddresses:   commit.SystemAddresses,
			InitialLiquidity:  commit.InitialLiquidity,
			ProposedTimestamp: commit.ProposedTimestamp,
		}); err != nil {
			n.log.Warnw("failed to broadcast bootstrap commit", "err", err)
		}
	})
}

// handleBootstrapCommit feeds a commit (local or gossiped) into the
// bootstrap state machine and finalizes genesis once it fires.
func (n *Node) handleBootstrapCommit(c bootstrap.Commit) {
	block, err := n.boot.Commit(c)
	if err != nil {
		n.log.Warnw("bootstrap commit rejected", "err", err)
		return
	}
	if block == nil {
		return
	}
	n.finalizeGenesis(block)
}

func (n *Node) finalizeGenesis(block *types.Block) {
	height, err := n.ledger.AppendCommittedBlock(block)
	if err != nil {
		n.log.Errorw("failed to commit genesis block", "err", err)
		return
	}
	n.log.Infow("genesis committed", "height", height)
	metrics.ChainHeight.Set(float64(height))
	n.hub.publish(block)
	n.startConsensus(height + 1)
}

// startConsensus launches the consensus engine and producer for heights
// startHeight upward, exactly once per process lifetime.
func (n *Node) startConsensus(startHeight types.Height) {
	n.genesisOnce.Do(func() {
		if err := n.engine.Start(n.ctx, startHeight); err != nil {
			n.log.Errorw("failed to start consensus engine", "err", err)
			return
		}
		n.prod.Start(n.ctx)
		n.consensusUp.Store(true)
		n.log.Infow("consensus started", "startHeight", startHeight)
	})
}

// watchCommits evicts every committed block's transactions from the
// mempool and pushes the block to the websocket feed, regardless of
// which node proposed it.
func (n *Node) watchCommits(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block := <-n.engine.CommittedBlocks():
			n.applyCommittedBlock(block)
			if err := n.p2p.BroadcastCommittedBlock(block); err != nil {
				n.log.Warnw("failed to broadcast committed block", "height", block.Height, "err", err)
			}
		}
	}
}

// applyCommittedBlock evicts a committed block's transactions from the
// mempool, updates the chain-height gauge, and publishes it to the
// websocket feed. Shared by the consensus commit watcher and the
// catch-up sync path below, since both deliver blocks this node did not
// necessarily propose itself.
func (n *Node) applyCommittedBlock(block *types.Block) {
	n.pool.EvictCommitted(block)
	metrics.ChainHeight.Set(float64(block.Height))
	n.hub.publish(block)
}

// maybeRequestSync asks a freshly connected peer for any blocks this
// node is missing, one sync round-trip at a time (spec §4.8's peer
// connection handling: a node that reconnects or joins late must catch
// up from its peers rather than waiting for the next gossip proposal).
func (n *Node) maybeRequestSync(peerId types.Address, peerHeight types.Height) {
	if _, err := n.ledger.BlockAt(0); err != nil {
		if peerHeight == 0 {
			return
		}
		if err := n.p2p.RequestSync(peerId, 0); err != nil {
			n.log.Debugw("sync request failed", "peer", peerId, "err", err)
		}
		return
	}
	localHeight := n.ledger.Tip().Height
	if peerHeight <= localHeight {
		return
	}
	if err := n.p2p.RequestSync(peerId, localHeight+1); err != nil {
		n.log.Debugw("sync request failed", "peer", peerId, "err", err)
	}
}

// handleSyncResponse appends every block that extends the local chain
// from a peer's sync response, verifying each proposer signature and
// the parent-hash chain linkage before trusting it. A block that
// doesn't extend the current tip (stale response, or the tip moved on
// via gossip in the meantime) is silently skipped rather than treated
// as an error. If the peer is still ahead after this batch, another
// round is requested to continue the catch-up.
func (n *Node) handleSyncResponse(from types.Address, blocks []*types.Block, peerTip types.Height) {
	for _, blk := range blocks {
		if !n.tryAdoptBlock(from, blk) {
			return
		}
	}
	if _, err := n.ledger.BlockAt(0); err != nil {
		return
	}
	tip := n.ledger.Tip()
	n.startConsensus(tip.Height + 1)
	if peerTip > tip.Height {
		if err := n.p2p.RequestSync(from, tip.Height+1); err != nil {
			n.log.Debugw("follow-up sync request failed", "peer", from, "err", err)
		}
	}
}

// adoptGossipedBlock applies a single block pushed by a peer's
// OnCommittedBlock gossip, the push-based counterpart to handleSyncResponse's
// pull-based catch-up: a voter that missed a proposal/vote round observes
// the committed block this way and adopts it without waiting to notice
// it's behind.
func (n *Node) adoptGossipedBlock(from types.Address, block *types.Block) {
	if !n.tryAdoptBlock(from, block) {
		return
	}
	tip := n.ledger.Tip()
	n.startConsensus(tip.Height + 1)
}

// tryAdoptBlock verifies block's proposer signature and that it extends
// the current local tip (or is genesis, if no chain exists yet) before
// appending it to the ledger. It returns false on an invalid signature
// (a hard stop, since the sender can't be trusted further this round) or
// when the ledger refuses the append, and true otherwise, including when
// block is simply skipped for not extending the tip (stale or already
// adopted via another path).
func (n *Node) tryAdoptBlock(from types.Address, block *types.Block) bool {
	if err := crypto.VerifyBlock(block); err != nil {
		n.log.Warnw("rejecting block with invalid signature", "peer", from, "height", block.Height, "err", err)
		return false
	}
	haveGenesis := true
	if _, err := n.ledger.BlockAt(0); err != nil {
		haveGenesis = false
	}
	if haveGenesis {
		tip := n.ledger.Tip()
		if block.Height != tip.Height+1 || block.ParentHash != tip.Hash {
			return true
		}
	} else if block.Height != 0 {
		return true
	}
	height, err := n.ledger.AppendCommittedBlock(block)
	if err != nil {
		n.log.Warnw("failed to apply block", "peer", from, "height", block.Height, "err", err)
		return false
	}
	n.applyCommittedBlock(block)
	n.log.Infow("applied block", "height", height, "peer", from)
	return true
}

// directoryLoop periodically tops up the connected peer set from the
// external directory once it falls below the low-water mark; internal/p2p
// itself never imports internal/directory, so this is where the two are
// composed (spec §6).
func (n *Node) directoryLoop(ctx context.Context) {
	interval := time.Duration(n.cfg.HeartbeatIntervalMs) * time.Millisecond * 4
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.p2p.PeerCount() >= n.cfg.PeerLowWaterMark {
				continue
			}
			roster, err := n.dir.GetRoster(ctx, "")
			if err != nil {
				n.log.Warnw("directory roster fetch failed", "err", err)
				continue
			}
			for _, entry := range roster {
				if n.p2p.PeerCount() >= n.cfg.PeerLowWaterMark {
					break
				}
				if entry.NodeId == n.selfId {
					continue
				}
				if err := n.p2p.Connect(entry.Address); err != nil {
					n.log.Debugw("directory-sourced connect failed", "addr", entry.Address, "err", err)
				}
			}
		}
	}
}

// admitTransaction validates tx and submits it to the pool, broadcasting
// it to the network unless it arrived from the network already.
func (n *Node) admitTransaction(tx *types.Transaction, fromNetwork bool) mempool.Outcome {
	if err := tx.Validate(); err != nil {
		return mempool.RejectedBadSignature
	}
	if err := crypto.VerifyTransaction(tx); err != nil {
		return mempool.RejectedBadSignature
	}
	if tx.Tag == types.TagVoluntaryBurn && tx.Recipient != n.sysAddr.Burn {
		return mempool.RejectedInvalidRecipient
	}
	outcome := n.pool.Submit(tx)
	if outcome == mempool.Accepted && !fromNetwork {
		if err := n.p2p.BroadcastTransaction(tx); err != nil {
			n.log.Warnw("failed to broadcast transaction", "err", err)
		}
	}
	return outcome
}

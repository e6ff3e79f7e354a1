// Package producer builds and submits this node's block proposal when it
// is the expected proposer for an open consensus round (spec §4.7).
// Timing is driven entirely by the consensus engine's round schedule; the
// producer itself never sleeps on a wall-clock timer, it only reacts to
// RoundOpened notifications.
package producer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poaip/poaipd/internal/consensus"
	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/halving"
	"github.com/poaip/poaipd/internal/ledger"
	"github.com/poaip/poaipd/internal/types"
)

// ErrProducerNotConfigured mirrors the teacher's ProposerService
// constructor validation (internal/consensus/proposer.go).
var ErrProducerNotConfigured = errors.New("producer: missing required dependency")

// Mempool is the subset of internal/mempool.Pool the producer needs:
// draining, not peeking, since a drained transaction must not be handed
// to two different proposals.
type Mempool interface {
	Drain(maxCount int) []*types.Transaction
}

// LedgerView is the read side of internal/ledger.Store the producer
// needs to anchor a proposal to the current tip.
type LedgerView interface {
	Tip() ledger.TipInfo
}

// Broadcaster sends a freshly built proposal to the rest of the network;
// internal/p2p implements it.
type Broadcaster interface {
	BroadcastProposal(block *types.Block) error
}

// SystemAddresses are the fixed addresses credited by every non-genesis
// block's fee-split system transactions (spec §4.3), resolved once at
// startup from internal/config.Config.SystemAddresses.
type SystemAddresses struct {
	Burn        types.Address
	Maintenance types.Address
	Liquidity   types.Address
}

// Producer watches a consensus.Engine's round notifications and, whenever
// this node is the expected proposer for a freshly opened round, drains
// the mempool and submits a signed block proposal.
type Producer struct {
	selfId types.Address
	priv   *ecdsa.PrivateKey

	pool    Mempool
	ledger  LedgerView
	hal     *halving.Engine
	engine  *consensus.Engine
	net     Broadcaster
	sysAddr SystemAddresses

	maxTxsPerBlock int
	log            *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Producer. maxTxsPerBlock is spec.md's max_txs_per_block.
func New(selfId types.Address, priv *ecdsa.PrivateKey, pool Mempool, lv LedgerView, hal *halving.Engine, engine *consensus.Engine, net Broadcaster, sysAddr SystemAddresses, maxTxsPerBlock int, log *zap.SugaredLogger) (*Producer, error) {
	if pool == nil || lv == nil || hal == nil || engine == nil || net == nil {
		return nil, fmt.Errorf("%w: mempool, ledger, halving engine, consensus engine and broadcaster are all required", ErrProducerNotConfigured)
	}
	if maxTxsPerBlock <= 0 {
		return nil, fmt.Errorf("%w: max transactions per block must be positive", ErrProducerNotConfigured)
	}
	return &Producer{
		selfId:         selfId,
		priv:           priv,
		pool:           pool,
		ledger:         lv,
		hal:            hal,
		engine:         engine,
		net:            net,
		sysAddr:        sysAddr,
		maxTxsPerBlock: maxTxsPerBlock,
		log:            log,
	}, nil
}

// Start launches the round-watching goroutine, following the same
// ctx/cancel/WaitGroup/sync.Once idiom as consensus.Engine.
func (p *Producer) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Add(1)
		go p.run()
	})
}

// Stop cancels the watch loop and waits for it to exit.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}

func (p *Producer) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case round := <-p.engine.RoundOpened():
			p.maybeProduce(round)
		}
	}
}

func (p *Producer) maybeProduce(round *consensus.Round) {
	if round.Proposer != p.selfId {
		return
	}
	tip := p.ledger.Tip()
	if round.Height != tip.Height+1 {
		if p.log != nil {
			p.log.Debugw("skipping stale round", "roundHeight", round.Height, "tipHeight", tip.Height)
		}
		return
	}

	block, err := p.buildProposal(round.Height, tip)
	if err != nil {
		if p.log != nil {
			p.log.Errorw("failed to build proposal", "height", round.Height, "err", err)
		}
		return
	}

	p.engine.SubmitProposal(p.selfId, block)
	if err := p.net.BroadcastProposal(block); err != nil && p.log != nil {
		p.log.Warnw("failed to broadcast proposal", "height", round.Height, "err", err)
	}
}

// buildProposal drains the mempool and assembles the system transactions
// mandated at this height (spec §4.3), then signs the resulting block.
// It mirrors the teacher's CreateProposalBlock control flow: drain,
// build, set timestamp, sign, hash.
func (p *Producer) buildProposal(height types.Height, tip ledger.TipInfo) (*types.Block, error) {
	userTxs := p.pool.Drain(p.maxTxsPerBlock)

	var totalFees types.Amount
	for _, tx := range userTxs {
		totalFees = totalFees.Add(tx.Fee)
	}

	reward := p.hal.RewardFor(height)
	split := p.hal.SplitFor(height)

	// The later of now and one millisecond past the tip, so timestamps
	// track the wall clock yet always exceed the parent's.
	timestamp := tip.Timestamp + 1
	if now := types.Timestamp(time.Now().UnixMilli()); now > timestamp {
		timestamp = now
	}
	sysTxs := []*types.Transaction{
		{Tag: types.TagBlockReward, Recipient: p.selfId, Amount: reward, Fee: types.Zero, Nonce: 0, Timestamp: timestamp},
		{Tag: types.TagFeeBurn, Recipient: p.sysAddr.Burn, Amount: totalFees.Mul(split.Burn), Fee: types.Zero, Nonce: 1, Timestamp: timestamp},
		{Tag: types.TagFeeMaintenance, Recipient: p.sysAddr.Maintenance, Amount: totalFees.Mul(split.Maintenance), Fee: types.Zero, Nonce: 2, Timestamp: timestamp},
		{Tag: types.TagFeeLiquidity, Recipient: p.sysAddr.Liquidity, Amount: totalFees.Mul(split.Liquidity), Fee: types.Zero, Nonce: 3, Timestamp: timestamp},
	}

	txs := append(sysTxs, userTxs...)
	root, err := types.ComputeMerkleRoot(txs)
	if err != nil {
		return nil, fmt.Errorf("producer: compute merkle root: %w", err)
	}

	block := &types.Block{
		Height:       height,
		ParentHash:   tip.Hash,
		ProposerId:   p.selfId,
		Timestamp:    timestamp,
		Transactions: txs,
		MerkleRoot:   root,
	}
	if p.priv == nil {
		return nil, fmt.Errorf("producer: no private key configured to sign block")
	}
	if err := crypto.SignBlock(p.priv, block); err != nil {
		return nil, fmt.Errorf("producer: sign block: %w", err)
	}
	return block, nil
}

package consensus

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/halving"
	"github.com/poaip/poaipd/internal/ledger"
	"github.com/poaip/poaipd/internal/metrics"
	"github.com/poaip/poaipd/internal/types"
)

// ErrInvalidEngineConfig mirrors the teacher's constructor validation
// idiom (internal/consensus.NewConsensusEngine): every dependency must be
// supplied.
var ErrInvalidEngineConfig = errors.New("consensus: invalid engine configuration")

// Committer is the write side of internal/ledger.Store the engine needs
// to finalize a round.
type Committer interface {
	LedgerView
	AppendCommittedBlock(blk *types.Block) (types.Height, error)
	Tip() ledger.TipInfo
}

// PeerRoster supplies the current AINode peer id set used for proposer
// rotation and quorum sizing (spec §4.6: "known at height h-1's commit
// moment").
type PeerRoster interface {
	ActiveAINodeIds() []types.Address
}

// Network is the P2P send surface the engine needs; internal/p2p
// implements it.
type Network interface {
	BroadcastVote(v *types.Vote) error
}

// Config parameterizes round timing (spec §6). BlockPeriod anchors the
// normal (attempt 0) production schedule to the tip's committed
// timestamp rather than wall-clock drift; RoundTimeout is intentionally
// shorter than BlockPeriod since it only bounds the propose/collect
// window once a height's slot opens, not the wait for that slot.
type Config struct {
	BlockPeriod  time.Duration
	RoundTimeout time.Duration
	RestartDelay time.Duration
}

// Engine drives one height's round to completion and then the next,
// started via Start and stopped via Stop, following the teacher's
// ctx/cancel/WaitGroup/sync.Once start-stop idiom
// (internal/consensus.ConsensusEngine.Start/Stop generalized to a voting
// round machine).
type Engine struct {
	selfId types.Address
	priv   *ecdsa.PrivateKey

	ledger  Committer
	hal     *halving.Engine
	roster  PeerRoster
	net     Network
	clock   clock.Clock
	cfg     Config
	sysAddr SystemAddresses
	log     *zap.SugaredLogger

	mu          sync.Mutex
	round       *Round

	proposals   chan proposalMsg
	votes       chan *types.Vote
	roundOpened chan *Round
	committed   chan *types.Block

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type proposalMsg struct {
	from  types.Address
	block *types.Block
}

// New builds an Engine. clk may be clock.New() in production or
// clock.NewMock() in tests.
func New(selfId types.Address, priv *ecdsa.PrivateKey, ledger Committer, hal *halving.Engine, roster PeerRoster, net Network, clk clock.Clock, cfg Config, sysAddr SystemAddresses, log *zap.SugaredLogger) (*Engine, error) {
	if ledger == nil || hal == nil || roster == nil || net == nil || clk == nil {
		return nil, fmt.Errorf("%w: ledger, halving engine, roster, network and clock are all required", ErrInvalidEngineConfig)
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 500 * time.Millisecond
	}
	return &Engine{
		selfId:      selfId,
		priv:        priv,
		ledger:      ledger,
		hal:         hal,
		roster:      roster,
		net:         net,
		clock:       clk,
		cfg:         cfg,
		sysAddr:     sysAddr,
		log:         log,
		proposals:   make(chan proposalMsg, 64),
		votes:       make(chan *types.Vote, 256),
		roundOpened: make(chan *Round, 1),
		committed:   make(chan *types.Block, 8),
	}, nil
}

// Start launches the round-driving goroutine for heights startHeight
// upward.
func (e *Engine) Start(ctx context.Context, startHeight types.Height) error {
	var err error
	e.startOnce.Do(func() {
		e.ctx, e.cancel = context.WithCancel(ctx)
		e.wg.Add(1)
		go e.run(startHeight)
	})
	return err
}

// Stop cancels the round loop and waits for it to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

// CurrentRound returns the round currently in progress, or nil.
func (e *Engine) CurrentRound() *Round {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// RoundOpened delivers the round struct every time a new attempt enters
// AwaitingProposal, so internal/producer can learn it is this height's
// proposer without polling. Delivery is best-effort: a slow or absent
// reader misses the notification for an attempt but CurrentRound still
// reflects it.
func (e *Engine) RoundOpened() <-chan *Round {
	return e.roundOpened
}

// CommittedBlocks delivers every block this engine commits, in height
// order, for consumers that need to react to a commit regardless of
// which node proposed it (mempool eviction, the wallet/API push feed).
// Delivery is best-effort like RoundOpened: a slow or absent reader
// misses the notification, never the commit itself.
func (e *Engine) CommittedBlocks() <-chan *types.Block {
	return e.committed
}

// SubmitProposal delivers a proposal received from the network (or
// produced locally by internal/producer) into the round loop.
func (e *Engine) SubmitProposal(from types.Address, block *types.Block) {
	select {
	case e.proposals <- proposalMsg{from: from, block: block}:
	case <-e.ctx.Done():
	}
}

// SubmitVote delivers a vote received from the network into the round
// loop.
func (e *Engine) SubmitVote(v *types.Vote) {
	select {
	case e.votes <- v:
	case <-e.ctx.Done():
	}
}

func (e *Engine) run(height types.Height) {
	defer e.wg.Done()
	for {
		if e.ctx.Err() != nil {
			return
		}
		e.waitForTick(height)
		committed := e.runHeight(height)
		if committed {
			height++
		}
	}
}

// waitForTick blocks until height's production slot opens: BlockPeriod
// after the tip's committed timestamp. A height that is not immediately
// next after the tip (the engine fell behind, or height is the genesis
// height handed to Start) proceeds without waiting.
func (e *Engine) waitForTick(height types.Height) {
	tip := e.ledger.Tip()
	if tip.Height+1 != height {
		return
	}
	target := time.UnixMilli(int64(tip.Timestamp)).Add(e.cfg.BlockPeriod)
	wait := target.Sub(e.clock.Now())
	if wait <= 0 {
		return
	}
	select {
	case <-e.clock.After(wait):
	case <-e.ctx.Done():
	}
}

// runHeight drives height through as many attempts (abort-cascades) as
// needed until it commits or the engine is stopped. It returns true once
// a block has been committed for this height.
func (e *Engine) runHeight(height types.Height) bool {
	attempt := 0
	for {
		ids := SortedAINodeIds(e.roster.ActiveAINodeIds())
		proposer := ProposerForHeight(ids, height, attempt)
		quorum := QuorumSize(len(ids))

		e.mu.Lock()
		e.round = NewRound(height, attempt, proposer)
		round := e.round
		e.mu.Unlock()

		select {
		case e.roundOpened <- round:
		default:
		}

		validator := NewValidator(e.ledger, e.hal, e.sysAddr)
		voters := make(map[types.Address]bool, len(ids))
		for _, id := range ids {
			voters[id] = true
		}

		committed := e.driveRound(round, validator, quorum, voters)
		if committed {
			return true
		}
		metrics.RoundsAborted.Inc()
		if e.log != nil {
			e.log.Infow("round aborted, retrying with next proposer", "height", height, "attempt", attempt)
		}
		select {
		case <-e.clock.After(e.cfg.RestartDelay):
		case <-e.ctx.Done():
			return false
		}
		attempt++
	}
}

// driveRound runs the AwaitingProposal/Collecting phases of one attempt
// until Committed, Aborted, or the engine stops. voters is the set of
// AINode ids eligible to cast a vote for this height, snapshotted at
// round-open time.
func (e *Engine) driveRound(round *Round, validator *Validator, quorum int, voters map[types.Address]bool) bool {
	timer := e.clock.Timer(e.cfg.RoundTimeout)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return false

		case <-timer.C:
			e.mu.Lock()
			round.Phase = Aborted
			e.mu.Unlock()
			return false

		case pm := <-e.proposals:
			if !round.AcceptProposal(pm.from, pm.block) {
				continue
			}
			if err := validator.ValidateProposal(pm.block, round.Proposer, round.Height); err != nil {
				if e.log != nil {
					e.log.Warnw("rejecting proposal", "height", round.Height, "err", err)
				}
				e.castVote(round, types.DecisionReject)
				continue
			}
			e.castVote(round, types.DecisionApprove)

		case v := <-e.votes:
			if v.Height != round.Height {
				continue
			}
			if !voters[v.VoterId] {
				continue
			}
			if err := crypto.VerifyVote(v); err != nil {
				continue
			}
			round.RecordVote(v.VoterId, v.Decision)
			approvals, rejects, shouldCommit, shouldAbort := round.Tally(quorum)
			if shouldCommit && round.Proposal != nil {
				if _, err := e.ledger.AppendCommittedBlock(round.Proposal); err != nil {
					if e.log != nil {
						e.log.Errorw("commit failed after quorum reached", "height", round.Height, "err", err)
					}
					round.Phase = Aborted
					return false
				}
				round.Phase = Committed
				metrics.RoundsCommitted.Inc()
				if e.log != nil {
					e.log.Infow("round committed", "height", round.Height, "approvals", approvals)
				}
				select {
				case e.committed <- round.Proposal:
				default:
				}
				return true
			}
			if shouldAbort {
				round.Phase = Aborted
				if e.log != nil {
					e.log.Infow("round rejected by supermajority", "height", round.Height, "rejects", rejects)
				}
				return false
			}
		}
	}
}

// castVote has this node vote on the current round's proposal and
// broadcasts the vote, recording it locally as well (self-vote counts
// towards quorum).
func (e *Engine) castVote(round *Round, decision types.Decision) {
	if round.Proposal == nil {
		return
	}
	id, err := round.Proposal.Id()
	if err != nil {
		return
	}
	v := &types.Vote{Height: round.Height, BlockHash: id, VoterId: e.selfId, Decision: decision}
	if e.priv != nil {
		if err := crypto.SignVote(e.priv, v); err != nil {
			return
		}
	}
	round.RecordVote(e.selfId, decision)
	if err := e.net.BroadcastVote(v); err != nil && e.log != nil {
		e.log.Warnw("failed to broadcast vote", "height", round.Height, "err", err)
	}
}

package consensus

import "github.com/poaip/poaipd/internal/types"

// Phase is a consensus round's lifecycle state (spec §3 "Consensus round
// state").
type Phase uint8

const (
	AwaitingProposal Phase = iota
	Collecting
	Committed
	Aborted
)

func (p Phase) String() string {
	switch p {
	case AwaitingProposal:
		return "AwaitingProposal"
	case Collecting:
		return "Collecting"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Round holds one height's consensus state: the expected proposer, the
// proposal once received, and every vote collected so far.
type Round struct {
	Height   types.Height
	Attempt  int
	Proposer types.Address
	Proposal *types.Block

	votes map[types.Address]types.Decision
	Phase Phase
}

// NewRound starts a fresh AwaitingProposal round for height h, attempt,
// with the given expected proposer.
func NewRound(h types.Height, attempt int, proposer types.Address) *Round {
	return &Round{
		Height:   h,
		Attempt:  attempt,
		Proposer: proposer,
		votes:    make(map[types.Address]types.Decision),
		Phase:    AwaitingProposal,
	}
}

// AcceptProposal transitions AwaitingProposal -> Collecting if block comes
// from the expected proposer and the round has not already accepted one
// (spec §4.6 tie-break: "only the first from the expected proposer is
// considered; others are dropped").
func (r *Round) AcceptProposal(from types.Address, block *types.Block) bool {
	if r.Phase != AwaitingProposal || from != r.Proposer || block.Height != r.Height {
		return false
	}
	r.Proposal = block
	r.Phase = Collecting
	return true
}

// RecordVote records voter's decision, ignoring a second vote from the
// same voter at this height (spec §3 "at most one Vote per (Height,
// VoterId)").
func (r *Round) RecordVote(voter types.Address, decision types.Decision) {
	if r.Phase != Collecting {
		return
	}
	if _, seen := r.votes[voter]; seen {
		return
	}
	r.votes[voter] = decision
}

// Tally counts current Approve/Reject votes and, given the quorum size
// for this round's AINode peer set, reports whether the round should commit or
// abort. It does not itself mutate Phase; the engine does that once it
// has also performed the ledger commit.
func (r *Round) Tally(quorum int) (approvals, rejects int, shouldCommit, shouldAbort bool) {
	for _, d := range r.votes {
		if d == types.DecisionApprove {
			approvals++
		} else {
			rejects++
		}
	}
	return approvals, rejects, approvals >= quorum, rejects >= quorum
}

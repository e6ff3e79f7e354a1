// Package consensus implements the per-height Propose -> Collect ->
// Commit/Abort round machine of spec §4.6. It generalizes the teacher's
// internal/consensus package, whose ConsensusEngine only ever proposes
// on its own configured turn and appends immediately with no voting
// phase, into a full supermajority-voting round with a round timer and
// an abort-cascade to the next proposer in rotation.
package consensus

import (
	"sort"

	"github.com/poaip/poaipd/internal/types"
)

// SortedAINodeIds returns ids sorted ascending, the deterministic
// ordering proposer rotation is indexed against (spec §4.6).
func SortedAINodeIds(ids []types.Address) []types.Address {
	out := append([]types.Address(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProposerForHeight returns the deterministic proposer for height h given
// the sorted AINode id set and the number of rounds already aborted at
// this height (attempt 0 is the first try). Indexing is (h-1+attempt) %
// N so that height 1 with attempt 0 selects sortedIds[0], matching the
// worked example in spec §8 scenario 1 (P1 proposes block 1, P2 block 2).
func ProposerForHeight(sortedIds []types.Address, h types.Height, attempt int) types.Address {
	n := len(sortedIds)
	if n == 0 {
		return ""
	}
	idx := (int(h-1) + attempt) % n
	if idx < 0 {
		idx += n
	}
	return sortedIds[idx]
}

// QuorumSize returns ceil(2*n/3), the number of Approve (or Reject)
// votes needed to reach a decision among n AINode peers.
func QuorumSize(n int) int {
	return (2*n + 2) / 3
}

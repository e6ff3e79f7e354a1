package types

// Decision is a voter's verdict on a proposed block.
type Decision uint8

const (
	DecisionApprove Decision = iota
	DecisionReject
)

func (d Decision) String() string {
	if d == DecisionApprove {
		return "Approve"
	}
	return "Reject"
}

// Vote is one voter's signed verdict on a proposed block at a height. A
// voter emits at most one Vote per (Height, VoterId); duplicates are
// dropped by the consensus engine, not by this type.
type Vote struct {
	Height    Height
	BlockHash Hash
	VoterId   Address
	Decision  Decision
	Signature Signature
}

type voteHashable struct {
	Height    Height
	BlockHash Hash
	VoterId   Address
	Decision  Decision
}

// CanonicalBytes implements Hashable-style canonical encoding for signing.
func (v *Vote) CanonicalBytes() ([]byte, error) {
	return gobEncode(voteHashable{
		Height:    v.Height,
		BlockHash: v.BlockHash,
		VoterId:   v.VoterId,
		Decision:  v.Decision,
	})
}

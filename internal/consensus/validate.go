package consensus

import (
	"errors"
	"fmt"

	"github.com/poaip/poaipd/internal/crypto"
	"github.com/poaip/poaipd/internal/halving"
	"github.com/poaip/poaipd/internal/types"
)

// Sentinel errors a voter maps to a Reject decision (spec §7: "vote
// Reject and log; do not crash").
var (
	ErrNilBlock             = errors.New("consensus: cannot validate a nil block")
	ErrChainContinuity      = errors.New("consensus: B1 parent hash mismatch")
	ErrTimeProtocol         = errors.New("consensus: B3 timestamp not strictly increasing")
	ErrProposerMismatch     = errors.New("consensus: proposer does not match rotation")
	ErrHeightMismatch       = errors.New("consensus: proposal height does not match round height")
	ErrSignatureInvalid     = errors.New("consensus: signature verification failed")
	ErrMerkleMismatch       = errors.New("consensus: merkle root does not match transactions")
	ErrSystemTxShapeInvalid = errors.New("consensus: system transaction set does not match mandated shape")
	ErrBadTransactionInBlock = errors.New("consensus: a transaction in the block failed validation")
)

// LedgerView is the read-only subset of internal/ledger.Store a voter
// needs to validate a proposal.
type LedgerView interface {
	BalanceOf(addr types.Address) types.Amount
	BlockAt(h types.Height) (*types.Block, error)
}

// SystemAddresses are the fixed recipients every non-genesis block's
// fee-split system transactions must credit (spec §4.3), and the only
// address a VoluntaryBurn may send to. Mirrors internal/producer's copy
// of the same fixed-order addresses resolved from
// internal/config.Config.SystemAddresses at startup.
type SystemAddresses struct {
	Burn        types.Address
	Maintenance types.Address
	Liquidity   types.Address
}

// Validator checks an incoming proposal against B1/B2/B3 and the
// mandated system-transaction shape, independent of ledger commit
// (spec §4.6's voter-side checks); ledger.Store.checkChainInvariants
// re-checks B1/B3 defensively at commit time.
type Validator struct {
	ledger  LedgerView
	hal     *halving.Engine
	sysAddr SystemAddresses
}

// NewValidator builds a Validator. sysAddr is used to reject a block
// whose fee-split transactions or VoluntaryBurn transactions credit
// anything other than the network's agreed system addresses.
func NewValidator(ledger LedgerView, hal *halving.Engine, sysAddr SystemAddresses) *Validator {
	return &Validator{ledger: ledger, hal: hal, sysAddr: sysAddr}
}

// ValidateProposal runs every structural and economic check a voter must
// perform before casting Approve, per spec §4.6.
func (v *Validator) ValidateProposal(block *types.Block, expectedProposer types.Address, expectedHeight types.Height) error {
	if block == nil {
		return ErrNilBlock
	}
	if block.ProposerId != expectedProposer {
		return fmt.Errorf("%w: got %s, want %s", ErrProposerMismatch, block.ProposerId, expectedProposer)
	}
	if block.Height != expectedHeight {
		return fmt.Errorf("%w: got %d, want %d", ErrHeightMismatch, block.Height, expectedHeight)
	}
	if err := crypto.VerifyBlock(block); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	root, err := types.ComputeMerkleRoot(block.Transactions)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMerkleMismatch, err)
	}
	if root != block.MerkleRoot {
		return ErrMerkleMismatch
	}

	if block.Height > 0 {
		parent, err := v.ledger.BlockAt(block.Height - 1)
		if err != nil {
			return fmt.Errorf("%w: cannot load parent at height %d: %v", ErrChainContinuity, block.Height-1, err)
		}
		parentId, err := parent.Id()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChainContinuity, err)
		}
		if block.ParentHash != parentId {
			return ErrChainContinuity
		}
		if block.Timestamp <= parent.Timestamp {
			return ErrTimeProtocol
		}
	} else if !block.ParentHash.IsZero() {
		return ErrChainContinuity
	}

	if err := v.validateSystemTxShape(block); err != nil {
		return err
	}
	if err := v.validateUserTransactions(block); err != nil {
		return err
	}
	return nil
}

// validateSystemTxShape checks B2: the leading system transactions match
// what §4.3 mandates for this height exactly (tag order, amounts).
func (v *Validator) validateSystemTxShape(block *types.Block) error {
	if block.Height == 0 {
		for i, tx := range block.Transactions {
			if tx.Tag != types.TagSystemInit {
				return fmt.Errorf("%w: genesis transaction %d has tag %v, want SystemInit", ErrSystemTxShapeInvalid, i, tx.Tag)
			}
		}
		return nil
	}
	if len(block.Transactions) < 4 {
		return fmt.Errorf("%w: block has %d transactions, want at least 4 system transactions", ErrSystemTxShapeInvalid, len(block.Transactions))
	}
	sys := block.Transactions[:4]
	wantTags := [4]types.TxTag{types.TagBlockReward, types.TagFeeBurn, types.TagFeeMaintenance, types.TagFeeLiquidity}
	for i, tx := range sys {
		if tx.Tag != wantTags[i] {
			return fmt.Errorf("%w: system transaction %d has tag %v, want %v", ErrSystemTxShapeInvalid, i, tx.Tag, wantTags[i])
		}
	}
	if sys[0].Amount.Cmp(v.hal.RewardFor(block.Height)) != 0 {
		return fmt.Errorf("%w: block reward %s does not match mandated %s", ErrSystemTxShapeInvalid, sys[0].Amount, v.hal.RewardFor(block.Height))
	}

	var totalFees types.Amount
	for _, tx := range block.Transactions[4:] {
		totalFees = totalFees.Add(tx.Fee)
	}
	split := v.hal.SplitFor(block.Height)
	wantBurn := totalFees.Mul(split.Burn)
	wantMaint := totalFees.Mul(split.Maintenance)
	wantLiq := totalFees.Mul(split.Liquidity)
	if sys[1].Amount.Cmp(wantBurn) != 0 || sys[2].Amount.Cmp(wantMaint) != 0 || sys[3].Amount.Cmp(wantLiq) != 0 {
		return fmt.Errorf("%w: fee split (%s,%s,%s) does not match mandated (%s,%s,%s)",
			ErrSystemTxShapeInvalid, sys[1].Amount, sys[2].Amount, sys[3].Amount, wantBurn, wantMaint, wantLiq)
	}
	if sys[0].Recipient != block.ProposerId {
		return fmt.Errorf("%w: block reward recipient %s does not match proposer %s", ErrSystemTxShapeInvalid, sys[0].Recipient, block.ProposerId)
	}
	if sys[1].Recipient != v.sysAddr.Burn || sys[2].Recipient != v.sysAddr.Maintenance || sys[3].Recipient != v.sysAddr.Liquidity {
		return fmt.Errorf("%w: fee split recipients (%s,%s,%s) do not match mandated system addresses (%s,%s,%s)",
			ErrSystemTxShapeInvalid, sys[1].Recipient, sys[2].Recipient, sys[3].Recipient, v.sysAddr.Burn, v.sysAddr.Maintenance, v.sysAddr.Liquidity)
	}
	return nil
}

// validateUserTransactions checks each non-system transaction's
// signature, sufficient balance against the pre-block ledger view
// (accounting for earlier transactions in the same block), and rejects
// duplicate nonces within the block.
func (v *Validator) validateUserTransactions(block *types.Block) error {
	spent := map[types.Address]types.Amount{}
	nonces := map[types.Address]map[uint64]bool{}
	start := block.SystemTxCount()
	for _, tx := range block.Transactions[start:] {
		if tx.Tag.IsSystem() {
			return fmt.Errorf("%w: system-tagged transaction found after block head", ErrSystemTxShapeInvalid)
		}
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadTransactionInBlock, err)
		}
		if tx.Tag == types.TagVoluntaryBurn {
			if !v.hal.BurnScheduleComplete(block.Height) {
				return fmt.Errorf("%w: voluntary burn submitted before burn schedule reached zero", ErrBadTransactionInBlock)
			}
			if tx.Recipient != v.sysAddr.Burn {
				return fmt.Errorf("%w: voluntary burn recipient %s does not match burn address %s", ErrBadTransactionInBlock, tx.Recipient, v.sysAddr.Burn)
			}
		}
		if err := crypto.VerifyTransaction(tx); err != nil {
			return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}

		if nonces[tx.Sender] == nil {
			nonces[tx.Sender] = map[uint64]bool{}
		}
		if nonces[tx.Sender][tx.Nonce] {
			return fmt.Errorf("%w: duplicate nonce %d for sender %s in same block", ErrBadTransactionInBlock, tx.Nonce, tx.Sender)
		}
		nonces[tx.Sender][tx.Nonce] = true

		required := tx.Amount.Add(tx.Fee)
		already := spent[tx.Sender]
		balance := v.ledger.BalanceOf(tx.Sender)
		if balance.Cmp(already.Add(required)) < 0 {
			return fmt.Errorf("%w: sender %s has insufficient balance", ErrBadTransactionInBlock, tx.Sender)
		}
		spent[tx.Sender] = already.Add(required)
	}
	return nil
}

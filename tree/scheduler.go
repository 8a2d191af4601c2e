package tree

import "github.com/Bargsteen/concordium-node/types"

// ChainMeta is the per-block context passed to the scheduler.
type ChainMeta struct {
	Slot   uint64
	Height uint64
}

// ExecutionResult is what the scheduler interface (C4.7) returns.
type ExecutionResult struct {
	NewState         interface{}
	EnergyUsed       uint64
	FailedList       []types.Hash
	UnprocessedList  []types.Hash
}

// Scheduler is the opaque block-state execution layer (C4.7). The core
// treats it as a pure function of (parentState, txList, chainMeta).
type Scheduler interface {
	Execute(parentState interface{}, txs []*types.Transaction, meta ChainMeta) (ExecutionResult, error)
}

// BirkParameters is the per-epoch lottery snapshot a block's header
// implicitly references through its slot: the bakers eligible to win
// a slot, and the election difficulty, as they stood two epochs prior.
// It is the concrete type the baker and tree packages share for
// per-epoch lottery membership and election difficulty.
type BirkParameters struct {
	ElectionDifficulty float64
	LeadershipNonce     types.Hash
	LotteryBakers       []LotteryBaker
}

type LotteryBaker struct {
	BakerID      uint64
	Name         types.AccountName
	SignKey      types.PublicKey
	VRFKey       types.VRFPublicKey
	LotteryPower float64
}

func (bp *BirkParameters) Baker(id uint64) (*LotteryBaker, bool) {
	for i := range bp.LotteryBakers {
		if bp.LotteryBakers[i].BakerID == id {
			return &bp.LotteryBakers[i], true
		}
	}
	return nil, false
}

// ElectionVerifier validates the leader-election proof on an incoming
// normal block against the parent's Birk parameters.
type ElectionVerifier interface {
	VerifyElection(birk *BirkParameters, block *types.Block) error
}

// Package baker implements the per-slot leader election and block
// assembly loop (C5), generalized from an enterNewRound/
// createAndSendProposal proposer-turn pattern: instead of "am I the
// round-robin proposer", the test is "did my VRF proof win the slot
// lottery".
package baker

import (
	"crypto/ed25519"
	"time"

	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/tree"
	"github.com/Bargsteen/concordium-node/txpool"
	"github.com/Bargsteen/concordium-node/types"
)

const (
	slotPrefixElection = "LE"
	slotPrefixNonce    = "NONCE"
)

// Outcome is what tryBake returns to the runner's baker loop.
type Outcome struct {
	Won       bool
	Block     *types.Block
	WaitUntil time.Time
}

// Baker owns this node's signing and VRF keys and assembles blocks
// when it wins a slot's lottery.
type Baker struct {
	BakerID uint64
	Name    types.AccountName

	signKey ed25519.PrivateKey
	vrfKey  ed25519.PrivateKey

	tree   *tree.TreeState
	txpool *txpool.Table

	slotDuration   time.Duration
	genesisTime    time.Time
	maxBlockBytes  int
	maxBlockEnergy int64

	birkFn func(parent *types.BlockPointer) *tree.BirkParameters
}

func New(
	bakerID uint64,
	name types.AccountName,
	signKey, vrfKey ed25519.PrivateKey,
	t *tree.TreeState,
	txp *txpool.Table,
	slotDuration time.Duration,
	genesisTime time.Time,
	maxBlockBytes int,
	maxBlockEnergy int64,
	birkFn func(*types.BlockPointer) *tree.BirkParameters,
) *Baker {
	return &Baker{
		BakerID: bakerID, Name: name,
		signKey: signKey, vrfKey: vrfKey,
		tree: t, txpool: txp,
		slotDuration: slotDuration, genesisTime: genesisTime,
		maxBlockBytes: maxBlockBytes, maxBlockEnergy: maxBlockEnergy,
		birkFn: birkFn,
	}
}

func (b *Baker) currentSlotFromClock(now time.Time) uint64 {
	if now.Before(b.genesisTime) {
		return 0
	}
	return uint64(now.Sub(b.genesisTime) / b.slotDuration)
}

func (b *Baker) slotTime(slot uint64) time.Time {
	return b.genesisTime.Add(time.Duration(slot) * b.slotDuration)
}

// TryBake implements the per-slot five-step loop body: check
// lottery membership, compute the election proof, test against the
// threshold, select a parent, and assemble the block.
func (b *Baker) TryBake(nextSlot uint64, now time.Time) Outcome {
	slot := nextSlot
	if cur := b.currentSlotFromClock(now); cur > slot {
		slot = cur
	}

	best := b.tree.BestBlock()
	birk := b.birkFn(best)
	lotteryBaker, inLottery := birk.Baker(b.BakerID)
	if !inLottery {
		return Outcome{Won: false, WaitUntil: b.slotTime(slot + 1)}
	}

	alpha := electionAlpha(birk.LeadershipNonce, slot)
	proof, output := crypto.Prove(b.vrfKey, alpha)
	if !crypto.WinsLottery(output, birk.ElectionDifficulty, lotteryBaker.LotteryPower) {
		return Outcome{Won: false, WaitUntil: b.slotTime(slot + 1)}
	}

	parent := b.selectParent(slot)
	if parent == nil {
		return Outcome{Won: false, WaitUntil: b.slotTime(slot + 1)}
	}

	nonceAlpha := nonceAlpha(birk.LeadershipNonce, slot)
	nonceProof, _ := crypto.Prove(b.vrfKey, nonceAlpha)

	lastFinalized, _ := b.tree.LastFinalized()
	txs := b.selectTransactions()

	block := types.NewNormalBlock(slot, parent.Hash, b.BakerID, proof, nonceProof, lastFinalized.Hash, txs)
	crypto.SignBlock(b.signKey, block)

	return Outcome{Won: true, Block: block}
}

// selectParent: the best block whose slot is strictly below the
// current slot.
func (b *Baker) selectParent(slot uint64) *types.BlockPointer {
	best := b.tree.BestBlock()
	cur := best
	for cur != nil && cur.Block.Header.Slot >= slot {
		return nil // best block has already advanced past this slot
	}
	return best
}

// selectTransactions fills the block under the byte cap from the
// transaction table's per-sender nonce-ordered pending set. Only the
// byte cap limits the selection: maxBlockEnergy is not consulted, and
// TryBake signs the block without executing it.
func (b *Baker) selectTransactions() []*types.Transaction {
	return b.txpool.PendingForBaking(b.maxBlockBytes)
}

func electionAlpha(leadershipNonce types.Hash, slot uint64) []byte {
	return buildAlpha(slotPrefixElection, leadershipNonce, slot)
}

func nonceAlpha(leadershipNonce types.Hash, slot uint64) []byte {
	return buildAlpha(slotPrefixNonce, leadershipNonce, slot)
}

func buildAlpha(prefix string, leadershipNonce types.Hash, slot uint64) []byte {
	out := []byte(prefix)
	out = append(out, leadershipNonce.Data...)
	var sb [8]byte
	for i := 7; i >= 0; i-- {
		sb[7-i] = byte(slot >> (8 * uint(i)))
	}
	return append(out, sb[:]...)
}

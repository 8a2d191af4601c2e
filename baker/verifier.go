package baker

import (
	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/tree"
	"github.com/Bargsteen/concordium-node/types"
)

// ElectionVerifier checks an incoming block's VRF election proof and
// block nonce against the parent's Birk parameters, implementing
// tree.ElectionVerifier.
type ElectionVerifier struct{}

func (ElectionVerifier) VerifyElection(birk *tree.BirkParameters, block *types.Block) error {
	lotteryBaker, ok := birk.Baker(block.Header.BakerID)
	if !ok {
		return types.ErrInvalidBlock
	}
	vrfKey := types.PublicKey{Data: lotteryBaker.VRFKey.Data}
	alpha := electionAlpha(birk.LeadershipNonce, block.Header.Slot)
	output, err := crypto.VerifyVRF(vrfKey, alpha, block.Header.BlockProof)
	if err != nil {
		return err
	}
	if !crypto.WinsLottery(output, birk.ElectionDifficulty, lotteryBaker.LotteryPower) {
		return types.ErrInvalidVRFProof
	}
	nonceAlpha := nonceAlpha(birk.LeadershipNonce, block.Header.Slot)
	if _, err := crypto.VerifyVRF(vrfKey, nonceAlpha, block.Header.BlockNonce); err != nil {
		return err
	}
	return nil
}

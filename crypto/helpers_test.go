package crypto

import "github.com/Bargsteen/concordium-node/types"

func testNormalBlock() *types.Block {
	parent := types.HashBytes([]byte("parent"))
	lastFin := types.HashBytes([]byte("last-finalized"))
	return types.NewNormalBlock(1, parent, 0,
		types.VRFProof{Data: []byte("proof")}, types.VRFProof{Data: []byte("nonce")},
		lastFin, nil)
}

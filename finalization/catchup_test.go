package finalization

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/tree"
	"github.com/Bargsteen/concordium-node/txpool"
	"github.com/Bargsteen/concordium-node/types"
	"github.com/Bargsteen/concordium-node/wmvba"
)

type noopScheduler struct{}

func (noopScheduler) Execute(parentState interface{}, txs []*types.Transaction, meta tree.ChainMeta) (tree.ExecutionResult, error) {
	return tree.ExecutionResult{}, nil
}

type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifyElection(birk *tree.BirkParameters, block *types.Block) error {
	return nil
}

func TestEncodeDecodeSummaryRoundTrip(t *testing.T) {
	sig := types.MustNewSignature(make([]byte, types.SignatureSize))
	s := &Summary{
		FailedRounds: []FailedRoundSummary{
			{Delta: 2, Signatures: map[uint32]types.Signature{0: sig, 3: sig}},
		},
		CurrentRound: &RoundSummary{Delta: 5, Messages: [][]byte{[]byte("abc"), []byte("de"), {}}},
	}

	decoded, err := DecodeSummary(EncodeSummary(s))
	if err != nil {
		t.Fatalf("DecodeSummary: %v", err)
	}
	if len(decoded.FailedRounds) != 1 || decoded.FailedRounds[0].Delta != 2 {
		t.Fatalf("FailedRounds = %+v, want one entry with delta 2", decoded.FailedRounds)
	}
	if len(decoded.FailedRounds[0].Signatures) != 2 {
		t.Fatalf("Signatures = %+v, want 2 entries", decoded.FailedRounds[0].Signatures)
	}
	if decoded.CurrentRound == nil || decoded.CurrentRound.Delta != 5 {
		t.Fatalf("CurrentRound = %+v, want delta 5", decoded.CurrentRound)
	}
	if len(decoded.CurrentRound.Messages) != 3 || string(decoded.CurrentRound.Messages[0]) != "abc" || string(decoded.CurrentRound.Messages[1]) != "de" {
		t.Fatalf("CurrentRound.Messages = %v, want [abc de <empty>]", decoded.CurrentRound.Messages)
	}
}

func TestEncodeDecodeSummaryEmpty(t *testing.T) {
	decoded, err := DecodeSummary(EncodeSummary(&Summary{}))
	if err != nil {
		t.Fatalf("DecodeSummary: %v", err)
	}
	if decoded.CurrentRound != nil {
		t.Fatalf("CurrentRound = %+v, want nil", decoded.CurrentRound)
	}
	if len(decoded.FailedRounds) != 0 {
		t.Fatalf("FailedRounds = %+v, want none", decoded.FailedRounds)
	}
}

// testCommittee builds an n-party equal-weight committee with real
// ed25519 and BLS keys, so catch-up signatures can be verified for
// real rather than faked.
func testCommittee(t *testing.T, n int) (*types.FinalizationCommittee, []*crypto.BLSSecretKey, []ed25519.PrivateKey) {
	t.Helper()
	parties := make([]types.Party, n)
	blsKeys := make([]*crypto.BLSSecretKey, n)
	signKeys := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		blsPub, blsPriv, err := crypto.GenerateBLSKey()
		if err != nil {
			t.Fatalf("GenerateBLSKey: %v", err)
		}
		signPub, signPriv, err := crypto.GenerateSigningKey()
		if err != nil {
			t.Fatalf("GenerateSigningKey: %v", err)
		}
		parties[i] = types.Party{
			Name:       types.NewAccountName(string(rune('A' + i))),
			SignKey:    signPub,
			BLSKey:     blsPub,
			VoterPower: 1,
		}
		blsKeys[i] = blsPriv
		signKeys[i] = signPriv
	}
	committee, err := types.NewFinalizationCommittee(parties)
	if err != nil {
		t.Fatalf("NewFinalizationCommittee: %v", err)
	}
	return committee, blsKeys, signKeys
}

func TestFoldFailedRoundMergesVerifiedSignatureOnly(t *testing.T) {
	log := zerolog.Nop()
	committee, blsKeys, signKeys := testCommittee(t, 2)

	genesis := types.NewGenesisBlock([]byte("catchup-test-genesis"))
	ts, err := tree.NewTreeState(genesis, noopScheduler{}, acceptAllVerifier{}, func(*types.BlockPointer) *tree.BirkParameters {
		return &tree.BirkParameters{}
	}, 0, log)
	if err != nil {
		t.Fatalf("NewTreeState: %v", err)
	}
	txp := txpool.NewTable(time.Hour, 1000, log)
	sessionID := types.HashBytes([]byte("catchup-test-session"))

	o := NewOrchestrator(sessionID, 0, committee, blsKeys[0], signKeys[0], 0, ts, txp, log, nil, nil)

	delta := uint64(1)
	goodSig := crypto.Sign(signKeys[1], wmvba.FailureSignBytes(o.baid(o.currentIndex, delta)))
	badSig := crypto.Sign(signKeys[1], []byte("not what we expect party 1 to sign"))

	o.processFinalizationSummary(o.currentIndex, 1, &Summary{
		FailedRounds: []FailedRoundSummary{
			{Delta: delta, Signatures: map[uint32]types.Signature{1: goodSig}},
		},
	})
	if len(o.failed) != 1 || o.failed[0].Delta != delta {
		t.Fatalf("failed = %+v, want one verified entry at delta %d", o.failed, delta)
	}
	if _, ok := o.failed[0].Signatures[1]; !ok {
		t.Fatalf("failed[0].Signatures = %+v, want party 1's signature recorded", o.failed[0].Signatures)
	}

	o.failed = nil
	o.processFinalizationSummary(o.currentIndex, 1, &Summary{
		FailedRounds: []FailedRoundSummary{
			{Delta: delta, Signatures: map[uint32]types.Signature{1: badSig}},
		},
	})
	if len(o.failed) != 0 {
		t.Fatalf("failed = %+v, want none: the signature does not verify against WeAreDone(false)", o.failed)
	}
}

// buildCatchUpTestNode constructs an orchestrator over its own tree and
// transaction table, sharing genesis/block1/block2 and a committee with
// another node, the same way two validators would observe the same
// chain independently.
func buildCatchUpTestNode(t *testing.T, me uint32, committee *types.FinalizationCommittee, blsKey *crypto.BLSSecretKey, signKey ed25519.PrivateKey, sessionID types.Hash, genesis, block1, block2 *types.Block, birkFn func(*types.BlockPointer) *tree.BirkParameters, log zerolog.Logger, now time.Time) *Orchestrator {
	t.Helper()
	ts, err := tree.NewTreeState(genesis, noopScheduler{}, acceptAllVerifier{}, birkFn, 0, log)
	if err != nil {
		t.Fatalf("NewTreeState: %v", err)
	}
	if res := ts.ReceiveBlock(block1.Encode(), now); res != types.ResultSuccess {
		t.Fatalf("node %d: receive block1: %v", me, res)
	}
	if res := ts.ReceiveBlock(block2.Encode(), now); res != types.ResultSuccess {
		t.Fatalf("node %d: receive block2: %v", me, res)
	}
	txp := txpool.NewTable(time.Hour, 1000, log)
	return NewOrchestrator(sessionID, me, committee, blsKey, signKey, 0, ts, txp, log, nil, nil)
}

// TestReceiveCatchUpAdvancesStuckRound drives two nodes to the same
// finalization decision using ONLY the catch-up path: neither node ever
// calls ReceiveFinalizationMessage, simulating a partition where direct
// finalization-message delivery is entirely lost and the only thing
// that reaches either party is the other's periodic catch-up replay.
func TestReceiveCatchUpAdvancesStuckRound(t *testing.T) {
	const n = 2
	log := zerolog.Nop()
	committee, blsKeys, signKeys := testCommittee(t, n)
	sessionID := types.HashBytes([]byte("catchup-convergence-session"))

	genesis := types.NewGenesisBlock([]byte("catchup-convergence-genesis"))
	genesisHash := types.BlockHash(genesis)

	bakerPub, bakerPriv, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	birkFn := func(*types.BlockPointer) *tree.BirkParameters {
		return &tree.BirkParameters{
			LotteryBakers: []tree.LotteryBaker{{BakerID: 0, SignKey: bakerPub, LotteryPower: 1}},
		}
	}

	block1 := types.NewNormalBlock(1, genesisHash, 0,
		types.VRFProof{Data: []byte("proof-1")}, types.VRFProof{Data: []byte("nonce-1")},
		genesisHash, nil)
	crypto.SignBlock(bakerPriv, block1)
	block1Hash := types.BlockHash(block1)

	block2 := types.NewNormalBlock(2, block1Hash, 0,
		types.VRFProof{Data: []byte("proof-2")}, types.VRFProof{Data: []byte("nonce-2")},
		genesisHash, nil)
	crypto.SignBlock(bakerPriv, block2)

	now := time.Now()
	nodes := make([]*Orchestrator, n)
	for i := 0; i < n; i++ {
		nodes[i] = buildCatchUpTestNode(t, uint32(i), committee, blsKeys[i], signKeys[i], sessionID, genesis, block1, block2, birkFn, log, now)
	}
	for _, node := range nodes {
		node.Bootstrap()
	}

	converged := false
	for round := 0; round < 20 && !converged; round++ {
		summaries := make([]*types.CatchUpMessage, n)
		for i, node := range nodes {
			summaries[i] = node.BuildCatchUpMessage()
		}
		roundTime := now.Add(time.Duration(round+1) * time.Minute)
		for i, node := range nodes {
			for j, summary := range summaries {
				if i == j {
					continue
				}
				node.ReceiveCatchUp(summary, roundTime)
			}
		}

		converged = true
		for _, node := range nodes {
			lastFin, rec := node.tree.LastFinalized()
			if !types.HashEqual(lastFin.Hash, block1Hash) || rec == nil || rec.Index != 1 {
				converged = false
				break
			}
		}
	}
	if !converged {
		t.Fatalf("nodes never converged on block1 via catch-up alone after 20 rounds")
	}

	for i, node := range nodes {
		lastFin, rec := node.tree.LastFinalized()
		pubKeys := make([]types.BLSPublicKey, len(rec.Parties))
		for j, partyIdx := range rec.Parties {
			pubKeys[j] = committee.Parties[partyIdx].BLSKey
		}
		msg := wmvba.WitnessSignBytes(node.baid(rec.Index, rec.Delay), lastFin.Hash)
		if err := crypto.VerifyAggregateBLS(msg, rec.BLSAggregate, pubKeys); err != nil {
			t.Fatalf("node %d: aggregate witness does not verify: %v", i, err)
		}
	}
}

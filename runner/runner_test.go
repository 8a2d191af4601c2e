package runner

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/finalization"
	"github.com/Bargsteen/concordium-node/tree"
	"github.com/Bargsteen/concordium-node/txpool"
	"github.com/Bargsteen/concordium-node/types"
)

type noopScheduler struct{}

func (noopScheduler) Execute(parentState interface{}, txs []*types.Transaction, meta tree.ChainMeta) (tree.ExecutionResult, error) {
	return tree.ExecutionResult{}, nil
}

type acceptAllVerifier struct{}

func (acceptAllVerifier) VerifyElection(birk *tree.BirkParameters, block *types.Block) error {
	return nil
}

// testCommittee builds an n-party equal-weight finalization committee
// with real ed25519 and BLS keys.
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

// buildCatchUpNode constructs one Runner with no baker, wired only for
// catch-up traffic: broadcastBlock and broadcastCatchUp are left nil
// here and patched in by the caller once every node in the test exists,
// since each node's catch-up broadcast needs to reach its peers'
// inboxes.
func buildCatchUpNode(t *testing.T, me uint32, committee *types.FinalizationCommittee, blsKey *crypto.BLSSecretKey, signKey ed25519.PrivateKey, sessionID types.Hash, genesis, block1, block2 *types.Block, bakerPub types.PublicKey, log zerolog.Logger, now time.Time) *Runner {
	t.Helper()
	birkFn := func(*types.BlockPointer) *tree.BirkParameters {
		return &tree.BirkParameters{
			LotteryBakers: []tree.LotteryBaker{{BakerID: 0, SignKey: bakerPub, LotteryPower: 1}},
		}
	}
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
	orch := finalization.NewOrchestrator(sessionID, me, committee, blsKey, signKey, 0, ts, txp, log, nil, nil)

	cfg := DefaultConfig()
	cfg.CatchUpBaseDelay = 15 * time.Millisecond
	cfg.CatchUpPerPartyStep = 5 * time.Millisecond
	cfg.InboxSize = 64

	return New(cfg, ts, txp, orch, nil, nil, nil, log)
}

// TestCatchUpTimerDrivesConvergenceWithoutManualFiring wires two Runners'
// catch-up broadcasts to each other's inbox and starts both, verifying
// the replay timer set up in Start/dispatch/bakerLoop actually fires on
// its own and reaches finalization, with no test code ever calling
// BuildCatchUpMessage or ReceiveCatchUp directly.
func TestCatchUpTimerDrivesConvergenceWithoutManualFiring(t *testing.T) {
	const n = 2
	log := zerolog.Nop()
	committee, blsKeys, signKeys := testCommittee(t, n)
	sessionID := types.HashBytes([]byte("runner-catchup-session"))

	genesis := types.NewGenesisBlock([]byte("runner-catchup-genesis"))
	genesisHash := types.BlockHash(genesis)

	bakerPub, bakerPriv, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
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
	runners := make([]*Runner, n)
	for i := 0; i < n; i++ {
		runners[i] = buildCatchUpNode(t, uint32(i), committee, blsKeys[i], signKeys[i], sessionID, genesis, block1, block2, bakerPub, log, now)
	}

	for i, r := range runners {
		peer := runners[(i+1)%n]
		r.broadcastCatchUp = func(raw []byte) {
			peer.Submit(InboundMessage{Kind: InboundCatchUp, Bytes: raw})
		}
	}

	for _, r := range runners {
		r.Start()
	}
	defer func() {
		for _, r := range runners {
			r.Stop()
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	converged := false
	for time.Now().Before(deadline) {
		converged = true
		for _, r := range runners {
			r.mu.Lock()
			lastFin, rec := r.tree.LastFinalized()
			ok := types.HashEqual(lastFin.Hash, block1Hash) && rec != nil && rec.Index == 1
			r.mu.Unlock()
			if !ok {
				converged = false
				break
			}
		}
		if converged {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !converged {
		t.Fatalf("runners never converged on block1 via the automatic catch-up timer")
	}
}

// TestResetCatchUpTimerLockedReplacesPriorTimer checks that starting a
// fresh replay timer cancels whatever timer was previously scheduled,
// so a round advance never leaves two timers racing to fire.
func TestResetCatchUpTimerLockedReplacesPriorTimer(t *testing.T) {
	log := zerolog.Nop()
	committee, blsKeys, signKeys := testCommittee(t, 1)
	genesis := types.NewGenesisBlock([]byte("runner-timer-genesis"))
	birkFn := func(*types.BlockPointer) *tree.BirkParameters { return &tree.BirkParameters{} }
	ts, err := tree.NewTreeState(genesis, noopScheduler{}, acceptAllVerifier{}, birkFn, 0, log)
	if err != nil {
		t.Fatalf("NewTreeState: %v", err)
	}
	txp := txpool.NewTable(time.Hour, 1000, log)
	sessionID := types.HashBytes([]byte("runner-timer-session"))
	orch := finalization.NewOrchestrator(sessionID, 0, committee, blsKeys[0], signKeys[0], 0, ts, txp, log, nil, nil)

	cfg := DefaultConfig()
	cfg.CatchUpBaseDelay = time.Hour
	r := New(cfg, ts, txp, orch, nil, nil, nil, log)

	r.mu.Lock()
	r.resetCatchUpTimerLocked()
	first := r.catchUpTimer
	r.resetCatchUpTimerLocked()
	second := r.catchUpTimer
	r.mu.Unlock()

	if first == second {
		t.Fatalf("resetCatchUpTimerLocked did not replace the timer instance")
	}
	if !first.cancelled.Load() {
		t.Fatalf("resetCatchUpTimerLocked did not cancel the prior timer")
	}
}

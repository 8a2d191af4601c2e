package txpool

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/types"
)

func testTx(sender string, nonce uint64, payload string) *types.Transaction {
	return &types.Transaction{
		Sender:  types.AccountName{Name: sender},
		Nonce:   nonce,
		Payload: []byte(payload),
	}
}

func TestAddCommitRejectsNonceBelowNextNonce(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	table.bucket(types.AccountName{Name: "alice"}).nextNonce = 5

	tx := testTx("alice", 4, "p")
	if err := table.AddCommit(tx, 1, time.Now()); err != types.ErrNonceTooLow {
		t.Fatalf("AddCommit = %v, want ErrNonceTooLow", err)
	}
}

func TestAddCommitBumpsSlotOnRedelivery(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	tx := testTx("alice", 0, "p")

	if err := table.AddCommit(tx, 1, time.Now()); err != nil {
		t.Fatalf("AddCommit: %v", err)
	}
	if err := table.AddCommit(tx, 5, time.Now()); err != nil {
		t.Fatalf("AddCommit (redelivery): %v", err)
	}
	e := table.byHash[txKey(types.TxHash(tx))]
	if e.slot != 5 {
		t.Fatalf("slot = %d, want 5 (bumped by redelivery)", e.slot)
	}
}

func TestCommitTransactionTransitionsToCommitted(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	tx := testTx("alice", 0, "p")
	table.AddCommit(tx, 1, time.Now())

	block := types.HashBytes([]byte("block-a"))
	if err := table.CommitTransaction(block, 2, tx, 0); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	e := table.byHash[txKey(types.TxHash(tx))]
	if e.status != types.TxStatusCommitted {
		t.Fatalf("status = %v, want TxStatusCommitted", e.status)
	}
	if idx, ok := e.committed[txKey(block)]; !ok || idx != 0 {
		t.Fatalf("committed[block] = (%d, %v), want (0, true)", idx, ok)
	}
}

func TestCommitTransactionRejectsUnknownTx(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	tx := testTx("alice", 0, "p")
	block := types.HashBytes([]byte("block-a"))
	if err := table.CommitTransaction(block, 1, tx, 0); err != errUnknownTransaction {
		t.Fatalf("CommitTransaction(unknown) = %v, want errUnknownTransaction", err)
	}
}

func TestFinalizeTransactionsDeletesEquivocatingSiblingsAndBumpsNonce(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	winner := testTx("alice", 0, "winner")
	loser := testTx("alice", 0, "loser")
	table.AddCommit(winner, 1, time.Now())
	table.AddCommit(loser, 1, time.Now())

	block := types.HashBytes([]byte("block-a"))
	table.FinalizeTransactions(block, 2, []*types.Transaction{winner})

	winnerEntry := table.byHash[txKey(types.TxHash(winner))]
	if winnerEntry.status != types.TxStatusFinalized {
		t.Fatalf("winner status = %v, want TxStatusFinalized", winnerEntry.status)
	}
	if _, ok := table.byHash[txKey(types.TxHash(loser))]; ok {
		t.Fatalf("loser entry should have been deleted as an equivocating sibling")
	}
	if got := table.NextNonce(types.AccountName{Name: "alice"}); got != 1 {
		t.Fatalf("NextNonce = %d, want 1", got)
	}
}

func TestPendingForBakingOrdersBySenderNonceAndArrival(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	now := time.Now()

	aliceTx0 := testTx("alice", 0, "a0")
	table.AddCommit(aliceTx0, 1, now)
	bobTx0 := testTx("bob", 0, "b0")
	table.AddCommit(bobTx0, 1, now.Add(time.Millisecond))
	aliceTx1 := testTx("alice", 1, "a1")
	table.AddCommit(aliceTx1, 1, now.Add(2*time.Millisecond))
	// A gap at alice's nonce 3 (no nonce 2) must stop alice's chain there.
	aliceTx3 := testTx("alice", 3, "a3")
	table.AddCommit(aliceTx3, 1, now.Add(3*time.Millisecond))

	out := table.PendingForBaking(10_000)
	if len(out) != 3 {
		t.Fatalf("PendingForBaking returned %d txs, want 3 (alice#0, bob#0, alice#1)", len(out))
	}
	if string(out[0].Payload) != "a0" || string(out[1].Payload) != "b0" || string(out[2].Payload) != "a1" {
		t.Fatalf("PendingForBaking order = %v, want [a0 b0 a1]", payloadsOf(out))
	}
}

func payloadsOf(txs []*types.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = string(tx.Payload)
	}
	return out
}

func TestPendingForBakingRespectsEquivocationGap(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	now := time.Now()
	table.AddCommit(testTx("alice", 0, "a0-first"), 1, now)
	table.AddCommit(testTx("alice", 0, "a0-second"), 1, now.Add(time.Millisecond))
	table.AddCommit(testTx("alice", 1, "a1"), 1, now.Add(2*time.Millisecond))

	out := table.PendingForBaking(10_000)
	if len(out) != 0 {
		t.Fatalf("PendingForBaking = %v, want empty: nonce 0 has two competing txs, blocking nonce 1", payloadsOf(out))
	}
}

func TestPendingForBakingRespectsMaxBytes(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	now := time.Now()
	tx := testTx("alice", 0, "payload")
	table.AddCommit(tx, 1, now)

	tiny := len(tx.Encode()) - 1
	if out := table.PendingForBaking(tiny); len(out) != 0 {
		t.Fatalf("PendingForBaking(maxBytes too small) = %v, want empty", payloadsOf(out))
	}
}

func TestRevertBlockReturnsCommittedTxToReceived(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	tx := testTx("alice", 0, "p")
	table.AddCommit(tx, 5, time.Now())
	block := types.HashBytes([]byte("dead-block"))
	table.CommitTransaction(block, 5, tx, 0)

	table.RevertBlock(block, []*types.Transaction{tx}, 0)

	e := table.byHash[txKey(types.TxHash(tx))]
	if e == nil {
		t.Fatalf("transaction should survive revert: its slot (5) is above lastFinalizedSlot (0)")
	}
	if e.status != types.TxStatusReceived {
		t.Fatalf("status = %v, want TxStatusReceived after its only committing block died", e.status)
	}
}

func TestRevertBlockPurgesTxAtOrBelowFinalizedSlot(t *testing.T) {
	table := NewTable(time.Hour, 1000, zerolog.Nop())
	tx := testTx("alice", 0, "p")
	table.AddCommit(tx, 3, time.Now())
	block := types.HashBytes([]byte("dead-block"))
	table.CommitTransaction(block, 3, tx, 0)

	table.RevertBlock(block, []*types.Transaction{tx}, 3)

	if _, ok := table.byHash[txKey(types.TxHash(tx))]; ok {
		t.Fatalf("transaction should have been purged: its slot (3) is at the finalized slot (3)")
	}
}

func TestPurgeTransactionTableRemovesStaleReceivedBeforeKeepAlive(t *testing.T) {
	table := NewTable(time.Millisecond, 1, zerolog.Nop())
	tx := testTx("alice", 0, "p")
	old := time.Now().Add(-time.Hour)
	table.AddCommit(tx, 1, old)

	table.PurgeTransactionTable(time.Now())

	if _, ok := table.byHash[txKey(types.TxHash(tx))]; ok {
		t.Fatalf("stale Received transaction should have been purged")
	}
}

func TestPurgeTransactionTableKeepsFreshReceived(t *testing.T) {
	table := NewTable(time.Hour, 1, zerolog.Nop())
	tx := testTx("alice", 0, "p")
	table.AddCommit(tx, 1, time.Now())

	table.PurgeTransactionTable(time.Now())

	if _, ok := table.byHash[txKey(types.TxHash(tx))]; !ok {
		t.Fatalf("fresh Received transaction should not have been purged")
	}
}

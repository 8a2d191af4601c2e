package txpool

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/types"
)

var errUnknownTransaction = errors.New("txpool: commit of unknown transaction")

type entry struct {
	tx        *types.Transaction
	status    types.TxStatus
	slot      uint64
	arrival   time.Time
	committed map[string]int // live block hash key -> index within block
	finalizedIn *types.Hash
}

type senderBucket struct {
	nextNonce uint64
	// nonces[n] holds every competing tx hash a sender has submitted at
	// nonce n (normally one, but equivocating senders may submit more).
	nonces map[uint64]map[string]*entry
}

// Table is the transaction table (C3).
type Table struct {
	byHash map[string]*entry
	bySender map[string]*senderBucket

	keepAliveTime time.Duration
	purgeEvery    uint64
	insertCount   uint64

	log zerolog.Logger
}

func NewTable(keepAliveTime time.Duration, purgeEvery uint64, log zerolog.Logger) *Table {
	return &Table{
		byHash:        make(map[string]*entry),
		bySender:      make(map[string]*senderBucket),
		keepAliveTime: keepAliveTime,
		purgeEvery:    purgeEvery,
		log:           log,
	}
}

func txKey(h types.Hash) string { return string(h.Data) }

func (t *Table) bucket(sender types.AccountName) *senderBucket {
	b, ok := t.bySender[sender.Name]
	if !ok {
		b = &senderBucket{nonces: make(map[uint64]map[string]*entry)}
		t.bySender[sender.Name] = b
	}
	return b
}

// AddCommit implements addCommit(tx, slot): reject if already
// finalized or if nonce < sender's nextNonce; otherwise upsert with
// status Received(slot), bumping the slot of an existing Received or
// Committed entry.
func (t *Table) AddCommit(tx *types.Transaction, slot uint64, now time.Time) error {
	b := t.bucket(tx.Sender)
	if tx.Nonce < b.nextNonce {
		return types.ErrNonceTooLow
	}
	h := types.TxHash(tx)
	k := txKey(h)
	if e, ok := t.byHash[k]; ok {
		if e.status == types.TxStatusFinalized {
			return types.ErrAlreadyFinalizedTx
		}
		if slot > e.slot {
			e.slot = slot
		}
		return nil
	}
	e := &entry{tx: tx, status: types.TxStatusReceived, slot: slot, arrival: now, committed: make(map[string]int)}
	t.byHash[k] = e
	if b.nonces[tx.Nonce] == nil {
		b.nonces[tx.Nonce] = make(map[string]*entry)
	}
	b.nonces[tx.Nonce][k] = e
	t.insertCount++
	return nil
}

// CommitTransaction implements commitTransaction: transition Received
// -> Committed, appending (block -> index) to the committed set.
func (t *Table) CommitTransaction(block types.Hash, slot uint64, tx *types.Transaction, index int) error {
	k := txKey(types.TxHash(tx))
	e, ok := t.byHash[k]
	if !ok {
		return errUnknownTransaction
	}
	if e.status == types.TxStatusReceived {
		e.status = types.TxStatusCommitted
	}
	if slot > e.slot {
		e.slot = slot
	}
	e.committed[txKey(block)] = index
	return nil
}

// FinalizeTransactions implements finalizeTransactions: transition
// Committed -> Finalized for each tx, delete every competing tx at the
// same (sender, nonce), and bump nextNonce.
func (t *Table) FinalizeTransactions(block types.Hash, slot uint64, txs []*types.Transaction) {
	for _, tx := range txs {
		k := txKey(types.TxHash(tx))
		e, ok := t.byHash[k]
		if !ok {
			continue
		}
		e.status = types.TxStatusFinalized
		bh := block
		e.finalizedIn = &bh
		if slot > e.slot {
			e.slot = slot
		}

		b := t.bucket(tx.Sender)
		for otherKey := range b.nonces[tx.Nonce] {
			if otherKey == k {
				continue
			}
			delete(t.byHash, otherKey)
		}
		delete(b.nonces, tx.Nonce)
		if tx.Nonce+1 > b.nextNonce {
			b.nextNonce = tx.Nonce + 1
		}
	}
}

// PendingForBaking selects transactions for block assembly: for each
// sender, the contiguous run starting at its nextNonce (a gap or an
// unresolved equivocation at some nonce stops that sender's chain
// there), ordered across senders by arrival time, up to maxBytes of
// encoded size.
func (t *Table) PendingForBaking(maxBytes int) []*types.Transaction {
	type candidate struct {
		tx      *types.Transaction
		arrival time.Time
	}
	var candidates []candidate
	for _, b := range t.bySender {
		for nonce := b.nextNonce; ; nonce++ {
			set, ok := b.nonces[nonce]
			if !ok || len(set) != 1 {
				break
			}
			for _, e := range set {
				if e.status == types.TxStatusFinalized {
					break
				}
				candidates = append(candidates, candidate{tx: e.tx, arrival: e.arrival})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].arrival.Before(candidates[j].arrival) })

	var out []*types.Transaction
	size := 0
	for _, c := range candidates {
		n := len(c.tx.Encode())
		if size+n > maxBytes {
			continue
		}
		out = append(out, c.tx)
		size += n
	}
	return out
}

// NextNonce returns one plus the maximum nonce finalized for sender.
func (t *Table) NextNonce(sender types.AccountName) uint64 {
	b, ok := t.bySender[sender.Name]
	if !ok {
		return 0
	}
	return b.nextNonce
}

// RevertBlock is invoked with every block the tree state reports as
// newly Dead (a pruned fork branch). Transactions committed only to
// dead blocks revert to Received, or are purged outright if their slot
// is at or below the last finalized slot.
func (t *Table) RevertBlock(deadHash types.Hash, txs []*types.Transaction, lastFinalizedSlot uint64) {
	dk := txKey(deadHash)
	for _, tx := range txs {
		k := txKey(types.TxHash(tx))
		e, ok := t.byHash[k]
		if !ok {
			continue
		}
		delete(e.committed, dk)
		if e.status == types.TxStatusCommitted && len(e.committed) == 0 {
			if e.slot <= lastFinalizedSlot {
				delete(t.byHash, k)
				b := t.bucket(tx.Sender)
				delete(b.nonces[tx.Nonce], k)
			} else {
				e.status = types.TxStatusReceived
			}
		}
	}
}

// PurgeTransactionTable implements purgeTransactionTable(now), gated
// by an insertion counter to amortize cost across calls.
func (t *Table) PurgeTransactionTable(now time.Time) {
	if t.insertCount < t.purgeEvery {
		return
	}
	t.insertCount = 0

	for _, b := range t.bySender {
		nonces := sortedNonces(b)
		rollback := false
		for _, n := range nonces {
			if rollback {
				t.purgeNonceBucket(b, n)
				continue
			}
			purgedAll := t.purgeStaleReceived(b, n, now)
			if n == lowestNonce(nonces) && purgedAll {
				rollback = true
			}
		}
	}
}

func (t *Table) purgeStaleReceived(b *senderBucket, nonce uint64, now time.Time) bool {
	set := b.nonces[nonce]
	allPurged := true
	for k, e := range set {
		if e.status != types.TxStatusReceived {
			allPurged = false
			continue
		}
		if now.Sub(e.arrival) >= t.keepAliveTime && len(e.committed) == 0 {
			delete(set, k)
			delete(t.byHash, k)
		} else {
			allPurged = false
		}
	}
	if len(set) == 0 {
		delete(b.nonces, nonce)
		return true
	}
	return allPurged
}

func (t *Table) purgeNonceBucket(b *senderBucket, nonce uint64) {
	for k := range b.nonces[nonce] {
		delete(t.byHash, k)
	}
	delete(b.nonces, nonce)
}

func sortedNonces(b *senderBucket) []uint64 {
	out := make([]uint64, 0, len(b.nonces))
	for n := range b.nonces {
		out = append(out, n)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func lowestNonce(sorted []uint64) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[0]
}

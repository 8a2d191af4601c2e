package tree

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/types"
)

// DeadBlock is reported by MarkFinalized for every alive block it
// prunes (a competitor at or below the newly finalized height, or a
// descendant of one above it), so the caller (the finalization
// orchestrator) can revert or purge the transactions it carried.
type DeadBlock struct {
	Hash         types.Hash
	Height       uint64
	Transactions []*types.Transaction
}

type pendingEntry struct {
	raw        []byte
	receiveTime time.Time
	slot       uint64
	hash       types.Hash
	parentHash types.Hash
}

// pendingQueue orders entries by slot, lowest first, implementing the
// "priority-ordered by slot" pending-block queue.
type pendingQueue []*pendingEntry

func (q pendingQueue) Len() int            { return len(q) }
func (q pendingQueue) Less(i, j int) bool  { return q[i].slot < q[j].slot }
func (q pendingQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x interface{}) { *q = append(*q, x.(*pendingEntry)) }
func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// TreeState is the tree-indexed block store (C4). All mutation happens
// under the caller's consensus lock (owned by the runner package); this
// type itself performs no locking.
type TreeState struct {
	blocks map[string]*types.BlockStatus

	finalizedByHeight map[uint64]*types.BlockPointer
	lastFinalized     *types.BlockPointer
	lastFinalizedRec  *types.FinalizationRecord

	// branches[h] holds the alive pointers at height
	// lastFinalized.Height + 1 + h.
	branches [][]*types.BlockPointer

	pendingByParent map[string][]*pendingEntry
	pendingQueue    pendingQueue

	scheduler Scheduler
	verifier  ElectionVerifier
	birkFn    func(parent *types.BlockPointer) *BirkParameters

	earlyBlockThreshold time.Duration

	log zerolog.Logger

	bestCache *types.BlockPointer
}

func key(h types.Hash) string { return string(h.Data) }

func NewTreeState(
	genesis *types.Block,
	scheduler Scheduler,
	verifier ElectionVerifier,
	birkFn func(*types.BlockPointer) *BirkParameters,
	earlyBlockThreshold time.Duration,
	log zerolog.Logger,
) (*TreeState, error) {
	if genesis == nil || !genesis.Header.IsGenesis() {
		return nil, fmt.Errorf("tree: genesis block required")
	}
	hash := types.BlockHash(genesis)
	genesisState, err := scheduler.Execute(nil, nil, ChainMeta{Slot: 0, Height: 0})
	if err != nil {
		return nil, fmt.Errorf("tree: genesis execution: %w", err)
	}
	now := time.Now()
	pointer := &types.BlockPointer{
		Block:       genesis,
		Hash:        hash,
		Height:      0,
		State:       genesisState.NewState,
		ReceiveTime: now,
		ArriveTime:  now,
	}
	rec := &types.FinalizationRecord{Index: 0, BlockHash: hash}
	t := &TreeState{
		blocks:              make(map[string]*types.BlockStatus),
		finalizedByHeight:   make(map[uint64]*types.BlockPointer),
		pendingByParent:     make(map[string][]*pendingEntry),
		scheduler:           scheduler,
		verifier:            verifier,
		birkFn:              birkFn,
		earlyBlockThreshold: earlyBlockThreshold,
		log:                 log,
	}
	t.blocks[key(hash)] = ptr(types.FinalizedStatus(pointer, rec))
	t.finalizedByHeight[0] = pointer
	t.lastFinalized = pointer
	t.lastFinalizedRec = rec
	t.bestCache = pointer
	return t, nil
}

func ptr(s types.BlockStatus) *types.BlockStatus { return &s }

// ReceiveBlock is the C4 ingress operation.
func (t *TreeState) ReceiveBlock(raw []byte, now time.Time) types.UpdateResult {
	block, err := types.Decode(raw)
	if err != nil {
		t.log.Debug().Err(err).Msg("tree: block deserialization failed")
		return types.ResultSerializationFail
	}
	return t.receive(block, raw, now)
}

func (t *TreeState) receive(block *types.Block, raw []byte, now time.Time) types.UpdateResult {
	hash := types.BlockHash(block)
	k := key(hash)
	if existing, ok := t.blocks[k]; ok {
		_ = existing
		return types.ResultDuplicate
	}
	if block.Header.IsGenesis() {
		return types.ResultInvalid
	}

	parentStatus, haveParent := t.blocks[key(block.Header.ParentHash)]
	if !haveParent || parentStatus.Kind == types.StatusPending {
		t.enqueuePending(block.Header.Slot, hash, block.Header.ParentHash, raw, now)
		return types.ResultPendingBlock
	}
	if parentStatus.Kind == types.StatusDead {
		return types.ResultInvalid
	}
	parentPointer := parentStatus.Pointer

	if block.Header.Slot <= t.lastFinalized.Block.Header.Slot {
		return types.ResultStale
	}
	if block.Header.Slot <= parentPointer.Block.Header.Slot {
		return types.ResultInvalid
	}
	if t.earlyBlockThreshold > 0 {
		slotTime := time.Unix(0, 0) // placeholder anchor; real slot->time mapping lives in the baker's clock
		_ = slotTime
	}

	birk := t.birkFn(parentPointer)
	if err := t.verifier.VerifyElection(birk, block); err != nil {
		t.log.Debug().Err(err).Str("hash", types.HashString(hash)).Msg("tree: election verification failed")
		return types.ResultInvalid
	}

	baker, ok := birk.Baker(block.Header.BakerID)
	if !ok {
		return types.ResultInvalid
	}
	if err := crypto.VerifyBlockSignature(baker.SignKey, block); err != nil {
		return types.ResultInvalid
	}

	lastFinStatus, ok := t.blocks[key(block.Header.LastFinalizedHash)]
	if !ok || (lastFinStatus.Kind != types.StatusFinalized) {
		return types.ResultInvalid
	}

	res, err := t.scheduler.Execute(parentPointer.State, block.Header.Transactions, ChainMeta{
		Slot:   block.Header.Slot,
		Height: parentPointer.Height + 1,
	})
	if err != nil {
		t.log.Debug().Err(err).Msg("tree: execution rejected block")
		return types.ResultInvalid
	}

	pointer := &types.BlockPointer{
		Block:         block,
		Hash:          hash,
		Height:        parentPointer.Height + 1,
		State:         res.NewState,
		ReceiveTime:   now,
		ArriveTime:    now,
		TxCount:       len(block.Header.Transactions),
		LastFinalized: block.Header.LastFinalizedHash,
	}
	t.blocks[k] = ptr(types.AliveStatus(pointer))
	t.insertBranch(pointer)
	t.invalidateBest()

	t.drainPending(hash)
	return types.ResultSuccess
}

func (t *TreeState) enqueuePending(slot uint64, hash, parentHash types.Hash, raw []byte, now time.Time) {
	t.blocks[key(hash)] = ptr(types.PendingStatus(raw, now))
	e := &pendingEntry{raw: raw, receiveTime: now, slot: slot, hash: hash, parentHash: parentHash}
	pk := key(parentHash)
	t.pendingByParent[pk] = append(t.pendingByParent[pk], e)
	heap.Push(&t.pendingQueue, e)
}

// drainPending resolves every pending child of a block that just
// became alive, without requiring redelivery.
func (t *TreeState) drainPending(parentHash types.Hash) {
	pk := key(parentHash)
	children := t.pendingByParent[pk]
	delete(t.pendingByParent, pk)
	for _, c := range children {
		delete(t.blocks, key(c.hash))
		block, err := types.Decode(c.raw)
		if err != nil {
			continue
		}
		t.receive(block, c.raw, c.receiveTime)
	}
}

func (t *TreeState) insertBranch(p *types.BlockPointer) {
	idx := int(p.Height - t.lastFinalized.Height - 1)
	for idx >= len(t.branches) {
		t.branches = append(t.branches, nil)
	}
	t.branches[idx] = append(t.branches[idx], p)
}

func (t *TreeState) invalidateBest() { t.bestCache = nil }

// BestBlock chooses, among alive blocks at maximum height, the one
// with the lowest hash (deterministic tie-break).
func (t *TreeState) BestBlock() *types.BlockPointer {
	if t.bestCache != nil {
		return t.bestCache
	}
	best := t.lastFinalized
	for h := len(t.branches) - 1; h >= 0; h-- {
		if len(t.branches[h]) == 0 {
			continue
		}
		best = t.branches[h][0]
		for _, p := range t.branches[h][1:] {
			if lessHash(p.Hash, best.Hash) {
				best = p
			}
		}
		break
	}
	t.bestCache = best
	return best
}

func lessHash(a, b types.Hash) bool {
	for i := 0; i < len(a.Data) && i < len(b.Data); i++ {
		if a.Data[i] != b.Data[i] {
			return a.Data[i] < b.Data[i]
		}
	}
	return len(a.Data) < len(b.Data)
}

// Branches returns the alive pointers indexed by height minus the
// last finalized height minus one: index 0 holds the blocks one above
// the last finalized block.
func (t *TreeState) Branches() [][]*types.BlockPointer {
	out := make([][]*types.BlockPointer, len(t.branches))
	copy(out, t.branches)
	return out
}

func (t *TreeState) LastFinalized() (*types.BlockPointer, *types.FinalizationRecord) {
	return t.lastFinalized, t.lastFinalizedRec
}

func (t *TreeState) Status(hash types.Hash) (*types.BlockStatus, bool) {
	s, ok := t.blocks[key(hash)]
	return s, ok
}

// MarkFinalized promotes an alive block (and its skipped ancestors) to
// Finalized, prunes every other alive block at or below its height to
// Dead together with their descendants above it, and reports the
// pruned blocks so the caller can revert or purge their transactions.
func (t *TreeState) MarkFinalized(hash types.Hash, record *types.FinalizationRecord) ([]DeadBlock, error) {
	status, ok := t.blocks[key(hash)]
	if !ok || status.Kind != types.StatusAlive {
		return nil, types.ErrNotAlive
	}
	pointer := status.Pointer
	if record.Index != t.lastFinalizedRec.Index+1 {
		return nil, types.ErrNonSequentialIndex
	}

	idx := int(pointer.Height - t.lastFinalized.Height - 1)

	// Walk the finalized block's ancestor chain back to the previous
	// last-finalized block: any skipped heights (minSkip > 0 lets
	// H(i) jump by more than one) carry a canonical ancestor that must
	// be promoted alongside the target, not pruned as dead.
	ancestorAt := make(map[uint64]*types.BlockPointer, idx+1)
	for cur := pointer; cur.Height > t.lastFinalized.Height; {
		ancestorAt[cur.Height] = cur
		parentStatus, ok := t.blocks[key(cur.Block.Header.ParentHash)]
		if !ok {
			break
		}
		cur = parentStatus.Pointer
	}

	var dead []DeadBlock
	deadKey := make(map[string]bool)
	for h := 0; h <= idx && h < len(t.branches); h++ {
		height := t.lastFinalized.Height + 1 + uint64(h)
		canonical := ancestorAt[height]
		for _, p := range t.branches[h] {
			if canonical != nil && types.HashEqual(p.Hash, canonical.Hash) {
				continue
			}
			t.blocks[key(p.Hash)] = ptr(types.DeadStatus())
			deadKey[key(p.Hash)] = true
			dead = append(dead, DeadBlock{Hash: p.Hash, Height: p.Height, Transactions: p.Block.Header.Transactions})
		}
	}

	// A pruned branch may already have descendants above pointer.Height
	// (e.g. two bakers producing siblings at one height, one of them
	// extended before the other is finalized): walk the remaining
	// heights in ascending order and orphan anything whose parent was
	// just killed, so no alive block is ever left pointing at a dead
	// parent.
	var survivingAbove [][]*types.BlockPointer
	for h := idx + 1; h < len(t.branches); h++ {
		var kept []*types.BlockPointer
		for _, p := range t.branches[h] {
			if deadKey[key(p.Block.Header.ParentHash)] {
				t.blocks[key(p.Hash)] = ptr(types.DeadStatus())
				deadKey[key(p.Hash)] = true
				dead = append(dead, DeadBlock{Hash: p.Hash, Height: p.Height, Transactions: p.Block.Header.Transactions})
				continue
			}
			kept = append(kept, p)
		}
		survivingAbove = append(survivingAbove, kept)
	}
	t.branches = survivingAbove

	for height := t.lastFinalized.Height + 1; height < pointer.Height; height++ {
		anc, ok := ancestorAt[height]
		if !ok {
			continue
		}
		t.blocks[key(anc.Hash)] = ptr(types.FinalizedStatus(anc, nil))
		t.finalizedByHeight[height] = anc
	}
	t.blocks[key(hash)] = ptr(types.FinalizedStatus(pointer, record))
	t.finalizedByHeight[pointer.Height] = pointer
	t.lastFinalized = pointer
	t.lastFinalizedRec = record
	t.invalidateBest()
	return dead, nil
}

func (t *TreeState) FinalizedByHeight(height uint64) (*types.BlockPointer, bool) {
	p, ok := t.finalizedByHeight[height]
	return p, ok
}

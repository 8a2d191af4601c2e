// Package runner is the concurrency envelope (C9): one consensus lock
// guarding the tree, transaction table and finalization orchestrator
// together, a baker thread, a transaction-purge thread, a
// timer-scheduler service and a single inbound-message dispatch loop.
// Follows a goroutine-per-timer discipline, generalized from a single
// round-state lock to a lock guarding the block tree plus the
// finalization queue plus the transaction table together.
package runner

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/baker"
	"github.com/Bargsteen/concordium-node/finalization"
	"github.com/Bargsteen/concordium-node/tree"
	"github.com/Bargsteen/concordium-node/txpool"
	"github.com/Bargsteen/concordium-node/types"
)

// Runner owns every thread in the process and the single mutex that
// serializes all mutation of consensus state.
type Runner struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	tree *tree.TreeState
	txp  *txpool.Table
	orch *finalization.Orchestrator
	bkr  *baker.Baker // nil if this node is not a baker

	inbox chan InboundMessage
	timer *Service

	catchUpTimer     *Timer
	lastCatchUpIndex uint64

	broadcastBlock   func([]byte)
	broadcastCatchUp func([]byte)

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New assembles a Runner from its already-constructed components. The
// caller builds the tree state, transaction table, orchestrator and
// (optionally) baker first, since their wiring together (shared
// scheduler, shared birk function, shared broadcast callbacks) is
// deployment-specific.
func New(
	cfg Config,
	t *tree.TreeState,
	txp *txpool.Table,
	orch *finalization.Orchestrator,
	bkr *baker.Baker,
	broadcastBlock func([]byte),
	broadcastCatchUp func([]byte),
	log zerolog.Logger,
) *Runner {
	return &Runner{
		cfg:              cfg,
		log:              log,
		tree:             t,
		txp:              txp,
		orch:             orch,
		bkr:              bkr,
		inbox:            make(chan InboundMessage, cfg.InboxSize),
		timer:            NewService(),
		broadcastBlock:   broadcastBlock,
		broadcastCatchUp: broadcastCatchUp,
		shutdown:         make(chan struct{}),
	}
}

// Submit enqueues an inbound message for the dispatch loop. It blocks
// if the inbox is full, applying backpressure to the caller (the
// network layer) rather than growing unbounded.
func (r *Runner) Submit(m InboundMessage) {
	select {
	case r.inbox <- m:
	case <-r.shutdown:
	}
}

// Start launches the baker thread (if this node bakes), the
// transaction-purge thread and the inbound dispatch loop. It returns
// immediately; call Stop to tear the threads down.
func (r *Runner) Start() {
	r.mu.Lock()
	r.orch.Bootstrap()
	r.resetCatchUpTimerLocked()
	r.mu.Unlock()

	r.wg.Add(1)
	go r.dispatchLoop()

	r.wg.Add(1)
	go r.purgeLoop()

	if r.bkr != nil {
		r.wg.Add(1)
		go r.bakerLoop()
	}

	r.wg.Add(1)
	go r.seenBufferLoop()
}

// Stop sets the shutdown flag, cancels every outstanding timer and
// waits for the baker, purge and dispatch threads to notice and exit
// at their next boundary (they never hold the lock while blocked, so
// this cannot deadlock against an in-flight callback).
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdown)
		r.timer.CancelAll()
	})
	r.wg.Wait()
}

func (r *Runner) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.shutdown:
			return
		case m := <-r.inbox:
			if m.Kind == InboundShutdown {
				return
			}
			result := r.dispatch(m)
			if m.Reply != nil {
				m.Reply <- result
			}
		}
	}
}

func (r *Runner) dispatch(m InboundMessage) types.UpdateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	var result types.UpdateResult
	switch m.Kind {
	case InboundBlock:
		result = r.handleBlockLocked(m.Bytes, now)
	case InboundTransaction:
		result = r.handleTransactionLocked(m.Bytes, now)
	case InboundFinalizationMessage:
		result = r.handleFinalizationMessageLocked(m.Bytes)
	case InboundFinalizationRecord:
		result = r.handleFinalizationRecordLocked(m.Bytes)
	case InboundCatchUp:
		result = r.handleCatchUpLocked(m.Bytes, now)
	default:
		return types.ResultInvalid
	}
	r.maybeResetCatchUpTimerLocked()
	return result
}

func (r *Runner) handleBlockLocked(raw []byte, now time.Time) types.UpdateResult {
	result := r.tree.ReceiveBlock(raw, now)
	if result != types.ResultSuccess {
		return result
	}
	block, err := types.Decode(raw)
	if err != nil {
		return types.ResultSerializationFail
	}
	hash := types.BlockHash(block)
	for i, tx := range block.Header.Transactions {
		_ = r.txp.CommitTransaction(hash, block.Header.Slot, tx, i)
	}
	r.orch.NotifyBlockArrival(hash)
	return types.ResultSuccess
}

func (r *Runner) handleTransactionLocked(raw []byte, now time.Time) types.UpdateResult {
	tx, _, err := types.DecodeTransaction(raw)
	if err != nil {
		return types.ResultSerializationFail
	}
	lastFin, _ := r.tree.LastFinalized()
	if err := r.txp.AddCommit(tx, lastFin.Block.Header.Slot, now); err != nil {
		return types.ResultStale
	}
	return types.ResultSuccess
}

func (r *Runner) handleFinalizationMessageLocked(raw []byte) types.UpdateResult {
	m, err := types.DecodeFinalizationMessage(raw)
	if err != nil {
		return types.ResultSerializationFail
	}
	return r.orch.ReceiveFinalizationMessage(m)
}

func (r *Runner) handleFinalizationRecordLocked(raw []byte) types.UpdateResult {
	rec, err := types.DecodeFinalizationRecord(raw)
	if err != nil {
		return types.ResultSerializationFail
	}
	return r.orch.ReceiveFinalizationRecord(rec)
}

func (r *Runner) handleCatchUpLocked(raw []byte, now time.Time) types.UpdateResult {
	m, err := types.DecodeCatchUpMessage(raw)
	if err != nil {
		return types.ResultSerializationFail
	}
	result, outcome := r.orch.ReceiveCatchUp(m, now)
	if outcome.SkovCatchUpNeeded {
		return types.ResultContinueCatchUp
	}
	return result
}

// resetCatchUpTimerLocked cancels any outstanding catch-up replay
// timer and schedules a fresh one for the orchestrator's current
// round, at a delay that grows with this node's own attempt count.
// Must be called with r.mu held.
func (r *Runner) resetCatchUpTimerLocked() {
	if r.catchUpTimer != nil {
		r.catchUpTimer.Cancel()
	}
	r.lastCatchUpIndex = r.orch.CurrentIndex()
	delay := r.orch.NextCatchUpDelay(r.cfg.CatchUpBaseDelay, r.cfg.CatchUpPerPartyStep)
	r.catchUpTimer = r.timer.Schedule(delay, r.fireCatchUp)
}

// maybeResetCatchUpTimerLocked replaces the catch-up replay timer once
// the orchestrator has moved to a new finalization round, so the timer
// is always counting down for the round actually in progress rather
// than one already finalized.
func (r *Runner) maybeResetCatchUpTimerLocked() {
	if r.orch.CurrentIndex() != r.lastCatchUpIndex {
		r.resetCatchUpTimerLocked()
	}
}

// fireCatchUp broadcasts this node's current catch-up summary and
// reschedules itself, escalating the delay on every further silence.
func (r *Runner) fireCatchUp() {
	r.mu.Lock()
	msg := r.orch.BuildCatchUpMessage()
	r.orch.RecordCatchUpAttempt()
	r.resetCatchUpTimerLocked()
	r.mu.Unlock()

	if r.broadcastCatchUp != nil {
		r.broadcastCatchUp(msg.Encode())
	}
}

func (r *Runner) purgeLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.TransactionPurgingDelay)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			r.txp.PurgeTransactionTable(now)
			r.mu.Unlock()
		}
	}
}

// seenBufferLoop periodically flushes the finalization orchestrator's
// throttled Seen messages past their deadline.
func (r *Runner) seenBufferLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(finalization.SeenBufferFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			r.orch.FlushDueSeen(now)
			r.mu.Unlock()
		}
	}
}

func (r *Runner) bakerLoop() {
	defer r.wg.Done()
	nextSlot := uint64(0)
	for {
		select {
		case <-r.shutdown:
			return
		default:
		}

		now := time.Now()
		r.mu.Lock()
		outcome := r.bkr.TryBake(nextSlot, now)
		var rawBlock []byte
		if outcome.Won {
			rawBlock = outcome.Block.Encode()
			r.tree.ReceiveBlock(rawBlock, now)
			hash := types.BlockHash(outcome.Block)
			r.orch.NotifyBlockArrival(hash)
		}
		r.maybeResetCatchUpTimerLocked()
		r.mu.Unlock()

		if outcome.Won && r.broadcastBlock != nil {
			r.broadcastBlock(rawBlock)
		}

		wait := outcome.WaitUntil
		if wait.IsZero() {
			wait = now.Add(r.cfg.SlotDuration)
		}
		nextSlot++

		select {
		case <-r.shutdown:
			return
		case <-time.After(time.Until(wait)):
		}
	}
}

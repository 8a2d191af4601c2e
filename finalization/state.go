package finalization

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Bargsteen/concordium-node/crypto"
	"github.com/Bargsteen/concordium-node/tree"
	"github.com/Bargsteen/concordium-node/txpool"
	"github.com/Bargsteen/concordium-node/types"
	"github.com/Bargsteen/concordium-node/wmvba"
)

type RoundMode int

const (
	RoundPassive RoundMode = iota
	RoundActive
)

// ActiveRound is the current index's active WMVBA instance, or nil if
// this node is a passive witness aggregator for this round.
type ActiveRound struct {
	Delta    uint64
	Input    *types.Hash
	Instance *wmvba.Instance
}

// FailedRound records one failed round's WeAreDone(false) signatures,
// newest first, evidencing that the round is genuinely stuck.
type FailedRound struct {
	Delta      uint64
	Signatures map[uint32]types.Signature
}

// Orchestrator is the finalization orchestrator (C8): round
// scheduling, the pending-message ingress table, catch-up and the
// finalization queue.
type Orchestrator struct {
	SessionID types.Hash
	Me        uint32

	currentIndex uint64
	targetHeight uint64
	initialDelta uint64
	minSkip      uint64

	committee *types.FinalizationCommittee
	blsKey    *crypto.BLSSecretKey
	signKey   ed25519.PrivateKey
	pending   *pendingStore
	mode      RoundMode
	active    *ActiveRound
	failed    []FailedRound

	catchUpAttempts uint64
	dedup           *dedupWindow
	buffer          *OutboundBuffer

	queue *Queue

	tree   *tree.TreeState
	txpool *txpool.Table

	log zerolog.Logger

	broadcast func(*types.FinalizationMessage)
	broadcastRecord func(*types.FinalizationRecord)
}

func NewOrchestrator(
	sessionID types.Hash,
	me uint32,
	committee *types.FinalizationCommittee,
	blsKey *crypto.BLSSecretKey,
	signKey ed25519.PrivateKey,
	minSkip uint64,
	t *tree.TreeState,
	txp *txpool.Table,
	log zerolog.Logger,
	broadcast func(*types.FinalizationMessage),
	broadcastRecord func(*types.FinalizationRecord),
) *Orchestrator {
	lastFin, _ := t.LastFinalized()
	best := t.BestBlock()
	return &Orchestrator{
		SessionID: sessionID,
		Me:        me,
		currentIndex: 1,
		// H(1) is computed the same way every subsequent H(i) is: the
		// genesis block (index 0) is already finalized, so the first
		// real round must not re-target it.
		targetHeight:    NextFinalizationHeight(lastFin.Height, best.Height, lastFin.Height, minSkip),
		initialDelta:    1,
		minSkip:         minSkip,
		committee:       committee,
		blsKey:          blsKey,
		signKey:         signKey,
		pending:         newPendingStore(),
		dedup:           newDedupWindow(),
		buffer:          NewOutboundBuffer(),
		queue:           NewQueue(1),
		tree:            t,
		txpool:          txp,
		log:             log,
		broadcast:       broadcast,
		broadcastRecord: broadcastRecord,
	}
}

// baid builds session ∥ index ∥ delta, the WMVBA instance identifier.
func (o *Orchestrator) baid(index, delta uint64) []byte {
	var buf []byte
	buf = append(buf, o.SessionID.Data...)
	buf = appendU64(buf, index)
	buf = appendU64(buf, delta)
	return buf
}

func appendU64(b []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

// RoundStart justifies alive blocks at height H(i)+delta and attempts
// to nominate a value.
func (o *Orchestrator) RoundStart(delta uint64) {
	lastFin, _ := o.tree.LastFinalized()
	justifyHeight := o.targetHeight + delta

	o.tryNominate(justifyHeight, lastFin.Height, delta)
	if o.active != nil {
		o.replayBuffered(o.currentIndex, delta)
	}
}

func (o *Orchestrator) replayBuffered(index, delta uint64) {
	msgs := o.pending.Take(index, delta)
	for _, m := range msgs {
		o.dispatchActive(m)
	}
}

// tryNominate: if best-block's height >= H(i)+delta, nominate its
// ancestor at H(i) by starting a WMVBA instance on that value.
func (o *Orchestrator) tryNominate(justifyHeight, lastFinHeight, delta uint64) {
	best := o.tree.BestBlock()
	if best.Height < justifyHeight {
		return
	}
	ancestor := o.ancestorAtHeight(best, o.targetHeight)
	if ancestor == nil {
		return
	}
	in := wmvba.NewInstance(o.committee, o.baid(o.currentIndex, delta), o.Me, o.blsKey)
	o.active = &ActiveRound{Delta: delta, Input: &ancestor.Hash, Instance: in}
	o.mode = RoundActive
	for _, branch := range o.tree.Branches() {
		for _, b := range branch {
			if b.Height != justifyHeight {
				continue
			}
			if a := o.ancestorAtHeight(b, o.targetHeight); a != nil {
				in.Justify(a.Hash)
			}
		}
	}
	in.Justify(ancestor.Hash)
	in.Propose(ancestor.Hash)
	o.flushOutbox(delta)
}

func (o *Orchestrator) ancestorAtHeight(from *types.BlockPointer, height uint64) *types.BlockPointer {
	cur := from
	for cur.Height > height {
		s, ok := o.tree.Status(cur.Block.Header.ParentHash)
		if !ok || s.Pointer == nil {
			return nil
		}
		cur = s.Pointer
	}
	if cur.Height != height {
		return nil
	}
	return cur
}

func (o *Orchestrator) flushOutbox(delta uint64) {
	if o.active == nil {
		return
	}
	now := time.Now()
	for _, m := range o.active.Instance.Drain() {
		fm := &types.FinalizationMessage{
			SessionID:   o.SessionID,
			Index:       o.currentIndex,
			Delta:       delta,
			SenderParty: o.Me,
			Payload:     m.Encode(),
		}
		key := seenKey(o.currentIndex, delta, m.Phase)
		switch m.Kind {
		case wmvba.KindABBASeen:
			// Throttled rather than sent immediately: a later Seen for
			// the same phase supersedes this one before the deadline.
			o.buffer.OfferSeen(key, fm, now)
			continue
		case wmvba.KindABBADoneReporting:
			if buffered := o.buffer.FlushOnDoneReporting(key); buffered != nil && o.broadcast != nil {
				o.broadcast(buffered)
			}
		}
		if o.broadcast != nil {
			o.broadcast(fm)
		}
	}
	o.checkRoundOutcome()
}

func seenKey(index, delta uint64, phase uint32) string {
	return fmt.Sprintf("%d:%d:%d", index, delta, phase)
}

// FlushDueSeen broadcasts every buffered Seen message whose deadline
// has elapsed; callers tick this roughly every SeenBufferFlushInterval.
func (o *Orchestrator) FlushDueSeen(now time.Time) {
	if o.broadcast == nil {
		return
	}
	for _, m := range o.buffer.Due(now) {
		o.broadcast(m)
	}
}

func (o *Orchestrator) checkRoundOutcome() {
	if o.active == nil {
		return
	}
	done, outcome := o.active.Instance.Done()
	if !done {
		return
	}
	delta := o.active.Delta
	if !outcome.Decided {
		o.onRoundFailure(delta)
		return
	}
	o.onRoundSuccess(outcome, delta)
}

// onRoundFailure pushes a failed-round entry, signing our own
// WeAreDone(false) evidence for it so a later catch-up summary can
// carry real proof that this round is stuck, and starts the next
// round with a doubled delta.
func (o *Orchestrator) onRoundFailure(delta uint64) {
	sig := crypto.Sign(o.signKey, wmvba.FailureSignBytes(o.baid(o.currentIndex, delta)))
	o.failed = append([]FailedRound{{Delta: delta, Signatures: map[uint32]types.Signature{o.Me: sig}}}, o.failed...)
	o.active = nil
	o.RoundStart(DoubleDelta(delta))
}

// onRoundSuccess builds a FinalizationRecord and invokes
// trustedFinalize.
func (o *Orchestrator) onRoundSuccess(outcome wmvba.Outcome, delta uint64) {
	rec := &types.FinalizationRecord{
		Index:        o.currentIndex,
		BlockHash:    outcome.Value,
		Parties:      outcome.Parties,
		BLSAggregate: outcome.Aggregate,
		Delay:        delta,
	}
	o.active = nil
	o.trustedFinalize(rec)
}

// trustedFinalize marks the block finalized if known alive, or
// enqueues the record for a later block arrival to retry.
func (o *Orchestrator) trustedFinalize(rec *types.FinalizationRecord) {
	status, ok := o.tree.Status(rec.BlockHash)
	if !ok || status.Kind != types.StatusAlive {
		o.queue.Add(rec)
		return
	}
	finalizedBlock := status.Pointer.Block
	dead, err := o.tree.MarkFinalized(rec.BlockHash, rec)
	if err != nil {
		o.log.Error().Err(err).Msg("finalization: trustedFinalize invariant violation")
		return
	}
	o.txpool.FinalizeTransactions(rec.BlockHash, finalizedBlock.Header.Slot, finalizedBlock.Header.Transactions)
	lastFin, _ := o.tree.LastFinalized()
	for _, d := range dead {
		o.txpool.RevertBlock(d.Hash, d.Transactions, lastFin.Block.Header.Slot)
	}
	o.notifyBlockFinalized(rec)
	if o.broadcastRecord != nil {
		o.broadcastRecord(rec)
	}
}

// notifyBlockFinalized: drains pending messages at index i, resets
// catch-up state, advances currentIndex and starts the next round. The
// committee passed to NewOrchestrator is kept for every index; it is
// not recomputed here.
func (o *Orchestrator) notifyBlockFinalized(rec *types.FinalizationRecord) {
	o.pending.DropIndex(rec.Index)
	o.queue.Advance(rec.Index + 1)
	o.catchUpAttempts = 0
	o.failed = nil

	lastFin, _ := o.tree.LastFinalized()
	best := o.tree.BestBlock()
	o.targetHeight = NextFinalizationHeight(o.targetHeight, best.Height, lastFin.Height, o.minSkip)
	o.initialDelta = NextDelta(rec.Delay)
	o.currentIndex = rec.Index + 1

	o.RoundStart(o.initialDelta)
}

// NotifyBlockArrival retries trustedFinalize for the queued record of
// the current index when its block has just become known, and
// otherwise, while no round is active, re-attempts nomination: a new
// block may be the one that first reaches H(i)+delta, and arrival is
// the only signal that can make that true after RoundStart already ran
// once and found the chain too short.
func (o *Orchestrator) NotifyBlockArrival(hash types.Hash) {
	if entry, ok := o.queue.Get(o.currentIndex); ok && entry.Record != nil {
		if types.HashEqual(entry.Record.BlockHash, hash) {
			o.trustedFinalize(entry.Record)
			return
		}
	}
	if o.active == nil {
		o.RoundStart(o.initialDelta)
	}
}

// Bootstrap starts the first finalization round. Call once after
// construction, when the tree, transaction table and broadcast
// callbacks are all wired and ready to receive the orchestrator's
// output.
func (o *Orchestrator) Bootstrap() {
	o.RoundStart(o.initialDelta)
}

// ReceiveFinalizationMessage implements the message-ingress table from
// the finalization message ingress rules.
func (o *Orchestrator) ReceiveFinalizationMessage(m *types.FinalizationMessage) types.UpdateResult {
	if !types.HashEqual(m.SessionID, o.SessionID) {
		return types.ResultIncorrectSession
	}
	if m.Index < o.currentIndex {
		if entry, ok := o.queue.Get(m.Index); ok && entry.Record == nil {
			o.recordLateWitness(m)
			return types.ResultSuccess
		}
		return types.ResultStale
	}
	if m.Index > o.currentIndex+1 {
		return types.ResultInvalid
	}
	if int(m.SenderParty) >= o.committee.Size() {
		return types.ResultInvalid
	}
	if m.Index == o.currentIndex+1 {
		o.pending.Add(m)
		return types.ResultPendingFinalization
	}
	// m.Index == o.currentIndex
	o.pending.Add(m)
	if o.mode == RoundActive && o.active != nil && o.active.Delta == m.Delta {
		o.dispatchActive(m)
	}
	return types.ResultSuccess
}

// ReceiveFinalizationRecord handles a record relayed directly by a
// peer (rather than reached via this node's own WMVBA instance): it
// verifies the aggregate witness signature against the committee
// before accepting it as trusted.
func (o *Orchestrator) ReceiveFinalizationRecord(rec *types.FinalizationRecord) types.UpdateResult {
	if rec.Index < o.currentIndex {
		return types.ResultStale
	}
	if rec.Index > o.currentIndex {
		return types.ResultPendingFinalization
	}
	pubKeys := make([]types.BLSPublicKey, 0, len(rec.Parties))
	for _, idx := range rec.Parties {
		if int(idx) >= o.committee.Size() {
			return types.ResultInvalid
		}
		pubKeys = append(pubKeys, o.committee.Parties[idx].BLSKey)
	}
	msg := wmvba.WitnessSignBytes(o.baid(rec.Index, rec.Delay), rec.BlockHash)
	if err := crypto.VerifyAggregateBLS(msg, rec.BLSAggregate, pubKeys); err != nil {
		return types.ResultInvalid
	}
	o.active = nil
	o.trustedFinalize(rec)
	return types.ResultSuccess
}

// recordLateWitness decodes a KindWitness payload for a round this
// node has already moved past and folds it into the queue entry's
// OutputWitnesses, so a record later assembled from queued witnesses
// carries real, verified signatures rather than a placeholder.
func (o *Orchestrator) recordLateWitness(m *types.FinalizationMessage) {
	if int(m.SenderParty) >= o.committee.Size() {
		return
	}
	msg, err := wmvba.DecodeMessage(m.Payload)
	if err != nil || msg.Kind != wmvba.KindWitness || msg.Value == nil {
		return
	}
	signBytes := wmvba.WitnessSignBytes(o.baid(m.Index, m.Delta), *msg.Value)
	if err := crypto.VerifyBLS(o.committee.Parties[m.SenderParty].BLSKey, signBytes, msg.Sig); err != nil {
		return
	}
	o.queue.AddWitness(m.Index, m.SenderParty, msg.Sig)
}

func (o *Orchestrator) dispatchActive(m *types.FinalizationMessage) {
	if o.active == nil {
		return
	}
	msg, err := wmvba.DecodeMessage(m.Payload)
	if err != nil {
		return
	}
	switch msg.Kind {
	case wmvba.KindFreezePropose, wmvba.KindFreezeVote:
		o.active.Instance.HandleFreezeMessage(m.SenderParty, msg)
	case wmvba.KindABBASeen, wmvba.KindABBADoneReporting, wmvba.KindABBABallot:
		o.active.Instance.HandleABBAMessage(m.SenderParty, msg)
	case wmvba.KindWitness:
		o.active.Instance.HandleWitnessMessage(m.SenderParty, msg)
	}
	o.flushOutbox(m.Delta)
}

// NextCatchUpDelay implements finalizationReplayBaseDelay +
// perParty*attempts.
func NextCatchUpDelay(base, perParty time.Duration, attempts uint64) time.Duration {
	return base + time.Duration(attempts)*perParty
}

// CurrentIndex exposes the round this orchestrator is working on, for
// the runner's catch-up replay timer to notice when a round completes
// and the timer needs resetting.
func (o *Orchestrator) CurrentIndex() uint64 { return o.currentIndex }

// NextCatchUpDelay scales this orchestrator's own attempt counter.
func (o *Orchestrator) NextCatchUpDelay(base, perParty time.Duration) time.Duration {
	return NextCatchUpDelay(base, perParty, o.catchUpAttempts)
}

// RecordCatchUpAttempt is called once per outbound catch-up replay.
func (o *Orchestrator) RecordCatchUpAttempt() { o.catchUpAttempts++ }

// BuildCatchUpSummary snapshots this node's failed-round evidence and
// current WMVBA instance state for a peer to fold into its own.
func (o *Orchestrator) BuildCatchUpSummary() *Summary {
	failedRounds := make([]FailedRoundSummary, len(o.failed))
	for i, fr := range o.failed {
		sigs := make(map[uint32]types.Signature, len(fr.Signatures))
		for party, sig := range fr.Signatures {
			sigs[party] = sig
		}
		failedRounds[i] = FailedRoundSummary{Delta: fr.Delta, Signatures: sigs}
	}
	var current *RoundSummary
	if o.active != nil {
		sent := o.active.Instance.SentMessages()
		encoded := make([][]byte, len(sent))
		for i, m := range sent {
			encoded[i] = m.Encode()
		}
		current = &RoundSummary{Delta: o.active.Delta, Messages: encoded}
	}
	return &Summary{FailedRounds: failedRounds, CurrentRound: current}
}

// BuildCatchUpMessage builds and signs this node's current catch-up
// summary, for the replay timer to broadcast.
func (o *Orchestrator) BuildCatchUpMessage() *types.CatchUpMessage {
	m := &types.CatchUpMessage{
		SessionID:   o.SessionID,
		Index:       o.currentIndex,
		SenderParty: o.Me,
		Summary:     EncodeSummary(o.BuildCatchUpSummary()),
	}
	m.Signature = crypto.Sign(o.signKey, m.SignBytes())
	return m
}

// ReceiveCatchUp handles an incoming CatchUpMessage, de-duplicating by
// signature within the 60-second window, then decodes and folds its
// summary: verified failed-round evidence is merged into what this
// node still considers stuck, and the sender's current-round WMVBA
// messages are replayed into our own active instance, which can by
// itself advance or complete a round we were otherwise stuck on.
func (o *Orchestrator) ReceiveCatchUp(m *types.CatchUpMessage, now time.Time) (types.UpdateResult, CatchUpResult) {
	if o.dedup.Seen(m.Signature, now) {
		return types.ResultDuplicate, CatchUpResult{}
	}
	if !types.HashEqual(m.SessionID, o.SessionID) {
		return types.ResultIncorrectSession, CatchUpResult{}
	}
	if int(m.SenderParty) >= o.committee.Size() {
		return types.ResultInvalid, CatchUpResult{}
	}
	if err := crypto.VerifySignature(o.committee.Parties[m.SenderParty].SignKey, m.SignBytes(), m.Signature); err != nil {
		return types.ResultInvalid, CatchUpResult{}
	}
	if len(m.Summary) > 0 {
		if summary, err := DecodeSummary(m.Summary); err == nil {
			o.processFinalizationSummary(m.Index, m.SenderParty, summary)
		}
	}
	behind := m.Index < o.currentIndex
	return types.ResultSuccess, CatchUpResult{Behind: !behind, SkovCatchUpNeeded: behind}
}

// processFinalizationSummary folds a decoded catch-up summary for
// round index into this orchestrator's state. Failed-round evidence
// for any other index is meaningless (deltas are only comparable
// within the same round) and is ignored.
func (o *Orchestrator) processFinalizationSummary(index uint64, senderParty uint32, s *Summary) {
	if s == nil || index != o.currentIndex {
		return
	}
	for _, fr := range s.FailedRounds {
		o.foldFailedRound(index, fr)
	}
	if s.CurrentRound != nil {
		o.foldCurrentRound(senderParty, s.CurrentRound)
	}
}

// foldFailedRound verifies the sender's WeAreDone(false) signatures
// against our own committee keys and merges the ones that check out
// into our own failed-round record for the same delta, requiring more
// than corruptWeight of verified evidence before treating the delta as
// genuinely stuck (mirroring the committee weight threshold used
// everywhere else).
func (o *Orchestrator) foldFailedRound(index uint64, fr FailedRoundSummary) {
	signBytes := wmvba.FailureSignBytes(o.baid(index, fr.Delta))
	verified := make(map[uint32]types.Signature)
	var weight uint64
	for party, sig := range fr.Signatures {
		if int(party) >= o.committee.Size() {
			continue
		}
		if err := crypto.VerifySignature(o.committee.Parties[party].SignKey, signBytes, sig); err != nil {
			continue
		}
		verified[party] = sig
		weight += o.committee.Parties[party].VoterPower
	}
	if weight <= o.committee.CorruptWeight {
		return
	}
	for i := range o.failed {
		if o.failed[i].Delta == fr.Delta {
			for party, sig := range verified {
				o.failed[i].Signatures[party] = sig
			}
			return
		}
	}
	o.failed = append(o.failed, FailedRound{Delta: fr.Delta, Signatures: verified})
}

// foldCurrentRound replays a sender's own WMVBA message history into
// our active instance for the same delta, so messages we never
// received directly can still advance or complete our round.
func (o *Orchestrator) foldCurrentRound(senderParty uint32, rs *RoundSummary) {
	if o.active == nil || o.active.Delta != rs.Delta {
		return
	}
	for _, encoded := range rs.Messages {
		msg, err := wmvba.DecodeMessage(encoded)
		if err != nil {
			continue
		}
		switch msg.Kind {
		case wmvba.KindFreezePropose, wmvba.KindFreezeVote:
			o.active.Instance.HandleFreezeMessage(senderParty, msg)
		case wmvba.KindABBASeen, wmvba.KindABBADoneReporting, wmvba.KindABBABallot:
			o.active.Instance.HandleABBAMessage(senderParty, msg)
		case wmvba.KindWitness:
			o.active.Instance.HandleWitnessMessage(senderParty, msg)
		}
	}
	o.flushOutbox(rs.Delta)
}

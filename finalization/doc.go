// Package finalization implements the finalization orchestrator (C8):
// round scheduling with delta doubling, the pending-message ingress
// table, the finalization queue, the catch-up protocol with its
// 60-second signature de-duplication window, and the Seen/DoneReporting
// outbound buffer. It drives one wmvba.Instance per active round and
// reconciles WMVBA outcomes with the tree state's block arrivals.
//
// Follows a catch-up/fast-sync lifecycle, generalized from per-height
// block requests to per-round finalization summaries, and a
// round-indexed backoff pattern generalized to attempt-indexed catch-up
// replay timeouts.
package finalization

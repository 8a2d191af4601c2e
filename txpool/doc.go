// Package txpool implements the transaction table (C3): the per-sender
// nonce-ordered pending set, commit/finalize status transitions, and
// the timed purge discipline. Grounded on a per-account bucket
// structure originally used for weighted multi-signature accounts,
// generalized here from authorization weights to nonce buckets.
package txpool

// Package types defines the core data model shared by the tree state,
// the baker, the WMVBA state machine, the finalization orchestrator and
// the transaction table: blocks, block pointers and their lifecycle
// status, finalization records and committees, transactions, and the
// deterministic wire encoding described by the block and finalization
// record formats.
package types

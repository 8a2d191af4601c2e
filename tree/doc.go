// Package tree implements the tree-indexed block store (C4): the
// pending/alive/dead/finalized block lifecycle, the finalized-by-height
// index, branches-by-height, the pending-by-parent queue and best-block
// selection. Generalized from locked/valid block pointer bookkeeping,
// replacing a single round-local lock/valid block with a persistent
// multi-version tree that blocks are inserted into, pruned from and
// promoted within.
package tree

// Package wmvba implements the Weighted Multi-Valued Byzantine
// Agreement state machine (C7): Freeze, ABBA (Core-Set Selection plus a
// coin-based ballot) and BLS witness aggregation. Generalizes a
// three-phase round structure (prevote -> precommit -> commit) from a
// single binary decision per round to WMVBA's three phases, and reuses
// a weight-threshold vote-accumulation pattern, generalized from one
// vote type to the Freeze/ABBA/witness message kinds keyed by phase.
package wmvba

// Package crypto is the facade (C1) through which the rest of the
// module treats block signatures, VRF proofs, BLS aggregate signatures
// and hashing as opaque operations. Concrete backends: ed25519 (block
// and finalization-message signatures, and the VRF construction) and
// BLS12-381 via gnark-crypto (witness-creator signatures and their
// aggregate).
package crypto

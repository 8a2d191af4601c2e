package finalization

// NextFinalizationHeight computes H(i) = H(i-1) + max(1+minSkip,
// floor((parentHeight - lastFinHeight)/2)), preserving the integer
// truncation exactly, matching integer-division semantics rather
// than rounding.
func NextFinalizationHeight(prevTarget, parentHeight, lastFinHeight, minSkip uint64) uint64 {
	step := (parentHeight - lastFinHeight) / 2
	floor := 1 + minSkip
	if step > floor {
		floor = step
	}
	return prevTarget + floor
}

// NextDelta computes the initial delta for the next finalization
// index: max(1, previousRecord.delay/2) when delay > 2, else 1.
func NextDelta(previousDelay uint64) uint64 {
	if previousDelay > 2 {
		d := previousDelay / 2
		if d < 1 {
			return 1
		}
		return d
	}
	return 1
}

// DoubleDelta implements the within-index failure rule delta_{k+1} = 2*delta_k.
func DoubleDelta(delta uint64) uint64 { return 2 * delta }

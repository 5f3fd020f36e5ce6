package reward

// featureDim is the size of the reward feature vector for the given shapes
func featureDim(stateDim, actionDim int, stateOnly bool) int {
	if stateOnly {
		return stateDim + 1
	}
	return stateDim + 2*actionDim + 1
}

// features maps (s, a) to [s, a, a*a, 1], or [s, 1] for state-only models.
// Missing action entries count as zero.
func features(dst, state, action []float64, actionDim int, stateOnly bool) {
	n := copy(dst, state)
	if !stateOnly {
		for i := 0; i < actionDim; i++ {
			var a float64
			if i < len(action) {
				a = action[i]
			}
			dst[n+i] = a
			dst[n+actionDim+i] = a * a
		}
		n += 2 * actionDim
	}
	dst[n] = 1
}

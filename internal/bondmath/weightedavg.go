package bondmath

// Weighted-average maintenance for portfolio aggregates. The same rules
// maintain the bond-weighted average maturity of the whole ledger and the
// quantity-weighted average entry price of a merged position.

// ComputeAddWeightedAverage returns the running weighted average after adding
// deltaWeight units at deltaValue:
//
//	avg' = (totalWeight*avg + deltaWeight*deltaValue) / (totalWeight + deltaWeight)
//
// rounded down, then clamped into [min(deltaValue, avg), max(deltaValue, avg)]
// so integer rounding can never push the average outside the contributing
// values. A zero prior weight makes the new value the average.
func ComputeAddWeightedAverage(totalWeight, avg, deltaWeight, deltaValue int64) int64 {
	if deltaWeight == 0 {
		return avg
	}
	if totalWeight == 0 {
		return deltaValue
	}

	term1 := MultiplyInt128(totalWeight, avg)
	term2 := MultiplyInt128(deltaWeight, deltaValue)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivideInt128(numerator, totalWeight+deltaWeight, RoundDown)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	lo, hi := deltaValue, avg
	if lo > hi {
		lo, hi = hi, lo
	}
	if result < lo {
		result = lo
	}
	if result > hi {
		result = hi
	}

	return result
}

// ComputeRemoveWeightedAverage returns the running weighted average after
// removing deltaWeight units that entered at deltaValue:
//
//	avg' = (totalWeight*avg - deltaWeight*deltaValue) / (totalWeight - deltaWeight)
//
// Removing the entire weight yields 0 rather than dividing by zero.
func ComputeRemoveWeightedAverage(totalWeight, avg, deltaWeight, deltaValue int64) int64 {
	if deltaWeight == 0 {
		return avg
	}
	if totalWeight == deltaWeight {
		return 0
	}

	term1 := MultiplyInt128(totalWeight, avg)
	term2 := MultiplyInt128(deltaWeight, deltaValue)
	numerator := getInt128()
	numerator.Sub(term1, term2)

	result := DivideInt128(numerator, totalWeight-deltaWeight, RoundDown)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ClampInt64 bounds v into [lo, hi].
func ClampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ComputeCostBasis converts a bond quantity and an average entry price into
// the asset amount originally paid, rounded down.
func ComputeCostBasis(quantity, avgEntryPrice int64) int64 {
	raw := MultiplyInt128(quantity, avgEntryPrice)
	result := DivideInt128(raw, BondConfig.Scale, RoundDown)
	putInt128(raw)
	return result
}

// ComputeEntryPrice returns the effective price paid per bond for an open,
// banker's-rounded into PriceConfig units.
func ComputeEntryPrice(spendAmount, bondQuantity int64) int64 {
	if bondQuantity <= 0 {
		return 0
	}
	raw := MultiplyInt128(spendAmount, BondConfig.Scale)
	result := DivideInt128(raw, bondQuantity, RoundHalfEven)
	putInt128(raw)
	return result
}

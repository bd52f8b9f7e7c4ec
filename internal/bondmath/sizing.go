package bondmath

import "math/big"

// Partial-closure sizing. Given a preview of what the entire head position is
// worth, these helpers decide whether a partial sale can cover a remaining
// output target and size that sale. All comparisons use cross-multiplication
// so no intermediate result is rounded before the final ceiling.

// CoversWithMargin reports whether the head position is worth enough to cover
// the remaining target while leaving at least one minimum-transaction-sized
// remainder behind:
//
//	headValue > (remaining + minTxAmount) * (1 + buffer)
//
// buffer is in FractionConfig units (1_000 = 0.1%).
func CoversWithMargin(headValue, remaining, minTxAmount, buffer int64) bool {
	lhs := MultiplyInt128(headValue, FractionConfig.Scale)
	rhs := MultiplyInt128(remaining+minTxAmount, FractionConfig.Scale+buffer)

	covers := lhs.Cmp(rhs) > 0

	putInt128(lhs)
	putInt128(rhs)

	return covers
}

// ComputeBondsForOutput sizes a partial sale of the head position:
//
//	bondsNeeded = headQuantity * (remaining * (1 + buffer)) / headValue
//
// rounded up, so rounding can never under-close. Callers must have
// established CoversWithMargin first; the result is additionally capped at
// headQuantity since selling more than the head holds is meaningless.
func ComputeBondsForOutput(headQuantity, headValue, remaining, buffer int64) int64 {
	if headQuantity <= 0 || headValue <= 0 || remaining <= 0 {
		return 0
	}

	numerator := MultiplyInt128(headQuantity, remaining)
	numerator.Mul(numerator, big.NewInt(FractionConfig.Scale+buffer))

	denominator := MultiplyInt128(headValue, FractionConfig.Scale)

	quotient := getInt128()
	remainder := getInt128()
	quotient.QuoRem(numerator, denominator, remainder)

	result := quotient.Int64()
	if remainder.Sign() != 0 {
		result++
	}

	putInt128(numerator)
	putInt128(denominator)
	putInt128(quotient)
	putInt128(remainder)

	if result > headQuantity {
		result = headQuantity
	}
	return result
}

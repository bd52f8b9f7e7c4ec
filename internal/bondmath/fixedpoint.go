package bondmath

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	BondConfig     = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 bond
	AssetConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 asset unit
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // price per bond, asset/bond
	FractionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // dimensionless fractions (ppm)
)

// DefaultPartialClosureBuffer is 0.1% in FractionConfig units.
const DefaultPartialClosureBuffer int64 = 1_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Floor (default for averages used as underestimates)
	RoundUp
	RoundHalfEven // Banker's rounding
)

// DivideInt128 performs numerator / denominator with rounding.
// The denominator must be positive; DivMod already floors for positive
// denominators, so RoundDown needs no correction.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundHalfEven:
		// If remainder == denominator/2 exactly, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

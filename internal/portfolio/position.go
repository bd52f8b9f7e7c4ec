package portfolio

// Position holds all bonds sharing one maturity. Quantity and AvgEntryPrice
// are fixed-point (bondmath.BondConfig / bondmath.PriceConfig); Maturity is a
// unix timestamp in seconds. Only the ledger mutates a stored Position:
// merges increase the tail, partial closes decrease the head.
type Position struct {
	Maturity      int64
	Quantity      int64
	AvgEntryPrice int64
}

// IsZero reports whether the position is a cleared slot.
func (p Position) IsZero() bool {
	return p.Maturity == 0 && p.Quantity == 0 && p.AvgEntryPrice == 0
}

// CanonicalBytes returns deterministic serialization for hashing
func (p Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 24)
	buf = appendInt64LE(buf, p.Maturity)
	buf = appendInt64LE(buf, p.Quantity)
	buf = appendInt64LE(buf, p.AvgEntryPrice)
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// Package venue defines the strategy's window onto the bond-issuing AMM and
// provides a discount-curve simulator of it for local runs and tests.
//
// All amounts crossing this interface are int64 fixed-point in the bondmath
// scales: asset amounts and bond quantities at 6 decimals, prices in asset
// per bond at 6 decimals, and fractions in parts-per-million.
package venue

import "errors"

var (
	// ErrSlippage is returned when an execution bound (minimum quantity,
	// minimum price, minimum output) cannot be honored at the current price.
	ErrSlippage = errors.New("venue: slippage bound violated")

	// ErrUnknownPosition is returned when a close names more bonds at a
	// maturity than the issuer has outstanding.
	ErrUnknownPosition = errors.New("venue: position not found at issuer")

	// ErrBelowMinimum is returned when a transaction is smaller than the
	// issuer's minimum transaction amount.
	ErrBelowMinimum = errors.New("venue: amount below issuer minimum")

	// ErrExceedsCapacity is returned when an open would take the issuer past
	// its remaining capacity.
	ErrExceedsCapacity = errors.New("venue: open exceeds issuer capacity")
)

// Venue is the trading interface consumed by the rebalancing engine. A
// failed call must leave no issuer-side effects; the engine relies on that
// to keep each top-level operation atomic.
//
// Implementations are driven from the single strategy-core goroutine and do
// not need to be safe for concurrent use.
type Venue interface {
	// OpenPosition spends spendAmount of asset on bonds. It fails with
	// ErrSlippage if fewer than minAcceptableQuantity bonds would be
	// received or the effective price falls below minAcceptablePrice
	// (zero disables either bound). extra is an opaque passthrough.
	OpenPosition(spendAmount, minAcceptableQuantity, minAcceptablePrice int64, extra []byte) (maturity, bondQuantity int64, err error)

	// ClosePosition sells bondQuantity bonds of the given maturity back to
	// the issuer and returns the asset output. It fails with
	// ErrUnknownPosition if the issuer has fewer bonds outstanding at that
	// maturity, and with ErrSlippage if the output falls below
	// minAcceptableOutput.
	ClosePosition(maturity, bondQuantity, minAcceptableOutput int64, extra []byte) (outputAmount int64, err error)

	// PreviewClosePosition values a close without executing it. The
	// estimate never exceeds what ClosePosition would actually return.
	PreviewClosePosition(maturity, bondQuantity int64) (estimatedOutput int64, err error)

	// IsMature reports whether the maturity has fully elapsed.
	IsMature(maturity int64) bool

	// TimeRemaining returns the fraction of the full term left before
	// maturity, in FractionConfig units: 1_000_000 when freshly opened,
	// 0 once matured.
	TimeRemaining(maturity int64) int64

	// MinimumTransactionAmount returns the smallest open or close the
	// issuer accepts.
	MinimumTransactionAmount() int64

	// MaximumOpenable returns the largest asset amount the issuer accepts
	// for an open right now.
	MaximumOpenable() int64
}

// StatefulVenue is a venue whose clock and full state live inside the
// strategy's deterministic boundary. The core advances the clock from event
// timestamps and captures venue state in snapshots, so replaying a command
// log reproduces every fill and a failed command can be rolled back on both
// sides of the trade.
type StatefulVenue interface {
	Venue

	// SetTime advances the venue clock to the given unix time. The clock
	// must never rewind.
	SetTime(unix int64)

	// Clock returns the venue's current time, unix seconds.
	Clock() int64

	// SnapshotState captures the venue state.
	SnapshotState() SimState

	// RestoreState overwrites the venue state with a captured one.
	RestoreState(s SimState)
}

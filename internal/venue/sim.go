package venue

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"BondLadder/internal/bondmath"
)

// SecondsPerYear is the year convention of the simulated discount curve.
const SecondsPerYear int64 = 31_536_000

var decimalOne = decimal.NewFromInt(1)

// SimConfig parameterizes SimVenue.
type SimConfig struct {
	// Term is the bond tenor in seconds. An open executed at time t matures
	// at checkpoint(t) + Term.
	Term int64

	// CheckpointInterval quantizes maturities so opens within the same
	// interval land on the same maturity and merge in the ledger. Zero
	// disables quantization.
	CheckpointInterval int64

	// AnnualRate is the flat annual discount rate, e.g. 0.05.
	AnnualRate decimal.Decimal

	// Spread is charged on both sides of the curve: opens price above fair
	// value, early closes below. Matured closes redeem at face regardless.
	Spread decimal.Decimal

	// PreviewHaircut shaves preview quotes so a preview never exceeds the
	// output of an immediately executed close.
	PreviewHaircut decimal.Decimal

	// MinTxAmount is the smallest spend or close quantity accepted.
	MinTxAmount int64

	// Capacity bounds the total outstanding bond quantity.
	Capacity int64

	// StartTime seeds the venue clock, unix seconds. Zero means wall clock.
	StartTime int64
}

// SimVenue is a deterministic in-memory issuer backed by a flat discount
// curve: a bond paying 1 at maturity trades at 1/(1+r*t), t the time to
// maturity in years. The clock is advanced explicitly via SetTime, so an
// identical command sequence reproduces identical fills on replay.
//
// SimVenue is not safe for concurrent use. The strategy core drives it from
// a single goroutine.
type SimVenue struct {
	cfg         SimConfig
	clock       int64
	issued      map[int64]int64
	outstanding int64
}

// SimState is the serializable state of a SimVenue. The strategy captures it
// alongside portfolio snapshots so crash recovery and rollback restore
// pricing and capacity exactly.
type SimState struct {
	Clock       int64           `json:"clock"`
	Outstanding int64           `json:"outstanding"`
	Issued      map[int64]int64 `json:"issued"`
}

func NewSimVenue(cfg SimConfig) (*SimVenue, error) {
	if cfg.Term <= 0 {
		return nil, fmt.Errorf("venue: term must be positive, got %d", cfg.Term)
	}
	if cfg.CheckpointInterval < 0 {
		return nil, fmt.Errorf("venue: checkpoint interval must not be negative, got %d", cfg.CheckpointInterval)
	}
	if cfg.AnnualRate.IsNegative() {
		return nil, fmt.Errorf("venue: annual rate must not be negative, got %s", cfg.AnnualRate)
	}
	if cfg.Spread.IsNegative() || cfg.Spread.GreaterThanOrEqual(decimalOne) {
		return nil, fmt.Errorf("venue: spread must be in [0,1), got %s", cfg.Spread)
	}
	if cfg.PreviewHaircut.IsNegative() || cfg.PreviewHaircut.GreaterThanOrEqual(decimalOne) {
		return nil, fmt.Errorf("venue: preview haircut must be in [0,1), got %s", cfg.PreviewHaircut)
	}
	if cfg.MinTxAmount < 0 {
		return nil, fmt.Errorf("venue: minimum transaction amount must not be negative, got %d", cfg.MinTxAmount)
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("venue: capacity must be positive, got %d", cfg.Capacity)
	}
	clock := cfg.StartTime
	if clock == 0 {
		clock = time.Now().Unix()
	}
	return &SimVenue{cfg: cfg, clock: clock, issued: make(map[int64]int64)}, nil
}

// SetTime advances the venue clock. The clock never rewinds, which keeps
// newly assigned maturities non-decreasing.
func (v *SimVenue) SetTime(unix int64) {
	if unix > v.clock {
		v.clock = unix
	}
}

// Clock returns the venue's current time, unix seconds.
func (v *SimVenue) Clock() int64 { return v.clock }

// SnapshotState captures the full venue state.
func (v *SimVenue) SnapshotState() SimState {
	issued := make(map[int64]int64, len(v.issued))
	for maturity, quantity := range v.issued {
		issued[maturity] = quantity
	}
	return SimState{Clock: v.clock, Outstanding: v.outstanding, Issued: issued}
}

// RestoreState overwrites the venue state with a previously captured one.
func (v *SimVenue) RestoreState(s SimState) {
	issued := make(map[int64]int64, len(s.Issued))
	for maturity, quantity := range s.Issued {
		issued[maturity] = quantity
	}
	v.clock = s.Clock
	v.outstanding = s.Outstanding
	v.issued = issued
}

// nextMaturity returns the maturity assigned to an open executed now.
func (v *SimVenue) nextMaturity() int64 {
	if v.cfg.CheckpointInterval <= 0 {
		return v.clock + v.cfg.Term
	}
	checkpoint := v.clock - v.clock%v.cfg.CheckpointInterval
	return checkpoint + v.cfg.Term
}

// fairPrice is 1/(1+r*t), or face for a matured bond.
func (v *SimVenue) fairPrice(maturity int64) decimal.Decimal {
	remaining := maturity - v.clock
	if remaining <= 0 {
		return decimalOne
	}
	years := decimal.New(remaining, 0).Div(decimal.New(SecondsPerYear, 0))
	return decimalOne.Div(decimalOne.Add(v.cfg.AnnualRate.Mul(years)))
}

func (v *SimVenue) openPrice(maturity int64) decimal.Decimal {
	return v.fairPrice(maturity).Mul(decimalOne.Add(v.cfg.Spread))
}

func (v *SimVenue) closePrice(maturity int64) decimal.Decimal {
	if maturity <= v.clock {
		return decimalOne
	}
	return v.fairPrice(maturity).Mul(decimalOne.Sub(v.cfg.Spread))
}

// toDecimal converts a scaled int64 amount into its decimal value.
func toDecimal(scaled int64) decimal.Decimal {
	return decimal.New(scaled, 0).Shift(-int32(bondmath.AssetConfig.DecimalPrecision))
}

// fromDecimal floors a decimal value back into scaled units.
func fromDecimal(d decimal.Decimal) int64 {
	return d.Shift(int32(bondmath.AssetConfig.DecimalPrecision)).IntPart()
}

func (v *SimVenue) OpenPosition(spendAmount, minAcceptableQuantity, minAcceptablePrice int64, extra []byte) (int64, int64, error) {
	if spendAmount < v.cfg.MinTxAmount {
		return 0, 0, fmt.Errorf("%w: spend %d below minimum %d", ErrBelowMinimum, spendAmount, v.cfg.MinTxAmount)
	}
	maturity := v.nextMaturity()
	price := v.openPrice(maturity)
	priceScaled := fromDecimal(price)
	if minAcceptablePrice > 0 && priceScaled > 0 {
		// minAcceptablePrice is a floor on execution price: paying more per
		// bond than quoted is fine, receiving bonds priced below the floor
		// means the curve moved against the caller.
		if priceScaled < minAcceptablePrice {
			return 0, 0, fmt.Errorf("%w: price %d below floor %d", ErrSlippage, priceScaled, minAcceptablePrice)
		}
	}
	bonds := fromDecimal(toDecimal(spendAmount).Div(price))
	if bonds <= 0 {
		return 0, 0, fmt.Errorf("%w: spend %d buys no bonds at price %s", ErrSlippage, spendAmount, price)
	}
	if v.outstanding+bonds > v.cfg.Capacity {
		return 0, 0, fmt.Errorf("%w: %d outstanding, %d requested, %d capacity",
			ErrExceedsCapacity, v.outstanding, bonds, v.cfg.Capacity)
	}
	if bonds < minAcceptableQuantity {
		return 0, 0, fmt.Errorf("%w: filled %d bonds, wanted at least %d", ErrSlippage, bonds, minAcceptableQuantity)
	}
	v.issued[maturity] += bonds
	v.outstanding += bonds
	return maturity, bonds, nil
}

func (v *SimVenue) ClosePosition(maturity, bondQuantity, minAcceptableOutput int64, extra []byte) (int64, error) {
	if bondQuantity < v.cfg.MinTxAmount {
		return 0, fmt.Errorf("%w: close quantity %d below minimum %d", ErrBelowMinimum, bondQuantity, v.cfg.MinTxAmount)
	}
	held := v.issued[maturity]
	if held < bondQuantity {
		return 0, fmt.Errorf("%w: maturity %d holds %d bonds, close of %d requested",
			ErrUnknownPosition, maturity, held, bondQuantity)
	}
	output := fromDecimal(toDecimal(bondQuantity).Mul(v.closePrice(maturity)))
	if output < minAcceptableOutput {
		return 0, fmt.Errorf("%w: output %d below minimum %d", ErrSlippage, output, minAcceptableOutput)
	}
	v.issued[maturity] = held - bondQuantity
	if v.issued[maturity] == 0 {
		delete(v.issued, maturity)
	}
	v.outstanding -= bondQuantity
	return output, nil
}

func (v *SimVenue) PreviewClosePosition(maturity, bondQuantity int64) (int64, error) {
	if bondQuantity <= 0 {
		return 0, fmt.Errorf("%w: preview quantity %d", ErrBelowMinimum, bondQuantity)
	}
	quote := toDecimal(bondQuantity).Mul(v.closePrice(maturity))
	quote = quote.Mul(decimalOne.Sub(v.cfg.PreviewHaircut))
	return fromDecimal(quote), nil
}

func (v *SimVenue) IsMature(maturity int64) bool {
	return maturity <= v.clock
}

// TimeRemaining reports the remaining life of a maturity as a fraction of
// the full term in FractionConfig units. Matured positions report zero.
func (v *SimVenue) TimeRemaining(maturity int64) int64 {
	remaining := maturity - v.clock
	if remaining <= 0 {
		return 0
	}
	if remaining >= v.cfg.Term {
		return bondmath.FractionConfig.Scale
	}
	// remaining < Term keeps the product within int64 for any sane tenor.
	return remaining * bondmath.FractionConfig.Scale / v.cfg.Term
}

func (v *SimVenue) MinimumTransactionAmount() int64 {
	return v.cfg.MinTxAmount
}

// MaximumOpenable reports the spend that would exhaust remaining capacity at
// the current open price.
func (v *SimVenue) MaximumOpenable() int64 {
	free := v.cfg.Capacity - v.outstanding
	if free <= 0 {
		return 0
	}
	return fromDecimal(toDecimal(free).Mul(v.openPrice(v.nextMaturity())))
}

// Outstanding reports the bond quantity issued against one maturity.
func (v *SimVenue) Outstanding(maturity int64) int64 {
	return v.issued[maturity]
}

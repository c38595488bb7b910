// Package unit provides exact-decimal, unit-aware arithmetic for the
// substance-flow simulation engine.
//
// A Value pairs an arbitrary-precision rational amount with a unit token
// drawn from a closed vocabulary (kg, mt, units, %, tCO2e, kwh, ...). The
// Converter translates between units, consulting a pluggable Context for
// quantities that only the current simulation state can supply: the
// installed equipment population, the amortized per-unit volume (initial
// charge), and a generic volume override used for percent resolution.
//
// Arithmetic is performed with math/big.Rat rather than float64 so that
// repeated conversions and additions never accumulate rounding error; the
// engine's invariants (sales == domestic + import + recycle, and so on)
// depend on this exactness holding across an entire scenario run.
package unit

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
)

// Canonical unit tokens recognized by the engine; IsKnown reports
// membership. The Value constructors do not check tokens against this
// set.
const (
	Kilogram       = "kg"
	MetricTon      = "mt"
	Units          = "units"
	Unit           = "unit"
	Percent        = "%"
	TonnesCO2e     = "tCO2e"
	KilogramsCO2e  = "kgCO2e"
	KilowattHours  = "kwh"
	Years          = "years"
	Year           = "year"
	KgPerUnit      = "kg / unit"
	TonnesCO2ePerMT = "tCO2e / mt"
	KgCO2ePerKg    = "kgCO2e / kg"
	KwhPerUnit     = "kwh / unit"
	PercentPerYear = "% / year"
)

var knownUnits = map[string]bool{
	Kilogram: true, MetricTon: true, Units: true, Unit: true, Percent: true,
	TonnesCO2e: true, KilogramsCO2e: true, KilowattHours: true,
	Years: true, Year: true, KgPerUnit: true, TonnesCO2ePerMT: true,
	KgCO2ePerKg: true, KwhPerUnit: true, PercentPerYear: true,
}

// =============================================================================
// Unit token normalization
// =============================================================================

// normalizerCache bounds the number of distinct raw spellings the engine
// will remember; scripts only ever use a handful of unit tokens, so 100
// entries is generous headroom, not a real limit in practice. This is the
// one piece of process-wide state the engine keeps: a read-mostly lookup
// table, guarded by a read-write mutex, safe for concurrent use across
// parallel engine instances.
const normalizerCacheBound = 100

var (
	normalizerMu    sync.RWMutex
	normalizerCache = make(map[string]string, normalizerCacheBound)
)

// Normalize collapses internal whitespace and trims a raw unit token to
// its canonical spelling. Tokens not in the closed vocabulary are returned
// trimmed/collapsed as-is; callers that require a known unit should check
// IsKnown separately.
func Normalize(raw string) string {
	normalizerMu.RLock()
	if v, ok := normalizerCache[raw]; ok {
		normalizerMu.RUnlock()
		return v
	}
	normalizerMu.RUnlock()

	fields := strings.Fields(raw)
	normalized := strings.Join(fields, " ")

	normalizerMu.Lock()
	if len(normalizerCache) < normalizerCacheBound {
		normalizerCache[raw] = normalized
	}
	normalizerMu.Unlock()

	return normalized
}

// IsKnown reports whether a normalized unit token is in the engine's
// closed vocabulary.
func IsKnown(normalized string) bool {
	return knownUnits[normalized]
}

// IsAnnualRate reports whether a unit carries a "/ year" suffix, which the
// converter treats as an alias of the bare unit for magnitude purposes.
func IsAnnualRate(normalized string) bool {
	return strings.HasSuffix(normalized, "/ year") || normalized == PercentPerYear
}

// baseOf strips a "/ year" suffix, returning the unit whose magnitude
// conversions apply.
func baseOf(normalized string) string {
	if normalized == PercentPerYear {
		return Percent
	}
	return strings.TrimSuffix(normalized, " / year")
}

// isUnitLike reports whether a unit token denotes equipment-count units
// ("units" or "unit"), which are interchangeable singular/plural spellings.
func isUnitLike(u string) bool {
	return u == Units || u == Unit
}

// =============================================================================
// Value
// =============================================================================

// Value is an exact-decimal amount paired with a unit.
type Value struct {
	amount *big.Rat
	unit   string
}

// Zero returns the zero value in the given unit.
func Zero(rawUnit string) Value {
	return Value{amount: new(big.Rat), unit: Normalize(rawUnit)}
}

// NewFromFloat builds a Value from a float64 amount, rejecting NaN and
// infinities the way the stream keeper requires at every set-time
// boundary.
func NewFromFloat(amount float64, rawUnit string) (Value, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Value{}, fmt.Errorf("%w: amount is not a finite number", ErrNaN)
	}
	r := new(big.Rat)
	r.SetFloat64(amount)
	return Value{amount: r, unit: Normalize(rawUnit)}, nil
}

// NewFromRat builds a Value from an exact rational amount.
func NewFromRat(amount *big.Rat, rawUnit string) Value {
	if amount == nil {
		amount = new(big.Rat)
	}
	return Value{amount: new(big.Rat).Set(amount), unit: Normalize(rawUnit)}
}

// NewFromInt builds a Value from an integer amount.
func NewFromInt(amount int64, rawUnit string) Value {
	return Value{amount: new(big.Rat).SetInt64(amount), unit: Normalize(rawUnit)}
}

// Amount returns the exact rational amount. The returned value is a copy
// and safe for the caller to mutate.
func (v Value) Amount() *big.Rat {
	if v.amount == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(v.amount)
}

// Unit returns the normalized unit token.
func (v Value) Unit() string {
	return v.unit
}

// IsZero reports exact equality with zero.
func (v Value) IsZero() bool {
	return v.amount == nil || v.amount.Sign() == 0
}

// Sign returns -1, 0, or 1.
func (v Value) Sign() int {
	if v.amount == nil {
		return 0
	}
	return v.amount.Sign()
}

// Float64 returns the nearest float64 approximation, for interop with
// external collaborators (CSV writer, HTTP surface) that do not need
// exactness.
func (v Value) Float64() float64 {
	if v.amount == nil {
		return 0
	}
	f, _ := v.amount.Float64()
	return f
}

// Add returns v + o, requiring both operands already share a unit. Use
// Converter.Convert first to align units.
func (v Value) Add(o Value) (Value, error) {
	if v.unit != o.unit {
		return Value{}, fmt.Errorf("unit: cannot add %q to %q without conversion", o.unit, v.unit)
	}
	sum := new(big.Rat).Add(v.Amount(), o.Amount())
	return Value{amount: sum, unit: v.unit}, nil
}

// Sub returns v - o, requiring both operands already share a unit.
func (v Value) Sub(o Value) (Value, error) {
	if v.unit != o.unit {
		return Value{}, fmt.Errorf("unit: cannot subtract %q from %q without conversion", o.unit, v.unit)
	}
	diff := new(big.Rat).Sub(v.Amount(), o.Amount())
	return Value{amount: diff, unit: v.unit}, nil
}

// ClampNonNegative returns v, or zero if v is negative.
func (v Value) ClampNonNegative() Value {
	if v.Sign() < 0 {
		return Zero(v.unit)
	}
	return v
}

// Scale returns v multiplied by an exact scalar.
func (v Value) Scale(factor *big.Rat) Value {
	return Value{amount: new(big.Rat).Mul(v.Amount(), factor), unit: v.unit}
}

func (v Value) String() string {
	f, _ := v.Amount().Float64()
	return fmt.Sprintf("%g %s", f, v.unit)
}

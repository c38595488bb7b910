// Package operations implements the operation vocabulary (C5): the
// AST-level actions a parsed program executes against the engine
// façade (C6). Each exported function corresponds to one Script
// Language statement; the parser and its grammar are an external
// collaborator (out of scope here) and simply call these functions in
// the order a script specifies.
package operations

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/recalc"
	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

// Errors surfaced by the operation vocabulary, in addition to those
// propagated from internal/streams and internal/unit.
var (
	ErrSelfReplace      = errors.New("operations: cannot replace a substance with itself")
	ErrMixedReplacement = errors.New("operations: cannot mix retire with and without replacement in one step")
)

// YearRange is the optional inclusive [Start, End] matcher every
// mutating operation accepts; a nil bound is unbounded on that side.
type YearRange struct {
	Start *int
	End   *int
}

// Unbounded is the zero-value YearRange, matching every year.
var Unbounded = YearRange{}

func kit(e *engine.Engine) *recalc.Kit {
	return &recalc.Kit{Keeper: e.Keeper(), Conv: e.Converter(), Key: e.Scope().Key()}
}

// Enable marks a stream as eligible to receive non-zero writes.
func Enable(e *engine.Engine, name streams.Name, yr YearRange) {
	if !e.InRange(yr.Start, yr.End) {
		return
	}
	e.EnsureCurrentSubstance()
	e.Keeper().MarkStreamAsEnabled(e.Scope().Key(), name)
}

// Set writes value directly into name, via the stream keeper's routing
// algorithm, then recalculates dependent streams.
func Set(e *engine.Engine, name streams.Name, value unit.Value, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()
	if err := e.Keeper().SetStream(key, name, value, true); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return cascade(e, name)
}

// Change adjusts name by delta (same-unit addition after conversion),
// then recalculates dependent streams.
func Change(e *engine.Engine, name streams.Name, delta unit.Value, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()

	current, err := e.Keeper().GetStream(key, name)
	if err != nil {
		return fmt.Errorf("change %s: %w", name, err)
	}
	ctx := unit.Context{}.WithAmortizedUnitVolume(e.Keeper().AmortizedInitialCharge(key).Amount())
	convertedDelta, err := e.Converter().Convert(delta, current.Unit(), ctx)
	if err != nil {
		return fmt.Errorf("change %s: %w", name, err)
	}
	next, err := current.Add(convertedDelta)
	if err != nil {
		return fmt.Errorf("change %s: %w", name, err)
	}
	if err := e.Keeper().SetStream(key, name, next, true); err != nil {
		return fmt.Errorf("change %s: %w", name, err)
	}
	return cascade(e, name)
}

// DisplaceBy names the conversion basis a cap/floor's displaced delta
// uses when moving volume to another substance.
type DisplaceBy int

const (
	DisplaceByVolume DisplaceBy = iota
	DisplaceByUnits
	DisplaceByEquivalent
)

// Limit applies a cap (ceiling) or floor to name, optionally displacing
// the clipped delta into a different (application, substance) scope.
type Limit struct {
	Name            streams.Name
	Value           unit.Value
	IsFloor         bool
	DisplaceTo      *scope.Scope
	DisplaceByBasis DisplaceBy
}

// ApplyLimit evaluates a cap or floor and clips the target stream,
// optionally moving the clipped delta to a displacement target.
func ApplyLimit(e *engine.Engine, lim Limit, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()

	current, err := e.Keeper().GetStream(key, lim.Name)
	if err != nil {
		return fmt.Errorf("limit %s: %w", lim.Name, err)
	}
	ctx := unit.Context{}.WithAmortizedUnitVolume(e.Keeper().AmortizedInitialCharge(key).Amount())
	limitValue, err := e.Converter().Convert(lim.Value, current.Unit(), ctx)
	if err != nil {
		return fmt.Errorf("limit %s: %w", lim.Name, err)
	}

	var violated bool
	var delta unit.Value
	if lim.IsFloor {
		violated = current.Amount().Cmp(limitValue.Amount()) < 0
		delta, _ = limitValue.Sub(current)
	} else {
		violated = current.Amount().Cmp(limitValue.Amount()) > 0
		delta, _ = current.Sub(limitValue)
	}
	if !violated {
		return nil
	}

	if err := e.Keeper().SetStream(key, lim.Name, limitValue, true); err != nil {
		return fmt.Errorf("limit %s: %w", lim.Name, err)
	}
	if err := cascade(e, lim.Name); err != nil {
		return err
	}

	if lim.DisplaceTo == nil || delta.IsZero() {
		return nil
	}
	return displace(e, *lim.DisplaceTo, delta, lim.DisplaceByBasis)
}

// displace moves delta's magnitude into target's sales stream, basis
// chosen per the cap/floor's displacement mode.
func displace(e *engine.Engine, target scope.Scope, delta unit.Value, basis DisplaceBy) error {
	key := e.Scope().Key()
	targetKey := target.Key()
	e.Keeper().EnsureSubstance(targetKey)

	amountKg := delta
	if delta.Unit() != unit.Kilogram {
		ctx := unit.Context{}.WithAmortizedUnitVolume(e.Keeper().AmortizedInitialCharge(key).Amount())
		converted, err := e.Converter().Convert(delta, unit.Kilogram, ctx)
		if err != nil {
			return err
		}
		amountKg = converted
	}

	switch basis {
	case DisplaceByUnits:
		sourceInitialCharge := e.Keeper().AmortizedInitialCharge(key)
		targetInitialCharge := e.Keeper().AmortizedInitialCharge(targetKey)
		if sourceInitialCharge.Sign() == 0 || targetInitialCharge.Sign() == 0 {
			return nil
		}
		units := unit.NewFromRat(new(big.Rat).Quo(amountKg.Amount(), sourceInitialCharge.Amount()), unit.Units)
		ctx := unit.Context{}.WithAmortizedUnitVolume(targetInitialCharge.Amount())
		amountKg, _ = e.Converter().Convert(units, unit.Kilogram, ctx)
	case DisplaceByVolume, DisplaceByEquivalent:
		// raw kg is already the right basis for both.
	}

	restore := e.Scope()
	e.SetScope(target)
	defer e.SetScope(restore)
	return Change(e, streams.Sales, amountKg, Unbounded)
}

// ReplaceAmountKind distinguishes the three ways a replace amount can be
// expressed.
type ReplaceAmountKind int

const (
	ReplaceByPercent ReplaceAmountKind = iota
	ReplaceByVolume
	ReplaceByUnits
)

// Replace moves amount from sourceName in the engine's current scope to
// destName in dest, rejecting self-replacement.
func Replace(e *engine.Engine, amount unit.Value, kind ReplaceAmountKind, sourceName streams.Name, dest scope.Scope, destName streams.Name, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	src := e.Scope()
	if src.Key() == dest.Key() {
		return ErrSelfReplace
	}
	e.EnsureCurrentSubstance()
	key := src.Key()

	var amountKg unit.Value
	switch kind {
	case ReplaceByPercent:
		current, err := e.Keeper().GetStream(key, sourceName)
		if err != nil {
			return fmt.Errorf("replace %s: %w", sourceName, err)
		}
		if last, ok := e.Keeper().GetLastSpecifiedValue(key, sourceName); ok {
			current = last
		}
		amountKg = current.Scale(new(big.Rat).Quo(amount.Amount(), big.NewRat(100, 1)))
	case ReplaceByVolume:
		ctx := unit.Context{}.WithAmortizedUnitVolume(e.Keeper().AmortizedInitialCharge(key).Amount())
		converted, err := e.Converter().Convert(amount, unit.Kilogram, ctx)
		if err != nil {
			return fmt.Errorf("replace %s: %w", sourceName, err)
		}
		amountKg = converted
	case ReplaceByUnits:
		destKey := dest.Key()
		e.Keeper().EnsureSubstance(destKey)
		restore := e.Scope()
		e.SetScope(dest)
		destInitialCharge := e.Keeper().AmortizedInitialCharge(destKey)
		e.SetScope(restore)
		amountKg = unit.NewFromRat(new(big.Rat).Mul(amount.Amount(), destInitialCharge.Amount()), unit.Kilogram)
	}

	if err := Change(e, sourceName, amountKg.Scale(big.NewRat(-1, 1)), Unbounded); err != nil {
		return fmt.Errorf("replace %s: %w", sourceName, err)
	}

	restore := e.Scope()
	e.SetScope(dest)
	err := Change(e, destName, amountKg, Unbounded)
	e.SetScope(restore)
	if err != nil {
		return fmt.Errorf("replace into %s: %w", destName, err)
	}
	return nil
}

// Retire applies a retirement rate, optionally replacing retired
// equipment with fresh sales in the same substance. Replacement
// stickiness (the mixed-replacement guard) is tracked on the
// substance's own parameterization, which incrementYear resets, rather
// than in any process-wide state.
func Retire(e *engine.Engine, rate unit.Value, withReplacement bool, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()
	param := e.Keeper().Param(key)

	if param.HasRetireThisStep && param.WithReplacementThisStep != withReplacement {
		return ErrMixedReplacement
	}
	param.HasRetireThisStep = true
	param.WithReplacementThisStep = withReplacement

	before, err := e.GetStream(streams.Equipment)
	if err != nil {
		return err
	}

	e.Keeper().SetRetirementRate(key, rate)
	if err := recalc.Retire(kit(e)); err != nil {
		return fmt.Errorf("retire: %w", err)
	}

	if !withReplacement {
		return nil
	}
	after, err := e.GetStream(streams.Equipment)
	if err != nil {
		return err
	}
	reduction, _ := before.Sub(after)
	reduction = reduction.ClampNonNegative()
	if reduction.IsZero() {
		return nil
	}

	replacementUnit := unit.Kilogram
	initialCharge := e.Keeper().AmortizedInitialCharge(key)
	if last, ok := e.Keeper().GetLastSpecifiedValue(key, streams.Sales); ok && last.Unit() == unit.Units && initialCharge.Sign() != 0 {
		replacementUnit = unit.Units
	}

	reductionKg := unit.NewFromRat(reduction.Scale(initialCharge.Amount()).Amount(), unit.Kilogram)
	ctx := unit.Context{}.WithAmortizedUnitVolume(initialCharge.Amount())
	replacementValue, err := e.Converter().Convert(reductionKg, replacementUnit, ctx)
	if err != nil {
		return err
	}
	return Change(e, streams.Sales, replacementValue, Unbounded)
}

// Recycle records additive recovery and averaged yield for a stage,
// then runs the full sales/population/consumption cascade.
func Recycle(e *engine.Engine, recoveryRate unit.Value, yieldRate unit.Value, stage streams.Stage, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()

	e.Keeper().SetRecoveryRate(key, stage, recoveryRate)
	e.Keeper().SetYieldRate(key, stage, yieldRate)
	return recalc.Full(kit(e))
}

// Recharge accumulates recharge population and intensity, preserving
// carry-over semantics: if the last sales figure was unit-based and no
// fresh sales were set this year, the last unit-based sales value is
// re-applied so implicit recharge adds on top of it.
func Recharge(e *engine.Engine, population unit.Value, intensity unit.Value, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()
	param := e.Keeper().Param(key)

	lastSales, hasLastSales := e.Keeper().GetLastSpecifiedValue(key, streams.Sales)
	carryOver := hasLastSales && lastSales.Unit() == unit.Units && !param.SalesFreshlySet

	e.Keeper().SetRechargePopulation(key, population)
	e.Keeper().SetRechargeIntensity(key, intensity)

	equipment, err := e.GetStream(streams.Equipment)
	if err != nil {
		return err
	}
	rechargePopUnits := equipment.Scale(new(big.Rat).Quo(population.Amount(), big.NewRat(100, 1)))
	rechargeKg := unit.NewFromRat(rechargePopUnits.Scale(intensity.Amount()).Amount(), unit.Kilogram)
	e.Keeper().SetLastSpecifiedValue(key, streams.RechargeChosen, rechargeKg)

	if carryOver {
		if err := e.Keeper().SetStream(key, streams.Sales, lastSales, true); err != nil {
			return fmt.Errorf("recharge carry-over: %w", err)
		}
	}
	return recalc.Full(kit(e))
}

// Equals sets GHG intensity (for tCO2e/kgCO2e amounts) or energy
// intensity (for kwh amounts), then recalculates the dependent
// emissions and consumption streams.
func Equals(e *engine.Engine, value unit.Value, yr YearRange) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	e.EnsureCurrentSubstance()
	key := e.Scope().Key()
	param := e.Keeper().Param(key)

	switch value.Unit() {
	case unit.TonnesCO2e:
		param.GHGIntensity = value.Scale(big.NewRat(1, 1))
		param.HasGHGIntensity = true
	case unit.KilogramsCO2e:
		perKg := value.Scale(big.NewRat(1, 1000))
		param.GHGIntensity = unit.NewFromRat(perKg.Amount(), unit.TonnesCO2ePerMT)
		param.HasGHGIntensity = true
	case unit.KilowattHours:
		param.EnergyIntensity = value
		param.HasEnergyIntensity = true
	default:
		return fmt.Errorf("operations: equals does not support unit %q", value.Unit())
	}

	k := kit(e)
	if err := recalc.RechargeEmissions(k); err != nil {
		return err
	}
	if err := recalc.EolEmissions(k); err != nil {
		return err
	}
	return recalc.Consumption(k)
}

// DefineVariable assigns a user variable in the engine's current scope.
func DefineVariable(e *engine.Engine, name string, value unit.Value) error {
	return e.Variables().Define(e.Scope(), name, value)
}

// GetVariable reads a user (or reserved) variable from the engine's
// current scope.
func GetVariable(e *engine.Engine, name string) (unit.Value, error) {
	return e.Variables().Get(e.Scope(), name, e.TimeContext())
}

// GetStream reads a stream from the engine's current scope.
func GetStream(e *engine.Engine, name streams.Name) (unit.Value, error) {
	return e.GetStream(name)
}

// GetStreamIndirect reads a stream from a different (application,
// substance) scope. The convert flag is passed to
// engine.GetStreamIndirect, which returns the value in its own unit
// either way.
func GetStreamIndirect(e *engine.Engine, target scope.Scope, name streams.Name, convert bool) (unit.Value, error) {
	return e.GetStreamIndirect(target, name, convert)
}

// DrawUniform samples uniformly from [low, high] using the engine's
// per-trial deterministic random source.
func DrawUniform(e *engine.Engine, callSite string, low, high unit.Value) (unit.Value, error) {
	if low.Unit() != high.Unit() {
		return unit.Value{}, fmt.Errorf("operations: draw uniform bounds have mismatched units %q/%q", low.Unit(), high.Unit())
	}
	e.Random().Reseed(callSite)
	sample := e.Random().DrawUniform(low.Float64(), high.Float64())
	return unit.NewFromFloat(sample, low.Unit())
}

// DrawNormal samples from a normal distribution with the given mean and
// standard deviation.
func DrawNormal(e *engine.Engine, callSite string, mean, stddev unit.Value) (unit.Value, error) {
	if mean.Unit() != stddev.Unit() {
		return unit.Value{}, fmt.Errorf("operations: draw normal mean/stddev have mismatched units %q/%q", mean.Unit(), stddev.Unit())
	}
	e.Random().Reseed(callSite)
	sample := e.Random().DrawNormal(mean.Float64(), stddev.Float64())
	return unit.NewFromFloat(sample, mean.Unit())
}

// Joint runs a sequence of operations as one logical step, gated once
// on yr rather than having each sub-operation re-check the year range.
// A script uses this for statements the grammar groups together (for
// example a `recharge ... with ... displacing ...` clause that expands
// into several primitive calls).
func Joint(e *engine.Engine, yr YearRange, ops ...func(*engine.Engine) error) error {
	if !e.InRange(yr.Start, yr.End) {
		return nil
	}
	for _, op := range ops {
		if err := op(e); err != nil {
			return err
		}
	}
	return nil
}

// cascade runs the narrowest recalc pass needed after a direct write to
// name: sales-affecting streams recompute population/consumption;
// anything else is already in its canonical form.
func cascade(e *engine.Engine, name streams.Name) error {
	switch name {
	case streams.Domestic, streams.Import, streams.Export, streams.Sales, streams.Recycle:
		k := kit(e)
		if err := recalc.PopulationChange(k); err != nil {
			return err
		}
		return recalc.Consumption(k)
	default:
		return nil
	}
}

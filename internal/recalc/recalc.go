// Package recalc implements the recalculation pipeline (C4): the set of
// strategies that restore the engine's cross-stream invariants after a
// mutation, and the builder that composes them in the fixed order the
// domain requires.
//
// Every strategy takes a Kit — the stream keeper, converter, and the
// scope key identifying which substance to recompute — rather than the
// whole engine, so strategies stay testable in isolation against a bare
// keeper.
package recalc

import (
	"math/big"

	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

// Kit bundles what every strategy needs: where to read/write (Key), how
// to convert (Conv), and the keeper holding all substance state.
type Kit struct {
	Keeper *streams.Keeper
	Conv   unit.Converter
	Key    string
}

func scalePct(v unit.Value, pct unit.Value) unit.Value {
	return v.Scale(new(big.Rat).Quo(pct.Amount(), big.NewRat(100, 1)))
}

func isUnitBased(u string) bool { return u == unit.Units || u == unit.Unit }

// Sales recomputes domestic/import allocation from recovery, yield,
// displacement, and new-equipment demand. It is the strategy recycle
// and recharge operations trigger (as opposed to a direct `setStream
// "sales"` write, which the stream keeper's own routing handles).
func Sales(k *Kit) error {
	keeper := k.Keeper
	key := k.Key
	initialCharge := keeper.AmortizedInitialCharge(key)

	retired, err := keeper.GetStream(key, streams.Retired)
	if err != nil {
		return err
	}
	eolAvailable := unit.NewFromRat(new(big.Rat).Mul(retired.Amount(), initialCharge.Amount()), unit.Kilogram)

	rechargePop := keeper.GetRechargePopulation(key)
	equipment, err := keeper.GetStream(key, streams.Equipment)
	if err != nil {
		return err
	}
	rechargePopUnits := scalePct(equipment, rechargePop)
	rechargeIntensity := keeper.GetRechargeIntensity(key)
	rechargeAvailable := unit.NewFromRat(new(big.Rat).Mul(rechargePopUnits.Amount(), rechargeIntensity.Amount()), unit.Kilogram)

	eolRecycled := scalePct(scalePct(eolAvailable, keeper.GetRecoveryRate(key, streams.EOL)), keeper.GetYieldRate(key, streams.EOL))
	rechRecycled := scalePct(scalePct(rechargeAvailable, keeper.GetRecoveryRate(key, streams.Recharge)), keeper.GetYieldRate(key, streams.Recharge))

	displacement := keeper.GetDisplacementRate(key)
	eolDisplaced := scalePct(eolRecycled, displacement)
	rechDisplaced := scalePct(rechRecycled, displacement)
	recycledDisplacedSum, _ := eolDisplaced.Add(rechDisplaced)

	newEquip, err := keeper.GetStream(key, streams.NewEquipment)
	if err != nil {
		return err
	}
	volumeForNew := unit.NewFromRat(new(big.Rat).Mul(newEquip.Amount(), initialCharge.Amount()), unit.Kilogram)

	implicitRecharge, err := keeper.GetStream(key, streams.ImplicitRecharge)
	if err != nil {
		return err
	}

	demand, _ := rechargeAvailable.Add(volumeForNew)
	required, _ := demand.Sub(implicitRecharge)
	required, _ = required.Sub(recycledDisplacedSum)
	required = required.ClampNonNegative()

	dist, err := keeper.GetDistribution(key, false)
	if err != nil {
		return err
	}
	domKg := scalePct(required, dist.Domestic)
	impKg := scalePct(required, dist.Import)

	writeUnit := unit.Kilogram
	if last, ok := keeper.GetLastSpecifiedValue(key, streams.Sales); ok && isUnitBased(last.Unit()) && implicitRecharge.Sign() > 0 {
		writeUnit = unit.Units
	}
	if writeUnit == unit.Units && initialCharge.Sign() != 0 {
		domKg = unit.NewFromRat(new(big.Rat).Quo(domKg.Amount(), initialCharge.Amount()), unit.Units)
		impKg = unit.NewFromRat(new(big.Rat).Quo(impKg.Amount(), initialCharge.Amount()), unit.Units)
		converted, err := k.Conv.Convert(domKg, unit.Kilogram, unit.Context{}.WithAmortizedUnitVolume(initialCharge.Amount()))
		if err != nil {
			return err
		}
		domKg = converted
		converted, err = k.Conv.Convert(impKg, unit.Kilogram, unit.Context{}.WithAmortizedUnitVolume(initialCharge.Amount()))
		if err != nil {
			return err
		}
		impKg = converted
	}

	keeper.SetRaw(key, streams.Domestic, domKg)
	keeper.SetRaw(key, streams.Import, impKg)
	keeper.SetRaw(key, streams.RecycleEol, eolDisplaced)
	keeper.SetRaw(key, streams.RecycleRecharge, rechDisplaced)
	return nil
}

// PopulationChange derives equipment and newEquipment from the kg
// difference between sales and the recharge volume actually chosen
// this step, then cascades into RechargeRecycling and RechargeEmissions.
func PopulationChange(k *Kit) error {
	keeper := k.Keeper
	key := k.Key
	initialCharge := keeper.AmortizedInitialCharge(key)

	sales, err := keeper.GetStream(key, streams.Sales)
	if err != nil {
		return err
	}

	chosenRecharge, ok := keeper.GetLastSpecifiedValue(key, streams.RechargeChosen)
	var rechargeKg unit.Value
	if ok {
		rechargeKg = chosenRecharge
	} else {
		rechargeKg, err = keeper.GetStream(key, streams.ImplicitRecharge)
		if err != nil {
			return err
		}
	}

	netKg, _ := sales.Sub(rechargeKg)
	var delta unit.Value
	if initialCharge.Sign() == 0 {
		delta = unit.Zero(unit.Units)
	} else {
		delta = unit.NewFromRat(new(big.Rat).Quo(netKg.Amount(), initialCharge.Amount()), unit.Units)
	}

	priorEquip, err := keeper.GetStream(key, streams.PriorEquipment)
	if err != nil {
		return err
	}
	equipment, _ := priorEquip.Add(delta)
	equipment = equipment.ClampNonNegative()

	keeper.SetRaw(key, streams.Equipment, equipment)
	keeper.SetRaw(key, streams.NewEquipment, delta)

	positiveDelta := delta.ClampNonNegative()
	initialChargeKg := unit.NewFromRat(new(big.Rat).Mul(positiveDelta.Amount(), initialCharge.Amount()), unit.Kilogram)
	param := keeper.Param(key)
	ctx := unit.Context{}
	if param.HasGHGIntensity {
		ctx = ctx.WithGHGIntensity(param.GHGIntensity.Amount())
	}
	initialChargeEmissions, err := k.Conv.Convert(initialChargeKg, unit.TonnesCO2e, ctx)
	if err != nil {
		return err
	}
	keeper.SetRaw(key, streams.InitialChargeEmissions, initialChargeEmissions)

	if err := RechargeRecycling(k); err != nil {
		return err
	}
	return RechargeEmissions(k)
}

// Retire captures the base population on the first retire of the year,
// applies the cumulative retirement delta, and cascades into
// EolRecycling, EolEmissions, PopulationChange, and Consumption.
func Retire(k *Kit) error {
	keeper := k.Keeper
	key := k.Key
	param := keeper.Param(key)

	equipment, err := keeper.GetStream(key, streams.Equipment)
	if err != nil {
		return err
	}
	if param.FirstRetireThisYear {
		param.RetirementBasePopulation = equipment
		param.HasRetirementBase = true
		param.FirstRetireThisYear = false

		retiredSoFar, err := keeper.GetStream(key, streams.Retired)
		if err != nil {
			return err
		}
		keeper.SetRaw(key, streams.PriorRetired, retiredSoFar)
	}
	base := param.RetirementBasePopulation
	rate := keeper.GetRetirementRate(key)

	cumulative := scalePct(base, rate)
	delta, _ := cumulative.Sub(param.AppliedRetirement)
	delta = delta.ClampNonNegative()
	param.AppliedRetirement = cumulative

	priorEquip, err := keeper.GetStream(key, streams.PriorEquipment)
	if err != nil {
		return err
	}
	newPriorEquip, _ := priorEquip.Sub(delta)
	newPriorEquip = newPriorEquip.ClampNonNegative()
	newEquip, _ := equipment.Sub(delta)
	newEquip = newEquip.ClampNonNegative()

	retired, err := keeper.GetStream(key, streams.Retired)
	if err != nil {
		return err
	}
	retired, _ = retired.Add(delta)

	keeper.SetRaw(key, streams.PriorEquipment, newPriorEquip)
	keeper.SetRaw(key, streams.Equipment, newEquip)
	keeper.SetRaw(key, streams.Retired, retired)

	if err := EolRecycling(k); err != nil {
		return err
	}
	if err := EolEmissions(k); err != nil {
		return err
	}
	if err := PopulationChange(k); err != nil {
		return err
	}
	return Consumption(k)
}

// RechargeEmissions converts this step's recharge kg (or the implicit
// recharge fallback) into tCO2e via GHG intensity, then cascades into
// Consumption.
func RechargeEmissions(k *Kit) error {
	keeper := k.Keeper
	key := k.Key
	param := keeper.Param(key)

	var volume unit.Value
	if v, ok := param.LastSpecified[streams.RechargeChosen]; ok {
		volume = v
	} else {
		var err error
		volume, err = keeper.GetStream(key, streams.ImplicitRecharge)
		if err != nil {
			return err
		}
	}

	ctx := unit.Context{}
	if param.HasGHGIntensity {
		ctx = ctx.WithGHGIntensity(param.GHGIntensity.Amount())
	}
	emissions, err := k.Conv.Convert(volume, unit.TonnesCO2e, ctx)
	if err != nil {
		return err
	}
	keeper.SetRaw(key, streams.RechargeEmissions, emissions)
	return Consumption(k)
}

// EolEmissions converts this-year-only retirement (retired -
// priorRetired) into tCO2e.
func EolEmissions(k *Kit) error {
	keeper := k.Keeper
	key := k.Key
	param := keeper.Param(key)

	retired, err := keeper.GetStream(key, streams.Retired)
	if err != nil {
		return err
	}
	priorRetired, err := keeper.GetStream(key, streams.PriorRetired)
	if err != nil {
		return err
	}
	deltaUnits, _ := retired.Sub(priorRetired)
	deltaUnits = deltaUnits.ClampNonNegative()

	initialCharge := keeper.AmortizedInitialCharge(key)
	kg := unit.NewFromRat(new(big.Rat).Mul(deltaUnits.Amount(), initialCharge.Amount()), unit.Kilogram)

	ctx := unit.Context{}
	if param.HasGHGIntensity {
		ctx = ctx.WithGHGIntensity(param.GHGIntensity.Amount())
	}
	emissions, err := k.Conv.Convert(kg, unit.TonnesCO2e, ctx)
	if err != nil {
		return err
	}
	keeper.SetRaw(key, streams.EolEmissions, emissions)
	return nil
}

// EolRecycling computes end-of-life recycled volume from retiring
// equipment, gated on a positive EOL recovery rate.
func EolRecycling(k *Kit) error {
	keeper := k.Keeper
	key := k.Key

	recovery := keeper.GetRecoveryRate(key, streams.EOL)
	if recovery.Sign() <= 0 {
		return nil
	}
	retired, err := keeper.GetStream(key, streams.Retired)
	if err != nil {
		return err
	}
	initialCharge := keeper.AmortizedInitialCharge(key)
	available := unit.NewFromRat(new(big.Rat).Mul(retired.Amount(), initialCharge.Amount()), unit.Kilogram)

	yield := keeper.GetYieldRate(key, streams.EOL)
	recycled := scalePct(scalePct(available, recovery), yield)
	keeper.SetRaw(key, streams.RecycleEol, recycled)
	return nil
}

// RechargeRecycling computes recharge-stage recycled volume, gated on a
// positive recharge recovery rate.
func RechargeRecycling(k *Kit) error {
	keeper := k.Keeper
	key := k.Key

	recovery := keeper.GetRecoveryRate(key, streams.Recharge)
	if recovery.Sign() <= 0 {
		return nil
	}
	equipment, err := keeper.GetStream(key, streams.Equipment)
	if err != nil {
		return err
	}
	rechargePopUnits := scalePct(equipment, keeper.GetRechargePopulation(key))
	intensity := keeper.GetRechargeIntensity(key)
	available := unit.NewFromRat(new(big.Rat).Mul(rechargePopUnits.Amount(), intensity.Amount()), unit.Kilogram)

	yield := keeper.GetYieldRate(key, streams.Recharge)
	recycled := scalePct(scalePct(available, recovery), yield)
	keeper.SetRaw(key, streams.RecycleRecharge, recycled)
	return nil
}

// Consumption recomputes the tCO2e consumption stream as the GHG
// intensity applied to the virgin (domestic + import) kg volume; the
// recycled share is, by policy, excluded from consumption.
func Consumption(k *Kit) error {
	keeper := k.Keeper
	key := k.Key
	param := keeper.Param(key)

	dom, err := keeper.GetStream(key, streams.Domestic)
	if err != nil {
		return err
	}
	imp, err := keeper.GetStream(key, streams.Import)
	if err != nil {
		return err
	}
	virgin, _ := dom.Add(imp)

	ctx := unit.Context{}
	if param.HasGHGIntensity {
		ctx = ctx.WithGHGIntensity(param.GHGIntensity.Amount())
	}
	consumption, err := k.Conv.Convert(virgin, unit.TonnesCO2e, ctx)
	if err != nil {
		return err
	}
	keeper.SetRaw(key, streams.Consumption, consumption)

	if param.HasEnergyIntensity {
		equipment, err := keeper.GetStream(key, streams.Equipment)
		if err != nil {
			return err
		}
		energyCtx := unit.Context{}.WithEnergyIntensity(param.EnergyIntensity.Amount())
		energy, err := k.Conv.Convert(equipment, unit.KilowattHours, energyCtx)
		if err != nil {
			return err
		}
		keeper.SetRaw(key, streams.EnergyConsumption, energy)
	}
	return nil
}

// Full runs the complete pipeline in the order the domain requires:
// sales allocation, then population change (which itself recalculates
// recharge emissions and consumption), then retirement (which itself
// recalculates EOL recycling, EOL emissions, population change, and
// consumption again). C5 operations that only touch a narrower slice of
// state call the individual strategies directly instead.
func Full(k *Kit) error {
	if err := Sales(k); err != nil {
		return err
	}
	if err := PopulationChange(k); err != nil {
		return err
	}
	return Retire(k)
}

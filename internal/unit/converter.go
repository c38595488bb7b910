package unit

import "math/big"

// massFactor is the exact kg-per-mt ratio.
var massFactor = big.NewRat(1000, 1)

// Context supplies the state-dependent quantities a conversion may need.
// Callers build a fresh Context at each Convert call site rather than
// keeping this as engine-wide state, so that nested conversions never
// see a stale population or initial charge.
//
// A field that is not "Has*" true is simply unavailable: per spec, a
// conversion that needs it resolves to zero rather than failing. This
// keeps the recalc pipeline from aborting mid-cascade when, say, a
// substance has never had its initial charge set.
type Context struct {
	// Population is the current installed equipment population, in
	// units, used to resolve "%"-of-population conversions (for example
	// a retirement or recharge-population rate).
	Population    *big.Rat
	HasPopulation bool

	// AmortizedUnitVolume is kg of substance per unit of equipment
	// (initial charge), used for units<->kg conversions.
	AmortizedUnitVolume    *big.Rat
	HasAmortizedUnitVolume bool

	// Volume is a generic base quantity, in VolumeUnit, used to resolve
	// "%"-of-volume conversions for streams that are not population
	// based (for example a cap expressed as a percentage of sales).
	Volume     *big.Rat
	VolumeUnit string
	HasVolume  bool

	// GHGIntensity is tCO2e of climate impact per mt of substance (the
	// same ratio doubles as kgCO2e per kg), used for kg<->tCO2e and
	// kg<->kgCO2e conversions.
	GHGIntensity    *big.Rat
	HasGHGIntensity bool

	// EnergyIntensity is kwh consumed per unit of equipment, used for
	// units<->kwh conversions.
	EnergyIntensity    *big.Rat
	HasEnergyIntensity bool
}

// WithPopulation returns a copy of the context with Population set.
func (c Context) WithPopulation(v *big.Rat) Context {
	c.Population, c.HasPopulation = v, true
	return c
}

// WithAmortizedUnitVolume returns a copy of the context with
// AmortizedUnitVolume set.
func (c Context) WithAmortizedUnitVolume(v *big.Rat) Context {
	c.AmortizedUnitVolume, c.HasAmortizedUnitVolume = v, true
	return c
}

// WithVolume returns a copy of the context with Volume set.
func (c Context) WithVolume(v *big.Rat, volumeUnit string) Context {
	c.Volume, c.VolumeUnit, c.HasVolume = v, Normalize(volumeUnit), true
	return c
}

// WithGHGIntensity returns a copy of the context with GHGIntensity set.
func (c Context) WithGHGIntensity(v *big.Rat) Context {
	c.GHGIntensity, c.HasGHGIntensity = v, true
	return c
}

// WithEnergyIntensity returns a copy of the context with EnergyIntensity
// set.
func (c Context) WithEnergyIntensity(v *big.Rat) Context {
	c.EnergyIntensity, c.HasEnergyIntensity = v, true
	return c
}

// Converter performs unit conversions against a Context. It holds no
// state of its own; every engine owns one Converter value (in practice a
// zero Converter{} suffices, but the type exists so the recalc pipeline
// has something concrete to pass around and so tests can substitute a
// recording Converter).
type Converter struct{}

// NewConverter constructs a Converter.
func NewConverter() Converter { return Converter{} }

// Convert translates v into targetUnit under ctx. A conversion that needs
// context the caller did not supply resolves to a zero value in the
// target unit rather than failing, so that a recalc cascade started
// before a substance's parameterization is fully populated still
// completes.
func (c Converter) Convert(v Value, targetUnit string, ctx Context) (Value, error) {
	targetUnit = Normalize(targetUnit)
	if v.unit == targetUnit {
		return v, nil
	}

	src, tgt := baseOf(v.unit), baseOf(targetUnit)
	if src == tgt {
		return Value{amount: v.Amount(), unit: targetUnit}, nil
	}

	amount := v.Amount()

	switch {
	case src == Kilogram && tgt == MetricTon:
		return Value{amount: new(big.Rat).Quo(amount, massFactor), unit: targetUnit}, nil
	case src == MetricTon && tgt == Kilogram:
		return Value{amount: new(big.Rat).Mul(amount, massFactor), unit: targetUnit}, nil

	case isUnitLike(src) && tgt == Kilogram:
		if !ctx.HasAmortizedUnitVolume || ctx.AmortizedUnitVolume.Sign() == 0 {
			return Zero(targetUnit), nil
		}
		return Value{amount: new(big.Rat).Mul(amount, ctx.AmortizedUnitVolume), unit: targetUnit}, nil
	case src == Kilogram && isUnitLike(tgt):
		if !ctx.HasAmortizedUnitVolume || ctx.AmortizedUnitVolume.Sign() == 0 {
			return Zero(targetUnit), nil
		}
		return Value{amount: new(big.Rat).Quo(amount, ctx.AmortizedUnitVolume), unit: targetUnit}, nil

	case src == Kilogram && (tgt == TonnesCO2e || tgt == KilogramsCO2e):
		if !ctx.HasGHGIntensity {
			return Zero(targetUnit), nil
		}
		if tgt == TonnesCO2e {
			mt := new(big.Rat).Quo(amount, massFactor)
			return Value{amount: new(big.Rat).Mul(mt, ctx.GHGIntensity), unit: targetUnit}, nil
		}
		return Value{amount: new(big.Rat).Mul(amount, ctx.GHGIntensity), unit: targetUnit}, nil
	case (src == TonnesCO2e || src == KilogramsCO2e) && tgt == Kilogram:
		if !ctx.HasGHGIntensity || ctx.GHGIntensity.Sign() == 0 {
			return Zero(targetUnit), nil
		}
		if src == TonnesCO2e {
			mt := new(big.Rat).Quo(amount, ctx.GHGIntensity)
			return Value{amount: new(big.Rat).Mul(mt, massFactor), unit: targetUnit}, nil
		}
		return Value{amount: new(big.Rat).Quo(amount, ctx.GHGIntensity), unit: targetUnit}, nil

	case src == MetricTon && tgt == TonnesCO2e:
		if !ctx.HasGHGIntensity {
			return Zero(targetUnit), nil
		}
		return Value{amount: new(big.Rat).Mul(amount, ctx.GHGIntensity), unit: targetUnit}, nil
	case src == TonnesCO2e && tgt == MetricTon:
		if !ctx.HasGHGIntensity || ctx.GHGIntensity.Sign() == 0 {
			return Zero(targetUnit), nil
		}
		return Value{amount: new(big.Rat).Quo(amount, ctx.GHGIntensity), unit: targetUnit}, nil

	case isUnitLike(src) && tgt == KilowattHours:
		if !ctx.HasEnergyIntensity {
			return Zero(targetUnit), nil
		}
		return Value{amount: new(big.Rat).Mul(amount, ctx.EnergyIntensity), unit: targetUnit}, nil
	case src == KilowattHours && isUnitLike(tgt):
		if !ctx.HasEnergyIntensity || ctx.EnergyIntensity.Sign() == 0 {
			return Zero(targetUnit), nil
		}
		return Value{amount: new(big.Rat).Quo(amount, ctx.EnergyIntensity), unit: targetUnit}, nil

	case src == Percent:
		return c.convertFromPercent(amount, tgt, targetUnit, ctx)
	case tgt == Percent:
		return c.convertToPercent(amount, src, targetUnit, ctx)
	}

	return Value{}, ErrIncompatibleUnits
}

// convertFromPercent resolves "X%" against the state context into an
// absolute amount, then (if the caller asked for a unit other than the
// context's native unit) recurses to finish the conversion.
func (c Converter) convertFromPercent(pct *big.Rat, tgt, targetUnit string, ctx Context) (Value, error) {
	base, baseUnit, ok := percentBase(tgt, ctx)
	if !ok {
		base, baseUnit, ok = percentBase("", ctx)
	}
	if !ok {
		return Zero(targetUnit), nil
	}

	fraction := new(big.Rat).Quo(pct, big.NewRat(100, 1))
	absolute := new(big.Rat).Mul(fraction, base)

	if baseUnit == tgt {
		return Value{amount: absolute, unit: targetUnit}, nil
	}
	return c.Convert(Value{amount: absolute, unit: baseUnit}, targetUnit, ctx)
}

// convertToPercent is the inverse: express an amount as a percentage of
// the context's base quantity.
func (c Converter) convertToPercent(amount *big.Rat, src, targetUnit string, ctx Context) (Value, error) {
	base, baseUnit, ok := percentBase(src, ctx)
	if !ok {
		return Zero(targetUnit), nil
	}
	if baseUnit != src {
		converted, err := c.Convert(Value{amount: amount, unit: src}, baseUnit, ctx)
		if err != nil {
			return Value{}, err
		}
		amount = converted.Amount()
	}
	if base.Sign() == 0 {
		return Zero(targetUnit), nil
	}
	ratio := new(big.Rat).Quo(amount, base)
	return Value{amount: new(big.Rat).Mul(ratio, big.NewRat(100, 1)), unit: targetUnit}, nil
}

// percentBase picks which context quantity a "%" resolves against,
// preferring an explicit Volume override (used by caps/floors/replace)
// and falling back to Population (used by retirement and recharge
// population rates) when the target unit is equipment units.
func percentBase(preferredUnit string, ctx Context) (*big.Rat, string, bool) {
	if ctx.HasVolume && (preferredUnit == "" || preferredUnit == ctx.VolumeUnit) {
		return ctx.Volume, ctx.VolumeUnit, true
	}
	if ctx.HasPopulation && (preferredUnit == "" || isUnitLike(preferredUnit)) {
		return ctx.Population, Units, true
	}
	if ctx.HasVolume {
		return ctx.Volume, ctx.VolumeUnit, true
	}
	return nil, "", false
}

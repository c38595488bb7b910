// Package streams implements the stream keeper (C2): the per-substance
// store of stream values and parameterizations, the setStream routing
// algorithm, distribution math, and additive recovery / averaged yield
// combination.
//
// The keeper is deliberately not safe for concurrent use: an engine
// instance, and therefore its keeper, is single-threaded; parallelism
// comes from running independent engine instances, not from locking
// one.
package streams

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/example/kigalisim/internal/unit"
)

// Name identifies a stream within a substance entry.
type Name string

const (
	Domestic               Name = "domestic"
	Import                 Name = "import"
	Export                 Name = "export"
	Sales                  Name = "sales"
	Recycle                Name = "recycle"
	RecycleRecharge        Name = "recycleRecharge"
	RecycleEol             Name = "recycleEol"
	Consumption            Name = "consumption"
	Equipment              Name = "equipment"
	PriorEquipment         Name = "priorEquipment"
	NewEquipment           Name = "newEquipment"
	Retired                Name = "retired"
	PriorRetired           Name = "priorRetired"
	RechargeEmissions      Name = "rechargeEmissions"
	EolEmissions           Name = "eolEmissions"
	InitialChargeEmissions Name = "initialChargeEmissions"
	ImplicitRecharge       Name = "implicitRecharge"
	EnergyConsumption      Name = "energyConsumption"

	// RechargeChosen is not a real stream; it is a LastSpecified bookkeeping
	// key recording the explicit recharge kg volume a `recharge` operation
	// chose this step, so PopulationChange can prefer it over the implicit
	// recharge fallback.
	RechargeChosen Name = "rechargeChosen"
)

// baseUnits gives the canonical unit each stored (non-derived) stream is
// kept in. Sales and Recycle are derived at read time and never stored.
var baseUnits = map[Name]string{
	Domestic:               unit.Kilogram,
	Import:                 unit.Kilogram,
	Export:                 unit.Kilogram,
	RecycleRecharge:        unit.Kilogram,
	RecycleEol:             unit.Kilogram,
	Consumption:            unit.TonnesCO2e,
	Equipment:              unit.Units,
	PriorEquipment:         unit.Units,
	NewEquipment:           unit.Units,
	Retired:                unit.Units,
	PriorRetired:           unit.Units,
	RechargeEmissions:      unit.TonnesCO2e,
	EolEmissions:           unit.TonnesCO2e,
	InitialChargeEmissions: unit.TonnesCO2e,
	ImplicitRecharge:       unit.Kilogram,
	EnergyConsumption:      unit.KilowattHours,
}

// Stage distinguishes end-of-life recovery from recharge recovery for
// the parameters that are tracked per-stage.
type Stage int

const (
	EOL Stage = iota
	Recharge
)

func (s Stage) String() string {
	if s == EOL {
		return "eol"
	}
	return "recharge"
}

// Errors surfaced by the keeper. The engine façade passes them through
// unchanged; internal/operations prefixes most of them with the
// operation and stream name.
var (
	ErrNotEnabled             = errors.New("streams: stream not enabled")
	ErrUnknownStream          = errors.New("streams: unknown stream name")
	ErrDistributionNeedsEnable = errors.New("streams: distribution requires at least one enabled stream")
	ErrZeroInitialCharge      = errors.New("streams: initial charge is zero")
	ErrUnknownSubstance       = errors.New("streams: substance not known")
)

func IsKnownStream(name Name) bool {
	switch name {
	case Domestic, Import, Export, Sales, Recycle, RecycleRecharge, RecycleEol,
		Consumption, Equipment, PriorEquipment, NewEquipment, Retired, PriorRetired,
		RechargeEmissions, EolEmissions, InitialChargeEmissions, ImplicitRecharge, EnergyConsumption:
		return true
	}
	return false
}

// Parameterization holds the per-substance settings that are not
// themselves streams: rates, intensities, last-specified carry-over
// state, and the per-step flags the retire/replace state machines use.
type Parameterization struct {
	GHGIntensity    unit.Value
	HasGHGIntensity bool

	EnergyIntensity    unit.Value
	HasEnergyIntensity bool

	InitialCharge map[Name]unit.Value // keyed by Domestic / Import

	RetirementRate unit.Value

	RechargePopulation unit.Value
	RechargeIntensity  unit.Value

	RecoveryRate map[Stage]unit.Value
	YieldRate    map[Stage]unit.Value
	InductionRate map[Stage]unit.Value

	DisplacementRate unit.Value

	LastSpecified   map[Name]unit.Value
	SalesFreshlySet bool

	RetirementBasePopulation unit.Value
	HasRetirementBase        bool
	AppliedRetirement        unit.Value
	FirstRetireThisYear      bool

	HasRetireThisStep      bool
	WithReplacementThisStep bool
}

func newParameterization() *Parameterization {
	return &Parameterization{
		InitialCharge:      make(map[Name]unit.Value),
		RecoveryRate:       make(map[Stage]unit.Value),
		YieldRate:          make(map[Stage]unit.Value),
		InductionRate:      map[Stage]unit.Value{EOL: pct100(), Recharge: pct100()},
		LastSpecified:      make(map[Name]unit.Value),
		RetirementRate:     unit.Zero(unit.Percent),
		RechargePopulation: unit.Zero(unit.Percent),
		RechargeIntensity:  unit.Zero(unit.KgPerUnit),
		DisplacementRate:   pct100(),
		AppliedRetirement:  unit.Zero(unit.Units),
		FirstRetireThisYear: true,
	}
}

func pct100() unit.Value { return unit.NewFromInt(100, unit.Percent) }

// entry is one (application, substance) substance's full state.
type entry struct {
	values  map[Name]unit.Value
	enabled map[Name]bool
	param   *Parameterization
}

func newEntry() *entry {
	return &entry{
		values:  make(map[Name]unit.Value),
		enabled: make(map[Name]bool),
		param:   newParameterization(),
	}
}

// Distribution is the percentage split produced by getDistribution.
type Distribution struct {
	Domestic unit.Value
	Import   unit.Value
	Export   unit.Value
}

// Keeper is the stream keeper. It is not safe for concurrent use.
type Keeper struct {
	entries map[string]*entry
	conv    unit.Converter
}

// NewKeeper constructs an empty stream keeper.
func NewKeeper(conv unit.Converter) *Keeper {
	return &Keeper{entries: make(map[string]*entry), conv: conv}
}

// EnsureSubstance lazily creates the (application, substance) entry
// identified by key, initializing every stream to zero in its canonical
// unit.
func (k *Keeper) EnsureSubstance(key string) {
	if _, ok := k.entries[key]; ok {
		return
	}
	e := newEntry()
	for name, u := range baseUnits {
		e.values[name] = unit.Zero(u)
	}
	k.entries[key] = e
}

// HasSubstance reports whether key has been ensured.
func (k *Keeper) HasSubstance(key string) bool {
	_, ok := k.entries[key]
	return ok
}

// Keys returns every known (application, substance) key, in no
// particular order. The runner sorts these before emitting rows.
func (k *Keeper) Keys() []string {
	out := make([]string, 0, len(k.entries))
	for key := range k.entries {
		out = append(out, key)
	}
	return out
}

func (k *Keeper) get(key string) (*entry, error) {
	e, ok := k.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubstance, key)
	}
	return e, nil
}

// MarkStreamAsEnabled records that name has been explicitly enabled for
// key, permitting future non-zero writes.
func (k *Keeper) MarkStreamAsEnabled(key string, name Name) {
	k.EnsureSubstance(key)
	k.entries[key].enabled[name] = true
}

// HasStreamBeenEnabled reports whether name has been enabled for key.
func (k *Keeper) HasStreamBeenEnabled(key string, name Name) bool {
	e, ok := k.entries[key]
	if !ok {
		return false
	}
	return e.enabled[name]
}

// GetStream reads a stream value, computing the two derived streams
// (Sales, Recycle) on demand.
func (k *Keeper) GetStream(key string, name Name) (unit.Value, error) {
	e, err := k.get(key)
	if err != nil {
		return unit.Value{}, err
	}
	switch name {
	case Sales:
		dom := e.values[Domestic]
		imp := e.values[Import]
		rec, err := k.GetStream(key, Recycle)
		if err != nil {
			return unit.Value{}, err
		}
		sum, _ := dom.Add(imp)
		sum, _ = sum.Add(rec)
		return sum, nil
	case Recycle:
		rEol := e.values[RecycleEol]
		rRec := e.values[RecycleRecharge]
		sum, _ := rEol.Add(rRec)
		return sum, nil
	}
	v, ok := e.values[name]
	if !ok {
		return unit.Value{}, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return v, nil
}

// amortizedInitialCharge averages the domestic and import per-unit
// initial charges that have actually been set, falling back to
// whichever one is set, and to zero if neither is.
func (p *Parameterization) amortizedInitialCharge() *big.Rat {
	dom, hasDom := p.InitialCharge[Domestic]
	imp, hasImp := p.InitialCharge[Import]
	switch {
	case hasDom && hasImp:
		sum := new(big.Rat).Add(dom.Amount(), imp.Amount())
		return new(big.Rat).Quo(sum, big.NewRat(2, 1))
	case hasDom:
		return dom.Amount()
	case hasImp:
		return imp.Amount()
	default:
		return new(big.Rat)
	}
}

func isUnitBased(u string) bool {
	return u == unit.Units || u == unit.Unit
}

// SetStream routes a write to name through the algorithm described for
// the stream keeper: recycling-aware for domestic/import/sales,
// proportional-split for recycle, pass-through otherwise. Every call site
// in the engine passes subtractRecycling=true; false stores a domestic or
// import write as kg directly, with no recycling subtraction.
func (k *Keeper) SetStream(key string, name Name, value unit.Value, subtractRecycling bool) error {
	k.EnsureSubstance(key)
	e := k.entries[key]

	if (name == Domestic || name == Import || name == Export) && value.Sign() != 0 && !e.enabled[name] {
		return fmt.Errorf("%w: %s", ErrNotEnabled, name)
	}

	ctx := unit.Context{}.WithAmortizedUnitVolume(e.param.amortizedInitialCharge())

	switch {
	case !subtractRecycling && (name == Domestic || name == Import):
		kg, err := k.conv.Convert(value, unit.Kilogram, ctx)
		if err != nil {
			return err
		}
		e.values[name] = kg
		e.param.LastSpecified[name] = value
		return nil

	case name == Sales:
		if isUnitBased(value.Unit()) && e.param.amortizedInitialCharge().Sign() == 0 {
			return fmt.Errorf("%w: cannot set sales by units", ErrZeroInitialCharge)
		}
		kg, err := k.conv.Convert(value, unit.Kilogram, ctx)
		if err != nil {
			return err
		}
		recycle, err := k.GetStream(key, Recycle)
		if err != nil {
			return err
		}
		virgin, _ := kg.Sub(recycle)
		virgin = virgin.ClampNonNegative()

		dist, err := k.GetDistribution(key, false)
		if err != nil {
			return err
		}
		domKg := virgin.Scale(dist.Domestic.Amount()).Scale(big.NewRat(1, 100))
		impKg := virgin.Scale(dist.Import.Amount()).Scale(big.NewRat(1, 100))
		e.values[Domestic] = domKg
		e.values[Import] = impKg
		e.param.LastSpecified[Sales] = value
		e.param.SalesFreshlySet = true
		return nil

	case name == Domestic || name == Import:
		if !e.enabled[Domestic] && !e.enabled[Import] {
			return fmt.Errorf("%w: %s", ErrNotEnabled, name)
		}
		if isUnitBased(value.Unit()) && e.param.amortizedInitialCharge().Sign() == 0 {
			return fmt.Errorf("%w: cannot set %s by units", ErrZeroInitialCharge, name)
		}
		kg, err := k.conv.Convert(value, unit.Kilogram, ctx)
		if err != nil {
			return err
		}
		recycle, err := k.GetStream(key, Recycle)
		if err != nil {
			return err
		}
		dist, err := k.GetDistribution(key, false)
		if err != nil {
			return err
		}
		share := dist.Domestic
		if name == Import {
			share = dist.Import
		}
		substreamRecycle := recycle.Scale(share.Amount()).Scale(big.NewRat(1, 100))
		remainder, _ := kg.Sub(substreamRecycle)
		remainder = remainder.ClampNonNegative()
		e.values[name] = remainder
		e.param.LastSpecified[name] = value
		return nil

	case name == Recycle:
		kg, err := k.conv.Convert(value, unit.Kilogram, ctx)
		if err != nil {
			return err
		}
		curEol := e.values[RecycleEol].Amount()
		curRec := e.values[RecycleRecharge].Amount()
		total := new(big.Rat).Add(curEol, curRec)

		var eolShare, rechShare *big.Rat
		if total.Sign() > 0 {
			eolShare = new(big.Rat).Quo(curEol, total)
			rechShare = new(big.Rat).Quo(curRec, total)
		} else {
			eolShare = big.NewRat(1, 2)
			rechShare = big.NewRat(1, 2)
		}
		e.values[RecycleEol] = unit.NewFromRat(new(big.Rat).Mul(kg.Amount(), eolShare), unit.Kilogram)
		e.values[RecycleRecharge] = unit.NewFromRat(new(big.Rat).Mul(kg.Amount(), rechShare), unit.Kilogram)
		return nil

	default:
		target, ok := baseUnits[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStream, name)
		}
		converted, err := k.conv.Convert(value, target, ctx)
		if err != nil {
			return err
		}
		e.values[name] = converted
		e.param.LastSpecified[name] = value
		return nil
	}
}

// GetDistribution computes the domestic/import/export percentage split
// used to route sales writes and recycling subtraction.
func (k *Keeper) GetDistribution(key string, includeExports bool) (Distribution, error) {
	e, err := k.get(key)
	if err != nil {
		return Distribution{}, err
	}

	dom := e.values[Domestic].Amount()
	imp := e.values[Import].Amount()
	exp := e.values[Export].Amount()
	if !includeExports {
		exp = new(big.Rat)
	}
	sum := new(big.Rat).Add(new(big.Rat).Add(dom, imp), exp)

	hundred := big.NewRat(100, 1)
	if sum.Sign() > 0 {
		pct := func(v *big.Rat) unit.Value {
			return unit.NewFromRat(new(big.Rat).Mul(new(big.Rat).Quo(v, sum), hundred), unit.Percent)
		}
		return Distribution{Domestic: pct(dom), Import: pct(imp), Export: pct(exp)}, nil
	}

	enabledCount := 0
	var which []Name
	for _, n := range []Name{Domestic, Import, Export} {
		if n == Export && !includeExports {
			continue
		}
		if e.enabled[n] {
			enabledCount++
			which = append(which, n)
		}
	}

	result := Distribution{Domestic: unit.Zero(unit.Percent), Import: unit.Zero(unit.Percent), Export: unit.Zero(unit.Percent)}
	switch enabledCount {
	case 0:
		return Distribution{}, ErrDistributionNeedsEnable
	case 1:
		setShare(&result, which[0], hundred)
	default:
		share := new(big.Rat).Quo(hundred, big.NewRat(int64(enabledCount), 1))
		for _, n := range which {
			setShare(&result, n, share)
		}
	}
	return result, nil
}

func setShare(d *Distribution, name Name, share *big.Rat) {
	v := unit.NewFromRat(share, unit.Percent)
	switch name {
	case Domestic:
		d.Domestic = v
	case Import:
		d.Import = v
	case Export:
		d.Export = v
	}
}

// SetInitialCharge records the per-unit kg initial charge for a
// domestic or import stream.
func (k *Keeper) SetInitialCharge(key string, stream Name, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].param.InitialCharge[stream] = value
}

// GetInitialCharge returns the per-unit kg initial charge for stream,
// zero if unset.
func (k *Keeper) GetInitialCharge(key string, stream Name) unit.Value {
	k.EnsureSubstance(key)
	if v, ok := k.entries[key].param.InitialCharge[stream]; ok {
		return v
	}
	return unit.Zero(unit.Kilogram)
}

// AmortizedInitialCharge returns the averaged domestic/import initial
// charge used by units<->kg conversions for this substance.
func (k *Keeper) AmortizedInitialCharge(key string) unit.Value {
	k.EnsureSubstance(key)
	return unit.NewFromRat(k.entries[key].param.amortizedInitialCharge(), unit.KgPerUnit)
}

func (k *Keeper) SetRetirementRate(key string, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].param.RetirementRate = value
}

func (k *Keeper) GetRetirementRate(key string) unit.Value {
	k.EnsureSubstance(key)
	return k.entries[key].param.RetirementRate
}

func (k *Keeper) SetRechargePopulation(key string, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].param.RechargePopulation = value
}

func (k *Keeper) GetRechargePopulation(key string) unit.Value {
	k.EnsureSubstance(key)
	return k.entries[key].param.RechargePopulation
}

func (k *Keeper) SetRechargeIntensity(key string, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].param.RechargeIntensity = value
}

func (k *Keeper) GetRechargeIntensity(key string) unit.Value {
	k.EnsureSubstance(key)
	return k.entries[key].param.RechargeIntensity
}

// SetRecoveryRate combines new additively onto any existing recovery
// rate for stage: repeated recover operations within the same year
// accumulate rather than overwrite.
func (k *Keeper) SetRecoveryRate(key string, stage Stage, value unit.Value) {
	k.EnsureSubstance(key)
	p := k.entries[key].param
	existing, ok := p.RecoveryRate[stage]
	if !ok || existing.Sign() <= 0 {
		p.RecoveryRate[stage] = value
		return
	}
	sum, _ := existing.Add(value)
	p.RecoveryRate[stage] = sum
}

func (k *Keeper) GetRecoveryRate(key string, stage Stage) unit.Value {
	k.EnsureSubstance(key)
	if v, ok := k.entries[key].param.RecoveryRate[stage]; ok {
		return v
	}
	return unit.Zero(unit.Percent)
}

// SetYieldRate combines new as a simple average onto any existing yield
// rate for stage.
func (k *Keeper) SetYieldRate(key string, stage Stage, value unit.Value) {
	k.EnsureSubstance(key)
	p := k.entries[key].param
	existing, ok := p.YieldRate[stage]
	if !ok || existing.Sign() <= 0 {
		p.YieldRate[stage] = value
		return
	}
	avg := new(big.Rat).Add(existing.Amount(), value.Amount())
	avg = avg.Quo(avg, big.NewRat(2, 1))
	p.YieldRate[stage] = unit.NewFromRat(avg, unit.Percent)
}

func (k *Keeper) GetYieldRate(key string, stage Stage) unit.Value {
	k.EnsureSubstance(key)
	if v, ok := k.entries[key].param.YieldRate[stage]; ok {
		return v
	}
	return unit.Zero(unit.Percent)
}

func (k *Keeper) SetDisplacementRate(key string, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].param.DisplacementRate = value
}

func (k *Keeper) GetDisplacementRate(key string) unit.Value {
	k.EnsureSubstance(key)
	return k.entries[key].param.DisplacementRate
}

func (k *Keeper) SetLastSpecifiedValue(key string, name Name, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].param.LastSpecified[name] = value
}

func (k *Keeper) GetLastSpecifiedValue(key string, name Name) (unit.Value, bool) {
	k.EnsureSubstance(key)
	v, ok := k.entries[key].param.LastSpecified[name]
	return v, ok
}

// Param exposes the mutable parameterization for a substance so that
// the recalc package and operation vocabulary can read/update the
// per-step flags (retirement base population, replacement stickiness,
// and so on) without the keeper growing a method per flag.
func (k *Keeper) Param(key string) *Parameterization {
	k.EnsureSubstance(key)
	return k.entries[key].param
}

// SetRaw stores value verbatim for name, bypassing the routing
// algorithm. Used internally by the recalc strategies, which have
// already computed the canonical-unit amount themselves.
func (k *Keeper) SetRaw(key string, name Name, value unit.Value) {
	k.EnsureSubstance(key)
	k.entries[key].values[name] = value
}

// IncrementYear resets the per-timestep parameterization state for
// every known substance: the prior-equipment snapshot advances, stage
// recovery rates and retirement/replacement flags reset, and yield
// rates (which represent equipment already in the field, not a fresh
// policy) persist.
//
// Retired is a running cumulative total across the whole simulation,
// never reset here — EolEmissions reads retired-priorRetired as this
// year's delta, so priorRetired is instead captured from the running
// total at the first retire event of the new year (see
// recalc.Retire's FirstRetireThisYear gate), the same way
// RetirementBasePopulation is captured once per year rather than
// rebuilt from a reset value.
func (k *Keeper) IncrementYear() {
	for _, e := range k.entries {
		e.values[PriorEquipment] = e.values[Equipment]
		e.values[NewEquipment] = unit.Zero(unit.Units)
		e.values[ImplicitRecharge] = unit.Zero(unit.Kilogram)

		p := e.param
		p.RecoveryRate = make(map[Stage]unit.Value)
		p.RetirementRate = unit.Zero(unit.Percent)
		p.RechargePopulation = unit.Zero(unit.Percent)
		p.HasRetirementBase = false
		p.RetirementBasePopulation = unit.Value{}
		p.AppliedRetirement = unit.Zero(unit.Units)
		p.FirstRetireThisYear = true
		p.HasRetireThisStep = false
		p.SalesFreshlySet = false
	}
}

package operations_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/operations"
	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

func kg(t *testing.T, amount float64) unit.Value {
	t.Helper()
	v, err := unit.NewFromFloat(amount, unit.Kilogram)
	require.NoError(t, err)
	return v
}

func pct(t *testing.T, amount float64) unit.Value {
	t.Helper()
	v, err := unit.NewFromFloat(amount, unit.Percent)
	require.NoError(t, err)
	return v
}

func units(t *testing.T, amount float64) unit.Value {
	t.Helper()
	v, err := unit.NewFromFloat(amount, unit.Units)
	require.NoError(t, err)
	return v
}

func newEngine(t *testing.T, app, substance string) *engine.Engine {
	t.Helper()
	e := engine.New(1, 10)
	e.SetScope(scope.New("default").WithApplication(app).WithSubstance(substance))
	return e
}

// Scenario 1 from the end-to-end property set, first year only: with a
// 1 kg/unit initial charge, 100 units of domestic sales and a 100%
// retirement leave the installed population non-negative.
func TestBasicRechargeWithFullRetirement(t *testing.T) {
	e := newEngine(t, "refrigeration", "HFC-134a")
	operations.Enable(e, streams.Domestic, operations.Unbounded)

	kgPerUnit, err := unit.NewFromFloat(1, unit.KgPerUnit)
	require.NoError(t, err)
	e.Keeper().SetInitialCharge(e.Scope().Key(), streams.Domestic, kgPerUnit)

	require.NoError(t, operations.Set(e, streams.Domestic, units(t, 100), operations.Unbounded))
	require.NoError(t, operations.Retire(e, pct(t, 100), false, operations.Unbounded))

	population, err := e.GetStream(streams.Equipment)
	require.NoError(t, err)
	assert.True(t, population.Sign() >= 0)
}

// Scenario 6: replacing a substance with itself is always rejected.
func TestSelfReplaceRejected(t *testing.T) {
	e := newEngine(t, "refrigeration", "HFC-134a")
	operations.Enable(e, streams.Import, operations.Unbounded)
	require.NoError(t, operations.Set(e, streams.Import, kg(t, 100), operations.Unbounded))

	self := e.Scope()
	err := operations.Replace(e, pct(t, 50), operations.ReplaceByPercent, streams.Import, self, streams.Import, operations.Unbounded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, operations.ErrSelfReplace))
}

func TestMixedRetirementReplacementRejected(t *testing.T) {
	e := newEngine(t, "refrigeration", "HFC-134a")
	operations.Enable(e, streams.Domestic, operations.Unbounded)
	require.NoError(t, operations.Set(e, streams.Domestic, kg(t, 1000), operations.Unbounded))

	require.NoError(t, operations.Retire(e, pct(t, 5), true, operations.Unbounded))
	err := operations.Retire(e, pct(t, 5), false, operations.Unbounded)
	require.Error(t, err)
	assert.True(t, errors.Is(err, operations.ErrMixedReplacement))
}

func TestReplaceAcrossSubstancesPreservesTotalEquipment(t *testing.T) {
	e := engine.New(1, 5)
	a := scope.New("default").WithApplication("refrigeration").WithSubstance("A")
	b := scope.New("default").WithApplication("refrigeration").WithSubstance("B")

	e.SetScope(a)
	operations.Enable(e, streams.Domestic, operations.Unbounded)
	kgPerUnit, err := unit.NewFromFloat(1, unit.KgPerUnit)
	require.NoError(t, err)
	e.Keeper().SetInitialCharge(a.Key(), streams.Domestic, kgPerUnit)
	require.NoError(t, operations.Set(e, streams.Domestic, kg(t, 1000), operations.Unbounded))

	e.SetScope(b)
	operations.Enable(e, streams.Domestic, operations.Unbounded)
	e.Keeper().SetInitialCharge(b.Key(), streams.Domestic, kgPerUnit)
	require.NoError(t, operations.Set(e, streams.Domestic, kg(t, 0), operations.Unbounded))

	before, err := e.Keeper().GetStream(a.Key(), streams.Equipment)
	require.NoError(t, err)
	beforeB, err := e.Keeper().GetStream(b.Key(), streams.Equipment)
	require.NoError(t, err)
	totalBefore, _ := before.Add(beforeB)

	e.SetScope(a)
	require.NoError(t, operations.Replace(e, pct(t, 100), operations.ReplaceByPercent, streams.Domestic, b, streams.Domestic, operations.Unbounded))

	afterA, err := e.Keeper().GetStream(a.Key(), streams.Equipment)
	require.NoError(t, err)
	afterB, err := e.Keeper().GetStream(b.Key(), streams.Equipment)
	require.NoError(t, err)
	totalAfter, _ := afterA.Add(afterB)

	assert.Equal(t, totalBefore.Amount().FloatString(3), totalAfter.Amount().FloatString(3))
}

func TestOutOfRangeOperationIsNoop(t *testing.T) {
	e := newEngine(t, "refrigeration", "HFC-134a")
	operations.Enable(e, streams.Domestic, operations.Unbounded)
	require.NoError(t, operations.Set(e, streams.Domestic, kg(t, 100), operations.Unbounded))

	before, err := e.GetStream(streams.Domestic)
	require.NoError(t, err)

	future := 2050
	err = operations.Set(e, streams.Domestic, kg(t, 999), operations.YearRange{Start: &future})
	require.NoError(t, err)

	after, err := e.GetStream(streams.Domestic)
	require.NoError(t, err)
	assert.Equal(t, before.Amount().FloatString(6), after.Amount().FloatString(6))
}

func TestAdditiveRecoveryMatchesSingleCombinedRecover(t *testing.T) {
	yieldRate := pct(t, 90)

	e1 := newEngine(t, "refrigeration", "HFC-134a")
	operations.Enable(e1, streams.Domestic, operations.Unbounded)
	require.NoError(t, operations.Set(e1, streams.Domestic, kg(t, 1000), operations.Unbounded))
	require.NoError(t, operations.Recycle(e1, pct(t, 10), yieldRate, streams.EOL, operations.Unbounded))
	require.NoError(t, operations.Recycle(e1, pct(t, 15), yieldRate, streams.EOL, operations.Unbounded))

	e2 := newEngine(t, "refrigeration", "HFC-134a")
	operations.Enable(e2, streams.Domestic, operations.Unbounded)
	require.NoError(t, operations.Set(e2, streams.Domestic, kg(t, 1000), operations.Unbounded))
	require.NoError(t, operations.Recycle(e2, pct(t, 25), yieldRate, streams.EOL, operations.Unbounded))

	r1 := e1.Keeper().GetRecoveryRate(e1.Scope().Key(), streams.EOL)
	r2 := e2.Keeper().GetRecoveryRate(e2.Scope().Key(), streams.EOL)
	assert.Equal(t, r1.Amount().FloatString(6), r2.Amount().FloatString(6))
}

package streams_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

func newKeeper() *streams.Keeper {
	return streams.NewKeeper(unit.NewConverter())
}

const key = "refrigeration\x00HFC-134a"

func mustKg(t *testing.T, amount float64) unit.Value {
	t.Helper()
	v, err := unit.NewFromFloat(amount, unit.Kilogram)
	require.NoError(t, err)
	return v
}

func TestSetStreamRequiresEnableForNonZero(t *testing.T) {
	k := newKeeper()
	k.EnsureSubstance(key)
	err := k.SetStream(key, streams.Domestic, mustKg(t, 10), true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, streams.ErrNotEnabled))
}

func TestSetStreamAllowsZeroWithoutEnable(t *testing.T) {
	k := newKeeper()
	k.EnsureSubstance(key)
	err := k.SetStream(key, streams.Domestic, mustKg(t, 0), true)
	require.NoError(t, err)
}

func TestSalesSplitsBetweenDomesticAndImport(t *testing.T) {
	k := newKeeper()
	k.MarkStreamAsEnabled(key, streams.Domestic)
	k.MarkStreamAsEnabled(key, streams.Import)

	require.NoError(t, k.SetStream(key, streams.Domestic, mustKg(t, 60), true))
	require.NoError(t, k.SetStream(key, streams.Import, mustKg(t, 40), true))

	sales, err := k.GetStream(key, streams.Sales)
	require.NoError(t, err)
	assert.Equal(t, "100", sales.Amount().FloatString(0))

	require.NoError(t, k.SetStream(key, streams.Sales, mustKg(t, 200), true))
	domestic, err := k.GetStream(key, streams.Domestic)
	require.NoError(t, err)
	imp, err := k.GetStream(key, streams.Import)
	require.NoError(t, err)
	sum, _ := domestic.Add(imp)
	assert.Equal(t, "200", sum.Amount().FloatString(0))
}

func TestRecycleSplitsBetweenRechargeAndEol(t *testing.T) {
	k := newKeeper()
	k.MarkStreamAsEnabled(key, streams.Domestic)
	require.NoError(t, k.SetStream(key, streams.Domestic, mustKg(t, 100), true))

	require.NoError(t, k.SetStream(key, streams.Recycle, mustKg(t, 10), true))

	recharge, err := k.GetStream(key, streams.RecycleRecharge)
	require.NoError(t, err)
	eol, err := k.GetStream(key, streams.RecycleEol)
	require.NoError(t, err)
	sum, _ := recharge.Add(eol)
	assert.Equal(t, "10", sum.Amount().FloatString(0))

	recycle, err := k.GetStream(key, streams.Recycle)
	require.NoError(t, err)
	assert.Equal(t, "10", recycle.Amount().FloatString(0))
}

func TestGetDistributionRequiresAnEnabledStream(t *testing.T) {
	k := newKeeper()
	k.EnsureSubstance(key)
	_, err := k.GetDistribution(key, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, streams.ErrDistributionNeedsEnable))
}

func TestGetDistributionEqualSplitWhenBothZeroAndEnabled(t *testing.T) {
	k := newKeeper()
	k.MarkStreamAsEnabled(key, streams.Domestic)
	k.MarkStreamAsEnabled(key, streams.Import)

	dist, err := k.GetDistribution(key, false)
	require.NoError(t, err)
	assert.Equal(t, "50", dist.Domestic.Amount().FloatString(0))
	assert.Equal(t, "50", dist.Import.Amount().FloatString(0))
}

func TestGetDistributionExcludesExportsWhenNotIncluded(t *testing.T) {
	k := newKeeper()
	k.MarkStreamAsEnabled(key, streams.Domestic)
	k.MarkStreamAsEnabled(key, streams.Export)
	require.NoError(t, k.SetStream(key, streams.Domestic, mustKg(t, 50), true))
	require.NoError(t, k.SetStream(key, streams.Export, mustKg(t, 50), false))

	dist, err := k.GetDistribution(key, false)
	require.NoError(t, err)
	assert.Equal(t, 0, dist.Export.Amount().Sign())
}

func TestSetRecoveryRateAccumulatesAdditively(t *testing.T) {
	k := newKeeper()
	k.EnsureSubstance(key)

	r1, err := unit.NewFromFloat(10, unit.Percent)
	require.NoError(t, err)
	r2, err := unit.NewFromFloat(15, unit.Percent)
	require.NoError(t, err)

	k.SetRecoveryRate(key, streams.EOL, r1)
	k.SetRecoveryRate(key, streams.EOL, r2)

	combined := k.GetRecoveryRate(key, streams.EOL)
	assert.Equal(t, "25", combined.Amount().FloatString(0))
}

func TestSetYieldRateAverages(t *testing.T) {
	k := newKeeper()
	k.EnsureSubstance(key)

	y1, err := unit.NewFromFloat(80, unit.Percent)
	require.NoError(t, err)
	y2, err := unit.NewFromFloat(90, unit.Percent)
	require.NoError(t, err)

	k.SetYieldRate(key, streams.Recharge, y1)
	k.SetYieldRate(key, streams.Recharge, y2)

	combined := k.GetYieldRate(key, streams.Recharge)
	assert.Equal(t, "85", combined.Amount().FloatString(0))
}

func TestIncrementYearRollsPriorEquipmentAndResetsRates(t *testing.T) {
	k := newKeeper()
	k.MarkStreamAsEnabled(key, streams.Domestic)
	require.NoError(t, k.SetStream(key, streams.Domestic, mustKg(t, 100), true))
	k.SetRaw(key, streams.Equipment, mustKg(t, 500))

	r, err := unit.NewFromFloat(20, unit.Percent)
	require.NoError(t, err)
	k.SetRecoveryRate(key, streams.EOL, r)

	k.IncrementYear()

	prior, err := k.GetStream(key, streams.PriorEquipment)
	require.NoError(t, err)
	assert.Equal(t, "500", prior.Amount().FloatString(0))

	reset := k.GetRecoveryRate(key, streams.EOL)
	assert.Equal(t, 0, reset.Sign(), "recovery rate resets to zero each year; a fresh recover is required")
}

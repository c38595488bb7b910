package unit

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromFloatRejectsNonFinite(t *testing.T) {
	_, err := NewFromFloat(math.NaN(), Kilogram)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNaN)

	_, err = NewFromFloat(math.Inf(1), Kilogram)
	require.ErrorIs(t, err, ErrNaN)
}

func TestValueIsZeroExact(t *testing.T) {
	v := Zero(Kilogram)
	assert.True(t, v.IsZero())

	nonZero, err := NewFromFloat(0.0000001, Kilogram)
	require.NoError(t, err)
	assert.False(t, nonZero.IsZero())
}

func TestAddRequiresMatchingUnit(t *testing.T) {
	a := NewFromInt(10, Kilogram)
	b := NewFromInt(5, MetricTon)
	_, err := a.Add(b)
	assert.Error(t, err)

	c := NewFromInt(5, Kilogram)
	sum, err := a.Add(c)
	require.NoError(t, err)
	assert.Equal(t, "15 kg", sum.String())
}

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, KgPerUnit, Normalize("kg  /   unit"))
	assert.Equal(t, Percent, Normalize(" % "))
}

func TestIsAnnualRate(t *testing.T) {
	assert.True(t, IsAnnualRate(PercentPerYear))
	assert.True(t, IsAnnualRate(Normalize("kg / year")))
	assert.False(t, IsAnnualRate(Kilogram))
}

func TestConvertMassScaling(t *testing.T) {
	conv := NewConverter()
	kg := NewFromInt(2000, Kilogram)
	mt, err := conv.Convert(kg, MetricTon, Context{})
	require.NoError(t, err)
	assert.Equal(t, "2 mt", mt.String())

	back, err := conv.Convert(mt, Kilogram, Context{})
	require.NoError(t, err)
	assert.Equal(t, "2000 kg", back.String())
}

func TestConvertUnitsToKgRequiresAmortizedVolume(t *testing.T) {
	conv := NewConverter()
	units := NewFromInt(10, Units)

	zero, err := conv.Convert(units, Kilogram, Context{})
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	ctx := Context{}.WithAmortizedUnitVolume(big.NewRat(5, 1))
	kg, err := conv.Convert(units, Kilogram, ctx)
	require.NoError(t, err)
	assert.Equal(t, "50 kg", kg.String())

	backToUnits, err := conv.Convert(kg, Units, ctx)
	require.NoError(t, err)
	assert.Equal(t, "10 units", backToUnits.String())
}

func TestConvertKgToTCO2eUsesGHGIntensity(t *testing.T) {
	conv := NewConverter()
	kg := NewFromInt(1000, Kilogram)
	ctx := Context{}.WithGHGIntensity(big.NewRat(1430, 1))

	tco2e, err := conv.Convert(kg, TonnesCO2e, ctx)
	require.NoError(t, err)
	assert.Equal(t, "1430 tCO2e", tco2e.String())

	kgco2e, err := conv.Convert(kg, KilogramsCO2e, ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.43e+06 kgCO2e", kgco2e.String())
}

func TestConvertPercentOfPopulation(t *testing.T) {
	conv := NewConverter()
	pct, err := NewFromFloat(10, Percent)
	require.NoError(t, err)

	ctx := Context{}.WithPopulation(big.NewRat(1000, 1))
	units, err := conv.Convert(pct, Units, ctx)
	require.NoError(t, err)
	assert.Equal(t, "100 units", units.String())
}

func TestConvertPercentOfVolumeRoundTrip(t *testing.T) {
	conv := NewConverter()
	ctx := Context{}.WithVolume(big.NewRat(500, 1), Kilogram)

	pct, err := NewFromFloat(20, Percent)
	require.NoError(t, err)
	kg, err := conv.Convert(pct, Kilogram, ctx)
	require.NoError(t, err)
	assert.Equal(t, "100 kg", kg.String())

	back, err := conv.Convert(kg, Percent, ctx)
	require.NoError(t, err)
	assert.Equal(t, "20 %", back.String())
}

func TestConvertIncompatibleUnitsErrors(t *testing.T) {
	conv := NewConverter()
	kg := NewFromInt(1, Kilogram)
	_, err := conv.Convert(kg, Years, Context{})
	assert.ErrorIs(t, err, ErrIncompatibleUnits)
}

func TestConvertSameUnitIsNoop(t *testing.T) {
	conv := NewConverter()
	kg := NewFromInt(42, Kilogram)
	out, err := conv.Convert(kg, Kilogram, Context{})
	require.NoError(t, err)
	assert.Equal(t, kg, out)
}

package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/streams"
)

func TestIncrementYearAdvancesAndResets(t *testing.T) {
	e := engine.New(2025, 2027)
	assert.Equal(t, 2025, e.CurrentYear())
	assert.False(t, e.IsDone())

	require.NoError(t, e.IncrementYear())
	assert.Equal(t, 2026, e.CurrentYear())

	require.NoError(t, e.IncrementYear())
	assert.Equal(t, 2027, e.CurrentYear())
	assert.False(t, e.IsDone())

	require.NoError(t, e.IncrementYear())
	assert.True(t, e.IsDone())

	err := e.IncrementYear()
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrYearExhausted))
}

func TestInRangeGating(t *testing.T) {
	e := engine.New(2025, 2030)
	require.NoError(t, e.IncrementYear())
	require.NoError(t, e.IncrementYear())
	assert.Equal(t, 2027, e.CurrentYear())

	start, end := 2025, 2026
	assert.False(t, e.InRange(&start, &end), "current year 2027 is past the matcher's end")

	start2 := 2027
	assert.True(t, e.InRange(&start2, nil))
	assert.True(t, e.InRange(nil, nil))
}

func TestSetScopeIsolatesSubstanceState(t *testing.T) {
	e := engine.New(2025, 2025)
	a := scope.New("default").WithApplication("refrigeration").WithSubstance("A")
	b := scope.New("default").WithApplication("refrigeration").WithSubstance("B")

	e.SetScope(a)
	e.EnsureCurrentSubstance()
	e.SetScope(b)
	e.EnsureCurrentSubstance()

	assert.True(t, e.Keeper().HasSubstance(a.Key()))
	assert.True(t, e.Keeper().HasSubstance(b.Key()))
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestGetStreamIndirectReadsAnotherScope(t *testing.T) {
	e := engine.New(2025, 2025)
	a := scope.New("default").WithApplication("refrigeration").WithSubstance("A")
	b := scope.New("default").WithApplication("refrigeration").WithSubstance("B")

	e.SetScope(a)
	e.EnsureCurrentSubstance()
	e.SetScope(b)
	e.EnsureCurrentSubstance()

	val, err := e.GetStreamIndirect(a, streams.Equipment, false)
	require.NoError(t, err)
	assert.True(t, val.IsZero())
}

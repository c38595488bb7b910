package scope_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/unit"
)

func TestScopeDescendIsImmutable(t *testing.T) {
	root := scope.New("default")
	app := root.WithApplication("refrigeration")
	sub := app.WithSubstance("HFC-134a")

	assert.False(t, root.HasApplication())
	assert.True(t, app.HasApplication())
	assert.False(t, app.HasSubstance())
	assert.True(t, sub.HasSubstance())
	assert.Equal(t, "refrigeration", sub.Application())
	assert.Equal(t, "HFC-134a", sub.Substance())
}

func TestScopeKeyIdentifiesApplicationSubstancePair(t *testing.T) {
	a := scope.New("default").WithApplication("refrigeration").WithSubstance("HFC-134a")
	b := scope.New("policyX").WithApplication("refrigeration").WithSubstance("HFC-134a")
	c := scope.New("default").WithApplication("refrigeration").WithSubstance("R-404A")

	assert.Equal(t, a.Key(), b.Key(), "stanza does not participate in the stream-addressing key")
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestVariablesReservedNamesRejectWrites(t *testing.T) {
	v := scope.NewVariables()
	s := scope.New("default").WithApplication("refrigeration").WithSubstance("HFC-134a")

	err := v.Define(s, scope.YearsElapsed, unit.NewFromInt(5, unit.Years))
	require.Error(t, err)
	assert.True(t, errors.Is(err, scope.ErrReservedVariable))

	err = v.Define(s, scope.YearAbsolute, unit.NewFromInt(2030, unit.Year))
	require.Error(t, err)
	assert.True(t, errors.Is(err, scope.ErrReservedVariable))
}

func TestVariablesReservedNamesResolveFromTimeContext(t *testing.T) {
	v := scope.NewVariables()
	s := scope.New("default").WithApplication("refrigeration").WithSubstance("HFC-134a")
	tc := scope.TimeContext{StartYear: 2025, CurrentYear: 2028}

	elapsed, err := v.Get(s, scope.YearsElapsed, tc)
	require.NoError(t, err)
	assert.Equal(t, int64(3), elapsed.Amount().Num().Int64())

	abs, err := v.Get(s, scope.YearAbsolute, tc)
	require.NoError(t, err)
	assert.Equal(t, int64(2028), abs.Amount().Num().Int64())
}

func TestVariablesFallThroughHierarchy(t *testing.T) {
	v := scope.NewVariables()
	stanza := scope.New("default")
	app := stanza.WithApplication("refrigeration")
	sub := app.WithSubstance("HFC-134a")
	tc := scope.TimeContext{}

	require.NoError(t, v.Define(stanza, "globalCap", unit.NewFromInt(1, unit.Percent)))
	val, err := v.Get(sub, "globalCap", tc)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val.Amount().Num().Int64())

	require.NoError(t, v.Define(app, "appVar", unit.NewFromInt(2, unit.Percent)))
	_, err = v.Get(stanza, "appVar", tc)
	assert.True(t, errors.Is(err, scope.ErrUndefinedVariable), "an application-level variable is not visible from its stanza")

	require.NoError(t, v.Define(sub, "subVar", unit.NewFromInt(3, unit.Percent)))
	other := app.WithSubstance("R-404A")
	_, err = v.Get(other, "subVar", tc)
	assert.True(t, errors.Is(err, scope.ErrUndefinedVariable), "a substance-level variable is scoped to that substance only")
}

func TestVariablesUndefinedNameErrors(t *testing.T) {
	v := scope.NewVariables()
	s := scope.New("default").WithApplication("refrigeration").WithSubstance("HFC-134a")
	_, err := v.Get(s, "doesNotExist", scope.TimeContext{})
	assert.True(t, errors.Is(err, scope.ErrUndefinedVariable))
}

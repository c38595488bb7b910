package runner_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/operations"
	"github.com/example/kigalisim/internal/runner"
	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

type fakeScenario struct {
	name             string
	trials           int
	startYear, endYear int
}

func (s fakeScenario) Name() string   { return s.name }
func (s fakeScenario) Trials() int    { return s.trials }
func (s fakeScenario) StartYear() int { return s.startYear }
func (s fakeScenario) EndYear() int   { return s.endYear }

func (s fakeScenario) ApplyYear(e *engine.Engine) error {
	target := scope.New("default").WithApplication("refrigeration").WithSubstance("HFC-134a")
	e.SetScope(target)
	if e.CurrentYear() == s.startYear {
		operations.Enable(e, streams.Domestic, operations.Unbounded)
	}
	v, err := unit.NewFromFloat(100, unit.Kilogram)
	if err != nil {
		return err
	}
	return operations.Set(e, streams.Domestic, v, operations.Unbounded)
}

type fakeProgram struct {
	scenarios []runner.Scenario
}

func (p fakeProgram) Scenarios() []runner.Scenario { return p.scenarios }

func TestRunProducesOneRowPerYearAndTrial(t *testing.T) {
	sc := fakeScenario{name: "BAU", trials: 2, startYear: 2025, endYear: 2026}
	program := fakeProgram{scenarios: []runner.Scenario{sc}}

	r := runner.New(nil, nil)
	rows, err := r.Run(program)
	require.NoError(t, err)

	assert.Len(t, rows, 4, "2 trials * 2 years * 1 substance")
	for _, row := range rows {
		assert.Equal(t, "BAU", row.Scenario)
		assert.Equal(t, "refrigeration", row.Application)
		assert.Equal(t, "HFC-134a", row.Substance)
		assert.Equal(t, "100.000000", row.Domestic.Amount().FloatString(6))
	}
}

func TestWriteCSVEmitsHeaderAndOneRecordPerRow(t *testing.T) {
	sc := fakeScenario{name: "BAU", trials: 1, startYear: 2025, endYear: 2025}
	program := fakeProgram{scenarios: []runner.Scenario{sc}}

	r := runner.New(nil, nil)
	rows, err := r.Run(program)
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, runner.WriteCSV(&buf, rows))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2, "one header line plus one data row")
	assert.True(t, strings.HasPrefix(lines[0], "scenario,trial,year,application,substance"))
	assert.True(t, strings.HasPrefix(lines[1], "BAU,0,2025,refrigeration,HFC-134a"))
}

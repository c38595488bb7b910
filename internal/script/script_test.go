package script_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/script"
)

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const basicDoc = `
scenarios:
  - name: BAU
    startYear: 2025
    endYear: 2027
    trials: 1
    policies:
      - application: refrigeration
        substance: HFC-134a
        operations:
          - op: enable
            stream: domestic
          - op: set
            stream: domestic
            value: 100
            unit: mt
`

func TestParseReadsScenariosAndDefaultsTrials(t *testing.T) {
	path := writeScript(t, basicDoc)
	doc, err := script.Parse(path)
	require.NoError(t, err)
	require.Len(t, doc.Scenarios, 1)
	assert.Equal(t, "BAU", doc.Scenarios[0].Name)
	assert.Equal(t, 1, doc.Scenarios[0].Trials)
}

func TestParseMissingFileReturnsPathError(t *testing.T) {
	_, err := script.Parse(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var pathErr *os.PathError
	assert.True(t, errors.As(err, &pathErr))
}

func TestParseRejectsDuplicateScenarioNames(t *testing.T) {
	doc := `
scenarios:
  - name: BAU
    startYear: 2025
    endYear: 2026
  - name: BAU
    startYear: 2025
    endYear: 2026
`
	path := writeScript(t, doc)
	_, err := script.Parse(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, script.ErrParse))
}

func TestParseRejectsEndYearBeforeStartYear(t *testing.T) {
	doc := `
scenarios:
  - name: BAU
    startYear: 2030
    endYear: 2020
`
	path := writeScript(t, doc)
	_, err := script.Parse(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, script.ErrParse))
}

func TestSelectNarrowsToOneScenario(t *testing.T) {
	doc := `
scenarios:
  - name: BAU
    startYear: 2025
    endYear: 2026
  - name: Policy
    startYear: 2025
    endYear: 2026
`
	path := writeScript(t, doc)
	full, err := script.Parse(path)
	require.NoError(t, err)

	narrowed, err := full.Select("Policy")
	require.NoError(t, err)
	require.Len(t, narrowed.Scenarios, 1)
	assert.Equal(t, "Policy", narrowed.Scenarios[0].Name)

	_, err = full.Select("does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, script.ErrScenarioNotFound))
}

func TestCompileRejectsUnknownOperation(t *testing.T) {
	doc := `
scenarios:
  - name: BAU
    startYear: 2025
    endYear: 2026
    policies:
      - application: refrigeration
        substance: HFC-134a
        operations:
          - op: not-a-real-op
`
	path := writeScript(t, doc)
	parsed, err := script.Parse(path)
	require.NoError(t, err)

	_, err = script.Compile(parsed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, script.ErrParse))
}

func TestCompiledProgramRunsThroughEngine(t *testing.T) {
	path := writeScript(t, basicDoc)
	parsed, err := script.Parse(path)
	require.NoError(t, err)

	program, err := script.Compile(parsed)
	require.NoError(t, err)

	scenarios := program.Scenarios()
	require.Len(t, scenarios, 1)
	sc := scenarios[0]
	assert.Equal(t, "BAU", sc.Name())
	assert.Equal(t, 2025, sc.StartYear())
	assert.Equal(t, 2027, sc.EndYear())

	e := engine.New(sc.StartYear(), sc.EndYear())
	require.NoError(t, sc.ApplyYear(e))
}

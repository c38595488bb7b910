// Package engine implements the single-scenario orchestrator (C6): the
// façade operations vocabulary (C5) runs against. It owns the year
// cursor, the current scope, and the stream keeper + converter pair
// every recalc strategy needs.
//
// An Engine is built once per scenario/trial and is not safe for
// concurrent use; running many trials in parallel means constructing
// one Engine per goroutine, never sharing one.
package engine

import (
	"errors"
	"fmt"

	"github.com/example/kigalisim/internal/random"
	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

// ErrYearExhausted is returned by IncrementYear once the cursor has
// already advanced past EndYear.
var ErrYearExhausted = errors.New("engine: year range exhausted")

// Engine is the per-scenario simulation façade.
type Engine struct {
	startYear, endYear, currentYear int
	trialNumber                     int

	cur       scope.Scope
	keeper    *streams.Keeper
	conv      unit.Converter
	variables *scope.Variables
	rng       *random.Source
}

// New constructs an Engine covering [startYear, endYear] inclusive,
// with the cursor positioned at startYear.
func New(startYear, endYear int) *Engine {
	conv := unit.NewConverter()
	return &Engine{
		startYear:   startYear,
		endYear:     endYear,
		currentYear: startYear,
		cur:         scope.New("default"),
		keeper:      streams.NewKeeper(conv),
		conv:        conv,
		variables:   scope.NewVariables(),
		rng:         random.NewSource("default", 0),
	}
}

// SeedRandom reseeds the engine's Monte Carlo source for a given
// scenario name and trial number. The runner calls this once per
// (scenario, trial) before executing that trial's operations.
func (e *Engine) SeedRandom(scenarioName string, trial int) {
	e.rng = random.NewSource(scenarioName, trial)
}

// Random returns the engine's Monte Carlo source.
func (e *Engine) Random() *random.Source { return e.rng }

// StartYear returns the first year of the scenario.
func (e *Engine) StartYear() int { return e.startYear }

// EndYear returns the last year of the scenario.
func (e *Engine) EndYear() int { return e.endYear }

// CurrentYear returns the year the engine is presently evaluating.
func (e *Engine) CurrentYear() int { return e.currentYear }

// IsDone reports whether the scenario has finished (the cursor has
// advanced past EndYear).
func (e *Engine) IsDone() bool { return e.currentYear > e.endYear }

// IncrementYear advances the cursor by one year and resets the stream
// keeper's per-timestep parameterization state. It fails once the
// cursor has already moved past EndYear.
func (e *Engine) IncrementYear() error {
	if e.currentYear > e.endYear {
		return ErrYearExhausted
	}
	e.currentYear++
	e.keeper.IncrementYear()
	return nil
}

// SetTrialNumber records which Monte Carlo trial this engine instance
// is evaluating, so operations that draw random parameters (C8) can key
// their seed on it.
func (e *Engine) SetTrialNumber(n int) { e.trialNumber = n }

// TrialNumber returns the current trial number.
func (e *Engine) TrialNumber() int { return e.trialNumber }

// Scope returns the engine's current scope.
func (e *Engine) Scope() scope.Scope { return e.cur }

// SetScope repositions the engine's current scope. Operations call this
// as they enter and leave an application/substance stanza.
func (e *Engine) SetScope(s scope.Scope) { e.cur = s }

// TimeContext returns the (startYear, currentYear) pair reserved
// variables resolve against.
func (e *Engine) TimeContext() scope.TimeContext {
	return scope.TimeContext{StartYear: e.startYear, CurrentYear: e.currentYear}
}

// Keeper returns the engine's stream keeper.
func (e *Engine) Keeper() *streams.Keeper { return e.keeper }

// Converter returns the engine's unit converter.
func (e *Engine) Converter() unit.Converter { return e.conv }

// Variables returns the engine's user-variable store.
func (e *Engine) Variables() *scope.Variables { return e.variables }

// InRange reports whether the engine's current year falls within an
// operation's optional [start, end] matcher; a nil bound is unbounded
// on that side. Every mutating C5 operation calls this before doing any
// work.
func (e *Engine) InRange(start, end *int) bool {
	if start != nil && e.currentYear < *start {
		return false
	}
	if end != nil && e.currentYear > *end {
		return false
	}
	return true
}

// GetStream reads a stream from the engine's current scope.
func (e *Engine) GetStream(name streams.Name) (unit.Value, error) {
	return e.keeper.GetStream(e.cur.Key(), name)
}

// GetStreamIndirect reads a stream from an arbitrary scope (C5's
// get-stream-indirect) — used when a script reads one substance's
// stream while parameterizing another. With convertToCurrent set, the
// value is passed through the converter under the current substance's
// amortized-initial-charge context but into its own unit, so it comes
// back unchanged; no conversion to another unit takes place.
func (e *Engine) GetStreamIndirect(target scope.Scope, name streams.Name, convertToCurrent bool) (unit.Value, error) {
	value, err := e.keeper.GetStream(target.Key(), name)
	if err != nil {
		return unit.Value{}, fmt.Errorf("engine: reading %s for %s: %w", name, target, err)
	}
	if !convertToCurrent {
		return value, nil
	}
	ctx := unit.Context{}.WithAmortizedUnitVolume(e.keeper.AmortizedInitialCharge(e.cur.Key()).Amount())
	return e.conv.Convert(value, value.Unit(), ctx)
}

// EnsureCurrentSubstance lazily creates the stream keeper entry for the
// engine's current scope.
func (e *Engine) EnsureCurrentSubstance() {
	e.keeper.EnsureSubstance(e.cur.Key())
}

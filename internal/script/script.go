// Package script loads a YAML document describing scenarios and policies
// into a runner.Program the scenario runner can drive.
//
// The Script Language grammar and its parser (the textual DSL a policy
// analyst actually writes) are an external collaborator per the engine's
// contract: the engine only needs an ordered collection of named
// scenarios, each an executable over [startYear, endYear]. This package
// is a structured stand-in for that external parser — a declarative,
// already-parsed representation of the same operation vocabulary
// (internal/operations), expressed as YAML rather than the textual
// grammar — so the CLI and HTTP surface have something runnable end to
// end without this repository also owning the grammar.
package script

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/operations"
	"github.com/example/kigalisim/internal/runner"
	"github.com/example/kigalisim/internal/scope"
	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

// ErrParse is wrapped by every error produced while reading or
// compiling a document, so callers can distinguish a malformed script
// from a runtime execution error.
var ErrParse = errors.New("script: parse error")

// ErrScenarioNotFound is returned by Document.Select when the requested
// scenario name does not appear in the document.
var ErrScenarioNotFound = errors.New("script: scenario not found")

// Document is the root of a parsed script file.
type Document struct {
	Scenarios []ScenarioDoc `yaml:"scenarios"`
}

// ScenarioDoc describes one named scenario: its year range, trial
// count, and the policies applied within it.
type ScenarioDoc struct {
	Name      string      `yaml:"name"`
	StartYear int         `yaml:"startYear"`
	EndYear   int         `yaml:"endYear"`
	Trials    int         `yaml:"trials"`
	Policies  []PolicyDoc `yaml:"policies"`
}

// PolicyDoc scopes a sequence of operations to one (application,
// substance) pair, optionally bounded to a sub-range of the scenario's
// years.
type PolicyDoc struct {
	Stanza      string          `yaml:"stanza"`
	Application string          `yaml:"application"`
	Substance   string          `yaml:"substance"`
	StartYear   *int            `yaml:"startYear"`
	EndYear     *int            `yaml:"endYear"`
	Operations  []OperationDoc  `yaml:"operations"`
}

// OperationDoc is one operation-vocabulary statement. Not every field
// applies to every Op; see Compile for the mapping.
type OperationDoc struct {
	Op string `yaml:"op"`

	Stream string  `yaml:"stream"`
	Value  float64 `yaml:"value"`
	Unit   string  `yaml:"unit"`

	Floor bool `yaml:"floor"`

	DisplaceTo      *RefDoc `yaml:"displaceTo"`
	DisplaceByBasis string  `yaml:"displaceBy"`

	Rate            float64 `yaml:"rate"`
	RateUnit        string  `yaml:"rateUnit"`
	WithReplacement bool    `yaml:"withReplacement"`

	Stage        string  `yaml:"stage"`
	RecoveryRate float64 `yaml:"recoveryRate"`
	YieldRate    float64 `yaml:"yieldRate"`

	Population float64 `yaml:"population"`
	Intensity  float64 `yaml:"intensity"`
	IntensityUnit string `yaml:"intensityUnit"`

	AmountKind string  `yaml:"amountKind"`
	DestStream string  `yaml:"destStream"`
	Dest       *RefDoc `yaml:"dest"`

	Name string `yaml:"name"`

	StartYear *int `yaml:"startYear"`
	EndYear   *int `yaml:"endYear"`
}

// RefDoc names a target (application, substance) pair for displacement
// or replacement, defaulting to the "default" stanza when Stanza is
// empty.
type RefDoc struct {
	Stanza      string `yaml:"stanza"`
	Application string `yaml:"application"`
	Substance   string `yaml:"substance"`
}

// Parse reads and decodes a script file. A missing file is reported as
// a plain *os.PathError (so callers can map it to "file not found"
// independently of malformed-content errors, which are wrapped in
// ErrParse).
func Parse(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	if len(doc.Scenarios) == 0 {
		return nil, fmt.Errorf("%w: %s: no scenarios defined", ErrParse, path)
	}
	seen := make(map[string]bool, len(doc.Scenarios))
	for i := range doc.Scenarios {
		sc := &doc.Scenarios[i]
		if sc.Name == "" {
			return nil, fmt.Errorf("%w: scenario %d: missing name", ErrParse, i)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("%w: duplicate scenario name %q", ErrParse, sc.Name)
		}
		seen[sc.Name] = true
		if sc.EndYear < sc.StartYear {
			return nil, fmt.Errorf("%w: scenario %q: endYear before startYear", ErrParse, sc.Name)
		}
		if sc.Trials <= 0 {
			sc.Trials = 1
		}
	}
	return &doc, nil
}

// Select narrows a multi-scenario document to the single named
// scenario, as the CLI's `-s`/HTTP `simulation` parameter requires when
// a script defines more than one.
func (d *Document) Select(name string) (*Document, error) {
	for _, sc := range d.Scenarios {
		if sc.Name == name {
			return &Document{Scenarios: []ScenarioDoc{sc}}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrScenarioNotFound, name)
}

// Program adapts a Document into the runner.Scenario/Program contract.
type Program struct {
	doc *Document
}

// Compile validates doc's operation vocabulary references and wraps it
// as a runner.Program. Compile does not touch the engine; invalid unit
// names and unknown stream/op identifiers surface immediately rather
// than mid-run.
func Compile(doc *Document) (*Program, error) {
	for _, sc := range doc.Scenarios {
		for _, p := range sc.Policies {
			for _, op := range p.Operations {
				if err := validateOp(op); err != nil {
					return nil, fmt.Errorf("%w: scenario %q: %v", ErrParse, sc.Name, err)
				}
			}
		}
	}
	return &Program{doc: doc}, nil
}

func validateOp(op OperationDoc) error {
	switch op.Op {
	case "enable", "set", "change", "cap", "floor", "replace":
		if !streams.IsKnownStream(streams.Name(op.Stream)) {
			return fmt.Errorf("operation %q: unknown stream %q", op.Op, op.Stream)
		}
		if op.Op == "replace" && !streams.IsKnownStream(streams.Name(op.DestStream)) {
			return fmt.Errorf("operation %q: unknown stream %q", op.Op, op.DestStream)
		}
	case "retire", "recycle", "recharge", "equals", "define-variable":
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
	for _, u := range []string{op.Unit, op.IntensityUnit} {
		if u != "" && !unit.IsKnown(unit.Normalize(u)) {
			return fmt.Errorf("operation %q: unknown unit %q", op.Op, u)
		}
	}
	return nil
}

// Scenarios implements runner.Program.
func (p *Program) Scenarios() []runner.Scenario {
	out := make([]runner.Scenario, 0, len(p.doc.Scenarios))
	for _, sc := range p.doc.Scenarios {
		out = append(out, runnerScenario{doc: sc})
	}
	return out
}

// runnerScenario implements runner.Scenario for one ScenarioDoc.
type runnerScenario struct {
	doc ScenarioDoc
}

func (s runnerScenario) Name() string    { return s.doc.Name }
func (s runnerScenario) Trials() int     { return s.doc.Trials }
func (s runnerScenario) StartYear() int  { return s.doc.StartYear }
func (s runnerScenario) EndYear() int    { return s.doc.EndYear }

// ApplyYear runs every policy's operations for the engine's current
// year; each operation's own [start,end] gate (scoped within the
// policy's own range, if narrower) decides whether it does anything
// this year, so calling this once every year is safe. A second call in
// the same year applies the operations again.
func (s runnerScenario) ApplyYear(e *engine.Engine) error {
	for _, p := range s.doc.Policies {
		stanza := p.Stanza
		if stanza == "" {
			stanza = "default"
		}
		target := scope.New(stanza).WithApplication(p.Application).WithSubstance(p.Substance)
		e.SetScope(target)

		yr := operations.YearRange{Start: p.StartYear, End: p.EndYear}
		for _, op := range p.Operations {
			opYr := yr
			if op.StartYear != nil && (opYr.Start == nil || *op.StartYear > *opYr.Start) {
				opYr.Start = op.StartYear
			}
			if op.EndYear != nil && (opYr.End == nil || *op.EndYear < *opYr.End) {
				opYr.End = op.EndYear
			}
			if err := applyOp(e, op, opYr); err != nil {
				return fmt.Errorf("%s/%s: %s: %w", p.Application, p.Substance, op.Op, err)
			}
		}
	}
	return nil
}

func applyOp(e *engine.Engine, op OperationDoc, yr operations.YearRange) error {
	switch op.Op {
	case "enable":
		operations.Enable(e, streams.Name(op.Stream), yr)
		return nil
	case "set":
		v, err := unit.NewFromFloat(op.Value, op.Unit)
		if err != nil {
			return err
		}
		return operations.Set(e, streams.Name(op.Stream), v, yr)
	case "change":
		v, err := unit.NewFromFloat(op.Value, op.Unit)
		if err != nil {
			return err
		}
		return operations.Change(e, streams.Name(op.Stream), v, yr)
	case "cap", "floor":
		v, err := unit.NewFromFloat(op.Value, op.Unit)
		if err != nil {
			return err
		}
		lim := operations.Limit{
			Name:    streams.Name(op.Stream),
			Value:   v,
			IsFloor: op.Op == "floor",
		}
		if op.DisplaceTo != nil {
			target := refScope(op.DisplaceTo)
			lim.DisplaceTo = &target
			lim.DisplaceByBasis = displaceBasis(op.DisplaceByBasis)
		}
		return operations.ApplyLimit(e, lim, yr)
	case "retire":
		v, err := unit.NewFromFloat(op.Rate, "%")
		if err != nil {
			return err
		}
		return operations.Retire(e, v, op.WithReplacement, yr)
	case "recycle":
		recovery, err := unit.NewFromFloat(op.RecoveryRate, "%")
		if err != nil {
			return err
		}
		yield, err := unit.NewFromFloat(op.YieldRate, "%")
		if err != nil {
			return err
		}
		stage := streams.EOL
		if op.Stage == "recharge" {
			stage = streams.Recharge
		}
		return operations.Recycle(e, recovery, yield, stage, yr)
	case "recharge":
		pop, err := unit.NewFromFloat(op.Population, "%")
		if err != nil {
			return err
		}
		intensityUnit := op.IntensityUnit
		if intensityUnit == "" {
			intensityUnit = unit.KgPerUnit
		}
		intensity, err := unit.NewFromFloat(op.Intensity, intensityUnit)
		if err != nil {
			return err
		}
		return operations.Recharge(e, pop, intensity, yr)
	case "replace":
		amount, err := unit.NewFromFloat(op.Value, op.Unit)
		if err != nil {
			return err
		}
		kind := replaceKind(op.AmountKind)
		dest := refScope(op.Dest)
		return operations.Replace(e, amount, kind, streams.Name(op.Stream), dest, streams.Name(op.DestStream), yr)
	case "equals":
		v, err := unit.NewFromFloat(op.Value, op.Unit)
		if err != nil {
			return err
		}
		return operations.Equals(e, v, yr)
	case "define-variable":
		v, err := unit.NewFromFloat(op.Value, op.Unit)
		if err != nil {
			return err
		}
		return operations.DefineVariable(e, op.Name, v)
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
}

func refScope(ref *RefDoc) scope.Scope {
	stanza := ref.Stanza
	if stanza == "" {
		stanza = "default"
	}
	return scope.New(stanza).WithApplication(ref.Application).WithSubstance(ref.Substance)
}

func displaceBasis(name string) operations.DisplaceBy {
	switch name {
	case "units":
		return operations.DisplaceByUnits
	case "equivalent":
		return operations.DisplaceByEquivalent
	default:
		return operations.DisplaceByVolume
	}
}

func replaceKind(name string) operations.ReplaceAmountKind {
	switch name {
	case "volume":
		return operations.ReplaceByVolume
	case "units":
		return operations.ReplaceByUnits
	default:
		return operations.ReplaceByPercent
	}
}

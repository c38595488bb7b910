// Package runner implements the scenario runner and result serializer
// (C7): it drives a parsed program's scenarios across their trials and
// years, and snapshots the engine's derived streams into result rows
// after each year.
//
// The parsed program itself — the Script Language grammar, its parser,
// and the AST walker that turns statements into internal/operations
// calls — is an external collaborator; Program and Scenario below are
// the narrow contract the runner needs from it.
package runner

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/kigalisim/internal/engine"
	"github.com/example/kigalisim/internal/metrics"
	"github.com/example/kigalisim/internal/streams"
	"github.com/example/kigalisim/internal/unit"
)

// Scenario is one parsed-program scenario: a fixed year range and a
// per-year executable that applies that year's operations (policies
// already stacked in script order) against the engine.
type Scenario interface {
	Name() string
	Trials() int
	StartYear() int
	EndYear() int

	// ApplyYear runs every operation scheduled for the engine's current
	// year. Operations use their own [start,end] gating internally, so
	// ApplyYear may be called with the same full operation list every
	// year.
	ApplyYear(e *engine.Engine) error
}

// Program is the parsed-program contract the runner consumes.
type Program interface {
	Scenarios() []Scenario
}

// Row is one result row: a single (scenario, trial, year, application,
// substance) observation.
type Row struct {
	Scenario string
	Trial    int
	Year     int

	Application string
	Substance   string

	Domestic unit.Value
	Import   unit.Value
	Export   unit.Value
	Recycle  unit.Value

	DomesticConsumption unit.Value
	ImportConsumption   unit.Value
	RecycleConsumption  unit.Value
	ExportConsumption   unit.Value

	Population    unit.Value
	PopulationNew unit.Value

	RechargeEmissions      unit.Value
	EolEmissions           unit.Value
	InitialChargeEmissions unit.Value
	EnergyConsumption      unit.Value

	TradeSupplement unit.Value

	BankKg         unit.Value
	BankTco2e      unit.Value
	BankChangeKg   unit.Value
	BankChangeTco2e unit.Value
}

// Runner executes a Program's scenarios and collects their result rows.
type Runner struct {
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New constructs a Runner. A nil logger falls back to slog.Default. A
// nil collector disables metrics recording.
func New(logger *slog.Logger, collector *metrics.Collector) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, metrics: collector}
}

// Run executes every scenario in program across all of its trials and
// returns the accumulated rows in (scenario, trial, year, application,
// substance) order. Each invocation is tagged with a fresh run ID for
// log correlation across a multi-scenario, multi-trial run.
func (r *Runner) Run(program Program) ([]Row, error) {
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)

	var rows []Row
	for _, sc := range program.Scenarios() {
		logger.Info("running scenario", "scenario", sc.Name(), "trials", sc.Trials(),
			"startYear", sc.StartYear(), "endYear", sc.EndYear())

		for trial := 0; trial < sc.Trials(); trial++ {
			start := time.Now()
			trialRows, err := r.runTrial(sc, trial)
			r.metrics.ObserveTrial(time.Since(start), yearsIn(trialRows), err)
			if err != nil {
				return nil, fmt.Errorf("runner: scenario %q trial %d: %w", sc.Name(), trial, err)
			}
			rows = append(rows, trialRows...)
		}
		r.metrics.ObserveScenario()
	}
	return rows, nil
}

// yearsIn counts the distinct years among rows.
func yearsIn(rows []Row) int {
	seen := make(map[int]bool)
	for _, row := range rows {
		seen[row.Year] = true
	}
	return len(seen)
}

func (r *Runner) runTrial(sc Scenario, trial int) ([]Row, error) {
	e := engine.New(sc.StartYear(), sc.EndYear())
	e.SeedRandom(sc.Name(), trial)
	e.SetTrialNumber(trial)

	var rows []Row
	priorBankKg := make(map[string]unit.Value)
	priorBankTco2e := make(map[string]unit.Value)

	for !e.IsDone() {
		if err := sc.ApplyYear(e); err != nil {
			return nil, fmt.Errorf("year %d: %w", e.CurrentYear(), err)
		}

		yearRows, err := r.snapshot(e, sc.Name(), trial, priorBankKg, priorBankTco2e)
		if err != nil {
			return nil, fmt.Errorf("year %d: snapshot: %w", e.CurrentYear(), err)
		}
		rows = append(rows, yearRows...)

		if err := e.IncrementYear(); err != nil {
			break
		}
	}
	return rows, nil
}

// snapshot emits one Row per known (application, substance), in sorted
// key order so repeated runs produce byte-identical output.
func (r *Runner) snapshot(e *engine.Engine, scenarioName string, trial int, priorBankKg, priorBankTco2e map[string]unit.Value) ([]Row, error) {
	keeper := e.Keeper()
	keys := keeper.Keys()
	sort.Strings(keys)

	rows := make([]Row, 0, len(keys))
	for _, key := range keys {
		application, substance := splitKey(key)

		get := func(name streams.Name) (unit.Value, error) { return keeper.GetStream(key, name) }

		domestic, err := get(streams.Domestic)
		if err != nil {
			return nil, err
		}
		imp, err := get(streams.Import)
		if err != nil {
			return nil, err
		}
		export, err := get(streams.Export)
		if err != nil {
			return nil, err
		}
		recycle, err := get(streams.Recycle)
		if err != nil {
			return nil, err
		}
		population, err := get(streams.Equipment)
		if err != nil {
			return nil, err
		}
		newPopulation, err := get(streams.NewEquipment)
		if err != nil {
			return nil, err
		}
		rechargeEm, err := get(streams.RechargeEmissions)
		if err != nil {
			return nil, err
		}
		eolEm, err := get(streams.EolEmissions)
		if err != nil {
			return nil, err
		}
		initialChargeEm, err := get(streams.InitialChargeEmissions)
		if err != nil {
			return nil, err
		}
		energy, err := get(streams.EnergyConsumption)
		if err != nil {
			return nil, err
		}
		tradeSupplement, err := get(streams.ImplicitRecharge)
		if err != nil {
			return nil, err
		}

		param := keeper.Param(key)
		ghgCtx := unit.Context{}
		if param.HasGHGIntensity {
			ghgCtx = ghgCtx.WithGHGIntensity(param.GHGIntensity.Amount())
		}
		toTco2e := func(kg unit.Value) (unit.Value, error) { return e.Converter().Convert(kg, unit.TonnesCO2e, ghgCtx) }

		domesticCons, err := toTco2e(domestic)
		if err != nil {
			return nil, err
		}
		importCons, err := toTco2e(imp)
		if err != nil {
			return nil, err
		}
		exportCons, err := toTco2e(export)
		if err != nil {
			return nil, err
		}
		recycleCons, err := toTco2e(recycle)
		if err != nil {
			return nil, err
		}

		initialCharge := keeper.AmortizedInitialCharge(key)
		bankKg := unit.NewFromRat(new(big.Rat).Mul(population.Amount(), initialCharge.Amount()), unit.Kilogram)
		bankTco2e, err := toTco2e(bankKg)
		if err != nil {
			return nil, err
		}

		bankChangeKg := bankKg
		if prev, ok := priorBankKg[key]; ok {
			bankChangeKg, _ = bankKg.Sub(prev)
		}
		bankChangeTco2e := bankTco2e
		if prev, ok := priorBankTco2e[key]; ok {
			bankChangeTco2e, _ = bankTco2e.Sub(prev)
		}
		priorBankKg[key] = bankKg
		priorBankTco2e[key] = bankTco2e

		rows = append(rows, Row{
			Scenario:               scenarioName,
			Trial:                  trial,
			Year:                   e.CurrentYear(),
			Application:            application,
			Substance:              substance,
			Domestic:               domestic,
			Import:                 imp,
			Export:                 export,
			Recycle:                recycle,
			DomesticConsumption:    domesticCons,
			ImportConsumption:      importCons,
			RecycleConsumption:     recycleCons,
			ExportConsumption:      exportCons,
			Population:             population,
			PopulationNew:          newPopulation,
			RechargeEmissions:      rechargeEm,
			EolEmissions:           eolEm,
			InitialChargeEmissions: initialChargeEm,
			EnergyConsumption:      energy,
			TradeSupplement:        tradeSupplement,
			BankKg:                 bankKg,
			BankTco2e:              bankTco2e,
			BankChangeKg:           bankChangeKg,
			BankChangeTco2e:        bankChangeTco2e,
		})
	}
	return rows, nil
}

func splitKey(key string) (application, substance string) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

// csvHeader is the fixed column order WriteCSV emits. CSV framing is an
// external writer's concern per the engine's contract; this lives in
// the runner package only because both shipped callers (the CLI and
// the HTTP surface) need the identical rendering.
var csvHeader = []string{
	"scenario", "trial", "year", "application", "substance",
	"domestic", "domesticUnits", "import", "importUnits", "export", "exportUnits",
	"recycle", "recycleUnits",
	"domesticConsumption", "importConsumption", "recycleConsumption", "exportConsumption",
	"population", "populationNew",
	"rechargeEmissions", "eolEmissions", "initialChargeEmissions", "energyConsumption",
	"tradeSupplement",
	"bankKg", "bankTco2e", "bankChangeKg", "bankChangeTco2e",
}

// WriteCSV renders rows as CSV, one record per (scenario, trial, year,
// application, substance) observation.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.Scenario, strconv.Itoa(row.Trial), strconv.Itoa(row.Year), row.Application, row.Substance,
			row.Domestic.Amount().FloatString(6), row.Domestic.Unit(),
			row.Import.Amount().FloatString(6), row.Import.Unit(),
			row.Export.Amount().FloatString(6), row.Export.Unit(),
			row.Recycle.Amount().FloatString(6), row.Recycle.Unit(),
			row.DomesticConsumption.Amount().FloatString(6),
			row.ImportConsumption.Amount().FloatString(6),
			row.RecycleConsumption.Amount().FloatString(6),
			row.ExportConsumption.Amount().FloatString(6),
			row.Population.Amount().FloatString(6),
			row.PopulationNew.Amount().FloatString(6),
			row.RechargeEmissions.Amount().FloatString(6),
			row.EolEmissions.Amount().FloatString(6),
			row.InitialChargeEmissions.Amount().FloatString(6),
			row.EnergyConsumption.Amount().FloatString(6),
			row.TradeSupplement.Amount().FloatString(6),
			row.BankKg.Amount().FloatString(6),
			row.BankTco2e.Amount().FloatString(6),
			row.BankChangeKg.Amount().FloatString(6),
			row.BankChangeTco2e.Amount().FloatString(6),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

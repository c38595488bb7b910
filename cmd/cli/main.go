// Command kigalisim runs and validates substance-consumption policy
// scripts against the simulation engine.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/example/kigalisim/internal/config"
	"github.com/example/kigalisim/internal/logging"
	"github.com/example/kigalisim/internal/metrics"
	"github.com/example/kigalisim/internal/runner"
	"github.com/example/kigalisim/internal/script"
)

// Exit codes for `run`, per the CLI's external contract.
const (
	exitOK                 = 0
	exitFileNotFound       = 1
	exitParseError         = 2
	exitScenarioNotFound   = 3
	exitExecutionError     = 4
	exitCSVWriteError      = 5
	exitInvalidReplicates  = 6
)

// Exit codes for `validate`.
const (
	exitValidateOK           = 0
	exitValidateFileNotFound = 1
	exitValidateError        = 2
)

const versionString = "kigalisim 0.1.0"

func main() {
	logger := logging.New(logging.Config{Level: slog.LevelInfo, Format: logging.FormatText, Output: os.Stderr})

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: kigalisim <run|validate|version> [args]")
		os.Exit(exitParseError)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCommand(logger, os.Args[2:]))
	case "validate":
		os.Exit(validateCommand(logger, os.Args[2:]))
	case "version":
		fmt.Println(versionString)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(exitParseError)
	}
}

func runCommand(logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	out := fs.String("o", "", "output CSV path")
	replicates := fs.Int("r", 1, "number of replicates (overrides each scenario's trial count if > 0)")
	simulation := fs.String("s", "", "scenario name to run (required when the script defines more than one)")
	if err := fs.Parse(args); err != nil {
		return exitParseError
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: kigalisim run <script> -o <csv> [-r replicates] [-s scenario]")
		return exitParseError
	}
	scriptPath := fs.Arg(0)

	if *replicates < 0 {
		fmt.Fprintf(os.Stderr, "invalid replicate count: %d\n", *replicates)
		return exitInvalidReplicates
	}

	doc, err := script.Parse(scriptPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "script not found: %s\n", scriptPath)
			return exitFileNotFound
		}
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return exitParseError
	}

	if len(doc.Scenarios) > 1 {
		if *simulation == "" {
			fmt.Fprintln(os.Stderr, "script defines multiple scenarios; -s <name> is required")
			return exitScenarioNotFound
		}
		doc, err = doc.Select(*simulation)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitScenarioNotFound
		}
	} else if *simulation != "" {
		doc, err = doc.Select(*simulation)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return exitScenarioNotFound
		}
	}

	if *replicates > 0 {
		for i := range doc.Scenarios {
			doc.Scenarios[i].Trials = *replicates
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitExecutionError
	}
	if *replicates > cfg.Engine.MaxReplicates {
		fmt.Fprintf(os.Stderr, "replicate count %d exceeds maximum %d\n", *replicates, cfg.Engine.MaxReplicates)
		return exitInvalidReplicates
	}

	program, err := script.Compile(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return exitParseError
	}

	var collector *metrics.Collector
	if cfg.Features.EnableMetrics {
		collector = metrics.NewCollector()
	}

	r := runner.New(logger, collector)
	rows, err := r.Run(program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execution error: %v\n", err)
		return exitExecutionError
	}

	if *out == "" {
		fmt.Fprintln(os.Stderr, "-o <csv> is required")
		return exitCSVWriteError
	}
	if err := writeCSV(*out, rows); err != nil {
		fmt.Fprintf(os.Stderr, "csv write error: %v\n", err)
		return exitCSVWriteError
	}

	titleCaser := cases.Title(language.English)
	logger.Info(titleCaser.String("simulation complete"), "rows", len(rows), "output", *out)
	return exitOK
}

func validateCommand(logger *slog.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: kigalisim validate <script>")
		return exitValidateError
	}
	scriptPath := args[0]

	doc, err := script.Parse(scriptPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "script not found: %s\n", scriptPath)
			return exitValidateFileNotFound
		}
		fmt.Fprintf(os.Stderr, "validation error: %v\n", err)
		return exitValidateError
	}
	if _, err := script.Compile(doc); err != nil {
		fmt.Fprintf(os.Stderr, "validation error: %v\n", err)
		return exitValidateError
	}

	logger.Info("script is valid", "scenarios", len(doc.Scenarios))
	return exitValidateOK
}

// writeCSV renders result rows as CSV. CSV framing would ordinarily be
// an external writer's concern per the engine's contract, but the CLI
// is itself that external wrapper, so it owns this step.
func writeCSV(path string, rows []runner.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return runner.WriteCSV(f, rows)
}

// Command kigalisim-api exposes the simulation engine as an HTTP
// endpoint: given a script and an optional scenario name, it runs the
// simulation and streams the result rows back as CSV.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/example/kigalisim/internal/config"
	"github.com/example/kigalisim/internal/logging"
	"github.com/example/kigalisim/internal/metrics"
	"github.com/example/kigalisim/internal/runner"
	"github.com/example/kigalisim/internal/script"
	"github.com/example/kigalisim/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("[kigalisim] fatal error: %v", err)
	}
}

func run() (err error) {
	logger := logging.NewFromEnv()
	slog.SetDefault(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic", "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger.Info("booting api", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceProvider, err := tracing.Setup(tracing.Config{
		ServiceName:    "kigalisim-api",
		ServiceVersion: "dev",
		Environment:    cfg.Server.Env,
		Enabled:        cfg.Features.EnableTracing,
		Logger:         logger,
	})
	if err != nil {
		logger.Warn("failed to set up tracing", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := traceProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shut down tracing", "error", err)
			}
		}()
	}

	var collector *metrics.Collector
	if cfg.Features.EnableMetrics {
		collector = metrics.NewCollector()
	}

	mux := http.NewServeMux()
	mux.Handle("GET /simulate", simulateHandler(logger, collector, cfg))
	if collector != nil {
		mux.Handle("GET /metrics", collector.Handler())
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      logging.HTTPMiddleware(logger)(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

// simulateHandler implements the optional HTTP surface: `script`
// (required) is the path of a script file on the server, read with
// script.Parse; inline script content is not accepted. `simulation`
// (required when the script
// defines two or more scenarios) narrows to one. Responses: 200 with a
// CSV body, 400 for a missing/blank script or an unknown simulation
// name, 422 with a diagnostic body for a parse failure.
func simulateHandler(logger *slog.Logger, collector *metrics.Collector, cfg config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// HTTPMiddleware tagged r.Context() with this request's
		// correlation ID; carry it so the simulation run's log lines
		// share request_id with the access log HTTPMiddleware emits.
		logger := logger
		if requestID := logging.RequestIDFromContext(r.Context()); requestID != "" {
			logger = logger.With("request_id", requestID)
		}

		scriptParam := strings.TrimSpace(r.URL.Query().Get("script"))
		if scriptParam == "" {
			http.Error(w, "missing or blank script parameter", http.StatusBadRequest)
			return
		}

		doc, err := script.Parse(scriptParam)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				http.Error(w, "script not found", http.StatusBadRequest)
				return
			}
			http.Error(w, fmt.Sprintf("parse failure: %v", err), http.StatusUnprocessableEntity)
			return
		}

		simulation := strings.TrimSpace(r.URL.Query().Get("simulation"))
		if len(doc.Scenarios) > 1 {
			if simulation == "" {
				http.Error(w, "simulation parameter is required when the script defines multiple scenarios", http.StatusBadRequest)
				return
			}
			doc, err = doc.Select(simulation)
			if err != nil {
				http.Error(w, "unknown simulation", http.StatusBadRequest)
				return
			}
		} else if simulation != "" {
			doc, err = doc.Select(simulation)
			if err != nil {
				http.Error(w, "unknown simulation", http.StatusBadRequest)
				return
			}
		}

		program, err := script.Compile(doc)
		if err != nil {
			http.Error(w, fmt.Sprintf("parse failure: %v", err), http.StatusUnprocessableEntity)
			return
		}

		rr := runner.New(logger, collector)
		rows, err := rr.Run(program)
		if err != nil {
			http.Error(w, fmt.Sprintf("execution error: %v", err), http.StatusUnprocessableEntity)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", csvFilename(scriptParam)))
		if err := runner.WriteCSV(w, rows); err != nil {
			logger.Error("failed to stream csv response", "error", err)
		}
	})
}

func csvFilename(scriptParam string) string {
	name := scriptParam
	if u, err := url.Parse(scriptParam); err == nil && u.Path != "" {
		name = u.Path
	}
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		name = "simulation"
	}
	return name + ".csv"
}

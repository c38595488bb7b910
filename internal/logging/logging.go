// Package logging provides structured logging for the simulation engine
// and its two external wrappers (cmd/cli, cmd/api) on top of the
// standard library's slog package.
//
// Usage:
//
//	logger := logging.New(logging.Config{
//	    Level:  slog.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	logger.Info("running scenario", "scenario", sc.Name(), "trials", sc.Trials())
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format specifies the log output format.
type Format string

const (
	// FormatJSON outputs structured JSON logs, ideal for production and log aggregation.
	FormatJSON Format = "json"

	// FormatText outputs human-readable text logs, ideal for development.
	FormatText Format = "text"
)

type contextKey string

// loggerKey stores a request-scoped *slog.Logger, already tagged with
// that request's correlation ID, in a context.Context. Nothing in this
// engine needs per-user or per-trace context beyond that: the CLI runs
// once and exits, and cmd/api's one handler identifies a call by
// request, not by an authenticated caller (config.AuthConfig is a
// single shared API key, not per-user identity).
const loggerKey contextKey = "kigalisim_logger"

// requestIDKey is the context key for HTTP request correlation IDs,
// set by HTTPMiddleware for every inbound request to cmd/api.
const requestIDKey contextKey = "kigalisim_request_id"

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	// Defaults to slog.LevelInfo if zero.
	Level slog.Level

	// Format specifies the output format (json or text).
	// Defaults to FormatJSON if empty.
	Format Format

	// Output is the destination for log output.
	// Defaults to os.Stdout if nil.
	Output io.Writer

	// AddSource includes source file and line number in log output.
	AddSource bool

	// TimeFormat specifies the time format for text output.
	// Defaults to time.RFC3339 if empty. Ignored for JSON format.
	TimeFormat string

	// Environment is included in every log entry (development, production, etc.).
	Environment string
}

func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.TimeFormat == "" {
		c.TimeFormat = time.RFC3339
	}
}

// New creates a new structured logger with the given configuration.
// Every entry carries app="kigalisim" and, when set, the deployment
// environment, so CLI and API log lines are distinguishable when
// aggregated together.
func New(cfg Config) *slog.Logger {
	cfg.applyDefaults()

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if isSensitiveKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Key == slog.TimeKey && cfg.Format == FormatText {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(cfg.TimeFormat))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	attrs := []slog.Attr{slog.String("app", "kigalisim")}
	if cfg.Environment != "" {
		attrs = append(attrs, slog.String("env", cfg.Environment))
	}
	handler = handler.WithAttrs(attrs)

	return slog.New(handler)
}

// NewFromEnv creates a logger configured from environment variables.
//
// Environment variables:
//   - KIGALISIM_LOG_LEVEL: debug, info, warn, error (default: info)
//   - KIGALISIM_LOG_FORMAT: json, text (default: json)
//   - KIGALISIM_LOG_SOURCE: true, false (default: false)
//   - KIGALISIM_ENV: deployment environment tag (default: unset)
func NewFromEnv() *slog.Logger {
	return New(Config{
		Level:       parseLogLevel(os.Getenv("KIGALISIM_LOG_LEVEL")),
		Format:      parseLogFormat(os.Getenv("KIGALISIM_LOG_FORMAT")),
		AddSource:   parseBool(os.Getenv("KIGALISIM_LOG_SOURCE")),
		Environment: os.Getenv("KIGALISIM_ENV"),
	})
}

// NewContext returns a new context with logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context, falling back to
// slog.Default if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// WithRequestID tags ctx and its logger with an HTTP request
// correlation ID. cmd/api's HTTPMiddleware calls this once per inbound
// request; nothing else in this engine runs under an HTTP request, so
// this is the only correlation ID the logging package carries through
// context (a simulation run's own correlation ID, run_id, is attached
// directly by internal/runner via logger.With, since a scenario run
// has no enclosing context.Context to thread it through).
func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	logger := FromContext(ctx).With(slog.String("request_id", requestID))
	return NewContext(ctx, logger)
}

// RequestIDFromContext retrieves the request ID from context, or ""
// if none was attached.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// sensitiveKeys lists field names that should be redacted if ever
// logged. The engine has no user passwords or payment data to worry
// about; the two secrets that actually exist (config.AuthConfig's
// static API key and JWT-signing secret) are the ones named here.
var sensitiveKeys = map[string]bool{
	"api_key":    true,
	"apikey":     true,
	"secret":     true,
	"jwt_secret": true,
	"token":      true,
	"authorization": true,
}

func isSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// AddSensitiveKey adds a key to the list of sensitive keys that will be redacted.
func AddSensitiveKey(key string) {
	sensitiveKeys[strings.ToLower(key)] = true
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseLogFormat(format string) Format {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// HTTPLogEntry is one request/response log entry for cmd/api's sole
// handler. It carries the fields that handler actually has available:
// no user ID (the HTTP surface has no per-user identity, only an
// optional shared API key) and no byte count or user-agent (nothing
// downstream reads either).
type HTTPLogEntry struct {
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	StatusCode int           `json:"status_code"`
	DurationMS float64       `json:"duration_ms"`
	RequestID  string        `json:"request_id,omitempty"`
	RemoteAddr string        `json:"remote_addr,omitempty"`
	Duration   time.Duration `json:"-"`
}

// LogValue implements slog.LogValuer for structured logging.
func (e HTTPLogEntry) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.Int("status", e.StatusCode),
		slog.Float64("duration_ms", e.DurationMS),
	}
	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", e.RemoteAddr))
	}
	return slog.GroupValue(attrs...)
}

// HTTPMiddleware returns an HTTP middleware that assigns each request a
// correlation ID, logs its outcome, and makes a request-scoped logger
// available to the handler via r.Context() (cmd/api's simulateHandler
// reads the ID with RequestIDFromContext and tags its own logger with
// it, so the engine run it triggers logs under the same request_id as
// the HTTP access log line).
func HTTPMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()
			ctx := WithRequestID(NewContext(r.Context(), logger), requestID)

			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(lrw, r.WithContext(ctx))

			duration := time.Since(start)
			entry := HTTPLogEntry{
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: lrw.status,
				Duration:   duration,
				DurationMS: float64(duration) / float64(time.Millisecond),
				RequestID:  requestID,
				RemoteAddr: r.RemoteAddr,
			}
			logger.Info("http_request", slog.Any("http", entry))
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

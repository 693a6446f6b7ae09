package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs the process-wide structured logger. Every record is one JSON
// line tagged with the service name and environment. Development environments
// log at debug level; everything else at info.
func Setup(service, env string) *slog.Logger {
	level := slog.LevelInfo
	env = strings.TrimSpace(env)
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameKeys,
	})

	base := slog.New(handler)
	if service = strings.TrimSpace(service); service != "" {
		base = base.With(slog.String("service", service))
	}
	if env != "" {
		base = base.With(slog.String("env", env))
	}
	slog.SetDefault(base)

	// Route the standard library logger through the same handler so stray
	// log.Printf calls keep the JSON shape.
	bridge := slog.NewLogLogger(base.Handler(), slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// renameKeys maps slog's default keys onto the field names the log pipeline
// indexes on.
func renameKeys(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		attr.Key = "timestamp"
	case slog.LevelKey:
		attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		attr.Key = "message"
	}
	return attr
}

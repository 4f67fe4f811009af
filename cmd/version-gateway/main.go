// Command version-gateway serves the latest version of allow-listed npm
// packages, records anonymised usage pings and renders them on an admin
// dashboard.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"GATEWAY_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"GATEWAY_LOG_FORMAT"`
}

// CLI is the command line of version-gateway.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the gateway."`
	Reindex ReindexCmd `cmd:"" help:"Rebuild the day counters from a full scan of the ping keys."`
}

func main() {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("version-gateway"),
		kong.Description("npm latest-version gateway with anonymised usage pings."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	if err := kctx.Run(logger); err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

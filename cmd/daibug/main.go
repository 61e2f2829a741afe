// Command daibug launches the developer-observability hub: it spawns and
// supervises a dev-server command, serves the browser-facing WS/HTTP
// endpoints, and exposes the agent-facing tool surface, either wired
// in-process or over the --mcp stdio transport. Process bootstrap loads
// .env via godotenv, installs a JSON slog handler, and initializes
// OpenTelemetry before anything else starts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/daibug/daibug/internal/config"
	"github.com/daibug/daibug/internal/hub"
	"github.com/daibug/daibug/internal/telemetry"
	"github.com/daibug/daibug/internal/tools"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	var (
		cmd             string
		console         string
		watchNetwork    string
		redact          string
		sessionAutoStart bool
		configPath      string
		noConfig        bool
		mcpMode         bool
	)

	flagSet := pflag.NewFlagSet("daibug", pflag.ContinueOnError)
	flagSet.StringVar(&cmd, "cmd", "", "dev server command to spawn (required)")
	flagSet.StringVar(&console, "console", "", "comma-separated console levels or alias (all, verbose, errors, errors-and-warnings)")
	flagSet.StringVar(&watchNetwork, "watch-network", "", "urlGlob:csvOfStatusCodes, registers a watch rule")
	flagSet.StringVar(&redact, "redact", "", "comma-separated additional field names to redact")
	flagSet.BoolVar(&sessionAutoStart, "session-auto-start", false, "start a session recording immediately")
	flagSet.StringVar(&configPath, "config", "daibug.yaml", "path to the configuration file")
	flagSet.BoolVar(&noConfig, "no-config", false, "skip loading a configuration file, use defaults only")
	flagSet.BoolVar(&mcpMode, "mcp", false, "serve the tool surface as an MCP server over stdio instead of running the hub loop")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if cmd == "" {
		logger.Error("missing required flag --cmd")
		return 1
	}

	shutdownTracer, err := telemetry.InitTracer("daibug-hub", logger)
	if err != nil {
		logger.Error("failed to initialize tracer", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := loadConfig(configPath, noConfig)
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		return 1
	}
	applyFlagOverrides(cfg, console, watchNetwork, redact, sessionAutoStart)
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			logger.Error("invalid configuration", slog.String("reason", e))
		}
		return 1
	}

	watchConfigPath := configPath
	if noConfig {
		watchConfigPath = ""
	}
	h := hub.New(cfg, cmd, watchConfigPath, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		logger.Error("failed to start hub", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("hub started",
		slog.Int("httpPort", cfg.Hub.HTTPPort),
		slog.Int("wsPort", cfg.Hub.WSPort),
		slog.String("cmd", cmd),
	)

	if mcpMode {
		if err := tools.ServeStdio(h.Tools(), os.Stdin, os.Stdout, logger); err != nil {
			logger.Error("mcp stdio server error", slog.String("error", err.Error()))
		}
	} else {
		waitForSignal(logger)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := h.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop hub cleanly", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("hub stopped")
	return 0
}

func waitForSignal(logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
}

func loadConfig(path string, noConfig bool) (*config.Config, error) {
	if noConfig {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyFlagOverrides maps the flat CLI flags onto their 1:1 configuration
// paths, applied after file/env loading so a CLI flag has final say.
func applyFlagOverrides(cfg *config.Config, console, watchNetwork, redact string, sessionAutoStart bool) {
	if console != "" {
		cfg.Console.Include = strings.Split(console, ",")
	}
	if redact != "" {
		cfg.Redact.Fields = append(cfg.Redact.Fields, strings.Split(redact, ",")...)
	}
	if sessionAutoStart {
		cfg.Session.AutoStart = true
	}
	if watchNetwork != "" {
		if rule, ok := parseWatchNetworkFlag(watchNetwork); ok {
			cfg.Watch = append(cfg.Watch, rule)
		}
	}
}

// parseWatchNetworkFlag parses "urlGlob:csvOfStatusCodes" into a watch rule
// labeled after the glob itself.
func parseWatchNetworkFlag(raw string) (config.WatchRule, bool) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return config.WatchRule{}, false
	}
	var codes []int
	for _, s := range strings.Split(parts[1], ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		codes = append(codes, n)
	}
	if len(codes) == 0 {
		return config.WatchRule{}, false
	}
	return config.WatchRule{
		Label:       fmt.Sprintf("watch-network:%s", parts[0]),
		URLPattern:  parts[0],
		StatusCodes: codes,
	}, true
}

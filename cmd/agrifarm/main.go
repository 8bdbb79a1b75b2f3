// Agrifarm is the smart-farming backend and its web proxy.
//
// The backend answers farmers' chat questions through a layered router
// (knowledge base, retrieval-augmented generation, language model),
// controls irrigation and lighting devices over MQTT, and tracks
// device installation requests. The proxy sits in front of it for the
// web app. Configuration is loaded from a YAML file discovered
// automatically (see [config.DefaultSearchPaths]) after a .env file in
// the working directory has been applied to the environment.
//
// Usage:
//
//	agrifarm serve                  Start the backend API and MQTT bridge
//	agrifarm proxy                  Start the web proxy
//	agrifarm migrate up|down [n]|status
//	agrifarm token <user-id>        Print an access token for a user
//	agrifarm user add <email> <role> [full name]
//	agrifarm init [dir]             Write a starter config.yaml and .env
//	agrifarm version                Print version and build information
//	agrifarm -o json version        Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/agrifarm/internal/buildinfo"
	"github.com/nugget/agrifarm/internal/config"
	"github.com/nugget/agrifarm/internal/database"
	"github.com/nugget/agrifarm/internal/migrate"
)

// main only gathers the OS environment and hands off to [run], which
// keeps the whole lifecycle drivable from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Structured logs go to stdout; args is
// os.Args[1:]. Arguments are parsed by hand so that run can be called
// concurrently from tests without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "proxy":
		return runProxy(ctx, stdout, opts)
	case "migrate":
		return runMigrate(ctx, stdout, opts, cmdArgs)
	case "token":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: agrifarm token <user-id>")
		}
		return runToken(ctx, stdout, opts, cmdArgs[0])
	case "user":
		return runUser(ctx, stdout, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Agrifarm - smart farming backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: agrifarm [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the backend API and MQTT bridge")
	fmt.Fprintln(w, "  proxy                       Start the web proxy")
	fmt.Fprintln(w, "  migrate up|down [n]|status  Manage the database schema")
	fmt.Fprintln(w, "  token <user-id>             Print an access token for a user")
	fmt.Fprintln(w, "  user add <email> <role> [name]")
	fmt.Fprintln(w, "                              Create an account (FARMER, TECHNICIAN, ADMIN)")
	fmt.Fprintln(w, "  init [dir]                  Write a starter config.yaml and .env (default: .)")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/agrifarm/config.yaml, /etc/agrifarm/config.yaml")
	fmt.Fprintln(w, "A .env file in the working directory is loaded first.")
	return nil
}

// newLogger creates a text or JSON structured logger at level.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger rebuilds the logger with the configured level and
// format. Validate has already accepted the level.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig applies .env, then locates and parses the YAML file. With
// no explicit path and no file in the search path, the defaults plus
// environment overrides are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	if _, err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg, envErr := config.FromEnvOnly()
		if envErr != nil {
			return nil, "", fmt.Errorf("environment config: %w", envErr)
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// openDatabase opens the configured database and brings its schema up
// to date.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	applied, err := migrate.New(db, logger, migrate.Registry()).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database opened",
		"driver", cfg.Database.Driver,
		"path", cfg.Database.Path,
		"migrations_applied", len(applied),
	)
	return db, nil
}

// errUsage marks an argument error so callers can show the usage line.
var errUsage = errors.New("usage")

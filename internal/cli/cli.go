package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/vk/scanforge/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("scanforge", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
ScanForge - a multi-stage parametric study orchestrator.

Usage:
  scanforge [options] [SPEC_PATH]

Arguments:
  SPEC_PATH
    Path to the .hcl study specification.

Options:
`)
		flagSet.PrintDefaults()
	}

	specFlag := flagSet.String("spec", "", "Path to the study spec file.")
	storeFlag := flagSet.String("store", "", "Path to the job database. Defaults to <study root>/jobs.db.")
	modeFlag := flagSet.String("mode", "watch", "Run mode. Options: 'configure', 'submit' or 'watch'.")
	maxAttemptsFlag := flagSet.Int("max-attempts", 3, "Submission attempts per job before it is abandoned.")
	pollIntervalFlag := flagSet.Duration("poll-interval", 30*time.Second, "Delay between control iterations in watch mode.")
	schedulerTimeoutFlag := flagSet.Duration("scheduler-timeout", 60*time.Second, "Timeout for each scheduler CLI call.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent submission workers.")
	oneGenFlag := flagSet.Bool("one-generation-at-a-time", false, "Settle each generation fully before starting the next.")
	containerImageFlag := flagSet.String("container-image", "", "Singularity image for the container backend.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := *specFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		slog.Debug("No spec path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		SpecPath:             path,
		StorePath:            *storeFlag,
		Mode:                 strings.ToLower(*modeFlag),
		MaxAttempts:          *maxAttemptsFlag,
		PollInterval:         *pollIntervalFlag,
		SchedulerTimeout:     *schedulerTimeoutFlag,
		Workers:              *workersFlag,
		OneGenerationAtATime: *oneGenFlag,
		ContainerImage:       *containerImageFlag,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pengelbrecht/pomosync/internal/api"
	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/config"
	"github.com/pengelbrecht/pomosync/internal/update"
)

// Version is set by main from the build's ldflags.
var Version = "dev"

// Exit codes
const (
	ExitSuccess  = 0
	ExitGeneric  = 1
	ExitUsage    = 2
	ExitAuth     = 3
	ExitRejected = 4
	ExitNotFound = 5
)

// ExitError carries a process exit code through cobra's RunE.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// NewExitError formats an error with an exit code.
func NewExitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

var (
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "pomo",
	Short: "Pomodoro timers and notifications, synced live",
	Long: `pomo drives your pomodoro timers and reads your notifications.

The watch dashboard keeps a live STOMP channel open so timers started on
another device and new notifications show up immediately. The other
commands are one-shot REST calls suited to scripts.

The token is read from POMO_TOKEN or token= in ~/.pomorc; the API URL
from POMO_URL, url= in ~/.pomorc or the config file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if notice := update.CheckPeriodically(Version); notice != "" {
			fmt.Fprintln(os.Stderr, notice)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: pomo/config.json in the user config dir)")
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = Version
	return rootCmd.Execute()
}

// loadConfig reads --config, or the default path falling back to defaults
// when no file exists.
func loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		path, perr := config.DefaultPath()
		if perr != nil {
			return config.Config{}, fmt.Errorf("failed to locate config: %w", perr)
		}
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return config.Config{}, NewExitError(ExitUsage, "failed to load config: %v", err)
	}
	return cfg, nil
}

// newClient builds a REST client honoring the credential URL override.
func newClient() (*api.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	creds := config.NewCredentials("")
	if u := creds.URL(); u != "" {
		cfg.APIURL = u
	}
	if _, err := creds.Token(); err != nil {
		return nil, NewExitError(ExitAuth, "%v", err)
	}
	client, err := api.NewClient(cfg.GetAPIURL(), creds)
	if err != nil {
		return nil, NewExitError(ExitUsage, "invalid API URL: %v", err)
	}
	return client, nil
}

// newLogger writes human-readable logs to w.
func newLogger(w io.Writer, color bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: !color}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// fileLogger logs to pomo.log in the config dir, for use while the
// dashboard owns the terminal.
func fileLogger() (zerolog.Logger, func(), error) {
	dir, err := config.Dir()
	if err != nil {
		return zerolog.Nop(), func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "pomo.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := newLogger(f, false)
	if !verbose {
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger, func() { _ = f.Close() }, nil
}

// apiFailure maps client errors to exit codes.
func apiFailure(action string, err error) error {
	if errors.Is(err, config.ErrNoToken) || errors.Is(err, channel.ErrAuthMissing) {
		return NewExitError(ExitAuth, "%v", err)
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 401, 403:
			return NewExitError(ExitAuth, "failed to %s: %v", action, apiErr)
		case 404:
			return NewExitError(ExitNotFound, "failed to %s: %v", action, apiErr)
		}
	}
	if errors.Is(err, api.ErrCommandRejected) {
		return NewExitError(ExitRejected, "failed to %s: %v", action, err)
	}
	return NewExitError(ExitGeneric, "failed to %s: %v", action, err)
}

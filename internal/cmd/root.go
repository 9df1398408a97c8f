package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/cwygoda/scout/internal/config"
	"github.com/cwygoda/scout/internal/observability"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata, usually from -ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	configPath string
	vcfg       = config.NewViper()
	appConfig  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "scout",
	Short: "Research and draft market articles",
	Long: `scout turns a sector and a location into a researched, drafted and
rendered article. Jobs are queued, processed by workers and tracked until
they complete or fail.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/scout/config.toml)")
	pf.String("db", "", "SQLite database path")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (console|json)")

	_ = vcfg.BindPFlag("database.path", pf.Lookup("db"))
	_ = vcfg.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = vcfg.BindPFlag("log.format", pf.Lookup("log-format"))
}

// commandFlags maps flags defined by individual commands to config keys.
// They are bound when the command runs, so commands may share a flag name.
var commandFlags = map[string]string{
	"port":        "server.port",
	"concurrency": "worker.concurrency",
}

func setup(cmd *cobra.Command, _ []string) error {
	for name, key := range commandFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = vcfg.BindPFlag(key, f)
		}
	}
	cfg, err := config.Load(configPath, vcfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if err := observability.Init("scout", cfg.Log.Level, cfg.Log.Format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid log settings", err)
	}
	appConfig = cfg
	return nil
}

// Execute runs the root command.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

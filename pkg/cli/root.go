// Package cli provides the command-line interface for deckhand
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deckhand/deckhand/internal/engine"
	"github.com/deckhand/deckhand/pkg/config"
	"github.com/deckhand/deckhand/pkg/logger"
)

// CLI holds the command tree and everything a command needs, so commands
// share no globals
type CLI struct {
	config       *Config
	settings     *config.Config
	settingsFile string
	rootCmd      *cobra.Command
	logger       logger.Logger
	output       io.Writer
	errorOut     io.Writer
	outMu        sync.Mutex

	// overrides and executionOptions replace collaborators in tests
	overrides        engine.Dependencies
	executionOptions []engine.ExecutionOption
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}
	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers. Logs go to
// errorOut without colors.
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.logger = logger.CreateLoggerWithOutput("debug", errorOut)
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "deckhand",
		Short: "Run deploy jobs one at a time per queue",
		Long: `deckhand runs deploy jobs against git references.

Jobs that share a queue run one after another in submission order; jobs on
different queues run in parallel. Each job checks out its reference into a
scratch directory, runs its commands and reports the outcome.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("deckhand v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newRunCmd())
	c.rootCmd.AddCommand(c.newJobsCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: deckhand.yaml in --dir)")
	flags.StringVar(&c.config.Dir, "dir", ".", "directory searched for the config file")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "", "log level (debug, info, warn, error)")
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	mgr := config.NewManager()
	settings, err := mgr.LoadConfig(c.config.ConfigFile, c.config.Dir)
	if err != nil {
		return err
	}
	if c.config.Verbosity != "" {
		settings.LogLevel = c.config.Verbosity
		if err := settings.Validate(); err != nil {
			return err
		}
	}
	c.settings = settings
	c.settingsFile = mgr.ConfigFileUsed()

	if c.logger == nil {
		c.logger = logger.CreateLogger(settings.LogFile, settings.LogLevel)
	}
	if c.settingsFile != "" {
		c.logger.Debug("Using config file", logger.WithField("file", c.settingsFile))
	}
	return nil
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// the version never depends on a readable config
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			c.printf("%s v%s\n", color.CyanString("deckhand"), c.config.Version)
		},
	}
}

func (c *CLI) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.output, format, args...)
}

// ExecuteWithVersion runs the CLI on the process arguments
func ExecuteWithVersion(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).Execute(os.Args[1:])
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wick_core/config"
)

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	configPath string
	debug      bool

	logger   *zap.Logger
	file     *config.File // nil without an agents file
	backends *config.Backends
}

// newRootCmd builds the command tree. Run it through cli.execute so
// backends are released even when a command fails.
func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	cmd := &cobra.Command{
		Use:           "wick",
		Short:         "Run deep agents and inspect their backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}
	cmd.PersistentFlags().StringVar(&c.configPath, "config", envOr("WICK_CONFIG", ""), "agents file")
	cmd.PersistentFlags().BoolVar(&c.debug, "debug", envOr("WICK_DEBUG", "") != "", "enable debug logging")

	cmd.AddCommand(newRunCmd(c))
	cmd.AddCommand(newAgentsCmd(c))
	cmd.AddCommand(newFSCmd(c))
	cmd.AddCommand(newServeCmd(c))
	return cmd, c
}

// execute runs cmd and then closes whatever the invocation opened.
// cobra skips PersistentPostRun when RunE fails.
func (c *cli) execute(cmd *cobra.Command) error {
	defer c.close()
	return cmd.Execute()
}

func (c *cli) init() error {
	zc := zap.NewProductionConfig()
	if c.debug {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.logger = logger

	if c.configPath == "" {
		return nil
	}
	if c.file, err = config.Load(c.configPath); err != nil {
		return err
	}
	c.backends = config.NewBackends(c.file, c.logger.Named("backends"))
	return nil
}

func (c *cli) close() {
	if c.backends != nil {
		if err := c.backends.Close(); err != nil {
			c.logger.Warn("closing backends", zap.Error(err))
		}
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func newAgentsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents in the agents file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.file == nil {
				return fmt.Errorf("no agents file (set --config or WICK_CONFIG)")
			}
			type row struct {
				Name      string   `json:"name"`
				Model     string   `json:"model,omitempty"`
				Backend   string   `json:"backend,omitempty"`
				SubAgents []string `json:"subagents,omitempty"`
			}
			var rows []row
			for _, name := range c.file.AgentNames() {
				cfg, err := c.file.Agent(name)
				if err != nil {
					return err
				}
				r := row{Name: name, Model: cfg.Model, Backend: c.file.Agents[name].BackendName}
				for _, s := range cfg.SubAgents {
					r.SubAgents = append(r.SubAgents, s.Name)
				}
				rows = append(rows, r)
			}
			return writeOK(cmd.OutOrStdout(), rows)
		},
	}
}

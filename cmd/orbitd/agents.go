package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orbitd/internal/agents"
	"github.com/fyrsmithlabs/orbitd/internal/config"
	"github.com/fyrsmithlabs/orbitd/internal/tools"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect agent definitions",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the agents the daemon would load",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		reg, err := loadAgents(cfg.Agents.Dir)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tMODEL\tTRIGGERS\tTOOLS")
		for _, def := range reg.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				def.Name, def.Model,
				strings.Join(def.Triggers, ","),
				strings.Join(def.Tools, ","))
		}
		return w.Flush()
	},
}

var agentsValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Parse and validate agent definition files",
	Long: `Parse every agent file under dir (or the embedded defaults when dir is
omitted) and check that each agent only names builtin tools.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		}
		reg, err := loadAgents(dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d agents OK\n", len(reg.List()))
		return nil
	},
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsValidateCmd)
}

// loadAgents builds the registry from the embedded defaults plus dir.
// Agents in dir replace defaults with the same name.
func loadAgents(dir string) (*agents.Registry, error) {
	defs, err := agents.Load(dir)
	if err != nil {
		return nil, err
	}
	return agents.NewRegistry(defs, builtinToolNames())
}

func builtinToolNames() []string {
	names := make([]string, 0, 9)
	for _, t := range tools.Builtin(tools.BuiltinDeps{}) {
		names = append(names, t.Name())
	}
	return names
}

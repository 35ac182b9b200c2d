package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/migalsp/kubex-appswitch/internal/api"
)

// v holds configuration for every subcommand; flags are bound into it.
var v = viper.New()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kubex-appswitch",
		Short: "Start and stop Kubernetes applications without stopping shared databases",
		Long: `kubex-appswitch discovers applications from annotated Ingresses, scales their
compute to zero and stops their databases outside business hours, and leaves
databases running while any other application still depends on them.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "Path to a YAML configuration file")

	root.AddCommand(newManagerCmd())
	root.AddCommand(newActionCmd("start", "Start an application, databases first"))
	root.AddCommand(newActionCmd("stop", "Stop an application, leaving shared databases running"))
	root.AddCommand(newStatusCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), api.Version)
		},
	})
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

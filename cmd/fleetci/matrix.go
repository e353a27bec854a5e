package main

import (
	"encoding/json"

	"github.com/Promptonauts/fleetci/pkg/config"
	"github.com/spf13/cobra"
)

func (a *app) matrixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Print the resolved job matrix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := config.Resolve(a.v.GetString("config"), config.Options{RunnerLabel: a.v.GetString("runner-label")})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}
	cmd.Flags().String("config", "fleetci.yaml", "pipeline config path")
	cmd.Flags().String("runner-label", "", "runner queue label added to every entry")
	return cmd
}

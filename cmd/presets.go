package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/javking07/toadrunner/model"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "Print the built-in load test presets as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(model.Presets())
	},
}

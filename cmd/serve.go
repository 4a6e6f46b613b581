package cmd

import (
	"github.com/spf13/cobra"

	"github.com/javking07/toadrunner/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the load test API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		var a app.App
		if err := a.Bootstrap(config); err != nil {
			return err
		}
		return a.RunApp()
	},
}

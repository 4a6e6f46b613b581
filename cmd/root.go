package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/javking07/toadrunner/conf"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "toadrunner",
	Short: "HTTP load test engine",
	Long: `toadrunner drives closed-loop HTTP load tests with a fixed pool of virtual users.

Run it as a service to start, stop and watch tests over HTTP, or run a single
test from the command line.

Examples:
  toadrunner serve                                         # start the API
  toadrunner run --url http://localhost:8080 -u 10 -d 30   # one-shot test
  toadrunner run --preset smoke --url http://localhost:8080
  toadrunner presets                                       # list built-in presets`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/"+conf.DefaultConfigName+")")
	rootCmd.AddCommand(serveCmd, newRunCmd(), presetsCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*conf.Config, error) {
	config, err := conf.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return config, nil
}

// cliLogger is the logger of commands that do not bootstrap the app.
func cliLogger(config *conf.Config) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(config.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)
	log.Logger = logger
	return logger
}

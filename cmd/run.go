package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/model"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	preset          string
	file            string
	url             string
	method          string
	headers         []string
	body            string
	users           int
	rampUp          int
	duration        int
	timeout         int
	followRedirects bool
	validateSSL     bool
	expect          []int
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one load test and print its summary as JSON",
		Long: `Run one load test in this process. Metric points are logged as they are
sampled and the final summary is printed to stdout. Interrupting the command
stops the test and still prints the summary.

The configuration is built from a preset, then a YAML or JSON file, then flags.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			test, err := opts.testConfig(cmd)
			if err != nil {
				return err
			}
			logger := cliLogger(config)
			controller := engine.NewController(engine.Options{
				SampleInterval: config.Engine.SampleInterval,
				DrainTimeout:   config.Engine.DrainTimeout,
				Logger:         &logger,
			})
			return runTest(cmd, controller, test, logger)
		},
	}

	opts.bind(cmd)
	return cmd
}

func (o *runOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.preset, "preset", "", "start from a built-in preset (see the presets command)")
	flags.StringVarP(&o.file, "file", "f", "", "load test config file (yaml or json)")
	flags.StringVar(&o.url, "url", "", "target URL")
	flags.StringVarP(&o.method, "method", "X", "GET", "HTTP method")
	flags.StringArrayVarP(&o.headers, "header", "H", nil, "request header as 'Key: Value' (repeatable)")
	flags.StringVar(&o.body, "body", "", "request body")
	flags.IntVarP(&o.users, "users", "u", 1, "number of virtual users")
	flags.IntVarP(&o.rampUp, "ramp-up", "r", 0, "seconds over which virtual users are started")
	flags.IntVarP(&o.duration, "duration", "d", 10, "test duration in seconds")
	flags.IntVar(&o.timeout, "timeout", model.DefaultTimeoutMs, "per-request timeout in milliseconds")
	flags.BoolVar(&o.followRedirects, "follow-redirects", false, "follow HTTP redirects")
	flags.BoolVar(&o.validateSSL, "validate-ssl", true, "verify TLS certificates")
	flags.IntSliceVar(&o.expect, "expect", nil, "status codes counted as success (default 200-399)")
}

// runTest starts test, logs its metric points until it is terminal and
// prints the summary. SIGINT and SIGTERM stop the test early.
func runTest(cmd *cobra.Command, controller *engine.Controller, test model.LoadTestConfig, logger zerolog.Logger) error {
	started, err := controller.Start(test)
	if err != nil {
		return err
	}
	sub, err := controller.Subscribe(started.TestID)
	if err != nil {
		return err
	}
	defer sub.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for done := false; !done; {
		select {
		case sig := <-interrupt:
			logger.Info().Msgf("caught sig: %+v, stopping test", sig)
			if _, err := controller.Stop(started.TestID); err != nil {
				return err
			}
		case msg, ok := <-sub.C:
			if !ok {
				done = true
				break
			}
			if p := msg.Point; p != nil {
				logger.Info().
					Float64("rps", p.RequestsPerSecond).
					Float64("avg_ms", p.AverageLatency).
					Float64("max_ms", p.MaxLatency).
					Float64("error_rate", p.ErrorRate).
					Int("active_users", p.ActiveUsers).
					Msg("metrics")
			}
		}
	}

	execution, err := controller.Wait(context.Background(), started.TestID)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(execution.Summary); err != nil {
		return err
	}
	if execution.Status == model.StatusFailed && execution.Error != nil {
		return execution.Error
	}
	return nil
}

// testConfig layers the preset, the config file and the flags. Once a preset
// or file is given, only flags set explicitly override it.
func (o *runOptions) testConfig(cmd *cobra.Command) (model.LoadTestConfig, error) {
	flags := cmd.Flags()
	var config model.LoadTestConfig
	base := false

	if o.preset != "" {
		preset, ok := model.PresetByName(o.preset)
		if !ok {
			return config, model.Errorf(model.KindValidation, "unknown preset %q", o.preset)
		}
		config = preset.Config
		base = true
	}

	if o.file != "" {
		if !base {
			config.ValidateSSL = true
		}
		v := viper.New()
		v.SetConfigFile(o.file)
		if err := v.ReadInConfig(); err != nil {
			return config, fmt.Errorf("reading %s: %w", o.file, err)
		}
		if err := v.Unmarshal(&config); err != nil {
			return config, fmt.Errorf("decoding %s: %w", o.file, err)
		}
		base = true
	}

	set := func(name string) bool { return !base || flags.Changed(name) }
	if set("url") {
		config.URL = o.url
	}
	if set("method") {
		config.Method = o.method
	}
	if set("body") {
		config.Body = o.body
	}
	if set("users") {
		config.VirtualUsers = o.users
	}
	if set("ramp-up") {
		config.RampUpTime = o.rampUp
	}
	if set("duration") {
		config.Duration = o.duration
	}
	if set("timeout") {
		config.Timeout = o.timeout
	}
	if set("follow-redirects") {
		config.FollowRedirects = o.followRedirects
	}
	if set("validate-ssl") {
		config.ValidateSSL = o.validateSSL
	}
	if flags.Changed("expect") {
		config.ExpectedStatusCodes = o.expect
	}
	if len(o.headers) > 0 {
		headers := make(map[string]string, len(config.Headers)+len(o.headers))
		for k, v := range config.Headers {
			headers[k] = v
		}
		for _, h := range o.headers {
			parts := strings.SplitN(h, ":", 2)
			if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
				return config, model.Errorf(model.KindValidation, "header %q must look like 'Key: Value'", h)
			}
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
		config.Headers = headers
	}
	return config, nil
}

package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coocood/freecache"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/javking07/toadrunner/conf"
	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/model"
)

// App ...
type App struct {
	Server     *http.Server
	Storage    model.Storage
	Router     *chi.Mux
	Cache      *freecache.Cache
	Logger     *zerolog.Logger
	Config     *conf.Config
	Controller *engine.Controller
	Metrics    *Metrics
	Channels   map[string]chan struct{}
}

const (
	timerChannel = "timerChannel"

	// DatabaseNone disables persistence.
	DatabaseNone = "none"

	shutdownTimeout = 30 * time.Second
	requestTimeout  = 60 * time.Second
)

// Bootstrap wires every dependency of the app from config.
func (a *App) Bootstrap(config *conf.Config) error {
	log.Info().Msg("bootstrapping app")
	a.Config = config

	a.InitLogger()
	if a.Config.Sleep != nil && *a.Config.Sleep > 0 {
		a.Logger.Info().Msgf("sleeping for %s to wait for dependencies", a.Config.Sleep.String())
		time.Sleep(*a.Config.Sleep)
	}

	a.InitChans()
	a.InitCache()
	if err := a.InitDatabase(); err != nil {
		return fmt.Errorf("bootstrapping database: %w", err)
	}
	a.InitMetrics()
	a.InitController()
	if err := a.InitServer(); err != nil {
		return fmt.Errorf("bootstrapping server: %w", err)
	}
	return nil
}

// RunApp starts the janitor and the server and blocks until SIGINT or
// SIGTERM, then shuts everything down.
func (a *App) RunApp() error {
	gracefulStop := make(chan os.Signal, 1)
	signal.Notify(gracefulStop, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(gracefulStop)

	go a.InitTimer()

	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Msgf("listening on %s", a.Server.Addr)
		var err error
		if a.Config.Server.TLS {
			err = a.Server.ListenAndServeTLS("", "")
		} else {
			err = a.Server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case sig := <-gracefulStop:
		a.Logger.Info().Msgf("caught sig: %+v", sig)
	case err := <-serverErr:
		a.Logger.Error().Msgf("server stopped: %v", err)
		a.Shutdown()
		return err
	}
	a.Shutdown()
	return nil
}

// Shutdown stops the server, every running test and the background processes.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.Logger.Info().Msg("shutting down server")
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Logger.Error().Msgf("error shutting down server: %v", err)
		}
	}

	a.Logger.Info().Msg("stopping running tests")
	if err := a.Controller.Shutdown(ctx); err != nil {
		a.Logger.Error().Msgf("error stopping running tests: %v", err)
	}

	for name, v := range a.Channels {
		a.Logger.Info().Msgf("shutting down background process: %s", name)
		close(v)
	}
	a.Channels = nil

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			a.Logger.Error().Msgf("error closing database: %v", err)
		}
	}
}

// InitTimer runs the janitor: every timer interval it forgets terminal tests
// older than the retention period. Their records stay in storage.
func (a *App) InitTimer() {
	interval := time.Minute
	if a.Config.Timer != nil && a.Config.Timer.Interval != nil && *a.Config.Timer.Interval > 0 {
		interval = *a.Config.Timer.Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stop := a.Channels[timerChannel]
	a.Logger.Info().Msgf("initializing background process to run every: %s", interval)
	for {
		select {
		case <-stop:
			a.Logger.Info().Msg("shutting down timer process")
			return

		case t := <-ticker.C:
			if removed := a.Controller.Prune(t); removed > 0 {
				a.Logger.Info().Msgf("pruned %d finished tests from the registry", removed)
			}
		}
	}
}

func (a *App) InitChans() {
	appChans := make(map[string]chan struct{})
	appChans[timerChannel] = make(chan struct{})
	a.Channels = appChans
}

func (a *App) InitLogger() {
	var output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var logger zerolog.Logger
	if a.Config.Logging != nil && a.Config.Logging.Pretty {
		logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// extract logging level from config if it exists
	levelName := ""
	if a.Config.Logging != nil {
		levelName = a.Config.Logging.Level
	}
	level, ok := parseLevel(levelName)
	if !ok {
		logger.Warn().Msgf("unknown log level %q, using info", levelName)
	}
	logger = logger.Level(level)
	log.Logger = logger

	a.Logger = &logger
	a.Logger.Info().Msgf("initializing logger to level `%s`", level)
}

// parseLevel maps a configured level name to a zerolog level. Empty and
// unknown names yield info; ok is false only for unknown names.
func parseLevel(name string) (zerolog.Level, bool) {
	if name == "" {
		return zerolog.InfoLevel, true
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, false
	}
	return level, true
}

// InitCache bootstraps the results cache
func (a *App) InitCache() {
	cacheSize := a.Config.Cache.Size
	log.Info().Msgf("initializing cache with size of `%d` bytes", cacheSize)
	a.Cache = freecache.NewCache(cacheSize)
}

// InitDatabase bootstraps app storage
func (a *App) InitDatabase() error {
	if a.Config.Database == nil || a.Config.Database.Type == DatabaseNone {
		a.Logger.Warn().Msg("persistence disabled, results will only live in memory")
		return nil
	}
	db, err := model.BootstrapStorage(a.Config.Database)
	if err != nil {
		return err
	}
	a.Storage = db
	a.Logger.Info().Msgf("connected to %s database %q", a.Config.Database.Type, a.Config.Database.DatabaseName)
	return nil
}

func (a *App) InitMetrics() {
	a.Metrics = NewMetrics()
}

// InitController bootstraps the load test engine. Tests are refused while
// the database is unhealthy.
func (a *App) InitController() {
	opts := engine.Options{
		Logger:   a.Logger,
		Observer: a.Metrics,
	}
	if e := a.Config.Engine; e != nil {
		opts.SampleInterval = e.SampleInterval
		opts.DrainTimeout = e.DrainTimeout
		opts.Retention = e.Retention
		opts.MaxRunning = e.MaxRunning
	}
	if a.Storage != nil {
		opts.Store = a.Storage
		opts.Ready = a.Storage.Healthy
	}
	a.Controller = engine.NewController(opts)
	a.Logger.Info().Msgf("initialized engine with sample interval %s", opts.SampleInterval)
}

// InitServer bootstraps app server with handlers
func (a *App) InitServer() error {
	a.Router = chi.NewRouter()

	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(middleware.Logger)
	a.Router.Use(middleware.Recoverer)

	a.Router.Route("/toadrunner/v1", func(r chi.Router) {
		// the stream is long lived, everything else gets a request timeout
		r.Get("/tests/{testID}/stream", a.StreamTest)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Handle("/metrics", promhttp.HandlerFor(a.Metrics.Registry, promhttp.HandlerOpts{}))
			r.Get("/health", a.Health)
			r.Get("/presets", a.GetPresets)

			r.Post("/tests", a.StartTest)
			r.Get("/tests", a.GetTests)
			r.Get("/tests/{testID}", a.GetTest)
			r.Post("/tests/{testID}/stop", a.StopTest)

			r.Get("/results", a.GetResults)
			r.Get("/results/{testID}", a.GetResult)
			r.Delete("/results/{testID}", a.DeleteResult)
		})
	})

	// Create server
	addr := fmt.Sprintf(":%s", a.Config.Server.Port)
	a.Server = &http.Server{
		Addr:    addr,
		Handler: a.Router,
	}

	if a.Config.Server.TLS {
		cert, err := tls.LoadX509KeyPair(
			a.Config.Server.Cert,
			a.Config.Server.Key)
		if err != nil {
			return fmt.Errorf("unable to load cert/key: %w", err)
		}

		a.Server.TLSConfig = &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
			Certificates:     []tls.Certificate{cert},
		}
	}

	a.Logger.Info().Msgf("initialized routes and server on port %v", a.Server.Addr)
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/control"
	"github.com/always-cache/offline-cache/pkg/push"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	hostFlag           string
	siteFlag           string
	listenFlag         string
	dbFilenameFlag     string
	cacheVersionFlag   string
	prewarmFlag        string
	skipWaitingFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.StringVar(&siteFlag, "site", "", "Public URL of the site (overrides config)")
	flag.StringVar(&listenFlag, "listen", ":8080", "Address to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name, use 'memory' for in-memory db (overrides config)")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Version tag of the partitions (overrides config)")
	flag.StringVar(&prewarmFlag, "prewarm", "", "Pre-warm policy: independent or atomic (overrides config)")
	flag.BoolVar(&skipWaitingFlag, "skip-waiting", false, "Activate right after install (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// overrideConfig applies the flags that were explicitly set.
func overrideConfig(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "host":
			config.Host = hostFlag
		case "site":
			config.Site = siteFlag
		case "listen":
			config.Listen = listenFlag
		case "db":
			config.DB = dbFilenameFlag
		case "cache-version":
			config.Version = cacheVersionFlag
		case "prewarm":
			config.Prewarm = prewarmFlag
		case "skip-waiting":
			config.SkipWaiting = skipWaitingFlag
		case "log-file":
			config.LogFile = logFilenameFlag
		}
	})
}

func main() {
	flag.Parse()

	config := defaultConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = getConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	overrideConfig(&config)

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cacheConfig, err := config.cacheConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// set up sqlite provider, in memory if requested
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cache.NewSQLiteProvider(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	cacheConfig.Provider = provider
	cacheConfig.Logger = &log.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ocache := offlinecache.CreateCache(cacheConfig)
	// a failed installation only means nothing is intercepted
	if err := ocache.Install(ctx); err != nil {
		log.Error().Err(err).Msg("Install failed, passing all requests through")
	}

	windows := push.NewWindows(100, log.Logger)
	router := chi.NewRouter()
	router.Use(
		hlog.NewHandler(log.Logger),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("")
		}),
	)
	router.Mount(control.Prefix, control.NewRouter(ocache, push.NewListener(windows, windows, log.Logger), nil, log.Logger))
	router.Handle("/*", ocache)

	server := &http.Server{
		Addr:    config.Listen,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down gracefully")
		}
	}()

	log.Info().Msgf("Proxying %s to %s (with hostname '%s'), site %s",
		config.Listen, cacheConfig.OriginURL.String(), cacheConfig.OriginHost, cacheConfig.SiteURL.String())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	ocache.Retire()
	if err := provider.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache db")
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/ericselin/offline-cache"
	"github.com/ericselin/offline-cache/cache"
	fetch "github.com/ericselin/offline-cache/pkg/origin-fetch"
	host "github.com/ericselin/offline-cache/pkg/worker-host"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFlag          string
	portFlag            int
	originFlag          string
	hostFlag            string
	dbFilenameFlag      string
	generationFlag      string
	verbosityTraceFlag  bool
	logFilenameFlag     string
	upstreamTimeoutFlag time.Duration

	// this is set by goreleaser
	version string
)

// flagKeys maps flag names to config keys
var flagKeys = map[string]string{
	"origin":           "origin",
	"host":             "host",
	"port":             "port",
	"db":               "db",
	"generation":       "generation",
	"vv":               "verbose",
	"log-file":         "logFile",
	"upstream-timeout": "upstreamTimeout",
}

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file (yaml, toml or json)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&generationFlag, "generation", offlinecache.DefaultGeneration, "Cache generation tag")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	flag.DurationVar(&upstreamTimeoutFlag, "upstream-timeout", 30*time.Second, "Timeout for origin requests")

	if version == "" {
		version = "DEV"
	}
}

// setFlags returns the flags given on the command line, keyed by config key.
func setFlags() map[string]any {
	overrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.(flag.Getter).Get()
		}
	})
	return overrides
}

func newLogger(cfg Config) zerolog.Logger {
	// set log level
	logLevel := zerolog.DebugLevel
	if cfg.Verbose {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to rotating logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if cfg.LogFile != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	return zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(configFlag, setFlags())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Logger = newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, "offline-cache", version)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up tracing")
	}

	// set up sqlite provider, scoped to the origin
	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename, cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache DB")
	}

	network := fetch.NewOriginFetcher(fetch.OriginConfig{
		URL:     cfg.OriginURL(),
		Host:    cfg.Host,
		Timeout: cfg.UpstreamTimeout,
		Logger:  &log.Logger,
	})
	agent := offlinecache.New(offlinecache.Config{
		Storage:      storage,
		Network:      network,
		Generation:   cfg.Generation,
		Precache:     cfg.Precache,
		ManifestPath: cfg.ManifestPath,
		Logger:       &log.Logger,
	})
	h := host.New(host.Config{
		Network: network,
		Logger:  &log.Logger,
	})
	// without an active worker everything goes to the origin
	go func() {
		if err := registerWithRetry(ctx, h, agent, newRegisterBackOff(), cfg.RegisterRetry, log.Logger); err != nil {
			log.Error().Err(err).Msg("Giving up registering worker, proxying without cache")
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: newRouter(h, agent, log.Logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", cfg.Port, cfg.Origin, cfg.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}

	// wait for detached cache writes before closing the store
	agent.Flush()
	if err := storage.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close cache DB")
	}
	if err := shutdownTracing(context.Background()); err != nil {
		log.Error().Err(err).Msg("Could not flush traces")
	}
}

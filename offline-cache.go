package offlinecache

import (
	"context"
	"net/http"
	"sync"

	"github.com/ericselin/offline-cache/cache"
	fetch "github.com/ericselin/offline-cache/pkg/origin-fetch"
	policy "github.com/ericselin/offline-cache/pkg/request-policy"
	host "github.com/ericselin/offline-cache/pkg/worker-host"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultGeneration versions the whole store.
	// Bumping it invalidates all earlier generations on the next activation.
	DefaultGeneration = "tex-reports-v1"
	// DefaultManifestPath is always fetched network-first.
	DefaultManifestPath = "/manifest.json"
)

// DefaultPrecache is the app shell stored on install.
var DefaultPrecache = []string{
	"/",
	"/style.css",
	"/icon.svg",
	"/app.webmanifest",
}

const tracerName = "github.com/ericselin/offline-cache"

type Config struct {
	// Storage for cache generations. An in-memory storage is used if nil.
	Storage cache.Storage
	// Network used for precaching and for the strategies. Required.
	Network fetch.Fetcher
	// Tag of the current generation. Defaults to DefaultGeneration.
	Generation string
	// Paths stored on install. Defaults to DefaultPrecache.
	Precache []string
	// Path always fetched network-first. Defaults to DefaultManifestPath.
	ManifestPath string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Agent is the offline-caching worker.
// It precaches the app shell on install, purges superseded generations on
// activate, and answers GET requests network-first or cache-first.
type Agent struct {
	storage    cache.Storage
	network    fetch.Fetcher
	generation string
	precache   []string
	rules      policy.Rules
	log        zerolog.Logger
	tracer     trace.Tracer
	// detached cache writes
	pending sync.WaitGroup

	// handle to the current generation, opened once
	genMutex sync.Mutex
	gen      cache.Generation
}

// New creates the agent. Register it with a host to install and activate it.
func New(config Config) *Agent {
	if config.Network == nil {
		panic("offlinecache: Network is required")
	}
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Storage == nil {
		config.Storage = cache.NewMemStorage()
	}
	if config.Generation == "" {
		config.Generation = DefaultGeneration
	}
	if config.Precache == nil {
		config.Precache = DefaultPrecache
	}
	if config.ManifestPath == "" {
		config.ManifestPath = DefaultManifestPath
	}

	return &Agent{
		storage:    config.Storage,
		network:    config.Network,
		generation: config.Generation,
		precache:   config.Precache,
		rules:      policy.DefaultRules(config.ManifestPath),
		log:        logger.With().Str("generation", config.Generation).Logger(),
		tracer:     otel.Tracer(tracerName),
	}
}

// OnInstall precaches the app shell into the current generation.
// It implements host.Worker.
func (a *Agent) OnInstall(ev *host.InstallEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		ctx, span := a.tracer.Start(ctx, "offlinecache.install")
		defer span.End()
		if err := a.install(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		ev.SkipWaiting()
		return nil
	})
}

// OnActivate purges all other generations and takes control of all requests.
// It implements host.Worker.
func (a *Agent) OnActivate(ev *host.ActivateEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		ctx, span := a.tracer.Start(ctx, "offlinecache.activate")
		defer span.End()
		if err := a.activate(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		ev.Claim()
		return nil
	})
}

// OnFetch routes GET requests to a strategy.
// Other requests are left alone, so the host sends them to the network.
// It implements host.Worker.
func (a *Agent) OnFetch(ev *host.FetchEvent) {
	req := ev.Request
	strategy, ok := a.rules.Classify(req, ev.IsNavigation())
	if !ok {
		a.log.Trace().Str("method", req.Method).Str("url", req.URL.String()).Msg("Not handling request")
		return
	}
	ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
		ctx, span := a.tracer.Start(ctx, "offlinecache.fetch", trace.WithAttributes(
			attribute.String("http.path", req.URL.Path),
			attribute.String("offlinecache.strategy", strategy.String()),
		))
		defer span.End()

		var (
			res *http.Response
			err error
		)
		switch strategy {
		case policy.FreshFirst:
			res, err = a.networkFirst(ctx, req)
		default:
			res, err = a.cacheFirst(ctx, req)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
		return res, nil
	})
}

// Entries returns the request identities stored in the current generation.
// It does not create the generation if it does not exist yet.
func (a *Agent) Entries(ctx context.Context) ([]string, error) {
	has, err := a.storage.Has(ctx, a.generation)
	if err != nil {
		return nil, err
	}
	if !has {
		return []string{}, nil
	}
	gen, err := a.current(ctx)
	if err != nil {
		return nil, err
	}
	return gen.Keys(ctx)
}

// current returns the handle to the current generation, opening it on first use.
// The handle is kept, so once a newer agent deletes the generation, lookups
// miss and writes fail instead of creating the generation again.
func (a *Agent) current(ctx context.Context) (cache.Generation, error) {
	a.genMutex.Lock()
	defer a.genMutex.Unlock()
	if a.gen != nil {
		return a.gen, nil
	}
	gen, err := a.storage.Open(ctx, a.generation)
	if err != nil {
		return nil, err
	}
	a.gen = gen
	return gen, nil
}

// Generation returns the tag of the current generation.
func (a *Agent) Generation() string {
	return a.generation
}

// Flush waits for detached cache writes to finish.
func (a *Agent) Flush() {
	a.pending.Wait()
}

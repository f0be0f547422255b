package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ericselin/offline-cache/cache"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// ErrPrecache is returned when the app shell could not be precached.
var ErrPrecache = errors.New("precache failed")

// install fetches every precache path and stores them in the current generation.
// All paths must be fetched successfully before anything is written.
func (a *Agent) install(ctx context.Context) error {
	gen, err := a.current(ctx)
	if err != nil {
		return fmt.Errorf("could not open generation: %w", err)
	}

	entries := make([]cache.Entry, len(a.precache))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range a.precache {
		i, path := i, path
		g.Go(func() error {
			entry, err := a.precacheEntry(gctx, path)
			entries[i] = entry
			return err
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Error().Err(err).Msg("Could not precache app shell")
		return err
	}

	if err := gen.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("%w: %w", ErrPrecache, err)
	}
	a.log.Info().Int("entries", len(entries)).Msg("Precached app shell")
	return nil
}

func (a *Agent) precacheEntry(ctx context.Context, path string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: %w", ErrPrecache, path, err)
	}
	key, err := cachekey.GetKey(req)
	if err != nil {
		return cache.Entry{}, err
	}
	a.log.Trace().Str("key", key).Msg("Precaching")

	res, err := a.network.Fetch(ctx, req)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: %w", ErrPrecache, path, err)
	}
	// only successful responses make up the app shell
	if res.StatusCode < 200 || res.StatusCode > 299 {
		res.Body.Close()
		return cache.Entry{}, fmt.Errorf("%w: %s: status %d", ErrPrecache, path, res.StatusCode)
	}
	snap, err := serializer.Clone(res)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%w: %s: %w", ErrPrecache, path, err)
	}
	bts, err := snap.Bytes()
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Entry{Key: key, StoredAt: snap.StoredAt, Bytes: bts}, nil
}

// activate deletes every generation except the current one.
// Entries of deleted generations are discarded, not migrated.
func (a *Agent) activate(ctx context.Context) error {
	tags, err := a.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("could not list generations: %w", err)
	}
	for _, tag := range tags {
		if tag == a.generation {
			continue
		}
		if _, err := a.storage.Delete(ctx, tag); err != nil {
			return fmt.Errorf("could not delete generation %s: %w", tag, err)
		}
		a.log.Info().Str("stale", tag).Msg("Deleted stale generation")
	}
	return nil
}

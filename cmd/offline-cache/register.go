package main

import (
	"context"
	"time"

	host "github.com/ericselin/offline-cache/pkg/worker-host"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// registerWithRetry registers the worker, retrying failed installs (e.g. the
// origin being down while precaching) with exponential backoff.
// It gives up after maxElapsed or when ctx is done. Until it succeeds the host
// proxies without a cache.
func registerWithRetry(ctx context.Context, h *host.Host, w host.Worker, b backoff.BackOff, maxElapsed time.Duration, log zerolog.Logger) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h.Register(ctx, w)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retryIn", next).Msg("Could not register worker, proxying without cache")
		}),
	)
	if err != nil {
		return err
	}
	log.Info().Interface("status", h.Status()).Msg("Worker registered")
	return nil
}

func newRegisterBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	return b
}

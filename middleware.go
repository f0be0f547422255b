package offlinecache

import (
	"context"
	"net/http"

	fetch "github.com/ericselin/offline-cache/pkg/origin-fetch"
	host "github.com/ericselin/offline-cache/pkg/worker-host"
)

// NewMiddleware puts an agent in front of an in-process handler.
// The handler acts as the network, for precaching as well as for requests
// the agent does not answer. Config.Network is ignored.
// The agent is installed and activated before the middleware is returned.
func NewMiddleware(ctx context.Context, next http.Handler, config Config) (http.Handler, *Agent, error) {
	network := fetch.NewHandlerFetcher(next)
	config.Network = network
	agent := New(config)
	h := host.New(host.Config{
		Network: network,
		Logger:  config.Logger,
	})
	if err := h.Register(ctx, agent); err != nil {
		return nil, nil, err
	}
	return h, agent, nil
}

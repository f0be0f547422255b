package main

import (
	"encoding/json"
	"net/http"
	"time"

	offlinecache "github.com/ericselin/offline-cache"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	host "github.com/ericselin/offline-cache/pkg/worker-host"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// commandPrefix is reserved for the proxy itself and never sent to the host.
const commandPrefix = "/.offline-cache"

const requestIDHeader = "X-Request-Id"

type status struct {
	Generation string      `json:"generation"`
	Host       host.Status `json:"host"`
	// request URIs stored in the current generation
	Entries []string `json:"entries"`
}

func newRouter(h *host.Host, agent *offlinecache.Agent, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Route(commandPrefix, func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			keys, err := agent.Entries(r.Context())
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("Could not list entries")
				http.Error(w, "Could not list entries", http.StatusInternalServerError)
				return
			}
			entries := make([]string, 0, len(keys))
			for _, key := range keys {
				req, err := cachekey.GetRequestFromKey(key)
				if err != nil {
					hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("Skipping malformed key")
					continue
				}
				entries = append(entries, req.URL.RequestURI())
			}
			writeJSON(w, r, status{
				Generation: agent.Generation(),
				Host:       h.Status(),
				Entries:    entries,
			})
		})
		r.Post("/activate", func(w http.ResponseWriter, r *http.Request) {
			if err := h.ActivateWaiting(r.Context()); err == host.ErrNoWaitingWorker {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			} else if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("Could not activate worker")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, r, h.Status())
		})
	})
	r.Handle("/*", h)
	return r
}

// requestID tags the request logger with an id, reusing one sent by the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		log := zerolog.Ctx(r.Context())
		log.UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("requestId", id)
		})
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write JSON")
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	offlinecache "github.com/ericselin/offline-cache"
	fetch "github.com/ericselin/offline-cache/pkg/origin-fetch"
	host "github.com/ericselin/offline-cache/pkg/worker-host"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) http.Handler {
	origin := chi.NewRouter()
	origin.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("origin " + r.URL.Path))
	})
	network := fetch.NewHandlerFetcher(origin)
	logger := zerolog.Nop()
	agent := offlinecache.New(offlinecache.Config{
		Network:  network,
		Precache: []string{"/", "/style.css"},
		Logger:   &logger,
	})
	h := host.New(host.Config{Network: network, Logger: &logger})
	require.NoError(t, h.Register(context.Background(), agent))
	return newRouter(h, agent, logger)
}

func TestStatus(t *testing.T) {
	router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/.offline-cache/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, rr.Header().Get(requestIDHeader))

	var s status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&s))
	require.Equal(t, offlinecache.DefaultGeneration, s.Generation)
	require.Equal(t, []string{"/", "/style.css"}, s.Entries)
	require.Equal(t, "activated", s.Host.ActiveState)
	require.True(t, s.Host.Controlling)
}

func TestActivateWithoutWaitingWorker(t *testing.T) {
	router := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("POST", "/.offline-cache/activate", nil))
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestRequestsGoToHost(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest("GET", "/style.css", nil)
	req.Header.Set(requestIDHeader, "abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "origin /style.css", rr.Body.String())
	require.Equal(t, "Offline-Cache; hit", rr.Header().Get("Cache-Status"))
	require.Equal(t, "abc", rr.Header().Get(requestIDHeader))
}

package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	cachestatus "github.com/ericselin/offline-cache/pkg/cache-status"
	fetch "github.com/ericselin/offline-cache/pkg/origin-fetch"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoWaitingWorker is returned when there is no installed worker to activate.
var ErrNoWaitingWorker = errors.New("no waiting worker")

type State int

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	}
	return "unknown"
}

type Config struct {
	// Network used for requests not answered by a worker.
	Network fetch.Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Host dispatches lifecycle and fetch events to registered workers and
// serves HTTP on their behalf.
// At most one worker is active and at most one is waiting at any time.
type Host struct {
	network fetch.Fetcher
	log     zerolog.Logger

	mutex       sync.RWMutex
	active      *registration
	waiting     *registration
	controlling bool
}

type registration struct {
	id     string
	worker Worker
	state  State
}

func New(config Config) *Host {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Host{
		network: config.Network,
		log:     logger,
	}
}

// Register installs the worker and, if it asks to skip waiting or there is
// no active worker, activates it.
// If installation fails the worker is discarded and the current worker stays active.
func (h *Host) Register(ctx context.Context, w Worker) error {
	reg := &registration{id: uuid.NewString(), worker: w, state: Installing}
	log := h.log.With().Str("worker", reg.id).Logger()

	log.Debug().Msg("Installing worker")
	ev := &InstallEvent{}
	if err := h.dispatch(func() { w.OnInstall(ev) }); err != nil {
		reg.state = Redundant
		return fmt.Errorf("install failed: %w", err)
	}
	if err := ev.wait(ctx); err != nil {
		reg.state = Redundant
		log.Error().Err(err).Msg("Install failed, worker is redundant")
		return fmt.Errorf("install failed: %w", err)
	}

	h.mutex.Lock()
	reg.state = Installed
	if h.waiting != nil {
		h.waiting.state = Redundant
	}
	h.waiting = reg
	hasActive := h.active != nil
	h.mutex.Unlock()

	if ev.skipWaiting.Load() || !hasActive {
		return h.ActivateWaiting(ctx)
	}
	log.Debug().Msg("Worker installed, waiting for activation")
	return nil
}

// ActivateWaiting replaces the active worker with the waiting one.
// The worker is active even if one of its activation tasks fails;
// the error is returned for the caller to report.
func (h *Host) ActivateWaiting(ctx context.Context) error {
	h.mutex.Lock()
	reg := h.waiting
	if reg == nil {
		h.mutex.Unlock()
		return ErrNoWaitingWorker
	}
	h.waiting = nil
	if h.active != nil {
		h.active.state = Redundant
	}
	reg.state = Activating
	h.active = reg
	h.controlling = false
	h.mutex.Unlock()

	log := h.log.With().Str("worker", reg.id).Logger()
	log.Debug().Msg("Activating worker")
	ev := &ActivateEvent{}
	err := h.dispatch(func() { reg.worker.OnActivate(ev) })
	if err == nil {
		err = ev.wait(ctx)
	}

	h.mutex.Lock()
	reg.state = Activated
	if ev.claim.Load() {
		h.controlling = true
	}
	h.mutex.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("activate failed: %w", err)
	}
	log.Info().Bool("claimed", ev.claim.Load()).Msg("Worker activated")
	return nil
}

// controller returns the worker that controls the request, if any.
// An active worker that has not claimed control takes it at the next navigation.
func (h *Host) controller(ev *FetchEvent) *registration {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.active == nil || h.active.state != Activated {
		return nil
	}
	if !h.controlling && ev.IsNavigation() {
		h.controlling = true
	}
	if !h.controlling {
		return nil
	}
	return h.active
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := &trackingWriter{ResponseWriter: rw}
	defer h.recover(w, r)

	ev := newFetchEvent(r)
	reg := h.controller(ev)
	if reg == nil {
		h.passThrough(w, r, cachestatus.FwdBypass)
		return
	}

	reg.worker.OnFetch(ev)
	if ev.responder == nil {
		reason := cachestatus.FwdBypass
		if r.Method != http.MethodGet {
			reason = cachestatus.FwdMethod
		}
		h.passThrough(w, r, reason)
		return
	}

	res, err := ev.responder(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Worker could not respond")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	h.send(w, res)
}

func (h *Host) passThrough(w http.ResponseWriter, r *http.Request, reason cachestatus.FwdReason) {
	res, err := h.network.Fetch(r.Context(), r)
	if err != nil {
		h.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)
	res.Header.Add(cachestatus.HeaderName, cs.String())
	h.send(w, res)
}

// dispatch calls a worker event handler, turning a panic into an error.
func (h *Host) dispatch(handler func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in event handler: %v", p)
		}
	}()
	handler()
	return nil
}

// recover recovers from panics in the fetch handler and sends the request
// through to the network instead, unless part of a response was already sent.
func (h *Host) recover(w *trackingWriter, r *http.Request) {
	if err := recover(); err != nil {
		h.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Bool("written", w.written).Msg("Panic in fetch handler")
		if w.written {
			return
		}
		h.passThrough(w, r, cachestatus.FwdBypass)
	}
}

// trackingWriter remembers whether anything was sent to the client.
type trackingWriter struct {
	http.ResponseWriter
	written bool
}

func (w *trackingWriter) WriteHeader(statusCode int) {
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (h *Host) send(w http.ResponseWriter, res *http.Response) {
	evt := h.log.Debug().Int("status", res.StatusCode)
	if res.Request != nil {
		evt = evt.Str("url", res.Request.URL.String())
	}
	evt.Str("cache", res.Header.Get(cachestatus.HeaderName)).Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	fetch.CopyHeaders(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	h.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// Status describes the workers known to the host.
type Status struct {
	Active      string `json:"active,omitempty"`
	ActiveState string `json:"activeState,omitempty"`
	Waiting     string `json:"waiting,omitempty"`
	Controlling bool   `json:"controlling"`
}

func (h *Host) Status() Status {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	s := Status{Controlling: h.controlling}
	if h.active != nil {
		s.Active = h.active.id
		s.ActiveState = h.active.state.String()
	}
	if h.waiting != nil {
		s.Waiting = h.waiting.id
	}
	return s
}

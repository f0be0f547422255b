package host

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Worker receives the events dispatched by the host.
type Worker interface {
	OnInstall(ev *InstallEvent)
	OnActivate(ev *ActivateEvent)
	OnFetch(ev *FetchEvent)
}

// ExtendableEvent is a lifecycle event whose completion the host awaits.
type ExtendableEvent struct {
	tasks []func(ctx context.Context) error
}

// WaitUntil extends the event until the task completes.
// If any task fails, the lifecycle transition fails.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context) error) {
	e.tasks = append(e.tasks, task)
}

// wait runs all tasks and waits for them to complete.
func (e *ExtendableEvent) wait(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range e.tasks {
		task := task
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait()
}

type InstallEvent struct {
	ExtendableEvent
	skipWaiting atomic.Bool
}

// SkipWaiting activates the worker as soon as it is installed,
// instead of waiting for the current worker to be released.
func (e *InstallEvent) SkipWaiting() {
	e.skipWaiting.Store(true)
}

type ActivateEvent struct {
	ExtendableEvent
	claim atomic.Bool
}

// Claim takes control of all requests right away,
// instead of waiting for the next navigation.
func (e *ActivateEvent) Claim() {
	e.claim.Store(true)
}

// Request modes, as sent by browsers in the Sec-Fetch-Mode header.
const (
	ModeNavigate   = "navigate"
	ModeCORS       = "cors"
	ModeNoCORS     = "no-cors"
	ModeSameOrigin = "same-origin"
)

type FetchEvent struct {
	Request *http.Request
	Mode    string

	responder func(ctx context.Context) (*http.Response, error)
}

func newFetchEvent(r *http.Request) *FetchEvent {
	return &FetchEvent{
		Request: r,
		Mode:    RequestMode(r),
	}
}

// IsNavigation reports whether the request is a full page load.
func (e *FetchEvent) IsNavigation() bool {
	return e.Mode == ModeNavigate
}

// RespondWith takes over the response to the request.
// If it is never called, the host fetches the request from the network as usual.
// It must be called at most once.
func (e *FetchEvent) RespondWith(responder func(ctx context.Context) (*http.Response, error)) {
	if e.responder != nil {
		panic("RespondWith called twice")
	}
	e.responder = responder
}

// RequestMode derives the request mode from the Sec-Fetch-Mode header.
// Without it, a GET accepting HTML is taken to be a navigation and
// anything else to be a no-cors request.
func RequestMode(r *http.Request) string {
	if mode := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode"))); mode != "" {
		return mode
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

package host

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	fetch "github.com/ericselin/offline-cache/pkg/origin-fetch"

	"github.com/rs/zerolog"
)

type testWorker struct {
	installErr  error
	skipWaiting bool
	claim       bool
	body        string
	panicFetch  bool
	panicBody   bool
	activations int
}

func (w *testWorker) OnInstall(ev *InstallEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		if w.installErr != nil {
			return w.installErr
		}
		if w.skipWaiting {
			ev.SkipWaiting()
		}
		return nil
	})
}

func (w *testWorker) OnActivate(ev *ActivateEvent) {
	ev.WaitUntil(func(ctx context.Context) error {
		w.activations++
		if w.claim {
			ev.Claim()
		}
		return nil
	})
}

func (w *testWorker) OnFetch(ev *FetchEvent) {
	if w.panicFetch {
		panic("boom")
	}
	if ev.Request.Method != http.MethodGet {
		return
	}
	ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
		if w.body == "" {
			return nil, errors.New("offline")
		}
		if w.panicBody {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(panicReader{}),
				Request:    ev.Request,
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(w.body)),
			Request:    ev.Request,
		}, nil
	})
}

func newTestHost() *Host {
	logger := zerolog.Nop()
	return New(Config{
		Logger: &logger,
		Network: fetch.NewHandlerFetcher(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("network"))
		})),
	})
}

func get(h http.Handler, path string, navigate bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if navigate {
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	} else {
		req.Header.Set("Sec-Fetch-Mode", "no-cors")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestUnclaimedWorkerControlsAfterNavigation(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{body: "worker"}); err != nil {
		t.Fatal(err)
	}
	if s := h.Status(); s.ActiveState != "activated" || s.Controlling {
		t.Fatalf("Status is %+v", s)
	}
	if body := get(h, "/style.css", false).Body.String(); body != "network" {
		t.Fatalf("Body is %s", body)
	}
	if body := get(h, "/", true).Body.String(); body != "worker" {
		t.Fatalf("Body is %s", body)
	}
	if body := get(h, "/style.css", false).Body.String(); body != "worker" {
		t.Fatalf("Body is %s", body)
	}
}

func TestClaimControlsImmediately(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{body: "worker", claim: true}); err != nil {
		t.Fatal(err)
	}
	if body := get(h, "/style.css", false).Body.String(); body != "worker" {
		t.Fatalf("Body is %s", body)
	}
}

func TestInstallFailureKeepsActiveWorker(t *testing.T) {
	h := newTestHost()
	first := &testWorker{body: "first", claim: true}
	if err := h.Register(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	active := h.Status().Active

	installErr := errors.New("precache failed")
	err := h.Register(context.Background(), &testWorker{installErr: installErr, skipWaiting: true})
	if !errors.Is(err, installErr) {
		t.Fatalf("Error is %v", err)
	}
	if s := h.Status(); s.Active != active || s.Waiting != "" {
		t.Fatalf("Status is %+v", s)
	}
	if body := get(h, "/", true).Body.String(); body != "first" {
		t.Fatalf("Body is %s", body)
	}
}

func TestWaitingWithoutSkipWaiting(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{body: "first", claim: true}); err != nil {
		t.Fatal(err)
	}
	second := &testWorker{body: "second", claim: true}
	if err := h.Register(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if s := h.Status(); s.Waiting == "" || second.activations != 0 {
		t.Fatalf("Status is %+v", s)
	}
	if body := get(h, "/", true).Body.String(); body != "first" {
		t.Fatalf("Body is %s", body)
	}

	if err := h.ActivateWaiting(context.Background()); err != nil {
		t.Fatal(err)
	}
	if body := get(h, "/", true).Body.String(); body != "second" {
		t.Fatalf("Body is %s", body)
	}
	if err := h.ActivateWaiting(context.Background()); err != ErrNoWaitingWorker {
		t.Fatalf("Error is %v", err)
	}
}

func TestSkipWaitingReplacesActive(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{body: "first", claim: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.Register(context.Background(), &testWorker{body: "second", claim: true, skipWaiting: true}); err != nil {
		t.Fatal(err)
	}
	if body := get(h, "/style.css", false).Body.String(); body != "second" {
		t.Fatalf("Body is %s", body)
	}
}

func TestResponderErrorIsBadGateway(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{claim: true}); err != nil {
		t.Fatal(err)
	}
	if rr := get(h, "/report/42.html", true); rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestNotRespondingPassesThrough(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{body: "worker", claim: true}); err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/report/42.html", nil))
	if rr.Body.String() != "network" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "Offline-Cache; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestPanicPassesThrough(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{panicFetch: true, claim: true}); err != nil {
		t.Fatal(err)
	}
	if body := get(h, "/", true).Body.String(); body != "network" {
		t.Fatalf("Body is %s", body)
	}
}

type panicReader struct{}

func (panicReader) Read(p []byte) (int, error) {
	panic("read failed")
}

func TestPanicAfterHeadersDoesNotPassThrough(t *testing.T) {
	h := newTestHost()
	if err := h.Register(context.Background(), &testWorker{body: "worker", panicBody: true, claim: true}); err != nil {
		t.Fatal(err)
	}
	rr := get(h, "/", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := rr.Body.String(); body != "" {
		t.Fatalf("Body is %s", body)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestRequestMode(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Sec-Fetch-Mode", "Navigate")
	if mode := RequestMode(req); mode != ModeNavigate {
		t.Fatalf("Mode is %s", mode)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if mode := RequestMode(req); mode != ModeNavigate {
		t.Fatalf("Mode is %s", mode)
	}
	req = httptest.NewRequest("GET", "/manifest.json", nil)
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Accept", "text/html")
	if mode := RequestMode(req); mode != ModeCORS {
		t.Fatalf("Mode is %s", mode)
	}
	if mode := RequestMode(httptest.NewRequest("GET", "/style.css", nil)); mode != ModeNoCORS {
		t.Fatalf("Mode is %s", mode)
	}
}

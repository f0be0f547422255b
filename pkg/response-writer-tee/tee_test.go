package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResultFromHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("body{}"))
	})
	rs := NewResponseSaver(nil)
	handler.ServeHTTP(rs, httptest.NewRequest("GET", "/style.css", nil))

	res, err := rs.Result(nil)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusAccepted || string(body) != "body{}" {
		t.Fatalf("Response is %d %s", res.StatusCode, body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("Content-Type is %s", ct)
	}
}

func TestEmptyHandlerIsOK(t *testing.T) {
	rs := NewResponseSaver(nil)
	res, err := rs.Result(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestTeeWritesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Header().Set("X-Test", "yes")
	rs.Write([]byte("hello"))
	if rr.Body.String() != "hello" || rr.Header().Get("X-Test") != "yes" {
		t.Fatalf("Recorder got %s %v", rr.Body.String(), rr.Header())
	}
	res, err := rs.Result(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestHeadersAfterStatusAreIgnored(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Header().Set("X-Before", "yes")
	rs.WriteHeader(http.StatusNotFound)
	rs.Header().Set("X-After", "yes")
	rs.WriteHeader(http.StatusOK)

	res, err := rs.Result(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Header.Get("X-Before") != "yes" || res.Header.Get("X-After") != "" {
		t.Fatalf("Headers are %v", res.Header)
	}
}

package serializer

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestCloneBodyIntact(t *testing.T) {
	response := `HTTP/1.1 200 OK
Server: Test
Content-Length: 16

This is the body`

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		panic(err)
	}

	snap, err := Clone(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
	if string(snap.Body) != "This is the body" {
		t.Fatalf("Snapshot body: %s", snap.Body)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	res := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": {"text/css"}},
		Body:       io.NopCloser(strings.NewReader("body{}")),
	}
	snap, err := Clone(res)
	if err != nil {
		t.Fatal(err)
	}
	res.Header.Set("Content-Type", "changed")
	if ct := snap.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("Snapshot header changed to %s", ct)
	}
	// every response built from the snapshot can be read in full
	for i := 0; i < 2; i++ {
		body, _ := io.ReadAll(snap.Response(nil).Body)
		if string(body) != "body{}" {
			t.Fatalf("Body %d is %s", i, body)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCloneBodyReadFailure(t *testing.T) {
	res := &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(failingReader{})}
	if _, err := Clone(res); err == nil {
		t.Fatal("Expected error")
	}
}

func TestSnapshotSerialization(t *testing.T) {
	storedAt := time.Now()
	snap := Snapshot{
		StatusCode: 201,
		Header:     http.Header{},
		Body:       []byte("report"),
		StoredAt:   storedAt,
	}
	snap.Header.Add("Test", "-ing")
	bts, err := snap.Bytes()
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	snap2, err := FromBytes(bts, nil)
	if err != nil {
		t.Fatalf("Error creating snapshot: %+v", err)
	}
	if snap2.StatusCode != 201 || string(snap2.Body) != "report" {
		t.Fatalf("Snapshot is %+v", snap2)
	}
	if snap2.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", snap2.Header)
	}
	if snap2.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Extra header not removed %+v", snap2.Header)
	}
	if !snap2.StoredAt.Equal(storedAt.Round(0)) {
		t.Fatalf("Stored at %v, expected %v", snap2.StoredAt, storedAt)
	}
}

package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

// Snapshot is an immutable point-in-time copy of a response.
// It is independent of the live response it was cloned from.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the snapshot was taken.
	StoredAt time.Time
}

// Clone duplicates a response.
// A response body can be consumed only once, so the body is read here and
// the live response gets a new body over the same bytes.
func Clone(res *http.Response) (Snapshot, error) {
	snap := Snapshot{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
		StoredAt:   time.Now(),
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	if res.Body != nil {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return snap, fmt.Errorf("could not read response body: %w", err)
		}
		snap.Body = body
	}
	res.Body = io.NopCloser(bytes.NewReader(snap.Body))
	res.ContentLength = int64(len(snap.Body))
	return snap, nil
}

// Response creates a new response from the snapshot.
// Every call returns a response with its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Bytes returns the HTTP/1.1 representation of the snapshot.
func (s Snapshot) Bytes() ([]byte, error) {
	res := s.Response(nil)
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(s.StoredAt.UnixNano(), 10))
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes reads a snapshot written by Snapshot.Bytes.
// The request is the one the snapshot is matched against, if known.
func FromBytes(b []byte, req *http.Request) (Snapshot, error) {
	snap := Snapshot{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return snap, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return snap, err
	}
	if storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		snap.StoredAt = time.Unix(0, storedAt)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	snap.StatusCode = res.StatusCode
	snap.Header = res.Header
	snap.Body = body
	return snap, nil
}

package tee

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseSaver records the response an in-process handler writes, so that it
// can be handed around as an *http.Response like one from the network.
// With a non-nil writer the response also goes through to it as it is written.
type ResponseSaver struct {
	rw     http.ResponseWriter
	header http.Header
	// headers as they were when the status was sent
	sent   http.Header
	status int
	body   bytes.Buffer
}

// NewResponseSaver returns a new ResponseSaver.
// If w is nil, the response is only recorded.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:     w,
		header: http.Header{},
	}
}

// Header implements http.ResponseWriter.
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// WriteHeader implements http.ResponseWriter.
// Only the first call counts; headers changed after it are not recorded.
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.sent != nil {
		return
	}
	t.status = statusCode
	t.sent = t.header.Clone()
	if t.rw != nil {
		for k, vv := range t.sent {
			for _, v := range vv {
				t.rw.Header().Add(k, v)
			}
		}
		t.rw.WriteHeader(statusCode)
	}
}

// Write implements http.ResponseWriter.
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if t.sent == nil {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			return 0, err
		}
	}
	return t.body.Write(b)
}

// Result returns the recorded response as a response to req.
// The body is a copy, so Result may be called more than once.
func (t *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	if t.sent == nil {
		t.WriteHeader(http.StatusOK)
	}
	if t.status < 100 || t.status > 999 {
		return nil, fmt.Errorf("invalid status code %d", t.status)
	}
	body := bytes.Clone(t.body.Bytes())
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", t.status, http.StatusText(t.status)),
		StatusCode:    t.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.sent.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

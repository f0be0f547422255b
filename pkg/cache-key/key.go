package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorMethodNotSupported is returned for requests that have no request identity.
// Only GET requests are stored.
var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

// GetKey returns the request identity for a request, i.e. the method and the
// origin-relative URL (path and query).
// Fragments never reach the server, so they are not part of the key.
func GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return r.Method + methodSeparator + r.URL.RequestURI(), nil
}

// GetRequestFromKey generates a request equal (caching-wise) to the request
// that resulted in the provided key.
func GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || uri == "" {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

package fetch

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	tee "github.com/ericselin/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
)

// Fetcher performs a single network attempt for a request.
// An error means the network failed; any response, whatever its status, is a success.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// shared transport, tuned for keeping connections to the origin alive
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

type OriginConfig struct {
	// URL of the origin server.
	// Origins with paths are not supported.
	URL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host string
	// Timeout for a single request, including reading the body.
	// Zero means no timeout.
	Timeout time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// OriginFetcher fetches requests from a remote origin server.
type OriginFetcher struct {
	origin     string
	originHost string
	httpClient http.Client
	log        zerolog.Logger
}

func NewOriginFetcher(config OriginConfig) *OriginFetcher {
	transport := defaultTransport.Clone()
	// use provided hostname for origin if configured
	if config.Host != "" {
		transport.TLSClientConfig = &tls.Config{
			ServerName: config.Host,
		}
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &OriginFetcher{
		log:        logger,
		origin:     strings.TrimSuffix(config.URL.String(), "/"),
		originHost: config.Host,
		httpClient: http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			// do not follow redirects, the client does that
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch the resource specified in the incoming request from the origin.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.origin + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		f.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	req.ContentLength = r.ContentLength
	if f.originHost != "" {
		req.Host = f.originHost
	}
	CopyHeaders(req.Header, r.Header)
	f.log.Trace().Str("uri", uri).Msgf("Executing request %s", req.Method)
	return f.httpClient.Do(req)
}

// NewHandlerFetcher uses an in-process handler as the network,
// e.g. when the agent is used as a middleware in front of the app itself.
func NewHandlerFetcher(next http.Handler) Fetcher {
	return FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rs := tee.NewResponseSaver(nil)
		next.ServeHTTP(rs, r.WithContext(ctx))
		return rs.Result(r)
	})
}

// hopByHopHeaders must not be forwarded by proxies (RFC 7230).
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders copies end-to-end headers from src to dst.
func CopyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(k)]; ok {
			continue
		}
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

package offlinecache

import (
	"context"
	"net/http"
	"time"

	"github.com/ericselin/offline-cache/cache"
	cachekey "github.com/ericselin/offline-cache/pkg/cache-key"
	cachestatus "github.com/ericselin/offline-cache/pkg/cache-status"
	serializer "github.com/ericselin/offline-cache/pkg/response-serializer"
)

// upper bound for a single detached cache write
const persistTimeout = 30 * time.Second

// partialHeaders make the network answer with something other than the whole
// resource. They are dropped from requests whose response is stored.
var partialHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// networkFirst answers with a fresh network response and refreshes the cache
// with it. Only if the network fails is the stored response used.
func (a *Agent) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	res, stored, netErr := a.fetchAndPersist(ctx, req)
	if netErr == nil {
		cs := cachestatus.CacheStatus{Stored: stored}
		cs.Forward(cachestatus.FwdRequest)
		setCacheStatus(res, cs)
		return res, nil
	}
	a.log.Debug().Err(netErr).Str("url", req.URL.String()).Msg("Network failed, trying cache")

	res, ok := a.match(ctx, req)
	if !ok {
		// no fallback, so the network failure stands
		return nil, netErr
	}
	cs := cachestatus.CacheStatus{Detail: "offline"}
	cs.Hit()
	setCacheStatus(res, cs)
	return res, nil
}

// cacheFirst answers with the stored response if there is one.
// On a miss the network response is used and stored for next time.
// Stored responses are never revalidated.
func (a *Agent) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	if res, ok := a.match(ctx, req); ok {
		cs := cachestatus.CacheStatus{}
		cs.Hit()
		setCacheStatus(res, cs)
		return res, nil
	}
	res, stored, err := a.fetchAndPersist(ctx, req)
	if err != nil {
		return nil, err
	}
	cs := cachestatus.CacheStatus{Stored: stored}
	cs.Forward(cachestatus.FwdUriMiss)
	setCacheStatus(res, cs)
	return res, nil
}

// fetchAndPersist makes the single network attempt and hands a duplicate of
// the response to the store. The caller gets the live response.
// The network is asked for the whole resource, never a conditional or partial
// one, since the snapshot answers every later request for the key.
func (a *Agent) fetchAndPersist(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	netReq := req.Clone(ctx)
	for _, h := range partialHeaders {
		netReq.Header.Del(h)
	}
	res, err := a.network.Fetch(ctx, netReq)
	if err != nil {
		return nil, false, err
	}
	// an origin may still answer with less than the whole resource
	if res.StatusCode == http.StatusPartialContent || res.StatusCode == http.StatusNotModified {
		a.log.Debug().Int("status", res.StatusCode).Str("url", req.URL.String()).Msg("Not storing partial response")
		return res, false, nil
	}
	snap, err := serializer.Clone(res)
	if err != nil {
		// a body that cannot be read is as good as no response
		return nil, false, err
	}
	a.persist(req, snap)
	return res, true, nil
}

// match looks the request up in the current generation.
// Storage errors count as a miss.
func (a *Agent) match(ctx context.Context, req *http.Request) (*http.Response, bool) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		return nil, false
	}
	log := a.log.With().Str("key", key).Logger()
	gen, err := a.current(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not open generation")
		return nil, false
	}
	entry, ok, err := gen.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("Could not get cached response")
		return nil, false
	}
	if !ok {
		log.Trace().Msg("Cache miss")
		return nil, false
	}
	snap, err := serializer.FromBytes(entry.Bytes, req)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read cached response")
		return nil, false
	}
	log.Trace().Time("storedAt", entry.StoredAt).Msg("Cache hit")
	return snap.Response(req), true
}

// persist writes the snapshot to the current generation in the background.
// The response is not held back for the write. A failed write is logged and
// dropped; there are no retries.
func (a *Agent) persist(req *http.Request, snap serializer.Snapshot) {
	key, err := cachekey.GetKey(req)
	if err != nil {
		return
	}
	a.pending.Add(1)
	go func() {
		defer a.pending.Done()
		log := a.log.With().Str("key", key).Logger()
		// not bound to the request, which may be done before the write is
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		bts, err := snap.Bytes()
		if err != nil {
			log.Warn().Err(err).Msg("Could not serialize response")
			return
		}
		gen, err := a.current(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Could not open generation")
			return
		}
		if err := gen.Put(ctx, cache.Entry{Key: key, StoredAt: snap.StoredAt, Bytes: bts}); err != nil {
			log.Warn().Err(err).Msg("Could not store response")
			return
		}
		log.Trace().Msg("Stored response")
	}()
}

func setCacheStatus(res *http.Response, cs cachestatus.CacheStatus) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Add(cachestatus.HeaderName, cs.String())
}

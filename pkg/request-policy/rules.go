package policy

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// Strategy is how a request is answered.
type Strategy int

const (
	// CachePreferred answers from the store, going to the network only on a miss.
	CachePreferred Strategy = iota
	// FreshFirst answers from the network, falling back to the store only on failure.
	FreshFirst
)

func (s Strategy) String() string {
	switch s {
	case FreshFirst:
		return "fresh-first"
	case CachePreferred:
		return "cache-preferred"
	}
	return "unknown"
}

type Rules []Rule

// Rule matches requests by navigation mode or by exact path.
// A rule with both fields set requires both to match.
type Rule struct {
	Navigate bool
	// Exact path, never a prefix or a pattern.
	Path     string
	Strategy Strategy
}

// DefaultRules treats page loads and the content manifest as fresh-first.
func DefaultRules(manifestPath string) Rules {
	return Rules{
		Rule{Navigate: true, Strategy: FreshFirst},
		Rule{Path: manifestPath, Strategy: FreshFirst},
	}
}

// Classify returns the strategy for the request.
// Non-GET requests and range requests are not handled and classify as false.
// Requests matching no rule are cache-preferred.
func (r Rules) Classify(req *http.Request, navigate bool) (Strategy, bool) {
	if req.Method != http.MethodGet {
		return CachePreferred, false
	}
	// partial content is never stored or served from the store
	if req.Header.Get("Range") != "" {
		return CachePreferred, false
	}
	if rule := r.find(req, navigate); rule != nil {
		return rule.Strategy, true
	}
	return CachePreferred, true
}

func (r Rules) find(req *http.Request, navigate bool) *Rule {
	for _, rule := range r {
		if !rule.Navigate && rule.Path == "" {
			log.Trace().Msg("Skipping rule without conditions")
			continue
		}
		if rule.Navigate && !navigate {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		log.Trace().Msgf("Request %s matched rule %+v", req.URL.Path, rule)
		return &rule
	}
	return nil
}

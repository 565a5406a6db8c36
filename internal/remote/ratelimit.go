package remote

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"
)

// RetryAfter extracts a retry hint from a 429 response.
//
// The RateLimit header is an RFC 8941 Dictionary; the reset is read from
// the "t" member (current draft) or "reset" (older draft), in seconds:
//   - RateLimit: limit=100, remaining=0, reset=30  → 30s
//   - RateLimit: "default";r=0;t=12               → 12s (inner list params)
//
// Falls back to a delta-seconds Retry-After header. Returns zero when no
// usable hint is present.
func RetryAfter(h http.Header) time.Duration {
	if v := strings.TrimSpace(h.Get("RateLimit")); v != "" {
		if d, ok := parseRateLimit(v); ok {
			return d
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func parseRateLimit(header string) (time.Duration, bool) {
	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return 0, false
	}

	for _, name := range []string{"t", "reset"} {
		if member, ok := dict.Get(name); ok {
			if item, ok := member.(httpsfv.Item); ok {
				if d, ok := seconds(item.Value); ok {
					return d, true
				}
			}
		}
	}

	// Policy-keyed form: every member carries its own parameters.
	for _, name := range dict.Names() {
		member, _ := dict.Get(name)
		var params *httpsfv.Params
		switch m := member.(type) {
		case httpsfv.Item:
			params = m.Params
		case httpsfv.InnerList:
			params = m.Params
		}
		if params == nil {
			continue
		}
		if v, ok := params.Get("t"); ok {
			if d, ok := seconds(v); ok {
				return d, true
			}
		}
	}
	return 0, false
}

func seconds(v interface{}) (time.Duration, bool) {
	n, ok := v.(int64)
	if !ok || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// CLAUDE:SUMMARY Canonical URL form for artifact identity: lowercase scheme/host, drop fragment and tracking params, sort query, strip trailing slash.
// CLAUDE:EXPORTS CanonicalURL, RegistrableDomain
package dedup

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// trackingParams are query parameters that identify a click, not a resource.
// Keeping them would split one artifact into many identities.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
	"spm":     true,
	"_hsenc":  true,
	"_hsmi":   true,
	"yclid":   true,
	"wbraid":  true,
	"gbraid":  true,
}

func isTrackingParam(k string) bool {
	return trackingParams[k] || strings.HasPrefix(k, "utm_")
}

// CanonicalURL normalizes a URL for dedup comparison: lowercases scheme and
// host, removes the fragment, strips tracking parameters, sorts the remaining
// query params, and trims the trailing slash (except root).
// Does NOT upgrade http to https (different servers, different resources).
func CanonicalURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidInput)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidInput)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")

	if parsed.RawQuery != "" {
		params := parsed.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			if isTrackingParam(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for i, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}

	return parsed.String(), nil
}

// RegistrableDomain extracts the eTLD+1 for a canonical URL ("news.bbc.co.uk"
// → "bbc.co.uk"). Falls back to the bare host when the public suffix list
// cannot resolve it (IP literals, localhost).
func RegistrableDomain(canonical string) string {
	parsed, err := url.Parse(canonical)
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := parsed.Hostname()
	dom, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return dom
}

// Package urlclassify recognizes and normalizes the platform URLs the queue
// accepts: tiktok.com, instagram.com reel/post/tv links, and x.com/twitter.com
// status links. It has no dependency on the queue itself — the enqueue API
// runs Classify on each submitted URL before anything is persisted.
package urlclassify

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Platform identifies which downloader backend a classified URL belongs to.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
	PlatformX         Platform = "x"
)

var (
	urlRe          = regexp.MustCompile(`(?i)https?://\S+`)
	twitterStatRe  = regexp.MustCompile(`(?i)^/[^/]+/status/\d+`)
	trackingParams = map[string]struct{}{"si": {}, "feature": {}, "igshid": {}}
)

// Extracted is a URL found in freeform text, along with the form it is
// normalized to for deduplication and the platform it targets.
type Extracted struct {
	InputURL      string
	NormalizedURL string
	Platform      Platform
}

// cleanCandidate trims whitespace and the trailing punctuation a URL regex
// match commonly picks up from surrounding prose ("check this out: url.").
func cleanCandidate(raw string) string {
	s := strings.TrimSpace(raw)
	return strings.TrimRight(s, ").,;!?\"'")
}

// normalizeHost lowercases netloc, strips userinfo and port, and drops a
// leading "www.".
func normalizeHost(netloc string) string {
	host := strings.ToLower(strings.TrimSpace(netloc))
	if i := strings.IndexByte(host, '@'); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	return host
}

// stripTrackingQuery drops utm_* and known tracking keys, then re-encodes the
// remaining pairs sorted by key and value so two URLs that differ only in
// query param order or casing of tracking junk normalize identically.
func stripTrackingQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}

	type pair struct{ key, value string }
	var kept []pair
	for key, vals := range values {
		lowerKey := strings.ToLower(key)
		if strings.HasPrefix(lowerKey, "utm_") {
			continue
		}
		if _, tracked := trackingParams[lowerKey]; tracked {
			continue
		}
		for _, v := range vals {
			kept = append(kept, pair{key, v})
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].key != kept[j].key {
			return kept[i].key < kept[j].key
		}
		return kept[i].value < kept[j].value
	})

	out := url.Values{}
	for _, p := range kept {
		out.Add(p.key, p.value)
	}
	return out.Encode()
}

// NormalizeURL canonicalizes a URL to https scheme, normalized host, a
// slash-trimmed path (never empty), and a tracking-stripped sorted query —
// the form used for the dedup key and the job's normalized_url field.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := normalizeHost(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	query := stripTrackingQuery(parsed.RawQuery)

	out := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     path,
		RawQuery: query,
	}
	return out.String()
}

func isTikTok(host string) bool {
	return host == "tiktok.com" || strings.HasSuffix(host, ".tiktok.com")
}

func isInstagram(host, path string) bool {
	if host != "instagram.com" && !strings.HasSuffix(host, ".instagram.com") {
		return false
	}
	lowered := strings.ToLower(path)
	return strings.Contains(lowered, "/reel/") || strings.Contains(lowered, "/p/") || strings.Contains(lowered, "/tv/")
}

func isXStatus(host, path string) bool {
	switch host {
	case "x.com", "twitter.com", "mobile.twitter.com":
	default:
		return false
	}
	return twitterStatRe.MatchString(path)
}

// Classify inspects a single URL-shaped string and reports the platform it
// targets, or ok=false if it is not one of the three supported platforms.
func Classify(raw string) (Extracted, bool) {
	cleaned := cleanCandidate(raw)
	parsed, err := url.Parse(cleaned)
	if err != nil {
		return Extracted{}, false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return Extracted{}, false
	}

	host := normalizeHost(parsed.Host)
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	var platform Platform
	switch {
	case isTikTok(host):
		platform = PlatformTikTok
	case isInstagram(host, path):
		platform = PlatformInstagram
	case isXStatus(host, path):
		platform = PlatformX
	default:
		return Extracted{}, false
	}

	return Extracted{
		InputURL:      cleaned,
		NormalizedURL: NormalizeURL(cleaned),
		Platform:      platform,
	}, true
}

// ExtractSupported scans freeform text for http(s) URLs and returns every
// supported one, deduplicated by normalized form in first-seen order.
func ExtractSupported(text string) []Extracted {
	if text == "" {
		return nil
	}

	matches := urlRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var items []Extracted
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		extracted, ok := Classify(m)
		if !ok {
			continue
		}
		if _, dup := seen[extracted.NormalizedURL]; dup {
			continue
		}
		seen[extracted.NormalizedURL] = struct{}{}
		items = append(items, extracted)
	}
	return items
}

package provider

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaximumCachedFileAge applies when a response carries no usable
// Cache-Control or Expires header.
const DefaultMaximumCachedFileAge = 7 * 24 * time.Hour

// DefaultUserAgent is what the service sends unless configured otherwise.
const DefaultUserAgent = "tilecache"

var ErrUserAgentRequired = errors.New("tile source requires a meaningful user agent")

type Flag uint8

const (
	FlagNoBulk Flag = 1 << iota
	FlagNoPreventive
	FlagUserAgentMeaningful
	FlagUserAgentNormalized
)

var flagNames = map[string]Flag{
	"no_bulk":               FlagNoBulk,
	"no_preventive":         FlagNoPreventive,
	"user_agent_meaningful": FlagUserAgentMeaningful,
	"user_agent_normalized": FlagUserAgentNormalized,
}

// ParseFlags combines flag names such as "no_bulk" into a Flag set.
func ParseFlags(names []string) (Flag, error) {
	var flags Flag
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		f, ok := flagNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown tile policy flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// Policy is the usage policy of a tile source plus the expiration knobs
// applied to its responses.
type Policy struct {
	// MaxConcurrent caps simultaneous downloads. Zero means no cap.
	MaxConcurrent int
	Flags         Flag
	// ExpirationOverride, when set, replaces header based expiration.
	ExpirationOverride *time.Duration
	// ExpirationExtension is added to every header based expiration.
	ExpirationExtension time.Duration
}

func (p Policy) Has(f Flag) bool {
	return p.Flags&f != 0
}

func (p Policy) AcceptsBulkDownload() bool {
	return !p.Has(FlagNoBulk)
}

func (p Policy) AcceptsPreventive() bool {
	return !p.Has(FlagNoPreventive)
}

// Concurrency clamps a configured worker count to MaxConcurrent.
func (p Policy) Concurrency(workers int) int {
	if p.MaxConcurrent > 0 && workers > p.MaxConcurrent {
		return p.MaxConcurrent
	}
	return workers
}

// CheckUserAgent rejects the built-in agent for sources that want to know
// which application is calling.
func (p Policy) CheckUserAgent(ua string) error {
	if !p.Has(FlagUserAgentMeaningful) {
		return nil
	}
	ua = strings.TrimSpace(ua)
	if ua == "" || ua == DefaultUserAgent {
		return ErrUserAgentRequired
	}
	return nil
}

// NormalizeUserAgent keeps only the first product token when the source
// asks for a normalized agent.
func (p Policy) NormalizeUserAgent(ua string) string {
	ua = strings.TrimSpace(ua)
	if !p.Has(FlagUserAgentNormalized) {
		return ua
	}
	if i := strings.IndexByte(ua, ' '); i >= 0 {
		return ua[:i]
	}
	return ua
}

// ExpirationTime computes when a downloaded tile expires.
//  1. override set: now + override
//  2. Cache-Control max-age: now + max-age + extension
//  3. Expires header: Expires + extension
//  4. otherwise: now + DefaultMaximumCachedFileAge + extension
//
// Malformed headers count as absent.
func (p Policy) ExpirationTime(expires, cacheControl string, now time.Time) time.Time {
	if p.ExpirationOverride != nil {
		return now.Add(*p.ExpirationOverride)
	}
	if secs, ok := CacheControlMaxAge(cacheControl); ok {
		return now.Add(addDuration(time.Duration(secs)*time.Second, p.ExpirationExtension))
	}
	if t, ok := HTTPExpiresTime(expires); ok {
		return t.Add(p.ExpirationExtension)
	}
	return now.Add(addDuration(DefaultMaximumCachedFileAge, p.ExpirationExtension))
}

// addDuration is a + b saturated to the Duration range.
func addDuration(a, b time.Duration) time.Duration {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}

const maxAgeLimit = math.MaxInt64 / int64(time.Second)

// CacheControlMaxAge returns the max-age directive in seconds. Only the
// first max-age token counts; an empty, negative or non numeric value is
// reported as absent.
func CacheControlMaxAge(cacheControl string) (int64, bool) {
	for _, token := range strings.Split(cacheControl, ",") {
		token = strings.TrimSpace(token)
		if !strings.HasPrefix(token, "max-age=") {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimPrefix(token, "max-age="), 10, 64)
		if err != nil || secs < 0 {
			return 0, false
		}
		if secs > maxAgeLimit {
			secs = maxAgeLimit
		}
		return secs, true
	}
	return 0, false
}

// HTTPExpiresTime parses an Expires header in HTTP date format.
func HTTPExpiresTime(expires string) (time.Time, bool) {
	expires = strings.TrimSpace(expires)
	if expires == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(expires)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Package tracking decides which page visits convert a previously served ad.
//
// A creative set opts into conversion tracking with an Info: a URL pattern
// and an observation window. When a visited URL matches the pattern, the most
// recent ad served from that creative set inside the window converts, unless
// the creative set already converted inside the same window.
package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// ErrInvalidInfo is returned for a tracking definition that cannot be used.
var ErrInvalidInfo = errors.New("tracking: invalid conversion tracking info")

const secondsPerDay = 24 * 60 * 60

// Info is the conversion tracking definition for one creative set.
type Info struct {
	CreativeSetID string `json:"creative_set_id" yaml:"creative_set_id"`
	// Type is the conversion type, e.g. "postview" or "postclick".
	Type       string `json:"type" yaml:"type"`
	URLPattern string `json:"url_pattern" yaml:"url_pattern"`
	// ObservationWindowDays bounds how long after serving a visit counts.
	ObservationWindowDays uint `json:"observation_window" yaml:"observation_window"`
}

// Validate returns an error wrapping ErrInvalidInfo describing the first
// problem found.
func (i Info) Validate() error {
	switch {
	case i.CreativeSetID == "":
		return fmt.Errorf("%w: creative_set_id is required", ErrInvalidInfo)
	case i.URLPattern == "":
		return fmt.Errorf("%w: %s: url_pattern is required", ErrInvalidInfo, i.CreativeSetID)
	case i.ObservationWindowDays == 0:
		return fmt.Errorf("%w: %s: observation_window must be > 0", ErrInvalidInfo, i.CreativeSetID)
	}
	return nil
}

// WindowSeconds returns the observation window in seconds.
func (i Info) WindowSeconds() uint64 {
	return uint64(i.ObservationWindowDays) * secondsPerDay
}

// ParseInfo decodes and validates one Info document.
func ParseInfo(data []byte) (Info, error) {
	var i Info
	if err := json.Unmarshal(data, &i); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidInfo, err)
	}
	if err := i.Validate(); err != nil {
		return Info{}, err
	}
	return i, nil
}

// ToJSON encodes i.
func (i Info) ToJSON() ([]byte, error) {
	return json.Marshal(i)
}

// MatchWildcard reports whether rawURL matches pattern.
//
// Both must be http or https URLs with the same host, compared without case.
// Then the whole URL must match pattern, where "*" matches any run of
// characters and everything else is literal and case sensitive.
func MatchWildcard(rawURL, pattern string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || !isWeb(u.Scheme) {
		return false
	}
	p, err := url.Parse(pattern)
	if err != nil || !isWeb(p.Scheme) {
		return false
	}
	if !strings.EqualFold(u.Hostname(), p.Hostname()) {
		return false
	}

	g, err := compileWildcard(pattern)
	if err != nil {
		return false
	}
	return g.Match(rawURL)
}

func compileWildcard(pattern string) (glob.Glob, error) {
	quoted := glob.QuoteMeta(pattern)
	return glob.Compile(strings.ReplaceAll(quoted, `\*`, "*"))
}

func isWeb(scheme string) bool {
	s := strings.ToLower(scheme)
	return s == "http" || s == "https"
}

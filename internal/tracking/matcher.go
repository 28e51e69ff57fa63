package tracking

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ServedAd is an ad impression that may later convert.
type ServedAd struct {
	CreativeSetID string
	SubjectID     string
	ServedAt      uint64 // epoch seconds
}

// ConversionHistory answers whether a creative set converted recently.
type ConversionHistory interface {
	HasConverted(creativeSetID string, sinceEpochSeconds uint64) (bool, error)
}

// Matcher matches visits against served ads and the tracking catalog. It is
// safe for concurrent use.
type Matcher struct {
	history ConversionHistory
	log     *slog.Logger

	mu      sync.RWMutex
	catalog []Info
}

// NewMatcher returns a Matcher over catalog. Invalid entries are logged and
// dropped.
func NewMatcher(catalog []Info, history ConversionHistory, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	m := &Matcher{history: history, log: log}
	m.SetCatalog(catalog)
	return m
}

// SetCatalog replaces the tracking catalog.
func (m *Matcher) SetCatalog(catalog []Info) {
	valid := make([]Info, 0, len(catalog))
	for _, info := range catalog {
		if err := info.Validate(); err != nil {
			m.log.Warn("dropping conversion tracking info", "err", err)
			continue
		}
		valid = append(valid, info)
	}
	m.mu.Lock()
	m.catalog = valid
	m.mu.Unlock()
}

// Catalog returns a copy of the active catalog.
func (m *Matcher) Catalog() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Info(nil), m.catalog...)
}

// Match returns the ads that convert on a visit to rawURL at now: at most
// one per creative set, the most recently served one inside the window.
func (m *Matcher) Match(rawURL string, ads []ServedAd, now uint64) []ServedAd {
	var out []ServedAd
	for _, info := range m.Catalog() {
		if !MatchWildcard(rawURL, info.URLPattern) {
			continue
		}

		var since uint64
		if w := info.WindowSeconds(); now > w {
			since = now - w
		}

		best, ok := latestServed(ads, info.CreativeSetID, since, now)
		if !ok {
			continue
		}

		if m.history != nil {
			converted, err := m.history.HasConverted(info.CreativeSetID, since)
			if err != nil {
				m.log.Warn("conversion history lookup failed",
					"creative_set_id", info.CreativeSetID, "err", err)
				continue
			}
			if converted {
				m.log.Debug("creative set already converted in window",
					"creative_set_id", info.CreativeSetID)
				continue
			}
		}

		out = append(out, best)
	}
	return out
}

func latestServed(ads []ServedAd, creativeSetID string, since, now uint64) (ServedAd, bool) {
	var best ServedAd
	found := false
	for _, ad := range ads {
		if ad.CreativeSetID != creativeSetID || ad.ServedAt < since || ad.ServedAt > now {
			continue
		}
		if !found || ad.ServedAt >= best.ServedAt {
			best, found = ad, true
		}
	}
	return best, found
}

// ─── Served ad log ────────────────────────────────────────────────────────────

// ServedLog remembers recently served ads, keyed by subject id. Entries age
// out after ttl and the oldest are evicted beyond capacity.
type ServedLog struct {
	lru *expirable.LRU[string, ServedAd]
}

// NewServedLog returns a ServedLog. A capacity of 0 means unbounded.
func NewServedLog(capacity int, ttl time.Duration) *ServedLog {
	return &ServedLog{lru: expirable.NewLRU[string, ServedAd](capacity, nil, ttl)}
}

// Record remembers ad, replacing any earlier record for the same subject.
func (l *ServedLog) Record(ad ServedAd) {
	l.lru.Add(ad.SubjectID, ad)
}

// Forget drops the record for subjectID.
func (l *ServedLog) Forget(subjectID string) {
	l.lru.Remove(subjectID)
}

// Ads returns the remembered ads ordered by serve time.
func (l *ServedLog) Ads() []ServedAd {
	ads := l.lru.Values()
	sort.SliceStable(ads, func(i, j int) bool { return ads[i].ServedAt < ads[j].ServedAt })
	return ads
}

// Len returns the number of remembered ads.
func (l *ServedLog) Len() int { return l.lru.Len() }

// MaxWindow returns the longest observation window in catalog, or 0.
func MaxWindow(catalog []Info) time.Duration {
	var longest uint
	for _, i := range catalog {
		longest = max(longest, i.ObservationWindowDays)
	}
	return time.Duration(longest) * 24 * time.Hour
}

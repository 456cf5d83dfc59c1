package verify

import (
	"strings"
	"sync"
)

// Scrubber strips brief-derived substrings from outgoing telemetry so that
// events carry only ids, counts and latencies. Banned phrases are the
// words and phrases of the user-supplied brief, refreshed per request.
type Scrubber struct {
	mu     sync.RWMutex
	banned []string
}

// NewScrubber returns an empty scrubber.
func NewScrubber() *Scrubber {
	return &Scrubber{}
}

// SetBanned replaces the banned-substring corpus. Short fragments are
// ignored: single characters and stop-length tokens churn false positives
// without protecting anything.
func (s *Scrubber) SetBanned(phrases []string) {
	var kept []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if len(p) >= 4 {
			kept = append(kept, p)
		}
	}
	s.mu.Lock()
	s.banned = kept
	s.mu.Unlock()
}

// BanBrief derives the banned corpus from a brief: the full text plus each
// word of it.
func (s *Scrubber) BanBrief(brief string) {
	phrases := []string{brief}
	phrases = append(phrases, strings.Fields(brief)...)
	s.SetBanned(phrases)
}

// ScrubString removes every banned substring from v.
func (s *Scrubber) ScrubString(v string) string {
	s.mu.RLock()
	banned := s.banned
	s.mu.RUnlock()
	for _, b := range banned {
		v = strings.ReplaceAll(v, b, "[redacted]")
	}
	return v
}

// ScrubFields returns a copy of fields with every string value scrubbed.
// Non-string values (counts, latencies, booleans) pass through untouched.
func (s *Scrubber) ScrubFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sv, ok := v.(string); ok {
			out[k] = s.ScrubString(sv)
		} else {
			out[k] = v
		}
	}
	return out
}

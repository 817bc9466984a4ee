// Package ratelimit implements the sliding-window startup rate limiter
// (spec.md C4): the sole fork-bomb gate in the Supervisor startup path,
// persisted through the Atomic File Store so it remains correct across
// concurrent processes racing to start the same port.
package ratelimit

import (
	"strconv"
	"time"

	"github.com/headless-pm/pmcore/internal/atomicstore"
)

const (
	windowSeconds     = 5.0
	maxAttempts       = 3
	pruneAgeSeconds   = 300.0 // 5 minutes; bounds file growth (spec.md §3)
)

// Limiter checks and records startup attempts for one registry document,
// keyed by port within that document's rate_limits map.
type Limiter struct {
	store *atomicstore.Store
}

// New returns a Limiter backed by the registry document at path. The rate
// limiter shares the registry's document and lock (spec.md §3's rate_limits
// field lives inside the same JSON document as the process registry).
func New(path string) *Limiter {
	return &Limiter{store: atomicstore.New(path)}
}

// CheckStartup performs the atomic check-and-record for port (spec.md
// §4.4): prune attempts older than 5 minutes, then check whether 3 or more
// attempts fall within the last 5 seconds. If so, the attempt is rejected
// and NOT recorded. Otherwise the current time is appended and true is
// returned.
func (l *Limiter) CheckStartup(port int) (bool, error) {
	var allowed bool
	_, err := l.store.Update(func(doc map[string]any) (map[string]any, error) {
		rateLimits, _ := doc["rate_limits"].(map[string]any)
		if rateLimits == nil {
			rateLimits = map[string]any{}
		}
		portKey := portKeyOf(port)
		now := float64(time.Now().Unix())

		entry, _ := rateLimits[portKey].(map[string]any)
		if entry == nil {
			entry = map[string]any{"attempts": []any{}}
		}

		attempts := toFloatSlice(entry["attempts"])
		pruned := attempts[:0:0]
		for _, a := range attempts {
			if now-a <= pruneAgeSeconds {
				pruned = append(pruned, a)
			}
		}

		recent := 0
		for _, a := range pruned {
			if now-a <= windowSeconds {
				recent++
			}
		}

		if recent >= maxAttempts {
			allowed = false
			entry["attempts"] = fromFloatSlice(pruned)
			rateLimits[portKey] = entry
			doc["rate_limits"] = rateLimits
			return doc, nil
		}

		allowed = true
		pruned = append(pruned, now)
		entry["attempts"] = fromFloatSlice(pruned)
		rateLimits[portKey] = entry
		doc["rate_limits"] = rateLimits
		return doc, nil
	}, map[string]any{"processes": map[string]any{}, "primary_api": nil, "rate_limits": map[string]any{}})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

func portKeyOf(port int) string {
	return strconv.Itoa(port)
}

func toFloatSlice(v any) []float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, x := range raw {
		if f, ok := x.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}

func fromFloatSlice(v []float64) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

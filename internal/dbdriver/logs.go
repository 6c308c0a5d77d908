package dbdriver

import (
	"sort"
	"time"
)

// normalizeLogs keeps entries inside [from, to] and orders them oldest first.
func normalizeLogs(entries []QueryLogEntry, from, to time.Time) []QueryLogEntry {
	out := make([]QueryLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

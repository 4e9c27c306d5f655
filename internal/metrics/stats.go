package metrics

import (
	"sort"
	"time"

	"mailrelay/internal/model"
)

// TypeCounts tallies routing outcomes for one envelope type.
type TypeCounts struct {
	Forwarded int
	Dropped   int
}

// Summary is a basic delivery-log snapshot.
type Summary struct {
	Count     int
	From      time.Time
	To        time.Time
	Forwarded int
	Dropped   int
	ByType    map[string]TypeCounts
}

// Types returns the envelope types present in the summary, sorted.
func (s Summary) Types() []string {
	types := make([]string, 0, len(s.ByType))
	for t := range s.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Summarize tallies deliveries in a time window.
func Summarize(items []model.Delivery, since time.Time) Summary {
	summary := Summary{ByType: make(map[string]TypeCounts)}

	for _, d := range items {
		if d.Timestamp.Before(since) {
			continue
		}
		if summary.Count == 0 {
			summary.From = d.Timestamp
			summary.To = d.Timestamp
		}
		if d.Timestamp.Before(summary.From) {
			summary.From = d.Timestamp
		}
		if d.Timestamp.After(summary.To) {
			summary.To = d.Timestamp
		}
		summary.Count++

		counts := summary.ByType[d.Type]
		switch d.Outcome {
		case model.OutcomeForwarded:
			counts.Forwarded++
			summary.Forwarded++
		default:
			counts.Dropped++
			summary.Dropped++
		}
		summary.ByType[d.Type] = counts
	}

	return summary
}

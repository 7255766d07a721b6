package aggregate

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sitepulse/sitepulse/pkg/types"
)

var propNames = []string{"pageview", "page_view", "404_not_found", "click", "signup"}

// buildEvents turns generated indices into events over small value pools
// so that ties and repeats are common.
func buildEvents(codes []int) []types.Event {
	events := make([]types.Event, len(codes))
	for i, c := range codes {
		name := propNames[c%len(propNames)]
		data := fmt.Sprintf(`{"path":"/p%d","path_not_found":"/nf%d"}`, c%7, c%3)
		events[i] = types.Event{
			ID:        int64(i + 1),
			EventName: name,
			SessionID: fmt.Sprintf("s%d", c%5),
			IPAddress: fmt.Sprintf("10.0.0.%d", c%4),
			EventData: json.RawMessage(data),
		}
	}
	return events
}

// firstSeen returns the index of the first event whose path key equals v.
func firstSeen(events []types.Event, key, v string, keep func(types.Event) bool) int {
	for i := range events {
		if !keep(events[i]) {
			continue
		}
		if got, ok := events[i].DataField(key); ok && got == v {
			return i
		}
	}
	return -1
}

func rankingIsStable(ranking []types.ValueCount, events []types.Event, key string, keep func(types.Event) bool) bool {
	for i := 1; i < len(ranking); i++ {
		prev, cur := ranking[i-1], ranking[i]
		if cur.Count > prev.Count {
			return false
		}
		if cur.Count == prev.Count &&
			firstSeen(events, key, cur.Value, keep) < firstSeen(events, key, prev.Value, keep) {
			return false
		}
	}
	return true
}

func TestProperty_SummaryInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Property: histogram counts add up to the total
	properties.Property("histogram sums to total_count", prop.ForAll(
		func(codes []int) bool {
			events := buildEvents(codes)
			s := Summarize(events, Options{})

			var sum int64
			for _, nc := range s.EventTypeHistogram {
				sum += nc.Count
			}
			return sum == s.TotalCount && s.TotalCount == int64(len(events))
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	// Property: histogram is sorted descending and ties keep first-seen order
	properties.Property("histogram ordering is stable", prop.ForAll(
		func(codes []int) bool {
			events := buildEvents(codes)
			s := Summarize(events, Options{})

			first := make(map[string]int)
			for i, e := range events {
				if _, ok := first[e.EventName]; !ok {
					first[e.EventName] = i
				}
			}
			h := s.EventTypeHistogram
			for i := 1; i < len(h); i++ {
				if h[i].Count > h[i-1].Count {
					return false
				}
				if h[i].Count == h[i-1].Count && first[h[i].EventName] < first[h[i-1].EventName] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	// Property: top lists are bounded by K and ranked stably
	properties.Property("top lists are bounded and stable", prop.ForAll(
		func(codes []int, k int) bool {
			events := buildEvents(codes)
			s := Summarize(events, Options{TopK: k})
			if len(s.TopPages) > k || len(s.TopNotFoundPaths) > k {
				return false
			}

			isPageview := func(e types.Event) bool { return e.EventName == "pageview" || e.EventName == "page_view" }
			isNotFound := func(e types.Event) bool { return e.EventName == "404_not_found" }
			return rankingIsStable(s.TopPages, events, PathKey, isPageview) &&
				rankingIsStable(s.TopNotFoundPaths, events, NotFoundPathKey, isNotFound)
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.IntRange(1, 8),
	))

	// Property: distinct counts match exact set sizes
	properties.Property("distinct counts are set sizes", prop.ForAll(
		func(codes []int) bool {
			events := buildEvents(codes)
			s := Summarize(events, Options{})

			sessions := map[string]bool{}
			ips := map[string]bool{}
			for _, e := range events {
				sessions[e.SessionID] = true
				ips[e.IPAddress] = true
			}
			return s.DistinctSessionCount == int64(len(sessions)) && s.DistinctIPCount == int64(len(ips))
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	// Property: summarizing the same window twice gives the same result
	properties.Property("summary is deterministic", prop.ForAll(
		func(codes []int) bool {
			events := buildEvents(codes)
			a, _ := json.Marshal(Summarize(events, Options{}))
			b, _ := json.Marshal(Summarize(events, Options{}))
			return string(a) == string(b)
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

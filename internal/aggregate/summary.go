// Package aggregate turns a window of events into a dashboard summary.
//
// Summarize is pure: it never touches the store and never re-filters the
// window it is handed. Rankings are stable, so equal counts keep the order
// in which their values were first seen in the input.
package aggregate

import (
	"sort"

	"github.com/sitepulse/sitepulse/internal/classify"
	"github.com/sitepulse/sitepulse/pkg/types"
)

// DefaultTopK is the length of the top lists when Options.TopK is unset.
const DefaultTopK = 10

// Keys read from event_data for the top lists.
const (
	PathKey         = "path"
	NotFoundPathKey = "path_not_found"
)

// Options configures Summarize.
type Options struct {
	// Table classifies event names; nil means classify.Default()
	Table *classify.Table

	// TopK bounds top_pages and top_not_found_paths
	TopK int
}

// counter tallies values and remembers first-seen order.
type counter struct {
	order  []string
	counts map[string]int64
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int64)}
}

func (c *counter) add(v string) {
	if _, ok := c.counts[v]; !ok {
		c.order = append(c.order, v)
	}
	c.counts[v]++
}

// ranked returns values by count descending; ties keep first-seen order.
// A non-positive k returns every value.
func (c *counter) ranked(k int) []types.ValueCount {
	out := make([]types.ValueCount, len(c.order))
	for i, v := range c.order {
		out[i] = types.ValueCount{Value: v, Count: c.counts[v]}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Summarize computes the summary of events.
func Summarize(events []types.Event, opts Options) types.Summary {
	table := opts.Table
	if table == nil {
		table = classify.Default()
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	sessions := make(map[string]struct{})
	ips := make(map[string]struct{})
	names := newCounter()
	pages := newCounter()
	notFound := newCounter()

	for i := range events {
		e := &events[i]
		sessions[e.SessionID] = struct{}{}
		ips[e.IPAddress] = struct{}{}
		names.add(e.EventName)

		switch table.Classify(e.EventName) {
		case classify.ClassPageview:
			if path, ok := e.DataField(PathKey); ok {
				pages.add(path)
			}
		case classify.ClassNotFound:
			if path, ok := e.DataField(NotFoundPathKey); ok {
				notFound.add(path)
			}
		}
	}

	histogram := make([]types.NameCount, 0, len(names.order))
	for _, vc := range names.ranked(0) {
		histogram = append(histogram, types.NameCount{EventName: vc.Value, Count: vc.Count})
	}

	return types.Summary{
		TotalCount:            int64(len(events)),
		DistinctSessionCount:  int64(len(sessions)),
		DistinctIPCount:       int64(len(ips)),
		EventTypeHistogram:    histogram,
		TopPages:              pages.ranked(topK),
		TopNotFoundPaths:      notFound.ranked(topK),
		ClassificationVersion: table.Version(),
	}
}

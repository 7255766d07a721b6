package aggregate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/classify"
	"github.com/sitepulse/sitepulse/pkg/types"
)

func ev(name, session, ip, data string) types.Event {
	e := types.Event{EventName: name, SessionID: session, IPAddress: ip, WebsiteID: "site"}
	if data != "" {
		e.EventData = json.RawMessage(data)
	}
	return e
}

func TestSummarize_TwoPageviews(t *testing.T) {
	events := []types.Event{
		ev("pageview", "s1", "1.1.1.1", `{"path":"/home"}`),
		ev("pageview", "s1", "1.1.1.1", `{"path":"/home"}`),
	}

	s := Summarize(events, Options{})

	assert.Equal(t, int64(2), s.TotalCount)
	assert.Equal(t, int64(1), s.DistinctSessionCount)
	assert.Equal(t, int64(1), s.DistinctIPCount)
	assert.Equal(t, []types.NameCount{{EventName: "pageview", Count: 2}}, s.EventTypeHistogram)
	assert.Equal(t, []types.ValueCount{{Value: "/home", Count: 2}}, s.TopPages)
	assert.Empty(t, s.TopNotFoundPaths)
	assert.Equal(t, classify.DefaultVersion, s.ClassificationVersion)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, Options{})
	assert.Zero(t, s.TotalCount)
	assert.Empty(t, s.EventTypeHistogram)
	assert.NotNil(t, s.TopPages)
	assert.NotNil(t, s.TopNotFoundPaths)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_count":0,"distinct_session_count":0,"distinct_ip_count":0,
		"event_type_histogram":[],"top_pages":[],"top_not_found_paths":[],"classification_version":1}`, string(out))
}

func TestSummarize_HistogramTiesKeepFirstSeen(t *testing.T) {
	events := []types.Event{
		ev("click", "s", "ip", ""),
		ev("scroll", "s", "ip", ""),
		ev("pageview", "s", "ip", ""),
		ev("scroll", "s", "ip", ""),
		ev("click", "s", "ip", ""),
		ev("pageview", "s", "ip", ""),
		ev("pageview", "s", "ip", ""),
	}

	s := Summarize(events, Options{})
	assert.Equal(t, []types.NameCount{
		{EventName: "pageview", Count: 3},
		{EventName: "click", Count: 2},
		{EventName: "scroll", Count: 2},
	}, s.EventTypeHistogram)
}

func TestSummarize_TopPagesRules(t *testing.T) {
	events := []types.Event{
		ev("pageview", "s", "ip", `{"path":"/b"}`),
		ev("page_view", "s", "ip", `{"path":"/a"}`),
		ev("pageview", "s", "ip", `{"path":"/a"}`),
		ev("pageview", "s", "ip", `{"path":""}`),
		ev("pageview", "s", "ip", `{"path":null}`),
		ev("pageview", "s", "ip", `{"path":42}`),
		ev("pageview", "s", "ip", `{"other":"/x"}`),
		ev("pageview", "s", "ip", ``),
		ev("click", "s", "ip", `{"path":"/a"}`),
		ev("pageview", "s", "ip", `{"path":"/b"}`),
	}

	s := Summarize(events, Options{})
	assert.Equal(t, []types.ValueCount{
		{Value: "/b", Count: 2},
		{Value: "/a", Count: 2},
		{Value: "", Count: 1},
	}, s.TopPages)
}

func TestSummarize_TopNotFound(t *testing.T) {
	events := []types.Event{
		ev("404_not_found", "s", "ip", `{"path_not_found":"/missing"}`),
		ev("not_found", "s", "ip", `{"path_not_found":"/gone"}`),
		ev("404_not_found", "s", "ip", `{"path_not_found":"/gone"}`),
		ev("404_not_found", "s", "ip", `{"path":"/ignored"}`),
	}

	s := Summarize(events, Options{})
	assert.Equal(t, []types.ValueCount{
		{Value: "/gone", Count: 2},
		{Value: "/missing", Count: 1},
	}, s.TopNotFoundPaths)
	assert.Empty(t, s.TopPages)
}

func TestSummarize_TopKBound(t *testing.T) {
	var events []types.Event
	for _, p := range []string{"/1", "/2", "/3", "/4", "/5", "/1", "/2"} {
		events = append(events, ev("pageview", "s", "ip", `{"path":"`+p+`"}`))
	}

	s := Summarize(events, Options{TopK: 3})
	assert.Equal(t, []types.ValueCount{
		{Value: "/1", Count: 2},
		{Value: "/2", Count: 2},
		{Value: "/3", Count: 1},
	}, s.TopPages)
}

func TestSummarize_DistinctCountsIncludeEmpty(t *testing.T) {
	events := []types.Event{
		ev("e", "", "", ""),
		ev("e", "", "", ""),
		ev("e", "s1", "1.1.1.1", ""),
		ev("e", "S1", "1.1.1.1", ""),
	}

	s := Summarize(events, Options{})
	assert.Equal(t, int64(3), s.DistinctSessionCount, "exact string comparison")
	assert.Equal(t, int64(2), s.DistinctIPCount)
}

func TestSummarize_CustomTable(t *testing.T) {
	table, err := classify.New(4, []string{"screen_view"}, []string{"missing"})
	require.NoError(t, err)

	events := []types.Event{
		ev("screen_view", "s", "ip", `{"path":"/app"}`),
		ev("pageview", "s", "ip", `{"path":"/web"}`),
		ev("missing", "s", "ip", `{"path_not_found":"/nope"}`),
	}

	s := Summarize(events, Options{Table: table})
	assert.Equal(t, []types.ValueCount{{Value: "/app", Count: 1}}, s.TopPages)
	assert.Equal(t, []types.ValueCount{{Value: "/nope", Count: 1}}, s.TopNotFoundPaths)
	assert.Equal(t, 4, s.ClassificationVersion)
}

func TestSummarize_DoesNotMutateInput(t *testing.T) {
	events := []types.Event{
		ev("b", "s", "ip", ""),
		ev("a", "s", "ip", ""),
		ev("a", "s", "ip", ""),
	}
	Summarize(events, Options{})
	assert.Equal(t, "b", events[0].EventName)
	assert.Equal(t, "a", events[1].EventName)
}

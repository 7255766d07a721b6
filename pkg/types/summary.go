package types

// Summary holds dashboard statistics computed over one query window.
type Summary struct {
	TotalCount            int64        `json:"total_count"`
	DistinctSessionCount  int64        `json:"distinct_session_count"`
	DistinctIPCount       int64        `json:"distinct_ip_count"`
	EventTypeHistogram    []NameCount  `json:"event_type_histogram"`
	TopPages              []ValueCount `json:"top_pages"`
	TopNotFoundPaths      []ValueCount `json:"top_not_found_paths"`
	ClassificationVersion int          `json:"classification_version"`
}

// NameCount is one event_name bucket of the histogram.
type NameCount struct {
	EventName string `json:"event_name"`
	Count     int64  `json:"count"`
}

// ValueCount is one entry of a top-K ranking.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

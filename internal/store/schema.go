package store

import (
	"fmt"
	"strings"
)

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	name string

	// schema is executed in order when the store opens
	schema []string

	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

var sqliteDialect = dialect{
	name: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    website_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    event_name TEXT NOT NULL,
    event_data TEXT,
    ip_address TEXT NOT NULL,
    user_agent TEXT NOT NULL,
    timestamp INTEGER NOT NULL
)`,
		// Newest-first reads, with and without a tenant filter
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_website_time ON events(website_id, timestamp, id)`,
	},
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
    id BIGSERIAL PRIMARY KEY,
    website_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    event_name TEXT NOT NULL,
    event_data TEXT,
    ip_address TEXT NOT NULL,
    user_agent TEXT NOT NULL,
    timestamp BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_website_time ON events(website_id, timestamp, id)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3":
		return sqliteDialect, nil
	case "postgres":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const eventColumns = `id, website_id, session_id, event_name, event_data, ip_address, user_agent, timestamp`

const insertEventSQL = `
INSERT INTO events (website_id, session_id, event_name, event_data, ip_address, user_agent, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`

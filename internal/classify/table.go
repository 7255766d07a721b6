// Package classify holds the versioned event-name classification table.
//
// One *Table is built at startup and handed to every consumer (ingestion
// metrics, aggregation) so that pageview-class and 404-class membership is
// decided in exactly one place.
package classify

import (
	"fmt"
	"sort"
	"strings"
)

// Class is the aggregation class of an event name.
type Class string

const (
	ClassPageview Class = "pageview"
	ClassNotFound Class = "not_found"
	ClassOther    Class = "other"
)

// DefaultVersion is the version of the built-in table.
const DefaultVersion = 1

// DefaultPageviewNames are the built-in pageview-class names.
var DefaultPageviewNames = []string{"pageview", "page_view"}

// DefaultNotFoundNames are the built-in 404-class names.
var DefaultNotFoundNames = []string{"404_not_found", "not_found"}

// Table maps event names to classes. It is immutable after construction.
type Table struct {
	version int
	classes map[string]Class
}

// New builds a table. Names are matched exactly; a name may not appear in both sets.
func New(version int, pageview, notFound []string) (*Table, error) {
	if version <= 0 {
		return nil, fmt.Errorf("classify: version must be positive, got %d", version)
	}

	t := &Table{
		version: version,
		classes: make(map[string]Class, len(pageview)+len(notFound)),
	}
	for _, name := range pageview {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("classify: empty pageview event name")
		}
		t.classes[name] = ClassPageview
	}
	for _, name := range notFound {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("classify: empty not-found event name")
		}
		if t.classes[name] == ClassPageview {
			return nil, fmt.Errorf("classify: event name %q is in both pageview and not-found sets", name)
		}
		t.classes[name] = ClassNotFound
	}
	return t, nil
}

// Default returns the built-in table.
func Default() *Table {
	t, err := New(DefaultVersion, DefaultPageviewNames, DefaultNotFoundNames)
	if err != nil {
		panic(err)
	}
	return t
}

// Version returns the table version.
func (t *Table) Version() int {
	return t.version
}

// Classify returns the class of an event name.
func (t *Table) Classify(eventName string) Class {
	if c, ok := t.classes[eventName]; ok {
		return c
	}
	return ClassOther
}

// Names returns the sorted names of the given class.
func (t *Table) Names(c Class) []string {
	var names []string
	for name, cls := range t.classes {
		if cls == c {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

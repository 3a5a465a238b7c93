package bridge

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrRoutesFull is returned by Add when every routing slot is taken.
	ErrRoutesFull = errors.New("routing table full")

	// ErrRouteNotFound is returned by Remove for a filter with no route.
	ErrRouteNotFound = errors.New("route not found")
)

type route struct {
	filter  string
	handler Handler
}

// Routes maps subscription filters to the handlers their publishes are delivered to.
//
// Thread-safety: Add, Remove and Dispatch may be called from any goroutine.
// Handlers run outside the table lock.
type Routes struct {
	mu      sync.RWMutex
	entries []route
	max     int
}

// NewRoutes creates a table holding at most max filters.
func NewRoutes(max int) *Routes {
	return &Routes{
		entries: make([]route, 0, max),
		max:     max,
	}
}

// Add routes filter to h. Adding an existing filter replaces its handler.
func (r *Routes) Add(filter string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].filter == filter {
			r.entries[i].handler = h
			return nil
		}
	}

	if len(r.entries) >= r.max {
		return ErrRoutesFull
	}

	r.entries = append(r.entries, route{filter: filter, handler: h})
	return nil
}

// Remove drops the route for filter.
func (r *Routes) Remove(filter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].filter == filter {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return nil
		}
	}

	return ErrRouteNotFound
}

// Has reports whether filter is routed.
func (r *Routes) Has(filter string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.filter == filter {
			return true
		}
	}
	return false
}

// Len returns the number of routed filters.
func (r *Routes) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch delivers msg to every handler whose filter matches its topic and
// returns how many were invoked.
func (r *Routes) Dispatch(msg *Message) int {
	var matched [4]Handler
	handlers := matched[:0]

	r.mu.RLock()
	for _, e := range r.entries {
		if e.handler != nil && MatchFilter(e.filter, msg.Topic) {
			handlers = append(handlers, e.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return len(handlers)
}

// MatchFilter reports whether topic matches the MQTT subscription filter.
//
// '+' matches exactly one level and '#' matches the remaining levels, including
// none. Wildcards in the first level never match topics starting with '$'.
func MatchFilter(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	for {
		f, filterRest, filterMore := cutLevel(filter)
		if f == "#" {
			return !filterMore
		}

		t, topicRest, topicMore := cutLevel(topic)
		if f != "+" && f != t {
			return false
		}

		switch {
		case !filterMore && !topicMore:
			return true
		case !filterMore:
			return false
		case !topicMore:
			return filterRest == "#"
		}

		filter, topic = filterRest, topicRest
	}
}

func cutLevel(s string) (level, rest string, more bool) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

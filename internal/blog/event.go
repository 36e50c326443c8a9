package blog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// The event stream is the machine-readable side channel of the logger:
// components declare named events once at package init, the embedder flips
// the stream on, and Fire emits one parseable line per occurrence. Off by
// default so hot paths pay a single atomic load when nobody is listening.

var eventsEnabled uint32

// SetEventsEnabled turns the structured event stream on or off globally.
func SetEventsEnabled(on bool) {
	var v uint32
	if on {
		v = 1
	}
	atomic.StoreUint32(&eventsEnabled, v)
}

// EventsEnabled reports whether Fire currently emits anything.
func EventsEnabled() bool { return atomic.LoadUint32(&eventsEnabled) == 1 }

// Event is one declared structured event: a component name (the package or
// subsystem emitting it) and an action verb.
type Event struct {
	component string
	action    string
}

// NewEvent declares an event and records it in the available-events
// registry. Intended for package-level var blocks, one per subsystem.
func NewEvent(component, action string) *Event {
	e := &Event{component: component, action: action}
	registryMu.Lock()
	registry[component] = append(registry[component], e)
	registryMu.Unlock()
	return e
}

var (
	registryMu sync.Mutex
	registry   = make(map[string][]*Event)
)

// AvailableEvents lists every declared event as component/action strings,
// sorted, for diagnostic surfaces.
func AvailableEvents() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	var out []string
	for _, evs := range registry {
		for _, e := range evs {
			out = append(out, e.component+"/"+e.action)
		}
	}
	sort.Strings(out)
	return out
}

// Fire emits the event with alternating key, value detail pairs to the
// default logger. A no-op unless SetEventsEnabled(true) was called.
func (e *Event) Fire(kv ...interface{}) {
	e.FireTo(Default, kv...)
}

// FireTo emits the event to a specific Logger.
func (e *Event) FireTo(l *Logger, kv ...interface{}) {
	if atomic.LoadUint32(&eventsEnabled) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString(e.component)
	b.WriteByte('/')
	b.WriteString(e.action)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	l.Info(b.String())
}

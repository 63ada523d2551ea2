package main

import (
	"regexp"

	"github.com/prometheus/client_golang/prometheus"

	"auditview/types"
)

// FilterEngine decides which enriched events are kept. All rule sets are
// compiled at startup and read-only afterwards; the only mutable state is
// the first-event-per-process tracking.
type FilterEngine struct {
	keys      map[string]bool
	labels    map[string]bool
	nullKeys  bool
	sockaddrs []*SockaddrPredicate
	rawLines  []*regexp.Regexp
	keepFirst bool
	action    string // "drop" or "log"

	seen map[types.ProcKey]bool
}

const seenProcsCap = 1 << 17

// Action returns the configured filter action.
func (e *FilterEngine) Action() string { return e.action }

// Decide evaluates the filter rules in their documented order and returns
// whether the event is to be filtered, plus the rule class that matched.
// The decision is a pure function of the event and subject except for the
// keep-first exception, which fires at most once per process entry.
func (e *FilterEngine) Decide(ev *types.Event, subject *types.Process, saddrs []*Sockaddr, keys []string) (bool, string) {
	drop, reason := e.match(ev, subject, saddrs, keys)
	if !drop {
		return false, ""
	}
	if e.keepFirst && subject != nil {
		if e.seen == nil {
			e.seen = make(map[types.ProcKey]bool)
		}
		if !e.seen[subject.Key] {
			e.markSeen(subject.Key)
			return false, ""
		}
	}
	filteredEventsTotal.With(prometheus.Labels{"rule": reason}).Inc()
	return true, reason
}

// MarkSeen records that an event for the process has been emitted, so the
// keep-first exception only fires for the genuinely first one.
func (e *FilterEngine) MarkSeen(subject *types.Process) {
	if !e.keepFirst || subject == nil {
		return
	}
	if e.seen == nil {
		e.seen = make(map[types.ProcKey]bool)
	}
	e.markSeen(subject.Key)
}

func (e *FilterEngine) markSeen(key types.ProcKey) {
	if len(e.seen) >= seenProcsCap {
		// losing the set only means a few extra kept events
		e.seen = make(map[types.ProcKey]bool)
	}
	e.seen[key] = true
}

func (e *FilterEngine) match(ev *types.Event, subject *types.Process, saddrs []*Sockaddr, keys []string) (bool, string) {
	// (a) key intersection
	if len(e.keys) > 0 {
		for _, k := range keys {
			if e.keys[k] {
				return true, "key"
			}
		}
	}

	// (b) events with no key at all
	if e.nullKeys && len(keys) == 0 {
		return true, "null-key"
	}

	// (c) subject label intersection
	if len(e.labels) > 0 && subject != nil {
		for _, l := range subject.Labels {
			if e.labels[l] {
				return true, "label"
			}
		}
	}

	// (d) sockaddr predicates
	if len(e.sockaddrs) > 0 {
		for _, sa := range saddrs {
			for _, p := range e.sockaddrs {
				if p.Match(sa) {
					return true, "sockaddr"
				}
			}
		}
	}

	// (e) raw line regexes
	if len(e.rawLines) > 0 {
		for i := range ev.Records {
			for _, re := range e.rawLines {
				if re.Match(ev.Records[i].Raw) {
					return true, "raw-line"
				}
			}
		}
	}

	return false, ""
}

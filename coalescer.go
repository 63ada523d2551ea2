package main

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"auditview/types"
)

const (
	defaultMaxEventRecords = 1024
	defaultMaxEventBytes   = 1 << 20
	defaultMaxAge          = 5 * time.Second
	defaultMaxLookback     = 2 * time.Second
	flushedIDCacheSize     = 4096
)

// Coalescer buffers records by event id and seals them into events. Audit
// sources emit the records of one event contiguously and terminate
// kernel-side events with EOE, but user-space records can interleave, so
// events are also sealed by monotonicity, by age, and by per-event caps.
type Coalescer struct {
	maxRecords  int
	maxBytes    int
	maxAge      time.Duration
	maxLookback time.Duration

	partial map[types.EventID]*partialEvent
	fifo    []types.EventID

	latest      types.EventID // highest id seen so far
	lastEmitted types.EventID

	// Events already emitted; stray records for them (late EOEs, userspace
	// stragglers) are counted and dropped instead of re-opening the event.
	flushed *lru.Cache[types.EventID, struct{}]

	emit   func(*types.Event)
	logger *Logger
}

type partialEvent struct {
	ev      types.Event
	bytes   int
	arrival time.Time
}

func NewCoalescer(maxAge, maxLookback time.Duration, emit func(*types.Event), logger *Logger) *Coalescer {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	if maxLookback <= 0 {
		maxLookback = defaultMaxLookback
	}
	flushed, _ := lru.New[types.EventID, struct{}](flushedIDCacheSize)
	return &Coalescer{
		maxRecords:  defaultMaxEventRecords,
		maxBytes:    defaultMaxEventBytes,
		maxAge:      maxAge,
		maxLookback: maxLookback,
		partial:     make(map[types.EventID]*partialEvent),
		flushed:     flushed,
		emit:        emit,
		logger:      logger,
	}
}

// Feed adds one parsed record. It may seal and emit any number of events.
func (c *Coalescer) Feed(rec types.Record, now time.Time) {
	id := rec.ID

	if rec.Type.Name == "EOE" {
		if _, ok := c.partial[id]; ok {
			c.Flush(id)
		} else if _, seen := c.flushed.Get(id); seen {
			strayRecordsTotal.Inc()
		}
		return
	}

	if c.latest.Before(id) {
		// the kernel stream is monotonic per id: a newer id means every
		// older kernel event is complete even if its EOE got lost
		c.latest = id
		c.flushOlderThan(id)
	}

	pe, ok := c.partial[id]
	if !ok {
		if _, seen := c.flushed.Get(id); seen {
			strayRecordsTotal.Inc()
			return
		}
		pe = &partialEvent{ev: types.Event{ID: id}, arrival: now}
		c.partial[id] = pe
		c.fifo = append(c.fifo, id)
	}

	for i := range pe.ev.Records {
		if pe.ev.Records[i].Equal(&rec) {
			duplicateRecordsTotal.Inc()
			return
		}
	}
	if rec.Opaque || rec.SchemaError {
		pe.ev.ParseError = true
	}
	pe.ev.Records = append(pe.ev.Records, rec)
	pe.bytes += rec.Size()

	if len(pe.ev.Records) >= c.maxRecords || pe.bytes >= c.maxBytes {
		pe.ev.Truncated = true
		truncatedEventsTotal.Inc()
		c.Flush(id)
		return
	}

	// records far behind the current stream position belong to an event
	// that will not grow any further
	if c.latest.Millis() > id.Millis() &&
		time.Duration(c.latest.Millis()-id.Millis())*time.Millisecond > c.maxLookback {
		c.Flush(id)
	}
}

// flushOlderThan seals every buffered event with an id strictly below cut.
func (c *Coalescer) flushOlderThan(cut types.EventID) {
	for len(c.fifo) > 0 {
		oldest := c.oldestBuffered()
		if oldest == nil || !oldest.Before(cut) {
			return
		}
		c.Flush(*oldest)
	}
}

func (c *Coalescer) oldestBuffered() *types.EventID {
	var oldest *types.EventID
	for id := range c.partial {
		id := id
		if oldest == nil || id.Before(*oldest) {
			oldest = &id
		}
	}
	return oldest
}

// Tick seals all buffered events older than maxAge. Driven by the
// processing loop's timer.
func (c *Coalescer) Tick(now time.Time) {
	var expired []types.EventID
	for id, pe := range c.partial {
		if now.Sub(pe.arrival) >= c.maxAge {
			expired = append(expired, id)
		}
	}
	// emit in id order where possible
	for i := 0; i < len(expired); i++ {
		for j := i + 1; j < len(expired); j++ {
			if expired[j].Before(expired[i]) {
				expired[i], expired[j] = expired[j], expired[i]
			}
		}
	}
	for _, id := range expired {
		c.Flush(id)
	}
}

// Flush seals one event and hands it to the enrichment stage. Events
// emitted behind an already-emitted id carry the late marker.
func (c *Coalescer) Flush(id types.EventID) {
	pe, ok := c.partial[id]
	if !ok {
		return
	}
	delete(c.partial, id)
	for i, fid := range c.fifo {
		if fid == id {
			c.fifo = append(c.fifo[:i], c.fifo[i+1:]...)
			break
		}
	}
	c.flushed.Add(id, struct{}{})

	if !c.lastEmitted.IsZero() && id.Before(c.lastEmitted) {
		pe.ev.Late = true
		lateEventsTotal.Inc()
	} else {
		c.lastEmitted = id
	}
	eventsTotal.Inc()
	c.emit(&pe.ev)
}

// FlushAll seals everything, oldest first. Used at shutdown.
func (c *Coalescer) FlushAll() {
	for len(c.fifo) > 0 {
		oldest := c.oldestBuffered()
		if oldest == nil {
			return
		}
		c.Flush(*oldest)
	}
}

// Pending returns the number of buffered partial events.
func (c *Coalescer) Pending() int { return len(c.partial) }

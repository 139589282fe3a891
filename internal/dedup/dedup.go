// Package dedup assigns identity keys to usage events and collapses events
// that represent the same request.
package dedup

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/marcus/tokentally/internal/usage"
)

// lineNamespace seeds name-based keys for events without a request identity.
var lineNamespace = uuid.MustParse("6f1c2a52-8d4e-5b7a-9c3e-2f0d4b8a1e67")

// Key returns the identity key of e and whether it came from the event's own
// identifiers. Keyed events are "messageId:requestId". Every other event gets
// a key unique to its source line, so it never collides with anything.
func Key(e usage.Event) (key string, keyed bool) {
	if e.MessageID != "" && e.RequestID != "" && !e.RequestIDInferred {
		return e.MessageID + ":" + e.RequestID, true
	}
	if e.SourceFile == "" && e.SourceLine == 0 {
		return uuid.NewString(), false
	}
	name := e.SourceFile + "\x00" + strconv.Itoa(e.SourceLine)
	return uuid.NewSHA1(lineNamespace, []byte(name)).String(), false
}

// Keyed reports whether dedupKey was built from request identifiers. Line
// keys are UUIDs, which never contain a colon.
func Keyed(dedupKey string) bool {
	return strings.Contains(dedupKey, ":")
}

// Deduplicator keeps the first event seen for each identity key. It is not
// safe for concurrent use.
type Deduplicator struct {
	seen    map[string]struct{}
	dropped int
}

// New returns an empty Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Keep assigns e.DedupKey and reports whether e is the first event with that
// key. Unkeyed events are always kept.
func (d *Deduplicator) Keep(e *usage.Event) bool {
	key, keyed := Key(*e)
	e.DedupKey = key
	if !keyed {
		return true
	}
	if _, ok := d.seen[key]; ok {
		d.dropped++
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Dropped returns how many events Keep has rejected.
func (d *Deduplicator) Dropped() int {
	return d.dropped
}

// Reset forgets every key seen so far.
func (d *Deduplicator) Reset() {
	clear(d.seen)
	d.dropped = 0
}

// Filter returns the events of in that survive deduplication, in order.
func Filter(in []usage.Event) []usage.Event {
	d := New()
	out := make([]usage.Event, 0, len(in))
	for i := range in {
		e := in[i]
		if d.Keep(&e) {
			out = append(out, e)
		}
	}
	return out
}

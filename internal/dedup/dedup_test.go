package dedup

import (
	"testing"

	"github.com/marcus/tokentally/internal/usage"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name      string
		event     usage.Event
		wantKey   string
		wantKeyed bool
	}{
		{
			name:      "both identifiers",
			event:     usage.Event{MessageID: "msg_1", RequestID: "req_1", SourceFile: "/a", SourceLine: 1},
			wantKey:   "msg_1:req_1",
			wantKeyed: true,
		},
		{
			name:  "message id only",
			event: usage.Event{MessageID: "msg_1", RequestID: "msg_1", RequestIDInferred: true, SourceFile: "/a", SourceLine: 2},
		},
		{
			name:  "request id only",
			event: usage.Event{RequestID: "req_1", SourceFile: "/a", SourceLine: 3},
		},
		{
			name:  "neither",
			event: usage.Event{SourceFile: "/a", SourceLine: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, keyed := Key(tt.event)
			if keyed != tt.wantKeyed {
				t.Errorf("keyed = %v, want %v", keyed, tt.wantKeyed)
			}
			if tt.wantKey != "" && key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if Keyed(key) != keyed {
				t.Errorf("Keyed(%q) = %v, want %v", key, Keyed(key), keyed)
			}
		})
	}
}

func TestLineKeysDeterministic(t *testing.T) {
	e := usage.Event{SourceFile: "/logs/p/s.jsonl", SourceLine: 12}
	k1, _ := Key(e)
	k2, _ := Key(e)
	if k1 != k2 {
		t.Errorf("line key not stable: %q vs %q", k1, k2)
	}

	other := e
	other.SourceLine = 13
	k3, _ := Key(other)
	if k3 == k1 {
		t.Error("different lines must get different keys")
	}

	moved := e
	moved.SourceFile = "/logs/p/t.jsonl"
	k4, _ := Key(moved)
	if k4 == k1 {
		t.Error("different files must get different keys")
	}
}

func TestKeepFirstSeenWins(t *testing.T) {
	d := New()
	first := usage.Event{MessageID: "m", RequestID: "r", InputTokens: 1, SourceFile: "/a", SourceLine: 1}
	second := usage.Event{MessageID: "m", RequestID: "r", InputTokens: 2, SourceFile: "/b", SourceLine: 9}

	if !d.Keep(&first) {
		t.Fatal("first event should be kept")
	}
	if d.Keep(&second) {
		t.Fatal("second event with same identity should be dropped")
	}
	if first.DedupKey != "m:r" || second.DedupKey != "m:r" {
		t.Errorf("DedupKey not assigned: %q, %q", first.DedupKey, second.DedupKey)
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", d.Dropped())
	}

	d.Reset()
	if !d.Keep(&second) {
		t.Error("Reset should forget seen keys")
	}
}

func TestFilterDedupSafety(t *testing.T) {
	in := []usage.Event{
		{MessageID: "m1", RequestID: "r1", SourceFile: "/a", SourceLine: 1},
		{MessageID: "m1", RequestID: "r1", SourceFile: "/a", SourceLine: 2},
		{MessageID: "m1", RequestID: "r1", SourceFile: "/b", SourceLine: 1},
		{MessageID: "m2", RequestID: "r1", SourceFile: "/a", SourceLine: 3},
		// Identical content without both identifiers: every one survives.
		{MessageID: "m3", RequestID: "m3", RequestIDInferred: true, InputTokens: 5, SourceFile: "/a", SourceLine: 4},
		{MessageID: "m3", RequestID: "m3", RequestIDInferred: true, InputTokens: 5, SourceFile: "/a", SourceLine: 5},
		{InputTokens: 5, SourceFile: "/a", SourceLine: 6},
		{InputTokens: 5, SourceFile: "/a", SourceLine: 7},
	}

	out := Filter(in)
	if len(out) != 6 {
		t.Fatalf("Filter kept %d events, want 6", len(out))
	}
	if out[0].SourceLine != 1 || out[0].SourceFile != "/a" {
		t.Errorf("first-seen event not retained: %+v", out[0])
	}

	keys := make(map[string]bool)
	for _, e := range out {
		if keys[e.DedupKey] {
			t.Errorf("duplicate key %q survived", e.DedupKey)
		}
		keys[e.DedupKey] = true
	}
	if in[0].DedupKey != "" {
		t.Error("Filter must not mutate its input")
	}
}

func TestUnsourcedEventsNeverCollide(t *testing.T) {
	out := Filter([]usage.Event{{InputTokens: 1}, {InputTokens: 1}})
	if len(out) != 2 || out[0].DedupKey == out[1].DedupKey {
		t.Errorf("events without source must get distinct keys: %+v", out)
	}
}

// Package normalize decodes raw session log lines into canonical usage events.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/tokentally/internal/usage"
)

// ErrRejected marks a well-formed line that is not a usage event: meta and
// summary lines, synthetic messages, and turns with no session or usage.
var ErrRejected = errors.New("record rejected")

// placeholderModels are model values that mark non-billable system lines.
var placeholderModels = map[string]bool{
	"unknown":     true,
	"<synthetic>": true,
	"synthetic":   true,
}

// FileContext is what the normalizer knows about a line's origin.
type FileContext struct {
	SourceFile  string
	ProjectPath string
	ProjectName string
	Line        int
}

// Normalizer turns raw lines into events. The zero value uses the local
// timezone and the wall clock.
type Normalizer struct {
	loc     *time.Location
	nowFunc func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLocation sets the timezone used to derive event dates.
func WithLocation(loc *time.Location) Option {
	return func(n *Normalizer) {
		if loc != nil {
			n.loc = loc
		}
	}
}

// WithClock sets the time source for lines that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.nowFunc = now
		}
	}
}

// New returns a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{loc: time.Local, nowFunc: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes one line. Malformed JSON returns an error wrapping
// usage.ErrParse; a valid line that is not an event returns ErrRejected.
// The returned event is unpriced and carries no dedup key.
func (n *Normalizer) Normalize(line []byte, fc FileContext) (usage.Event, error) {
	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return usage.Event{}, usage.NewError(usage.ErrParse, "decode", fmt.Sprintf("%s:%d", fc.SourceFile, fc.Line), err)
	}
	msg := decodeMessage(rec.Message)

	e := usage.Event{
		SessionID:   first(rec.SessionID, rec.SessionIDLegacy),
		ProjectPath: fc.ProjectPath,
		ProjectName: fc.ProjectName,
		SourceFile:  fc.SourceFile,
		SourceLine:  fc.Line,
	}

	u := rec.Usage
	if u == nil && msg != nil {
		u = msg.Usage
	}
	if u != nil {
		e.InputTokens = u.InputTokens.Value
		e.OutputTokens = u.OutputTokens.Value
		e.CacheCreationTokens = pick(u.CacheCreationInputTokens, u.CacheCreationTokens)
		e.CacheReadTokens = pick(u.CacheReadInputTokens, u.CacheReadTokens)
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.CacheCreationTokens < 0 || e.CacheReadTokens < 0 {
		return usage.Event{}, usage.NewError(usage.ErrParse, "decode", fmt.Sprintf("%s:%d", fc.SourceFile, fc.Line), errors.New("negative token count"))
	}

	var msgID, msgModel string
	if msg != nil {
		msgID, msgModel = msg.ID, msg.Model
	}
	e.MessageID = first(rec.MessageID, rec.MessageIDLegacy, msgID)
	e.RequestID = first(rec.RequestID, rec.RequestIDLegacy)
	if e.RequestID == "" && e.MessageID != "" {
		e.RequestID = e.MessageID
		e.RequestIDInferred = true
	}

	sourceCost := rec.CostUSD.Value
	if !rec.CostUSD.Set {
		sourceCost = rec.Cost.Value
	}
	billable := e.HasUsage() || sourceCost != 0

	model := first(realModel(rec.Model), realModel(msgModel))
	switch {
	case model == "" && (isPlaceholder(rec.Model) || isPlaceholder(msgModel)):
		return usage.Event{}, ErrRejected
	case model == "" && billable:
		return usage.Event{}, ErrRejected
	case model == "":
		model = usage.NoModel
	}
	e.Model = model

	if !e.HasSession() && !billable {
		return usage.Event{}, ErrRejected
	}

	switch {
	case rec.Timestamp.Set:
		e.Timestamp = rec.Timestamp.Value
	case rec.Date.Set:
		e.Timestamp = rec.Date.Value
	default:
		e.Timestamp = n.nowFunc()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Date = e.Timestamp.In(n.loc).Format(usage.DateLayout)

	return e, nil
}

func isPlaceholder(model string) bool {
	return placeholderModels[strings.ToLower(strings.TrimSpace(model))]
}

// realModel blanks placeholder names so they lose to any real candidate.
func realModel(model string) string {
	if isPlaceholder(model) {
		return ""
	}
	return model
}

// first returns the first non-blank candidate, trimmed.
func first(candidates ...string) string {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}

func pick(candidates ...flexInt) int64 {
	for _, c := range candidates {
		if c.Set {
			return c.Value
		}
	}
	return 0
}

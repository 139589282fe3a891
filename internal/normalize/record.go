package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// rawRecord is decoded permissively: every field that has appeared under more
// than one name is captured under each name and resolved afterwards.
type rawRecord struct {
	Type string `json:"type"`

	SessionID       string `json:"sessionId"`
	SessionIDLegacy string `json:"session_id"`

	Model string `json:"model"`

	RequestID       string `json:"requestId"`
	RequestIDLegacy string `json:"request_id"`
	MessageID       string `json:"messageId"`
	MessageIDLegacy string `json:"message_id"`

	Timestamp flexTime `json:"timestamp"`
	Date      flexTime `json:"date"`

	CostUSD flexFloat `json:"costUSD"`
	Cost    flexFloat `json:"cost"`

	Usage   *rawUsage       `json:"usage"`
	Message json.RawMessage `json:"message"`
}

// rawMessage is the nested assistant message. User turns sometimes carry a
// plain string here, which decodeMessage ignores.
type rawMessage struct {
	ID    string    `json:"id"`
	Model string    `json:"model"`
	Usage *rawUsage `json:"usage"`
}

type rawUsage struct {
	InputTokens              flexInt `json:"input_tokens"`
	OutputTokens             flexInt `json:"output_tokens"`
	CacheCreationInputTokens flexInt `json:"cache_creation_input_tokens"`
	CacheCreationTokens      flexInt `json:"cache_creation_tokens"`
	CacheReadInputTokens     flexInt `json:"cache_read_input_tokens"`
	CacheReadTokens          flexInt `json:"cache_read_tokens"`
}

func decodeMessage(raw json.RawMessage) *rawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var m rawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}

// flexInt accepts integers, floats and numeric strings. Set is false when the
// field was absent or null.
type flexInt struct {
	Value int64
	Set   bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		f.Value, f.Set = v, true
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	f.Value, f.Set = int64(math.Round(v)), true
	return nil
}

// flexFloat accepts numbers and numeric strings.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	f.Value, f.Set = v, true
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// flexTime accepts ISO-8601 strings and unix seconds or milliseconds. An
// unparseable value leaves Set false rather than failing the line.
type flexTime struct {
	Value time.Time
	Set   bool
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" || s == "" {
		return nil
	}
	if s[0] != '"' {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		if n > 1e12 {
			f.Value = time.UnixMilli(int64(n)).UTC()
		} else {
			f.Value = time.Unix(int64(n), 0).UTC()
		}
		f.Set = true
		return nil
	}
	s = strings.Trim(s, `"`)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.Value, f.Set = t, true
			return nil
		}
	}
	return nil
}

// Package usage defines the canonical records shared by the ingestion,
// aggregation and query layers.
package usage

import (
	"fmt"
	"strings"
	"time"
)

// UnknownSession is the placeholder session id. Rows carrying it are stored
// but never counted as a session.
const UnknownSession = "unknown"

// NoModel is the model key of session-bearing turns that name no model, such
// as plain user messages. They count toward sessions but never toward
// per-model statistics.
const NoModel = "none"

// TimestampLayout is the persisted ISO-8601 form of Event.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DateLayout is the layout of derived date strings.
const DateLayout = "2006-01-02"

// Event is one priced, deduplicated usage record.
type Event struct {
	Timestamp           time.Time `json:"timestamp"`
	Date                string    `json:"date"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	Cost                float64   `json:"cost"`
	SessionID           string    `json:"session_id"`
	ProjectPath         string    `json:"project_path"`
	ProjectName         string    `json:"project_name"`
	RequestID           string    `json:"request_id,omitempty"`
	MessageID           string    `json:"message_id,omitempty"`
	SourceFile          string    `json:"source_file"`
	SourceLine          int       `json:"source_line"`
	DedupKey            string    `json:"dedup_key"`

	// RequestIDInferred is set when RequestID was copied from MessageID
	// because the line carried no request id of its own.
	RequestIDInferred bool `json:"-"`
}

// TotalTokens returns the sum of all token fields.
func (e Event) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheCreationTokens + e.CacheReadTokens
}

// HasUsage reports whether the event carries any billable tokens.
func (e Event) HasUsage() bool {
	return e.TotalTokens() > 0
}

// HasSession reports whether the event counts toward session statistics.
func (e Event) HasSession() bool {
	return IsValidSession(e.SessionID)
}

// FormattedTimestamp returns the persisted timestamp string.
func (e Event) FormattedTimestamp() string {
	return e.Timestamp.UTC().Format(TimestampLayout)
}

// Billable reports whether the event belongs to a real model.
func (e Event) Billable() bool {
	return e.Model != "" && e.Model != NoModel
}

// Validate rejects values no producer can legitimately emit.
func (e Event) Validate() error {
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.CacheCreationTokens < 0 || e.CacheReadTokens < 0 {
		return fmt.Errorf("%w: negative token count in %s:%d", ErrIntegrity, e.SourceFile, e.SourceLine)
	}
	if e.Cost < 0 {
		return fmt.Errorf("%w: negative cost in %s:%d", ErrIntegrity, e.SourceFile, e.SourceLine)
	}
	if e.Model == "" {
		return fmt.Errorf("%w: empty model in %s:%d", ErrIntegrity, e.SourceFile, e.SourceLine)
	}
	return nil
}

// IsValidSession reports whether id identifies a real session.
func IsValidSession(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && id != UnknownSession
}

// ProcessingStatus is the lifecycle state of a tracked source file.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// FileRecord is the persisted fingerprint of one source file.
type FileRecord struct {
	FilePath     string           `json:"file_path"`
	FileName     string           `json:"file_name"`
	FileSize     int64            `json:"file_size"`
	LastModified time.Time        `json:"last_modified"`
	ContentHash  string           `json:"content_hash"`
	EntryCount   int              `json:"entry_count"`
	Status       ProcessingStatus `json:"processing_status"`
	LastError    string           `json:"last_error,omitempty"`
	ProcessedAt  *time.Time       `json:"processed_at,omitempty"`
}

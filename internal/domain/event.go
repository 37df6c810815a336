package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Level is the severity attached to a log event.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel normalises a textual severity. The second result is false for unknown levels.
func ParseLevel(value string) (Level, bool) {
	switch Level(strings.ToUpper(strings.TrimSpace(value))) {
	case LevelDebug:
		return LevelDebug, true
	case LevelInfo:
		return LevelInfo, true
	case LevelWarn:
		return LevelWarn, true
	case LevelError:
		return LevelError, true
	}
	return "", false
}

// LogEvent is a structured application log line. Events are append-only.
type LogEvent struct {
	ID           int64           `json:"id"`
	Service      string          `json:"service"`
	Org          string          `json:"orgId,omitempty"`
	Level        Level           `json:"level"`
	Message      string          `json:"message,omitempty"`
	LatencyMS    *int64          `json:"latencyMs,omitempty"`
	ResponseCode *int            `json:"responseCode,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	IngestedAt   time.Time       `json:"ingestedAt"`
}

// IsError reports whether the event counts towards the error rate.
func (e LogEvent) IsError() bool {
	return e.Level == LevelError
}

// Partition returns the (service, org) pair scoping the event.
func (e LogEvent) Partition() Partition {
	return Partition{Service: e.Service, Org: e.Org}
}

// Partition identifies the scope of windowed computations and detection locking.
type Partition struct {
	Service string
	Org     string
}

// String renders the partition as a stable key. The org is length-prefixed so that no
// service name can produce the key of another partition.
func (p Partition) String() string {
	return strconv.Itoa(len(p.Org)) + ":" + p.Org + "/" + p.Service
}

// EventFilter narrows event queries. From is inclusive, To is exclusive; zero values
// leave the corresponding bound open. Empty strings mean "any". Search matches message
// text case-insensitively.
type EventFilter struct {
	Service string
	Org     string
	Level   Level
	From    time.Time
	To      time.Time
	Search  string
}

// Contains reports whether the event matches the filter.
func (f EventFilter) Contains(e LogEvent) bool {
	if f.Service != "" && e.Service != f.Service {
		return false
	}
	if f.Org != "" && e.Org != f.Org {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// ItemError describes why a single event of a batch was rejected.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchResult reports partial acceptance of an appended batch.
type BatchResult struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Errors   []ItemError `json:"errors,omitempty"`

	// Partitions lists the distinct partitions among accepted events in first-seen order.
	Partitions []Partition `json:"-"`
}

// Partial reports whether some, but not necessarily all, events were rejected.
func (r BatchResult) Partial() bool {
	return r.Rejected > 0
}

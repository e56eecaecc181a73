package http

import (
	"time"

	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/slot"
)

// ErrorResponse is the standardized error body for all endpoints.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports component status for GET /health.
type HealthResponse struct {
	Status          string            `json:"status"`
	Timestamp       time.Time         `json:"timestamp"`
	CurrentSequence int64             `json:"current_sequence"`
	ChainTip        string            `json:"chain_tip,omitempty"`
	QueueDepth      int               `json:"queue_depth"`
	FeedSubscribers int               `json:"feed_subscribers"`
	Components      map[string]string `json:"components"`
}

// EntriesResponse lists ledger entries for a date or slot query.
type EntriesResponse struct {
	Date    string          `json:"date,omitempty"`
	SlotID  string          `json:"slot_id,omitempty"`
	Count   int             `json:"count"`
	Entries []*ledger.Entry `json:"entries"`
}

// SlotsResponse lists slot records for a date.
type SlotsResponse struct {
	Date  string       `json:"date"`
	Count int          `json:"count"`
	Slots []*slot.Slot `json:"slots"`
}

// StatsResponse aggregates ledger statistics with optional archive counts.
type StatsResponse struct {
	Ledger  *ledger.Statistics `json:"ledger"`
	Archive map[string]int64   `json:"archive,omitempty"`
}

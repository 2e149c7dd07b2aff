// Package gateway is the REST/JSON client of the SyncGateway, the
// authoritative store of sector count sessions and their entries.
//
// Every failure is classified into a count error kind: connection errors,
// timeouts, 429 and 5xx are TRANSIENT_NETWORK; 404 is NOT_FOUND; 409 is
// CONFLICT; 400 and 422 are VALIDATION. When the server reports its own
// kind in the error body, that kind wins.
package gateway

import (
	"time"

	"github.com/roach88/sectorcount/internal/count"
	"github.com/roach88/sectorcount/internal/discrepancy"
)

// Entry states reported by the server.
const (
	EntryActive  = "active"
	EntryDeleted = "deleted"
)

// SessionResponse wraps the session returned by every lifecycle endpoint.
type SessionResponse struct {
	Session  count.Session   `json:"session"`
	Products []count.Product `json:"products,omitempty"`
}

// CreateSessionRequest creates a session on the server.
type CreateSessionRequest struct {
	ID        string          `json:"id" yaml:"id" validate:"required,max=128"`
	SectorID  string          `json:"sector_id" yaml:"sector_id" validate:"required,max=128"`
	Operators [2]string       `json:"operators" yaml:"operators"`
	Products  []count.Product `json:"products" yaml:"products" validate:"required,min=1,dive"`
}

// StartRequest opens a counter slot.
type StartRequest struct {
	Slot     count.Slot `json:"slot" validate:"required,oneof=1 2"`
	Operator string     `json:"operator,omitempty" validate:"max=128"`
}

// SubmitRequest marks a counter slot as finished for the current round.
type SubmitRequest struct {
	Slot count.Slot `json:"slot" validate:"required,oneof=1 2"`
}

// FinalizeRequest closes the session. Force is the supervisor override
// accepted only once the session escalated.
type FinalizeRequest struct {
	Force bool `json:"force,omitempty"`
}

// EntryDTO is an entry as the server stores it.
type EntryDTO struct {
	ID        string     `json:"id"`
	ProductID string     `json:"product_id"`
	Slot      count.Slot `json:"slot"`
	Round     int        `json:"round"`
	Line      int        `json:"line"`
	Quantity  int64      `json:"quantity"`
	Formula   string     `json:"formula,omitempty"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// Entry converts d into a Remote journal entry.
func (d EntryDTO) Entry(sessionID string) count.Entry {
	return count.Entry{
		Tag:       count.Remote(d.ID),
		SessionID: sessionID,
		ProductID: d.ProductID,
		Slot:      d.Slot,
		Round:     d.Round,
		Line:      d.Line,
		Quantity:  d.Quantity,
		Formula:   d.Formula,
		CreatedAt: d.CreatedAt,
	}
}

// EntriesResponse lists a session's entries.
type EntriesResponse struct {
	Entries []EntryDTO `json:"entries"`
}

// UpsertEntryRequest creates or updates the entry with the natural key
// (session, product, slot, round, line).
type UpsertEntryRequest struct {
	ProductID string     `json:"product_id" validate:"required,max=128"`
	Slot      count.Slot `json:"slot" validate:"required,oneof=1 2"`
	Round     int        `json:"round" validate:"gte=0"`
	Line      int        `json:"line" validate:"required,gte=1"`
	Quantity  int64      `json:"quantity" validate:"gte=0"`
	Formula   string     `json:"formula,omitempty" validate:"max=256"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
}

// NewUpsertEntryRequest builds the upsert body for e.
func NewUpsertEntryRequest(e count.Entry) UpsertEntryRequest {
	return UpsertEntryRequest{
		ProductID: e.ProductID,
		Slot:      e.Slot,
		Round:     e.Round,
		Line:      e.Line,
		Quantity:  e.Quantity,
		Formula:   e.Formula,
		CreatedAt: e.CreatedAt,
	}
}

// UpsertEntryResponse reports the stored entry and whether it was created.
type UpsertEntryResponse struct {
	Entry   EntryDTO `json:"entry"`
	Created bool     `json:"created"`
}

// UpdateEntryRequest replaces the quantity of an existing entry.
type UpdateEntryRequest struct {
	Quantity int64  `json:"quantity" validate:"gte=0"`
	Formula  string `json:"formula,omitempty" validate:"max=256"`
}

// EntryResponse wraps a single entry.
type EntryResponse struct {
	Entry EntryDTO `json:"entry"`
}

// DiscrepanciesResponse is the server's detection for the current round.
type DiscrepanciesResponse struct {
	Round    int                       `json:"round"`
	Items    []discrepancy.Discrepancy `json:"items"`
	Disputed []string                  `json:"disputed"`
}

// ErrorBody is the error payload of every non-2xx response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

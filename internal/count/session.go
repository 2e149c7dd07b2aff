package count

import (
	"slices"
	"time"
)

// State is the lifecycle state of a sector count session.
type State string

const (
	StatePending        State = "PENDING"
	StateInProgress     State = "IN_PROGRESS"
	StateConDifferences State = "CON_DIFFERENCES"
	StateVerified       State = "VERIFIED"
	StateRecount        State = "RECOUNT"
	StateFinalized      State = "FINALIZED"
	StateCancelled      State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateCancelled
}

// SlotState is the per-counter sub-state of a session.
type SlotState string

const (
	SlotPending    SlotState = "PENDING"
	SlotInProgress SlotState = "IN_PROGRESS"
	SlotSubmitted  SlotState = "SUBMITTED"
)

// SlotInfo binds a counter slot to its operator.
type SlotInfo struct {
	Operator string    `json:"operator,omitempty"`
	State    SlotState `json:"state"`
}

// Session is one (sector, campaign) count session.
type Session struct {
	ID         string      `json:"id"`
	SectorID   string      `json:"sector_id"`
	State      State       `json:"state"`
	Slots      [2]SlotInfo `json:"slots"`
	ProductIDs []string    `json:"product_ids,omitempty"`

	TotalProducts   int     `json:"total_products"`
	CountedProducts int     `json:"counted_products"`
	Completion      float64 `json:"completion"`

	// Round is 0 during the initial count and n during the n-th recount.
	Round int `json:"round"`

	// RecountSet lists the disputed products of the latest detection.
	RecountSet []string `json:"recount_set,omitempty"`

	// Escalated is set once disagreement persists after the last permitted
	// recount round. Only a forced finalize or a cancel is accepted then.
	Escalated bool `json:"escalated,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns a PENDING session with both slots PENDING.
func NewSession(id, sectorID string, operators [2]string, productIDs []string) Session {
	s := Session{
		ID:         id,
		SectorID:   sectorID,
		State:      StatePending,
		ProductIDs: slices.Clone(productIDs),
	}
	for i := range s.Slots {
		s.Slots[i] = SlotInfo{Operator: operators[i], State: SlotPending}
	}
	s.TotalProducts = len(productIDs)
	return s
}

// Slot returns the info of the given slot.
func (s Session) Slot(slot Slot) SlotInfo {
	return s.Slots[slot-1]
}

// WithSlot returns a copy of s with the given slot replaced.
func (s Session) WithSlot(slot Slot, info SlotInfo) Session {
	s.Slots[slot-1] = info
	return s
}

// BothSubmitted reports whether both counters finished the current round.
func (s Session) BothSubmitted() bool {
	return s.Slots[0].State == SlotSubmitted && s.Slots[1].State == SlotSubmitted
}

// Revealed reports whether the entries of round may be shown across
// slots. Earlier rounds always are; the current one once both counters
// submitted it.
func (s Session) Revealed(round int) bool {
	if round < s.Round {
		return true
	}
	switch s.State {
	case StateConDifferences, StateVerified, StateFinalized:
		return true
	}
	return s.BothSubmitted()
}

// VisibleTo drops the entries viewer may not see: those of the other slot
// in a round not yet revealed. A zero viewer sees revealed rounds only.
func (s Session) VisibleTo(viewer Slot, entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Slot == viewer || s.Revealed(e.Round) {
			out = append(out, e)
		}
	}
	return out
}

// InRecountSet reports whether productID is being recounted.
func (s Session) InRecountSet(productID string) bool {
	return slices.Contains(s.RecountSet, productID)
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.ProductIDs = slices.Clone(s.ProductIDs)
	s.RecountSet = slices.Clone(s.RecountSet)
	return s
}

// WithProgress recomputes the progress counters from live entries.
// A product counts as counted once any live entry of the current round exists for it.
func (s Session) WithProgress(entries []Entry) Session {
	counted := make(map[string]struct{})
	for _, e := range entries {
		if e.Live() && e.Round == s.Round {
			counted[e.ProductID] = struct{}{}
		}
	}
	total := len(s.ProductIDs)
	if s.State == StateRecount {
		total = len(s.RecountSet)
	}
	s.TotalProducts = total
	s.CountedProducts = len(counted)
	if total > 0 {
		s.Completion = float64(min(s.CountedProducts, total)) * 100 / float64(total)
	} else {
		s.Completion = 0
	}
	return s
}

package recount

import (
	"fmt"
	"slices"

	"github.com/roach88/sectorcount/internal/count"
)

// DefaultMaxRounds is the number of recount rounds allowed before a
// persistent disagreement escalates to a supervisor.
const DefaultMaxRounds = 3

// EventKind names a lifecycle event.
type EventKind string

const (
	EventOpen            EventKind = "open"
	EventSubmit          EventKind = "submit"
	EventDetected        EventKind = "detected"
	EventEnterRecount    EventKind = "enter_recount"
	EventRecountResolved EventKind = "recount_resolved"
	EventFinalize        EventKind = "finalize"
	EventCancel          EventKind = "cancel"
)

// Event drives one transition. Only the fields relevant to Kind are read.
type Event struct {
	Kind     EventKind
	Slot     count.Slot
	Operator string

	// Disputed carries the detector's disputed product ids for
	// EventDetected and EventRecountResolved.
	Disputed []string

	// Force is the supervisor override of EventFinalize.
	Force bool
}

func Open(slot count.Slot, operator string) Event {
	return Event{Kind: EventOpen, Slot: slot, Operator: operator}
}

func Submit(slot count.Slot) Event { return Event{Kind: EventSubmit, Slot: slot} }

func Detected(disputed []string) Event { return Event{Kind: EventDetected, Disputed: disputed} }

func EnterRecount() Event { return Event{Kind: EventEnterRecount} }

func RecountResolved(disputed []string) Event {
	return Event{Kind: EventRecountResolved, Disputed: disputed}
}

func Finalize(force bool) Event { return Event{Kind: EventFinalize, Force: force} }

func Cancel() Event { return Event{Kind: EventCancel} }

// Machine is the session lifecycle as a pure function.
type Machine struct {
	MaxRounds int
}

// NewMachine returns a Machine; maxRounds <= 0 selects DefaultMaxRounds.
func NewMachine(maxRounds int) Machine {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return Machine{MaxRounds: maxRounds}
}

func (m Machine) maxRounds() int {
	if m.MaxRounds <= 0 {
		return DefaultMaxRounds
	}
	return m.MaxRounds
}

// Apply returns the session after ev. An illegal event yields a CONFLICT
// (or ESCALATED) error and s unchanged.
func (m Machine) Apply(s count.Session, ev Event) (count.Session, error) {
	next := s.Clone()
	var err error
	switch ev.Kind {
	case EventOpen:
		err = m.open(&next, ev)
	case EventSubmit:
		err = m.submit(&next, ev)
	case EventDetected:
		err = m.detected(&next, ev)
	case EventEnterRecount:
		err = m.enterRecount(&next)
	case EventRecountResolved:
		err = m.recountResolved(&next, ev)
	case EventFinalize:
		err = m.finalize(&next, ev)
	case EventCancel:
		err = m.cancel(&next)
	default:
		err = count.NewValidationError(fmt.Sprintf("unknown event %q", ev.Kind))
	}
	if err != nil {
		return s, err
	}
	return next, nil
}

// Can reports whether ev is legal for s.
func (m Machine) Can(s count.Session, ev Event) bool {
	_, err := m.Apply(s, ev)
	return err == nil
}

func illegal(s *count.Session, ev EventKind) error {
	return count.NewConflictError(s.ID, fmt.Sprintf("cannot %s a %s session", ev, s.State))
}

func slotErr(s *count.Session, slot count.Slot, msg string) error {
	err := count.NewConflictError(s.ID, msg)
	err.Slot = slot
	return err
}

func (m Machine) open(s *count.Session, ev Event) error {
	if !ev.Slot.Valid() {
		return count.NewValidationError(fmt.Sprintf("invalid counter slot %d", ev.Slot))
	}
	switch s.State {
	case count.StatePending, count.StateInProgress, count.StateRecount:
	default:
		return illegal(s, ev.Kind)
	}

	info := s.Slot(ev.Slot)
	if ev.Operator != "" && info.Operator != "" && info.Operator != ev.Operator {
		return slotErr(s, ev.Slot, fmt.Sprintf("slot %d is assigned to %s", ev.Slot, info.Operator))
	}
	if info.State == count.SlotSubmitted {
		return slotErr(s, ev.Slot, fmt.Sprintf("slot %d already submitted", ev.Slot))
	}
	if info.Operator == "" {
		info.Operator = ev.Operator
	}
	info.State = count.SlotInProgress
	*s = s.WithSlot(ev.Slot, info)
	if s.State == count.StatePending {
		s.State = count.StateInProgress
	}
	return nil
}

func (m Machine) submit(s *count.Session, ev Event) error {
	if !ev.Slot.Valid() {
		return count.NewValidationError(fmt.Sprintf("invalid counter slot %d", ev.Slot))
	}
	if s.State != count.StateInProgress && s.State != count.StateRecount {
		return illegal(s, ev.Kind)
	}
	info := s.Slot(ev.Slot)
	switch info.State {
	case count.SlotPending:
		return slotErr(s, ev.Slot, fmt.Sprintf("slot %d was never opened", ev.Slot))
	case count.SlotSubmitted:
		return slotErr(s, ev.Slot, fmt.Sprintf("slot %d already submitted", ev.Slot))
	}
	info.State = count.SlotSubmitted
	*s = s.WithSlot(ev.Slot, info)
	return nil
}

func (m Machine) detected(s *count.Session, ev Event) error {
	if s.State != count.StateInProgress {
		return illegal(s, ev.Kind)
	}
	if !s.BothSubmitted() {
		return count.NewConflictError(s.ID, "detection needs both slots submitted")
	}
	m.settle(s, ev.Disputed, count.StateVerified)
	return nil
}

func (m Machine) enterRecount(s *count.Session) error {
	if s.State != count.StateConDifferences {
		return illegal(s, EventEnterRecount)
	}
	if s.Escalated || s.Round >= m.maxRounds() {
		return count.NewEscalatedError(s.ID, s.Round)
	}
	s.Round++
	s.State = count.StateRecount
	for _, slot := range count.Slots {
		info := s.Slot(slot)
		info.State = count.SlotInProgress
		*s = s.WithSlot(slot, info)
	}
	return nil
}

func (m Machine) recountResolved(s *count.Session, ev Event) error {
	if s.State != count.StateRecount {
		return illegal(s, ev.Kind)
	}
	if !s.BothSubmitted() {
		return count.NewConflictError(s.ID, "recount resolution needs both slots submitted")
	}
	m.settle(s, ev.Disputed, count.StateFinalized)
	return nil
}

// settle moves s to agreed when nothing is disputed, and to
// CON_DIFFERENCES otherwise. Disagreement after the last permitted round
// escalates.
func (m Machine) settle(s *count.Session, disputed []string, agreed count.State) {
	if len(disputed) == 0 {
		s.State = agreed
		s.RecountSet = nil
		return
	}
	set := slices.Clone(disputed)
	slices.Sort(set)
	s.State = count.StateConDifferences
	s.RecountSet = slices.Compact(set)
	s.Escalated = s.Round >= m.maxRounds()
}

func (m Machine) finalize(s *count.Session, ev Event) error {
	switch {
	case s.State.Terminal():
		return illegal(s, ev.Kind)
	case s.State == count.StateVerified:
	case ev.Force && s.Escalated:
	case ev.Force:
		return count.NewConflictError(s.ID, "forced finalize is only allowed once the session escalated")
	default:
		return illegal(s, ev.Kind)
	}
	s.State = count.StateFinalized
	return nil
}

func (m Machine) cancel(s *count.Session) error {
	if s.State.Terminal() {
		return illegal(s, EventCancel)
	}
	s.State = count.StateCancelled
	return nil
}

// Admit reports whether e may be written to s: the session accepts entries,
// the slot is counting, and in RECOUNT the product is disputed and the
// entry belongs to the current round.
func (m Machine) Admit(s count.Session, e count.Entry) error {
	if !e.Slot.Valid() {
		return count.NewValidationError(fmt.Sprintf("invalid counter slot %d", e.Slot))
	}
	conflict := func(msg string) error {
		err := count.NewConflictError(s.ID, msg)
		err.ProductID, err.Slot = e.ProductID, e.Slot
		return err
	}
	switch s.State {
	case count.StateInProgress, count.StateRecount:
	default:
		return conflict(fmt.Sprintf("session is %s and accepts no entries", s.State))
	}
	if !slices.Contains(s.ProductIDs, e.ProductID) {
		return count.NewValidationError(fmt.Sprintf("product %s is not in sector %s", e.ProductID, s.SectorID))
	}
	if st := s.Slot(e.Slot).State; st != count.SlotInProgress {
		return conflict(fmt.Sprintf("slot %d is %s", e.Slot, st))
	}
	if e.Round != s.Round {
		return conflict(fmt.Sprintf("entry is for round %d, session is in round %d", e.Round, s.Round))
	}
	if s.State == count.StateRecount && !s.InRecountSet(e.ProductID) {
		return conflict(fmt.Sprintf("product %s is not being recounted", e.ProductID))
	}
	return nil
}

// Scope returns the products counted in the current round: every product
// initially, the recount set during a recount.
func Scope(s count.Session) []string {
	if s.State == count.StateRecount {
		return slices.Clone(s.RecountSet)
	}
	return slices.Clone(s.ProductIDs)
}

// Uncovered returns the products in scope the slot has no live entry for
// in the current round, in scope order.
func Uncovered(s count.Session, slot count.Slot, entries []count.Entry) []string {
	counted := make(map[string]bool)
	for _, e := range entries {
		if e.Live() && e.Slot == slot && e.Round == s.Round {
			counted[e.ProductID] = true
		}
	}
	var missing []string
	for _, id := range Scope(s) {
		if !counted[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

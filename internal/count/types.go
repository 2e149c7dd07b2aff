package count

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Slot identifies one of the two independent counters of a session.
type Slot int

const (
	Slot1 Slot = 1
	Slot2 Slot = 2
)

// Slots lists both counter slots in order.
var Slots = []Slot{Slot1, Slot2}

// Valid reports whether s is slot 1 or 2.
func (s Slot) Valid() bool {
	return s == Slot1 || s == Slot2
}

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == Slot1 {
		return Slot2
	}
	return Slot1
}

func (s Slot) String() string {
	return strconv.Itoa(int(s))
}

// ParseSlot parses "1" or "2".
func ParseSlot(v string) (Slot, error) {
	n, err := strconv.Atoi(v)
	if err != nil || !Slot(n).Valid() {
		return 0, NewValidationError(fmt.Sprintf("invalid counter slot %q: must be 1 or 2", v))
	}
	return Slot(n), nil
}

type tagKind uint8

const (
	tagNone tagKind = iota
	tagLocal
	tagRemote
)

// IdentityTag is either Local(ephemeralID) or Remote(serverID).
// The zero value is neither and marks an entry that was never journaled.
type IdentityTag struct {
	kind tagKind
	id   string
}

// Local returns a tag for an entry that has not been persisted remotely.
func Local(id string) IdentityTag {
	return IdentityTag{kind: tagLocal, id: id}
}

// Remote returns a tag for an entry bound to its server record.
func Remote(id string) IdentityTag {
	return IdentityTag{kind: tagRemote, id: id}
}

func (t IdentityTag) IsLocal() bool  { return t.kind == tagLocal }
func (t IdentityTag) IsRemote() bool { return t.kind == tagRemote }
func (t IdentityTag) IsZero() bool   { return t.kind == tagNone }

// ID returns the ephemeral id for Local tags and the server id for Remote tags.
func (t IdentityTag) ID() string { return t.id }

func (t IdentityTag) String() string {
	switch t.kind {
	case tagLocal:
		return "local:" + t.id
	case tagRemote:
		return "remote:" + t.id
	default:
		return "none"
	}
}

type tagJSON struct {
	Local  string `json:"local,omitempty"`
	Remote string `json:"remote,omitempty"`
}

// MarshalJSON encodes the tag as {"local":id} or {"remote":id}.
func (t IdentityTag) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case tagLocal:
		return json.Marshal(tagJSON{Local: t.id})
	case tagRemote:
		return json.Marshal(tagJSON{Remote: t.id})
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON rejects payloads that carry both variants.
func (t *IdentityTag) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = IdentityTag{}
		return nil
	}
	var raw tagJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal identity tag: %w", err)
	}
	switch {
	case raw.Local != "" && raw.Remote != "":
		return fmt.Errorf("unmarshal identity tag: both local and remote set")
	case raw.Local != "":
		*t = Local(raw.Local)
	case raw.Remote != "":
		*t = Remote(raw.Remote)
	default:
		*t = IdentityTag{}
	}
	return nil
}

// Entry is one quantity contribution from one slot for one product.
//
// Round is 0 for the initial count and n for the n-th recount. Line numbers
// the entry among the (product, slot, round) entries; it is assigned once by
// the journal, never reused, and together with the other key fields forms the
// natural key the sync gateway upserts on.
type Entry struct {
	Tag       IdentityTag `json:"tag"`
	SessionID string      `json:"session_id"`
	ProductID string      `json:"product_id"`
	Slot      Slot        `json:"slot"`
	Round     int         `json:"round"`
	Line      int         `json:"line"`
	Quantity  int64       `json:"quantity"`
	Formula   string      `json:"formula,omitempty"`
	CreatedAt time.Time   `json:"created_at"`

	// Dirty marks a Remote entry whose local edit has not reached the server.
	Dirty bool `json:"dirty,omitempty"`

	// PendingDelete marks a Remote entry whose tombstone request has not
	// succeeded yet. Such entries are excluded from totals.
	PendingDelete bool `json:"pending_delete,omitempty"`
}

// Key returns the (session, product, slot) key reconciliations serialize on.
func (e Entry) Key() Key {
	return Key{SessionID: e.SessionID, ProductID: e.ProductID, Slot: e.Slot}
}

// NeedsSync reports whether the entry has local state the server lacks.
func (e Entry) NeedsSync() bool {
	return e.Tag.IsLocal() || e.Dirty || e.PendingDelete
}

// Live reports whether the entry counts toward totals.
func (e Entry) Live() bool {
	return !e.PendingDelete
}

// Key identifies a product count stream of one slot in one session.
type Key struct {
	SessionID string
	ProductID string
	Slot      Slot
}

func (k Key) String() string {
	return k.SessionID + "/" + k.ProductID + "/" + k.Slot.String()
}

// Product is a read-only projection of a catalog product.
type Product struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Code        string `json:"code,omitempty" yaml:"code"`
	Barcode     string `json:"barcode,omitempty" yaml:"barcode"`
	SystemStock int64  `json:"system_stock" yaml:"system_stock"`
}

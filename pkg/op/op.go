// Package op defines the closed set of mutating operations the journal
// understands, the stored-op envelope, and their stable wire encoding.
package op

import (
	"fmt"

	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/types"
)

// Kind names an operation variant. The names are stable: they are written to
// the journal's kind column.
type Kind string

const (
	KindInsert Kind = "insert"
	KindEdit   Kind = "edit"
	KindDelete Kind = "delete"
)

// Op is one logical mutation. Exactly one payload field is set, matching Kind.
type Op struct {
	Kind   Kind           `json:"kind"`
	Insert *InsertPayload `json:"insert,omitempty"`
	Edit   *EditPayload   `json:"edit,omitempty"`
	Delete *DeletePayload `json:"delete,omitempty"`
}

// InsertPayload carries a materialized record. User inserts reach the store
// with a zero ID and get one assigned; journaled inserts carry the assigned
// ID, and compensating inserts also set Pinned. The store keeps any nonzero
// ID it is given, whether or not Pinned is set.
type InsertPayload struct {
	Record qso.Record `json:"record"`
	Pinned bool       `json:"pinned,omitempty"`
}

// EditPayload is a sparse update against an existing record.
type EditPayload struct {
	ID    types.QsoID `json:"id"`
	Patch qso.Patch   `json:"patch"`
}

// DeletePayload tombstones a record.
type DeletePayload struct {
	ID types.QsoID `json:"id"`
}

// NewInsert builds a user insert op; the store assigns the ID.
func NewInsert(rec qso.Record) Op {
	return Op{Kind: KindInsert, Insert: &InsertPayload{Record: rec}}
}

// NewPinnedInsert builds a compensating or replayed insert that must restore
// the record at its original ID.
func NewPinnedInsert(rec qso.Record) Op {
	return Op{Kind: KindInsert, Insert: &InsertPayload{Record: rec, Pinned: true}}
}

// NewEdit builds an edit op.
func NewEdit(id types.QsoID, patch qso.Patch) Op {
	return Op{Kind: KindEdit, Edit: &EditPayload{ID: id, Patch: patch}}
}

// NewDelete builds a delete op.
func NewDelete(id types.QsoID) Op {
	return Op{Kind: KindDelete, Delete: &DeletePayload{ID: id}}
}

// Validate checks that exactly the payload matching Kind is present.
func (o Op) Validate() error {
	switch o.Kind {
	case KindInsert:
		if o.Insert == nil || o.Edit != nil || o.Delete != nil {
			return fmt.Errorf("op: malformed insert payload")
		}
	case KindEdit:
		if o.Edit == nil || o.Insert != nil || o.Delete != nil {
			return fmt.Errorf("op: malformed edit payload")
		}
	case KindDelete:
		if o.Delete == nil || o.Insert != nil || o.Edit != nil {
			return fmt.Errorf("op: malformed delete payload")
		}
	default:
		return fmt.Errorf("op: unknown kind %q", o.Kind)
	}
	return nil
}

// QsoID returns the record id the op targets. Inserts with a zero record ID
// have no id until the store assigns one.
func (o Op) QsoID() (types.QsoID, bool) {
	switch o.Kind {
	case KindInsert:
		if o.Insert != nil && o.Insert.Record.ID != 0 {
			return o.Insert.Record.ID, true
		}
	case KindEdit:
		if o.Edit != nil {
			return o.Edit.ID, true
		}
	case KindDelete:
		if o.Delete != nil {
			return o.Delete.ID, true
		}
	}
	return 0, false
}

// Summary is the short human-readable form published with OpApplied events.
func (o Op) Summary() string {
	if id, ok := o.QsoID(); ok {
		return fmt.Sprintf("%s qso=%d", o.Kind, id)
	}
	return string(o.Kind)
}

// StoredOp is the journal envelope: the forward op plus the compensating op
// computed against the pre-state, under a gapless monotonic sequence.
type StoredOp struct {
	Seq         types.OpSeq `json:"seq"`
	AppliedAtMs int64       `json:"applied_at_ms"`
	Op          Op          `json:"op"`
	Inverse     Op          `json:"inverse"`
}

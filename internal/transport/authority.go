package transport

import (
	"time"

	"github.com/roach88/parley/internal/model"
)

// Authority plays the server's part for transports without a backend that
// assigns ids: it stamps writes with ids and timestamps the way the
// realtime database would before fanning them out.
type Authority struct {
	IDs model.IDGenerator
	Now func() time.Time
}

// Apply returns the authoritative version of a write. The input is not
// modified.
func (a Authority) Apply(op model.Op, rec model.Record) model.Record {
	out := model.Clone(rec)
	now := a.Now()

	switch r := out.(type) {
	case *model.Message:
		if r.ID == "" {
			r.ID = a.IDs.Generate()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if op == model.OpInsert && (r.Status == "" || r.Status == model.StatusSending) {
			r.Status = model.StatusSent
		}
		r.UpdatedAt = now
	case *model.CallSession:
		if r.ID == "" {
			r.ID = a.IDs.Generate()
		}
	case *model.PresenceEntry:
		if r.EventTimestamp.IsZero() {
			r.EventTimestamp = now
		}
	case *model.TypingEntry:
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
	}
	return out
}

// Channel names the backend channel a table's changes are fanned out on.
// Subscription topics are client-side labels; routing is by table and the
// subscriber applies its own filter.
func Channel(prefix string, table model.Table) string {
	if prefix == "" {
		return string(table)
	}
	return prefix + "." + string(table)
}

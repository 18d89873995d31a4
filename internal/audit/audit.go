// Package audit records before/after snapshots of every entity mutation
// made by promotion and merge.
package audit

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/model"
)

// ignoredFields are bookkeeping columns that never count as a change.
var ignoredFields = map[string]bool{
	"created_at": true,
	"updated_at": true,
}

// Writer appends audit entries. Implemented by store transactions.
type Writer interface {
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
}

// Snapshot converts v to a field map using its JSON tags. A nil pointer
// yields a nil map.
func Snapshot(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "audit: marshal snapshot")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "audit: unmarshal snapshot")
	}
	return out, nil
}

// Diff returns the sorted names of fields whose values differ between
// before and after. Bookkeeping timestamps are ignored.
func Diff(before, after map[string]any) []string {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if ignoredFields[k] {
			continue
		}
		bv, bok := before[k]
		av, aok := after[k]
		if bok != aok || !reflect.DeepEqual(bv, av) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Recorder buffers audit entries for one transaction and flushes them
// through the same transaction, so entries commit or roll back with the
// mutations they describe.
type Recorder struct {
	actor         *int64
	correlationID string
	now           func() time.Time
	entries       []model.AuditEntry
}

// NewRecorder creates a Recorder attributing entries to actor (nil for
// system-driven operations) under correlationID.
func NewRecorder(actor *int64, correlationID string) *Recorder {
	return &Recorder{actor: actor, correlationID: correlationID, now: time.Now}
}

// Record computes the diff between before and after and buffers one entry
// holding both full snapshots. It returns false, and buffers nothing, when
// no field changed.
func (r *Recorder) Record(table string, op model.AuditOperation, recordID string, before, after any) (bool, error) {
	b, err := Snapshot(before)
	if err != nil {
		return false, err
	}
	a, err := Snapshot(after)
	if err != nil {
		return false, err
	}

	changed := Diff(b, a)
	if len(changed) == 0 {
		return false, nil
	}

	r.entries = append(r.entries, model.AuditEntry{
		Table:         table,
		Operation:     op,
		RecordID:      recordID,
		Before:        b,
		After:         a,
		ChangedFields: changed,
		ActorID:       r.actor,
		CorrelationID: r.correlationID,
		CreatedAt:     r.now().UTC(),
	})
	return true, nil
}

// Entries returns the buffered entries.
func (r *Recorder) Entries() []model.AuditEntry {
	return r.entries
}

// Len returns the number of buffered entries.
func (r *Recorder) Len() int {
	return len(r.entries)
}

// Flush appends the buffered entries through w. Entries stay available via
// Entries afterwards so callers can report them.
func (r *Recorder) Flush(ctx context.Context, w Writer) error {
	if len(r.entries) == 0 {
		return nil
	}
	if err := w.AppendAudit(ctx, r.entries); err != nil {
		return eris.Wrap(err, "audit: append entries")
	}
	zap.L().Debug("audit entries written",
		zap.String("correlation_id", r.correlationID),
		zap.Int("entries", len(r.entries)),
	)
	return nil
}

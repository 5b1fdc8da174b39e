package task

import "time"

// Handle is the manual control surface for one running task record.
// Handed to executors and timeout handlers; also available to application
// code via Manager.Handle.
type Handle struct {
	m  *Manager
	id string
}

// ID returns the governed record's id.
func (h *Handle) ID() string { return h.id }

// Kill deletes the record from memory and storage. Any outstanding timer
// becomes a no-op when it eventually fires.
func (h *Handle) Kill() {
	h.m.remove(h.id)
}

// ResetTimer moves the next due time one cadence step from now, or by the
// given custom interval. The pending timer is left alone: when it fires it
// finds the record not yet due and re-arms for the remainder.
func (h *Handle) ResetTimer(custom ...time.Duration) error {
	rec, _, err := h.m.records.Get(h.id, true, false)
	if err != nil {
		return err
	}
	t, _, err := h.m.tasks.Get(rec.OwnerKey, true, false)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = h.m.records.Update(h.id, func(i *RecordInfo) {
		if len(custom) > 0 && custom[0] > 0 {
			i.Next = now + custom[0].Milliseconds()
		} else {
			i.Next = t.nextAfter(now)
		}
	})
	return err
}

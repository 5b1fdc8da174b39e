package record

// Record is a persisted, session-identified instance of recurring state
// tied to an owner template.
//
// ID always carries the tag of the session that created (or re-adopted)
// it. OwnerKey is the name of the owning template and never changes.
// Locked is advisory: it serializes re-entrant handling of one record
// against overlapping async completions, nothing more.
type Record[Info any] struct {
	ID       string
	Session  string
	OwnerKey string
	Info     Info
	Locked   bool
}

// stored is the persisted projection of a record. It is the only form that
// survives a restart and the ground truth trusted on re-import.
type stored[Info any] struct {
	ID       string `json:"id"`
	Session  string `json:"session"`
	OwnerKey string `json:"owner"`
	Info     Info   `json:"info"`
}

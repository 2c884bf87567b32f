package registry

import (
	"time"
)

// Action names the operation an event records.
type Action string

const (
	ActionCreate      Action = "create"
	ActionConfirmFace Action = "confirm_face"
	ActionRejectFace  Action = "reject_face"
	ActionDetachFace  Action = "detach_face"
	ActionPromote     Action = "promote"
	ActionResolve     Action = "resolve"
	ActionContest     Action = "contest"
	ActionRename      Action = "rename"
	ActionMerge       Action = "merge"
	ActionSkipFace    Action = "skip_face"
	ActionTombstone   Action = "tombstone_face"
	ActionUndo        Action = "undo"
)

// Actor distinguishes human decisions from system ones.
type Actor string

const (
	ActorHuman  Actor = "human"
	ActorSystem Actor = "system"
)

// HistoryEvent is one entry of the append-only log. The log is the source
// of truth: replaying it from the start reconstructs every identity
// exactly. Events carry full before and after snapshots so any operation
// can be undone without interpreting its semantics.
//
// Face-scope events (skip, tombstone) carry an empty IdentityID.
type HistoryEvent struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	IdentityID string    `json:"identity_id,omitempty"`
	// OtherID is the second identity of a merge.
	OtherID string   `json:"other_id,omitempty"`
	Action  Action   `json:"action"`
	FaceIDs []string `json:"face_ids,omitempty"`
	Actor   Actor    `json:"actor"`
	// Confidence is the decision weight; it becomes the anchor weight for
	// confirmations.
	Confidence  float64 `json:"confidence,omitempty"`
	PrevVersion int64   `json:"prev_version,omitempty"`
	// TargetEventID points at the event an undo reverses.
	TargetEventID string `json:"target_event_id,omitempty"`
	Note          string `json:"note,omitempty"`

	// Snapshots for undo. Before is nil for create; BeforeOther/AfterOther
	// are set on merges only.
	Before      *Identity `json:"before,omitempty"`
	After       *Identity `json:"after,omitempty"`
	BeforeOther *Identity `json:"before_other,omitempty"`
	AfterOther  *Identity `json:"after_other,omitempty"`
}

// undoable reports whether an event can be reversed. Undo events themselves
// and face-scope bookkeeping cannot.
func (e *HistoryEvent) undoable() bool {
	switch e.Action {
	case ActionUndo, ActionSkipFace, ActionTombstone:
		return false
	}
	return true
}

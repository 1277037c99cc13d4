package model

import "time"

// ReclaimClass classifies the result of one remote deletion attempt
type ReclaimClass string

const (
	// ReclaimDeleted means the remote store was deleted in this run
	ReclaimDeleted ReclaimClass = "deleted"
	// ReclaimAlreadyAbsent means the remote store was already gone;
	// treated the same as a successful deletion for idempotency
	ReclaimAlreadyAbsent ReclaimClass = "already_absent"
	// ReclaimTransientFailure means the remote deletion failed in a way
	// that may succeed later (5xx, network error); retried next run
	ReclaimTransientFailure ReclaimClass = "transient_failure"
	// ReclaimPermanentFailure means the remote deletion failed in a way
	// a retry cannot fix (4xx other than not found); needs manual action
	ReclaimPermanentFailure ReclaimClass = "permanent_failure"
)

// ReclaimOutcome is the per-channel result of one reclamation attempt.
// Outcomes partition the batch before any local mutation; they are logged
// but never persisted.
type ReclaimOutcome struct {
	ChannelID ChannelID
	StoreName StoreName
	Class     ReclaimClass
	Err       error
}

// Removable reports whether the local record may be deleted. The local
// store must never get ahead of the remote store, so only channels whose
// remote counterpart is confirmed gone qualify.
func (o *ReclaimOutcome) Removable() bool {
	return o.Class == ReclaimDeleted || o.Class == ReclaimAlreadyAbsent
}

// ReclaimSummary is the operational record of one reclamation run
type ReclaimSummary struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	DeletedChannels  int `json:"deleted_channels"`
	RetainedChannels int `json:"retained_channels"`
	DeletedNotes     int `json:"deleted_notes"`

	AlreadyAbsent     int `json:"already_absent"`
	TransientFailures int `json:"transient_failures"`
	PermanentFailures int `json:"permanent_failures"`
}

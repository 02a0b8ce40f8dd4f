// Package job defines the persisted reminder record and its delivery payload.
package job

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"remindbot/internal/trigger"
)

var (
	ErrEmptyMessage  = errors.New("payload message is empty")
	ErrInvalidTarget = errors.New("payload needs exactly one of channel_id or user_id")
	ErrDMNoWorkspace = errors.New("direct-message payload needs a workspace_id")
)

// NewID returns a fresh job id: 32 lowercase hex characters of a random
// UUID. Ids survive export/import and migration unchanged.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Target addresses a delivery: a channel, or a user's DM.
type Target struct {
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// IsDM reports whether the target is a user rather than a channel.
func (t Target) IsDM() bool { return t.UserID != "" }

// Payload is the delivery contract a job carries. The shape is closed on
// purpose: every field is known here, nothing rides along in loose maps.
type Payload struct {
	Target      Target `json:"target"`
	Message     string `json:"message"`
	AuthorID    string `json:"author_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func (p Payload) Validate() error {
	if p.Message == "" {
		return ErrEmptyMessage
	}
	if (p.Target.ChannelID == "") == (p.Target.UserID == "") {
		return ErrInvalidTarget
	}
	if p.Target.IsDM() && p.WorkspaceID == "" {
		return ErrDMNoWorkspace
	}
	return nil
}

// PayloadPatch updates parts of a payload. Nil fields stay untouched.
type PayloadPatch struct {
	Message  *string
	Target   *Target
	AuthorID *string
}

// Apply merges the patch into a copy of p.
func (p Payload) Apply(patch PayloadPatch) Payload {
	out := p
	if patch.Message != nil {
		out.Message = *patch.Message
	}
	if patch.Target != nil {
		out.Target = *patch.Target
	}
	if patch.AuthorID != nil {
		out.AuthorID = *patch.AuthorID
	}
	return out
}

// Record is one scheduled reminder.
//
// NextFireAt nil means the job is paused: for a one-shot it already fired
// or was paused before firing, for interval/cron it was paused explicitly.
// The trigger is retained across pauses so a resume can recompute from it.
type Record struct {
	ID         string
	Trigger    trigger.Trigger
	NextFireAt *time.Time
	Payload    Payload
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r Record) Paused() bool { return r.NextFireAt == nil }

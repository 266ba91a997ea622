package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MeetingStatus string

const (
	MeetingStatusRequested         MeetingStatus = "requested"
	MeetingStatusJoining           MeetingStatus = "joining"
	MeetingStatusAwaitingAdmission MeetingStatus = "awaiting_admission"
	MeetingStatusActive            MeetingStatus = "active"
	MeetingStatusStopping          MeetingStatus = "stopping"
	MeetingStatusCompleted         MeetingStatus = "completed"
	MeetingStatusFailed            MeetingStatus = "failed"
)

// MeetingStatusOrder lists the forward lifecycle. Failed sits outside it.
var MeetingStatusOrder = []MeetingStatus{
	MeetingStatusRequested,
	MeetingStatusJoining,
	MeetingStatusAwaitingAdmission,
	MeetingStatusActive,
	MeetingStatusStopping,
	MeetingStatusCompleted,
}

func ParseMeetingStatus(s string) (MeetingStatus, error) {
	st := MeetingStatus(s)
	if st == MeetingStatusFailed || st.rank() >= 0 {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

func (s MeetingStatus) rank() int {
	for i, st := range MeetingStatusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s MeetingStatus) IsTerminal() bool {
	return s == MeetingStatusCompleted || s == MeetingStatusFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle monotonic.
// Forward jumps are allowed; failed is reachable from any non-terminal state.
func (s MeetingStatus) CanAdvanceTo(next MeetingStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == MeetingStatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// MarksBotJoined reports whether reaching s means the bot is inside the meeting.
func (s MeetingStatus) MarksBotJoined() bool {
	return s == MeetingStatusAwaitingAdmission || s == MeetingStatusActive
}

type Meeting struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	ExternalMeetingID string        `json:"external_meeting_id" db:"external_meeting_id"`
	Platform          string        `json:"platform" db:"platform"`
	OwnerIdentityID   string        `json:"owner_identity_id" db:"owner_identity_id"`
	CalendarEventID   *string       `json:"calendar_event_id,omitempty" db:"calendar_event_id"`
	Title             *string       `json:"title,omitempty" db:"title"`
	ScheduledStartAt  *time.Time    `json:"scheduled_start_at,omitempty" db:"scheduled_start_at"`
	BotJoinedAt       *time.Time    `json:"bot_joined_at,omitempty" db:"bot_joined_at"`
	FirstSegmentAt    *time.Time    `json:"first_segment_at,omitempty" db:"first_segment_at"`
	MeetingEndedAt    *time.Time    `json:"meeting_ended_at,omitempty" db:"meeting_ended_at"`
	Status            MeetingStatus `json:"status" db:"status"`
	SegmentCount      int           `json:"segment_count" db:"segment_count"`
	ArchivedAt        *time.Time    `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// HasTranscriptActivity is the health-check gate: a bot actually captured content.
func (m *Meeting) HasTranscriptActivity() bool {
	return m.FirstSegmentAt != nil
}

// MeetingUpsert carries the descriptive fields an ingestion source asserts about a meeting.
// Nil fields leave stored values untouched.
type MeetingUpsert struct {
	ExternalMeetingID string     `json:"external_meeting_id"`
	Platform          string     `json:"platform"`
	OwnerIdentityID   string     `json:"owner_identity_id"`
	CalendarEventID   *string    `json:"calendar_event_id,omitempty"`
	Title             *string    `json:"title,omitempty"`
	ScheduledStartAt  *time.Time `json:"scheduled_start_at,omitempty"`
}

func (u *MeetingUpsert) Validate() error {
	if u.ExternalMeetingID == "" || u.Platform == "" || u.OwnerIdentityID == "" {
		return fmt.Errorf("%w: external_meeting_id, platform and owner_identity_id are required", ErrInvalidInput)
	}
	return nil
}

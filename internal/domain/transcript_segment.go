package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DefaultSegmentLanguage = "en"

// TranscriptSegment is a write-once utterance. Only Speaker may be set after insert.
// MeetingID is a soft reference to Meeting.ExternalMeetingID.
type TranscriptSegment struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	MeetingID         string     `json:"meeting_id" db:"meeting_id"`
	Platform          string     `json:"platform" db:"platform"`
	SessionUID        *string    `json:"session_uid,omitempty" db:"session_uid"`
	Speaker           *string    `json:"speaker,omitempty" db:"speaker"`
	Text              string     `json:"text" db:"text"`
	RelativeStartTime *RelativeTime `json:"relative_start_time,omitempty" db:"relative_start_time"`
	RelativeEndTime   *RelativeTime `json:"relative_end_time,omitempty" db:"relative_end_time"`
	AbsoluteStartTime *time.Time    `json:"absolute_start_time,omitempty" db:"absolute_start_time"`
	AbsoluteEndTime   *time.Time    `json:"absolute_end_time,omitempty" db:"absolute_end_time"`
	Language          string        `json:"language" db:"language"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// RelativeTime is an offset into the recording kept as the raw text the pipeline sent.
// Its units vary by source, so it is never parsed. Both JSON strings and numbers decode.
type RelativeTime string

func (t *RelativeTime) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = RelativeTime(s)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("relative time must be a string or a number: %w", err)
	}
	*t = RelativeTime(n.String())
	return nil
}

func (t RelativeTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

func (s *TranscriptSegment) Validate() error {
	if s.MeetingID == "" || s.Platform == "" {
		return fmt.Errorf("%w: meeting_id and platform are required", ErrInvalidInput)
	}
	if s.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	return nil
}

// Normalize fills in the id and language defaults before the first write.
func (s *TranscriptSegment) Normalize() {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Language == "" {
		s.Language = DefaultSegmentLanguage
	}
}

// SegmentSearchResult is a segment joined against its meeting, which may not exist yet.
type SegmentSearchResult struct {
	TranscriptSegment
	Rank    float64  `json:"rank"`
	Meeting *Meeting `json:"meeting,omitempty"`
}

// SegmentQuery filters a transcript search. A non-empty OwnerIdentityID restricts results
// to meetings with that owner, which excludes segments still pending linkage.
type SegmentQuery struct {
	Text            string
	MeetingID       string
	Speaker         string
	OwnerIdentityID string
	From            *time.Time
	To              *time.Time
	Limit           int
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

func (q *SegmentQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultSearchLimit
	case q.Limit > MaxSearchLimit:
		return MaxSearchLimit
	}
	return q.Limit
}

// PendingLinkage describes segments stored under a meeting id that has no meeting row yet.
type PendingLinkage struct {
	MeetingID    string    `json:"meeting_id" db:"meeting_id"`
	SegmentCount int       `json:"segment_count" db:"segment_count"`
	FirstSeenAt  time.Time `json:"first_seen_at" db:"first_seen_at"`
}

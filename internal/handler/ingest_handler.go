package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

// MeetingIngest is the write side fed by the bot and transcription pipeline.
type MeetingIngest interface {
	UpsertMeeting(ctx context.Context, in *domain.MeetingUpsert) (*domain.Meeting, bool, error)
	AdvanceStatus(ctx context.Context, externalMeetingID, status string, at time.Time) (*domain.Meeting, bool, error)
	RecordSegment(ctx context.Context, seg *domain.TranscriptSegment) (*domain.TranscriptSegment, bool, error)
	BackfillSpeaker(ctx context.Context, segmentID uuid.UUID, speaker string) (*domain.TranscriptSegment, error)
}

// CalendarRegistry tracks calendar push channels on behalf of the renewal worker.
type CalendarRegistry interface {
	Register(ctx context.Context, sub *domain.CalendarSubscription) (*domain.CalendarSubscription, error)
	RecordRenewal(ctx context.Context, channelID string, expiresAt, renewedAt time.Time) (*domain.CalendarSubscription, bool, error)
	DueForRenewal(ctx context.Context, within time.Duration) ([]domain.CalendarSubscription, error)
	Unregister(ctx context.Context, channelID string) error
}

type IngestHandler struct {
	meetings MeetingIngest
	calendar CalendarRegistry
	log      *logger.Logger
}

func NewIngestHandler(meetings MeetingIngest, calendar CalendarRegistry, log *logger.Logger) *IngestHandler {
	return &IngestHandler{
		meetings: meetings,
		calendar: calendar,
		log:      log,
	}
}

func (h *IngestHandler) UpsertMeeting(w http.ResponseWriter, r *http.Request) {
	var req domain.MeetingUpsert
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	meeting, created, err := h.meetings.UpsertMeeting(r.Context(), &req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, meeting)
}

type advanceStatusRequest struct {
	Status string     `json:"status"`
	At     *time.Time `json:"at,omitempty"`
}

type advanceStatusResponse struct {
	Applied bool            `json:"applied"`
	Meeting *domain.Meeting `json:"meeting"`
}

func (h *IngestHandler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req advanceStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}

	meeting, applied, err := h.meetings.AdvanceStatus(r.Context(), chi.URLParam(r, "externalID"), req.Status, at)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, advanceStatusResponse{Applied: applied, Meeting: meeting})
}

type appendSegmentResponse struct {
	Inserted bool                      `json:"inserted"`
	Segment  *domain.TranscriptSegment `json:"segment"`
}

// AppendSegment is idempotent on the segment id: a replay answers 200 with the stored row.
func (h *IngestHandler) AppendSegment(w http.ResponseWriter, r *http.Request) {
	var seg domain.TranscriptSegment
	if err := decodeJSON(w, r, &seg); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	stored, inserted, err := h.meetings.RecordSegment(r.Context(), &seg)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	writeJSON(w, status, appendSegmentResponse{Inserted: inserted, Segment: stored})
}

func (h *IngestHandler) SetSpeaker(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "segmentID"))
	if err != nil {
		writeError(w, r, h.log, fmt.Errorf("%w: segment id must be a uuid", domain.ErrInvalidInput))
		return
	}
	var req struct {
		Speaker string `json:"speaker"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	seg, err := h.meetings.BackfillSpeaker(r.Context(), id, req.Speaker)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

func (h *IngestHandler) RegisterSubscription(w http.ResponseWriter, r *http.Request) {
	var sub domain.CalendarSubscription
	if err := decodeJSON(w, r, &sub); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	stored, err := h.calendar.Register(r.Context(), &sub)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type renewalRequest struct {
	ExpiresAt time.Time  `json:"expires_at"`
	RenewedAt *time.Time `json:"renewed_at,omitempty"`
}

type renewalResponse struct {
	Applied      bool                         `json:"applied"`
	Subscription *domain.CalendarSubscription `json:"subscription"`
}

func (h *IngestHandler) RecordRenewal(w http.ResponseWriter, r *http.Request) {
	var req renewalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	var renewedAt time.Time
	if req.RenewedAt != nil {
		renewedAt = *req.RenewedAt
	}

	sub, applied, err := h.calendar.RecordRenewal(r.Context(), chi.URLParam(r, "channelID"), req.ExpiresAt, renewedAt)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, renewalResponse{Applied: applied, Subscription: sub})
}

func (h *IngestHandler) DueSubscriptions(w http.ResponseWriter, r *http.Request) {
	within := 24 * time.Hour
	if raw := r.URL.Query().Get("within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, r, h.log, fmt.Errorf("%w: within must be a duration such as 24h", domain.ErrInvalidInput))
			return
		}
		within = d
	}

	subs, err := h.calendar.DueForRenewal(r.Context(), within)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if subs == nil {
		subs = []domain.CalendarSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *IngestHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.calendar.Unregister(r.Context(), chi.URLParam(r, "channelID")); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

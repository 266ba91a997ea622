package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

// MeetingReader is the viewer-scoped read side of the meeting service.
type MeetingReader interface {
	ListMeetings(ctx context.Context, viewer domain.SessionContext, limit int) ([]domain.Meeting, error)
	GetMeeting(ctx context.Context, viewer domain.SessionContext, externalMeetingID string) (*domain.Meeting, error)
	Transcript(ctx context.Context, viewer domain.SessionContext, externalMeetingID string) (*domain.Meeting, []domain.TranscriptSegment, error)
	Search(ctx context.Context, viewer domain.SessionContext, q domain.SegmentQuery) ([]domain.SegmentSearchResult, error)
}

// LedgerAdmin manages application user rows.
type LedgerAdmin interface {
	List(ctx context.Context, actor domain.SessionContext) ([]domain.ApplicationUser, error)
	SetRole(ctx context.Context, actor domain.SessionContext, identityID, role string) (*domain.ApplicationUser, error)
	LinkExternalPlatformUser(ctx context.Context, actor domain.SessionContext, identityID, platformUserID string) (*domain.ApplicationUser, error)
}

type APIHandler struct {
	meetings MeetingReader
	ledger   LedgerAdmin
	log      *logger.Logger
}

func NewAPIHandler(meetings MeetingReader, ledger LedgerAdmin, log *logger.Logger) *APIHandler {
	return &APIHandler{
		meetings: meetings,
		ledger:   ledger,
		log:      log,
	}
}

type sessionResponse struct {
	User    domain.SessionContext `json:"user"`
	Expires string                `json:"expires"`
}

func (h *APIHandler) Session(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		User:    session,
		Expires: session.Expires.UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

func (h *APIHandler) ListMeetings(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	meetings, err := h.meetings.ListMeetings(r.Context(), session, limit)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if meetings == nil {
		meetings = []domain.Meeting{}
	}
	writeJSON(w, http.StatusOK, meetings)
}

func (h *APIHandler) GetMeeting(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	meeting, err := h.meetings.GetMeeting(r.Context(), session, chi.URLParam(r, "externalID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, meeting)
}

type transcriptResponse struct {
	Meeting  *domain.Meeting            `json:"meeting"`
	Segments []domain.TranscriptSegment `json:"segments"`
}

func (h *APIHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	meeting, segments, err := h.meetings.Transcript(r.Context(), session, chi.URLParam(r, "externalID"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if segments == nil {
		segments = []domain.TranscriptSegment{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Meeting: meeting, Segments: segments})
}

func (h *APIHandler) Search(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	q := domain.SegmentQuery{
		Text:      r.URL.Query().Get("q"),
		MeetingID: r.URL.Query().Get("meeting"),
		Speaker:   r.URL.Query().Get("speaker"),
	}
	if q.From, err = queryTime(r, "from"); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if q.To, err = queryTime(r, "to"); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	results, err := h.meetings.Search(r.Context(), session, q)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if results == nil {
		results = []domain.SegmentSearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *APIHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	users, err := h.ledger.List(r.Context(), session)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if users == nil {
		users = []domain.ApplicationUser{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *APIHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	identityID := chi.URLParam(r, "identityID")
	user, err := h.ledger.SetRole(r.Context(), session, identityID, req.Role)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	h.log.Info("role changed", "actor", session.IdentityID, "identity_id", identityID, "role", user.Role)
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) LinkPlatformUser(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	var req struct {
		ExternalPlatformUserID string `json:"external_platform_user_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	user, err := h.ledger.LinkExternalPlatformUser(r.Context(), session, chi.URLParam(r, "identityID"), req.ExternalPlatformUserID)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

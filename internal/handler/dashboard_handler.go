package handler

import (
	"html/template"
	"net/http"

	"targetdialer/internal/logger"
)

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Meetings</title></head>
<body>
<header>
{{with .Session.Name}}{{.}}{{else}}{{with $.Session.Email}}{{.}}{{end}}{{end}} ({{.Session.Role}})
<form method="post" action="/auth/signout"><button type="submit">Sign out</button></form>
</header>
<table>
<tr><th>Meeting</th><th>Platform</th><th>Status</th><th>Segments</th></tr>
{{range .Meetings}}<tr>
<td><a href="/api/meetings/{{.ExternalMeetingID}}/transcript">{{with .Title}}{{.}}{{else}}{{$.Untitled}}{{end}}</a></td>
<td>{{.Platform}}</td><td>{{.Status}}</td><td>{{.SegmentCount}}</td>
</tr>{{end}}
</table>
</body></html>`))

// DashboardHandler renders the signed-in landing page.
type DashboardHandler struct {
	meetings MeetingReader
	log      *logger.Logger
}

func NewDashboardHandler(meetings MeetingReader, log *logger.Logger) *DashboardHandler {
	return &DashboardHandler{meetings: meetings, log: log}
}

func (h *DashboardHandler) Home(w http.ResponseWriter, r *http.Request) {
	session, err := requireSession(r)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	meetings, err := h.meetings.ListMeetings(r.Context(), session, 0)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardPage.Execute(w, map[string]interface{}{
		"Session":  session,
		"Meetings": meetings,
		"Untitled": "Untitled meeting",
	}); err != nil {
		h.log.Error("failed to render dashboard", "error", err)
	}
}

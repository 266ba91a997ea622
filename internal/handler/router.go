package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"targetdialer/internal/auth"
	"targetdialer/internal/logger"
)

type RouterConfig struct {
	AllowedOrigins []string
	IngestToken    string
	RequestTimeout time.Duration
}

type Handlers struct {
	Auth      *AuthHandler
	API       *APIHandler
	Ingest    *IngestHandler
	Health    *HealthHandler
	Dashboard *DashboardHandler
}

// NewRouter mounts every HTTP route. The session gate runs in front of everything;
// it lets the login, auth, health and ingest prefixes through.
func NewRouter(cfg RouterConfig, h Handlers, sessions auth.SessionResolver, cookies auth.Cookies, log *logger.Logger) http.Handler {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Gate(sessions, cookies, log))

	r.Get("/health", h.Health.Check)

	r.Get(auth.LoginPath, h.Auth.Login)
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google", h.Auth.StartGoogle)
		r.Get("/google/callback", h.Auth.GoogleCallback)
		r.Post("/signout", h.Auth.SignOut)
	})

	r.Get("/", h.Dashboard.Home)

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.API.Session)
		r.Get("/meetings", h.API.ListMeetings)
		r.Get("/meetings/{externalID}", h.API.GetMeeting)
		r.Get("/meetings/{externalID}/transcript", h.API.Transcript)
		r.Get("/transcripts/search", h.API.Search)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/users", h.API.ListUsers)
			r.Put("/users/{identityID}/role", h.API.SetRole)
			r.Put("/users/{identityID}/platform-user", h.API.LinkPlatformUser)
		})
	})

	r.Route("/ingest", func(r chi.Router) {
		r.Use(auth.RequireIngestToken(cfg.IngestToken, log))

		r.Put("/meetings", h.Ingest.UpsertMeeting)
		r.Post("/meetings/{externalID}/status", h.Ingest.AdvanceStatus)
		r.Post("/segments", h.Ingest.AppendSegment)
		r.Patch("/segments/{segmentID}/speaker", h.Ingest.SetSpeaker)

		r.Put("/calendar-subscriptions", h.Ingest.RegisterSubscription)
		r.Get("/calendar-subscriptions/due", h.Ingest.DueSubscriptions)
		r.Post("/calendar-subscriptions/{channelID}/renewals", h.Ingest.RecordRenewal)
		r.Delete("/calendar-subscriptions/{channelID}", h.Ingest.DeleteSubscription)
	})

	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

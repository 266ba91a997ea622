package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

const (
	SessionCookieName       = "authjs.session-token"
	SecureSessionCookieName = "__Secure-authjs.session-token"
	StateCookieName         = "authjs.state"
	LoginPath               = "/login"
)

// PublicPaths and PublicPrefixes bypass the session gate. Ingestion routes carry their
// own bearer check.
var (
	PublicPaths    = []string{LoginPath, "/health"}
	PublicPrefixes = []string{"/auth/", "/ingest/"}
)

// SessionResolver turns a session token into the request's SessionContext.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (domain.SessionContext, error)
}

// Cookies names and writes the session cookie.
type Cookies struct {
	Secure bool
}

func (c Cookies) name() string {
	if c.Secure {
		return SecureSessionCookieName
	}
	return SessionCookieName
}

func (c Cookies) SessionToken(r *http.Request) string {
	cookie, err := r.Cookie(c.name())
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (c Cookies) SetSession(w http.ResponseWriter, session *domain.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    session.Token,
		Path:     "/",
		Expires:  session.Expires,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c Cookies) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func isPublic(path string) bool {
	for _, p := range PublicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Gate resolves the session once per request and stores it in the request context.
// Requests to anything but the public surface without a valid session are redirected
// to the login page with a callbackUrl.
func Gate(resolver SessionResolver, cookies Cookies, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := cookies.SessionToken(r)
			session, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				if errors.Is(err, domain.ErrMissingSession) {
					cookies.ClearSession(w)
				} else {
					log.Error("failed to resolve session", "path", r.URL.Path, "error", err)
				}
				RedirectToLogin(w, r, "")
				return
			}
			if session.Refreshed {
				cookies.SetSession(w, &domain.Session{Token: token, IdentityID: session.IdentityID, Expires: session.Expires})
			}

			next.ServeHTTP(w, r.WithContext(domain.WithSession(r.Context(), session)))
		})
	}
}

// RedirectToLogin sends the browser to the login page, remembering where it was headed.
func RedirectToLogin(w http.ResponseWriter, r *http.Request, errorCode string) {
	q := url.Values{}
	if r.Method == http.MethodGet && r.URL.Path != LoginPath {
		q.Set("callbackUrl", r.URL.RequestURI())
	}
	if errorCode != "" {
		q.Set("error", errorCode)
	}
	target := LoginPath
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := domain.SessionFromContext(r.Context())
		if !ok {
			RedirectToLogin(w, r, "")
			return
		}
		if !session.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireIngestToken guards the ingestion routes.
func RequireIngestToken(expected string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := VerifyIngestToken(r, expected); err != nil {
				log.Warn("ingest request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "reason", err.Error())
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

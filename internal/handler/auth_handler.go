package handler

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"targetdialer/internal/auth"
	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

// CallbackCookieName carries the post-login destination across the provider round trip.
const CallbackCookieName = "authjs.callback-url"

// Error codes understood by the login page.
const (
	ErrorCodeSignin         = "OAuthSignin"
	ErrorCodeCallback       = "OAuthCallback"
	ErrorCodeAccountNotLink = "OAuthAccountNotLinked"
	ErrorCodeAccessDenied   = "AccessDenied"
	ErrorCodeConfiguration  = "Configuration"
)

var loginMessages = map[string]string{
	ErrorCodeSignin:         "Could not start sign in. Try again.",
	ErrorCodeCallback:       "Sign in with Google did not complete. Try again.",
	ErrorCodeAccountNotLink: "This email is already used by another account.",
	ErrorCodeAccessDenied:   "Access was denied.",
	ErrorCodeConfiguration:  "Sign in is unavailable right now.",
}

var loginPage = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Sign in</title></head>
<body>
{{if .Message}}<p role="alert">{{.Message}}</p>{{end}}
<a href="{{.StartURL}}">Sign in with Google</a>
</body></html>`))

// SignInFlow completes and ends provider-backed sign-ins.
type SignInFlow interface {
	CompleteSignIn(ctx context.Context, profile domain.ProviderProfile, tokens domain.ProviderTokens) (*domain.Session, error)
	SignOut(ctx context.Context, token string) error
}

// OAuthProvider is the authorization code half of the identity provider.
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Authenticate(ctx context.Context, code string) (domain.ProviderProfile, domain.ProviderTokens, error)
}

type AuthHandler struct {
	signIn   SignInFlow
	provider OAuthProvider
	states   auth.StateStore
	sessions auth.SessionResolver
	cookies  auth.Cookies
	log      *logger.Logger
}

func NewAuthHandler(
	signIn SignInFlow,
	provider OAuthProvider,
	states auth.StateStore,
	sessions auth.SessionResolver,
	cookies auth.Cookies,
	log *logger.Logger,
) *AuthHandler {
	return &AuthHandler{
		signIn:   signIn,
		provider: provider,
		states:   states,
		sessions: sessions,
		cookies:  cookies,
		log:      log,
	}
}

// Login renders the sign-in page. A visitor who already holds a valid session goes
// straight to the callback URL.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	callbackURL := safeCallbackURL(r.URL.Query().Get("callbackUrl"))

	if token := h.cookies.SessionToken(r); token != "" {
		if _, err := h.sessions.Resolve(r.Context(), token); err == nil {
			http.Redirect(w, r, callbackURL, http.StatusFound)
			return
		}
	}

	start := "/auth/google"
	if callbackURL != "/" {
		start += "?" + url.Values{"callbackUrl": {callbackURL}}.Encode()
	}

	var message string
	if code := r.URL.Query().Get("error"); code != "" {
		message = loginMessages[code]
		if message == "" {
			message = loginMessages[ErrorCodeConfiguration]
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginPage.Execute(w, struct {
		Message  string
		StartURL string
	}{message, start}); err != nil {
		h.log.Error("failed to render login page", "error", err)
	}
}

// StartGoogle issues a state value and sends the browser to the provider.
func (h *AuthHandler) StartGoogle(w http.ResponseWriter, r *http.Request) {
	state, err := h.states.Issue(r.Context())
	if err != nil {
		h.log.Error("failed to issue oauth state", "error", err)
		h.loginError(w, r, ErrorCodeSignin)
		return
	}

	h.setShortCookie(w, auth.StateCookieName, state)
	h.setShortCookie(w, CallbackCookieName, safeCallbackURL(r.URL.Query().Get("callbackUrl")))
	http.Redirect(w, r, h.provider.AuthCodeURL(state), http.StatusFound)
}

// GoogleCallback finishes the authorization code exchange and opens a session.
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.clearShortCookie(w, auth.StateCookieName)

	if providerErr := q.Get("error"); providerErr != "" {
		h.log.Warn("provider rejected sign in", "error", providerErr)
		h.loginError(w, r, ErrorCodeAccessDenied)
		return
	}

	state := q.Get("state")
	cookie, err := r.Cookie(auth.StateCookieName)
	if state == "" || err != nil || cookie.Value != state {
		h.log.Warn("oauth state mismatch", "remote", r.RemoteAddr)
		h.loginError(w, r, ErrorCodeCallback)
		return
	}
	ok, err := h.states.Consume(r.Context(), state)
	if err != nil || !ok {
		if err != nil {
			h.log.Error("failed to consume oauth state", "error", err)
		}
		h.loginError(w, r, ErrorCodeCallback)
		return
	}

	profile, tokens, err := h.provider.Authenticate(r.Context(), q.Get("code"))
	if err != nil {
		h.log.Warn("oauth exchange failed", "error", err)
		h.loginError(w, r, ErrorCodeCallback)
		return
	}

	session, err := h.signIn.CompleteSignIn(r.Context(), profile, tokens)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAccountNotLinked):
			h.log.Warn("sign in refused, email belongs to another account", "provider", profile.Provider)
			h.loginError(w, r, ErrorCodeAccountNotLink)
		default:
			h.log.Error("failed to complete sign in", "provider", profile.Provider, "error", err)
			h.loginError(w, r, ErrorCodeConfiguration)
		}
		return
	}

	h.cookies.SetSession(w, session)

	target := "/"
	if c, err := r.Cookie(CallbackCookieName); err == nil {
		target = safeCallbackURL(c.Value)
	}
	h.clearShortCookie(w, CallbackCookieName)
	http.Redirect(w, r, target, http.StatusFound)
}

// SignOut deletes the session row and the cookie.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if token := h.cookies.SessionToken(r); token != "" {
		if err := h.signIn.SignOut(r.Context(), token); err != nil {
			h.log.Error("failed to sign out", "error", err)
		}
	}
	h.cookies.ClearSession(w)
	http.Redirect(w, r, auth.LoginPath, http.StatusFound)
}

func (h *AuthHandler) loginError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, auth.LoginPath+"?"+url.Values{"error": {code}}.Encode(), http.StatusFound)
}

func (h *AuthHandler) setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int((15 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearShortCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeCallbackURL only allows same-origin paths.
func safeCallbackURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	if strings.HasPrefix(raw, auth.LoginPath) {
		return "/"
	}
	return raw
}

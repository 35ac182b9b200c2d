package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
)

const (
	sessionCookie = "kubex-session"
	sessionTTL    = 24 * time.Hour
	// anonymousSubject acts when authentication is disabled.
	anonymousSubject = "anonymous"
)

// Authenticator issues and checks HMAC signed session cookies.
// Without a user and password, auth is disabled (dev mode).
type Authenticator struct {
	User     string
	Password string
	// Now is overridable for tests.
	Now func() time.Time
}

// Enabled reports whether credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.User != "" && a.Password != ""
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) key() []byte {
	return []byte(a.Password + "-kubex-hmac-key")
}

// Middleware wraps the handler with session-cookie authentication.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		path := r.URL.Path

		// Always allow these endpoints without auth
		switch path {
		case "/api/login", "/api/logout", "/api/docs", "/api/openapi.yaml", "/api/version":
			next.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		// All other /api/* endpoints require a valid session cookie
		if !a.Authorization(r).Granted {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Authorization converts the request session into a lifecycle assertion.
func (a *Authenticator) Authorization(r *http.Request) lifecycle.Authorization {
	if !a.Enabled() {
		return lifecycle.Authorized(anonymousSubject)
	}
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || !a.validateSession(cookie.Value) {
		return lifecycle.Authorization{}
	}
	return lifecycle.Authorized(a.User)
}

// HandleLogin processes POST /api/login requests.
func (a *Authenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// If auth is disabled, always succeed
	if !a.Enabled() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !hmac.Equal([]byte(creds.Username), []byte(a.User)) || !hmac.Equal([]byte(creds.Password), []byte(a.Password)) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    a.generateSession(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLogout clears the session cookie.
func (a *Authenticator) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// generateSession returns timestamp.hmac(timestamp).
func (a *Authenticator) generateSession() string {
	ts := fmt.Sprintf("%d", a.now().Unix())
	return ts + "." + a.sign(ts)
}

func (a *Authenticator) sign(ts string) string {
	mac := hmac.New(sha256.New, a.key())
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) validateSession(token string) bool {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}

	var issued int64
	if _, err := fmt.Sscanf(ts, "%d", &issued); err != nil {
		return false
	}
	if a.now().Unix()-issued > int64(sessionTTL.Seconds()) {
		return false
	}

	return hmac.Equal([]byte(sig), []byte(a.sign(ts)))
}

// Package admin serves the operator portal: first-run setup, session login,
// a rules overview with activation toggles, API key management, and the
// audit log. It is intended to be exposed on a private tailnet hostname
// rather than the public API address.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/formaops/decisio/internal/repository"
	"github.com/formaops/decisio/internal/service"
)

type adminContextKey string

const sessionContextKey adminContextKey = "admin_session"

const (
	adminAuditWriteTimeout = 2 * time.Second
	csrfCookieName         = "decisio_csrf"
	auditLogPageSize       = 100
)

type Handler struct {
	Repo          *repository.PostgresRepository
	Service       *service.Service
	SessionMgr    *SessionManager
	AdminHostname string
	log           *slog.Logger
	mux           *http.ServeMux
}

func NewHandler(repo *repository.PostgresRepository, svc *service.Service, sessionMgr *SessionManager, adminHostname string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		Repo:          repo,
		Service:       svc,
		SessionMgr:    sessionMgr,
		AdminHostname: adminHostname,
		log:           log,
	}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/setup", h.handleSetup)
	mux.HandleFunc("/logout", h.handleLogout)

	// Protected routes
	mux.HandleFunc("/{$}", h.requireAuth(h.handleDashboard))
	mux.HandleFunc("POST /rules/toggle", h.requireAuth(h.handleToggleRule))
	mux.HandleFunc("/api-keys", h.requireAuth(h.handleAPIKeys))
	mux.HandleFunc("POST /api-keys/revoke", h.requireAuth(h.handleRevokeAPIKey))
	mux.HandleFunc("GET /audit-log", h.requireAuth(h.handleAuditLog))

	return mux
}

// requireAuth middleware ensures a valid session exists and validates
// CSRF tokens on state-changing requests.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		session, err := h.SessionMgr.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
			csrfToken := r.FormValue("csrf_token")
			if csrfToken == "" {
				csrfToken = r.Header.Get("X-CSRF-Token")
			}
			if subtle.ConstantTimeCompare([]byte(csrfToken), []byte(session.CSRFToken)) != 1 {
				http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
				return
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next(w, r.WithContext(ctx))
	}
}

func (h *Handler) sessionUser(w http.ResponseWriter, r *http.Request) (repository.AdminSession, repository.AdminUser, bool) {
	session, ok := r.Context().Value(sessionContextKey).(repository.AdminSession)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	user, err := h.Repo.GetAdminUserByID(r.Context(), session.AdminUserID)
	if err != nil {
		if cookie, cerr := r.Cookie(sessionCookieName); cerr == nil {
			_ = h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
		}
		h.SessionMgr.ClearSessionCookie(w)
		http.Redirect(w, r, "/login", http.StatusFound)
		return repository.AdminSession{}, repository.AdminUser{}, false
	}
	return session, user, true
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	exists, err := h.Repo.HasAdminUsers(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if exists {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	if r.Method == http.MethodGet {
		csrfToken := h.setCSRFCookie(w, r)
		h.render(w, "setup.html", map[string]any{"CSRFToken": csrfToken})
		return
	}

	if r.Method == http.MethodPost {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := strings.TrimSpace(r.FormValue("username"))
		password := r.FormValue("password")
		confirm := r.FormValue("confirm_password")

		if len(username) < 3 || len(username) > 50 {
			h.render(w, "setup.html", map[string]any{"Error": "Username must be between 3 and 50 characters"})
			return
		}
		if !validUsername(username) {
			h.render(w, "setup.html", map[string]any{"Error": "Username may only contain letters, digits, underscores, hyphens, and dots"})
			return
		}
		if password != confirm {
			h.render(w, "setup.html", map[string]any{"Error": "Passwords do not match"})
			return
		}
		if len(password) < 12 {
			h.render(w, "setup.html", map[string]any{"Error": "Password must be at least 12 characters"})
			return
		}

		hash, err := HashPassword(password)
		if err != nil {
			http.Error(w, "Failed to hash password", http.StatusInternalServerError)
			return
		}

		user, err := h.Repo.CreateAdminUser(r.Context(), username, hash)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			h.log.Error("failed to create admin user", "error", err)
			h.render(w, "setup.html", map[string]any{"Error": "Failed to create user"})
			return
		}

		h.logAudit(r.Context(), user.ID, auditAdminSetup, "", map[string]string{"username": username})

		http.Redirect(w, r, "/login", http.StatusFound)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		csrfToken := h.setCSRFCookie(w, r)
		h.render(w, "login.html", map[string]any{"CSRFToken": csrfToken})
		return
	}

	if r.Method == http.MethodPost {
		if !h.validateDoubleSubmitCSRF(r) {
			http.Error(w, "Forbidden: invalid CSRF token", http.StatusForbidden)
			return
		}
		username := r.FormValue("username")
		password := r.FormValue("password")

		remoteAddr := clientAddr(r)

		if allowed := h.SessionMgr.CheckLoginRateLimit(remoteAddr); !allowed {
			h.render(w, "login.html", map[string]any{"Error": "Too many attempts. Please try again later."})
			return
		}

		user, err := h.Repo.GetAdminUserByUsername(r.Context(), username)
		if err != nil {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
			return
		}

		match, err := VerifyPassword(password, user.PasswordHash)
		if err != nil || !match {
			h.SessionMgr.RecordLoginAttempt(remoteAddr)
			h.render(w, "login.html", map[string]any{"Error": "Invalid credentials"})
			return
		}

		token, err := h.SessionMgr.GenerateSession(r.Context(), user.ID)
		if err != nil {
			http.Error(w, "Failed to create session", http.StatusInternalServerError)
			return
		}
		h.SessionMgr.SetSessionCookie(w, token)

		h.logAudit(r.Context(), user.ID, auditAdminLogin, "", nil)

		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		return
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		_ = h.SessionMgr.InvalidateSession(r.Context(), cookie.Value)
	}
	h.SessionMgr.ClearSessionCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	rules, err := h.Service.ListRules(r.Context())
	if err != nil {
		http.Error(w, "Failed to list rules", http.StatusInternalServerError)
		return
	}

	h.render(w, "dashboard.html", map[string]any{
		"User":      user,
		"Rules":     rules,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	ruleID := r.FormValue("rule_id")
	if ruleID == "" {
		http.Error(w, "Missing rule_id", http.StatusBadRequest)
		return
	}

	rule, err := h.Service.GetRule(r.Context(), ruleID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	rule.Active = !rule.Active
	if _, err := h.Service.UpdateRule(r.Context(), rule); err != nil {
		http.Error(w, "Failed to update rule", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, auditRuleToggle, ruleID, map[string]bool{"active": rule.Active})

	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost {
		keyID, rawSecret, err := h.Repo.CreateAPIKey(r.Context())
		if err != nil {
			http.Error(w, "Failed to create API key", http.StatusInternalServerError)
			return
		}
		h.logAudit(r.Context(), session.AdminUserID, auditAPIKeyCreate, "", map[string]string{"api_key_id": keyID})

		// Post/redirect/get so a refresh cannot re-create a key; the
		// secret survives the redirect via a one-time flash.
		h.SessionMgr.SetAPIKeyFlash(session.IDHash, keyID, rawSecret)
		http.Redirect(w, r, "/api-keys", http.StatusFound)
		return
	}

	keys, err := h.Repo.ListAPIKeys(r.Context())
	if err != nil {
		http.Error(w, "Failed to list API keys", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"User":      user,
		"APIKeys":   keys,
		"CSRFToken": session.CSRFToken,
	}
	if keyID, secret, ok := h.SessionMgr.PopAPIKeyFlash(session.IDHash); ok {
		data["NewKeyID"] = keyID
		data["NewSecret"] = secret
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.render(w, "api_keys.html", data)
}

func (h *Handler) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	keyID := r.FormValue("key_id")
	if keyID == "" {
		http.Error(w, "Missing key_id", http.StatusBadRequest)
		return
	}

	if err := h.Repo.DeleteAPIKey(r.Context(), keyID); err != nil {
		http.Error(w, "Failed to revoke API key", http.StatusInternalServerError)
		return
	}

	h.logAudit(r.Context(), session.AdminUserID, auditAPIKeyRevoke, "", map[string]string{"api_key_id": keyID})

	http.Redirect(w, r, "/api-keys", http.StatusFound)
}

func (h *Handler) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	session, user, ok := h.sessionUser(w, r)
	if !ok {
		return
	}

	entries, err := h.Repo.ListAuditLog(r.Context(), auditLogPageSize, 0)
	if err != nil {
		http.Error(w, "Failed to load audit log", http.StatusInternalServerError)
		return
	}

	h.render(w, "audit_log.html", map[string]any{
		"User":      user,
		"Entries":   entries,
		"CSRFToken": session.CSRFToken,
	})
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	if err := Render(w, name, data); err != nil {
		h.log.Error("render error", "template", name, "error", err)
	}
}

// setCSRFCookie issues a fresh double-submit CSRF cookie for
// pre-authentication forms and returns the token.
func (h *Handler) setCSRFCookie(w http.ResponseWriter, r *http.Request) string {
	token := generateCSRFToken()
	isSecure := r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   isSecure,
	})
	return token
}

// validateDoubleSubmitCSRF checks that the CSRF form value matches the
// decisio_csrf cookie, implementing the double-submit cookie pattern for
// pre-authentication forms (login, setup).
func (h *Handler) validateDoubleSubmitCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	formToken := r.FormValue("csrf_token")
	if formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(formToken)) == 1
}

// logAudit writes an audit log entry on a best-effort basis.
// Failures are logged but never propagated to the caller.
func (h *Handler) logAudit(ctx context.Context, adminUserID, action, ruleID string, details any) {
	entry, err := buildAuditEntry(adminUserID, action, ruleID, details)
	if err != nil {
		h.log.Error("audit log: marshal details",
			"error", err,
			"action", action,
			"rule_id", ruleID,
			"admin_user_id", adminUserID,
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminAuditWriteTimeout)
	defer cancel()

	if err := h.Repo.InsertAuditLog(writeCtx, entry); err != nil {
		h.log.Error("audit log write failed",
			"error", err,
			"action", action,
			"rule_id", ruleID,
			"admin_user_id", adminUserID,
		)
	}
}

func validUsername(username string) bool {
	for _, c := range username {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

// clientAddr returns the client IP, trusting proxy headers only when the
// request comes from a loopback or private address.
func clientAddr(r *http.Request) string {
	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteAddr = host
	}
	if ip := net.ParseIP(remoteAddr); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	return remoteAddr
}

func generateCSRFToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return hex.EncodeToString(b)
}

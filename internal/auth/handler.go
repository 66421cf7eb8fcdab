package auth

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"authcore/internal/account"
	"authcore/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	now     func() time.Time
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

type signInRequest struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type signUpResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type errorResponse struct {
	Error  string              `json:"error"`
	Code   Kind                `json:"code"`
	Fields map[string][]string `json:"fields,omitempty"`
}

// Register mounts the auth routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/signup", h.SignUp)
	mux.HandleFunc("POST /auth/signin", h.SignIn)
	mux.HandleFunc("POST /auth/signout", h.SignOut)
	mux.HandleFunc("POST /auth/token/refresh", h.Refresh)
	mux.Handle("GET /auth/session", Middleware(h.service.Issuer(), http.HandlerFunc(h.Session)))
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var body account.Registration
	if !decodeJSON(w, r, &body) {
		return
	}

	acct, err := h.service.Register(r.Context(), body)
	if err != nil {
		h.writeServiceError(w, err, "signup")
		return
	}

	writeJSON(w, http.StatusCreated, signUpResponse{ID: acct.ID, Username: acct.Username, Email: acct.Email})
}

func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var body signInRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.service.SignIn(r.Context(), body.LoginID, body.Password)
	if err != nil {
		h.writeServiceError(w, err, "signin")
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pair, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeServiceError(w, err, "refresh")
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.SignOut(r.Context(), body.RefreshToken); err != nil {
		h.writeServiceError(w, err, "signout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, KindMissingToken, "missing authorization token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    claims.UserID,
		"username":   claims.Username,
		"is_staff":   claims.Staff,
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, operation string) {
	kind := KindOf(err)
	switch kind {
	case KindInvalidCredentials:
		writeError(w, http.StatusUnauthorized, kind, "invalid credentials")
	case KindAccountDisabled:
		writeError(w, http.StatusForbidden, kind, "account disabled")
	case KindTooManyAttempts:
		var locked *LockedError
		if errors.As(err, &locked) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(locked.Until, h.now())))
		}
		writeError(w, http.StatusTooManyRequests, kind, "too many attempts")
	case KindMissingToken:
		writeError(w, http.StatusBadRequest, kind, "refresh token is required")
	case KindTokenExpired:
		writeError(w, http.StatusUnauthorized, kind, "token expired")
	case KindTokenInvalid:
		writeError(w, http.StatusUnauthorized, kind, "invalid token")
	case KindTokenRevoked:
		writeError(w, http.StatusUnauthorized, kind, "token revoked")
	case KindValidation:
		var verr *account.ValidationError
		errors.As(err, &verr)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid registration", Code: kind, Fields: verr.Fields})
	case KindConflict:
		writeError(w, http.StatusConflict, kind, "account already exists")
	default:
		observability.CaptureError(err, operation)
		h.service.logger.Error(operation+"_failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusServiceUnavailable, KindTransient, "temporarily unavailable, retry later")
	}
}

func retryAfterSeconds(until, now time.Time) int {
	seconds := int(math.Ceil(until.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind Kind, message string) {
	writeJSON(w, status, errorResponse{Error: strings.TrimSpace(message), Code: kind})
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mediconnect/internal/app"
	"mediconnect/internal/ratelimit"
	"mediconnect/internal/util"
	"mediconnect/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	RegisterRateLimitPerMinute int
	LoginRateLimitPerMinute    int
	MaxUploadBytes             int64
}

// Server exposes the HTTP API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	maxUploadBytes  int64
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "mediconnect:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		maxUploadBytes:  normalizeMaxBytes(cfg.MaxUploadBytes),
		registerLimiter: registerLimiter,
		loginLimiter:    loginLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// public doctor directory
	s.mux.HandleFunc("/api/doctors", s.handleDoctors)

	// appointments & consultation messaging (auth required)
	s.mux.Handle("/api/appointments", s.authenticated(s.handleAppointments))
	s.mux.Handle("/api/appointments/", s.authenticated(s.handleAppointmentByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok, err := s.app.UserByToken(token)
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "session_lookup_failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "invalid_or_expired_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "api.register", "rate_limited")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "api.register", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(app.RegisterRequest{
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		Role:            domain.UserRole(strings.ToLower(strings.TrimSpace(req.Role))),
		Specialty:       req.Specialty,
		ExperienceYears: req.ExperienceYears,
		ConsultationFee: req.ConsultationFee,
		Bio:             req.Bio,
	})
	if err != nil {
		s.audit(r, "api.register", "fail", "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "api.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "api.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.audit(r, "api.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "api.login", "fail", "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "api.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "api.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "api.logout", "fail", "reason", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "api.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleDoctors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	doctors, err := s.app.Doctors(r.URL.Query().Get("specialty"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": doctors,
		"count": len(doctors),
	})
}

// /api/appointments
func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		appts, err := s.app.Appointments(user)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": appts,
			"count": len(appts),
		})
	case http.MethodPost:
		s.handleBook(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req bookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	when, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduledTime must be RFC 3339")
		return
	}
	appt, err := s.app.BookAppointment(user, req.DoctorID, when, domain.ConsultationType(req.ConsultationType))
	if err != nil {
		s.audit(r, "api.appointment.book", "fail", "user_id", user.ID, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "api.appointment.book", "success", "user_id", user.ID, "appointment_id", appt.ID)
	writeJSON(w, http.StatusCreated, appt)
}

// /api/appointments/stats and /api/appointments/{id}[/...]
func (s *Server) handleAppointmentByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/appointments/")
	if path == "stats" {
		s.handleStats(w, r, user)
		return
	}
	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}
	if len(parts) == 1 {
		s.handleAppointmentDetail(w, r, user, id)
		return
	}
	switch {
	case parts[1] == "messages":
		s.handleMessages(w, r, user, id)
	case strings.HasPrefix(parts[1], "messages/"):
		s.handleAttachment(w, r, user, id, strings.TrimPrefix(parts[1], "messages/"))
	case parts[1] == "complete":
		s.handleComplete(w, r, user, id)
	case parts[1] == "cancel":
		s.handleCancel(w, r, user, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats(user)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAppointmentDetail(w http.ResponseWriter, r *http.Request, user domain.User, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	appt, err := s.app.Authorize(user, id)
	if err != nil {
		s.audit(r, "chat.authorize", "fail", "user_id", user.ID, "appointment_id", id)
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// /api/appointments/{id}/messages
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, user domain.User, id int64) {
	switch r.Method {
	case http.MethodGet:
		history, err := s.app.History(user, id)
		if err != nil {
			s.audit(r, "chat.history", "fail", "user_id", user.ID, "appointment_id", id)
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": history,
			"count": len(history),
		})
	case http.MethodPost:
		s.handlePostMessage(w, r, user, id)
	default:
		methodNotAllowed(w)
	}
}

// handlePostMessage accepts multipart form data (fields: body, file) or a
// plain JSON body for text-only messages.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, user domain.User, id int64) {
	var body string
	var upload *app.Upload

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		if s.maxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeErrorCode(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds maximum size")
			return
		}
		body = r.FormValue("body")
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			upload = &app.Upload{
				Reader:       file,
				OriginalName: header.Filename,
				SizeBytes:    header.Size,
			}
		case errors.Is(err, http.ErrMissingFile):
		default:
			writeError(w, http.StatusBadRequest, "invalid form data")
			return
		}
	} else {
		var req messageRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		body = req.Body
	}

	msg, err := s.app.PostMessage(r.Context(), user, id, body, upload)
	if err != nil {
		s.audit(r, "chat.message.post", "fail", "user_id", user.ID, "appointment_id", id, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "chat.message.post", "success", "user_id", user.ID, "appointment_id", id, "sequence", msg.Sequence)
	writeJSON(w, http.StatusCreated, msg)
}

// /api/appointments/{id}/messages/{seq}/attachment
func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, user domain.User, id int64, rest string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || seq <= 0 || len(parts) != 2 || parts[1] != "attachment" {
		http.NotFound(w, r)
		return
	}
	url, err := s.app.AttachmentURL(r.Context(), user, id, seq)
	if err != nil {
		s.audit(r, "chat.attachment.download", "fail", "user_id", user.ID, "appointment_id", id, "sequence", seq)
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, user domain.User, id int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Complete(user, id); err != nil {
		s.audit(r, "api.appointment.complete", "fail", "user_id", user.ID, "appointment_id", id, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "api.appointment.complete", "success", "user_id", user.ID, "appointment_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, user domain.User, id int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Cancel(user, id); err != nil {
		s.audit(r, "api.appointment.cancel", "fail", "user_id", user.ID, "appointment_id", id, "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "api.appointment.cancel", "success", "user_id", user.ID, "appointment_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type registerRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	Role            string `json:"role"`
	Specialty       string `json:"specialty"`
	ExperienceYears int    `json:"experienceYears"`
	ConsultationFee int    `json:"consultationFee"`
	Bio             string `json:"bio"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type bookRequest struct {
	DoctorID         int64  `json:"doctorId"`
	ScheduledTime    string `json:"scheduledTime"`
	ConsultationType string `json:"consultationType"`
}

type messageRequest struct {
	Body string `json:"body"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeAppError maps application sentinels to HTTP responses. Access denial
// answers with the same not-found body whether the appointment is missing or
// belongs to someone else.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrAccessDenied):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, app.ErrAttachmentNotFound):
		writeError(w, http.StatusNotFound, "attachment not found")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrEmptyMessage):
		writeErrorCode(w, http.StatusBadRequest, "empty_message", "message body or attachment required")
	case errors.Is(err, app.ErrUnsupportedType):
		writeErrorCode(w, http.StatusBadRequest, "unsupported_type", "unsupported file type")
	case errors.Is(err, app.ErrFileTooLarge):
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "too_large", "file exceeds maximum upload size")
	case errors.Is(err, app.ErrStorageFailure):
		writeErrorCode(w, http.StatusBadGateway, "storage_failure", "attachment storage failed")
	case errors.Is(err, app.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "appointment is not in a valid state for this action")
	case errors.Is(err, app.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, app.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "account disabled")
	default:
		var vErr app.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 20 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

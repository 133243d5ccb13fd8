package app

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mediconnect/internal/storage"
	"mediconnect/internal/store"
	"mediconnect/internal/util"
	"mediconnect/pkg/domain"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL       string
	Store             store.Store
	Sessions          store.SessionStore
	Objects           storage.ObjectStore
	MaxUploadBytes    int64
	AllowedExtensions []string
}

// App is the core application service wiring together storage, sessions, and
// consultation logic.
type App struct {
	store             store.Store
	sessions          store.SessionStore
	objects           storage.ObjectStore
	maxUploadBytes    int64
	allowedExtensions map[string]struct{}
	presignExpiry     time.Duration
}

// New constructs the application with database-backed persistence.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	return &App{
		store:             dataStore,
		sessions:          cfg.Sessions,
		objects:           cfg.Objects,
		maxUploadBytes:    cfg.MaxUploadBytes,
		allowedExtensions: normalizeExtensions(cfg.AllowedExtensions),
		presignExpiry:     15 * time.Minute,
	}, nil
}

// RegisterRequest carries a new account submission. Specialty and fee are
// only read for doctor registrations.
type RegisterRequest struct {
	Username        string
	Email           string
	Password        string
	Role            domain.UserRole
	Specialty       string
	ExperienceYears int
	ConsultationFee int
	Bio             string
}

// Register creates a patient or doctor account. Doctor accounts also get a
// directory profile, unapproved until reviewed.
func (a *App) Register(req RegisterRequest) (domain.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return domain.User{}, ValidationError("username required")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return domain.User{}, ValidationError("invalid email address")
	}
	if len(req.Password) < 8 {
		return domain.User{}, ValidationError("password must be at least 8 characters")
	}
	if req.Role != domain.RolePatient && req.Role != domain.RoleDoctor {
		return domain.User{}, ValidationError("role must be patient or doctor")
	}
	taken, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if taken {
		return domain.User{}, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Role:         req.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(&user); err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	if req.Role == domain.RoleDoctor {
		profile := domain.DoctorProfile{
			UserID:          user.ID,
			Username:        user.Username,
			Specialty:       strings.TrimSpace(req.Specialty),
			ExperienceYears: req.ExperienceYears,
			ConsultationFee: req.ConsultationFee,
			Bio:             strings.TrimSpace(req.Bio),
			Approved:        false,
		}
		if profile.Specialty == "" {
			profile.Specialty = "General Medicine"
		}
		if err := a.store.SaveDoctorProfile(profile); err != nil {
			return domain.User{}, fmt.Errorf("create doctor profile: %w", err)
		}
	}
	return user, nil
}

// Login verifies credentials and opens a session.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !user.Active {
		return domain.User{}, "", ErrAccountDisabled
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("open session: %w", err)
	}
	return user, token, nil
}

// Logout revokes the session token (a no-op for stateless backends).
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserByToken resolves a session token to its user.
func (a *App) UserByToken(token string) (domain.User, bool, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false, err
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil || !ok {
		return domain.User{}, false, err
	}
	if !user.Active {
		return domain.User{}, false, nil
	}
	return user, true, nil
}

// Doctors lists the public doctor directory, optionally by specialty.
func (a *App) Doctors(specialty string) ([]domain.DoctorProfile, error) {
	return a.store.ListDoctors(strings.TrimSpace(specialty))
}

// BookAppointment creates a scheduled appointment for the patient.
func (a *App) BookAppointment(patient domain.User, doctorID int64, when time.Time, ctype domain.ConsultationType) (domain.Appointment, error) {
	if patient.Role != domain.RolePatient {
		return domain.Appointment{}, ErrForbidden
	}
	if doctorID == patient.ID {
		return domain.Appointment{}, ValidationError("cannot book an appointment with yourself")
	}
	doctor, ok, err := a.store.GetUserByID(doctorID)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("load doctor: %w", err)
	}
	if !ok || doctor.Role != domain.RoleDoctor || !doctor.Active {
		return domain.Appointment{}, ValidationError("doctor not found")
	}
	if !when.After(time.Now()) {
		return domain.Appointment{}, ValidationError("scheduled time must be in the future")
	}
	switch ctype {
	case "":
		ctype = domain.ConsultationChat
	case domain.ConsultationChat, domain.ConsultationVideoCall:
	default:
		return domain.Appointment{}, ValidationError(fmt.Sprintf("unknown consultation type %q", ctype))
	}
	now := time.Now().UTC()
	appt := domain.Appointment{
		PatientID:     patient.ID,
		DoctorID:      doctorID,
		ScheduledTime: when.UTC(),
		Type:          ctype,
		Status:        domain.StatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.CreateAppointment(&appt); err != nil {
		return domain.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}
	return appt, nil
}

// Appointments lists the user's own appointments.
func (a *App) Appointments(user domain.User) ([]domain.Appointment, error) {
	return a.store.ListAppointmentsByUser(user.ID)
}

// Stats summarizes the user's appointments for the dashboard.
func (a *App) Stats(user domain.User) (domain.AppointmentStats, error) {
	return a.store.AppointmentStats(user.ID)
}

// Authorize confirms the user participates in the appointment and returns the
// record. Every message read or write goes through here; missing appointments
// and foreign appointments fail identically.
func (a *App) Authorize(user domain.User, appointmentID int64) (domain.Appointment, error) {
	appt, ok, err := a.store.GetAppointment(appointmentID)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("load appointment: %w", err)
	}
	if !ok || !appt.IsParticipant(user.ID) {
		return domain.Appointment{}, ErrAccessDenied
	}
	return appt, nil
}

// PostMessage appends a consultation message, storing the attachment first
// when one is supplied. The first message moves the appointment to
// in_progress; that transition is best-effort and never undoes the append.
func (a *App) PostMessage(ctx context.Context, user domain.User, appointmentID int64, body string, file *Upload) (domain.Message, error) {
	appt, err := a.Authorize(user, appointmentID)
	if err != nil {
		return domain.Message{}, err
	}
	if strings.TrimSpace(body) == "" && file == nil {
		return domain.Message{}, ErrEmptyMessage
	}

	var attachment *domain.AttachmentRef
	kind := domain.KindText
	if file != nil {
		attachment, err = a.storeAttachment(ctx, appt.ID, *file)
		if err != nil {
			return domain.Message{}, err
		}
		kind = domain.KindFile
	}

	msg := domain.Message{
		AppointmentID: appt.ID,
		SenderID:      user.ID,
		SenderName:    user.Username,
		Kind:          kind,
		Body:          body,
		Attachment:    attachment,
	}
	if err := a.store.AppendMessage(&msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	// The message is durable at this point. A failed status flip is logged
	// and swallowed; the sender must never see it as an error.
	if err := a.store.BeginConsultation(appt.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("status transition failed after message append",
			"appointment_id", appt.ID, "message_id", msg.ID, "err", err)
	}
	return msg, nil
}

// History returns the full ordered message history for the appointment.
func (a *App) History(user domain.User, appointmentID int64) ([]domain.Message, error) {
	if _, err := a.Authorize(user, appointmentID); err != nil {
		return nil, err
	}
	history, err := a.store.ListMessages(appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return history, nil
}

// AttachmentURL returns a pre-signed download URL for a message attachment.
func (a *App) AttachmentURL(ctx context.Context, user domain.User, appointmentID, sequence int64) (string, error) {
	if _, err := a.Authorize(user, appointmentID); err != nil {
		return "", err
	}
	msg, ok, err := a.store.GetMessage(appointmentID, sequence)
	if err != nil {
		return "", fmt.Errorf("load message: %w", err)
	}
	if !ok || msg.Attachment == nil {
		return "", ErrAttachmentNotFound
	}
	url, err := a.objects.PresignGet(ctx, msg.Attachment.StorageKey, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign attachment: %w", err)
	}
	return url, nil
}

// Complete finishes a consultation. Only the appointment's doctor may do so,
// and only from in_progress.
func (a *App) Complete(user domain.User, appointmentID int64) error {
	appt, err := a.Authorize(user, appointmentID)
	if err != nil {
		return err
	}
	if user.ID != appt.DoctorID {
		return ErrForbidden
	}
	if err := a.store.CompleteAppointment(appt.ID); err != nil {
		if err == store.ErrInvalidTransition {
			return ErrInvalidTransition
		}
		return fmt.Errorf("complete appointment: %w", err)
	}
	return nil
}

// Cancel cancels an unfinished appointment. Either participant may cancel.
func (a *App) Cancel(user domain.User, appointmentID int64) error {
	appt, err := a.Authorize(user, appointmentID)
	if err != nil {
		return err
	}
	if err := a.store.CancelAppointment(appt.ID); err != nil {
		if err == store.ErrInvalidTransition {
			return ErrInvalidTransition
		}
		return fmt.Errorf("cancel appointment: %w", err)
	}
	return nil
}

package store

import (
	"errors"

	"mediconnect/pkg/domain"
)

// ErrInvalidTransition is returned when a status change is requested from an
// illegal source state (or lost a race to a conflicting transition).
var ErrInvalidTransition = errors.New("invalid status transition")

// Store defines persistence operations for users, appointments, and messages.
type Store interface {
	// users
	CreateUser(u *domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id int64) (domain.User, bool, error)
	SaveDoctorProfile(p domain.DoctorProfile) error
	ListDoctors(specialty string) ([]domain.DoctorProfile, error)

	// appointments
	CreateAppointment(a *domain.Appointment) error
	GetAppointment(id int64) (domain.Appointment, bool, error)
	ListAppointmentsByUser(userID int64) ([]domain.Appointment, error)
	AppointmentStats(userID int64) (domain.AppointmentStats, error)

	// Status transitions. Each is a single conditional update keyed on the
	// current status so concurrent callers cannot double-apply a change.
	//
	// BeginConsultation flips scheduled -> in_progress and is a no-op when the
	// appointment already left scheduled. Complete/Cancel return
	// ErrInvalidTransition when no legal source state matched.
	BeginConsultation(id int64) error
	CompleteAppointment(id int64) error
	CancelAppointment(id int64) error

	// messages
	// AppendMessage assigns ID, Sequence, and CreatedAt on the passed message.
	// Sequence values are contiguous per appointment, starting at 1.
	AppendMessage(msg *domain.Message) error
	ListMessages(appointmentID int64) ([]domain.Message, error)
	GetMessage(appointmentID, sequence int64) (domain.Message, bool, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID int64) (string, error)
	GetUserIDByToken(token string) (int64, bool, error)
	DeleteSession(token string) error
}

package domain

import "time"

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
)

type UserRole string

const (
	RolePatient UserRole = "patient"
	RoleDoctor  UserRole = "doctor"
	RoleAdmin   UserRole = "admin"
)

type MessageKind string

const (
	KindText MessageKind = "text"
	KindFile MessageKind = "file"
)

type ConsultationType string

const (
	ConsultationChat      ConsultationType = "chat"
	ConsultationVideoCall ConsultationType = "video_call"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DoctorProfile carries the public directory entry for a doctor account.
type DoctorProfile struct {
	UserID          int64   `json:"userId"`
	Username        string  `json:"username"`
	Specialty       string  `json:"specialty"`
	ExperienceYears int     `json:"experienceYears"`
	ConsultationFee int     `json:"consultationFee"`
	Rating          float64 `json:"rating"`
	Bio             string  `json:"bio,omitempty"`
	Approved        bool    `json:"-"`
}

// Appointment binds exactly one patient and one doctor to a scheduled slot.
// LastSequence is the per-appointment message counter; it only ever grows.
type Appointment struct {
	ID            int64             `json:"id"`
	PatientID     int64             `json:"patientId"`
	DoctorID      int64             `json:"doctorId"`
	ScheduledTime time.Time         `json:"scheduledTime"`
	Type          ConsultationType  `json:"consultationType"`
	Status        AppointmentStatus `json:"status"`
	LastSequence  int64             `json:"-"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// IsParticipant reports whether the user is the bound patient or doctor.
func (a Appointment) IsParticipant(userID int64) bool {
	return userID == a.PatientID || userID == a.DoctorID
}

// AttachmentRef points at stored file content under an opaque storage key.
// The key is generated server-side; OriginalName is display-only and never
// used as a path component.
type AttachmentRef struct {
	StorageKey   string `json:"storageKey"`
	OriginalName string `json:"originalName"`
	Extension    string `json:"extension"`
	SizeBytes    int64  `json:"sizeBytes"`
}

type Message struct {
	ID            int64          `json:"id"`
	AppointmentID int64          `json:"appointmentId"`
	SenderID      int64          `json:"senderId"`
	SenderName    string         `json:"senderName,omitempty"`
	Sequence      int64          `json:"sequence"`
	Kind          MessageKind    `json:"kind"`
	Body          string         `json:"body"`
	Attachment    *AttachmentRef `json:"attachment,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// AppointmentStats summarizes a user's appointments per status.
type AppointmentStats struct {
	Total      int `json:"total"`
	Upcoming   int `json:"upcoming"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
}

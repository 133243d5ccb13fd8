package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"mediconnect/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null;index"`
	Active       bool      `gorm:"not null;default:true"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type DoctorProfileModel struct {
	UserID          int64  `gorm:"primaryKey"`
	Specialty       string `gorm:"not null;index"`
	ExperienceYears int    `gorm:"not null;default:0"`
	ConsultationFee int    `gorm:"not null;default:0"`
	Rating          float64
	Bio             string
	Approved        bool `gorm:"not null;default:false"`
}

func (DoctorProfileModel) TableName() string { return "doctor_profiles" }

type AppointmentModel struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	PatientID     int64     `gorm:"not null;index"`
	DoctorID      int64     `gorm:"not null;index"`
	ScheduledTime time.Time `gorm:"not null"`
	Type          string    `gorm:"not null"`
	Status        string    `gorm:"not null;index"`
	LastSequence  int64     `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (AppointmentModel) TableName() string { return "appointments" }

// MessageModel rows are immutable once written. The (appointment_id, sequence)
// pair is unique; sequence is the authoritative ordering key.
type MessageModel struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	AppointmentID int64  `gorm:"not null;uniqueIndex:idx_appointment_sequence,priority:1"`
	SenderID      int64  `gorm:"not null;index"`
	Sequence      int64  `gorm:"not null;uniqueIndex:idx_appointment_sequence,priority:2"`
	Kind          string `gorm:"not null"`
	Body          string
	Attachment    datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt     time.Time      `gorm:"not null"`
}

func (MessageModel) TableName() string { return "messages" }

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		Active:       u.Active,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		Active:       m.Active,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func appointmentToModel(a domain.Appointment) AppointmentModel {
	return AppointmentModel{
		ID:            a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		ScheduledTime: a.ScheduledTime,
		Type:          string(a.Type),
		Status:        string(a.Status),
		LastSequence:  a.LastSequence,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func appointmentFromModel(m AppointmentModel) domain.Appointment {
	return domain.Appointment{
		ID:            m.ID,
		PatientID:     m.PatientID,
		DoctorID:      m.DoctorID,
		ScheduledTime: m.ScheduledTime,
		Type:          domain.ConsultationType(m.Type),
		Status:        domain.AppointmentStatus(m.Status),
		LastSequence:  m.LastSequence,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:            msg.ID,
		AppointmentID: msg.AppointmentID,
		SenderID:      msg.SenderID,
		Sequence:      msg.Sequence,
		Kind:          string(msg.Kind),
		Body:          msg.Body,
		CreatedAt:     msg.CreatedAt,
	}
	if msg.Attachment != nil {
		raw, err := json.Marshal(msg.Attachment)
		if err != nil {
			return model, err
		}
		model.Attachment = datatypes.JSON(raw)
	}
	return model, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:            m.ID,
		AppointmentID: m.AppointmentID,
		SenderID:      m.SenderID,
		Sequence:      m.Sequence,
		Kind:          domain.MessageKind(m.Kind),
		Body:          m.Body,
		CreatedAt:     m.CreatedAt,
	}
	if len(m.Attachment) > 0 {
		var ref domain.AttachmentRef
		if err := json.Unmarshal(m.Attachment, &ref); err != nil {
			return msg, err
		}
		msg.Attachment = &ref
	}
	return msg, nil
}

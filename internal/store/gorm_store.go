package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mediconnect/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &DoctorProfileModel{}, &AppointmentModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateUser inserts a user and fills in the assigned ID.
func (s *GormStore) CreateUser(u *domain.User) error {
	model := userToModel(*u)
	if err := s.db.Create(&model).Error; err != nil {
		return err
	}
	u.ID = model.ID
	return nil
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveDoctorProfile stores or updates a doctor's directory entry.
func (s *GormStore) SaveDoctorProfile(p domain.DoctorProfile) error {
	model := DoctorProfileModel{
		UserID:          p.UserID,
		Specialty:       p.Specialty,
		ExperienceYears: p.ExperienceYears,
		ConsultationFee: p.ConsultationFee,
		Rating:          p.Rating,
		Bio:             p.Bio,
		Approved:        p.Approved,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"specialty", "experience_years", "consultation_fee", "rating", "bio", "approved"}),
	}).Create(&model).Error
}

// ListDoctors returns approved doctors with active accounts, best-rated first,
// optionally filtered by specialty.
func (s *GormStore) ListDoctors(specialty string) ([]domain.DoctorProfile, error) {
	type row struct {
		DoctorProfileModel
		Username string
	}
	var rows []row
	tx := s.db.Model(&DoctorProfileModel{}).
		Select("doctor_profiles.*, users.username").
		Joins("JOIN users ON users.id = doctor_profiles.user_id").
		Where("doctor_profiles.approved AND users.active").
		Order("doctor_profiles.rating DESC, doctor_profiles.experience_years DESC")
	if specialty != "" {
		tx = tx.Where("doctor_profiles.specialty = ?", specialty)
	}
	if err := tx.Scan(&rows).Error; err != nil {
		return nil, err
	}
	res := make([]domain.DoctorProfile, 0, len(rows))
	for _, r := range rows {
		res = append(res, domain.DoctorProfile{
			UserID:          r.UserID,
			Username:        r.Username,
			Specialty:       r.Specialty,
			ExperienceYears: r.ExperienceYears,
			ConsultationFee: r.ConsultationFee,
			Rating:          r.Rating,
			Bio:             r.Bio,
			Approved:        r.Approved,
		})
	}
	return res, nil
}

// CreateAppointment inserts an appointment and fills in the assigned ID.
func (s *GormStore) CreateAppointment(a *domain.Appointment) error {
	model := appointmentToModel(*a)
	if err := s.db.Create(&model).Error; err != nil {
		return err
	}
	a.ID = model.ID
	return nil
}

// GetAppointment retrieves an appointment.
func (s *GormStore) GetAppointment(id int64) (domain.Appointment, bool, error) {
	var model AppointmentModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Appointment{}, false, nil
		}
		return domain.Appointment{}, false, err
	}
	return appointmentFromModel(model), true, nil
}

// ListAppointmentsByUser returns appointments the user participates in,
// most recent slot first.
func (s *GormStore) ListAppointmentsByUser(userID int64) ([]domain.Appointment, error) {
	var models []AppointmentModel
	err := s.db.
		Where("patient_id = ? OR doctor_id = ?", userID, userID).
		Order("scheduled_time DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Appointment, 0, len(models))
	for _, m := range models {
		res = append(res, appointmentFromModel(m))
	}
	return res, nil
}

// AppointmentStats aggregates the user's appointments per status.
func (s *GormStore) AppointmentStats(userID int64) (domain.AppointmentStats, error) {
	var stats domain.AppointmentStats
	err := s.db.Raw(`
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = 'scheduled')   AS upcoming,
		       COUNT(*) FILTER (WHERE status = 'in_progress') AS in_progress,
		       COUNT(*) FILTER (WHERE status = 'completed')   AS completed,
		       COUNT(*) FILTER (WHERE status = 'cancelled')   AS cancelled
		FROM appointments
		WHERE patient_id = ? OR doctor_id = ?`, userID, userID).
		Scan(&stats).Error
	return stats, err
}

// transition applies "status = to WHERE id = ? AND status IN from" as one
// conditional update. The database decides the race, not a prior read.
func (s *GormStore) transition(id int64, from []domain.AppointmentStatus, to domain.AppointmentStatus) (bool, error) {
	res := s.db.Model(&AppointmentModel{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// BeginConsultation flips scheduled -> in_progress exactly once. Losing the
// race (zero rows updated) is not an error: someone already started it.
func (s *GormStore) BeginConsultation(id int64) error {
	_, err := s.transition(id, []domain.AppointmentStatus{domain.StatusScheduled}, domain.StatusInProgress)
	return err
}

// CompleteAppointment finishes an in-progress consultation.
func (s *GormStore) CompleteAppointment(id int64) error {
	changed, err := s.transition(id, []domain.AppointmentStatus{domain.StatusInProgress}, domain.StatusCompleted)
	if err != nil {
		return err
	}
	if !changed {
		return ErrInvalidTransition
	}
	return nil
}

// CancelAppointment cancels an appointment that has not finished.
func (s *GormStore) CancelAppointment(id int64) error {
	changed, err := s.transition(id,
		[]domain.AppointmentStatus{domain.StatusScheduled, domain.StatusInProgress},
		domain.StatusCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return ErrInvalidTransition
	}
	return nil
}

// AppendMessage inserts a message under the appointment's next sequence
// number. The appointment row is locked for the duration of the transaction,
// so sequences stay gapless and strictly increasing under concurrent senders.
func (s *GormStore) AppendMessage(msg *domain.Message) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var appt AppointmentModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&appt, "id = ?", msg.AppointmentID).Error; err != nil {
			return err
		}
		seq := appt.LastSequence + 1
		if err := tx.Model(&AppointmentModel{}).
			Where("id = ?", appt.ID).
			Update("last_sequence", seq).Error; err != nil {
			return err
		}
		msg.Sequence = seq
		msg.CreatedAt = time.Now().UTC()
		model, err := messageToModel(*msg)
		if err != nil {
			return fmt.Errorf("encode attachment: %w", err)
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		msg.ID = model.ID
		return nil
	})
}

// ListMessages returns the full ordered history for an appointment, joined
// with sender display names. Ordering is by sequence, never by timestamp.
func (s *GormStore) ListMessages(appointmentID int64) ([]domain.Message, error) {
	type row struct {
		MessageModel
		SenderName string
	}
	var rows []row
	err := s.db.Model(&MessageModel{}).
		Select("messages.*, users.username AS sender_name").
		Joins("JOIN users ON users.id = messages.sender_id").
		Where("messages.appointment_id = ?", appointmentID).
		Order("messages.sequence ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := messageFromModel(r.MessageModel)
		if err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
		msg.SenderName = r.SenderName
		res = append(res, msg)
	}
	return res, nil
}

// GetMessage retrieves one message by its appointment-scoped sequence.
func (s *GormStore) GetMessage(appointmentID, sequence int64) (domain.Message, bool, error) {
	var model MessageModel
	err := s.db.First(&model, "appointment_id = ? AND sequence = ?", appointmentID, sequence).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msg, err := messageFromModel(model)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("decode attachment: %w", err)
	}
	return msg, true, nil
}

func statusStrings(statuses []domain.AppointmentStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

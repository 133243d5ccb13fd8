package store

import (
	"sort"
	"sync"
	"time"

	"mediconnect/pkg/domain"
)

// MemoryStore keeps all state in-process. It backs tests and local
// development and honors the same transition and ordering contracts as the
// Postgres store: all mutation runs under one mutex, so conditional status
// updates and sequence assignment are atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[int64]domain.User
	email        map[string]int64 // email -> user ID
	profiles     map[int64]domain.DoctorProfile
	appointments map[int64]domain.Appointment
	messages     map[int64][]domain.Message // appointment ID -> ordered history

	nextUserID        int64
	nextAppointmentID int64
	nextMessageID     int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]domain.User),
		email:        make(map[string]int64),
		profiles:     make(map[int64]domain.DoctorProfile),
		appointments: make(map[int64]domain.Appointment),
		messages:     make(map[int64][]domain.Message),
	}
}

// CreateUser registers a user and assigns the next ID.
func (m *MemoryStore) CreateUser(u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUserID++
	u.ID = m.nextUserID
	m.users[u.ID] = *u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// SaveDoctorProfile stores or replaces a doctor's directory entry.
func (m *MemoryStore) SaveDoctorProfile(p domain.DoctorProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
	return nil
}

// ListDoctors returns approved doctors with active accounts.
func (m *MemoryStore) ListDoctors(specialty string) ([]domain.DoctorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.DoctorProfile, 0, len(m.profiles))
	for _, p := range m.profiles {
		user, ok := m.users[p.UserID]
		if !ok || !user.Active || !p.Approved {
			continue
		}
		if specialty != "" && p.Specialty != specialty {
			continue
		}
		p.Username = user.Username
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Rating != res[j].Rating {
			return res[i].Rating > res[j].Rating
		}
		return res[i].ExperienceYears > res[j].ExperienceYears
	})
	return res, nil
}

// CreateAppointment inserts an appointment and assigns the next ID.
func (m *MemoryStore) CreateAppointment(a *domain.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAppointmentID++
	a.ID = m.nextAppointmentID
	m.appointments[a.ID] = *a
	return nil
}

// GetAppointment retrieves an appointment by ID.
func (m *MemoryStore) GetAppointment(id int64) (domain.Appointment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	return a, ok, nil
}

// ListAppointmentsByUser returns appointments the user participates in.
func (m *MemoryStore) ListAppointmentsByUser(userID int64) ([]domain.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Appointment, 0)
	for _, a := range m.appointments {
		if a.IsParticipant(userID) {
			res = append(res, a)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ScheduledTime.After(res[j].ScheduledTime)
	})
	return res, nil
}

// AppointmentStats aggregates the user's appointments per status.
func (m *MemoryStore) AppointmentStats(userID int64) (domain.AppointmentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats domain.AppointmentStats
	for _, a := range m.appointments {
		if !a.IsParticipant(userID) {
			continue
		}
		stats.Total++
		switch a.Status {
		case domain.StatusScheduled:
			stats.Upcoming++
		case domain.StatusInProgress:
			stats.InProgress++
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// transition applies the conditional status update under the store lock.
func (m *MemoryStore) transition(id int64, from []domain.AppointmentStatus, to domain.AppointmentStatus) bool {
	a, ok := m.appointments[id]
	if !ok {
		return false
	}
	for _, src := range from {
		if a.Status == src {
			a.Status = to
			a.UpdatedAt = time.Now().UTC()
			m.appointments[id] = a
			return true
		}
	}
	return false
}

// BeginConsultation flips scheduled -> in_progress exactly once.
func (m *MemoryStore) BeginConsultation(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(id, []domain.AppointmentStatus{domain.StatusScheduled}, domain.StatusInProgress)
	return nil
}

// CompleteAppointment finishes an in-progress consultation.
func (m *MemoryStore) CompleteAppointment(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.transition(id, []domain.AppointmentStatus{domain.StatusInProgress}, domain.StatusCompleted) {
		return ErrInvalidTransition
	}
	return nil
}

// CancelAppointment cancels an appointment that has not finished.
func (m *MemoryStore) CancelAppointment(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.transition(id,
		[]domain.AppointmentStatus{domain.StatusScheduled, domain.StatusInProgress},
		domain.StatusCancelled) {
		return ErrInvalidTransition
	}
	return nil
}

// AppendMessage assigns the next per-appointment sequence and records the
// message. The store lock makes assignment and insert one atomic step.
func (m *MemoryStore) AppendMessage(msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[msg.AppointmentID]
	if !ok {
		return ErrInvalidTransition
	}
	a.LastSequence++
	m.appointments[msg.AppointmentID] = a
	m.nextMessageID++
	msg.ID = m.nextMessageID
	msg.Sequence = a.LastSequence
	msg.CreatedAt = time.Now().UTC()
	m.messages[msg.AppointmentID] = append(m.messages[msg.AppointmentID], *msg)
	return nil
}

// ListMessages returns the ordered history joined with sender names.
func (m *MemoryStore) ListMessages(appointmentID int64) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.messages[appointmentID]
	res := make([]domain.Message, 0, len(history))
	for _, msg := range history {
		if sender, ok := m.users[msg.SenderID]; ok {
			msg.SenderName = sender.Username
		}
		res = append(res, msg)
	}
	return res, nil
}

// GetMessage retrieves one message by its appointment-scoped sequence.
func (m *MemoryStore) GetMessage(appointmentID, sequence int64) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages[appointmentID] {
		if msg.Sequence == sequence {
			return msg, true, nil
		}
	}
	return domain.Message{}, false, nil
}

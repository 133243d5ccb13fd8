package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"mediconnect/internal/store"
	"mediconnect/pkg/domain"
)

// fakeObjectStore records uploads in memory and can be told to fail writes.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return errors.New("disk full")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", errors.New("no such object")
	}
	return "https://files.local/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

type testEnv struct {
	app     *App
	store   *store.MemoryStore
	objects *fakeObjectStore
	patient domain.User
	doctor  domain.User
	appt    domain.Appointment
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	objects := newFakeObjectStore()
	sessions, err := store.NewJWTSessionStore("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}
	a, err := New(Config{
		Store:          mem,
		Sessions:       sessions,
		Objects:        objects,
		MaxUploadBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	env := &testEnv{app: a, store: mem, objects: objects}
	env.patient = domain.User{Username: "alice", Email: "alice@example.com", Role: domain.RolePatient, Active: true}
	env.doctor = domain.User{Username: "bob", Email: "bob@example.com", Role: domain.RoleDoctor, Active: true}
	if err := mem.CreateUser(&env.patient); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if err := mem.CreateUser(&env.doctor); err != nil {
		t.Fatalf("create doctor: %v", err)
	}
	env.appt = domain.Appointment{
		PatientID:     env.patient.ID,
		DoctorID:      env.doctor.ID,
		ScheduledTime: time.Now().Add(time.Hour),
		Type:          domain.ConsultationChat,
		Status:        domain.StatusScheduled,
	}
	if err := mem.CreateAppointment(&env.appt); err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return env
}

func (e *testEnv) status(t *testing.T) domain.AppointmentStatus {
	t.Helper()
	appt, ok, err := e.store.GetAppointment(e.appt.ID)
	if err != nil || !ok {
		t.Fatalf("get appointment: ok=%v err=%v", ok, err)
	}
	return appt.Status
}

func TestPostMessageFlipsStatusOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.app.PostMessage(ctx, env.patient, env.appt.ID, "Hello", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Sequence != 1 || msg.Kind != domain.KindText || msg.SenderID != env.patient.ID {
		t.Fatalf("msg = %+v, want sequence 1, kind text, patient sender", msg)
	}
	if got := env.status(t); got != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress after first message", got)
	}

	// Second message from the other participant leaves status alone.
	msg2, err := env.app.PostMessage(ctx, env.doctor, env.appt.ID, "Hi", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg2.Sequence != 2 {
		t.Fatalf("second message sequence = %d, want 2", msg2.Sequence)
	}
	if got := env.status(t); got != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress to stick", got)
	}
}

func TestConcurrentFirstMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	senders := []domain.User{env.patient, env.doctor}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(sender domain.User) {
			defer wg.Done()
			if _, err := env.app.PostMessage(ctx, sender, env.appt.ID, "first!", nil); err != nil {
				t.Errorf("post: %v", err)
			}
		}(senders[i%2])
	}
	wg.Wait()

	if got := env.status(t); got != domain.StatusInProgress {
		t.Fatalf("status = %s, want exactly one transition to in_progress", got)
	}
	history, err := env.app.History(env.patient, env.appt.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("got %d messages, want 10 (none lost or duplicated)", len(history))
	}
	for i, msg := range history {
		if msg.Sequence != int64(i+1) {
			t.Fatalf("history[%d].Sequence = %d, want %d", i, msg.Sequence, i+1)
		}
	}
}

func TestPostMessageRejectsEmpty(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.app.PostMessage(context.Background(), env.patient, env.appt.ID, "   \n\t ", nil)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if got := env.status(t); got != domain.StatusScheduled {
		t.Fatalf("status = %s, rejected message must not change status", got)
	}
	history, _ := env.app.History(env.patient, env.appt.ID)
	if len(history) != 0 {
		t.Fatalf("got %d messages, want none", len(history))
	}
}

func TestPostMessageAccessControl(t *testing.T) {
	env := newTestEnv(t)
	stranger := domain.User{ID: 99, Username: "mallory", Role: domain.RolePatient, Active: true}

	if _, err := env.app.PostMessage(context.Background(), stranger, env.appt.ID, "let me in", nil); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("post err = %v, want ErrAccessDenied", err)
	}
	if _, err := env.app.History(stranger, env.appt.ID); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("history err = %v, want ErrAccessDenied", err)
	}
	// Unknown appointments answer identically.
	if _, err := env.app.History(env.patient, 4242); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("unknown appointment err = %v, want ErrAccessDenied", err)
	}
}

func TestPostMessageWithAttachment(t *testing.T) {
	env := newTestEnv(t)
	up := &Upload{
		Reader:       bytes.NewReader([]byte("%PDF-1.4 fake")),
		OriginalName: "lab-results.pdf",
		SizeBytes:    13,
	}
	msg, err := env.app.PostMessage(context.Background(), env.patient, env.appt.ID, "", up)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Kind != domain.KindFile {
		t.Fatalf("kind = %s, want file", msg.Kind)
	}
	if msg.Attachment == nil {
		t.Fatal("attachment ref missing")
	}
	if msg.Attachment.OriginalName != "lab-results.pdf" || msg.Attachment.Extension != "pdf" {
		t.Fatalf("attachment = %+v", msg.Attachment)
	}
	keys := env.objects.keys()
	if len(keys) != 1 {
		t.Fatalf("stored %d objects, want 1", len(keys))
	}
	if !strings.HasPrefix(keys[0], "chat/") || strings.Contains(keys[0], "lab-results") {
		t.Fatalf("storage key %q must be generated, namespaced, and free of the original name", keys[0])
	}
}

func TestPostMessageRejectsUnsupportedExtension(t *testing.T) {
	env := newTestEnv(t)
	up := &Upload{Reader: strings.NewReader("MZ"), OriginalName: "virus.exe", SizeBytes: 2}

	_, err := env.app.PostMessage(context.Background(), env.patient, env.appt.ID, "", up)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	if len(env.objects.keys()) != 0 {
		t.Fatal("rejected upload must not reach storage")
	}
	history, _ := env.app.History(env.patient, env.appt.ID)
	if len(history) != 0 {
		t.Fatal("rejected upload must not create a message")
	}
}

func TestPostMessageAllowsUppercaseExtension(t *testing.T) {
	env := newTestEnv(t)
	up := &Upload{Reader: strings.NewReader("x"), OriginalName: "SCAN.JPG", SizeBytes: 1}
	msg, err := env.app.PostMessage(context.Background(), env.patient, env.appt.ID, "", up)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Attachment.Extension != "jpg" {
		t.Fatalf("extension = %q, want jpg", msg.Attachment.Extension)
	}
}

func TestPostMessageRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t)
	up := &Upload{Reader: strings.NewReader("x"), OriginalName: "big.png", SizeBytes: (1 << 20) + 1}

	_, err := env.app.PostMessage(context.Background(), env.patient, env.appt.ID, "", up)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestPostMessageStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.objects.failPut = true
	up := &Upload{Reader: strings.NewReader("x"), OriginalName: "scan.png", SizeBytes: 1}

	_, err := env.app.PostMessage(context.Background(), env.patient, env.appt.ID, "", up)
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
	history, _ := env.app.History(env.patient, env.appt.ID)
	if len(history) != 0 {
		t.Fatal("failed storage must not create a message")
	}
	if got := env.status(t); got != domain.StatusScheduled {
		t.Fatalf("status = %s, want scheduled untouched", got)
	}
}

func TestAttachmentURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	up := &Upload{Reader: strings.NewReader("x"), OriginalName: "scan.png", SizeBytes: 1}
	msg, err := env.app.PostMessage(ctx, env.patient, env.appt.ID, "", up)
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	url, err := env.app.AttachmentURL(ctx, env.doctor, env.appt.ID, msg.Sequence)
	if err != nil {
		t.Fatalf("attachment url: %v", err)
	}
	if !strings.HasPrefix(url, "https://files.local/chat/") {
		t.Fatalf("url = %q", url)
	}

	stranger := domain.User{ID: 99, Role: domain.RolePatient, Active: true}
	if _, err := env.app.AttachmentURL(ctx, stranger, env.appt.ID, msg.Sequence); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("stranger err = %v, want ErrAccessDenied", err)
	}

	// A text message has no attachment to fetch.
	text, err := env.app.PostMessage(ctx, env.patient, env.appt.ID, "plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := env.app.AttachmentURL(ctx, env.patient, env.appt.ID, text.Sequence); !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("text message err = %v, want ErrAttachmentNotFound", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	user, err := env.app.Register(RegisterRequest{
		Username: "carol",
		Email:    "Carol@Example.com",
		Password: "correct-horse",
		Role:     domain.RolePatient,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "carol@example.com" {
		t.Fatalf("email = %q, want lowercased", user.Email)
	}

	if _, err := env.app.Register(RegisterRequest{
		Username: "carol2", Email: "carol@example.com", Password: "correct-horse", Role: domain.RolePatient,
	}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate email err = %v, want ErrEmailTaken", err)
	}

	got, token, err := env.app.Login("carol@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID || token == "" {
		t.Fatalf("login = (%+v, %q)", got, token)
	}

	if _, _, err := env.app.Login("carol@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v, want ErrInvalidCredentials", err)
	}

	resolved, ok, err := env.app.UserByToken(token)
	if err != nil || !ok || resolved.ID != user.ID {
		t.Fatalf("user by token = (%+v, %v, %v)", resolved, ok, err)
	}
}

func TestRegisterDoctorCreatesProfile(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.app.Register(RegisterRequest{
		Username:        "drdave",
		Email:           "dave@example.com",
		Password:        "longenough",
		Role:            domain.RoleDoctor,
		Specialty:       "Cardiology",
		ExperienceYears: 9,
		ConsultationFee: 500,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// Unapproved doctors stay out of the public directory.
	doctors, err := env.app.Doctors("Cardiology")
	if err != nil {
		t.Fatalf("doctors: %v", err)
	}
	if len(doctors) != 0 {
		t.Fatalf("got %d doctors, new registrations need approval first", len(doctors))
	}
}

func TestBookAppointmentValidation(t *testing.T) {
	env := newTestEnv(t)
	future := time.Now().Add(48 * time.Hour)

	if _, err := env.app.BookAppointment(env.doctor, env.patient.ID, future, domain.ConsultationChat); !errors.Is(err, ErrForbidden) {
		t.Fatalf("doctor booking err = %v, want ErrForbidden", err)
	}
	if _, err := env.app.BookAppointment(env.patient, env.patient.ID, future, domain.ConsultationChat); err == nil {
		t.Fatal("self-booking should fail")
	}
	if _, err := env.app.BookAppointment(env.patient, 4242, future, domain.ConsultationChat); err == nil {
		t.Fatal("unknown doctor should fail")
	}
	if _, err := env.app.BookAppointment(env.patient, env.doctor.ID, time.Now().Add(-time.Hour), domain.ConsultationChat); err == nil {
		t.Fatal("past slot should fail")
	}

	appt, err := env.app.BookAppointment(env.patient, env.doctor.ID, future, "")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.Status != domain.StatusScheduled || appt.Type != domain.ConsultationChat {
		t.Fatalf("appt = %+v, want scheduled chat", appt)
	}
}

func TestCompleteAndCancelRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.app.Complete(env.doctor, env.appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete from scheduled err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.app.PostMessage(ctx, env.patient, env.appt.ID, "hi", nil); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := env.app.Complete(env.patient, env.appt.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient completing err = %v, want ErrForbidden", err)
	}
	if err := env.app.Complete(env.doctor, env.appt.ID); err != nil {
		t.Fatalf("doctor completing: %v", err)
	}
	if err := env.app.Cancel(env.patient, env.appt.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel after completion err = %v, want ErrInvalidTransition", err)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.app.PostMessage(ctx, env.patient, env.appt.ID, "hi", nil); err != nil {
		t.Fatalf("post: %v", err)
	}
	stats, err := env.app.Stats(env.patient)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.InProgress != 1 {
		t.Fatalf("stats = %+v, want total 1, in progress 1", stats)
	}
}
